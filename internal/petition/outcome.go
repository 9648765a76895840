package petition

import (
	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
)

// SignedTransaction is a transaction and the signatures collected for it.
type SignedTransaction struct {
	Intent     intents.TransactionIntent `json:"intent"`
	Signatures []intents.HDSignature     `json:"signatures"`
}

// SignaturesOutcome is the result of a signing session. Every transaction
// appears in exactly one of Successful or Failed.
type SignaturesOutcome struct {
	Successful []SignedTransaction `json:"successful"`
	Failed     []SignedTransaction `json:"failed"`
	Neglected  []NeglectedFactor   `json:"neglected"`
}

// AllSuccessful reports whether no transaction failed.
func (o *SignaturesOutcome) AllSuccessful() bool { return len(o.Failed) == 0 }

// SuccessfulIntents returns the intents that gathered enough signatures.
func (o *SignaturesOutcome) SuccessfulIntents() []intents.TransactionIntent {
	return intentsOf(o.Successful)
}

// FailedIntents returns the intents that did not.
func (o *SignaturesOutcome) FailedIntents() []intents.TransactionIntent {
	return intentsOf(o.Failed)
}

func intentsOf(txs []SignedTransaction) []intents.TransactionIntent {
	out := make([]intents.TransactionIntent, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.Intent)
	}
	return out
}

// NeglectedByReason returns the factor sources neglected for one reason.
func (o *SignaturesOutcome) NeglectedByReason(reason NeglectReason) []factors.FactorSourceID {
	var out []factors.FactorSourceID
	for _, n := range o.Neglected {
		if n.Reason == reason {
			out = append(out, n.FactorSourceID)
		}
	}
	return out
}

// IsSuccessful reports whether the transaction succeeded.
func (o *SignaturesOutcome) IsSuccessful(hash intents.Hash) bool {
	for _, tx := range o.Successful {
		if tx.Intent.Hash() == hash {
			return true
		}
	}
	return false
}

// SignaturesFor returns the signatures of a transaction, successful or
// not. The second result is false if the transaction is unknown.
func (o *SignaturesOutcome) SignaturesFor(hash intents.Hash) ([]intents.HDSignature, bool) {
	for _, group := range [][]SignedTransaction{o.Successful, o.Failed} {
		for _, tx := range group {
			if tx.Intent.Hash() == hash {
				return tx.Signatures, true
			}
		}
	}
	return nil, false
}

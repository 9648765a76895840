package intents

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/keyshield/internal/factors"
)

// SignatureLength is the length of an r||s||v secp256k1 signature.
const SignatureLength = 65

// HDSignature is one factor instance's signature over one intent, on
// behalf of one entity.
type HDSignature struct {
	IntentHash Hash                        `json:"intentHash"`
	Signer     factors.OwnedFactorInstance `json:"signer"`
	Signature  factors.HexBytes            `json:"signature"`
}

// FactorSourceID returns the factor source that produced the signature.
func (s HDSignature) FactorSourceID() factors.FactorSourceID {
	return s.Signer.Instance.FactorSourceID
}

// Owner returns the entity the signature was produced for.
func (s HDSignature) Owner() factors.EntityAddress { return s.Signer.Owner }

// Equal reports whether both signatures are identical.
func (s HDSignature) Equal(other HDSignature) bool {
	return s.IntentHash == other.IntentHash &&
		s.Signer.Owner == other.Signer.Owner &&
		s.Signer.Instance.Equal(other.Signer.Instance) &&
		bytes.Equal(s.Signature, other.Signature)
}

// VerifySignature checks that sig is a valid signature by its declared
// factor instance over the given intent hash.
func VerifySignature(hash Hash, sig HDSignature) error {
	if sig.IntentHash != hash {
		return fmt.Errorf("%w: got %s want %s", ErrWrongIntent, sig.IntentHash.Short(), hash.Short())
	}
	if len(sig.Signature) != SignatureLength {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig.Signature))
	}
	if !crypto.VerifySignature(sig.Signer.Instance.PublicKey, hash[:], sig.Signature[:64]) {
		return fmt.Errorf("%w: %s", ErrSignerMismatch, sig.FactorSourceID().Short())
	}
	recovered, err := crypto.SigToPub(hash[:], sig.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !bytes.Equal(crypto.CompressPubkey(recovered), sig.Signer.Instance.PublicKey) {
		return fmt.Errorf("%w: %s", ErrSignerMismatch, sig.FactorSourceID().Short())
	}
	return nil
}

// SignedIntent is an intent together with a validated signature set.
type SignedIntent struct {
	Intent     TransactionIntent `json:"intent"`
	Signatures []HDSignature     `json:"signatures"`
}

// NewSignedIntent verifies every signature against the intent and
// returns them deduplicated in a stable order.
func NewSignedIntent(intent TransactionIntent, sigs []HDSignature) (*SignedIntent, error) {
	hash := intent.Hash()
	out := make([]HDSignature, 0, len(sigs))
	for _, sig := range sigs {
		if err := VerifySignature(hash, sig); err != nil {
			return nil, err
		}
		dup := false
		for _, existing := range out {
			if existing.Equal(sig) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, sig)
		}
	}
	SortSignatures(out)
	return &SignedIntent{Intent: intent, Signatures: out}, nil
}

// SortSignatures orders signatures by owner, then factor source.
func SortSignatures(sigs []HDSignature) {
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Signer.Owner != sigs[j].Signer.Owner {
			return sigs[i].Signer.Owner < sigs[j].Signer.Owner
		}
		return sigs[i].FactorSourceID().Compare(sigs[j].FactorSourceID()) < 0
	})
}

package signing

import (
	"context"
	"sync"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/petition"
)

// KeySigner is a factor source able to sign locally.
type KeySigner interface {
	ID() factors.FactorSourceID
	Sign(hash intents.Hash, owned factors.OwnedFactorInstance) (intents.HDSignature, error)
}

// Decision lets a Keyring decline to use a factor source. Returning an
// empty reason signs.
type Decision func(ctx context.Context, in petition.FactorInput) petition.NeglectReason

// Keyring is an Interactor backed by in-process factor sources. Factor
// sources it does not hold are answered as unreachable.
type Keyring struct {
	mu      sync.RWMutex
	signers map[factors.FactorSourceID]KeySigner
	decide  Decision
}

// NewKeyring creates a keyring holding the given signers.
func NewKeyring(signers ...KeySigner) *Keyring {
	k := &Keyring{signers: make(map[factors.FactorSourceID]KeySigner, len(signers))}
	for _, s := range signers {
		k.signers[s.ID()] = s
	}
	return k
}

// Add registers another signer.
func (k *Keyring) Add(s KeySigner) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.ID()] = s
}

// SetDecision installs a hook consulted before each factor source signs.
func (k *Keyring) SetDecision(d Decision) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.decide = d
}

// Sign implements Interactor.
func (k *Keyring) Sign(ctx context.Context, req Request) (Response, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	resp := Response{Outcomes: make([]petition.FactorOutcome, 0, len(req.Inputs))}
	for _, in := range req.Inputs {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		resp.Outcomes = append(resp.Outcomes, k.answer(ctx, in))
	}
	return resp, nil
}

func (k *Keyring) answer(ctx context.Context, in petition.FactorInput) petition.FactorOutcome {
	s, ok := k.signers[in.FactorSourceID]
	if !ok {
		return petition.Skipped(in.FactorSourceID, petition.Unreachable)
	}
	if k.decide != nil {
		if reason := k.decide(ctx, in); reason != "" {
			return petition.Skipped(in.FactorSourceID, reason)
		}
	}
	var sigs []intents.HDSignature
	for _, tx := range in.Transactions {
		for _, owned := range tx.OwnedInstances {
			sig, err := s.Sign(tx.Intent.Hash(), owned)
			if err != nil {
				return petition.Skipped(in.FactorSourceID, petition.Unreachable)
			}
			sigs = append(sigs, sig)
		}
	}
	return petition.Signed(in.FactorSourceID, sigs...)
}

// Decline returns a Decision that declines the listed factor sources.
func Decline(ids ...factors.FactorSourceID) Decision {
	set := make(map[factors.FactorSourceID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(_ context.Context, in petition.FactorInput) petition.NeglectReason {
		if set[in.FactorSourceID] {
			return petition.UserDeclined
		}
		return ""
	}
}

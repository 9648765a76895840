// Package petition tracks which signatures a signing session still needs.
//
// A Petition covers one role of one entity for one transaction: it knows
// the factor instances that may sign, the threshold, and which factors
// have signed or been neglected. TransactionPetitions groups the
// petitions of one transaction, and Petitions is the session-wide
// bookkeeping across a batch of transactions that a signing collector
// drives round by round.
package petition

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/shield"
)

// Errors
var (
	ErrIntentMismatch     = errors.New("petition: signature is for another transaction")
	ErrEntityMismatch     = errors.New("petition: signature is for another entity")
	ErrUnknownFactor      = errors.New("petition: factor source is not a signer of this petition")
	ErrInstanceMismatch   = errors.New("petition: signature instance differs from the required instance")
	ErrDuplicateSignature = errors.New("petition: factor source already signed with a different signature")
	ErrFactorNeglected    = errors.New("petition: factor source was neglected")
	ErrUnknownTransaction = errors.New("petition: unknown transaction")
	ErrUnexpectedFactor   = errors.New("petition: factor source was not asked to sign")
	ErrInvalidRequest     = errors.New("petition: invalid request")
)

// NeglectReason is why a factor source did not sign.
type NeglectReason string

const (
	UserDeclined           NeglectReason = "user_declined"
	Unreachable            NeglectReason = "unreachable"
	IrrelevantForThisBatch NeglectReason = "irrelevant_for_this_batch"
)

// Valid reports whether r is a known reason.
func (r NeglectReason) Valid() bool {
	switch r {
	case UserDeclined, Unreachable, IrrelevantForThisBatch:
		return true
	}
	return false
}

// Status is the state of a petition or of a transaction.
type Status string

const (
	NotSatisfied       Status = "not_satisfied"
	PartiallySatisfied Status = "partially_satisfied"
	Satisfied          Status = "satisfied"
	Neglected          Status = "neglected"
)

// Decided reports whether the status can no longer change.
func (s Status) Decided() bool { return s == Satisfied || s == Neglected }

// Petition is the signature bookkeeping for one role of one entity on
// one transaction.
type Petition struct {
	intent     intents.Hash
	entity     factors.EntityAddress
	role       shield.Role
	signers    shield.RoleSpec[factors.FactorInstance]
	signatures map[factors.FactorSourceID]intents.HDSignature
	neglected  map[factors.FactorSourceID]NeglectReason
}

// NewPetition creates an empty petition.
func NewPetition(intent intents.Hash, entity factors.EntityAddress, role shield.Role, signers shield.RoleSpec[factors.FactorInstance]) *Petition {
	return &Petition{
		intent:     intent,
		entity:     entity,
		role:       role,
		signers:    signers.Clone(),
		signatures: make(map[factors.FactorSourceID]intents.HDSignature),
		neglected:  make(map[factors.FactorSourceID]NeglectReason),
	}
}

func (p *Petition) Intent() intents.Hash          { return p.intent }
func (p *Petition) Entity() factors.EntityAddress { return p.entity }
func (p *Petition) Role() shield.Role             { return p.role }

// Signers returns the factor instances the role requires.
func (p *Petition) Signers() shield.RoleSpec[factors.FactorInstance] { return p.signers.Clone() }

// FactorSourceIDs lists every factor source referenced by the petition.
func (p *Petition) FactorSourceIDs() []factors.FactorSourceID {
	out := make([]factors.FactorSourceID, 0, len(p.signers.ThresholdFactors)+len(p.signers.OverrideFactors))
	for _, fi := range p.signers.AllFactors() {
		out = append(out, fi.FactorSourceID)
	}
	return out
}

// References reports whether the factor source is a signer.
func (p *Petition) References(id factors.FactorSourceID) bool {
	return p.signers.Contains(id)
}

func (p *Petition) instance(id factors.FactorSourceID) (factors.FactorInstance, bool) {
	for _, fi := range p.signers.AllFactors() {
		if fi.FactorSourceID == id {
			return fi, true
		}
	}
	return factors.FactorInstance{}, false
}

// OwnedInstance returns the instance the factor source must sign with.
func (p *Petition) OwnedInstance(id factors.FactorSourceID) (factors.OwnedFactorInstance, bool) {
	fi, ok := p.instance(id)
	if !ok {
		return factors.OwnedFactorInstance{}, false
	}
	return factors.OwnedFactorInstance{Owner: p.entity, Instance: fi}, true
}

// Signatures returns the collected signatures in signer order.
func (p *Petition) Signatures() []intents.HDSignature {
	out := make([]intents.HDSignature, 0, len(p.signatures))
	for _, fi := range p.signers.AllFactors() {
		if sig, ok := p.signatures[fi.FactorSourceID]; ok {
			out = append(out, sig)
		}
	}
	return out
}

// HasSigned reports whether the factor source signed this petition.
func (p *Petition) HasSigned(id factors.FactorSourceID) bool {
	_, ok := p.signatures[id]
	return ok
}

// NeglectReasonOf returns the reason the factor source was neglected.
func (p *Petition) NeglectReasonOf(id factors.FactorSourceID) (NeglectReason, bool) {
	r, ok := p.neglected[id]
	return r, ok
}

// checkSignature validates sig against the petition without mutating.
// It reports whether the identical signature is already recorded.
func (p *Petition) checkSignature(sig intents.HDSignature) (bool, error) {
	if sig.IntentHash != p.intent {
		return false, fmt.Errorf("%w: %s", ErrIntentMismatch, sig.IntentHash.Short())
	}
	if sig.Owner() != p.entity {
		return false, fmt.Errorf("%w: %s", ErrEntityMismatch, sig.Owner())
	}
	id := sig.FactorSourceID()
	fi, ok := p.instance(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFactor, id.Short())
	}
	if !fi.Equal(sig.Signer.Instance) {
		return false, fmt.Errorf("%w: %s", ErrInstanceMismatch, id.Short())
	}
	if existing, ok := p.signatures[id]; ok {
		if existing.Equal(sig) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %s", ErrDuplicateSignature, id.Short())
	}
	if _, ok := p.neglected[id]; ok {
		return false, fmt.Errorf("%w: %s", ErrFactorNeglected, id.Short())
	}
	return false, nil
}

// AddSignature records sig. Re-adding an identical signature is a no-op;
// any mismatch is rejected and leaves the petition unchanged.
func (p *Petition) AddSignature(sig intents.HDSignature) error {
	present, err := p.checkSignature(sig)
	if err != nil || present {
		return err
	}
	p.signatures[sig.FactorSourceID()] = sig
	return nil
}

// Neglect marks the factor source as not signing. The first reason
// wins, a factor that already signed keeps its signature, and factor
// sources the petition does not reference are ignored.
func (p *Petition) Neglect(id factors.FactorSourceID, reason NeglectReason) {
	if !p.References(id) || p.HasSigned(id) {
		return
	}
	if _, ok := p.neglected[id]; ok {
		return
	}
	p.neglected[id] = reason
}

// Status computes the petition state.
func (p *Petition) Status() Status {
	return p.statusWith(nil)
}

// statusWith computes the state as if extra factor sources were also
// neglected.
func (p *Petition) statusWith(extra []factors.FactorSourceID) Status {
	isNeglected := func(id factors.FactorSourceID) bool {
		if _, signed := p.signatures[id]; signed {
			return false
		}
		if _, ok := p.neglected[id]; ok {
			return true
		}
		return slices.Contains(extra, id)
	}

	required := p.signers.RequiredThreshold()
	signedThreshold, availableThreshold := 0, 0
	for _, fi := range p.signers.ThresholdFactors {
		if _, ok := p.signatures[fi.FactorSourceID]; ok {
			signedThreshold++
		}
		if !isNeglected(fi.FactorSourceID) {
			availableThreshold++
		}
	}
	overrideSigned, overrideAvailable := false, false
	for _, fi := range p.signers.OverrideFactors {
		if _, ok := p.signatures[fi.FactorSourceID]; ok {
			overrideSigned = true
		}
		if !isNeglected(fi.FactorSourceID) {
			overrideAvailable = true
		}
	}

	thresholdPossible := len(p.signers.ThresholdFactors) > 0 && required > 0
	switch {
	case overrideSigned || (thresholdPossible && signedThreshold >= required):
		return Satisfied
	case !overrideAvailable && (!thresholdPossible || availableThreshold < required):
		return Neglected
	case len(p.signatures) > 0:
		return PartiallySatisfied
	default:
		return NotSatisfied
	}
}

// InvalidIfNeglected reports whether neglecting the candidates, on top of
// what is already neglected, would leave the petition unsatisfiable. It
// never mutates.
func (p *Petition) InvalidIfNeglected(candidates []factors.FactorSourceID) bool {
	return p.statusWith(candidates) == Neglected
}

// NeedsSignatureFrom reports whether a signature from the factor source
// could still change the outcome of the petition.
func (p *Petition) NeedsSignatureFrom(id factors.FactorSourceID) bool {
	if !p.References(id) || p.HasSigned(id) {
		return false
	}
	if _, ok := p.neglected[id]; ok {
		return false
	}
	return !p.Status().Decided()
}

package petition

import (
	"fmt"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/shield"
)

// Signer is one (entity, role) whose authorization a transaction needs.
type Signer struct {
	Entity factors.EntityAddress                   `json:"entity"`
	Role   shield.Role                             `json:"role"`
	Spec   shield.RoleSpec[factors.FactorInstance] `json:"spec"`
}

// Request is one transaction to sign and the signers it needs.
type Request struct {
	Intent  intents.TransactionIntent `json:"intent"`
	Signers []Signer                  `json:"signers"`
}

func (r Request) validate() error {
	if len(r.Signers) == 0 {
		return fmt.Errorf("%w: transaction %s has no signers", ErrInvalidRequest, r.Intent.Hash().Short())
	}
	type key struct {
		entity factors.EntityAddress
		role   shield.Role
	}
	seen := make(map[key]bool, len(r.Signers))
	for _, s := range r.Signers {
		k := key{s.Entity, s.Role}
		if seen[k] {
			return fmt.Errorf("%w: %s/%s listed twice", ErrInvalidRequest, s.Entity, s.Role)
		}
		seen[k] = true
		if s.Spec.IsEmpty() {
			return fmt.Errorf("%w: %s/%s has no factors", ErrInvalidRequest, s.Entity, s.Role)
		}
		ids := make(map[factors.FactorSourceID]bool)
		for _, fi := range s.Spec.AllFactors() {
			if ids[fi.FactorSourceID] {
				return fmt.Errorf("%w: %s/%s lists %s twice", ErrInvalidRequest, s.Entity, s.Role, fi.FactorSourceID.Short())
			}
			ids[fi.FactorSourceID] = true
		}
		if s.Spec.RequiredThreshold() > len(s.Spec.ThresholdFactors) {
			return fmt.Errorf("%w: %s/%s threshold exceeds its factors", ErrInvalidRequest, s.Entity, s.Role)
		}
	}
	return nil
}

// TransactionPetitions holds the petitions of one transaction. The
// transaction succeeds once every petition is satisfied and fails as
// soon as one is neglected.
type TransactionPetitions struct {
	intent    intents.TransactionIntent
	petitions []*Petition
}

func newTransactionPetitions(r Request) *TransactionPetitions {
	tp := &TransactionPetitions{intent: r.Intent}
	for _, s := range r.Signers {
		tp.petitions = append(tp.petitions, NewPetition(r.Intent.Hash(), s.Entity, s.Role, s.Spec))
	}
	return tp
}

// Intent returns the transaction intent.
func (tp *TransactionPetitions) Intent() intents.TransactionIntent { return tp.intent }

// Petitions returns the per-signer petitions in request order.
func (tp *TransactionPetitions) Petitions() []*Petition { return tp.petitions }

// Status aggregates the petition states.
func (tp *TransactionPetitions) Status() Status {
	allSatisfied, anySigned := true, false
	for _, p := range tp.petitions {
		switch p.Status() {
		case Neglected:
			return Neglected
		case Satisfied:
			anySigned = true
		case PartiallySatisfied:
			anySigned = true
			allSatisfied = false
		default:
			allSatisfied = false
		}
	}
	switch {
	case allSatisfied:
		return Satisfied
	case anySigned:
		return PartiallySatisfied
	default:
		return NotSatisfied
	}
}

// InvalidIfNeglected reports whether neglecting the candidates would make
// any petition of the transaction unsatisfiable.
func (tp *TransactionPetitions) InvalidIfNeglected(candidates []factors.FactorSourceID) bool {
	for _, p := range tp.petitions {
		if p.InvalidIfNeglected(candidates) {
			return true
		}
	}
	return false
}

// NeedsSignatureFrom reports whether any undecided petition still needs
// the factor source.
func (tp *TransactionPetitions) NeedsSignatureFrom(id factors.FactorSourceID) bool {
	if tp.Status().Decided() {
		return false
	}
	for _, p := range tp.petitions {
		if p.NeedsSignatureFrom(id) {
			return true
		}
	}
	return false
}

// References reports whether any petition lists the factor source.
func (tp *TransactionPetitions) References(id factors.FactorSourceID) bool {
	for _, p := range tp.petitions {
		if p.References(id) {
			return true
		}
	}
	return false
}

// ownedInstancesFor lists the keys the factor source must sign with,
// restricted to petitions that still need it.
func (tp *TransactionPetitions) ownedInstancesFor(id factors.FactorSourceID) []factors.OwnedFactorInstance {
	var out []factors.OwnedFactorInstance
	for _, p := range tp.petitions {
		if !p.NeedsSignatureFrom(id) {
			continue
		}
		owned, _ := p.OwnedInstance(id)
		dup := false
		for _, o := range out {
			if o.Owner == owned.Owner && o.Instance.Equal(owned.Instance) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, owned)
		}
	}
	return out
}

// matching returns the petitions a signature applies to: same entity and
// same factor instance.
func (tp *TransactionPetitions) matching(sig intents.HDSignature) []*Petition {
	var out []*Petition
	for _, p := range tp.petitions {
		if p.Entity() != sig.Owner() {
			continue
		}
		if fi, ok := p.instance(sig.FactorSourceID()); ok && fi.Equal(sig.Signer.Instance) {
			out = append(out, p)
		}
	}
	return out
}

// checkSignature validates sig against every matching petition.
func (tp *TransactionPetitions) checkSignature(sig intents.HDSignature) error {
	matches := tp.matching(sig)
	if len(matches) == 0 {
		// Surface the most specific reason from a petition of the entity.
		for _, p := range tp.petitions {
			if p.Entity() == sig.Owner() {
				if _, err := p.checkSignature(sig); err != nil {
					return err
				}
			}
		}
		return fmt.Errorf("%w: %s", ErrEntityMismatch, sig.Owner())
	}
	for _, p := range matches {
		if _, err := p.checkSignature(sig); err != nil {
			return err
		}
	}
	return nil
}

// AddSignature records sig in every matching petition.
func (tp *TransactionPetitions) AddSignature(sig intents.HDSignature) error {
	if err := tp.checkSignature(sig); err != nil {
		return err
	}
	for _, p := range tp.matching(sig) {
		if err := p.AddSignature(sig); err != nil {
			panic(fmt.Sprintf("programmer error: signature passed check but was rejected: %v", err))
		}
	}
	return nil
}

// Neglect marks the factor source as not signing in every petition.
func (tp *TransactionPetitions) Neglect(id factors.FactorSourceID, reason NeglectReason) {
	for _, p := range tp.petitions {
		p.Neglect(id, reason)
	}
}

// Signatures returns every distinct signature collected for the
// transaction.
func (tp *TransactionPetitions) Signatures() []intents.HDSignature {
	var out []intents.HDSignature
	for _, p := range tp.petitions {
		for _, sig := range p.Signatures() {
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
	}
	intents.SortSignatures(out)
	return out
}

// Package recovery authorizes a change of a securified entity's shield
// by trying the legal role combinations in a fixed order until one of
// them is fully signed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/profile"
	"github.com/mbd888/keyshield/internal/shield"
)

// Errors
var (
	ErrTooManyFactorSourcesNeglected = errors.New("recovery: too many factor sources neglected")
	ErrAuxiliarySigningFailed        = errors.New("recovery: fee payer or primary role did not sign")
	ErrInvalidVariants               = errors.New("recovery: invalid variant intents")
)

// Variant is one legal way to initiate and confirm a recovery.
type Variant string

const (
	RecoveryWithPrimary           Variant = "recovery_primary"
	RecoveryWithConfirmation      Variant = "recovery_confirmation"
	RecoveryWithDelayedCompletion Variant = "recovery_delayed_completion"
	PrimaryWithConfirmation       Variant = "primary_confirmation"
	PrimaryWithDelayedCompletion  Variant = "primary_delayed_completion"
)

// Variants lists every variant.
var Variants = []Variant{
	RecoveryWithPrimary,
	RecoveryWithConfirmation,
	RecoveryWithDelayedCompletion,
	PrimaryWithConfirmation,
	PrimaryWithDelayedCompletion,
}

// Initiator is the role that starts the recovery.
func (v Variant) Initiator() shield.Role {
	switch v {
	case RecoveryWithPrimary, RecoveryWithConfirmation, RecoveryWithDelayedCompletion:
		return shield.RoleRecovery
	case PrimaryWithConfirmation, PrimaryWithDelayedCompletion:
		return shield.RolePrimary
	}
	panic(fmt.Sprintf("programmer error: unknown variant %q", v))
}

// Confirmer is the role that confirms immediately. The second result is
// false for variants that complete after the auto-confirm delay.
func (v Variant) Confirmer() (shield.Role, bool) {
	switch v {
	case RecoveryWithPrimary:
		return shield.RolePrimary, true
	case RecoveryWithConfirmation, PrimaryWithConfirmation:
		return shield.RoleConfirmation, true
	case RecoveryWithDelayedCompletion, PrimaryWithDelayedCompletion:
		return "", false
	}
	panic(fmt.Sprintf("programmer error: unknown variant %q", v))
}

// Roles lists the roles whose signatures the variant needs.
func (v Variant) Roles() []shield.Role {
	roles := []shield.Role{v.Initiator()}
	if c, ok := v.Confirmer(); ok {
		roles = append(roles, c)
	}
	return roles
}

// VariantIntent is the transaction a manifest builder produced for one
// variant.
type VariantIntent struct {
	Variant Variant                   `json:"variant"`
	Intent  intents.TransactionIntent `json:"intent"`
	// NeedsPrimary is set when the manifest also rotates the
	// authentication signing key, which the Primary role must sign even
	// when it takes no part in the recovery itself.
	NeedsPrimary bool `json:"needsPrimary"`
}

// Proposal is the requested change: the entity, the shield it should be
// protected by, and the account paying the fee.
type Proposal struct {
	Entity *profile.Entity
	Shield *shield.SecurityShield
	// Payer pays the transaction fee. Nil means the entity pays.
	Payer *profile.Entity
}

// PayerAddress returns the address paying the fee.
func (p Proposal) PayerAddress() factors.EntityAddress {
	if p.Payer != nil {
		return p.Payer.Address
	}
	return p.Entity.Address
}

// ManifestBuilder compiles one transaction per variant. Only the intent
// hash and the declared signers are used by this package.
type ManifestBuilder interface {
	BuildVariants(ctx context.Context, p Proposal) ([]VariantIntent, error)
}

// ManifestBuilderFunc adapts a function to ManifestBuilder.
type ManifestBuilderFunc func(ctx context.Context, p Proposal) ([]VariantIntent, error)

func (f ManifestBuilderFunc) BuildVariants(ctx context.Context, p Proposal) ([]VariantIntent, error) {
	return f(ctx, p)
}

// IntentVariantState accumulates the signatures of one variant's intent,
// per role.
type IntentVariantState struct {
	intent     VariantIntent
	signatures map[shield.Role][]intents.HDSignature
	extra      []intents.HDSignature
}

func newIntentVariantState(vi VariantIntent) *IntentVariantState {
	return &IntentVariantState{intent: vi, signatures: make(map[shield.Role][]intents.HDSignature)}
}

func (s *IntentVariantState) Variant() Variant                  { return s.intent.Variant }
func (s *IntentVariantState) Intent() intents.TransactionIntent { return s.intent.Intent }
func (s *IntentVariantState) NeedsPrimary() bool                { return s.intent.NeedsPrimary }

// SetRoleSignatures records the signatures a role produced for this
// intent. A role signs at most once per recovery.
func (s *IntentVariantState) SetRoleSignatures(role shield.Role, sigs []intents.HDSignature) {
	if _, ok := s.signatures[role]; ok {
		panic(fmt.Sprintf("programmer error: %s already signed %s", role, s.intent.Variant))
	}
	s.signatures[role] = slices.Clone(sigs)
}

// HasRole reports whether the role signed.
func (s *IntentVariantState) HasRole(role shield.Role) bool {
	_, ok := s.signatures[role]
	return ok
}

// RoleSignatures returns what a role signed.
func (s *IntentVariantState) RoleSignatures(role shield.Role) []intents.HDSignature {
	return slices.Clone(s.signatures[role])
}

// AddAuxiliary records signatures outside the recovery roles, such as
// the fee payer's.
func (s *IntentVariantState) AddAuxiliary(sigs []intents.HDSignature) {
	s.extra = append(s.extra, sigs...)
}

// Signatures returns every signature collected, deduplicated.
func (s *IntentVariantState) Signatures() []intents.HDSignature {
	var out []intents.HDSignature
	add := func(sig intents.HDSignature) {
		for _, existing := range out {
			if existing.Equal(sig) {
				return
			}
		}
		out = append(out, sig)
	}
	for _, role := range shield.Roles {
		for _, sig := range s.signatures[role] {
			add(sig)
		}
	}
	for _, sig := range s.extra {
		add(sig)
	}
	intents.SortSignatures(out)
	return out
}

// SecurifiedIntentSet is the five variant intents of one recovery.
type SecurifiedIntentSet struct {
	proposal Proposal
	states   map[Variant]*IntentVariantState
}

// NewSecurifiedIntentSet checks that the entity is securified and that
// every variant is present exactly once with a distinct intent.
func NewSecurifiedIntentSet(p Proposal, vis []VariantIntent) (*SecurifiedIntentSet, error) {
	if p.Entity == nil || !p.Entity.IsSecurified() {
		return nil, profile.ErrNotSecurified
	}
	set := &SecurifiedIntentSet{proposal: p, states: make(map[Variant]*IntentVariantState, len(Variants))}
	hashes := make(map[intents.Hash]Variant, len(vis))
	for _, vi := range vis {
		if !slices.Contains(Variants, vi.Variant) {
			return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalidVariants, vi.Variant)
		}
		if _, dup := set.states[vi.Variant]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", ErrInvalidVariants, vi.Variant)
		}
		if other, dup := hashes[vi.Intent.Hash()]; dup {
			return nil, fmt.Errorf("%w: %s and %s share an intent", ErrInvalidVariants, other, vi.Variant)
		}
		hashes[vi.Intent.Hash()] = vi.Variant
		set.states[vi.Variant] = newIntentVariantState(vi)
	}
	for _, v := range Variants {
		if _, ok := set.states[v]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidVariants, v)
		}
	}
	return set, nil
}

// Proposal returns the recovery proposal.
func (s *SecurifiedIntentSet) Proposal() Proposal { return s.proposal }

// State returns the state of one variant.
func (s *SecurifiedIntentSet) State(v Variant) *IntentVariantState {
	st, ok := s.states[v]
	if !ok {
		panic(fmt.Sprintf("programmer error: no state for variant %q", v))
	}
	return st
}

// InitiatedBy returns, in ladder order, the variants a role initiates.
func (s *SecurifiedIntentSet) InitiatedBy(role shield.Role) []*IntentVariantState {
	var out []*IntentVariantState
	for _, v := range Variants {
		if v.Initiator() == role {
			out = append(out, s.states[v])
		}
	}
	return out
}

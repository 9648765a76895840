package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/metrics"
	"github.com/mbd888/keyshield/internal/petition"
	"github.com/mbd888/keyshield/internal/profile"
	"github.com/mbd888/keyshield/internal/shield"
	"github.com/mbd888/keyshield/internal/signing"
	"github.com/mbd888/keyshield/internal/traces"
)

// Result is a fully signed recovery.
type Result struct {
	Variant      Variant               `json:"variant"`
	SignedIntent *intents.SignedIntent `json:"signedIntent"`
}

// Orchestrator runs the recovery ladder.
type Orchestrator struct {
	collector *signing.Collector
	builder   ManifestBuilder
	logger    *slog.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator. Each role is signed in its
// own session on collector.
func NewOrchestrator(collector *signing.Collector, builder ManifestBuilder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		collector: collector,
		builder:   builder,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Recover builds the variant intents for the proposal and signs one of
// them.
func (o *Orchestrator) Recover(ctx context.Context, p Proposal) (*Result, error) {
	if p.Entity == nil || !p.Entity.IsSecurified() {
		return nil, profile.ErrNotSecurified
	}
	vis, err := o.builder.BuildVariants(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to build variant manifests: %w", err)
	}
	set, err := NewSecurifiedIntentSet(p, vis)
	if err != nil {
		return nil, err
	}
	return o.Sign(ctx, set)
}

// Sign walks the ladder over an intent set:
//
//  1. Recovery signs its three intents. If none succeeds, go to 4.
//  2. Confirmation confirms Recovery→Confirmation.
//  3. Else Primary confirms Recovery→Primary, else Recovery→DelayedCompletion
//     wins with the Recovery signatures alone.
//  4. Primary signs its two intents, then Confirmation confirms
//     Primary→Confirmation, else Primary→DelayedCompletion wins.
//
// The winner then collects fee payer and authentication key rotation
// signatures. No partially signed intent is ever returned.
func (o *Orchestrator) Sign(ctx context.Context, set *SecurifiedIntentSet) (*Result, error) {
	entity := set.Proposal().Entity
	ctx, span := traces.StartSpan(ctx, "recovery.Sign")
	defer span.End()

	winner, err := o.ladder(ctx, set)
	if err != nil {
		metrics.RecoveryVariantsTotal.WithLabelValues("none").Inc()
		traces.RecordError(span, err)
		if errors.Is(err, ErrTooManyFactorSourcesNeglected) {
			o.logger.Warn("recovery failed", "address", entity.Address, "error", err)
		}
		return nil, err
	}
	span.SetAttributes(traces.Variant(string(winner.Variant())))

	if err := o.postProcess(ctx, set, winner); err != nil {
		metrics.RecoveryVariantsTotal.WithLabelValues("none").Inc()
		traces.RecordError(span, err)
		o.logger.Warn("recovery post-processing failed", "address", entity.Address, "variant", winner.Variant(), "error", err)
		return nil, err
	}

	signed, err := intents.NewSignedIntent(winner.Intent(), winner.Signatures())
	if err != nil {
		panic(fmt.Sprintf("programmer error: collected signature failed verification: %v", err))
	}
	metrics.RecoveryVariantsTotal.WithLabelValues(string(winner.Variant())).Inc()
	initiator := winner.Variant().Initiator()
	o.logger.Info("recovery signed",
		"address", entity.Address,
		"variant", winner.Variant(),
		"intent_hash", winner.Intent().Hash().Short(),
		"initiator_signatures", len(winner.RoleSignatures(initiator)),
		"signatures", len(signed.Signatures))
	return &Result{Variant: winner.Variant(), SignedIntent: signed}, nil
}

func (o *Orchestrator) ladder(ctx context.Context, set *SecurifiedIntentSet) (*IntentVariantState, error) {
	recovered, err := o.signRole(ctx, set, shield.RoleRecovery, set.InitiatedBy(shield.RoleRecovery)...)
	if err != nil {
		return nil, err
	}
	if recovered[RecoveryWithConfirmation] {
		ok, err := o.confirm(ctx, set, RecoveryWithConfirmation)
		if err != nil || ok {
			return set.State(RecoveryWithConfirmation), err
		}
	}
	if recovered[RecoveryWithPrimary] {
		ok, err := o.confirm(ctx, set, RecoveryWithPrimary)
		if err != nil || ok {
			return set.State(RecoveryWithPrimary), err
		}
	}
	if recovered[RecoveryWithDelayedCompletion] {
		return set.State(RecoveryWithDelayedCompletion), nil
	}

	primary, err := o.signRole(ctx, set, shield.RolePrimary, set.InitiatedBy(shield.RolePrimary)...)
	if err != nil {
		return nil, err
	}
	if primary[PrimaryWithConfirmation] {
		ok, err := o.confirm(ctx, set, PrimaryWithConfirmation)
		if err != nil || ok {
			return set.State(PrimaryWithConfirmation), err
		}
	}
	if primary[PrimaryWithDelayedCompletion] {
		return set.State(PrimaryWithDelayedCompletion), nil
	}
	return nil, ErrTooManyFactorSourcesNeglected
}

// confirm asks the variant's confirming role to sign its intent.
func (o *Orchestrator) confirm(ctx context.Context, set *SecurifiedIntentSet, v Variant) (bool, error) {
	role, ok := v.Confirmer()
	if !ok {
		panic(fmt.Sprintf("programmer error: %s has no confirming role", v))
	}
	signed, err := o.signRole(ctx, set, role, set.State(v))
	if err != nil {
		return false, err
	}
	return signed[v], nil
}

// signRole runs one session in which the entity's role signs the given
// intents, and records the signatures of those that succeeded. Only a
// cancelled context or a malformed request is returned as an error; an
// interrupted session counts as the role failing.
func (o *Orchestrator) signRole(ctx context.Context, set *SecurifiedIntentSet, role shield.Role, states ...*IntentVariantState) (map[Variant]bool, error) {
	entity := set.Proposal().Entity
	ctx, span := traces.StartSpan(ctx, "recovery.signRole")
	defer span.End()

	spec := entity.RoleSigners(role)
	reqs := make([]petition.Request, 0, len(states))
	for _, st := range states {
		reqs = append(reqs, petition.Request{
			Intent:  st.Intent(),
			Signers: []petition.Signer{{Entity: entity.Address, Role: role, Spec: spec}},
		})
	}

	out, err := o.collector.Collect(ctx, reqs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, signing.ErrInterrupted) {
			return nil, err
		}
		o.logger.Warn("role signing interrupted", "address", entity.Address, "role", role, "error", err)
	}

	signed := make(map[Variant]bool, len(states))
	for _, st := range states {
		hash := st.Intent().Hash()
		if !out.IsSuccessful(hash) {
			continue
		}
		sigs, _ := out.SignaturesFor(hash)
		st.SetRoleSignatures(role, sigs)
		signed[st.Variant()] = true
	}
	o.logger.Debug("role signing finished", "address", entity.Address, "role", role, "signed", len(signed), "asked", len(states))
	return signed, nil
}

// postProcess collects the signatures the winning intent needs besides
// the recovery roles: a separate fee payer's Primary role, and the
// entity's Primary role when the intent rotates the authentication key
// and Primary did not already sign. An entity paying its own fee pays
// from its access controller and adds no signer.
func (o *Orchestrator) postProcess(ctx context.Context, set *SecurifiedIntentSet, st *IntentVariantState) error {
	p := set.Proposal()
	var signers []petition.Signer
	if p.Payer != nil && p.Payer.Address != p.Entity.Address {
		signers = append(signers, petition.Signer{
			Entity: p.Payer.Address,
			Role:   shield.RolePrimary,
			Spec:   p.Payer.RoleSigners(shield.RolePrimary),
		})
	}
	if st.NeedsPrimary() && !st.HasRole(shield.RolePrimary) {
		signers = append(signers, petition.Signer{
			Entity: p.Entity.Address,
			Role:   shield.RolePrimary,
			Spec:   p.Entity.RoleSigners(shield.RolePrimary),
		})
	}
	if len(signers) == 0 {
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "recovery.postProcess", traces.Variant(string(st.Variant())))
	defer span.End()

	hash := st.Intent().Hash()
	out, err := o.collector.Collect(ctx, []petition.Request{{Intent: st.Intent(), Signers: signers}})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !errors.Is(err, signing.ErrInterrupted) {
			return err
		}
	}
	if !out.IsSuccessful(hash) {
		return fmt.Errorf("%w: %s", ErrAuxiliarySigningFailed, st.Variant())
	}
	sigs, _ := out.SignaturesFor(hash)
	st.AddAuxiliary(sigs)
	return nil
}

package signing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/logging"
	"github.com/mbd888/keyshield/internal/petition"
	"github.com/mbd888/keyshield/internal/shield"
	"github.com/mbd888/keyshield/internal/signer"
)

const alice factors.EntityAddress = "account_alice"

type fixture struct {
	device, ledger, arculus *signer.SoftwareFactor
	inst                    map[factors.FactorSourceID]factors.FactorInstance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{inst: map[factors.FactorSourceID]factors.FactorInstance{}}
	mk := func(kind factors.Kind, seed byte) *signer.SoftwareFactor {
		sf, err := signer.NewFromSeed(kind, bytes.Repeat([]byte{seed}, 32), string(kind))
		require.NoError(t, err)
		inst, err := sf.Instance("m/0")
		require.NoError(t, err)
		f.inst[sf.ID()] = inst
		return sf
	}
	f.device = mk(factors.KindDevice, 1)
	f.ledger = mk(factors.KindLedgerHQHardwareWallet, 2)
	f.arculus = mk(factors.KindArculusCard, 3)
	return f
}

func (f *fixture) role(threshold shield.Threshold, thresholdFactors []*signer.SoftwareFactor, override ...*signer.SoftwareFactor) shield.RoleSpec[factors.FactorInstance] {
	r := shield.NewRoleSpec[factors.FactorInstance]()
	r.Threshold = threshold
	for _, s := range thresholdFactors {
		r.ThresholdFactors = append(r.ThresholdFactors, f.inst[s.ID()])
	}
	for _, s := range override {
		r.OverrideFactors = append(r.OverrideFactors, f.inst[s.ID()])
	}
	return r
}

func request(t *testing.T, nonce uint32, spec shield.RoleSpec[factors.FactorInstance]) petition.Request {
	t.Helper()
	ti, err := intents.New(intents.Header{NetworkID: 2, Nonce: nonce}, intents.Manifest{Instructions: "DROP_ALL_PROOFS;"}, "")
	require.NoError(t, err)
	return petition.Request{
		Intent:  ti,
		Signers: []petition.Signer{{Entity: alice, Role: shield.RolePrimary, Spec: spec}},
	}
}

// recorder wraps an interactor and remembers the kinds it was asked for.
type recorder struct {
	inner    Interactor
	kinds    []factors.Kind
	sessions []string
}

func (r *recorder) Sign(ctx context.Context, req Request) (Response, error) {
	r.kinds = append(r.kinds, req.Kind)
	r.sessions = append(r.sessions, req.Session)
	return r.inner.Sign(ctx, req)
}

func TestCollectAllFactorsSign(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{inner: NewKeyring(f.device, f.ledger)}
	c := NewCollector(rec)

	reqs := []petition.Request{
		request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.ledger, f.device})),
		request(t, 2, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
	}
	out, err := c.Collect(context.Background(), reqs)
	require.NoError(t, err)

	assert.True(t, out.AllSuccessful())
	assert.Len(t, out.Successful, 2)
	assert.Equal(t, []factors.Kind{factors.KindDevice, factors.KindLedgerHQHardwareWallet}, rec.kinds)

	sigs, ok := out.SignaturesFor(reqs[0].Intent.Hash())
	require.True(t, ok)
	assert.Len(t, sigs, 2)
	_, err = intents.NewSignedIntent(reqs[0].Intent, sigs)
	assert.NoError(t, err)
}

func TestCollectDeclinedFactorFailsTransaction(t *testing.T) {
	f := newFixture(t)
	kr := NewKeyring(f.device, f.ledger)
	kr.SetDecision(Decline(f.ledger.ID()))
	c := NewCollector(kr)

	out, err := c.Collect(context.Background(), []petition.Request{
		request(t, 1, f.role(shield.Specific(2), []*signer.SoftwareFactor{f.device, f.ledger})),
	})
	require.NoError(t, err)

	assert.Empty(t, out.Successful)
	require.Len(t, out.Failed, 1)
	assert.Len(t, out.Failed[0].Signatures, 1)
	assert.Equal(t, []factors.FactorSourceID{f.ledger.ID()}, out.NeglectedByReason(petition.UserDeclined))
}

func TestCollectMissingFactorIsUnreachable(t *testing.T) {
	f := newFixture(t)
	c := NewCollector(NewKeyring(f.device))

	out, err := c.Collect(context.Background(), []petition.Request{
		request(t, 1, f.role(shield.Specific(1), []*signer.SoftwareFactor{f.arculus})),
	})
	require.NoError(t, err)
	assert.Len(t, out.Failed, 1)
	assert.Equal(t, []factors.FactorSourceID{f.arculus.ID()}, out.NeglectedByReason(petition.Unreachable))
}

func TestCollectOmittedAnswerIsUnreachable(t *testing.T) {
	f := newFixture(t)
	silent := InteractorFunc(func(context.Context, Request) (Response, error) { return Response{}, nil })

	out, err := NewCollector(silent).Collect(context.Background(), []petition.Request{
		request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
	})
	require.NoError(t, err)
	assert.Len(t, out.Failed, 1)
}

func TestCollectPartialAnswerIsUnreachable(t *testing.T) {
	f := newFixture(t)
	kr := NewKeyring(f.device)
	// Keep only the first signature of each answer.
	partial := InteractorFunc(func(ctx context.Context, req Request) (Response, error) {
		resp, err := kr.Sign(ctx, req)
		for i := range resp.Outcomes {
			if len(resp.Outcomes[i].Signatures) > 1 {
				resp.Outcomes[i].Signatures = resp.Outcomes[i].Signatures[:1]
			}
		}
		return resp, err
	})

	out, err := NewCollector(partial).Collect(context.Background(), []petition.Request{
		request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
		request(t, 2, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
	})
	require.NoError(t, err)
	assert.Len(t, out.Successful, 1)
	assert.Len(t, out.Failed, 1)
	assert.Equal(t, []factors.FactorSourceID{f.device.ID()}, out.NeglectedByReason(petition.Unreachable))
}

func TestCollectSkipsIrrelevantFactors(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{inner: NewKeyring(f.device, f.ledger, f.arculus)}

	out, err := NewCollector(rec).Collect(context.Background(), []petition.Request{
		request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.ledger, f.arculus}, f.device)),
	})
	require.NoError(t, err)

	assert.True(t, out.AllSuccessful())
	assert.Equal(t, []factors.Kind{factors.KindDevice}, rec.kinds)
	assert.ElementsMatch(t, []factors.FactorSourceID{f.ledger.ID(), f.arculus.ID()},
		out.NeglectedByReason(petition.IrrelevantForThisBatch))
}

func TestCollectFinishEarlyWhenSomeInvalid(t *testing.T) {
	f := newFixture(t)
	reqs := func() []petition.Request {
		return []petition.Request{
			request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
			request(t, 2, f.role(shield.All(), []*signer.SoftwareFactor{f.ledger})),
		}
	}

	kr := NewKeyring(f.device, f.ledger)
	kr.SetDecision(Decline(f.device.ID()))

	out, err := NewCollector(kr).Collect(context.Background(), reqs())
	require.NoError(t, err)
	assert.Len(t, out.Successful, 1)

	rec := &recorder{inner: kr}
	out, err = NewCollector(rec, WithFinishEarlyWhenSomeInvalid()).Collect(context.Background(), reqs())
	require.NoError(t, err)
	assert.Empty(t, out.Successful)
	assert.Len(t, out.Failed, 2)
	assert.Equal(t, []factors.Kind{factors.KindDevice}, rec.kinds)
}

func TestCollectInterruptedByInteractorError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("usb disconnected")
	failing := InteractorFunc(func(context.Context, Request) (Response, error) { return Response{}, boom })

	out, err := NewCollector(failing).Collect(context.Background(), []petition.Request{
		request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, out)
	assert.Len(t, out.Failed, 1)
	assert.Equal(t, []factors.FactorSourceID{f.device.ID()}, out.NeglectedByReason(petition.Unreachable))
}

func TestCollectCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := NewCollector(NewKeyring(f.device)).Collect(ctx, []petition.Request{
		request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.device})),
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, out)
	assert.Len(t, out.Failed, 1)
}

func TestCollectRejectsAnswerOutsideRound(t *testing.T) {
	f := newFixture(t)
	req := request(t, 1, f.role(shield.All(), []*signer.SoftwareFactor{f.device, f.ledger}))
	eager := InteractorFunc(func(_ context.Context, r Request) (Response, error) {
		sig, err := f.ledger.Sign(req.Intent.Hash(), factors.OwnedFactorInstance{Owner: alice, Instance: f.inst[f.ledger.ID()]})
		require.NoError(t, err)
		return Response{Outcomes: []petition.FactorOutcome{petition.Signed(f.ledger.ID(), sig)}}, nil
	})

	out, err := NewCollector(eager).Collect(context.Background(), []petition.Request{req})
	assert.ErrorIs(t, err, petition.ErrUnexpectedFactor)
	require.NotNil(t, out)
	assert.Len(t, out.Failed, 1)
}

func TestCollectInvalidRequest(t *testing.T) {
	called := false
	c := NewCollector(InteractorFunc(func(context.Context, Request) (Response, error) {
		called = true
		return Response{}, nil
	}))
	out, err := c.Collect(context.Background(), nil)
	assert.ErrorIs(t, err, petition.ErrInvalidRequest)
	assert.Nil(t, out)
	assert.False(t, called)
}

func TestCollectSessionID(t *testing.T) {
	f := newFixture(t)
	spec := f.role(shield.All(), []*signer.SoftwareFactor{f.device, f.ledger})

	rec := &recorder{inner: NewKeyring(f.device, f.ledger)}
	_, err := NewCollector(rec).Collect(context.Background(), []petition.Request{request(t, 1, spec)})
	require.NoError(t, err)
	require.Len(t, rec.sessions, 2)
	assert.Regexp(t, `^sess_[0-9a-f]{24}$`, rec.sessions[0])
	assert.Equal(t, rec.sessions[0], rec.sessions[1])

	rec = &recorder{inner: NewKeyring(f.device, f.ledger)}
	ctx := logging.WithSessionID(context.Background(), "sess_host")
	_, err = NewCollector(rec).Collect(ctx, []petition.Request{request(t, 1, spec)})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_host", "sess_host"}, rec.sessions)
}

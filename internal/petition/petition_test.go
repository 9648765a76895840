package petition

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/shield"
	"github.com/mbd888/keyshield/internal/signer"
)

const (
	alice factors.EntityAddress = "account_alice"
	bob   factors.EntityAddress = "account_bob"
)

type key struct {
	f    *signer.SoftwareFactor
	inst factors.FactorInstance
}

func newKey(t *testing.T, kind factors.Kind, seed byte) key {
	t.Helper()
	f, err := signer.NewFromSeed(kind, bytes.Repeat([]byte{seed}, 32), string(kind))
	require.NoError(t, err)
	inst, err := f.Instance("m/44/1022/0")
	require.NoError(t, err)
	return key{f: f, inst: inst}
}

func (k key) id() factors.FactorSourceID { return k.inst.FactorSourceID }

func (k key) sign(t *testing.T, ti intents.TransactionIntent, owner factors.EntityAddress) intents.HDSignature {
	t.Helper()
	sig, err := k.f.Sign(ti.Hash(), factors.OwnedFactorInstance{Owner: owner, Instance: k.inst})
	require.NoError(t, err)
	return sig
}

func spec(threshold shield.Threshold, thresholdKeys []key, overrideKeys ...key) shield.RoleSpec[factors.FactorInstance] {
	r := shield.NewRoleSpec[factors.FactorInstance]()
	r.Threshold = threshold
	for _, k := range thresholdKeys {
		r.ThresholdFactors = append(r.ThresholdFactors, k.inst)
	}
	for _, k := range overrideKeys {
		r.OverrideFactors = append(r.OverrideFactors, k.inst)
	}
	return r
}

func intent(t *testing.T, nonce uint32) intents.TransactionIntent {
	t.Helper()
	ti, err := intents.New(
		intents.Header{NetworkID: 2, StartEpoch: 10, EndEpoch: 20, Nonce: nonce},
		intents.Manifest{Instructions: "CALL_METHOD Address(\"account_alice\") \"lock_fee\";"},
		"",
	)
	require.NoError(t, err)
	return ti
}

func TestPetitionTwoOfTwo(t *testing.T) {
	device := newKey(t, factors.KindDevice, 1)
	ledger := newKey(t, factors.KindLedgerHQHardwareWallet, 2)
	ti := intent(t, 1)

	p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.Specific(2), []key{device, ledger}))
	assert.Equal(t, NotSatisfied, p.Status())

	require.NoError(t, p.AddSignature(device.sign(t, ti, alice)))
	assert.Equal(t, PartiallySatisfied, p.Status())
	assert.True(t, p.NeedsSignatureFrom(ledger.id()))
	assert.False(t, p.NeedsSignatureFrom(device.id()))

	require.NoError(t, p.AddSignature(ledger.sign(t, ti, alice)))
	assert.Equal(t, Satisfied, p.Status())
	assert.Len(t, p.Signatures(), 2)
}

func TestPetitionReAddIsNoOp(t *testing.T) {
	device := newKey(t, factors.KindDevice, 1)
	ti := intent(t, 1)
	p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.All(), []key{device}))

	sig := device.sign(t, ti, alice)
	require.NoError(t, p.AddSignature(sig))
	require.NoError(t, p.AddSignature(sig))
	assert.Len(t, p.Signatures(), 1)

	tampered := sig
	tampered.Signature = append(factors.HexBytes{}, sig.Signature...)
	tampered.Signature[0] ^= 0xff
	assert.ErrorIs(t, p.AddSignature(tampered), ErrDuplicateSignature)
	assert.True(t, p.Signatures()[0].Equal(sig))
}

func TestPetitionRejectsMismatchWithoutMutation(t *testing.T) {
	device := newKey(t, factors.KindDevice, 1)
	ledger := newKey(t, factors.KindLedgerHQHardwareWallet, 2)
	stranger := newKey(t, factors.KindArculusCard, 3)
	ti := intent(t, 1)
	other := intent(t, 2)

	p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.Specific(1), []key{device, ledger}))

	tests := []struct {
		name string
		sig  intents.HDSignature
		want error
	}{
		{"other intent", device.sign(t, other, alice), ErrIntentMismatch},
		{"other entity", device.sign(t, ti, bob), ErrEntityMismatch},
		{"unknown factor", stranger.sign(t, ti, alice), ErrUnknownFactor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, p.AddSignature(tt.sig), tt.want)
			assert.Empty(t, p.Signatures())
			assert.Equal(t, NotSatisfied, p.Status())
		})
	}

	t.Run("other instance", func(t *testing.T) {
		alt, err := device.f.Instance("m/44/1022/1")
		require.NoError(t, err)
		sig, err := device.f.Sign(ti.Hash(), factors.OwnedFactorInstance{Owner: alice, Instance: alt})
		require.NoError(t, err)
		assert.ErrorIs(t, p.AddSignature(sig), ErrInstanceMismatch)
		assert.Empty(t, p.Signatures())
	})
}

func TestPetitionNeglect(t *testing.T) {
	device := newKey(t, factors.KindDevice, 1)
	ledger := newKey(t, factors.KindLedgerHQHardwareWallet, 2)
	arculus := newKey(t, factors.KindArculusCard, 3)
	ti := intent(t, 1)

	t.Run("threshold becomes impossible", func(t *testing.T) {
		p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.Specific(2), []key{device, ledger}))
		p.Neglect(ledger.id(), UserDeclined)
		assert.Equal(t, Neglected, p.Status())
		assert.ErrorIs(t, p.AddSignature(ledger.sign(t, ti, alice)), ErrFactorNeglected)
	})

	t.Run("override keeps petition alive", func(t *testing.T) {
		p := NewPetition(ti.Hash(), alice, shield.RoleRecovery, spec(shield.All(), []key{device, ledger}, arculus))
		p.Neglect(ledger.id(), Unreachable)
		assert.Equal(t, NotSatisfied, p.Status())
		require.NoError(t, p.AddSignature(arculus.sign(t, ti, alice)))
		assert.Equal(t, Satisfied, p.Status())
	})

	t.Run("first reason wins", func(t *testing.T) {
		p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.Specific(1), []key{device, ledger}))
		p.Neglect(device.id(), UserDeclined)
		p.Neglect(device.id(), Unreachable)
		reason, ok := p.NeglectReasonOf(device.id())
		require.True(t, ok)
		assert.Equal(t, UserDeclined, reason)
	})

	t.Run("signed factor keeps its signature", func(t *testing.T) {
		p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.Specific(1), []key{device, ledger}))
		require.NoError(t, p.AddSignature(device.sign(t, ti, alice)))
		p.Neglect(device.id(), UserDeclined)
		_, neglected := p.NeglectReasonOf(device.id())
		assert.False(t, neglected)
		assert.Equal(t, Satisfied, p.Status())
	})
}

func TestInvalidIfNeglectedIsPure(t *testing.T) {
	device := newKey(t, factors.KindDevice, 1)
	ledger := newKey(t, factors.KindLedgerHQHardwareWallet, 2)
	arculus := newKey(t, factors.KindArculusCard, 3)
	ti := intent(t, 1)

	p := NewPetition(ti.Hash(), alice, shield.RolePrimary, spec(shield.Specific(2), []key{device, ledger, arculus}))

	candidates := []factors.FactorSourceID{device.id()}
	for range 3 {
		assert.False(t, p.InvalidIfNeglected(candidates))
	}
	both := []factors.FactorSourceID{device.id(), ledger.id()}
	for range 3 {
		assert.True(t, p.InvalidIfNeglected(both))
	}
	assert.Equal(t, NotSatisfied, p.Status())
	_, neglected := p.NeglectReasonOf(device.id())
	assert.False(t, neglected)
}

package signer

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
)

func testIntent(t *testing.T) intents.TransactionIntent {
	t.Helper()
	ti, err := intents.New(intents.Header{NetworkID: 2, StartEpoch: 10, EndEpoch: 20, Nonce: 7},
		intents.Manifest{Instructions: "CALL_METHOD Address(\"account\") \"lock_fee\" Decimal(\"1\");"}, "")
	require.NoError(t, err)
	return ti
}

func TestNewFromSeedIsDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	a, err := NewFromSeed(factors.KindDevice, seed, "phone")
	require.NoError(t, err)
	b, err := NewFromSeed(factors.KindDevice, seed, "phone again")
	require.NoError(t, err)

	assert.Equal(t, a.ID(), b.ID())

	ia, err := a.Instance("m/0")
	require.NoError(t, err)
	ib, err := b.Instance("m/0")
	require.NoError(t, err)
	assert.True(t, ia.Equal(ib))

	other, err := a.Instance("m/1")
	require.NoError(t, err)
	assert.NotEqual(t, ia.PublicKey, other.PublicKey)
	assert.NoError(t, ia.Validate())
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	f, err := Generate(factors.KindLedgerHQHardwareWallet, "ledger")
	require.NoError(t, err)

	inst, err := f.Instance("m/44H/1022H/0H")
	require.NoError(t, err)
	owned := factors.OwnedFactorInstance{Owner: "account_a", Instance: inst}

	ti := testIntent(t)
	sig, err := f.Sign(ti.Hash(), owned)
	require.NoError(t, err)

	assert.Equal(t, ti.Hash(), sig.IntentHash)
	assert.Len(t, []byte(sig.Signature), intents.SignatureLength)
	assert.NoError(t, intents.VerifySignature(ti.Hash(), sig))
}

func TestSignRejectsForeignInstance(t *testing.T) {
	f, _ := Generate(factors.KindDevice, "a")
	g, _ := Generate(factors.KindDevice, "b")
	inst, _ := g.Instance("m/0")

	_, err := f.Sign(testIntent(t).Hash(), factors.OwnedFactorInstance{Owner: "x", Instance: inst})
	assert.ErrorIs(t, err, ErrForeignInstance)
}

func TestMnemonicFactor(t *testing.T) {
	mnemonic, err := NewMnemonic()
	require.NoError(t, err)

	a, err := NewFromMnemonic(factors.KindOffDeviceMnemonic, mnemonic, "", "paper")
	require.NoError(t, err)
	b, err := NewFromMnemonic(factors.KindOffDeviceMnemonic, "  "+mnemonic+"\n", "", "paper")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID(), "whitespace must not change the source")

	c, err := NewFromMnemonic(factors.KindOffDeviceMnemonic, mnemonic, "extra", "paper")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), c.ID(), "passphrase is part of the seed")

	_, err = NewFromMnemonic(factors.KindDevice, "not a real mnemonic", "", "bad")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestPasswordFactor(t *testing.T) {
	a, err := NewFromPassword("correct horse", "pw")
	require.NoError(t, err)
	b, err := NewFromPassword("correct horse", "pw")
	require.NoError(t, err)
	assert.Equal(t, a.ID(), b.ID())
	assert.Equal(t, factors.KindPassword, a.ID().Kind)

	_, err = NewFromPassword("", "pw")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestPasswordFactorIDIsStable(t *testing.T) {
	f, err := NewFromPassword("correct horse battery staple", "pw")
	require.NoError(t, err)
	assert.Equal(t, "password:a6b06ff8fc3a6f2314e0ea152a0fc3bd62cac88d2b8d57ef51e810ae200e3057", f.ID().String())

	// The scrypt output is the seed.
	seed, err := hex.DecodeString("405d0e5852741687d91103b2cb670e4cd28112c45ec1493052bdea252470b2bb")
	require.NoError(t, err)
	same, err := NewFromSeed(factors.KindPassword, seed, "pw")
	require.NoError(t, err)
	assert.Equal(t, f.ID(), same.ID())

	other, err := NewFromPassword("correct horse battery stapler", "pw")
	require.NoError(t, err)
	assert.NotEqual(t, f.ID(), other.ID())
}

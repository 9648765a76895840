package intents_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/signer"
)

func newIntent(t *testing.T, nonce uint32) intents.TransactionIntent {
	t.Helper()
	ti, err := intents.New(
		intents.Header{NetworkID: 1, StartEpoch: 100, EndEpoch: 110, Nonce: nonce},
		intents.Manifest{Instructions: "CALL_METHOD Address(\"account_a\") \"withdraw\";"},
		"hello",
	)
	require.NoError(t, err)
	return ti
}

func TestHashIsStable(t *testing.T) {
	a := newIntent(t, 1)
	b := newIntent(t, 1)
	c := newIntent(t, 2)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())

	parsed, err := intents.ParseHash(a.Hash().String())
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), parsed)
}

func TestIntentJSONRoundTripKeepsHash(t *testing.T) {
	a := newIntent(t, 5)
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), a.Hash().String())

	var b intents.TransactionIntent
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Message(), b.Message())
}

func TestParseHashRejectsBadInput(t *testing.T) {
	_, err := intents.ParseHash("abcd")
	assert.ErrorIs(t, err, intents.ErrInvalidHash)
	_, err = intents.ParseHash("zz")
	assert.ErrorIs(t, err, intents.ErrInvalidHash)
}

func TestVerifySignature(t *testing.T) {
	f, err := signer.Generate(factors.KindDevice, "phone")
	require.NoError(t, err)
	inst, err := f.Instance("m/0")
	require.NoError(t, err)
	owned := factors.OwnedFactorInstance{Owner: "account_a", Instance: inst}

	ti := newIntent(t, 1)
	other := newIntent(t, 2)

	sig, err := f.Sign(ti.Hash(), owned)
	require.NoError(t, err)
	require.NoError(t, intents.VerifySignature(ti.Hash(), sig))

	assert.ErrorIs(t, intents.VerifySignature(other.Hash(), sig), intents.ErrWrongIntent)

	// Claim a different instance for the same signature bytes.
	imposter, _ := f.Instance("m/1")
	forged := sig
	forged.Signer.Instance = imposter
	assert.ErrorIs(t, intents.VerifySignature(ti.Hash(), forged), intents.ErrSignerMismatch)

	short := sig
	short.Signature = sig.Signature[:10]
	assert.ErrorIs(t, intents.VerifySignature(ti.Hash(), short), intents.ErrInvalidSignature)
}

func TestNewSignedIntentDeduplicates(t *testing.T) {
	f, _ := signer.Generate(factors.KindDevice, "phone")
	g, _ := signer.Generate(factors.KindArculusCard, "card")
	fi, _ := f.Instance("m/0")
	gi, _ := g.Instance("m/0")

	ti := newIntent(t, 3)
	s1, err := f.Sign(ti.Hash(), factors.OwnedFactorInstance{Owner: "account_b", Instance: fi})
	require.NoError(t, err)
	s2, err := g.Sign(ti.Hash(), factors.OwnedFactorInstance{Owner: "account_a", Instance: gi})
	require.NoError(t, err)

	signed, err := intents.NewSignedIntent(ti, []intents.HDSignature{s1, s2, s1})
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 2)
	assert.Equal(t, factors.EntityAddress("account_a"), signed.Signatures[0].Owner())

	_, err = intents.NewSignedIntent(newIntent(t, 4), []intents.HDSignature{s1})
	assert.ErrorIs(t, err, intents.ErrWrongIntent)
}

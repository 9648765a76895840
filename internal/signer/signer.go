// Package signer provides software-backed factor sources.
//
// These keep their secret in memory and derive one secp256k1 key per
// derivation path with HKDF-SHA256. Real deployments plug hardware
// wallets and device keystores in through the signing.Interactor
// capability instead; the software sources back the demo CLI, local
// development and tests.
package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
)

// Errors
var (
	ErrInvalidMnemonic = errors.New("signer: invalid mnemonic phrase")
	ErrEmptySecret     = errors.New("signer: secret must not be empty")
	ErrForeignInstance = errors.New("signer: factor instance does not belong to this factor source")
)

const (
	rootPath     = "root"
	instanceSalt = "keyshield-factor-instance"
	passwordSalt = "keyshield-password-factor"
	seedSize     = 32
)

// scrypt cost parameters for password factor sources. Changing them
// changes every password FactorSourceID.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// SoftwareFactor is a factor source whose secret lives in memory.
type SoftwareFactor struct {
	source factors.FactorSource
	seed   []byte
}

// Generate creates a factor source of the given kind from fresh random
// entropy.
func Generate(kind factors.Kind, label string) (*SoftwareFactor, error) {
	seed := make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return NewFromSeed(kind, seed, label)
}

// NewFromSeed creates a factor source from raw seed bytes.
func NewFromSeed(kind factors.Kind, seed []byte, label string) (*SoftwareFactor, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySecret
	}
	root, err := deriveKey(seed, rootPath)
	if err != nil {
		return nil, err
	}
	id, err := factors.IDFromPublicKey(kind, crypto.CompressPubkey(&root.PublicKey))
	if err != nil {
		return nil, err
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &SoftwareFactor{
		source: factors.FactorSource{ID: id, Label: label, AddedAt: time.Now().UTC()},
		seed:   s,
	}, nil
}

// NewMnemonic generates a fresh 24-word BIP39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// NewFromMnemonic creates a factor source from a BIP39 mnemonic. Device
// and off-device mnemonic factor sources are both backed this way.
func NewFromMnemonic(kind factors.Kind, mnemonic, passphrase, label string) (*SoftwareFactor, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return NewFromSeed(kind, bip39.NewSeed(mnemonic, passphrase), label)
}

// NewFromPassword creates a password factor source. The password is
// stretched with scrypt into the seed; per-path keys are then expanded
// from the seed like any other source.
func NewFromPassword(password, label string) (*SoftwareFactor, error) {
	if password == "" {
		return nil, ErrEmptySecret
	}
	seed, err := scrypt.Key([]byte(password), []byte(passwordSalt), scryptN, scryptR, scryptP, seedSize)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return NewFromSeed(factors.KindPassword, seed, label)
}

// FactorSource returns the public description of this source.
func (f *SoftwareFactor) FactorSource() factors.FactorSource { return f.source }

// ID returns the factor source ID.
func (f *SoftwareFactor) ID() factors.FactorSourceID { return f.source.ID }

// Instance derives the factor instance at path.
func (f *SoftwareFactor) Instance(path string) (factors.FactorInstance, error) {
	key, err := deriveKey(f.seed, path)
	if err != nil {
		return factors.FactorInstance{}, err
	}
	return factors.FactorInstance{
		FactorSourceID: f.source.ID,
		PublicKey:      crypto.CompressPubkey(&key.PublicKey),
		DerivationPath: path,
	}, nil
}

// Sign signs the intent hash with the key of the owned instance.
func (f *SoftwareFactor) Sign(hash intents.Hash, owned factors.OwnedFactorInstance) (intents.HDSignature, error) {
	if owned.Instance.FactorSourceID != f.source.ID {
		return intents.HDSignature{}, ErrForeignInstance
	}
	key, err := deriveKey(f.seed, owned.Instance.DerivationPath)
	if err != nil {
		return intents.HDSignature{}, err
	}
	pub := crypto.CompressPubkey(&key.PublicKey)
	if string(pub) != string(owned.Instance.PublicKey) {
		return intents.HDSignature{}, fmt.Errorf("%w: public key differs at path %q", ErrForeignInstance, owned.Instance.DerivationPath)
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return intents.HDSignature{}, fmt.Errorf("failed to sign: %w", err)
	}
	return intents.HDSignature{
		IntentHash: hash,
		Signer:     owned,
		Signature:  sig,
	}, nil
}

// deriveKey expands seed into a valid secp256k1 private key for path.
// Candidates outside the curve order are skipped.
func deriveKey(seed []byte, path string) (*ecdsa.PrivateKey, error) {
	r := hkdf.New(sha256.New, seed, []byte(instanceSalt), []byte(path))
	buf := make([]byte, 32)
	for i := 0; i < 16; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("HKDF derivation failed: %w", err)
		}
		key, err := crypto.ToECDSA(buf)
		if err == nil {
			return key, nil
		}
	}
	return nil, errors.New("signer: could not derive a valid key")
}

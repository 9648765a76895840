// Package factors defines the credential sources ("factors") that can
// authorize an action: device keys, hardware wallets, passwords, security
// questions, trusted contacts and off-device mnemonics.
//
// A FactorSource is the credential itself. A FactorInstance is one public
// key derived from a factor source for a specific entity, and an
// HDSignature is a signature produced by such an instance.
package factors

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Errors
var (
	ErrInvalidFactorSourceID = errors.New("factors: invalid factor source id")
	ErrUnknownKind           = errors.New("factors: unknown factor source kind")
	ErrInvalidPublicKey      = errors.New("factors: invalid public key")
)

// Kind is the kind of a factor source. Each kind implies a different
// host interaction style when signing.
type Kind string

const (
	KindDevice                 Kind = "device"
	KindLedgerHQHardwareWallet Kind = "ledger_hq_hardware_wallet"
	KindArculusCard            Kind = "arculus_card"
	KindPassword               Kind = "password"
	KindOffDeviceMnemonic      Kind = "off_device_mnemonic"
	KindSecurityQuestions      Kind = "security_questions"
	KindTrustedContact         Kind = "trusted_contact"
)

// SigningOrder is the fixed order in which factor source kinds are asked
// to sign, one kind per round.
var SigningOrder = []Kind{
	KindDevice,
	KindLedgerHQHardwareWallet,
	KindArculusCard,
	KindPassword,
	KindOffDeviceMnemonic,
	KindSecurityQuestions,
	KindTrustedContact,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range SigningOrder {
		if k == known {
			return true
		}
	}
	return false
}

// IsHardware reports whether the kind is a hardware wallet.
func (k Kind) IsHardware() bool {
	return k == KindLedgerHQHardwareWallet || k == KindArculusCard
}

// ParseKind parses a kind from its string form.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// FactorSourceID is the stable identifier of one factor source: its kind
// plus a 32-byte hash of the source's root public key.
type FactorSourceID struct {
	Kind Kind
	Body [32]byte
}

// IDFromPublicKey derives the factor source ID from the source's root
// public key (compressed or uncompressed secp256k1).
func IDFromPublicKey(kind Kind, publicKey []byte) (FactorSourceID, error) {
	if !kind.Valid() {
		return FactorSourceID{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(publicKey) == 0 {
		return FactorSourceID{}, ErrInvalidPublicKey
	}
	pub, err := normalizePublicKey(publicKey)
	if err != nil {
		return FactorSourceID{}, err
	}
	id := FactorSourceID{Kind: kind}
	copy(id.Body[:], crypto.Keccak256(pub))
	return id, nil
}

// ParseFactorSourceID parses the "kind:hex" string form.
func ParseFactorSourceID(s string) (FactorSourceID, error) {
	kindStr, bodyHex, ok := strings.Cut(s, ":")
	if !ok {
		return FactorSourceID{}, fmt.Errorf("%w: %q", ErrInvalidFactorSourceID, s)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return FactorSourceID{}, err
	}
	body, err := hex.DecodeString(strings.TrimPrefix(bodyHex, "0x"))
	if err != nil || len(body) != 32 {
		return FactorSourceID{}, fmt.Errorf("%w: body must be 32 hex bytes", ErrInvalidFactorSourceID)
	}
	id := FactorSourceID{Kind: kind}
	copy(id.Body[:], body)
	return id, nil
}

// MustParseFactorSourceID is like ParseFactorSourceID but panics on error.
func MustParseFactorSourceID(s string) FactorSourceID {
	id, err := ParseFactorSourceID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id FactorSourceID) String() string {
	return string(id.Kind) + ":" + hex.EncodeToString(id.Body[:])
}

// Short returns an abbreviated form for logs.
func (id FactorSourceID) Short() string {
	return string(id.Kind) + ":" + hex.EncodeToString(id.Body[:4])
}

// IsZero reports whether id is the zero value.
func (id FactorSourceID) IsZero() bool {
	return id.Kind == "" && id.Body == [32]byte{}
}

// SourceID lets a bare ID be used wherever a factor is expected.
func (id FactorSourceID) SourceID() FactorSourceID { return id }

// Compare orders IDs by kind signing order, then by body.
func (id FactorSourceID) Compare(other FactorSourceID) int {
	if a, b := kindIndex(id.Kind), kindIndex(other.Kind); a != b {
		if a < b {
			return -1
		}
		return 1
	}
	return bytes.Compare(id.Body[:], other.Body[:])
}

func (id FactorSourceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *FactorSourceID) UnmarshalText(text []byte) error {
	parsed, err := ParseFactorSourceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func kindIndex(k Kind) int {
	for i, known := range SigningOrder {
		if k == known {
			return i
		}
	}
	return len(SigningOrder)
}

// FactorSource is a credential capable of signing.
type FactorSource struct {
	ID         FactorSourceID `json:"id"`
	Label      string         `json:"label"`
	AddedAt    time.Time      `json:"addedAt"`
	LastUsedAt time.Time      `json:"lastUsedAt,omitempty"`
}

// SourceID implements the factor constraint used by shield roles.
func (f FactorSource) SourceID() FactorSourceID { return f.ID }

// Kind returns the kind of the source.
func (f FactorSource) Kind() Kind { return f.ID.Kind }

// FactorInstance is a public key derived from a factor source for one
// entity. The derivation path is opaque to this module.
type FactorInstance struct {
	FactorSourceID FactorSourceID `json:"factorSourceId"`
	PublicKey      HexBytes       `json:"publicKey"` // 33-byte compressed secp256k1
	DerivationPath string         `json:"derivationPath"`
}

// SourceID implements the factor constraint used by shield roles.
func (fi FactorInstance) SourceID() FactorSourceID { return fi.FactorSourceID }

// Equal reports whether two instances are the same key of the same source.
func (fi FactorInstance) Equal(other FactorInstance) bool {
	return fi.FactorSourceID == other.FactorSourceID &&
		bytes.Equal(fi.PublicKey, other.PublicKey) &&
		fi.DerivationPath == other.DerivationPath
}

// Validate checks that the public key parses.
func (fi FactorInstance) Validate() error {
	if fi.FactorSourceID.IsZero() {
		return ErrInvalidFactorSourceID
	}
	if _, err := crypto.DecompressPubkey(fi.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return nil
}

// HexBytes is a byte slice that marshals to JSON as a hex string.
type HexBytes []byte

func (h HexBytes) String() string { return hex.EncodeToString(h) }

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func normalizePublicKey(pub []byte) ([]byte, error) {
	switch len(pub) {
	case 33:
		if _, err := crypto.DecompressPubkey(pub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return pub, nil
	case 65:
		key, err := crypto.UnmarshalPubkey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		return crypto.CompressPubkey(key), nil
	default:
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(pub))
	}
}

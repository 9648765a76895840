// Package intents holds transaction intents, their hash identity, and the
// signatures collected over them.
//
// Manifest construction and compilation live outside this module: an
// intent carries its manifest as opaque instructions. The hash is
// Keccak-256 over the RFC 8785 canonical JSON of the intent, so two
// intents with the same content always share one identity.
package intents

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Errors
var (
	ErrInvalidHash      = errors.New("intents: invalid intent hash")
	ErrInvalidSignature = errors.New("intents: invalid signature")
	ErrSignerMismatch   = errors.New("intents: signature does not match factor instance")
	ErrWrongIntent      = errors.New("intents: signature is over a different intent")
)

// Hash is the stable identity of a transaction intent.
type Hash [32]byte

// ParseHash parses a hex-encoded intent hash.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 32 {
		return Hash{}, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns an abbreviated form for logs.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Header carries the replay-protection fields of an intent.
type Header struct {
	NetworkID  uint8  `json:"networkId"`
	StartEpoch uint64 `json:"startEpoch"`
	EndEpoch   uint64 `json:"endEpoch"`
	Nonce      uint32 `json:"nonce"`
}

// Manifest is the compiled instruction payload, treated as opaque.
type Manifest struct {
	Instructions string   `json:"instructions"`
	Blobs        []string `json:"blobs,omitempty"`
}

// TransactionIntent is an immutable payload with a stable hash identity.
// Construct with New; the hash is computed once.
type TransactionIntent struct {
	header   Header
	manifest Manifest
	message  string
	hash     Hash
}

type intentJSON struct {
	Header   Header   `json:"header"`
	Manifest Manifest `json:"manifest"`
	Message  string   `json:"message,omitempty"`
}

// New builds an intent and computes its hash.
func New(header Header, manifest Manifest, message string) (TransactionIntent, error) {
	raw, err := json.Marshal(intentJSON{Header: header, Manifest: manifest, Message: message})
	if err != nil {
		return TransactionIntent{}, fmt.Errorf("failed to encode intent: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return TransactionIntent{}, fmt.Errorf("failed to canonicalize intent: %w", err)
	}
	ti := TransactionIntent{
		header:   header,
		manifest: manifest,
		message:  message,
	}
	copy(ti.hash[:], crypto.Keccak256(canonical))
	return ti, nil
}

// MustNew is like New but panics on error. Intended for tests and fixed
// fixtures.
func MustNew(header Header, manifest Manifest, message string) TransactionIntent {
	ti, err := New(header, manifest, message)
	if err != nil {
		panic(err)
	}
	return ti
}

func (ti TransactionIntent) Hash() Hash         { return ti.hash }
func (ti TransactionIntent) Header() Header     { return ti.header }
func (ti TransactionIntent) Manifest() Manifest { return ti.manifest }
func (ti TransactionIntent) Message() string    { return ti.message }

func (ti TransactionIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Hash Hash `json:"hash"`
		intentJSON
	}{ti.hash, intentJSON{ti.header, ti.manifest, ti.message}})
}

func (ti *TransactionIntent) UnmarshalJSON(data []byte) error {
	var in intentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := New(in.Header, in.Manifest, in.Message)
	if err != nil {
		return err
	}
	*ti = parsed
	return nil
}

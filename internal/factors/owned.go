package factors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned for malformed entity addresses.
var ErrInvalidAddress = errors.New("factors: invalid entity address")

// EntityKind distinguishes accounts from personas.
type EntityKind string

const (
	EntityAccount EntityKind = "account"
	EntityPersona EntityKind = "persona"
)

// EntityAddress identifies an account or persona. Address encoding is
// handled elsewhere; here it is an opaque, case-insensitive string.
type EntityAddress string

// NewEntityAddress normalizes and validates an address.
func NewEntityAddress(s string) (EntityAddress, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return EntityAddress(s), nil
}

func (a EntityAddress) String() string { return string(a) }

// OwnedFactorInstance is a factor instance together with the entity that
// controls it.
type OwnedFactorInstance struct {
	Owner    EntityAddress  `json:"owner"`
	Instance FactorInstance `json:"instance"`
}

// SourceID implements the factor constraint used by shield roles.
func (o OwnedFactorInstance) SourceID() FactorSourceID { return o.Instance.FactorSourceID }

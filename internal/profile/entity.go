// Package profile holds the entities (accounts and personas) a wallet
// controls and the factor sources it knows about.
//
// An entity is either unsecured, controlled by a single factor instance,
// or securified, controlled by a shield matrix of factor instances behind
// an on-ledger access controller.
package profile

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/shield"
)

// Errors
var (
	ErrEntityNotFound       = errors.New("profile: entity not found")
	ErrEntityExists         = errors.New("profile: entity already exists")
	ErrFactorSourceNotFound = errors.New("profile: factor source not found")
	ErrFactorSourceExists   = errors.New("profile: factor source already exists")
	ErrNotSecurified        = errors.New("profile: entity is not securified")
	ErrInvalidEntity        = errors.New("profile: invalid entity")
)

// UnsecuredControl is control by one factor instance.
type UnsecuredControl struct {
	Instance factors.FactorInstance `json:"instance"`
}

// SecurifiedControl is control by a shield of factor instances.
type SecurifiedControl struct {
	ShieldID         string                                `json:"shieldId,omitempty"`
	AccessController string                                `json:"accessController"`
	Matrix           shield.Matrix[factors.FactorInstance] `json:"matrix"`
}

// Control is exactly one of Unsecured or Securified.
type Control struct {
	Unsecured  *UnsecuredControl  `json:"unsecured,omitempty"`
	Securified *SecurifiedControl `json:"securified,omitempty"`
}

// Entity is an account or persona.
type Entity struct {
	Address   factors.EntityAddress `json:"address"`
	Kind      factors.EntityKind    `json:"kind"`
	Name      string                `json:"name"`
	Control   Control               `json:"control"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// IsSecurified reports whether a shield controls the entity.
func (e *Entity) IsSecurified() bool { return e.Control.Securified != nil }

// RoleSigners returns the factor instances authorizing a role. An
// unsecured entity answers every role with its single instance as a
// 1-of-1 threshold.
func (e *Entity) RoleSigners(role shield.Role) shield.RoleSpec[factors.FactorInstance] {
	if sc := e.Control.Securified; sc != nil {
		return sc.Matrix.Role(role).Clone()
	}
	r := shield.NewRoleSpec[factors.FactorInstance]()
	r.Threshold = shield.Specific(1)
	r.ThresholdFactors = append(r.ThresholdFactors, e.Control.Unsecured.Instance)
	return r
}

// FactorSourceIDs lists every factor source that controls the entity.
func (e *Entity) FactorSourceIDs() []factors.FactorSourceID {
	if sc := e.Control.Securified; sc != nil {
		return sc.Matrix.AllFactorSourceIDs()
	}
	return []factors.FactorSourceID{e.Control.Unsecured.Instance.FactorSourceID}
}

// Validate checks the entity is well formed.
func (e *Entity) Validate() error {
	if _, err := factors.NewEntityAddress(string(e.Address)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if e.Kind != factors.EntityAccount && e.Kind != factors.EntityPersona {
		return fmt.Errorf("%w: kind %q", ErrInvalidEntity, e.Kind)
	}
	switch c := e.Control; {
	case c.Unsecured != nil && c.Securified != nil:
		return fmt.Errorf("%w: both unsecured and securified", ErrInvalidEntity)
	case c.Unsecured != nil:
		if err := c.Unsecured.Instance.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
		}
	case c.Securified != nil:
		return validateMatrix(c.Securified.Matrix)
	default:
		return fmt.Errorf("%w: no control", ErrInvalidEntity)
	}
	return nil
}

func validateMatrix(m shield.Matrix[factors.FactorInstance]) error {
	for _, role := range shield.Roles {
		spec := m.Role(role)
		if spec.IsEmpty() {
			return fmt.Errorf("%w: %s role has no factors", ErrInvalidEntity, role)
		}
		if spec.RequiredThreshold() > len(spec.ThresholdFactors) {
			return fmt.Errorf("%w: %s threshold exceeds its factors", ErrInvalidEntity, role)
		}
		seen := make(map[factors.FactorSourceID]bool)
		for _, fi := range spec.AllFactors() {
			if seen[fi.FactorSourceID] {
				return fmt.Errorf("%w: %s lists %s twice", ErrInvalidEntity, role, fi.FactorSourceID.Short())
			}
			seen[fi.FactorSourceID] = true
			if err := fi.Validate(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, role, err)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	if e.Control.Unsecured != nil {
		u := *e.Control.Unsecured
		c.Control.Unsecured = &u
	}
	if e.Control.Securified != nil {
		s := *e.Control.Securified
		s.Matrix = s.Matrix.Clone()
		c.Control.Securified = &s
	}
	return &c
}

// Package shield builds and validates security shields.
//
// A security shield assigns factors to three roles. Primary signs
// everyday transactions, Recovery initiates a change of the shield
// itself, and Confirmation approves such a change. Each role is a
// threshold list (any n of them may sign) plus an override list (any one
// of them may sign alone).
//
// Roles are generic over the factor representation so the same container
// serves bare factor source IDs while a shield is being designed, full
// factor sources in the profile, and derived factor instances once the
// shield is applied to an entity.
package shield

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mbd888/keyshield/internal/factors"
)

// Errors
var (
	ErrShieldNotFound  = errors.New("shield: not found")
	ErrUnknownRole     = errors.New("shield: unknown role")
	ErrFactorNotInRole = errors.New("shield: factor not present in role")
	ErrInvalidRequest  = errors.New("shield: invalid request")
)

// Role is one of the three roles of a shield.
type Role string

const (
	RolePrimary      Role = "primary"
	RoleRecovery     Role = "recovery"
	RoleConfirmation Role = "confirmation"
)

// Roles lists all roles in validation order.
var Roles = []Role{RolePrimary, RoleRecovery, RoleConfirmation}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RolePrimary, RoleRecovery, RoleConfirmation:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// FactorList selects the threshold or the override list of a role.
type FactorList string

const (
	ListThreshold FactorList = "threshold"
	ListOverride  FactorList = "override"
)

// Threshold is how many threshold factors of a role must sign.
type Threshold struct {
	all bool
	n   uint8
}

// All requires every threshold factor.
func All() Threshold { return Threshold{all: true} }

// Specific requires n threshold factors.
func Specific(n uint8) Threshold { return Threshold{n: n} }

// IsAll reports whether every threshold factor is required.
func (t Threshold) IsAll() bool { return t.all }

// Value returns n for Specific(n) and 0 for All.
func (t Threshold) Value() uint8 { return t.n }

// Required resolves the threshold against a threshold list of length n.
func (t Threshold) Required(listLen int) int {
	if t.all {
		return listLen
	}
	return int(t.n)
}

func (t Threshold) String() string {
	if t.all {
		return "all"
	}
	return fmt.Sprintf("%d", t.n)
}

type thresholdJSON struct {
	Kind  string `json:"kind"`
	Value uint8  `json:"value,omitempty"`
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	if t.all {
		return json.Marshal(thresholdJSON{Kind: "all"})
	}
	return json.Marshal(thresholdJSON{Kind: "specific", Value: t.n})
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var in thresholdJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "all":
		*t = All()
	case "specific":
		*t = Specific(in.Value)
	default:
		return fmt.Errorf("%w: threshold kind %q", ErrInvalidRequest, in.Kind)
	}
	return nil
}

// Factor is anything that identifies its factor source.
type Factor interface {
	SourceID() factors.FactorSourceID
}

// RoleSpec is the factor configuration of one role. Both lists are
// ordered and never contain the same factor source twice.
type RoleSpec[F Factor] struct {
	Threshold        Threshold `json:"threshold"`
	ThresholdFactors []F       `json:"thresholdFactors"`
	OverrideFactors  []F       `json:"overrideFactors"`
}

// NewRoleSpec returns an empty role requiring all threshold factors.
func NewRoleSpec[F Factor]() RoleSpec[F] {
	return RoleSpec[F]{Threshold: All(), ThresholdFactors: []F{}, OverrideFactors: []F{}}
}

// AllFactors returns threshold factors followed by override factors.
func (r RoleSpec[F]) AllFactors() []F {
	out := make([]F, 0, len(r.ThresholdFactors)+len(r.OverrideFactors))
	out = append(out, r.ThresholdFactors...)
	return append(out, r.OverrideFactors...)
}

// IsEmpty reports whether the role has no factors at all.
func (r RoleSpec[F]) IsEmpty() bool {
	return len(r.ThresholdFactors) == 0 && len(r.OverrideFactors) == 0
}

// RequiredThreshold is the number of threshold signatures needed.
func (r RoleSpec[F]) RequiredThreshold() int {
	return r.Threshold.Required(len(r.ThresholdFactors))
}

// Contains reports whether the factor source appears in either list.
func (r RoleSpec[F]) Contains(id factors.FactorSourceID) bool {
	return r.InThreshold(id) || r.InOverride(id)
}

// InThreshold reports whether the factor source is a threshold factor.
func (r RoleSpec[F]) InThreshold(id factors.FactorSourceID) bool {
	return indexOf(r.ThresholdFactors, id) >= 0
}

// InOverride reports whether the factor source is an override factor.
func (r RoleSpec[F]) InOverride(id factors.FactorSourceID) bool {
	return indexOf(r.OverrideFactors, id) >= 0
}

// SourceIDs projects the role onto bare factor source IDs.
func (r RoleSpec[F]) SourceIDs() RoleSpec[factors.FactorSourceID] {
	out, _ := MapRole(r, func(f F) (factors.FactorSourceID, error) { return f.SourceID(), nil })
	return out
}

// Clone returns a deep copy of the lists.
func (r RoleSpec[F]) Clone() RoleSpec[F] {
	return RoleSpec[F]{
		Threshold:        r.Threshold,
		ThresholdFactors: append(make([]F, 0, len(r.ThresholdFactors)), r.ThresholdFactors...),
		OverrideFactors:  append(make([]F, 0, len(r.OverrideFactors)), r.OverrideFactors...),
	}
}

func indexOf[F Factor](list []F, id factors.FactorSourceID) int {
	return slices.IndexFunc(list, func(f F) bool { return f.SourceID() == id })
}

// MapRole converts a role from one factor representation to another,
// preserving list order and threshold.
func MapRole[F, G Factor](r RoleSpec[F], fn func(F) (G, error)) (RoleSpec[G], error) {
	out := RoleSpec[G]{
		Threshold:        r.Threshold,
		ThresholdFactors: make([]G, 0, len(r.ThresholdFactors)),
		OverrideFactors:  make([]G, 0, len(r.OverrideFactors)),
	}
	for _, f := range r.ThresholdFactors {
		g, err := fn(f)
		if err != nil {
			return RoleSpec[G]{}, err
		}
		out.ThresholdFactors = append(out.ThresholdFactors, g)
	}
	for _, f := range r.OverrideFactors {
		g, err := fn(f)
		if err != nil {
			return RoleSpec[G]{}, err
		}
		out.OverrideFactors = append(out.OverrideFactors, g)
	}
	return out, nil
}

// Matrix holds the three roles of a shield.
type Matrix[F Factor] struct {
	Primary      RoleSpec[F] `json:"primary"`
	Recovery     RoleSpec[F] `json:"recovery"`
	Confirmation RoleSpec[F] `json:"confirmation"`
}

// NewMatrix returns a matrix of three empty roles.
func NewMatrix[F Factor]() Matrix[F] {
	return Matrix[F]{Primary: NewRoleSpec[F](), Recovery: NewRoleSpec[F](), Confirmation: NewRoleSpec[F]()}
}

// Role returns the spec of the given role.
func (m Matrix[F]) Role(role Role) RoleSpec[F] {
	switch role {
	case RolePrimary:
		return m.Primary
	case RoleRecovery:
		return m.Recovery
	case RoleConfirmation:
		return m.Confirmation
	}
	panic(fmt.Sprintf("programmer error: unknown role %q", role))
}

// roleRef returns a pointer to the role for in-place mutation.
func (m *Matrix[F]) roleRef(role Role) *RoleSpec[F] {
	switch role {
	case RolePrimary:
		return &m.Primary
	case RoleRecovery:
		return &m.Recovery
	case RoleConfirmation:
		return &m.Confirmation
	}
	panic(fmt.Sprintf("programmer error: unknown role %q", role))
}

// Clone returns a deep copy.
func (m Matrix[F]) Clone() Matrix[F] {
	return Matrix[F]{Primary: m.Primary.Clone(), Recovery: m.Recovery.Clone(), Confirmation: m.Confirmation.Clone()}
}

// SourceIDs projects the matrix onto bare factor source IDs.
func (m Matrix[F]) SourceIDs() Matrix[factors.FactorSourceID] {
	return Matrix[factors.FactorSourceID]{
		Primary:      m.Primary.SourceIDs(),
		Recovery:     m.Recovery.SourceIDs(),
		Confirmation: m.Confirmation.SourceIDs(),
	}
}

// AllFactorSourceIDs returns every distinct factor source in the matrix,
// in role order.
func (m Matrix[F]) AllFactorSourceIDs() []factors.FactorSourceID {
	var out []factors.FactorSourceID
	for _, role := range Roles {
		for _, f := range m.Role(role).AllFactors() {
			if id := f.SourceID(); !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// MapMatrix converts every role of a matrix with fn.
func MapMatrix[F, G Factor](m Matrix[F], fn func(Role, F) (G, error)) (Matrix[G], error) {
	var out Matrix[G]
	for _, role := range Roles {
		mapped, err := MapRole(m.Role(role), func(f F) (G, error) { return fn(role, f) })
		if err != nil {
			return Matrix[G]{}, fmt.Errorf("%s role: %w", role, err)
		}
		*out.roleRef(role) = mapped
	}
	return out, nil
}

// InstanceDeriver produces the factor instance of a factor source to use
// for a given role of one entity.
type InstanceDeriver func(role Role, id factors.FactorSourceID) (factors.FactorInstance, error)

// Instantiate turns a shield's ID matrix into a matrix of factor
// instances for one entity.
func Instantiate(m Matrix[factors.FactorSourceID], derive InstanceDeriver) (Matrix[factors.FactorInstance], error) {
	return MapMatrix(m, func(role Role, id factors.FactorSourceID) (factors.FactorInstance, error) {
		fi, err := derive(role, id)
		if err != nil {
			return factors.FactorInstance{}, err
		}
		if fi.FactorSourceID != id {
			return factors.FactorInstance{}, fmt.Errorf("derived instance belongs to %s, want %s", fi.FactorSourceID.Short(), id.Short())
		}
		return fi, nil
	})
}

// DefaultDaysUntilAutoConfirm is used when a builder is not told otherwise.
const DefaultDaysUntilAutoConfirm uint16 = 14

// SecurityShield is a validated, immutable factor configuration.
type SecurityShield struct {
	ID                          string                         `json:"id"`
	Name                        string                         `json:"name"`
	Matrix                      Matrix[factors.FactorSourceID] `json:"matrix"`
	AuthenticationSigningFactor factors.FactorSourceID         `json:"authenticationSigningFactor"`
	DaysUntilAutoConfirm        uint16                         `json:"daysUntilAutoConfirm"`
	CreatedAt                   time.Time                      `json:"createdAt"`
}

// Clone returns a deep copy.
func (s *SecurityShield) Clone() *SecurityShield {
	cp := *s
	cp.Matrix = s.Matrix.Clone()
	return &cp
}

package shield

import (
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/idgen"
	"github.com/mbd888/keyshield/internal/metrics"
)

// roleRules are the per-role kind restrictions checked in isolation.
type roleRules struct {
	forbidden              []factors.Kind
	forbiddenInOverride    []factors.Kind
	maxOfKind              map[factors.Kind]int
	passwordNeedsCompanion bool
}

var rulesByRole = map[Role]roleRules{
	RolePrimary: {
		forbidden:              []factors.Kind{factors.KindSecurityQuestions, factors.KindTrustedContact},
		forbiddenInOverride:    []factors.Kind{factors.KindPassword},
		maxOfKind:              map[factors.Kind]int{factors.KindDevice: 1},
		passwordNeedsCompanion: true,
	},
	RoleRecovery: {
		forbidden: []factors.Kind{factors.KindPassword, factors.KindSecurityQuestions},
	},
	RoleConfirmation: {
		forbidden: []factors.Kind{factors.KindTrustedContact},
	},
}

// Builder assembles a SecurityShield one mutation at a time. A mutation
// that would introduce a ForeverInvalid violation is rejected and leaves
// the builder unchanged; NotYetValid violations are accepted and only
// block Build.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	id        string
	name      string
	createdAt time.Time
	matrix    Matrix[factors.FactorSourceID]
	auth      *factors.FactorSourceID
	days      uint16
}

// NewBuilder returns an empty builder with the default auto-confirm delay.
func NewBuilder() *Builder {
	return &Builder{
		matrix: NewMatrix[factors.FactorSourceID](),
		days:   DefaultDaysUntilAutoConfirm,
	}
}

// NewBuilderFrom returns a builder preloaded with a built shield, keeping
// its ID, name and creation time.
func NewBuilderFrom(s *SecurityShield) *Builder {
	auth := s.AuthenticationSigningFactor
	return &Builder{
		id:        s.ID,
		name:      s.Name,
		createdAt: s.CreatedAt,
		matrix:    s.Matrix.Clone(),
		auth:      &auth,
		days:      s.DaysUntilAutoConfirm,
	}
}

func (b *Builder) clone() *Builder {
	cp := *b
	cp.matrix = b.matrix.Clone()
	if b.auth != nil {
		auth := *b.auth
		cp.auth = &auth
	}
	return &cp
}

// mutate applies fn to a copy and commits it unless the result holds a
// ForeverInvalid violation.
func (b *Builder) mutate(fn func(next *Builder)) error {
	next := b.clone()
	fn(next)
	if v := firstForeverInvalid(next.Validate()); v != nil {
		return v
	}
	*b = *next
	return nil
}

func firstForeverInvalid(vs []*Violation) *Violation {
	for _, v := range vs {
		if v.IsForeverInvalid() {
			return v
		}
	}
	return nil
}

// Matrix returns a copy of the current factor matrix.
func (b *Builder) Matrix() Matrix[factors.FactorSourceID] { return b.matrix.Clone() }

// DaysUntilAutoConfirm returns the configured auto-confirm delay.
func (b *Builder) DaysUntilAutoConfirm() uint16 { return b.days }

// AuthenticationSigningFactor returns the chosen factor, if any.
func (b *Builder) AuthenticationSigningFactor() (factors.FactorSourceID, bool) {
	if b.auth == nil {
		return factors.FactorSourceID{}, false
	}
	return *b.auth, true
}

// SetName names the shield.
func (b *Builder) SetName(name string) { b.name = name }

// AddFactorToThreshold appends a factor to the role's threshold list.
func (b *Builder) AddFactorToThreshold(role Role, id factors.FactorSourceID) error {
	return b.addFactor(role, ListThreshold, id)
}

// AddFactorToOverride appends a factor to the role's override list.
func (b *Builder) AddFactorToOverride(role Role, id factors.FactorSourceID) error {
	return b.addFactor(role, ListOverride, id)
}

func (b *Builder) addFactor(role Role, list FactorList, id factors.FactorSourceID) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if !id.Kind.Valid() {
		return fmt.Errorf("%w: %s", factors.ErrUnknownKind, id.Kind)
	}
	return b.mutate(func(next *Builder) {
		r := next.matrix.roleRef(role)
		switch list {
		case ListOverride:
			r.OverrideFactors = append(r.OverrideFactors, id)
		default:
			r.ThresholdFactors = append(r.ThresholdFactors, id)
		}
	})
}

// AddFactor appends a factor to the given list of a role.
func (b *Builder) AddFactor(role Role, list FactorList, id factors.FactorSourceID) error {
	if list != ListThreshold && list != ListOverride {
		return fmt.Errorf("%w: list %q", ErrInvalidRequest, list)
	}
	return b.addFactor(role, list, id)
}

// SetThreshold sets the threshold of a role.
func (b *Builder) SetThreshold(role Role, t Threshold) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	return b.mutate(func(next *Builder) {
		next.matrix.roleRef(role).Threshold = t
	})
}

// RemoveFactor removes a factor from both lists of a role. Removing a
// threshold factor lowers a Specific threshold that would otherwise
// exceed the remaining list.
func (b *Builder) RemoveFactor(role Role, id factors.FactorSourceID) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if !b.matrix.Role(role).Contains(id) {
		return fmt.Errorf("%w: %s in %s", ErrFactorNotInRole, id.Short(), role)
	}
	return b.mutate(func(next *Builder) {
		removeFromRole(next.matrix.roleRef(role), id)
	})
}

// RemoveFactorFromAllRoles removes the factor wherever it appears.
func (b *Builder) RemoveFactorFromAllRoles(id factors.FactorSourceID) error {
	return b.mutate(func(next *Builder) {
		for _, role := range Roles {
			removeFromRole(next.matrix.roleRef(role), id)
		}
	})
}

func removeFromRole(r *RoleSpec[factors.FactorSourceID], id factors.FactorSourceID) {
	isID := func(f factors.FactorSourceID) bool { return f == id }
	r.ThresholdFactors = slices.DeleteFunc(r.ThresholdFactors, isID)
	r.OverrideFactors = slices.DeleteFunc(r.OverrideFactors, isID)
	if !r.Threshold.IsAll() && int(r.Threshold.Value()) > len(r.ThresholdFactors) {
		r.Threshold = Specific(uint8(len(r.ThresholdFactors)))
	}
}

// SetAuthenticationSigningFactor chooses the factor used to sign
// authentication challenges.
func (b *Builder) SetAuthenticationSigningFactor(id factors.FactorSourceID) error {
	if !id.Kind.Valid() {
		return fmt.Errorf("%w: %s", factors.ErrUnknownKind, id.Kind)
	}
	return b.mutate(func(next *Builder) { next.auth = &id })
}

// SetDaysUntilAutoConfirm sets the delay after which a recovery
// initiated without confirmation completes on its own.
func (b *Builder) SetDaysUntilAutoConfirm(days uint16) error {
	return b.mutate(func(next *Builder) { next.days = days })
}

// Validate returns every current violation: each role in isolation first,
// then cross-role rules, then shield-level settings. It never mutates.
func (b *Builder) Validate() []*Violation {
	var out []*Violation
	for _, role := range Roles {
		for _, f := range validateRole(role, b.matrix.Role(role)) {
			out = append(out, translate(role, f))
		}
	}
	out = append(out, validateCrossRole(b.matrix)...)
	if b.auth == nil {
		out = append(out, newViolation(MissingAuthSigningFactor, "", nil))
	}
	if b.days == 0 {
		out = append(out, newViolation(NumberOfDaysUntilAutoConfirmMustBeGreaterThanZero, "", nil))
	}
	return out
}

// Build returns the shield, or the first violation if any remain.
func (b *Builder) Build() (*SecurityShield, error) {
	if vs := b.Validate(); len(vs) > 0 {
		metrics.ShieldBuildsTotal.WithLabelValues("invalid").Inc()
		return nil, vs[0]
	}
	s := &SecurityShield{
		ID:                          b.id,
		Name:                        b.name,
		Matrix:                      b.matrix.Clone(),
		AuthenticationSigningFactor: *b.auth,
		DaysUntilAutoConfirm:        b.days,
		CreatedAt:                   b.createdAt,
	}
	if s.ID == "" {
		s.ID = idgen.WithPrefix("shd_")
	}
	if s.Name == "" {
		s.Name = "Shield"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	metrics.ShieldBuildsTotal.WithLabelValues("ok").Inc()
	return s, nil
}

// AdditionCheck is the preview result for one candidate factor.
type AdditionCheck struct {
	FactorSourceID factors.FactorSourceID `json:"factorSourceId"`
	Violation      *Violation             `json:"violation,omitempty"`
}

// ValidationForAddition previews, for each candidate, the violation that
// adding it to the given list of role would introduce. The builder is
// not modified. ForeverInvalid violations are reported before
// NotYetValid ones.
func (b *Builder) ValidationForAddition(role Role, list FactorList, candidates []factors.FactorSourceID) ([]AdditionCheck, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	if list != ListThreshold && list != ListOverride {
		return nil, fmt.Errorf("%w: list %q", ErrInvalidRequest, list)
	}
	baseline := violationKeys(b.Validate())
	out := make([]AdditionCheck, 0, len(candidates))
	for _, id := range candidates {
		next := b.clone()
		r := next.matrix.roleRef(role)
		if list == ListOverride {
			r.OverrideFactors = append(r.OverrideFactors, id)
		} else {
			r.ThresholdFactors = append(r.ThresholdFactors, id)
		}
		var introduced []*Violation
		for _, v := range next.Validate() {
			if _, seen := baseline[violationKey(v)]; !seen {
				introduced = append(introduced, v)
			}
		}
		check := AdditionCheck{FactorSourceID: id}
		if v := firstForeverInvalid(introduced); v != nil {
			check.Violation = v
		} else if len(introduced) > 0 {
			check.Violation = introduced[0]
		}
		out = append(out, check)
	}
	return out, nil
}

func violationKey(v *Violation) string {
	key := string(v.Code) + "/" + string(v.Role)
	if v.Factor != nil {
		key += "/" + v.Factor.String()
	}
	return key
}

func violationKeys(vs []*Violation) map[string]struct{} {
	out := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		out[violationKey(v)] = struct{}{}
	}
	return out
}

// validateRole checks one role without looking at the others.
func validateRole(role Role, spec RoleSpec[factors.FactorSourceID]) []roleFinding {
	rules := rulesByRole[role]
	var out []roleFinding
	at := func(id factors.FactorSourceID) *factors.FactorSourceID { return &id }

	seen := make(map[factors.FactorSourceID]bool)
	counts := make(map[factors.Kind]int)
	for _, id := range spec.AllFactors() {
		if seen[id] {
			out = append(out, roleFinding{issue: issueDuplicateFactor, kind: id.Kind, factor: at(id)})
			continue
		}
		seen[id] = true
		if slices.Contains(rules.forbidden, id.Kind) {
			out = append(out, roleFinding{issue: issueKindForbidden, kind: id.Kind, factor: at(id)})
		}
		counts[id.Kind]++
		if limit, ok := rules.maxOfKind[id.Kind]; ok && counts[id.Kind] > limit {
			out = append(out, roleFinding{issue: issueKindLimitExceeded, kind: id.Kind, factor: at(id)})
		}
	}
	for _, id := range spec.OverrideFactors {
		if slices.Contains(rules.forbiddenInOverride, id.Kind) {
			out = append(out, roleFinding{issue: issueKindForbiddenInOverride, kind: id.Kind, factor: at(id)})
		}
	}

	if spec.IsEmpty() {
		out = append(out, roleFinding{issue: issueNoFactors})
		return out
	}

	thresholdLen := len(spec.ThresholdFactors)
	if !spec.Threshold.IsAll() {
		n := int(spec.Threshold.Value())
		if n > thresholdLen {
			out = append(out, roleFinding{issue: issueThresholdExceedsFactors})
		}
		if n == 0 && thresholdLen > 0 {
			out = append(out, roleFinding{issue: issueThresholdZero})
		}
	}

	if rules.passwordNeedsCompanion {
		for _, id := range spec.ThresholdFactors {
			if id.Kind != factors.KindPassword {
				continue
			}
			if thresholdLen < 2 {
				out = append(out, roleFinding{issue: issuePasswordNeedsCompanion, kind: id.Kind, factor: at(id)})
			}
			if spec.RequiredThreshold() < 2 {
				out = append(out, roleFinding{issue: issuePasswordNeedsThresholdAboveOne, kind: id.Kind, factor: at(id)})
			}
		}
	}
	return out
}

func validateCrossRole(m Matrix[factors.FactorSourceID]) []*Violation {
	var out []*Violation
	for _, id := range m.Confirmation.AllFactors() {
		if m.Recovery.Contains(id) {
			id := id
			out = append(out, newViolation(RecoveryAndConfirmationFactorsOverlap, RoleConfirmation, &id))
		}
	}

	primary := m.Primary.AllFactors()
	if len(primary) == 1 {
		only := primary[0]
		for _, role := range []Role{RoleRecovery, RoleConfirmation} {
			if m.Role(role).Contains(only) {
				out = append(out, newViolation(SingleFactorUsedInPrimaryMustNotBeUsedInAnyOtherRole, role, &only))
			}
		}
	}
	return out
}

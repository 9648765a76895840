package shield

import (
	"errors"
	"fmt"

	"github.com/mbd888/keyshield/internal/factors"
)

// Op names a builder mutation in a serialized edit script.
type Op string

const (
	OpAddThreshold     Op = "add_threshold"
	OpAddOverride      Op = "add_override"
	OpSetThreshold     Op = "set_threshold"
	OpRemoveFactor     Op = "remove_factor"
	OpRemoveEverywhere Op = "remove_everywhere"
	OpSetAuthFactor    Op = "set_auth_factor"
	OpSetDays          Op = "set_days"
	OpSetName          Op = "set_name"
)

// Operation is one step of an edit script, as sent by API and tool
// clients.
type Operation struct {
	Op        Op                      `json:"op"`
	Role      Role                    `json:"role,omitempty"`
	Factor    *factors.FactorSourceID `json:"factor,omitempty"`
	Threshold *Threshold              `json:"threshold,omitempty"`
	Days      uint16                  `json:"days,omitempty"`
	Name      string                  `json:"name,omitempty"`
}

// Apply performs the operation on b.
func (o Operation) Apply(b *Builder) error {
	var id factors.FactorSourceID
	switch o.Op {
	case OpAddThreshold, OpAddOverride, OpRemoveFactor, OpRemoveEverywhere, OpSetAuthFactor:
		if o.Factor == nil {
			return fmt.Errorf("%w: %s needs a factor", ErrInvalidRequest, o.Op)
		}
		id = *o.Factor
	}
	switch o.Op {
	case OpAddThreshold:
		return b.AddFactorToThreshold(o.Role, id)
	case OpAddOverride:
		return b.AddFactorToOverride(o.Role, id)
	case OpSetThreshold:
		if o.Threshold == nil {
			return fmt.Errorf("%w: set_threshold needs a threshold", ErrInvalidRequest)
		}
		return b.SetThreshold(o.Role, *o.Threshold)
	case OpRemoveFactor:
		return b.RemoveFactor(o.Role, id)
	case OpRemoveEverywhere:
		return b.RemoveFactorFromAllRoles(id)
	case OpSetAuthFactor:
		return b.SetAuthenticationSigningFactor(id)
	case OpSetDays:
		return b.SetDaysUntilAutoConfirm(o.Days)
	case OpSetName:
		b.SetName(o.Name)
		return nil
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, o.Op)
}

// OpResult is the result of one applied operation.
type OpResult struct {
	Index     int        `json:"index"`
	Op        Op         `json:"op"`
	Accepted  bool       `json:"accepted"`
	Violation *Violation `json:"violation,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Report summarizes running an edit script.
type Report struct {
	Results    []OpResult   `json:"results"`
	Violations []*Violation `json:"violations"`
	Buildable  bool         `json:"buildable"`
}

// Run applies every operation in order to b. Rejected operations are
// recorded and skipped; the script keeps going.
func Run(b *Builder, ops []Operation) Report {
	report := Report{Results: make([]OpResult, 0, len(ops))}
	for i, op := range ops {
		res := OpResult{Index: i, Op: op.Op, Accepted: true}
		if err := op.Apply(b); err != nil {
			res.Accepted = false
			var v *Violation
			if errors.As(err, &v) {
				res.Violation = v
			} else {
				res.Error = err.Error()
			}
		}
		report.Results = append(report.Results, res)
	}
	report.Violations = b.Validate()
	if report.Violations == nil {
		report.Violations = []*Violation{}
	}
	report.Buildable = len(report.Violations) == 0
	return report
}

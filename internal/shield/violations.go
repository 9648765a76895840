package shield

import (
	"fmt"
	"slices"

	"github.com/mbd888/keyshield/internal/factors"
)

// ViolationKind tells whether a violation can still be fixed by further
// edits.
type ViolationKind string

const (
	// NotYetValid violations are accepted by the builder; Build fails
	// until they are resolved.
	NotYetValid ViolationKind = "not_yet_valid"
	// ForeverInvalid violations are rejected when the offending mutation
	// is attempted, leaving the builder untouched.
	ForeverInvalid ViolationKind = "forever_invalid"
)

// ViolationCode is a machine-readable shield validation failure.
type ViolationCode string

const (
	MissingAuthSigningFactor                                          ViolationCode = "MissingAuthSigningFactor"
	RoleMustHaveAtLeastOneFactor                                      ViolationCode = "RoleMustHaveAtLeastOneFactor"
	ThresholdHigherThanThresholdFactorsLen                            ViolationCode = "ThresholdHigherThanThresholdFactorsLen"
	ThresholdMustBeGreaterThanZero                                    ViolationCode = "ThresholdMustBeGreaterThanZero"
	FactorSourceAlreadyPresent                                        ViolationCode = "FactorSourceAlreadyPresent"
	PrimaryCannotHaveMultipleDevices                                  ViolationCode = "PrimaryCannotHaveMultipleDevices"
	PrimaryCannotHavePasswordInOverrideList                           ViolationCode = "PrimaryCannotHavePasswordInOverrideList"
	PrimaryCannotContainSecurityQuestions                             ViolationCode = "PrimaryCannotContainSecurityQuestions"
	PrimaryCannotContainTrustedContact                                ViolationCode = "PrimaryCannotContainTrustedContact"
	PrimaryRoleWithPasswordInThresholdListMustHaveAnotherFactor       ViolationCode = "PrimaryRoleWithPasswordInThresholdListMustHaveAnotherFactor"
	PrimaryRoleWithPasswordInThresholdListMustThresholdGreaterThanOne ViolationCode = "PrimaryRoleWithPasswordInThresholdListMustThresholdGreaterThanOne"
	RecoveryRoleSecurityQuestionsNotSupported                         ViolationCode = "RecoveryRoleSecurityQuestionsNotSupported"
	RecoveryRolePasswordNotSupported                                  ViolationCode = "RecoveryRolePasswordNotSupported"
	ConfirmationRoleTrustedContactNotSupported                        ViolationCode = "ConfirmationRoleTrustedContactNotSupported"
	RecoveryAndConfirmationFactorsOverlap                             ViolationCode = "RecoveryAndConfirmationFactorsOverlap"
	SingleFactorUsedInPrimaryMustNotBeUsedInAnyOtherRole              ViolationCode = "SingleFactorUsedInPrimaryMustNotBeUsedInAnyOtherRole"
	NumberOfDaysUntilAutoConfirmMustBeGreaterThanZero                 ViolationCode = "NumberOfDaysUntilAutoConfirmMustBeGreaterThanZero"
)

var codeKinds = map[ViolationCode]ViolationKind{
	MissingAuthSigningFactor:                                          NotYetValid,
	RoleMustHaveAtLeastOneFactor:                                      NotYetValid,
	ThresholdHigherThanThresholdFactorsLen:                            NotYetValid,
	ThresholdMustBeGreaterThanZero:                                    NotYetValid,
	FactorSourceAlreadyPresent:                                        ForeverInvalid,
	PrimaryCannotHaveMultipleDevices:                                  ForeverInvalid,
	PrimaryCannotHavePasswordInOverrideList:                           ForeverInvalid,
	PrimaryCannotContainSecurityQuestions:                             ForeverInvalid,
	PrimaryCannotContainTrustedContact:                                ForeverInvalid,
	PrimaryRoleWithPasswordInThresholdListMustHaveAnotherFactor:       NotYetValid,
	PrimaryRoleWithPasswordInThresholdListMustThresholdGreaterThanOne: NotYetValid,
	RecoveryRoleSecurityQuestionsNotSupported:                         ForeverInvalid,
	RecoveryRolePasswordNotSupported:                                  ForeverInvalid,
	ConfirmationRoleTrustedContactNotSupported:                        ForeverInvalid,
	RecoveryAndConfirmationFactorsOverlap:                             ForeverInvalid,
	SingleFactorUsedInPrimaryMustNotBeUsedInAnyOtherRole:              NotYetValid,
	NumberOfDaysUntilAutoConfirmMustBeGreaterThanZero:                 ForeverInvalid,
}

var codeMessages = map[ViolationCode]string{
	MissingAuthSigningFactor:                                          "an authentication signing factor must be chosen",
	RoleMustHaveAtLeastOneFactor:                                      "the role needs at least one factor",
	ThresholdHigherThanThresholdFactorsLen:                            "the threshold is higher than the number of threshold factors",
	ThresholdMustBeGreaterThanZero:                                    "the threshold must be at least one when threshold factors are set",
	FactorSourceAlreadyPresent:                                        "the factor source is already present in the role",
	PrimaryCannotHaveMultipleDevices:                                  "the primary role can hold only one device factor",
	PrimaryCannotHavePasswordInOverrideList:                           "a password cannot override the primary role on its own",
	PrimaryCannotContainSecurityQuestions:                             "security questions cannot be used in the primary role",
	PrimaryCannotContainTrustedContact:                                "a trusted contact cannot be used in the primary role",
	PrimaryRoleWithPasswordInThresholdListMustHaveAnotherFactor:       "a password in the primary threshold list needs another threshold factor",
	PrimaryRoleWithPasswordInThresholdListMustThresholdGreaterThanOne: "a password in the primary threshold list needs a threshold above one",
	RecoveryRoleSecurityQuestionsNotSupported:                         "security questions cannot be used in the recovery role",
	RecoveryRolePasswordNotSupported:                                  "a password cannot be used in the recovery role",
	ConfirmationRoleTrustedContactNotSupported:                        "a trusted contact cannot be used in the confirmation role",
	RecoveryAndConfirmationFactorsOverlap:                             "recovery and confirmation must not share factors",
	SingleFactorUsedInPrimaryMustNotBeUsedInAnyOtherRole:              "the only primary factor must not be used in another role",
	NumberOfDaysUntilAutoConfirmMustBeGreaterThanZero:                 "the auto-confirm delay must be at least one day",
}

// Kind returns whether the code is NotYetValid or ForeverInvalid.
func (c ViolationCode) Kind() ViolationKind {
	k, ok := codeKinds[c]
	if !ok {
		panic(fmt.Sprintf("programmer error: unclassified violation code %q", c))
	}
	return k
}

// Message returns a human-readable description of the code.
func (c ViolationCode) Message() string { return codeMessages[c] }

// Codes returns every known violation code.
func Codes() []ViolationCode {
	out := make([]ViolationCode, 0, len(codeKinds))
	for c := range codeKinds {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Violation is a shield validation failure. Role and Factor are set when
// the failure is attributable to one.
type Violation struct {
	Code   ViolationCode           `json:"code"`
	Kind   ViolationKind           `json:"kind"`
	Role   Role                    `json:"role,omitempty"`
	Factor *factors.FactorSourceID `json:"factor,omitempty"`
}

func (v *Violation) Error() string {
	msg := "shield: " + string(v.Code)
	if v.Role != "" {
		msg += " (" + string(v.Role) + ")"
	}
	if v.Factor != nil {
		msg += " " + v.Factor.Short()
	}
	return msg
}

// IsForeverInvalid reports whether the violation can never be fixed by
// further edits.
func (v *Violation) IsForeverInvalid() bool { return v.Kind == ForeverInvalid }

func newViolation(code ViolationCode, role Role, factor *factors.FactorSourceID) *Violation {
	return &Violation{Code: code, Kind: code.Kind(), Role: role, Factor: factor}
}

// roleIssue is a reason a single role fails validation in isolation. It
// is role-agnostic; translate maps it to the shield-level code.
type roleIssue int

const (
	issueNoFactors roleIssue = iota
	issueThresholdExceedsFactors
	issueThresholdZero
	issueDuplicateFactor
	issueKindForbidden
	issueKindForbiddenInOverride
	issueKindLimitExceeded
	issuePasswordNeedsCompanion
	issuePasswordNeedsThresholdAboveOne
)

type roleFinding struct {
	issue  roleIssue
	kind   factors.Kind
	factor *factors.FactorSourceID
}

type translationKey struct {
	role  Role
	issue roleIssue
	kind  factors.Kind
}

// translations maps role-level findings to shield violation codes. An
// empty role or kind in the key matches any.
var translations = map[translationKey]ViolationCode{
	{issue: issueNoFactors}:               RoleMustHaveAtLeastOneFactor,
	{issue: issueThresholdExceedsFactors}: ThresholdHigherThanThresholdFactorsLen,
	{issue: issueThresholdZero}:           ThresholdMustBeGreaterThanZero,
	{issue: issueDuplicateFactor}:         FactorSourceAlreadyPresent,

	{RolePrimary, issueKindLimitExceeded, factors.KindDevice}:             PrimaryCannotHaveMultipleDevices,
	{RolePrimary, issueKindForbiddenInOverride, factors.KindPassword}:     PrimaryCannotHavePasswordInOverrideList,
	{RolePrimary, issueKindForbidden, factors.KindSecurityQuestions}:      PrimaryCannotContainSecurityQuestions,
	{RolePrimary, issueKindForbidden, factors.KindTrustedContact}:         PrimaryCannotContainTrustedContact,
	{RolePrimary, issuePasswordNeedsCompanion, factors.KindPassword}:      PrimaryRoleWithPasswordInThresholdListMustHaveAnotherFactor,
	{RolePrimary, issuePasswordNeedsThresholdAboveOne, factors.KindPassword}: PrimaryRoleWithPasswordInThresholdListMustThresholdGreaterThanOne,

	{RoleRecovery, issueKindForbidden, factors.KindSecurityQuestions}: RecoveryRoleSecurityQuestionsNotSupported,
	{RoleRecovery, issueKindForbidden, factors.KindPassword}:          RecoveryRolePasswordNotSupported,

	{RoleConfirmation, issueKindForbidden, factors.KindTrustedContact}: ConfirmationRoleTrustedContactNotSupported,
}

func translate(role Role, f roleFinding) *Violation {
	for _, key := range []translationKey{
		{role, f.issue, f.kind},
		{"", f.issue, f.kind},
		{role, f.issue, ""},
		{"", f.issue, ""},
	} {
		if code, ok := translations[key]; ok {
			return newViolation(code, role, f.factor)
		}
	}
	panic(fmt.Sprintf("programmer error: no translation for role issue %d (%s, %s)", f.issue, role, f.kind))
}

// Package governance centralizes the invariant-violation taxonomy used
// across the core: transient I/O, config errors, data-validity coercion,
// hard invariant violations, and persistence failures.
//
// Only invariant violations are modeled as typed errors that callers are
// expected to treat as hard failures. The other classes are handled
// in-line by the packages that own them (logged-and-retried, coerced,
// or surfaced to the caller) and do not need a dedicated type here.
package governance

import (
	"errors"
	"fmt"
)

// ViolationType enumerates the kinds of hard invariant violation the
// core can detect. These never mutate state; callers reject the
// operation and return the violation to the caller unchanged.
type ViolationType int

const (
	// ViolationActiveProfileUniqueness fires when an insert/activate
	// would create a second active profile for the same
	// (machine_id, material_id) pair.
	ViolationActiveProfileUniqueness ViolationType = iota

	// ViolationBaselineWithoutLearning fires when a Sample is about to
	// be written for a profile that is not in baseline_learning mode.
	ViolationBaselineWithoutLearning

	// ViolationAlreadyLearning fires when start_baseline_learning is
	// called on a profile that already has baseline_learning=true.
	ViolationAlreadyLearning

	// ViolationInsufficientSamples fires when finalize_baseline is
	// called before every tracked metric has reached the minimum
	// sample count.
	ViolationInsufficientSamples

	// ViolationDimensionMismatch fires when a feature vector length
	// does not match the baseline it is being compared against.
	ViolationDimensionMismatch
)

func (v ViolationType) String() string {
	switch v {
	case ViolationActiveProfileUniqueness:
		return "ACTIVE_PROFILE_UNIQUENESS"
	case ViolationBaselineWithoutLearning:
		return "BASELINE_WITHOUT_LEARNING"
	case ViolationAlreadyLearning:
		return "ALREADY_LEARNING"
	case ViolationInsufficientSamples:
		return "INSUFFICIENT_SAMPLES"
	case ViolationDimensionMismatch:
		return "DIMENSION_MISMATCH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(v))
	}
}

// Violation is a hard invariant violation. It carries enough context to
// be logged once at the boundary where it surfaces (operator API,
// pipeline tick) without the caller needing to re-derive what failed.
type Violation struct {
	Type    ViolationType
	Subject string // e.g. "machine-7/pvc-natural" or "profile-42"
	Detail  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant violation [%s] on %s: %s", v.Type, v.Subject, v.Detail)
}

// New constructs a Violation.
func New(t ViolationType, subject, detail string) *Violation {
	return &Violation{Type: t, Subject: subject, Detail: detail}
}

// IsViolation reports whether err is (or wraps) a *Violation.
func IsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

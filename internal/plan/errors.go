package plan

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed task or proposal input (bad duration,
// empty name, inverted window). Not retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConstraintError means no feasible placement exists before the day boundary.
// Terminal for the attempt; the caller decides whether to mark the task failed.
type ConstraintError struct {
	Reason string
}

func (e *ConstraintError) Error() string { return e.Reason }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsConstraint reports whether err is (or wraps) a ConstraintError.
func IsConstraint(err error) bool {
	var e *ConstraintError
	return errors.As(err, &e)
}

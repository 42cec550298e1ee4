package orchestrator

import (
	"fmt"
	"strings"

	"listing-bot/internal/errors"
)

// UnknownOperationError rejects an invocation of an unregistered operation.
type UnknownOperationError struct {
	Name  string
	Valid []string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q (valid: %s)", e.Name, strings.Join(e.Valid, ", "))
}

// ValidationError rejects malformed parameters before any run is recorded.
type ValidationError struct {
	Param   string
	Message string
	Valid   []string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Message)
	if len(e.Valid) > 0 {
		msg += " (valid: " + strings.Join(e.Valid, ", ") + ")"
	}
	return msg
}

// Issue is a non-fatal step error. It is recorded in the run result and the
// remaining steps still run.
type Issue struct {
	Step string
	Err  error
}

func (e *Issue) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *Issue) Unwrap() error { return e.Err }

// NewIssue marks err as non-fatal for step.
func NewIssue(step string, err error) error {
	if err == nil {
		return nil
	}
	return &Issue{Step: step, Err: err}
}

// OperationFailure aborts a run. Any step error that is not an Issue, and any
// panic, becomes one.
type OperationFailure struct {
	Operation string
	Step      string
	Err       error
}

func (e *OperationFailure) Error() string {
	return fmt.Sprintf("%s failed at %s: %v", e.Operation, e.Step, e.Err)
}

func (e *OperationFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err rejected the invocation before it ran.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ue *UnknownOperationError
	return errors.As(err, &ve) || errors.As(err, &ue)
}

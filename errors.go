package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeTaskFailed matches any error except timeouts and fatal errors
	ErrorTypeTaskFailed = "task_failed"

	// ErrorTypeTimeout matches a step or execution that ran out of time
	ErrorTypeTimeout = "timeout"

	// ErrorTypeCancelled is recorded when an execution is cancelled on request
	ErrorTypeCancelled = "cancelled"

	// ErrorTypeInvalidDefinition marks a definition the engine cannot run
	ErrorTypeInvalidDefinition = "invalid_definition"

	// ErrorTypeStepLimit marks an execution stopped by the step-count guard
	ErrorTypeStepLimit = "step_limit"

	// ErrorTypeFatal indicates an execution failed due to a fatal error.
	// Unknown errors default to task_failed so they stay retryable; an error
	// that must never be retried should carry this type explicitly.
	ErrorTypeFatal = "fatal_error"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDefinition wraps definition validation failures.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrExecutionRunning is returned when an execution id is already active
	// in this engine.
	ErrExecutionRunning = errors.New("execution already running")
)

// ExecutionError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap().
type ExecutionError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Wrapped
}

// NewExecutionError creates an ExecutionError with the given type and cause.
// The type may be any string; step retry policies match against it.
func NewExecutionError(errorType, cause string) *ExecutionError {
	return &ExecutionError{Type: errorType, Cause: cause}
}

// ClassifyError converts err into an ExecutionError.
func ClassifyError(err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Type: ErrorTypeCancelled, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "timed out") {
		return &ExecutionError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, ErrInvalidDefinition) {
		return &ExecutionError{Type: ErrorTypeInvalidDefinition, Cause: err.Error(), Wrapped: err}
	}
	return &ExecutionError{Type: ErrorTypeTaskFailed, Cause: err.Error(), Wrapped: err}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	execErr := ClassifyError(err)
	if execErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeTaskFailed:
		return execErr.Type != ErrorTypeTimeout
	default:
		return execErr.Type == errorType
	}
}

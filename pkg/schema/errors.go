package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeResolution    = "RESOLUTION_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeStepExecution = "STEP_EXECUTION_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeCancelled     = "CANCELLED"

	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeRecursionLimit     = "RECURSION_LIMIT"
	ErrCodeHandlerUnavailable = "HANDLER_UNAVAILABLE"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeVault              = "VAULT_ERROR"
)

// EngineError is the structured error type used across the engine.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the registry may re-attempt a step that failed with this error.
// Only domain failures and step timeouts are transient.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStepExecution, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// AsEngineError returns the first EngineError in err's chain.
// Context errors are mapped onto CANCELLED and TIMEOUT_ERROR; any other
// error is reported as a STEP_EXECUTION_ERROR.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewError(ErrCodeCancelled, "execution cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(ErrCodeTimeout, "deadline exceeded").WithCause(err)
	default:
		return NewError(ErrCodeStepExecution, err.Error()).WithCause(err)
	}
}

// CodeOf returns the error code carried by err, or "" for nil.
func CodeOf(err error) string {
	if engErr := AsEngineError(err); engErr != nil {
		return engErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsCancelled reports whether err represents a cancellation.
func IsCancelled(err error) bool {
	return IsCode(err, ErrCodeCancelled)
}

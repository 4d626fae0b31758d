package searchscale

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeTransientFetch = "TRANSIENT_FETCH_ERROR"
	ErrCodePermanentFetch = "PERMANENT_FETCH_ERROR"
	ErrCodePoolExhausted  = "POOL_EXHAUSTED"
	ErrCodeReasoning      = "REASONING_ERROR"
	ErrCodeCancelled      = "RUN_CANCELLED"
	ErrCodeNoResults      = "NO_USABLE_RESULTS"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// SearchScaleError is the coded error type used across the runtime. Subtask
// errors are contained inside the pool and only cross the execute_subtasks
// boundary as a failed status on the corresponding result.
type SearchScaleError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeTransientFetch)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "dispatching")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *SearchScaleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *SearchScaleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SearchScaleError.
func NewError(code, stage, message string, cause error) *SearchScaleError {
	return &SearchScaleError{
		Code:    code,
		Message: message,
		Stage:   stage,
		Cause:   cause,
	}
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *SearchScaleError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewTransientFetchError(goal string, cause error) *SearchScaleError {
	return NewError(ErrCodeTransientFetch, "fetch", fmt.Sprintf("transient failure fetching %q", goal), cause)
}

func NewPermanentFetchError(goal string, cause error) *SearchScaleError {
	return NewError(ErrCodePermanentFetch, "fetch", fmt.Sprintf("permanent failure fetching %q", goal), cause)
}

func NewPoolExhaustedError(message string) *SearchScaleError {
	return NewError(ErrCodePoolExhausted, "pool", message, nil)
}

func NewReasoningError(stage string, cause error) *SearchScaleError {
	return NewError(ErrCodeReasoning, stage, "reasoning call failed", cause)
}

func NewCancelledError(stage string, cause error) *SearchScaleError {
	msg := "run cancelled"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		msg = fmt.Sprintf("run cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewNoResultsError(failed, hops int) *SearchScaleError {
	msg := fmt.Sprintf("every subtask failed (%d failures across %d hops); nothing to synthesize", failed, hops)
	return NewError(ErrCodeNoResults, "synthesizing", msg, nil)
}

func NewTimeoutError(stage string, cause error) *SearchScaleError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewCacheError(stage, operation string, cause error) *SearchScaleError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewConfigurationError(message string, cause error) *SearchScaleError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *SearchScaleError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsSearchScaleError reports whether err is (or wraps) a SearchScaleError.
func IsSearchScaleError(err error) bool {
	var se *SearchScaleError
	return errors.As(err, &se)
}

// ErrorCode extracts the machine-readable code, or "" for foreign errors.
func ErrorCode(err error) string {
	var se *SearchScaleError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient reports whether a failed fetch attempt may be retried.
// Foreign (uncoded) errors and timeouts are treated as transient so that a
// flaky collaborator gets the full attempt budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch ErrorCode(err) {
	case "":
		return true
	case ErrCodeTransientFetch, ErrCodeTimeout:
		return true
	}
	return false
}

// IsCancelled reports whether err represents run-level cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || ErrorCode(err) == ErrCodeCancelled
}

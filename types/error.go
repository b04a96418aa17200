package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Boundary error codes
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrExhaustedFallback ErrorCode = "EXHAUSTED_FALLBACK"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
)

// Infrastructure error codes
const (
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrWorkerGone         ErrorCode = "WORKER_GONE"
	ErrTaskFailed         ErrorCode = "TASK_FAILED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Status returns the HTTP status the error maps to at the API boundary.
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch e.Code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidTransition:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrExhaustedFallback, ErrWorkerGone, ErrTaskFailed:
		return http.StatusBadGateway
	case ErrCircuitOpen, ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Constructors
// =============================================================================

// NewValidationError reports a missing or malformed required field.
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}

// NewNotFoundError reports an unknown task, worker, hive or bug id.
func NewNotFoundError(kind, id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("%s not found: %s", kind, id))
}

// NewTimeoutError reports that no worker or peer answered within the window.
func NewTimeoutError(format string, args ...any) *Error {
	return NewError(ErrTimeout, fmt.Sprintf(format, args...)).WithRetryable(true)
}

// NewExhaustedFallbackError reports that the fallback model itself failed.
func NewExhaustedFallbackError(model string, cause error) *Error {
	return NewError(ErrExhaustedFallback, fmt.Sprintf("fallback model %s failed", model)).WithCause(cause)
}

// =============================================================================
// Helpers
// =============================================================================

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// WrapError converts an arbitrary error into a *Error, preserving existing codes.
func WrapError(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, err.Error()).WithCause(err)
}

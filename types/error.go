package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the scheduler.
type ErrorCode string

// Submission-time error codes. These are returned synchronously from Submit
// and never attached to a descriptor.
const (
	ErrValidation    ErrorCode = "VALIDATION"
	ErrQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrQueueFull     ErrorCode = "QUEUE_FULL"
)

// Execution error codes. These terminate a descriptor and are retrieved via
// AwaitResult or GetStatus.
const (
	ErrProviderTransient ErrorCode = "PROVIDER_TRANSIENT"
	ErrProviderTerminal  ErrorCode = "PROVIDER_TERMINAL"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrCancelled         ErrorCode = "CANCELLED"
)

// Operational error codes.
const (
	ErrPersistenceDegraded ErrorCode = "PERSISTENCE_DEGRADED"
	ErrClientResolution    ErrorCode = "CLIENT_RESOLUTION"
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrSchedulerClosed     ErrorCode = "SCHEDULER_CLOSED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
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
// PROVIDER_TRANSIENT errors are retryable by construction.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code == ErrProviderTransient}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithTenant sets the tenant the error belongs to.
func (e *Error) WithTenant(tenantID string) *Error {
	e.TenantID = tenantID
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable. Errors outside the scheduler
// taxonomy are treated as terminal.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

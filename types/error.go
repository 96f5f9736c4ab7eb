package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors for callers that must decide
// whether to fail a lifecycle transition closed or merely log.
type ErrorCode string

const (
	// ErrConnectivity means the storage backend is unreachable or timed out.
	ErrConnectivity ErrorCode = "CONNECTIVITY"

	// ErrSerialization means a blob was malformed on decode.
	ErrSerialization ErrorCode = "SERIALIZATION"

	// ErrCapacity means a bounded queue was saturated. Async paths handle
	// this via caller-runs backpressure rather than rejection, so it is
	// rarely observed by callers directly.
	ErrCapacity ErrorCode = "CAPACITY"

	// ErrDataLossRisk means emergency-save retries were exhausted for an
	// entity; its most recent state may not be durable.
	ErrDataLossRisk ErrorCode = "DATA_LOSS_RISK"

	// ErrShutdown means the engine is shut down and rejects new work.
	ErrShutdown ErrorCode = "SHUTDOWN"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Entity    EntityID  `json:"entity,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithEntity tags the error with the entity it concerns.
func (e *Error) WithEntity(id EntityID) *Error {
	e.Entity = id
	return e
}

// WithRetryable marks whether a retry may succeed.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsCode reports whether err (or anything it wraps) carries the code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// GetErrorCode extracts the code from an error, or "" if untyped.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether an error is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

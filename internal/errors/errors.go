// Package errors provides coded application errors shared across the service.
// Handlers map codes to transport status; services construct and inspect them.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	ErrCodeInternal      Code = "INTERNAL"
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeUnauthorized  Code = "UNAUTHORIZED"
	ErrCodeConflict      Code = "CONFLICT"
	ErrCodeSerialization Code = "SERIALIZATION"

	// Approval engine domain codes.
	ErrCodeNoMatchingRule       Code = "NO_MATCHING_RULE"
	ErrCodeUnresolvableApprover Code = "UNRESOLVABLE_APPROVER"
	ErrCodeDuplicateOpenRequest Code = "DUPLICATE_OPEN_REQUEST"
	ErrCodeStepNotFound         Code = "STEP_NOT_FOUND"
	ErrCodeRequestNotFound      Code = "REQUEST_NOT_FOUND"
	ErrCodeForbidden            Code = "FORBIDDEN"
	ErrCodeNotActionable        Code = "NOT_ACTIONABLE"
	ErrCodeConcurrencyConflict  Code = "CONCURRENCY_CONFLICT"
)

// Error carries a code, a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. Returns nil when err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the code from err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a transient serialization failure that a
// transactional caller may retry.
func IsRetryable(err error) bool {
	return IsCode(err, ErrCodeSerialization)
}

// MessageOf extracts the message from err, falling back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

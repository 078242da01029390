package disposisi

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure of a core operation.
type ErrorCode string

const (
	CodeNotFound   ErrorCode = "NOT_FOUND"  // missing document, blob, or counter
	CodeValidation ErrorCode = "VALIDATION" // malformed input; do not retry unchanged
	CodeConflict   ErrorCode = "CONFLICT"   // version mismatch or restore ID collision
	CodeIntegrity  ErrorCode = "INTEGRITY"  // checksum mismatch; fatal for that read
	CodeStorage    ErrorCode = "STORAGE"    // backing-medium I/O or timeout; retryable
)

// Error is the structured error returned by every core operation.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewNotFound reports a missing entity, e.g. NewNotFound("document", id).
func NewNotFound(kind string, id any) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %v", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// NewValidation reports malformed input.
func NewValidation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewConflict reports an optimistic-concurrency or restore collision failure.
func NewConflict(msg string, details map[string]any) *Error {
	return &Error{Code: CodeConflict, Message: msg, Details: details}
}

// NewIntegrity reports a checksum mismatch.
func NewIntegrity(msg string, details map[string]any) *Error {
	return &Error{Code: CodeIntegrity, Message: msg, Details: details}
}

// NewStorage wraps a backing-medium failure. The cause is preserved for
// errors.Is/As, so context deadline errors remain detectable.
func NewStorage(msg string, cause error) *Error {
	return &Error{Code: CodeStorage, Message: msg, cause: cause}
}

// IsCode reports whether err (or anything it wraps) is a core Error with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

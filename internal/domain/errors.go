package domain

import (
	"errors"
	"fmt"
	"time"
)

// Application error codes
const (
	EINVALID      = "invalid"      // Invalid input or validation failure
	EUNAUTHORIZED = "unauthorized" // Authentication required
	EFORBIDDEN    = "forbidden"    // Permission or security denial
	ENOTFOUND     = "not_found"    // Resource not found
	ECONFLICT     = "conflict"     // Resource conflict (e.g., duplicate)
	ERATELIMIT    = "rate_limit"   // Rate limit exceeded
	EPAYMENT      = "payment"      // Insufficient credits
	EUNAVAILABLE  = "unavailable"  // Transient store failure after retries
	EINTERNAL     = "internal"     // Internal server error
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "balance.check_and_deduct")
	Message string // Human-readable message
	Err     error  // Underlying error

	// Remaining carries the subject's remaining balance on quota denials,
	// so clients can render accurate state without a follow-up call.
	Remaining int64

	// RetryAfter is set on rate-limit denials.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		// For internal errors, return generic message
		if e.Code == EINTERNAL || e.Code == EUNAVAILABLE {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// ErrorRetryAfter returns the retry-after hint of a rate-limit error, if any.
func ErrorRetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ErrorRemaining returns the remaining-balance hint attached to a denial.
func ErrorRemaining(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.Remaining
	}
	return 0
}

// Convenience constructors for common error types

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Unauthorized creates an authentication error.
func Unauthorized(op, message string) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// SecurityDenied creates a terminal security denial. Not retryable.
func SecurityDenied(op, message string) *Error {
	return &Error{
		Code:    EFORBIDDEN,
		Op:      op,
		Message: message,
	}
}

// SessionNotFound indicates an unknown or already-stopped usage session.
func SessionNotFound(op, sessionID string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("usage session %q not found or already stopped", sessionID),
	}
}

// InsufficientCredits creates a quota denial carrying the remaining balance.
func InsufficientCredits(op string, remaining int64) *Error {
	return &Error{
		Code:      EPAYMENT,
		Op:        op,
		Message:   "Insufficient credits. Upgrade your plan or wait for your allowance to reset.",
		Remaining: remaining,
	}
}

// RateLimited creates a rate limit error with a retry-after hint.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       ERATELIMIT,
		Op:         op,
		Message:    "Too many requests. Please try again later.",
		RetryAfter: retryAfter,
	}
}

// Unavailable wraps a persistence failure that survived internal retries.
func Unavailable(err error, op string) *Error {
	return &Error{
		Code:    EUNAVAILABLE,
		Op:      op,
		Message: "Service temporarily unavailable.",
		Err:     err,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

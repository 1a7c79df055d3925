package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass partitions upload failures into the classes the queue acts
// on. Retryable classes back off and retry; terminal classes fail the
// item immediately with no retry.
type ErrorClass string

const (
	// Retryable.
	ClassConnectivity ErrorClass = "connectivity"
	ClassServer       ErrorClass = "server"
	ClassRateLimited  ErrorClass = "rate_limited"
	ClassTimeout      ErrorClass = "timeout"
	ClassUnknown      ErrorClass = "unknown"

	// Terminal.
	ClassValidation    ErrorClass = "validation"
	ClassAuth          ErrorClass = "auth"
	ClassNotRegistered ErrorClass = "not_registered"
	ClassTooLarge      ErrorClass = "too_large"
)

// Retryable reports whether a failure of this class may succeed on a
// later attempt. Unclassifiable failures are treated as transient.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassValidation, ClassAuth, ClassNotRegistered, ClassTooLarge:
		return false
	default:
		return true
	}
}

// Error is a classified upload failure.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Message    string

	// RetryAfter carries the server's Retry-After hint on rate limiting,
	// zero otherwise.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: upload failed (%s, HTTP %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport: upload failed (%s): %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Classify extracts the error class from any error. Errors that are not
// transport errors are ClassUnknown, which retries.
func Classify(err error) ErrorClass {
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	return ClassUnknown
}

// RetryAfterHint returns the server's rate-limit hint, if any.
func RetryAfterHint(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

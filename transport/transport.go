// Package transport carries the error taxonomy shared by the provider,
// workspace, and oracle clients. Callers use Retryable to decide whether
// a failed unit of work may be attempted again on a later cycle.
package transport

import (
	"errors"
	"fmt"
)

// Error is a transport-level failure of a call to an external service.
type Error struct {
	// Op names the failed operation, e.g. "listMergedPRs".
	Op string
	// StatusCode is the HTTP status of the reply, or zero if the
	// failure happened before a status was received.
	StatusCode int
	// Retry indicates the call may succeed if repeated later.
	Retry bool
	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a retryable or terminal transport Error.
func Errorf(op string, statusCode int, retry bool, format string, args ...interface{}) *Error {
	return &Error{
		Op:         op,
		StatusCode: statusCode,
		Retry:      retry,
		Err:        fmt.Errorf(format, args...),
	}
}

// Retryable reports whether err is a transport Error which may be retried.
// Timeouts and 5xx / 429 replies are retryable; other statuses are not.
func Retryable(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Retry
}

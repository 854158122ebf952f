// Package syncerr defines the error taxonomy used across the engine and the
// retryable/non-retryable classification consumed at the activity boundary.
//
// Below the workflow layer, errors carry a Kind; at the boundary the workflow
// engine only distinguishes retryable from non-retryable (see IsRetryable).
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an error for retry and reporting purposes.
type Kind string

const (
	// KindValidation covers 400/422, schema mismatches, and enum values out
	// of range. Never retried.
	KindValidation Kind = "validation"

	// KindNotFound covers 404 from a targeted GET/PATCH/DELETE. Treated as
	// "counterpart gone" and turned into a tombstone by the caller.
	KindNotFound Kind = "not_found"

	// KindAuth covers 401 and 403. Never retried.
	KindAuth Kind = "auth"

	// KindTransient covers timeouts, connection refusals, 5xx responses and
	// SSE drops. Always retryable.
	KindTransient Kind = "transient"

	// KindConflict covers 409. The caller gets one refetch-and-retry;
	// beyond that it is non-retryable.
	KindConflict Kind = "conflict"

	// KindFatal covers mapping-store corruption and disk exhaustion. A
	// fatal error fails the whole cycle.
	KindFatal Kind = "fatal"
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "huly.PatchIssue"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err, or KindTransient when err carries
// none. Unclassified errors are retried: the cost of retrying a permanent
// failure five times is lower than dropping a recoverable one.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsRetryable reports whether the workflow engine should retry the activity
// that produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransient:
		return true
	case KindConflict:
		// The transport already spent its single 409 retry.
		return false
	default:
		return false
	}
}

// IsNotFound reports whether err is a classified not-found.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsFatal reports whether err must fail the surrounding cycle.
func IsFatal(err error) bool { return Is(err, KindFatal) }

// FromStatusCode classifies an HTTP response status into an error, or returns
// nil for 2xx. Transport-level classification happens before any error leaves
// a client.
func FromStatusCode(op string, code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return Newf(KindValidation, op, "status %d: %s", code, body)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Newf(KindAuth, op, "status %d: %s", code, body)
	case code == http.StatusNotFound:
		return Newf(KindNotFound, op, "status %d", code)
	case code == http.StatusConflict:
		return Newf(KindConflict, op, "status %d: %s", code, body)
	case code >= 500 || code == http.StatusTooManyRequests:
		return Newf(KindTransient, op, "status %d: %s", code, body)
	default:
		return Newf(KindValidation, op, "unexpected status %d: %s", code, body)
	}
}

// FromTransport classifies a transport-level error (dial failure, timeout,
// context deadline) as transient. Context cancellation passes through
// unclassified so callers can distinguish shutdown from failure.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return New(KindTransient, op, err)
	}
	return New(KindTransient, op, err)
}

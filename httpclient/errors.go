package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// ErrorCode classifies a request failure. Codes split into two families:
// operational failures that a higher layer may retry (connection,
// timeout, rate limit, unknown) and user/input failures that it must not
// (a 4xx HTTP status outside the rate-limit and timeout codes).
type ErrorCode string

const (
	// CodeConnectionFailed covers refused, reset and unreachable
	// connections.
	CodeConnectionFailed ErrorCode = "connection_failed"

	// CodeTimeout covers attempt deadlines and dial timeouts.
	CodeTimeout ErrorCode = "timeout"

	// CodeHTTPStatus is a non-2xx response that is not a rate limit.
	CodeHTTPStatus ErrorCode = "http_status"

	// CodeRateLimited is a 429 carrying a server-paced retry hint.
	CodeRateLimited ErrorCode = "rate_limited"

	// CodeCancelled is caller-initiated cancellation. Not a failure;
	// never logged as one.
	CodeCancelled ErrorCode = "cancelled"

	// CodeUnknown is anything the classifier could not place.
	CodeUnknown ErrorCode = "unknown"
)

// Error is the typed outcome of a failed Execute call. It carries enough
// context for a caller to distinguish "your input was rejected" from
// "the service is temporarily unavailable".
type Error struct {
	// Code is the failure classification.
	Code ErrorCode

	// Status is the HTTP status code, when a response was received.
	Status int

	// Body is the response body, when a response was received.
	Body []byte

	// RetryAfter is the server-supplied pacing hint on rate limits.
	RetryAfter time.Duration

	// Attempts is how many attempts were made before giving up.
	Attempts int

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.Code == CodeHTTPStatus || e.Code == CodeRateLimited:
		return fmt.Sprintf("kiln: %s: status %d after %d attempt(s)", e.Code, e.Status, e.Attempts)
	case e.Err != nil:
		return fmt.Sprintf("kiln: %s after %d attempt(s): %v", e.Code, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("kiln: %s after %d attempt(s)", e.Code, e.Attempts)
	}
}

// Unwrap exposes the underlying transport error to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// UserError reports whether the failure is a user/input error: a 4xx
// status excluding rate-limit (429) and request-timeout (408) codes.
// User errors are surfaced immediately and must not be retried at any
// layer.
func (e *Error) UserError() bool {
	if e.Code != CodeHTTPStatus {
		return false
	}
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusTooManyRequests &&
		e.Status != http.StatusRequestTimeout
}

// Retryable reports whether a higher layer may retry the operation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeConnectionFailed, CodeTimeout, CodeRateLimited, CodeUnknown:
		return true
	case CodeCancelled:
		return false
	case CodeHTTPStatus:
		return !e.UserError()
	}
	return false
}

// classifyTransportError maps a transport-level error onto an ErrorCode.
// Transport failures (connection refused, timeout, mid-stream reset) are
// retryable; cancellation is terminal.
func classifyTransportError(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return CodeConnectionFailed
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeConnectionFailed
	}

	return CodeUnknown
}

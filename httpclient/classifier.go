package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Wire contract headers. Header name lookups go through http.Header,
// which compares names case-insensitively per the wire convention.
const (
	// HeaderShouldRetry is the server's retry advisory. When present it
	// overrides status-code heuristics in both directions on non-2xx
	// responses: "true" forces a retry, "false" suppresses one.
	HeaderShouldRetry = "X-Should-Retry"

	// HeaderRetryAfterMs is the retry-after hint in milliseconds.
	// Preferred over HeaderRetryAfter when both are present.
	HeaderRetryAfterMs = "Retry-After-Ms"

	// HeaderRetryAfter is the standard retry-after hint in whole
	// seconds.
	HeaderRetryAfter = "Retry-After"
)

// retryDecision is the per-attempt verdict for a received response.
type retryDecision int

const (
	// decideStop surfaces the response (or its error) without retrying.
	decideStop retryDecision = iota

	// decideRetry schedules another attempt under the generic
	// exponential backoff.
	decideRetry

	// decideRateLimited schedules another attempt after the
	// server-dictated delay, without advancing the exponential backoff.
	decideRateLimited
)

// classifyResponse decides what to do with a received HTTP response.
//
// Order of authority:
//  1. 2xx is success; the advisory header is not consulted on success.
//  2. The advisory header, when present on a non-2xx response, overrides
//     status heuristics in both directions.
//  3. 429 takes the rate-limit path (server-paced delay).
//  4. Heuristics: 5xx and 408 are retryable; other 4xx are terminal.
func classifyResponse(resp *http.Response) retryDecision {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return decideStop
	}

	switch advisory(resp.Header) {
	case advisoryNever:
		return decideStop
	case advisoryAlways:
		if resp.StatusCode == http.StatusTooManyRequests {
			return decideRateLimited
		}
		return decideRetry
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return decideRateLimited
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return decideRetry
	}

	return decideStop
}

// advisoryVerdict is the parsed retry-advisory header.
type advisoryVerdict int

const (
	advisoryAbsent advisoryVerdict = iota
	advisoryAlways
	advisoryNever
)

// advisory reads the retry-advisory header. Unrecognized values are
// treated as absent rather than guessed at.
func advisory(h http.Header) advisoryVerdict {
	switch strings.ToLower(strings.TrimSpace(h.Get(HeaderShouldRetry))) {
	case "true":
		return advisoryAlways
	case "false":
		return advisoryNever
	}
	return advisoryAbsent
}

// retryAfterHint parses the server's retry-after hint. Millisecond and
// whole-second units are both accepted; milliseconds win when both are
// present. The second return value is false when no usable hint exists.
func retryAfterHint(h http.Header) (time.Duration, bool) {
	if raw := h.Get(HeaderRetryAfterMs); raw != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	if raw := h.Get(HeaderRetryAfter); raw != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// Package future represents asynchronous server-side computations: a
// handle identifies one accepted operation, a Poller drives it to a
// terminal state, and Combine merges the results of a chunked operation
// into one logical result.
package future

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/driftlabs/kiln-go/endpoint"
)

// Handle identifies a server-side computation that is not yet known to
// be complete: the request id assigned at acceptance plus the traffic
// class the operation was issued on.
type Handle struct {
	RequestID string
	Class     endpoint.TrafficClass
}

// Kind is the poll-state discriminant.
type Kind int

const (
	// KindTryAgain means the operation is still queued or running. The
	// state carries the server's queue state and an optional delay
	// hint. A try-again is a self-loop, not a failure.
	KindTryAgain Kind = iota

	// KindCompleted means the operation finished and State.Result holds
	// the final payload.
	KindCompleted

	// KindFailed means the operation failed and State.Err holds the
	// server's error object.
	KindFailed
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTryAgain:
		return "try_again"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// QueueState is the server's queue-position enum on try-again replies.
type QueueState string

const (
	QueueStateQueued  QueueState = "queued"
	QueueStateRunning QueueState = "running"
	QueueStatePaused  QueueState = "paused"
)

// RemoteError is the error object the service attaches to failed
// operations.
type RemoteError struct {
	Message  string `json:"message"`
	Category string `json:"category"`
}

// Error categories the service reports.
const (
	CategoryUser    = "user"
	CategoryServer  = "server"
	CategoryUnknown = "unknown"
)

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Category, e.Message)
}

// UserError reports whether the failure was caused by caller input.
func (e *RemoteError) UserError() bool {
	return e.Category == CategoryUser
}

// State is one observation of a future, decoded from a poll response.
type State struct {
	Kind Kind

	// QueueState and RetryAfter are set on KindTryAgain. RetryAfter is
	// zero when the server sent no delay hint.
	QueueState QueueState
	RetryAfter time.Duration

	// Result is set on KindCompleted.
	Result json.RawMessage

	// Err is set on KindFailed.
	Err *RemoteError
}

// Terminal reports whether the future needs no further polling.
func (s State) Terminal() bool {
	return s.Kind == KindCompleted || s.Kind == KindFailed
}

// UnknownPollShapeError is returned when a poll response carries a
// discriminator this client version does not know. The discriminator
// set is fixed and versioned by the service; an unknown value is a
// decode error, never silently treated as pending.
type UnknownPollShapeError struct {
	Type string
}

// Error implements error.
func (e *UnknownPollShapeError) Error() string {
	return fmt.Sprintf("unknown poll response type %q", e.Type)
}

// ErrMissingDiscriminator is returned when a poll response has no type
// field at all.
var ErrMissingDiscriminator = errors.New("poll response missing type discriminator")

// pollEnvelope is the wire shape of a poll response. The "type" field
// discriminates the three shapes.
type pollEnvelope struct {
	Type         string          `json:"type"`
	QueueState   QueueState      `json:"queue_state,omitempty"`
	RetryAfterMs *int64          `json:"retry_after_ms,omitempty"`
	Error        *RemoteError    `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Wire discriminator values.
const (
	typeTryAgain = "try_again"
	typeError    = "error"
	typeResult   = "result"
)

// DecodeState decodes one poll response body, exhaustively over the
// discriminator.
func DecodeState(body []byte) (State, error) {
	var env pollEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return State{}, fmt.Errorf("decode poll response: %w", err)
	}

	switch env.Type {
	case typeTryAgain:
		st := State{Kind: KindTryAgain, QueueState: env.QueueState}
		if env.RetryAfterMs != nil && *env.RetryAfterMs > 0 {
			st.RetryAfter = time.Duration(*env.RetryAfterMs) * time.Millisecond
		}
		return st, nil

	case typeError:
		if env.Error == nil {
			env.Error = &RemoteError{Message: "unspecified", Category: CategoryUnknown}
		}
		return State{Kind: KindFailed, Err: env.Error}, nil

	case typeResult:
		return State{Kind: KindCompleted, Result: env.Result}, nil

	case "":
		return State{}, ErrMissingDiscriminator

	default:
		return State{}, &UnknownPollShapeError{Type: env.Type}
	}
}

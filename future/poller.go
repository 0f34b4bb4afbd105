package future

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/httpclient"
)

// DefaultPollInterval is the cadence between polls when the server
// sends no delay hint.
const DefaultPollInterval = 500 * time.Millisecond

// Executor is the request surface the poller needs. *httpclient.Client
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

var _ Executor = (*httpclient.Client)(nil)

// Poller resolves future handles against the service's poll endpoint.
//
// Poll issues exactly one request per invocation; Await loops for
// callers that just want the terminal payload. Keeping the loop on the
// caller's side lets many independent futures be polled concurrently
// without one future's cadence blocking another's.
type Poller struct {
	client       Executor
	pathPrefix   string
	pollInterval time.Duration
	logger       zerolog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the default cadence used when the server
// sends no delay hint.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.pollInterval = d }
}

// WithPathPrefix overrides the poll endpoint path prefix.
func WithPathPrefix(prefix string) PollerOption {
	return func(p *Poller) { p.pathPrefix = prefix }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// NewPoller creates a Poller over the given request executor.
func NewPoller(client Executor, opts ...PollerOption) *Poller {
	p := &Poller{
		client:       client,
		pathPrefix:   "/v1/futures/",
		pollInterval: DefaultPollInterval,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll issues exactly one poll request for the handle and decodes the
// server's answer. Poll requests travel on the futures traffic class
// regardless of the class that created the handle, so poll loops never
// compete with training or sampling dispatch for connections.
func (p *Poller) Poll(ctx context.Context, h Handle) (State, error) {
	resp, err := p.client.Execute(ctx, httpclient.Request{
		Operation: "poll_future",
		Method:    http.MethodGet,
		Path:      p.pathPrefix + h.RequestID,
		Class:     endpoint.ClassFutures,
	})
	if err != nil {
		return State{}, err
	}
	return DecodeState(resp.Body)
}

// Await polls the handle until it reaches a terminal state and returns
// the result payload, or the failure as an error.
//
// Try-again replies re-arm the next poll after the server's delay hint,
// falling back to the poller's interval. Cancelling ctx stops polling
// only: the server-side operation is not cancelled and the caller's
// bookkeeping still holds the handle. That asymmetry is a property of
// the service's future protocol, not something Await can paper over.
func (p *Poller) Await(ctx context.Context, h Handle) (json.RawMessage, error) {
	for {
		st, err := p.Poll(ctx, h)
		if err != nil {
			return nil, err
		}

		switch st.Kind {
		case KindCompleted:
			return st.Result, nil
		case KindFailed:
			return nil, st.Err
		}

		delay := st.RetryAfter
		if delay <= 0 {
			delay = p.pollInterval
		}
		p.logger.Trace().
			Str("request_id", h.RequestID).
			Str("queue_state", string(st.QueueState)).
			Dur("delay", delay).
			Msg("future pending")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

package sampling

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/future"
	"github.com/driftlabs/kiln-go/httpclient"
)

// Executor is the request surface the client needs. *httpclient.Client
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

var _ Executor = (*httpclient.Client)(nil)

// SampleRequest describes one sample call.
type SampleRequest struct {
	// Prompt is the tokenized or raw prompt payload, forwarded opaquely.
	Prompt json.RawMessage `json:"prompt"`

	// NumSamples is how many completions to draw. Zero means one.
	NumSamples int `json:"num_samples,omitempty"`

	// Params override the client's registered defaults for this call.
	Params map[string]any `json:"params,omitempty"`

	// Credential overrides the client's default credential (multi-tenant
	// operation). Not serialized; it selects the rate-limiter key.
	Credential string `json:"-"`
}

// Client issues sample requests against the service.
//
// There is no serialized worker in front of dispatch: each Sample call
// independently consults the shared rate limiter for its credential and
// issues its request directly on the sampling pool. Sampling calls are
// latency-sensitive and independent, so funneling them through one
// coordination point would only add queueing.
type Client struct {
	exec     Executor
	poller   *future.Poller
	registry *Registry
	entry    EntryID
	cfg      Config
	logger   zerolog.Logger
	cancel   context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRegistry overrides the process-wide registry.
func WithRegistry(r *Registry) ClientOption {
	return func(c *Client) { c.registry = r }
}

// WithPoller overrides the future poller.
func WithPoller(p *future.Poller) ClientOption {
	return func(c *Client) { c.poller = p }
}

// NewClient creates a sampling client and registers it in the registry.
// The registration lives until Close or until owner terminates,
// whichever comes first.
func NewClient(owner context.Context, exec Executor, cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		exec:     exec,
		registry: Shared(),
		cfg:      cfg,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.poller == nil {
		c.poller = future.NewPoller(exec, future.WithLogger(c.logger))
	}

	ownerCtx, cancel := context.WithCancel(owner)
	c.cancel = cancel
	c.entry = c.registry.Register(ownerCtx, cfg)
	return c
}

// EntryID returns the client's registry entry id.
func (c *Client) EntryID() EntryID { return c.entry }

// Close unregisters the client. Idempotent.
func (c *Client) Close() {
	c.cancel()
	c.registry.Unregister(c.entry)
}

// Sample dispatches one sample request and returns the handle to its
// future. The call blocks only on its own rate-limiter wait and network
// I/O; concurrent Sample calls from other goroutines proceed
// independently.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (future.Handle, error) {
	params := make(map[string]any, len(c.cfg.Defaults)+len(req.Params))
	for k, v := range c.cfg.Defaults {
		params[k] = v
	}
	for k, v := range req.Params {
		params[k] = v
	}

	numSamples := req.NumSamples
	if numSamples <= 0 {
		numSamples = 1
	}

	resp, err := c.exec.Execute(ctx, httpclient.Request{
		Operation:  "sample",
		Method:     http.MethodPost,
		Path:       "/v1/sample",
		Class:      endpoint.ClassSampling,
		Credential: req.Credential,
		Body: map[string]any{
			"model":       c.cfg.Model,
			"prompt":      req.Prompt,
			"num_samples": numSamples,
			"params":      params,
		},
	})
	if err != nil {
		return future.Handle{}, err
	}

	var created struct {
		RequestID string `json:"request_id"`
	}
	if err := resp.Decode(&created); err != nil {
		return future.Handle{}, fmt.Errorf("decode sample response: %w", err)
	}
	if created.RequestID == "" {
		return future.Handle{}, fmt.Errorf("sample response missing request_id")
	}

	return future.Handle{RequestID: created.RequestID, Class: endpoint.ClassSampling}, nil
}

// SampleAndWait dispatches one sample request and awaits its result.
func (c *Client) SampleAndWait(ctx context.Context, req SampleRequest) (json.RawMessage, error) {
	h, err := c.Sample(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.poller.Await(ctx, h)
}

package training

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/future"
	"github.com/driftlabs/kiln-go/httpclient"
	"github.com/driftlabs/kiln-go/session"
)

// DefaultChunkSize is how many data go into one dispatch when the
// config does not set a chunk size.
const DefaultChunkSize = 16

// ErrNoData is returned when a training step is submitted with no data.
var ErrNoData = errors.New("no training data")

// Executor is the request surface the client needs. *httpclient.Client
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

var _ Executor = (*httpclient.Client)(nil)

// Config describes a training client.
type Config struct {
	// Model names the model trained against.
	Model string

	// ChunkSize is how many data go into one dispatch. Zero means
	// DefaultChunkSize.
	ChunkSize int

	// HeartbeatInterval overrides the session heartbeat cadence.
	HeartbeatInterval time.Duration

	// Reductions maps metric names to their combine reduction. Metrics
	// without an entry use a weighted mean.
	Reductions map[string]future.Reduction
}

// Client submits chunked training operations and combines their
// asynchronous results. Each client holds one server session, kept
// alive by its heartbeat loop until Close.
type Client struct {
	exec     Executor
	cfg      Config
	sessions *session.Manager
	session  session.SessionID
	poller   *future.Poller
	logger   zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithSessionManager overrides the session manager.
func WithSessionManager(m *session.Manager) ClientOption {
	return func(c *Client) { c.sessions = m }
}

// WithPoller overrides the future poller.
func WithPoller(p *future.Poller) ClientOption {
	return func(c *Client) { c.poller = p }
}

// NewClient creates a training client and starts its session. ctx
// bounds session creation only.
func NewClient(ctx context.Context, exec Executor, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	c := &Client{
		exec:   exec,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessions == nil {
		c.sessions = session.NewManager(exec, session.WithLogger(c.logger))
	}
	if c.poller == nil {
		c.poller = future.NewPoller(exec, future.WithLogger(c.logger))
	}

	id, err := c.sessions.StartSession(ctx, session.SessionConfig{
		Metadata:          map[string]any{"model": cfg.Model, "role": "trainer"},
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return nil, err
	}
	c.session = id
	return c, nil
}

// SessionID returns the client's live session id.
func (c *Client) SessionID() session.SessionID { return c.session }

// Close stops the client's session. In-flight operations finish
// normally.
func (c *Client) Close(ctx context.Context) error {
	err := c.sessions.StopSession(ctx, c.session)
	if errors.Is(err, session.ErrUnknownSession) {
		// Already expired server-side.
		return nil
	}
	return err
}

// ForwardBackward submits one gradient step over data and returns the
// combined metrics.
//
// The data is split into chunks dispatched as independent requests;
// every chunk is issued before any future is awaited, then all futures
// are drained concurrently. A single chunk's terminal failure fails the
// whole step with the first failure encountered, but sibling futures
// are still polled to completion so no polling work leaks; the
// remaining failures are logged. On success the chunk results are
// combined in chunk order.
func (c *Client) ForwardBackward(ctx context.Context, data []Datum) (*future.Combined, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}

	chunks := c.partition(data)

	// Dispatch phase: every chunk is issued before any await. A failed
	// dispatch does not stop later chunks from being issued; their
	// futures still need draining.
	handles := make([]*future.Handle, len(chunks))
	chunkErrs := make([]error, len(chunks))
	for i, chunk := range chunks {
		h, err := c.dispatch(ctx, i, chunk)
		if err != nil {
			chunkErrs[i] = fmt.Errorf("dispatch chunk %d: %w", i, err)
			continue
		}
		handles[i] = &h
	}

	// Drain phase: a plain group rather than one with a shared cancel,
	// so a failed chunk does not abandon its siblings' futures.
	results := make([]future.ChunkResult, len(chunks))
	var g errgroup.Group
	for i, h := range handles {
		if h == nil {
			continue
		}
		i, h := i, h
		g.Go(func() error {
			payload, err := c.poller.Await(ctx, *h)
			if err != nil {
				chunkErrs[i] = fmt.Errorf("chunk %d: %w", i, err)
				return chunkErrs[i]
			}
			var cr future.ChunkResult
			if err := json.Unmarshal(payload, &cr); err != nil {
				chunkErrs[i] = fmt.Errorf("decode chunk %d result: %w", i, err)
				return chunkErrs[i]
			}
			if cr.Weight == 0 {
				cr.Weight = float64(len(chunks[i]))
			}
			results[i] = cr
			return nil
		})
	}
	firstAwaitErr := g.Wait()

	if err := c.firstFailure(firstAwaitErr, chunkErrs); err != nil {
		return nil, err
	}

	combined, err := future.Combine(results, c.cfg.Reductions)
	if err != nil {
		return nil, err
	}
	return &combined, nil
}

// partition splits data into dispatch chunks, order preserved.
func (c *Client) partition(data []Datum) [][]Datum {
	var chunks [][]Datum
	for len(data) > 0 {
		n := c.cfg.ChunkSize
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// dispatch issues one chunk and returns its future handle.
func (c *Client) dispatch(ctx context.Context, index int, chunk []Datum) (future.Handle, error) {
	payload := make([]map[string]any, len(chunk))
	for i, d := range chunk {
		payload[i] = d.wirePayload()
	}

	resp, err := c.exec.Execute(ctx, httpclient.Request{
		Operation: "forward_backward",
		Method:    http.MethodPost,
		Path:      "/v1/forward_backward",
		Class:     endpoint.ClassTraining,
		Body: map[string]any{
			"session_id":  string(c.session),
			"model":       c.cfg.Model,
			"chunk_index": index,
			"data":        payload,
		},
	})
	if err != nil {
		return future.Handle{}, err
	}

	var created struct {
		RequestID string `json:"request_id"`
	}
	if err := resp.Decode(&created); err != nil {
		return future.Handle{}, fmt.Errorf("decode dispatch response: %w", err)
	}
	if created.RequestID == "" {
		return future.Handle{}, fmt.Errorf("dispatch response missing request_id")
	}
	return future.Handle{RequestID: created.RequestID, Class: endpoint.ClassTraining}, nil
}

// firstFailure picks the step's aggregate error: the first failure
// encountered while draining when there was one, otherwise the earliest
// failed chunk by index. Every other failure is logged.
func (c *Client) firstFailure(firstAwaitErr error, chunkErrs []error) error {
	var first error
	if firstAwaitErr != nil {
		first = firstAwaitErr
	} else {
		for _, err := range chunkErrs {
			if err != nil {
				first = err
				break
			}
		}
	}
	if first == nil {
		return nil
	}

	for i, err := range chunkErrs {
		if err != nil && err != first {
			c.logger.Warn().Err(err).Int("chunk", i).Msg("additional chunk failure")
		}
	}
	return first
}

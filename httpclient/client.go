package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/ratelimit"
	"github.com/driftlabs/kiln-go/telemetry"
)

// Client issues logical requests against one service endpoint, applying
// per-class connection pooling, shared rate limiting and bounded
// retry/backoff.
//
//	client, err := httpclient.New("https://api.example.com",
//	    httpclient.WithCredential(apiKey),
//	    httpclient.WithServiceName("trainer"),
//	)
//
// A Client is safe for concurrent use. Many logical calls may be in
// flight at once; each call suspends only its own goroutine at the
// rate-limiter wait, backoff sleeps and network I/O.
type Client struct {
	cfg      *internalConfig
	identity endpoint.Identity
	baseURL  string
	pools    *poolManager
	metrics  *metrics
	tracer   trace.Tracer

	// breakers holds one circuit breaker per pool key when breakers are
	// enabled. Breaker state is never shared across classes or
	// endpoints; pools stay as isolated under a breaker as without one.
	breakerMu sync.Mutex
	breakers  map[endpoint.PoolKey]*breakerTransport
}

// New creates a Client for the given base URL.
//
// The URL is normalized at construction and the connection pools for
// every traffic class are created eagerly, so a structurally invalid
// base URL fails fast here rather than on first use.
func New(baseURL string, opts ...Option) (*Client, error) {
	id, err := endpoint.Normalize(baseURL)
	if err != nil {
		return nil, err
	}

	cfg := newInternalConfig(opts...)
	pools := newPoolManager(cfg.classConfigs, cfg.baseTransport)
	pools.warm(id)

	m, err := newMetrics(cfg.meterProvider.Meter(scope))
	if err != nil {
		return nil, fmt.Errorf("create metric instruments: %w", err)
	}

	return &Client{
		cfg:      cfg,
		identity: id,
		baseURL:  strings.TrimRight(baseURL, "/"),
		pools:    pools,
		metrics:  m,
		tracer:   cfg.tracerProvider.Tracer(scope),
		breakers: make(map[endpoint.PoolKey]*breakerTransport),
	}, nil
}

// Identity returns the client's normalized endpoint identity.
func (c *Client) Identity() endpoint.Identity { return c.identity }

// Credential returns the client's default credential.
func (c *Client) Credential() string { return c.cfg.credential }

// LimiterFor returns the shared rate limiter for the given credential
// against this client's endpoint.
func (c *Client) LimiterFor(credential string) *ratelimit.Limiter {
	return c.cfg.limiters.ForKey(c.identity, credential)
}

// Close releases idle pooled connections. In-flight requests finish
// normally.
func (c *Client) Close() {
	c.pools.closeIdle()
}

// Request describes one logical call. Every request declares exactly
// one traffic class; the zero value of Class means endpoint.ClassDefault.
type Request struct {
	// Operation names the call for spans and telemetry, e.g.
	// "forward_backward". Falls back to "METHOD path".
	Operation string

	// Method is the HTTP method.
	Method string

	// Path is appended to the client's base URL.
	Path string

	// Body is encoded as JSON unless it is a []byte or
	// json.RawMessage, which pass through as-is. Nil means no body.
	Body any

	// Class selects the connection pool.
	Class endpoint.TrafficClass

	// Credential overrides the client's default credential for this
	// call (multi-tenant operation).
	Credential string

	// MaxAttempts overrides the client's retry policy attempt cap.
	MaxAttempts int

	// MaxRetryDuration overrides the client's retry decision window.
	MaxRetryDuration time.Duration

	// Header carries extra request headers.
	Header http.Header
}

// Response is the normalized outcome of a successful Execute call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is how many attempts the call took.
	Attempts int
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Execute issues one logical request and returns its normalized
// outcome: a 2xx response, or a typed *Error.
//
// Per attempt, in order: wait out any shared backoff deadline for
// (endpoint, credential); issue the attempt via the class pool; decide
// retry from transport outcome, the retry-advisory header and status
// heuristics; on 429 honor the server's retry-after hint exactly and
// extend the shared deadline; otherwise apply full-jitter exponential
// backoff. Attempt and elapsed-time caps are checked before each new
// attempt, so the caps bound the decision window and worst-case latency
// is the budget plus one attempt timeout.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	class := req.Class
	if class == "" {
		class = endpoint.ClassDefault
	}
	if !class.Valid() {
		return nil, fmt.Errorf("unknown traffic class %q", class)
	}

	credential := req.Credential
	if credential == "" {
		credential = c.cfg.credential
	}

	policy := c.cfg.retryPolicy.withDefaults()
	if req.MaxAttempts > 0 {
		policy.MaxAttempts = req.MaxAttempts
	}
	if req.MaxRetryDuration > 0 {
		policy.MaxRetryDuration = req.MaxRetryDuration
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	op := req.Operation
	if op == "" {
		op = req.Method + " " + req.Path
	}

	attrs := []attribute.KeyValue{
		attribute.String("kiln.client.name", c.cfg.serviceName),
		attribute.String("kiln.operation", op),
		attribute.String("kiln.traffic_class", string(class)),
		attribute.String("http.request.method", req.Method),
		attribute.String("server.address", c.identity.Host()),
	}

	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method+" "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	c.metrics.recordStart(ctx, attrs)
	start := time.Now()

	resp, execErr := c.retryLoop(ctx, req, class, credential, policy, body)

	duration := time.Since(start)
	attempts := 0
	var typed *Error
	if resp != nil {
		attempts = resp.Attempts
	} else if errors.As(execErr, &typed) {
		attempts = typed.Attempts
	}
	c.metrics.recordFinish(ctx, attrs, duration, attempts)

	// One event per logical call summarizing the final outcome, never
	// one per attempt.
	ev := telemetry.Event{
		Name: "request.finished",
		Fields: map[string]any{
			"operation":     op,
			"method":        req.Method,
			"path":          req.Path,
			"traffic_class": string(class),
			"attempts":      attempts,
			"duration":      duration,
			"outcome":       outcomeLabel(execErr),
		},
	}
	telemetry.Emit(ctx, c.cfg.sink, c.cfg.logger, ev)

	if execErr != nil {
		if typed != nil {
			c.metrics.recordError(ctx, attrs, typed.Code)
			if typed.Code != CodeCancelled {
				span.RecordError(execErr)
				span.SetStatus(codes.Error, execErr.Error())
			}
		}
		return nil, execErr
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// retryLoop runs the attempt cycle for one logical request.
func (c *Client) retryLoop(
	ctx context.Context,
	req Request,
	class endpoint.TrafficClass,
	credential string,
	policy RetryPolicy,
	body []byte,
) (*Response, error) {
	limiter := c.cfg.limiters.ForKey(c.identity, credential)
	bo := NewFullJitterBackOff(policy)
	poolCfg := c.pools.configFor(class)

	var (
		lastErr  *Error
		attempts int
		start    = time.Now()
	)

	for {
		// Both caps bound the decision window and are checked before
		// every new attempt, not only at the start.
		if attempts >= policy.MaxAttempts {
			break
		}
		if policy.MaxRetryDuration > 0 && attempts > 0 && time.Since(start) >= policy.MaxRetryDuration {
			break
		}

		// Shared backoff for this (endpoint, credential). A deadline in
		// the future suspends this goroutine, it does not fast-fail.
		if err := limiter.WaitForBackoff(ctx); err != nil {
			return nil, &Error{Code: CodeCancelled, Attempts: attempts, Err: err}
		}

		attempts++
		httpResp, err := c.attempt(ctx, req, class, credential, poolCfg, body)
		if err != nil {
			code := classifyTransportError(err)
			lastErr = &Error{Code: code, Attempts: attempts, Err: err}
			if code == CodeCancelled {
				return nil, lastErr
			}
			if !sleepCtx(ctx, bo.NextBackOff()) {
				lastErr.Code = CodeCancelled
				return nil, lastErr
			}
			continue
		}

		respBody, readErr := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if readErr != nil {
			// Mid-stream reset counts as a transport failure.
			lastErr = &Error{Code: CodeConnectionFailed, Attempts: attempts, Err: readErr}
			if !sleepCtx(ctx, bo.NextBackOff()) {
				lastErr.Code = CodeCancelled
				return nil, lastErr
			}
			continue
		}

		switch classifyResponse(httpResp) {
		case decideStop:
			if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
				return &Response{
					StatusCode: httpResp.StatusCode,
					Header:     httpResp.Header,
					Body:       respBody,
					Attempts:   attempts,
				}, nil
			}
			return nil, &Error{
				Code:     CodeHTTPStatus,
				Status:   httpResp.StatusCode,
				Body:     respBody,
				Attempts: attempts,
			}

		case decideRateLimited:
			hint, ok := retryAfterHint(httpResp.Header)
			if ok {
				// Server-dictated pacing: extend the shared deadline
				// (monotonic, never shortened) and honor the delay
				// exactly. The generic backoff does not advance.
				limiter.SetBackoff(hint)
			} else {
				hint = bo.NextBackOff()
			}
			lastErr = &Error{
				Code:       CodeRateLimited,
				Status:     httpResp.StatusCode,
				Body:       respBody,
				RetryAfter: hint,
				Attempts:   attempts,
			}
			c.metrics.recordRateLimitHit(ctx, []attribute.KeyValue{
				attribute.String("kiln.traffic_class", string(class)),
			})
			telemetry.Emit(ctx, c.cfg.sink, c.cfg.logger, telemetry.Event{
				Name: "rate_limit.hit",
				Fields: map[string]any{
					"traffic_class": string(class),
					"retry_after":   hint,
				},
			})
			if !sleepCtx(ctx, hint) {
				lastErr.Code = CodeCancelled
				return nil, lastErr
			}

		case decideRetry:
			lastErr = &Error{
				Code:     CodeHTTPStatus,
				Status:   httpResp.StatusCode,
				Body:     respBody,
				Attempts: attempts,
			}
			if !sleepCtx(ctx, bo.NextBackOff()) {
				lastErr.Code = CodeCancelled
				return nil, lastErr
			}
		}
	}

	if lastErr == nil {
		lastErr = &Error{Code: CodeUnknown, Attempts: attempts}
	}
	return nil, lastErr
}

// attempt issues exactly one HTTP request via the class pool.
func (c *Client) attempt(
	ctx context.Context,
	req Request,
	class endpoint.TrafficClass,
	credential string,
	poolCfg Config,
	body []byte,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, reader)
	if err != nil {
		return nil, err
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+credential)
	}
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	key := endpoint.KeyFor(c.identity, class)
	rt := c.pools.roundTripperFor(key)
	if c.cfg.breakerSettings != nil {
		rt = c.breakerFor(key, rt)
	}

	httpClient := &http.Client{
		Transport: rt,
		Timeout:   poolCfg.AttemptTimeout,
	}
	return httpClient.Do(httpReq)
}

// breakerFor wraps a pool with its circuit breaker, creating the
// breaker on first use. One breaker per pool key: a tripped circuit on
// one class or endpoint never rejects traffic on another.
func (c *Client) breakerFor(key endpoint.PoolKey, rt http.RoundTripper) http.RoundTripper {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	if bt, ok := c.breakers[key]; ok {
		return bt
	}
	bt := newBreakerTransport(rt, *c.cfg.breakerSettings)
	c.breakers[key] = bt
	return bt
}

// encodeBody turns a request body into bytes. []byte and
// json.RawMessage pass through untouched.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// sleepCtx sleeps for d, returning false when ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// outcomeLabel renders an execution result for telemetry.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var typed *Error
	if errors.As(err, &typed) {
		return string(typed.Code)
	}
	return "error"
}

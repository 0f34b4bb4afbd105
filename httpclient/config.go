package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/driftlabs/kiln-go/endpoint"
)

// Config holds the transport settings for one connection pool. Each
// (endpoint, traffic class) pair gets its own pool, sized independently:
// training and sampling need high concurrency, session and telemetry
// stay small.
//
// Use ClassConfig to get the preset for a traffic class, then override
// fields as needed:
//
//	cfg := httpclient.ClassConfig(endpoint.ClassSampling)
//	cfg.AttemptTimeout = 10 * time.Second
type Config struct {
	// AttemptTimeout bounds a single attempt, including connection
	// establishment and reading the response body. The retry budget
	// bounds only the decision window, so worst-case latency for a
	// logical call is the budget plus one AttemptTimeout.
	AttemptTimeout time.Duration

	// MaxConnsPerHost limits total connections (idle + active) in the
	// pool. Acquiring a connection beyond this limit suspends the
	// caller until one frees up.
	MaxConnsPerHost int

	// MaxIdleConnsPerHost controls keep-alive connections retained for
	// reuse.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	IdleConnTimeout time.Duration

	// DialTimeout bounds TCP connection establishment.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake.
	TLSHandshakeTimeout time.Duration

	// KeepAlive is the TCP keep-alive probe interval.
	KeepAlive time.Duration
}

// ClassConfig returns the pool preset for a traffic class.
//
// Presets:
//   - training, sampling: high concurrency (large batches of chunked
//     requests in flight at once)
//   - futures: medium concurrency for poll loops
//   - session, telemetry: small pools; a handful of periodic calls
//   - default: balanced
func ClassConfig(class endpoint.TrafficClass) Config {
	cfg := Config{
		AttemptTimeout:      30 * time.Second,
		MaxConnsPerHost:     32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         5 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		KeepAlive:           30 * time.Second,
	}

	switch class {
	case endpoint.ClassTraining:
		cfg.MaxConnsPerHost = 128
		cfg.MaxIdleConnsPerHost = 64
		cfg.AttemptTimeout = 60 * time.Second
	case endpoint.ClassSampling:
		cfg.MaxConnsPerHost = 128
		cfg.MaxIdleConnsPerHost = 64
	case endpoint.ClassFutures:
		cfg.MaxConnsPerHost = 64
		cfg.MaxIdleConnsPerHost = 32
	case endpoint.ClassSession, endpoint.ClassTelemetry:
		cfg.MaxConnsPerHost = 8
		cfg.MaxIdleConnsPerHost = 2
		cfg.AttemptTimeout = 15 * time.Second
	}

	return cfg
}

// buildTransport constructs the http.Transport backing one pool.
func (c Config) buildTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   c.DialTimeout,
			KeepAlive: c.KeepAlive,
		}).DialContext,
		MaxConnsPerHost:     c.MaxConnsPerHost,
		MaxIdleConns:        c.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: c.MaxIdleConnsPerHost,
		IdleConnTimeout:     c.IdleConnTimeout,
		TLSHandshakeTimeout: c.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// RetryPolicy bounds the executor's retry loop. Both caps are checked
// before each new attempt is scheduled: retries stop at whichever of
// MaxAttempts or MaxRetryDuration is reached first.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, initial included.
	MaxAttempts int

	// MaxRetryDuration caps elapsed wall-clock time since the first
	// attempt. Zero means only MaxAttempts applies.
	MaxRetryDuration time.Duration

	// InitialBackoff is the base delay before the first retry. The base
	// doubles per attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt base delay.
	MaxBackoff time.Duration
}

// Default retry policy values.
const (
	DefaultMaxAttempts      = 4
	DefaultMaxRetryDuration = 2 * time.Minute
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
)

// DefaultRetryPolicy returns the balanced default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      DefaultMaxAttempts,
		MaxRetryDuration: DefaultMaxRetryDuration,
		InitialBackoff:   DefaultInitialBackoff,
		MaxBackoff:       DefaultMaxBackoff,
	}
}

// withDefaults fills in zero fields from the defaults.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

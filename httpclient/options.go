package httpclient

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/ratelimit"
	"github.com/driftlabs/kiln-go/telemetry"
)

// scope is the instrumentation scope name for OpenTelemetry.
const scope = "github.com/driftlabs/kiln-go/httpclient"

// internalConfig holds the resolved client configuration.
type internalConfig struct {
	credential   string
	serviceName  string
	classConfigs map[endpoint.TrafficClass]Config
	retryPolicy  RetryPolicy

	limiters *ratelimit.Table
	logger   zerolog.Logger
	sink     telemetry.Sink

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	breakerSettings *gobreaker.Settings

	// baseTransport, when set, replaces every connection pool. Test
	// seam for MockTransport.
	baseTransport http.RoundTripper
}

// Option configures a Client.
type Option func(*internalConfig)

func newInternalConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		classConfigs:   make(map[endpoint.TrafficClass]Config),
		retryPolicy:    DefaultRetryPolicy(),
		limiters:       ratelimit.Shared(),
		logger:         zerolog.Nop(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithCredential sets the default credential attached to every request
// and used for rate-limiter keying. Individual requests may override it.
func WithCredential(credential string) Option {
	return func(c *internalConfig) { c.credential = credential }
}

// WithServiceName identifies this client in spans, metrics and
// telemetry events.
func WithServiceName(name string) Option {
	return func(c *internalConfig) { c.serviceName = name }
}

// WithClassConfig overrides the pool configuration for one traffic
// class. Unconfigured classes use ClassConfig presets.
func WithClassConfig(class endpoint.TrafficClass, cfg Config) Option {
	return func(c *internalConfig) { c.classConfigs[class] = cfg }
}

// WithRetryPolicy overrides the default retry policy. Individual
// requests may still override attempt and duration caps.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *internalConfig) { c.retryPolicy = policy.withDefaults() }
}

// WithLimiterTable substitutes the rate-limiter table. The default is
// the process-wide shared table, so that distinct clients in one
// process share backoff knowledge per (endpoint, credential) pair.
// Supplying a private table is mainly useful in tests.
func WithLimiterTable(table *ratelimit.Table) Option {
	return func(c *internalConfig) { c.limiters = table }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *internalConfig) { c.logger = logger }
}

// WithTelemetrySink sets the telemetry event sink. Sink failures are
// swallowed and logged, never surfaced to callers.
func WithTelemetrySink(sink telemetry.Sink) Option {
	return func(c *internalConfig) { c.sink = sink }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *internalConfig) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *internalConfig) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// WithCircuitBreaker enables a circuit breaker between the executor and
// the connection pools. The breaker trips on consecutive transport
// failures and rejects requests fast while open, so a dead endpoint
// does not consume the whole retry budget of every caller.
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(c *internalConfig) { c.breakerSettings = &settings }
}

// WithTransport replaces every connection pool with the given
// RoundTripper. Intended for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *internalConfig) { c.baseTransport = rt }
}

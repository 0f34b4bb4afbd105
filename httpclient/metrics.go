package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for client request execution.
// Instruments record one observation per logical call, never one per
// attempt.
type metrics struct {
	// requestDuration measures the total duration of a logical call in
	// seconds, all attempts and waits included.
	requestDuration metric.Float64Histogram

	// requestAttempts measures how many attempts a logical call took.
	requestAttempts metric.Int64Histogram

	// activeRequests tracks in-flight logical calls.
	activeRequests metric.Int64UpDownCounter

	// requestErrors counts terminal failures by error code.
	requestErrors metric.Int64Counter

	// rateLimitHits counts 429 responses observed.
	rateLimitHits metric.Int64Counter
}

// newMetrics creates and registers the metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.requestDuration, err = meter.Float64Histogram(
		"kiln.client.request.duration",
		metric.WithDescription("Duration of logical client calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
		),
	)
	if err != nil {
		return nil, err
	}

	m.requestAttempts, err = meter.Int64Histogram(
		"kiln.client.request.attempts",
		metric.WithDescription("Attempts made per logical client call"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 8, 13),
	)
	if err != nil {
		return nil, err
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"kiln.client.active_requests",
		metric.WithDescription("In-flight logical client calls"),
	)
	if err != nil {
		return nil, err
	}

	m.requestErrors, err = meter.Int64Counter(
		"kiln.client.request.errors",
		metric.WithDescription("Terminal request failures by error code"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimitHits, err = meter.Int64Counter(
		"kiln.client.rate_limit.hits",
		metric.WithDescription("Rate-limited responses observed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) recordStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordFinish(
	ctx context.Context,
	attrs []attribute.KeyValue,
	duration time.Duration,
	attempts int,
) {
	if m == nil {
		return
	}
	m.activeRequests.Add(ctx, -1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.requestAttempts.Record(ctx, int64(attempts), metric.WithAttributes(attrs...))
}

func (m *metrics) recordError(ctx context.Context, attrs []attribute.KeyValue, code ErrorCode) {
	if m == nil {
		return
	}
	all := append(attrs, attribute.String("error.code", string(code)))
	m.requestErrors.Add(ctx, 1, metric.WithAttributes(all...))
}

func (m *metrics) recordRateLimitHit(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	m.rateLimitHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

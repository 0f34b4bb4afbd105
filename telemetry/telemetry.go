// Package telemetry defines the event sink used by the client runtime.
//
// Sinks receive named events with structured metadata (method, path,
// traffic class, outcome, duration). Delivery failures are swallowed and
// logged, never propagated to the caller issuing the original request.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event is one named telemetry event with structured fields.
type Event struct {
	// Name identifies the event, e.g. "request.finished",
	// "rate_limit.hit", "session.expired".
	Name string

	// Fields carries event metadata. Values should be scalars or
	// durations; sinks may stringify anything else.
	Fields map[string]any
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use and must never block a request path for long: slow
// delivery belongs on the sink's side of the boundary.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Emit delivers ev to sink, recovering from any panic so a broken sink
// cannot fail the caller. A nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, logger zerolog.Logger, ev Event) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().
				Str("event", ev.Name).
				Interface("panic", r).
				Msg("telemetry sink panicked; event dropped")
		}
	}()
	sink.Emit(ctx, ev)
}

// LogSink writes events to a zerolog logger. It is the default sink.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink creates a LogSink on the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, ev Event) {
	e := s.Logger.Info().Str("event", ev.Name)
	for k, v := range ev.Fields {
		switch val := v.(type) {
		case string:
			e = e.Str(k, val)
		case int:
			e = e.Int(k, val)
		case int64:
			e = e.Int64(k, val)
		case uint64:
			e = e.Uint64(k, val)
		case bool:
			e = e.Bool(k, val)
		case float64:
			e = e.Float64(k, val)
		case time.Duration:
			e = e.Dur(k, val)
		default:
			e = e.Interface(k, val)
		}
	}
	e.Msg("telemetry")
}

// MultiSink fans events out to several sinks. Each sink is isolated:
// one sink's panic does not stop delivery to the others.
type MultiSink struct {
	Sinks  []Sink
	Logger zerolog.Logger
}

// Emit implements Sink.
func (m *MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m.Sinks {
		Emit(ctx, s, m.Logger, ev)
	}
}

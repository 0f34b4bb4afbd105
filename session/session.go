// Package session manages server-side sessions and their heartbeat
// loops.
//
// A session moves Created -> Active -> Expired. StartSession creates it
// and arms a heartbeat loop at the configured interval; the loop stops
// when a heartbeat is rejected as a user error, or when the caller stops
// the session explicitly. Transient server failures are logged and do
// not alter cadence. A manager runs any number of sessions, each on its
// own loop, so a slow heartbeat never stalls an unrelated one.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/httpclient"
	"github.com/driftlabs/kiln-go/telemetry"
)

// DefaultHeartbeatInterval is the heartbeat cadence when SessionConfig
// does not set one.
const DefaultHeartbeatInterval = 10 * time.Second

// ErrUnknownSession is returned by StopSession for an id the manager is
// not tracking, either because it never existed or because it already
// expired.
var ErrUnknownSession = errors.New("unknown session")

// SessionID identifies one live session.
type SessionID string

// SessionConfig describes a session to create.
type SessionConfig struct {
	// Metadata is forwarded opaquely to the server on creation.
	Metadata map[string]any

	// HeartbeatInterval overrides DefaultHeartbeatInterval when positive.
	HeartbeatInterval time.Duration
}

// Executor is the request surface the manager needs. *httpclient.Client
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

var _ Executor = (*httpclient.Client)(nil)

// Manager creates sessions and runs one heartbeat loop per live
// session.
type Manager struct {
	client     Executor
	pathPrefix string
	logger     zerolog.Logger
	sink       telemetry.Sink

	mu       sync.Mutex
	sessions map[SessionID]*liveSession
}

type liveSession struct {
	id       SessionID
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTelemetrySink sets the sink for session lifecycle events.
func WithTelemetrySink(sink telemetry.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithPathPrefix overrides the session endpoint path prefix.
func WithPathPrefix(prefix string) Option {
	return func(m *Manager) { m.pathPrefix = prefix }
}

// NewManager creates a Manager over the given request executor.
func NewManager(client Executor, opts ...Option) *Manager {
	m := &Manager{
		client:     client,
		pathPrefix: "/v1/sessions",
		logger:     zerolog.Nop(),
		sessions:   make(map[SessionID]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession creates a session on the server and arms its heartbeat
// loop. ctx bounds the creation call only; the loop runs until the
// session expires or is stopped.
func (m *Manager) StartSession(ctx context.Context, cfg SessionConfig) (SessionID, error) {
	id := SessionID(uuid.NewString())

	_, err := m.client.Execute(ctx, httpclient.Request{
		Operation: "start_session",
		Method:    http.MethodPost,
		Path:      m.pathPrefix,
		Class:     endpoint.ClassSession,
		Body: map[string]any{
			"session_id": string(id),
			"metadata":   cfg.Metadata,
		},
	})
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &liveSession{
		id:       id,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go m.runHeartbeats(loopCtx, s)

	m.logger.Debug().
		Str("session_id", string(id)).
		Dur("heartbeat_interval", interval).
		Msg("session started")
	return id, nil
}

// StopSession is the explicit caller-initiated transition to Expired.
// It stops the heartbeat loop, removes local bookkeeping and sends one
// best-effort stop notification to the server; a failed notification is
// logged, not returned.
func (m *Manager) StopSession(ctx context.Context, id SessionID) error {
	s := m.remove(id)
	if s == nil {
		return ErrUnknownSession
	}
	s.cancel()
	<-s.done

	_, err := m.client.Execute(ctx, httpclient.Request{
		Operation: "stop_session",
		Method:    http.MethodPost,
		Path:      m.pathPrefix + "/" + string(id) + "/stop",
		Class:     endpoint.ClassSession,
	})
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("session_id", string(id)).
			Msg("session stop notification failed")
	}
	return nil
}

// Active reports whether the manager is tracking the session.
func (m *Manager) Active(id SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every heartbeat loop without notifying the server. The
// manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make([]*liveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[SessionID]*liveSession)
	m.mu.Unlock()

	for _, s := range live {
		s.cancel()
		<-s.done
	}
}

// runHeartbeats is the per-session loop: a timer re-armed after each
// tick rather than a ticker, so a slow heartbeat call cannot queue up
// ticks behind itself.
func (m *Manager) runHeartbeats(ctx context.Context, s *liveSession) {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if expired := m.heartbeat(ctx, s); expired {
			m.remove(s.id)
			return
		}
		timer.Reset(s.interval)
	}
}

// heartbeat sends one tick. A user-error rejection means the server no
// longer recognizes the session: the session is expired after exactly
// one such failure. Anything else is transient and leaves the cadence
// untouched.
func (m *Manager) heartbeat(ctx context.Context, s *liveSession) (expired bool) {
	_, err := m.client.Execute(ctx, httpclient.Request{
		Operation: "session_heartbeat",
		Method:    http.MethodPost,
		Path:      m.pathPrefix + "/" + string(s.id) + "/heartbeat",
		Class:     endpoint.ClassSession,
	})
	if err == nil {
		return false
	}

	var reqErr *httpclient.Error
	if errors.As(err, &reqErr) && reqErr.UserError() {
		m.logger.Info().
			Str("session_id", string(s.id)).
			Int("status", reqErr.Status).
			Msg("session expired by server")
		telemetry.Emit(ctx, m.sink, m.logger, telemetry.Event{
			Name: "session.expired",
			Fields: map[string]any{
				"session_id": string(s.id),
				"status":     reqErr.Status,
			},
		})
		return true
	}

	m.logger.Warn().
		Err(err).
		Str("session_id", string(s.id)).
		Msg("session heartbeat failed, will retry at next tick")
	return false
}

func (m *Manager) remove(id SessionID) *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	delete(m.sessions, id)
	return s
}

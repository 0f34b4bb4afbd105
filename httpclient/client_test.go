package httpclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/kiln-go/endpoint"
	"github.com/driftlabs/kiln-go/ratelimit"
	"github.com/driftlabs/kiln-go/telemetry"
)

// fastRetry keeps test retries down to microsecond sleeps.
func fastRetry(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, mock *MockTransport, opts ...Option) *Client {
	t.Helper()
	all := append([]Option{
		WithTransport(mock),
		WithLimiterTable(ratelimit.NewTable()),
		WithRetryPolicy(fastRetry(4)),
	}, opts...)
	client, err := New("https://api.example.com", all...)
	require.NoError(t, err)
	return client
}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *captureSink) Emit(_ context.Context, ev telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) named(name string) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestNew_InvalidBaseURLFailsFast(t *testing.T) {
	_, err := New("api.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, endpoint.ErrInvalidEndpoint)
}

func TestNew_PoolsCreatedEagerlyPerClass(t *testing.T) {
	client, err := New("https://api.example.com")
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, len(endpoint.Classes()), client.pools.size())
}

func TestExecute_Success(t *testing.T) {
	mock := NewMockTransport().StubResponse(200, `{"ok":true}`)
	client := newTestClient(t, mock)

	resp, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/health",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 1, mock.CallCount())

	var decoded struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, resp.Decode(&decoded))
	assert.True(t, decoded.OK)
}

func TestExecute_RetriesTransientStatusThenSucceeds(t *testing.T) {
	mock := NewMockTransport().Script(
		Respond(500, "boom"),
		Respond(200, "ok"),
	)
	client := newTestClient(t, mock)

	resp, err := client.Execute(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/op",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 2, mock.CallCount())
}

func TestExecute_ExactlyMaxAttemptsOnPersistentServerError(t *testing.T) {
	mock := NewMockTransport().StubResponse(500, "down")
	client := newTestClient(t, mock)

	_, err := client.Execute(context.Background(), Request{
		Method:      http.MethodPost,
		Path:        "/v1/op",
		MaxAttempts: 3,
	})
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeHTTPStatus, typed.Code)
	assert.Equal(t, 500, typed.Status)
	assert.Equal(t, 3, typed.Attempts)
	assert.Equal(t, 3, mock.CallCount())
}

func TestExecute_ElapsedCapStopsRetries(t *testing.T) {
	mock := NewMockTransport().StubResponse(500, "down")
	client := newTestClient(t, mock)

	_, err := client.Execute(context.Background(), Request{
		Method:           http.MethodPost,
		Path:             "/v1/op",
		MaxAttempts:      10,
		MaxRetryDuration: 1 * time.Nanosecond,
	})
	require.Error(t, err)
	assert.Equal(t, 1, mock.CallCount(), "cap must be checked before each new attempt")
}

func TestExecute_AdvisorySuppressesRetryOn503(t *testing.T) {
	mock := NewMockTransport().Script(
		RespondHeader(503, "down", http.Header{"X-Should-Retry": []string{"false"}}),
	)
	client := newTestClient(t, mock)

	_, err := client.Execute(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/op",
	})
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, 503, typed.Status)
	assert.Equal(t, 1, mock.CallCount(), "advisory 'false' must win over the 503 heuristic")
}

func TestExecute_AdvisoryHeaderIgnoredOnSuccess(t *testing.T) {
	// Locks in the documented decision: the advisory is authoritative
	// only for non-2xx responses. A 2xx with "true" is still a success.
	mock := NewMockTransport().Script(
		RespondHeader(200, "ok", http.Header{"X-Should-Retry": []string{"true"}}),
	)
	client := newTestClient(t, mock)

	resp, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/op",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 1, mock.CallCount())
}

func TestExecute_AdvisoryForcesRetryOnTerminalStatus(t *testing.T) {
	mock := NewMockTransport().Script(
		RespondHeader(404, "not yet", http.Header{"X-Should-Retry": []string{"true"}}),
		Respond(200, "ok"),
	)
	client := newTestClient(t, mock)

	resp, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/op",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestExecute_UserErrorSurfacesImmediately(t *testing.T) {
	mock := NewMockTransport().StubResponse(400, `{"error":"bad datum"}`)
	client := newTestClient(t, mock)

	_, err := client.Execute(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/op",
	})
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.True(t, typed.UserError())
	assert.False(t, typed.Retryable())
	assert.Equal(t, 1, mock.CallCount())
	assert.Contains(t, string(typed.Body), "bad datum")
}

func TestExecute_TransportFailureIsRetried(t *testing.T) {
	mock := NewMockTransport().Script(
		Fail(errors.New("connection reset by peer")),
		Respond(200, "ok"),
	)
	client := newTestClient(t, mock)

	resp, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/op",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestExecute_CancellationIsTerminal(t *testing.T) {
	mock := NewMockTransport().StubError(context.Canceled)
	client := newTestClient(t, mock)

	_, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/op",
	})
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeCancelled, typed.Code)
	assert.Equal(t, 1, mock.CallCount())
}

func TestExecute_RateLimitSetsSharedDeadlinePerCredential(t *testing.T) {
	table := ratelimit.NewTable()
	mock := NewMockTransport().Script(
		RespondHeader(429, "slow down", http.Header{"Retry-After-Ms": []string{"120"}}),
		Respond(200, "ok"),
	)
	client := newTestClient(t, mock, WithLimiterTable(table), WithCredential("flagged"))

	start := time.Now()
	resp, err := client.Execute(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/sample",
		Class:  endpoint.ClassSampling,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond,
		"second attempt must not start before the server-dictated delay")

	// The unrelated credential's limiter is untouched.
	other := table.ForKey(client.Identity(), "clean")
	assert.False(t, other.ShouldBackoff())
}

func TestExecute_RateLimitHonorsSecondsHeader(t *testing.T) {
	table := ratelimit.NewTable()
	mock := NewMockTransport().Script(
		RespondHeader(429, "slow down", http.Header{"Retry-After": []string{"60"}}),
	)
	client := newTestClient(t, mock, WithLimiterTable(table), WithCredential("cred"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Execute(ctx, Request{
		Method: http.MethodPost,
		Path:   "/v1/sample",
	})
	require.Error(t, err)

	// The deadline outlives the cancelled call: other callers for the
	// same credential observe it.
	limiter := table.ForKey(client.Identity(), "cred")
	assert.True(t, limiter.ShouldBackoff())
	assert.Greater(t, limiter.BackoffRemaining(), 30*time.Second)
}

func TestExecute_PerRequestCredentialOverride(t *testing.T) {
	table := ratelimit.NewTable()
	mock := NewMockTransport().Script(
		RespondHeader(429, "", http.Header{"Retry-After-Ms": []string{"50"}}),
		Respond(200, "ok"),
	)
	client := newTestClient(t, mock, WithLimiterTable(table), WithCredential("default-cred"))

	_, err := client.Execute(context.Background(), Request{
		Method:     http.MethodPost,
		Path:       "/v1/sample",
		Credential: "tenant-b",
	})
	require.NoError(t, err)

	assert.False(t, table.ForKey(client.Identity(), "default-cred").ShouldBackoff())
	assert.Equal(t, uint64(2), table.ForKey(client.Identity(), "tenant-b").Requests())
}

func TestExecute_EmitsOneFinalOutcomeEvent(t *testing.T) {
	sink := &captureSink{}
	mock := NewMockTransport().StubResponse(500, "down")
	client := newTestClient(t, mock, WithTelemetrySink(sink))

	_, err := client.Execute(context.Background(), Request{
		Operation:   "forward_backward",
		Method:      http.MethodPost,
		Path:        "/v1/forward_backward",
		Class:       endpoint.ClassTraining,
		MaxAttempts: 3,
	})
	require.Error(t, err)

	finished := sink.named("request.finished")
	require.Len(t, finished, 1, "one event per logical call, not one per attempt")
	assert.Equal(t, 3, finished[0].Fields["attempts"])
	assert.Equal(t, "http_status", finished[0].Fields["outcome"])
	assert.Equal(t, "training", finished[0].Fields["traffic_class"])
}

func TestExecute_UnknownTrafficClassRejected(t *testing.T) {
	client := newTestClient(t, NewMockTransport())

	_, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/op",
		Class:  endpoint.TrafficClass("bulk"),
	})
	assert.Error(t, err)
}

func TestExecute_AuthorizationAndRequestIDHeaders(t *testing.T) {
	mock := NewMockTransport().StubResponse(200, "ok")
	client := newTestClient(t, mock, WithCredential("secret"))

	_, err := client.Execute(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "/v1/op",
	})
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer secret", reqs[0].Header.Get("Authorization"))
	assert.NotEmpty(t, reqs[0].Header.Get("X-Request-Id"))
}

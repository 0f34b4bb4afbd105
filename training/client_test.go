package training

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftlabs/kiln-go/future"
	"github.com/driftlabs/kiln-go/httpclient"
)

// chunkedService fakes the training surface: dispatches are assigned
// sequential request ids, polls consume per-id scripted bodies.
type chunkedService struct {
	mu          sync.Mutex
	dispatches  int
	dispatchErr map[int]error // chunk index -> forced dispatch failure
	polls       map[string][]string
	pollPos     map[string]int
	pollCounts  map[string]int
	requests    []httpclient.Request
}

func newChunkedService() *chunkedService {
	return &chunkedService{
		dispatchErr: make(map[int]error),
		polls:       make(map[string][]string),
		pollPos:     make(map[string]int),
		pollCounts:  make(map[string]int),
	}
}

func (s *chunkedService) Execute(_ context.Context, req httpclient.Request) (*httpclient.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	switch req.Operation {
	case "forward_backward":
		index := s.dispatches
		s.dispatches++
		if err := s.dispatchErr[index]; err != nil {
			return nil, err
		}
		body := fmt.Sprintf(`{"request_id":"chunk-%d"}`, index)
		return &httpclient.Response{StatusCode: 200, Body: []byte(body), Attempts: 1}, nil

	case "poll_future":
		id := req.Path[strings.LastIndex(req.Path, "/")+1:]
		s.pollCounts[id]++
		script := s.polls[id]
		body := script[len(script)-1]
		if s.pollPos[id] < len(script) {
			body = script[s.pollPos[id]]
			s.pollPos[id]++
		}
		return &httpclient.Response{StatusCode: 200, Body: []byte(body), Attempts: 1}, nil

	default:
		return &httpclient.Response{StatusCode: 200, Attempts: 1}, nil
	}
}

func (s *chunkedService) operationCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.Operation == op {
			n++
		}
	}
	return n
}

func (s *chunkedService) pollCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollCounts[id]
}

func newTestClient(t *testing.T, svc *chunkedService, cfg Config) *Client {
	t.Helper()
	cfg.HeartbeatInterval = time.Hour
	c, err := NewClient(context.Background(), svc, cfg,
		WithPoller(future.NewPoller(svc, future.WithPollInterval(time.Millisecond))),
	)
	require.NoError(t, err)
	return c
}

func resultBody(metrics string, weight float64) string {
	return fmt.Sprintf(`{"type":"result","result":{"metrics":%s,"weight":%g}}`, metrics, weight)
}

func data(n int) []Datum {
	out := make([]Datum, n)
	for i := range out {
		out[i] = Datum{Input: TextInput([]int64{int64(i)})}
	}
	return out
}

func TestNewClient_StartsSession(t *testing.T) {
	svc := newChunkedService()
	c := newTestClient(t, svc, Config{Model: "kiln-7b"})

	assert.NotEmpty(t, c.SessionID())
	assert.Equal(t, 1, svc.operationCount("start_session"))

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 1, svc.operationCount("stop_session"))
}

func TestForwardBackward(t *testing.T) {
	t.Run("given no data, then ErrNoData", func(t *testing.T) {
		c := newTestClient(t, newChunkedService(), Config{Model: "kiln-7b"})
		_, err := c.ForwardBackward(context.Background(), nil)
		assert.ErrorIs(t, err, ErrNoData)
	})

	t.Run("given two chunks, then metrics combine in chunk order", func(t *testing.T) {
		svc := newChunkedService()
		svc.polls["chunk-0"] = []string{
			`{"type":"try_again","queue_state":"running","retry_after_ms":1}`,
			resultBody(`{"loss":2.0}`, 100),
		}
		svc.polls["chunk-1"] = []string{resultBody(`{"loss":1.0}`, 300)}

		c := newTestClient(t, svc, Config{Model: "kiln-7b", ChunkSize: 1})
		combined, err := c.ForwardBackward(context.Background(), data(2))
		require.NoError(t, err)

		assert.Equal(t, 2, combined.Chunks)
		assert.Equal(t, 400.0, combined.TotalWeight)
		assert.InDelta(t, 1.25, combined.Metrics["loss"], 1e-9)
		assert.Equal(t, 2, svc.operationCount("forward_backward"))
	})

	t.Run("given a server-omitted weight, then the chunk sample count stands in", func(t *testing.T) {
		svc := newChunkedService()
		svc.polls["chunk-0"] = []string{resultBody(`{"loss":1.0}`, 0)}

		c := newTestClient(t, svc, Config{Model: "kiln-7b", ChunkSize: 4})
		combined, err := c.ForwardBackward(context.Background(), data(3))
		require.NoError(t, err)
		assert.Equal(t, 3.0, combined.TotalWeight)
	})
}

func TestForwardBackward_FailFastWithDrain(t *testing.T) {
	svc := newChunkedService()
	svc.polls["chunk-0"] = []string{
		`{"type":"try_again","queue_state":"running","retry_after_ms":1}`,
		resultBody(`{"loss":1.0}`, 1),
	}
	svc.polls["chunk-1"] = []string{
		`{"type":"error","error":{"message":"nan loss","category":"user"}}`,
	}
	svc.polls["chunk-2"] = []string{
		`{"type":"try_again","queue_state":"queued","retry_after_ms":1}`,
		`{"type":"try_again","queue_state":"running","retry_after_ms":1}`,
		resultBody(`{"loss":3.0}`, 1),
	}

	c := newTestClient(t, svc, Config{Model: "kiln-7b", ChunkSize: 1})
	_, err := c.ForwardBackward(context.Background(), data(3))
	require.Error(t, err)

	var remote *future.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.UserError())

	// Sibling futures were still polled to their terminal state.
	assert.Equal(t, 2, svc.pollCount("chunk-0"))
	assert.Equal(t, 3, svc.pollCount("chunk-2"))
}

func TestForwardBackward_DispatchFailureDoesNotStopSiblings(t *testing.T) {
	svc := newChunkedService()
	svc.dispatchErr[1] = &httpclient.Error{Code: httpclient.CodeHTTPStatus, Status: 400, Attempts: 1}
	svc.polls["chunk-0"] = []string{resultBody(`{"loss":1.0}`, 1)}
	svc.polls["chunk-2"] = []string{resultBody(`{"loss":3.0}`, 1)}

	c := newTestClient(t, svc, Config{Model: "kiln-7b", ChunkSize: 1})
	_, err := c.ForwardBackward(context.Background(), data(3))
	require.Error(t, err)

	var reqErr *httpclient.Error
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.UserError())

	// Every chunk was still issued, and the issued futures drained.
	assert.Equal(t, 3, svc.operationCount("forward_backward"))
	assert.Equal(t, 1, svc.pollCount("chunk-0"))
	assert.Equal(t, 1, svc.pollCount("chunk-2"))
}

func TestForwardBackward_WirePayload(t *testing.T) {
	svc := newChunkedService()
	svc.polls["chunk-0"] = []string{resultBody(`{"loss":1.0}`, 1)}

	c := newTestClient(t, svc, Config{Model: "kiln-7b"})
	_, err := c.ForwardBackward(context.Background(), []Datum{{
		Input: TextInput([]int64{1, 2}).Append(ImageChunk{Positions: 8}),
		LossInputs: map[string]json.RawMessage{
			"targets": json.RawMessage(`[3,4]`),
		},
	}})
	require.NoError(t, err)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	var dispatch httpclient.Request
	for _, req := range svc.requests {
		if req.Operation == "forward_backward" {
			dispatch = req
		}
	}
	body := dispatch.Body.(map[string]any)
	assert.Equal(t, string(c.SessionID()), body["session_id"])
	payload := body["data"].([]map[string]any)
	require.Len(t, payload, 1)
	input := payload[0]["input"].([]map[string]any)
	require.Len(t, input, 2)
	assert.Equal(t, "text", input[0]["kind"])
	assert.Equal(t, "image", input[1]["kind"])
}

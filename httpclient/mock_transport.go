package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// MockTransport is a configurable http.RoundTripper for tests. It stubs
// responses, scripts per-call sequences and records every request it
// sees. Safe for concurrent use.
type MockTransport struct {
	mu          sync.Mutex
	stubs       []mockStub
	script      []mockStep
	scriptPos   int
	defaultResp *mockStep
	requests    []*http.Request
}

type mockStub struct {
	matcher func(*http.Request) bool
	step    mockStep
}

type mockStep struct {
	status int
	body   string
	header http.Header
	err    error
}

// NewMockTransport creates an empty MockTransport. Without stubs, every
// request returns 200 with an empty body.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse makes every unmatched request return the given status
// and body.
func (m *MockTransport) StubResponse(status int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &mockStep{status: status, body: body}
	return m
}

// StubError makes every unmatched request fail with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &mockStep{err: err}
	return m
}

// StubPath stubs requests whose URL path matches exactly.
func (m *MockTransport) StubPath(path string, status int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, status, body)
}

// StubFunc stubs requests matched by fn.
func (m *MockTransport) StubFunc(fn func(*http.Request) bool, status int, body string) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{
		matcher: fn,
		step:    mockStep{status: status, body: body},
	})
	return m
}

// Script queues responses consumed in order, one per request, before
// stubs are consulted. Once the script is exhausted, stubs and the
// default apply again.
func (m *MockTransport) Script(steps ...MockStep) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range steps {
		m.script = append(m.script, mockStep{
			status: s.Status,
			body:   s.Body,
			header: s.Header,
			err:    s.Err,
		})
	}
	return m
}

// MockStep is one scripted response.
type MockStep struct {
	Status int
	Body   string
	Header http.Header
	Err    error
}

// Respond builds a scripted response step.
func Respond(status int, body string) MockStep {
	return MockStep{Status: status, Body: body}
}

// RespondHeader builds a scripted response step with headers.
func RespondHeader(status int, body string, header http.Header) MockStep {
	return MockStep{Status: status, Body: body, Header: header}
}

// Fail builds a scripted transport failure step.
func Fail(err error) MockStep {
	return MockStep{Err: err}
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req.Clone(req.Context()))

	var step mockStep
	switch {
	case m.scriptPos < len(m.script):
		step = m.script[m.scriptPos]
		m.scriptPos++
	default:
		step = m.match(req)
	}
	m.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}

	header := step.header
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: step.status,
		Status:     http.StatusText(step.status),
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(step.body)),
		Request:    req,
	}, nil
}

// match finds the stub for req; callers hold m.mu.
func (m *MockTransport) match(req *http.Request) mockStep {
	for _, s := range m.stubs {
		if s.matcher(req) {
			return s.step
		}
	}
	if m.defaultResp != nil {
		return *m.defaultResp
	}
	return mockStep{status: http.StatusOK}
}

// Requests returns a copy of all recorded requests.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*http.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many requests were issued.
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

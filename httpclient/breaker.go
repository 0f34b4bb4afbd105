package httpclient

import (
	"errors"
	"net/http"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a request
// without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// breakerTransport guards a RoundTripper with a circuit breaker. Only
// transport-level failures count against the breaker: an HTTP error
// status is a live, answering service, so it must not trip the circuit.
type breakerTransport struct {
	breaker *gobreaker.CircuitBreaker[*http.Response]
	next    http.RoundTripper
}

func newBreakerTransport(next http.RoundTripper, settings gobreaker.Settings) *breakerTransport {
	return &breakerTransport{
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
		next:    next,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		return t.next.RoundTrip(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return resp, nil
}

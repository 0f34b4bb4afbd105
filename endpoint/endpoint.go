// Package endpoint derives canonical endpoint identities from base URLs
// and composes the pool keys used to partition connection pools and
// rate limiters.
//
// Two base URLs that differ only in host case or default-port notation
// normalize to the same Identity:
//
//	a, _ := endpoint.Normalize("https://API.Example.com:443")
//	b, _ := endpoint.Normalize("https://api.example.com")
//	// a == b
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidEndpoint is returned when a base URL cannot be normalized
// into an endpoint identity. A URL must carry an explicit scheme and a
// host; bare hostnames are rejected, not guessed.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Identity is the canonical form of a base URL: explicit scheme,
// lower-cased host, default port stripped. It is the comparable value
// used to key connection pools and rate limiters.
//
// Identity is immutable once computed. It is cheap to recompute and is
// never persisted across process restarts.
type Identity struct {
	scheme string
	host   string
}

// Normalize derives an Identity from a base URL.
//
// Rules:
//   - The URL must have a scheme and a host, otherwise ErrInvalidEndpoint.
//   - The host is lower-cased.
//   - Port 80 is stripped for "http", port 443 for "https".
//   - An explicit non-default port is kept literally, even when it is the
//     default port of the other scheme.
func Normalize(baseURL string) (Identity, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, baseURL, err)
	}
	if u.Scheme == "" {
		return Identity{}, fmt.Errorf("%w: %q: missing scheme", ErrInvalidEndpoint, baseURL)
	}
	if u.Host == "" {
		return Identity{}, fmt.Errorf("%w: %q: missing host", ErrInvalidEndpoint, baseURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}

	return Identity{scheme: scheme, host: host}, nil
}

// Scheme returns the normalized scheme.
func (id Identity) Scheme() string { return id.scheme }

// Host returns the normalized host, including any explicit
// non-default port.
func (id Identity) Host() string { return id.host }

// String returns the canonical "scheme://host[:port]" form.
func (id Identity) String() string {
	return id.scheme + "://" + id.host
}

// IsZero reports whether the identity was never normalized.
func (id Identity) IsZero() bool {
	return id.scheme == "" && id.host == ""
}

// TrafficClass partitions connection pools by workload. Pools are never
// shared across classes even for the same endpoint, because each class
// has distinct concurrency and latency needs.
type TrafficClass string

const (
	// ClassDefault is the fallback class for uncategorized requests.
	ClassDefault TrafficClass = "default"

	// ClassTraining carries gradient and optimizer traffic.
	ClassTraining TrafficClass = "training"

	// ClassSampling carries latency-sensitive sample requests.
	ClassSampling TrafficClass = "sampling"

	// ClassSession carries session create/heartbeat traffic.
	ClassSession TrafficClass = "session"

	// ClassFutures carries future poll traffic.
	ClassFutures TrafficClass = "futures"

	// ClassTelemetry carries telemetry delivery.
	ClassTelemetry TrafficClass = "telemetry"
)

// Classes lists every traffic class, in a stable order.
func Classes() []TrafficClass {
	return []TrafficClass{
		ClassDefault,
		ClassTraining,
		ClassSampling,
		ClassSession,
		ClassFutures,
		ClassTelemetry,
	}
}

// Valid reports whether c is a known traffic class.
func (c TrafficClass) Valid() bool {
	switch c {
	case ClassDefault, ClassTraining, ClassSampling, ClassSession, ClassFutures, ClassTelemetry:
		return true
	}
	return false
}

// PoolKey identifies one logical connection pool: an endpoint identity
// plus a traffic class.
//
// NewPoolKey is the only sanctioned way to construct a PoolKey.
// Assembling one by hand skips URL normalization and risks silent pool
// fragmentation (two keys for what should be one pool).
type PoolKey struct {
	Identity Identity
	Class    TrafficClass
}

// NewPoolKey normalizes baseURL and composes it with a traffic class.
func NewPoolKey(baseURL string, class TrafficClass) (PoolKey, error) {
	id, err := Normalize(baseURL)
	if err != nil {
		return PoolKey{}, err
	}
	if !class.Valid() {
		return PoolKey{}, fmt.Errorf("%w: unknown traffic class %q", ErrInvalidEndpoint, class)
	}
	return PoolKey{Identity: id, Class: class}, nil
}

// KeyFor composes an already-normalized identity with a traffic class.
func KeyFor(id Identity, class TrafficClass) PoolKey {
	return PoolKey{Identity: id, Class: class}
}

// String returns "scheme://host|class", usable as a map key in
// diagnostics output.
func (k PoolKey) String() string {
	return k.Identity.String() + "|" + string(k.Class)
}

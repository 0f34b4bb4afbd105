package httpclient

import (
	"net/http"
	"sync"

	"github.com/driftlabs/kiln-go/endpoint"
)

// poolManager owns one connection pool per (endpoint identity, traffic
// class) pair. Pools for the client's default endpoint are created
// eagerly at construction; pools for any additional endpoint are created
// lazily on first use. Pools are never shared across classes, even for
// the same endpoint.
type poolManager struct {
	mu      sync.RWMutex
	pools   map[endpoint.PoolKey]http.RoundTripper
	configs map[endpoint.TrafficClass]Config

	// override replaces every pool with a single RoundTripper. Used by
	// tests to substitute a MockTransport.
	override http.RoundTripper
}

func newPoolManager(configs map[endpoint.TrafficClass]Config, override http.RoundTripper) *poolManager {
	return &poolManager{
		pools:    make(map[endpoint.PoolKey]http.RoundTripper),
		configs:  configs,
		override: override,
	}
}

// configFor returns the pool configuration for a class, falling back to
// the class preset when no override was registered.
func (p *poolManager) configFor(class endpoint.TrafficClass) Config {
	if cfg, ok := p.configs[class]; ok {
		return cfg
	}
	return ClassConfig(class)
}

// warm eagerly creates the pools for every traffic class of an
// identity.
func (p *poolManager) warm(id endpoint.Identity) {
	for _, class := range endpoint.Classes() {
		p.roundTripperFor(endpoint.KeyFor(id, class))
	}
}

// roundTripperFor returns the pool for a key, creating it on first use.
func (p *poolManager) roundTripperFor(key endpoint.PoolKey) http.RoundTripper {
	if p.override != nil {
		return p.override
	}

	p.mu.RLock()
	rt, ok := p.pools[key]
	p.mu.RUnlock()
	if ok {
		return rt
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rt, ok := p.pools[key]; ok {
		return rt
	}
	rt = p.configFor(key.Class).buildTransport()
	p.pools[key] = rt
	return rt
}

// closeIdle drops idle connections in every pool.
func (p *poolManager) closeIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rt := range p.pools {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// size returns the number of created pools. Intended for tests.
func (p *poolManager) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pools)
}

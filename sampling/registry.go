// Package sampling provides the sampling client and the process-wide
// registry of active sampling identities.
package sampling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/driftlabs/kiln-go/endpoint"
)

// EntryID identifies one registry entry.
type EntryID string

// Config is the configuration snapshot a sampling client registers.
type Config struct {
	// Model names the model sampled against.
	Model string

	// Identity is the owning client's endpoint identity.
	Identity endpoint.Identity

	// Defaults are merged under each sample request's own parameters.
	Defaults map[string]any
}

type entry struct {
	id           EntryID
	cfg          Config
	registeredAt time.Time
}

// Registry tracks active sampling-client identities and their
// configuration. Entries are removed when their owner terminates or on
// explicit Unregister; no entry outlives its owner.
//
// Keys are disjoint per entry, so concurrent registration from many
// owners never contends beyond the map insert itself.
type Registry struct {
	entries sync.Map // EntryID -> *entry
	logger  zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{logger: zerolog.Nop()}
}

// NewRegistryWithLogger creates an empty Registry with a structured
// logger for cleanup events.
func NewRegistryWithLogger(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger}
}

// shared is the process-wide registry. Distinct client instances in one
// process share it so entry lifetime is visible across all of them.
var shared = NewRegistry()

// Shared returns the process-wide registry.
func Shared() *Registry { return shared }

// Register inserts an entry and arms a monitor on the owner context.
// When the owner terminates, the entry is removed automatically; that
// monitor is the only removal path besides an explicit Unregister, so a
// crashed owner cannot leak its entry.
func (r *Registry) Register(owner context.Context, cfg Config) EntryID {
	e := &entry{
		id:           EntryID(uuid.NewString()),
		cfg:          cfg,
		registeredAt: time.Now(),
	}
	r.entries.Store(e.id, e)

	go func() {
		<-owner.Done()
		if _, loaded := r.entries.LoadAndDelete(e.id); loaded {
			r.logger.Debug().
				Str("entry_id", string(e.id)).
				Str("model", cfg.Model).
				Msg("sampling entry removed, owner terminated")
		}
	}()

	return e.id
}

// Unregister removes an entry explicitly. Removing an absent entry is a
// no-op.
func (r *Registry) Unregister(id EntryID) {
	r.entries.Delete(id)
}

// Lookup returns the configuration snapshot for a live entry.
func (r *Registry) Lookup(id EntryID) (Config, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return Config{}, false
	}
	return v.(*entry).cfg, true
}

// Len counts live entries.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Package ratelimit holds the process-wide backoff state shared by every
// request bound for the same endpoint and credential.
//
// Distinct client instances in one process share the same Limiter for the
// same (endpoint identity, credential) pair, so a 429 observed by one
// client slows down all of them. Backoff deadlines use the monotonic
// clock: wall-clock adjustments can neither shorten nor lengthen a wait.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftlabs/kiln-go/endpoint"
)

// monotonicBase anchors all deadlines. time.Since reads the monotonic
// clock, so deadlines stored as offsets from this base are immune to
// wall-clock changes.
var monotonicBase = time.Now()

// now returns the current monotonic offset.
func now() time.Duration {
	return time.Since(monotonicBase)
}

// Limiter is the shared backoff state for one (endpoint, credential)
// pair. All fields are updated atomically; a Limiter is never replaced
// once inserted into a Table.
type Limiter struct {
	// deadline is the monotonic offset (nanoseconds from monotonicBase)
	// before which requests must not proceed. Zero means no backoff.
	deadline atomic.Int64

	// requests counts every request admitted through this limiter.
	requests atomic.Uint64

	// pacer optionally smooths request admission on top of the backoff
	// deadline. Nil when pacing is not configured for the table.
	pacer *rate.Limiter
}

// ShouldBackoff reports whether a backoff deadline is still in the
// future.
func (l *Limiter) ShouldBackoff() bool {
	return time.Duration(l.deadline.Load()) > now()
}

// SetBackoff extends the backoff deadline to `until` from now.
//
// Deadlines are monotonic: a new deadline earlier than the current one
// is a no-op, so a stale 429 can never undo a stricter, more recent one.
func (l *Limiter) SetBackoff(until time.Duration) {
	target := int64(now() + until)
	for {
		cur := l.deadline.Load()
		if cur >= target {
			return
		}
		if l.deadline.CompareAndSwap(cur, target) {
			return
		}
	}
}

// ClearBackoff drops any pending deadline.
func (l *Limiter) ClearBackoff() {
	l.deadline.Store(0)
}

// BackoffRemaining returns how long until the deadline passes, or zero
// when no backoff is pending.
func (l *Limiter) BackoffRemaining() time.Duration {
	remaining := time.Duration(l.deadline.Load()) - now()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitForBackoff suspends the calling goroutine until the backoff
// deadline passes, then admits the request through the pacer (when one
// is configured) and counts it.
//
// This is a deliberate scheduling suspension, not a fast-fail: callers
// that must not wait should check ShouldBackoff first. The wait respects
// ctx cancellation.
func (l *Limiter) WaitForBackoff(ctx context.Context) error {
	// The deadline can be extended while we sleep, so re-check after
	// every timer fire.
	for {
		remaining := l.BackoffRemaining()
		if remaining == 0 {
			break
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	l.requests.Add(1)
	return nil
}

// Requests returns how many requests this limiter has admitted.
func (l *Limiter) Requests() uint64 {
	return l.requests.Load()
}

// Table maps (endpoint identity, credential) pairs to shared Limiters.
//
// Entries are created at most once per key and live for the process
// lifetime. They are small and bounded by the number of distinct
// (endpoint, credential) pairs in use.
// tableKey identifies one limiter. A comparable struct rather than a
// joined string, so no credential content can collide with the key
// encoding.
type tableKey struct {
	identity   endpoint.Identity
	credential string
}

type Table struct {
	limiters sync.Map // tableKey -> *Limiter

	// pacing applies to newly created limiters. Zero disables pacing.
	pacingRPS   float64
	pacingBurst int
}

// NewTable creates an empty limiter table without pacing.
func NewTable() *Table {
	return &Table{}
}

// NewPacedTable creates a table whose limiters also smooth admission to
// rps requests per second with the given burst, on top of server-dictated
// backoff deadlines.
func NewPacedTable(rps float64, burst int) *Table {
	if burst <= 0 {
		burst = 1
	}
	return &Table{pacingRPS: rps, pacingBurst: burst}
}

// shared is the process-wide table used when callers do not bring their
// own. Distinct clients sharing a process share backoff knowledge.
var shared = NewTable()

// Shared returns the process-wide table.
func Shared() *Table {
	return shared
}

// ForKey returns the Limiter for the given pair, creating it on first
// use. Creation is race-safe: the first inserter wins and every loser
// discovers and reuses the winner's entry.
func (t *Table) ForKey(id endpoint.Identity, credential string) *Limiter {
	key := tableKey{identity: id, credential: credential}
	if existing, ok := t.limiters.Load(key); ok {
		return existing.(*Limiter)
	}

	fresh := &Limiter{}
	if t.pacingRPS > 0 {
		fresh.pacer = rate.NewLimiter(rate.Limit(t.pacingRPS), t.pacingBurst)
	}
	actual, _ := t.limiters.LoadOrStore(key, fresh)
	return actual.(*Limiter)
}

// Len returns the number of distinct keys in the table. Intended for
// diagnostics and tests.
func (t *Table) Len() int {
	n := 0
	t.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

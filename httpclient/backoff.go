package httpclient

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Ensure the strategy satisfies the backoff.BackOff interface so it can
// be swapped for any other cenkalti/backoff strategy.
var _ backoff.BackOff = (*FullJitterBackOff)(nil)

// FullJitterBackOff doubles a base delay per attempt and draws the
// actual delay uniformly over the full range [0, base]. Drawing over the
// full range, rather than a reduced-floor range, de-synchronizes retry
// storms across many clients hammering the same recovering service.
//
// Delay calculation per attempt:
//
//	base  = min(MaxInterval, InitialInterval << attempt)
//	delay = uniform[0, base]
type FullJitterBackOff struct {
	// InitialInterval is the base delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the base delay. The cap applies to the jitter
	// upper bound; the drawn delay is always <= base.
	MaxInterval time.Duration

	attempt int
}

// NewFullJitterBackOff creates a FullJitterBackOff from a retry policy.
func NewFullJitterBackOff(policy RetryPolicy) *FullJitterBackOff {
	return &FullJitterBackOff{
		InitialInterval: policy.InitialBackoff,
		MaxInterval:     policy.MaxBackoff,
	}
}

// Reset restarts the doubling sequence.
func (b *FullJitterBackOff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the next delay.
func (b *FullJitterBackOff) NextBackOff() time.Duration {
	base := b.InitialInterval
	for i := 0; i < b.attempt && base < b.MaxInterval; i++ {
		base *= 2
	}
	if base > b.MaxInterval {
		base = b.MaxInterval
	}
	b.attempt++

	if base <= 0 {
		return 0
	}
	//nolint:gosec // weak rand is fine for jitter
	return time.Duration(rand.Int64N(int64(base) + 1))
}

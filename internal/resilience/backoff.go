// Package resilience provides retry classification and jittered exponential
// backoff for per-item pipeline failures.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes jittered exponential delays: base × 2^attempt, with up to
// ±25% uniform jitter, capped at Max. The zero value is not usable; construct
// with [NewBackoff].
type Backoff struct {
	base time.Duration
	max  time.Duration
}

// DefaultMaxDelay bounds a single backoff sleep regardless of attempt count.
const DefaultMaxDelay = 5 * time.Minute

// NewBackoff returns a Backoff with the given base delay. A non-positive base
// falls back to one second.
func NewBackoff(base time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	return Backoff{base: base, max: DefaultMaxDelay}
}

// Delay returns the sleep duration for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.base << uint(min(attempt, 20))
	if d > b.max {
		d = b.max
	}
	// ±25% jitter spreads retries from items that failed together.
	jitter := time.Duration(rand.Int64N(int64(d)/2+1)) - d/4
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep blocks for the attempt's delay or until ctx is cancelled, returning
// ctx.Err() in the latter case.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

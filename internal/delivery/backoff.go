package delivery

import (
	"math/rand/v2"
	"time"
)

// Backoff is an exponential delay that doubles up to a cap.
// It is not safe for concurrent use; each loop owns its own.
type Backoff struct {
	min time.Duration
	max time.Duration
	cur time.Duration
}

// NewBackoff returns a backoff starting at minDelay and capped at maxDelay.
func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Backoff{min: minDelay, max: maxDelay, cur: minDelay}
}

// Current returns the current delay.
func (b *Backoff) Current() time.Duration {
	return b.cur
}

// Reset returns the delay to the minimum.
func (b *Backoff) Reset() {
	b.cur = b.min
}

// Advance doubles the delay, capped at the maximum, and returns the new value.
func (b *Backoff) Advance() time.Duration {
	next := b.cur * 2
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.cur = next
	return b.cur
}

// Int64N returns a uniform value in [0, n). math/rand/v2.Int64N matches.
type Int64N func(n int64) int64

// Jitter spreads base uniformly over base ± base/2, never below base/2.
// A nil rnd uses math/rand/v2.
func Jitter(base time.Duration, rnd Int64N) time.Duration {
	if base <= 1 {
		return 1
	}
	if rnd == nil {
		rnd = rand.Int64N
	}
	spread := int64(base / 2)
	offset := rnd(2*spread+1) - spread
	d := base + time.Duration(offset)
	if floor := base / 2; d < floor {
		d = floor
	}
	return d
}

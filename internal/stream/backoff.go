package stream

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Base * 2^attempt, Max) plus a random
// jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration

	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64
}

// DefaultBackoff returns the delays used when the configuration omits them.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Jitter: 500 * time.Millisecond,
	}
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max < base {
		max = base
	}

	wait := base
	for i := 0; i < attempt; i++ {
		if wait >= max/2 {
			wait = max
			break
		}
		wait *= 2
	}
	if wait > max {
		wait = max
	}

	if b.Jitter <= 0 {
		return wait
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Int64N
	}
	return wait + time.Duration(rnd(int64(b.Jitter)))
}

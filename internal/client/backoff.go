package client

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Base*2^(attempt-1), Max), scaled by
// a uniform factor in [1-Jitter, 1+Jitter] so that many clients dropped at
// the same moment do not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.1}
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}

	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(ceiling) {
		d = float64(ceiling)
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d += d * b.Jitter * (r()*2 - 1)
	}
	return time.Duration(d)
}

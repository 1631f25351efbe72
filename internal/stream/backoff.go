package stream

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes full-jitter exponential reconnect delays: each
// attempt draws uniformly from [0, min(cap, base*2^attempt)].
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
	// Rand returns a value in [0,1). Injected for tests.
	Rand func() float64
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Cap: 300 * time.Second}
}

func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	limit := p.Cap
	if limit <= 0 {
		limit = 300 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	ceiling := limit
	if attempt < 63 {
		d := base << uint(attempt)
		if d > 0 && d < limit {
			ceiling = d
		}
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(ceiling))
}

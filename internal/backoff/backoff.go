// Package backoff paces retries within a wave: exponential delay with a
// cap and uniform jitter.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultBase   = 5 * time.Second
	DefaultMax    = 300 * time.Second
	defaultJitter = 0.20
)

// Policy computes retry delays. The zero value is unusable; construct
// with NewPolicy.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the raw delay, applied as ± uniform noise

	rnd *rand.Rand
}

// NewPolicy returns a Policy with defaults filled in for zero fields.
func NewPolicy(base, max time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Policy{Base: base, Max: max, Jitter: defaultJitter}
}

// WithRand fixes the jitter source, for tests.
func (p *Policy) WithRand(rnd *rand.Rand) *Policy {
	p.rnd = rnd
	return p
}

// Delay returns the pause before retry number attempt (1-based). The raw
// delay is Base doubled per attempt above 1, capped at Max, then jittered
// by ±Jitter. The result never drops below Base-with-jitter's floor and
// never below zero.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	raw := p.Base
	for i := 1; i < attempt; i++ {
		raw *= 2
		if raw >= p.Max {
			raw = p.Max
			break
		}
	}
	if raw > p.Max {
		raw = p.Max
	}

	if p.Jitter <= 0 {
		return raw
	}

	// noise in [-Jitter, +Jitter]
	noise := (p.randFloat()*2 - 1) * p.Jitter
	d := time.Duration(float64(raw) * (1 + noise))

	floor := time.Duration(float64(p.Base) * (1 - p.Jitter))
	if d < floor {
		d = floor
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (p *Policy) randFloat() float64 {
	if p.rnd != nil {
		return p.rnd.Float64()
	}
	return rand.Float64()
}

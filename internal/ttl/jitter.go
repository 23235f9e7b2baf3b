// Package ttl computes entry lifetimes for the distributed tier.
package ttl

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultJitterPercent spreads expiry by ±10%.
	DefaultJitterPercent = 0.10

	// MaxJitterPercent caps the spread so a TTL never drops below half its base.
	MaxJitterPercent = 0.5
)

// Jitterer adds bounded random jitter to TTLs so that keys written together
// do not expire together.
type Jitterer struct {
	rnd func() float64
}

// NewJitterer returns a Jitterer drawing from the global random source.
func NewJitterer() *Jitterer {
	return &Jitterer{rnd: rand.Float64}
}

// NewSeededJitterer returns a Jitterer with a deterministic source.
func NewSeededJitterer(seed uint64) *Jitterer {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Jitterer{rnd: r.Float64}
}

// WithJitter returns a duration uniformly distributed in
// [base*(1-p), base*(1+p)] where p = min(percent, 0.5). Non-positive base
// TTLs and non-positive percents are returned unchanged.
func (j *Jitterer) WithJitter(base time.Duration, percent float64) time.Duration {
	if base <= 0 || percent <= 0 {
		return base
	}
	p := min(percent, MaxJitterPercent)

	// rnd is in [0,1); map it onto [-p, +p]
	factor := 1 + p*(2*j.rnd()-1)
	return time.Duration(float64(base) * factor)
}

var defaultJitterer = NewJitterer()

// WithJitter applies jitter using the package default source.
func WithJitter(base time.Duration, percent float64) time.Duration {
	return defaultJitterer.WithJitter(base, percent)
}

// ExtendForHotKey multiplies base by multiplier when multiplier > 1.
func ExtendForHotKey(base time.Duration, multiplier float64) time.Duration {
	if multiplier <= 1 {
		return base
	}
	return time.Duration(float64(base) * multiplier)
}

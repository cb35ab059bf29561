// Package backoff computes retry delays: exponential growth with
// proportional jitter, clamped to a maximum.
package backoff

import (
	"math/rand/v2"
	"time"
)

// jitterFraction is the upper bound of the random component, as a fraction
// of the exponential delay.
const jitterFraction = 0.3

// Delay returns base·2^n plus uniform(0, 0.3·base·2^n), capped at max.
// n counts completed attempts, so the first retry (n=0) waits at least base.
func Delay(base time.Duration, n int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	jitter := time.Duration(rand.Int64N(int64(float64(d)*jitterFraction) + 1))
	if d+jitter > max {
		return max
	}
	return d + jitter
}

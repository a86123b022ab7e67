package fetchgate

import (
	"math/rand/v2"
	"time"
)

const maxExponent = 10

// Backoff returns the delay before retry number attempt (1-indexed):
// base * 2^(attempt-1), capped at max, with ±25% jitter when rng is
// non-nil. Attempts ≤ 0 return 0.
func Backoff(attempt int, base, max time.Duration, rng *rand.Rand) time.Duration {
	if attempt <= 0 {
		return 0
	}
	exponent := min(attempt-1, maxExponent)
	delay := base * time.Duration(1<<exponent)
	if delay > max {
		delay = max
	}
	if rng != nil {
		jitter := float64(delay) * 0.25 * (rng.Float64()*2 - 1)
		delay += time.Duration(jitter)
	}
	if delay < 0 {
		return 0
	}
	return delay
}

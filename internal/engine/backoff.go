package engine

import (
	"math/rand/v2"
	"time"
)

// Calculate returns the delay before retry number attempt (zero-based).
//
// A positive hint, typically a provider Retry-After, wins and is clamped to
// [0, maxDelay]. In exponential mode the delay is min(base*2^attempt, maxDelay)
// plus up to 50% jitter, never exceeding maxDelay. Otherwise base is used,
// clamped to maxDelay.
func Calculate(attempt int, base, maxDelay time.Duration, exponential bool, hint time.Duration) time.Duration {
	return calculate(attempt, base, maxDelay, exponential, hint, rand.Float64)
}

func calculate(attempt int, base, maxDelay time.Duration, exponential bool, hint time.Duration, jitter func() float64) time.Duration {
	if maxDelay < 0 {
		maxDelay = 0
	}
	if hint > 0 {
		return min(hint, maxDelay)
	}
	if base <= 0 {
		return 0
	}
	if !exponential {
		return min(base, maxDelay)
	}

	delay := min(base, maxDelay)
	for i := 0; i < attempt && delay < maxDelay; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}

	spread := time.Duration(float64(delay) * 0.5 * jitter())
	return delay + min(spread, maxDelay-delay)
}

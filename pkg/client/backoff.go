package client

import "time"

// NextDelay returns how long to wait after the given failed attempt (1-based)
// before retrying: base * 2^(attempt-1), capped at max when max > 0. The
// result depends only on the inputs; if jitter is ever wanted it must arrive
// as an explicit input so the policy stays testable.
func NextDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 {
			// Overflowed; the cap (or a huge wait) is the only sane answer.
			if max > 0 {
				return max
			}
			return 1 << 62
		}
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after `attempt`
// attempts have already run.
func ShouldRetry(attempt, maxRetries int) bool {
	return attempt < maxRetries
}

package queue

import (
	"time"
)

const maxBackoff = time.Hour

// CalculateBackoff returns the delay before the attempt that follows a
// failed attempt.
func CalculateBackoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Backoff {
	case BackoffFixed:
		delay = p.Delay
	default:
		shift := min(attempt-1, 30)
		delay = p.Delay * time.Duration(1<<uint(shift))
	}

	if delay > maxBackoff || delay < 0 {
		delay = maxBackoff
	}

	return delay
}

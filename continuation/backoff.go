package continuation

import (
	"time"
)

// maxBackoff caps the delay between parent resume attempts
const maxBackoff = 5 * time.Second

// backoff calculates the delay before a retry attempt.
// Exponential: base * 2^(attempt-1), capped at maxBackoff. Returns 0 for
// attempt 0.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 16 {
		return maxBackoff
	}
	d := base * time.Duration(1<<(attempt-1))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

package queue

import "time"

const (
	retryBase = time.Second
	retryCap  = 30 * time.Second
)

// RetryBackoff returns how long a failed subtask waits before it is
// claimable again: 1s doubling per attempt, capped at 30s.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase << (attempt - 1)
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}

package conn

import "time"

const (
	DefaultBaseDelay   = 2000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond
	DefaultMaxAttempts = 5
	DefaultFlushDelay  = 100 * time.Millisecond
)

// Backoff returns min(base * 2^attempt, max).
func Backoff(attempt int, base time.Duration, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

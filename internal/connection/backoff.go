package connection

import "time"

// Backoff is the reconnect policy: capped exponential delay with a bounded
// number of automatic attempts.
type Backoff struct {
	Base        time.Duration // Delay before the first retry
	Max         time.Duration // Cap applied to every delay
	MaxAttempts int           // Automatic retries before giving up
}

// DefaultBackoff returns 1s base, 30s cap, 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns min(Base * 2^attempt, Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := b.Base
	for i := 0; i < attempt; i++ {
		if wait >= b.Max || wait > b.Max/2 {
			return b.Max
		}
		wait *= 2
	}
	if wait > b.Max {
		return b.Max
	}
	return wait
}

// Exhausted reports whether attempt has used up the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}

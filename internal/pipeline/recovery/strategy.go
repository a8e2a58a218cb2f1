package recovery

import (
	"math"
	"time"
)

// Backoff computes the delay before a message is retried from its own
// retry count, so delays escalate across drain runs.
type Backoff struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultBackoff returns 1s, 2s, 4s ... capped at 10s. Drains run inside a
// short host budget, so the cap stays small.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// Delay calculates InitialDelay * 2^retryCount.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(b.InitialDelay) * math.Pow(2, float64(retryCount))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

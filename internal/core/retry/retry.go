package retry

import (
	"context"
	"math"
	"time"

	retrygo "github.com/avast/retry-go"
)

// Config is the yaml form of a retry policy.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultConfig provides sensible defaults for upstream calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
	}
}

// Policy converts the config into a Policy using the default classifier.
func (c Config) Policy() Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff: Backoff{
			InitialDelay: c.InitialDelay,
			MaxDelay:     c.MaxDelay,
		},
	}
}

// Backoff computes InitialDelay * 2^attempt, capped at MaxDelay.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the wait before the given attempt (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.InitialDelay) * math.Pow(2, float64(attempt))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Policy describes how Do retries.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// Retryable overrides IsRetryable when set.
	Retryable func(error) bool
	// OnRetry is called after every failed attempt classified as retryable.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	classify := p.Retryable
	if classify == nil {
		classify = IsRetryable
	}

	return retrygo.Do(
		func() error {
			return fn(ctx)
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(attempts)),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return p.Backoff.Delay(int(n))
		}),
		retrygo.RetryIf(classify),
		retrygo.LastErrorOnly(true),
		retrygo.OnRetry(func(n uint, err error) {
			if p.OnRetry != nil {
				p.OnRetry(int(n), err)
			}
		}),
	)
}

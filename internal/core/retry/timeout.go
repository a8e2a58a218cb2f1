package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when a call exceeds its own timeout. It is always
// retryable.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// WithTimeout runs fn with a deadline of d. The call is abandoned when the
// deadline passes even if fn ignores its context. A non-positive d runs fn
// directly.
func WithTimeout[T any](
	ctx context.Context,
	d time.Duration,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.v, &TimeoutError{After: d}
		}
		return r.v, r.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, &TimeoutError{After: d}
	}
}

// Run is WithTimeout for calls without a result.
func Run(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	_, err := WithTimeout(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

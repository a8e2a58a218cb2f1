// Package background runs detached work that must not block a stage's
// synchronous return but whose outcome is still logged.
package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// Task is a unit of detached work.
type Task func(ctx context.Context) error

// Group tracks submitted tasks until they finish.
type Group struct {
	timeout time.Duration
	wg      sync.WaitGroup
	log     *slog.Logger

	mu       sync.Mutex
	pending  int
	failures int
}

// NewGroup creates a group whose tasks each run under their own timeout.
func NewGroup(timeout time.Duration) *Group {
	return &Group{
		timeout: timeout,
		log:     slog.Default().With("component", "background"),
	}
}

// Submit starts task in its own goroutine. The task's context is detached
// from the caller so the invocation can return while it runs.
func (g *Group) Submit(description string, task Task) {
	g.mu.Lock()
	g.pending++
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			g.mu.Lock()
			g.pending--
			g.mu.Unlock()
		}()

		ctx := context.Background()
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		start := time.Now()
		err := runSafely(ctx, task)
		if err != nil {
			g.mu.Lock()
			g.failures++
			g.mu.Unlock()
			metrics.BackgroundTasks.WithLabelValues(description, "failure").Inc()
			g.log.Error("Background task failed",
				"task", description,
				"elapsed", time.Since(start),
				"error", err,
			)
			return
		}
		metrics.BackgroundTasks.WithLabelValues(description, "success").Inc()
		g.log.Info("Background task finished", "task", description, "elapsed", time.Since(start))
	}()
}

// Wait blocks until every submitted task finished or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		pending := g.pending
		g.mu.Unlock()
		g.log.Warn("Stopped waiting for background tasks", "pending", pending)
		return ctx.Err()
	}
}

// failureCount returns how many tasks have failed so far.
func (g *Group) failureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return task(ctx)
}

// PanicError wraps a recovered panic from a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "background task panicked"
}

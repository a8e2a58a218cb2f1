package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroup_SubmitDoesNotBlock(t *testing.T) {
	g := NewGroup(time.Second)
	release := make(chan struct{})

	start := time.Now()
	g.Submit("slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("Submit must return immediately")
	}

	close(release)
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestGroup_TracksFailures(t *testing.T) {
	g := NewGroup(time.Second)
	var ran atomic.Int32

	g.Submit("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	g.Submit("broken", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("upload failed")
	})
	g.Submit("panics", func(ctx context.Context) error {
		ran.Add(1)
		panic("boom")
	})

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("expected 3 tasks to run, got %d", ran.Load())
	}
	if g.failureCount() != 2 {
		t.Errorf("expected 2 failures, got %d", g.failureCount())
	}
}

func TestGroup_WaitHonoursContext(t *testing.T) {
	g := NewGroup(0)
	release := make(chan struct{})
	defer close(release)

	g.Submit("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestGroup_TaskTimeout(t *testing.T) {
	g := NewGroup(10 * time.Millisecond)
	g.Submit("bounded", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if g.failureCount() != 1 {
		t.Errorf("expected the timed-out task to count as a failure")
	}
}

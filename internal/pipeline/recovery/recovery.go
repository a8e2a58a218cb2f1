// Package recovery drains the fail queue.
//
// A drain claims up to DrainLimit messages. Claiming deletes them from the
// active namespace, so concurrent drains never process the same message.
// Messages that have used up their retries, or that name a stage nothing can
// replay, go to the dead-letter namespace. The rest are replayed in small
// concurrent groups; a failed replay is re-enqueued with retryCount+1.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/retry"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// Replayer re-runs one failed unit of work for its stage.
type Replayer interface {
	Replay(ctx context.Context, payload domain.FailPayload, guard *budget.Guard) error
}

// Config holds drain settings.
type Config struct {
	DrainLimit  int           `yaml:"drain_limit"`
	MaxRetries  int           `yaml:"max_retries"`
	Concurrency int           `yaml:"concurrency"`
	BatchPause  time.Duration `yaml:"batch_pause"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Backoff     Backoff       `yaml:"backoff"`
}

// DefaultConfig returns default drain settings.
func DefaultConfig() Config {
	return Config{
		DrainLimit:  20,
		MaxRetries:  3,
		Concurrency: 5,
		BatchPause:  500 * time.Millisecond,
		CallTimeout: 60 * time.Second,
		Backoff:     DefaultBackoff(),
	}
}

type outcome string

const (
	outcomeSucceeded    outcome = "succeeded"
	outcomeRequeued     outcome = "requeued"
	outcomeDeferred     outcome = "deferred"
	outcomeDeadLettered outcome = "dead_lettered"
)

// Drainer is the retry stage.
type Drainer struct {
	cfg       Config
	active    storage.FailQueue
	dead      storage.FailQueue
	replayers map[domain.Stage]Replayer
	sleep     func(ctx context.Context, d time.Duration) error
	log       *slog.Logger
}

// NewDrainer creates a drainer dispatching by originating stage.
func NewDrainer(
	cfg Config,
	active, dead storage.FailQueue,
	replayers map[domain.Stage]Replayer,
) *Drainer {
	def := DefaultConfig()
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = def.DrainLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Drainer{
		cfg:       cfg,
		active:    active,
		dead:      dead,
		replayers: replayers,
		sleep:     sleepCtx,
		log:       slog.Default().With("component", "recovery"),
	}
}

// Run performs one drain.
func (d *Drainer) Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error) {
	var report domain.StageReport

	msgs, claimErr := d.active.Claim(ctx, d.cfg.DrainLimit)
	if claimErr != nil {
		claimErr = fmt.Errorf("failed to claim fail queue messages: %w", claimErr)
		if len(msgs) == 0 {
			return report, claimErr
		}
		d.log.Error("Claim failed part way, draining what was claimed", "claimed", len(msgs), "error", claimErr)
	}
	if len(msgs) == 0 {
		d.log.Debug("Fail queue empty")
		return report, nil
	}

	var retryable []*domain.FailQueueMessage
	for _, msg := range msgs {
		_, known := d.replayers[msg.Payload.Stage]
		if msg.RetryCount >= d.cfg.MaxRetries || !known {
			d.deadLetter(ctx, msg, known)
			continue
		}
		retryable = append(retryable, msg)
	}

	outcomes := make([]outcome, len(retryable))
	for start := 0; start < len(retryable); start += d.cfg.Concurrency {
		if start > 0 {
			if guard.Critical() {
				report.Interrupted = true
				d.deferAll(retryable[start:], outcomes[start:])
				break
			}
			if d.cfg.BatchPause > 0 {
				if err := d.sleep(ctx, d.cfg.BatchPause); err != nil {
					d.deferAll(retryable[start:], outcomes[start:])
					break
				}
			}
		}
		if guard.ShouldStop() || ctx.Err() != nil {
			report.Interrupted = true
			d.deferAll(retryable[start:], outcomes[start:])
			break
		}

		end := min(start+d.cfg.Concurrency, len(retryable))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = d.retryOne(ctx, retryable[i], guard)
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, o := range outcomes {
		switch o {
		case outcomeSucceeded:
			report.Items++
		case outcomeRequeued:
			report.Failed++
		}
	}
	d.log.Info("Fail queue drained",
		"claimed", len(msgs),
		"retried", len(retryable),
		"succeeded", report.Items,
		"requeued", report.Failed,
	)
	return report, claimErr
}

// retryOne waits the message's backoff, then replays it under its own
// timeout.
func (d *Drainer) retryOne(ctx context.Context, msg *domain.FailQueueMessage, guard *budget.Guard) outcome {
	log := d.log.With("message_id", msg.ID, "stage", msg.Payload.Stage, "partition", msg.Payload.Partition)

	wait := d.cfg.Backoff.Delay(msg.RetryCount)
	if wait >= guard.Remaining() {
		log.Debug("Backoff outlasts the time budget, deferring", "wait", wait)
		return d.restore(ctx, msg)
	}
	if err := d.sleep(ctx, wait); err != nil {
		return d.restore(ctx, msg)
	}

	replayer := d.replayers[msg.Payload.Stage]
	err := retry.Run(ctx, d.cfg.CallTimeout, func(ctx context.Context) error {
		return replayer.Replay(ctx, msg.Payload, guard)
	})
	switch {
	case err == nil:
		metrics.RetryResults.WithLabelValues(string(outcomeSucceeded)).Inc()
		log.Info("Replay succeeded", "retry_count", msg.RetryCount)
		return outcomeSucceeded
	case errors.Is(err, domain.ErrInterrupted), ctx.Err() != nil:
		return d.restore(ctx, msg)
	}

	log.Warn("Replay failed", "retry_count", msg.RetryCount, "error", err)
	next := &domain.FailQueueMessage{
		Payload:    msg.Payload,
		RetryCount: msg.RetryCount + 1,
		Error:      err.Error(),
	}
	if err := d.enqueue(ctx, d.active, next); err != nil {
		log.Error("Failed to re-enqueue message", "error", err)
	}
	metrics.RetryResults.WithLabelValues(string(outcomeRequeued)).Inc()
	return outcomeRequeued
}

// restore puts an unattempted message back unchanged.
func (d *Drainer) restore(ctx context.Context, msg *domain.FailQueueMessage) outcome {
	if err := d.enqueue(ctx, d.active, msg); err != nil {
		d.log.Error("Failed to restore message", "message_id", msg.ID, "error", err)
	}
	metrics.RetryResults.WithLabelValues(string(outcomeDeferred)).Inc()
	return outcomeDeferred
}

func (d *Drainer) deferAll(msgs []*domain.FailQueueMessage, outcomes []outcome) {
	for i, msg := range msgs {
		outcomes[i] = d.restore(context.Background(), msg)
	}
}

func (d *Drainer) deadLetter(ctx context.Context, msg *domain.FailQueueMessage, known bool) {
	log := d.log.With("message_id", msg.ID, "stage", msg.Payload.Stage, "retry_count", msg.RetryCount)
	if !known {
		log.Warn("No replayer for stage, dead-lettering")
	} else {
		log.Warn("Retries exhausted, dead-lettering", "error", msg.Error)
	}
	if err := d.enqueue(ctx, d.dead, msg); err != nil {
		// The message is lost from both namespaces; the log is all that is left.
		log.Error("Failed to dead-letter message", "payload", msg.Payload, "error", err)
		return
	}
	metrics.RetryResults.WithLabelValues(string(outcomeDeadLettered)).Inc()
}

func (d *Drainer) enqueue(ctx context.Context, q storage.FailQueue, msg *domain.FailQueueMessage) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return q.Enqueue(saveCtx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

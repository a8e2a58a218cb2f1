// Package fetch implements the resumable paginated ingestion stages.
//
// Both stages walk partitions page by page under a budget.Guard. A page is
// fetched with a per-call timeout and retried on transient errors, then
// validated and persisted with conflict-ignore semantics, so re-fetching a
// page is harmless. A page shorter than the page size (or empty) ends the
// partition. When the guard trips, the stage saves the partition and page it
// was about to fetch and returns; the next invocation resumes exactly there.
// A page that still fails after its retries is written to the fail queue and
// the stage moves on to the next partition.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/retry"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
	"github.com/vietddude/placepipe/internal/pipeline/persist"
)

// PageSource fetches one page of one partition.
type PageSource interface {
	FetchPage(ctx context.Context, q domain.PageQuery) (domain.Page, error)
}

// PartitionSource lists the partitions of the dataset from an offset.
type PartitionSource interface {
	List(ctx context.Context, offset, limit int) ([]domain.Partition, error)
}

// Config holds settings shared by both fetch stages.
type Config struct {
	PageSize int `yaml:"page_size"`
	// PartitionsPerRun bounds how many partitions one invocation lists.
	PartitionsPerRun int `yaml:"partitions_per_run"`
	// CallTimeout bounds a single page request.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// IncrementalStart is the first date (YYYYMMDD) of the incremental
	// window when no watermark exists yet. Empty means yesterday.
	IncrementalStart string `yaml:"incremental_start"`
	// Timezone the upstream uses for modification dates.
	Timezone string `yaml:"timezone"`

	Retry   retry.Config        `yaml:"retry"`
	Persist persist.Config      `yaml:"persist"`
	Bounds  persist.BoundingBox `yaml:"bounds"`
}

// DefaultConfig returns default fetch settings.
func DefaultConfig() Config {
	return Config{
		PageSize:         1000,
		PartitionsPerRun: 20,
		CallTimeout:      30 * time.Second,
		Timezone:         "Asia/Seoul",
		Retry:            retry.DefaultConfig(),
		Persist:          persist.DefaultConfig(),
		Bounds:           persist.KoreaBounds,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.PartitionsPerRun <= 0 {
		c.PartitionsPerRun = def.PartitionsPerRun
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	if c.Bounds.Empty() {
		c.Bounds = def.Bounds
	}
	return c
}

// partitionResult is the outcome of walking one partition.
type partitionResult struct {
	Items int
	Pages int
	// NextPage is the page that was not completed: the resume point when
	// Interrupted, the failing page when an error is returned.
	NextPage    int
	Interrupted bool
}

// fetcher is the page loop shared by both stages.
type fetcher struct {
	cfg       Config
	stage     domain.Stage
	pages     PageSource
	writer    *persist.Writer[domain.RawRecord]
	failQueue storage.FailQueue
	policy    retry.Policy
	log       *slog.Logger
}

func newFetcher(
	cfg Config,
	stage domain.Stage,
	pages PageSource,
	raw storage.RawRecordRepository,
	failQueue storage.FailQueue,
) fetcher {
	cfg = cfg.withDefaults()
	return fetcher{
		cfg:       cfg,
		stage:     stage,
		pages:     pages,
		writer:    persist.NewWriter[domain.RawRecord]("raw_records", raw, cfg.Persist),
		failQueue: failQueue,
		policy:    cfg.Retry.Policy(),
		log:       slog.Default().With("component", "fetch", "stage", stage),
	}
}

// runPartition fetches partition p from startPage until its last page, the
// guard trips, or a page fails after retries.
func (f *fetcher) runPartition(
	ctx context.Context,
	p domain.Partition,
	startPage int,
	guard *budget.Guard,
) (partitionResult, error) {
	res := partitionResult{NextPage: max(startPage, 1)}

	for {
		if guard.ShouldStop() || ctx.Err() != nil {
			res.Interrupted = true
			f.log.Info("Time budget reached, suspending",
				"partition", p.Key,
				"page", res.NextPage,
				"elapsed", guard.Elapsed(),
			)
			return res, nil
		}

		page, err := f.fetchPage(ctx, p, res.NextPage)
		if err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
				return res, nil
			}
			return res, fmt.Errorf("partition %s page %d: %w", p.Key, res.NextPage, err)
		}
		if page.Items == 0 {
			return res, nil
		}

		valid, _ := persist.PrepareRaw(page.Records, f.cfg.Bounds, f.log)
		out, err := f.writer.Persist(ctx, valid)
		if err != nil {
			// Only cancellation aborts Persist; the page is refetched on resume.
			res.Interrupted = true
			return res, nil
		}
		res.Items += out.Inserted
		res.Pages++

		f.log.Debug("Page persisted",
			"partition", p.Key,
			"page", res.NextPage,
			"items", page.Items,
			"records", len(page.Records),
			"inserted", out.Inserted,
		)

		if page.Items < f.cfg.PageSize {
			return res, nil
		}
		res.NextPage++
	}
}

// fetchPage fetches one page with a per-call timeout and retries.
func (f *fetcher) fetchPage(ctx context.Context, p domain.Partition, page int) (domain.Page, error) {
	policy := f.policy
	policy.OnRetry = func(attempt int, err error) {
		f.log.Warn("Page fetch failed",
			"partition", p.Key,
			"page", page,
			"attempt", attempt+1,
			"error", err,
		)
	}

	var result domain.Page
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		out, err := retry.WithTimeout(ctx, f.cfg.CallTimeout, func(ctx context.Context) (domain.Page, error) {
			return f.pages.FetchPage(ctx, domain.PageQuery{
				Partition: p,
				Page:      page,
				PageSize:  f.cfg.PageSize,
			})
		})
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}

// enqueueFailure records a failed unit of work. An empty partition marks a
// stage-level failure.
func (f *fetcher) enqueueFailure(ctx context.Context, p domain.Partition, page int, cause error) {
	msg := &domain.FailQueueMessage{
		Payload: domain.FailPayload{
			Stage:         f.stage,
			Partition:     p.Key,
			PartitionKind: p.Kind,
			Page:          page,
		},
		Error: cause.Error(),
	}

	saveCtx, cancel := detached(ctx)
	defer cancel()
	if err := f.failQueue.Enqueue(saveCtx, msg); err != nil {
		f.log.Error("Failed to enqueue failure", "partition", p.Key, "page", page, "error", err)
		return
	}
	metrics.FailQueueEnqueued.WithLabelValues(string(f.stage)).Inc()
}

// replayPartition re-runs a failed partition from the failing page without
// touching the stage checkpoint.
func (f *fetcher) replayPartition(ctx context.Context, payload domain.FailPayload, guard *budget.Guard) error {
	kind := payload.PartitionKind
	if kind == "" {
		kind = domain.PartitionRegion
	}
	p := domain.Partition{Kind: kind, Key: payload.Partition}

	res, err := f.runPartition(ctx, p, payload.Page, guard)
	if err != nil {
		return err
	}
	if res.Interrupted {
		return domain.ErrInterrupted
	}
	f.log.Info("Replayed partition", "partition", p.Key, "from_page", payload.Page, "inserted", res.Items)
	return nil
}

// checkpointTimeout bounds checkpoint writes made after the stage context may
// already be cancelled.
const checkpointTimeout = 5 * time.Second

// detached returns a context that survives cancellation of ctx.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
}

// ErrNoPartitions is returned when the partition source is empty.
var ErrNoPartitions = errors.New("partition list is empty")

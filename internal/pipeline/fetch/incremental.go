package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/checkpoint"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

const dateLayout = "20060102"

// Incremental fetches records modified since the watermark, one date
// partition per day.
type Incremental struct {
	fetcher
	checkpoints *checkpoint.Store
	loc         *time.Location
	now         func() time.Time
}

// NewIncremental creates the by-date fetch stage.
func NewIncremental(
	cfg Config,
	pages PageSource,
	raw storage.RawRecordRepository,
	checkpoints *checkpoint.Store,
	failQueue storage.FailQueue,
) *Incremental {
	s := &Incremental{
		fetcher:     newFetcher(cfg, domain.StageFetchIncremental, pages, raw, failQueue),
		checkpoints: checkpoints,
		loc:         time.UTC,
		now:         time.Now,
	}
	if s.cfg.Timezone != "" {
		loc, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			s.log.Warn("Unknown timezone, using UTC", "timezone", s.cfg.Timezone, "error", err)
		} else {
			s.loc = loc
		}
	}
	return s
}

// Run fetches every date from the watermark to today inclusive and moves the
// watermark to today on completion.
func (s *Incremental) Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error) {
	var report domain.StageReport

	cur, err := s.checkpoints.LoadIncremental(ctx)
	if err != nil {
		return report, err
	}

	today := s.today()
	from, err := s.windowStart(cur, today)
	if err != nil {
		return report, err
	}

	s.log.Info("Starting incremental window",
		"from", from.Format(dateLayout),
		"to", today.Format(dateLayout),
		"resume_page", cur.ResumePage,
	)

	for day := from; !day.After(today); day = day.AddDate(0, 0, 1) {
		key := day.Format(dateLayout)
		startPage := 1
		if key == cur.ResumeDate {
			startPage = max(cur.ResumePage, 1)
		}

		p := domain.Partition{Kind: domain.PartitionDate, Key: key}
		res, err := s.runPartition(ctx, p, startPage, guard)
		report.Items += res.Items

		if res.Interrupted {
			report.Interrupted = true
			return report, s.save(ctx, domain.IncrementalCursor{
				LastModified: cur.LastModified,
				ResumeDate:   key,
				ResumePage:   res.NextPage,
			})
		}
		if err != nil {
			report.Failed++
			s.log.Error("Date window failed, moving on", "date", key, "error", err)
			s.enqueueFailure(ctx, p, res.NextPage, err)
		}

		next := day.AddDate(0, 0, 1)
		if next.After(today) {
			break
		}
		if err := s.save(ctx, domain.IncrementalCursor{
			LastModified: cur.LastModified,
			ResumeDate:   next.Format(dateLayout),
			ResumePage:   1,
		}); err != nil {
			return report, err
		}
	}

	watermark := today.Format(dateLayout)
	if err := s.save(ctx, domain.IncrementalCursor{LastModified: watermark}); err != nil {
		return report, err
	}
	s.log.Info("Incremental window done", "watermark", watermark, "inserted", report.Items, "failed", report.Failed)
	return report, nil
}

// Replay re-runs one failed date partition.
func (s *Incremental) Replay(ctx context.Context, payload domain.FailPayload, guard *budget.Guard) error {
	if payload.Partition == "" {
		report, err := s.Run(ctx, guard)
		if err != nil {
			return err
		}
		if report.Interrupted {
			return domain.ErrInterrupted
		}
		return nil
	}
	payload.PartitionKind = domain.PartitionDate
	return s.replayPartition(ctx, payload, guard)
}

func (s *Incremental) today() time.Time {
	n := s.now().In(s.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, s.loc)
}

func (s *Incremental) windowStart(cur domain.IncrementalCursor, today time.Time) (time.Time, error) {
	raw := cur.LastModified
	switch {
	case cur.Resuming():
		raw = cur.ResumeDate
	case raw == "":
		raw = s.cfg.IncrementalStart
	}
	if raw == "" {
		return today.AddDate(0, 0, -1), nil
	}

	start, err := time.ParseInLocation(dateLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid incremental checkpoint date %q: %w", raw, err)
	}
	if start.After(today) {
		return today, nil
	}
	return start, nil
}

func (s *Incremental) save(ctx context.Context, c domain.IncrementalCursor) error {
	saveCtx, cancel := detached(ctx)
	defer cancel()
	return s.checkpoints.SaveIncremental(saveCtx, c)
}

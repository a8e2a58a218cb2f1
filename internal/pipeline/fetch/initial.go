package fetch

import (
	"context"
	"fmt"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/checkpoint"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

// Initial sweeps the dataset partition by partition.
type Initial struct {
	fetcher
	partitions  PartitionSource
	checkpoints *checkpoint.Store
}

// NewInitial creates the by-partition fetch stage.
func NewInitial(
	cfg Config,
	pages PageSource,
	partitions PartitionSource,
	raw storage.RawRecordRepository,
	checkpoints *checkpoint.Store,
	failQueue storage.FailQueue,
) *Initial {
	return &Initial{
		fetcher:     newFetcher(cfg, domain.StageFetchInitial, pages, raw, failQueue),
		partitions:  partitions,
		checkpoints: checkpoints,
	}
}

// Run processes up to PartitionsPerRun partitions starting at the
// checkpointed offset.
func (s *Initial) Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error) {
	var report domain.StageReport

	cur, err := s.checkpoints.LoadInitial(ctx)
	if err != nil {
		return report, err
	}

	parts, err := s.partitions.List(ctx, cur.PartitionIndex, s.cfg.PartitionsPerRun)
	if err != nil {
		s.enqueueFailure(ctx, domain.Partition{}, 0, err)
		return report, fmt.Errorf("failed to list partitions: %w", err)
	}
	if len(parts) == 0 {
		if cur.PartitionIndex == 0 {
			return report, ErrNoPartitions
		}
		s.log.Info("Partition sweep complete, restarting from the first partition",
			"partitions", cur.PartitionIndex,
		)
		return report, s.save(ctx, domain.InitialCursor{})
	}

	s.log.Info("Starting partition sweep",
		"offset", cur.PartitionIndex,
		"partitions", len(parts),
		"resume_partition", cur.ResumePartition,
		"resume_page", cur.ResumePage,
	)

	for n, p := range parts {
		index := cur.PartitionIndex + n
		startPage := 1
		if cur.Resuming() && p.Key == cur.ResumePartition {
			startPage = cur.ResumePage
		}

		res, err := s.runPartition(ctx, p, startPage, guard)
		report.Items += res.Items

		if res.Interrupted {
			report.Interrupted = true
			return report, s.save(ctx, domain.InitialCursor{
				PartitionIndex:  index,
				ResumePartition: p.Key,
				ResumePage:      res.NextPage,
			})
		}
		if err != nil {
			report.Failed++
			s.log.Error("Partition failed, moving on", "partition", p.Key, "error", err)
			s.enqueueFailure(ctx, p, res.NextPage, err)
		}

		if err := s.save(ctx, domain.InitialCursor{PartitionIndex: index + 1}); err != nil {
			return report, err
		}
	}

	s.log.Info("Partition window done",
		"next_offset", cur.PartitionIndex+len(parts),
		"inserted", report.Items,
		"failed", report.Failed,
	)
	return report, nil
}

// Replay re-runs a failed partition, or the whole stage for a stage-level
// failure.
func (s *Initial) Replay(ctx context.Context, payload domain.FailPayload, guard *budget.Guard) error {
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
	return s.replayPartition(ctx, payload, guard)
}

func (s *Initial) save(ctx context.Context, c domain.InitialCursor) error {
	saveCtx, cancel := detached(ctx)
	defer cancel()
	return s.checkpoints.SaveInitial(saveCtx, c)
}

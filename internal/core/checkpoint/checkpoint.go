// Package checkpoint stores the fetch stages' cursors in the durable
// key-value namespace.
//
// # Purpose
//
// Invocations share no memory. A fetch stage reads its cursor at start,
// overwrites it whenever the time budget runs out mid-partition, and clears
// the resume part once a partition or date window completes:
//
//	fetch-initial      partition_index, partition_id, page
//	fetch-incremental  last_modified, date, page
//
// # Layout
//
// Each field is its own string key (checkpoint:<stage>:<field>) so the
// dashboard can read them without decoding. Stages only ever see the typed
// cursors; parsing happens here.
//
// # Quick Start
//
//	store := checkpoint.NewStore(kv)
//	cur, _ := store.LoadInitial(ctx)
//	// ... interrupted on partition "3000000", page 2
//	store.SaveInitial(ctx, domain.InitialCursor{PartitionIndex: 4, ResumePartition: "3000000", ResumePage: 2})
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

// ErrNotResettable is returned for stages without a checkpoint.
var ErrNotResettable = errors.New("stage has no checkpoint")

const (
	fieldPartitionIndex = "partition_index"
	fieldPartitionID    = "partition_id"
	fieldPage           = "page"
	fieldLastModified   = "last_modified"
	fieldDate           = "date"
)

func key(stage domain.Stage, field string) string {
	return fmt.Sprintf("checkpoint:%s:%s", stage, field)
}

// Store reads and writes typed cursors.
type Store struct {
	kv  storage.KeyValueStore
	log *slog.Logger
}

// NewStore creates a checkpoint store over kv.
func NewStore(kv storage.KeyValueStore) *Store {
	return &Store{
		kv:  kv,
		log: slog.Default().With("component", "checkpoint"),
	}
}

// LoadInitial reads the by-partition cursor. Missing keys yield zero values.
func (s *Store) LoadInitial(ctx context.Context) (domain.InitialCursor, error) {
	st := domain.StageFetchInitial
	vals, err := s.kv.MGet(ctx,
		key(st, fieldPartitionIndex),
		key(st, fieldPartitionID),
		key(st, fieldPage),
	)
	if err != nil {
		return domain.InitialCursor{}, fmt.Errorf("failed to load %s checkpoint: %w", st, err)
	}

	return domain.InitialCursor{
		PartitionIndex:  s.parseInt(vals, key(st, fieldPartitionIndex)),
		ResumePartition: vals[key(st, fieldPartitionID)],
		ResumePage:      s.parseInt(vals, key(st, fieldPage)),
	}, nil
}

// SaveInitial writes the by-partition cursor. The resume fields are removed
// when the cursor is not mid-partition.
func (s *Store) SaveInitial(ctx context.Context, c domain.InitialCursor) error {
	st := domain.StageFetchInitial
	values := map[string]string{
		key(st, fieldPartitionIndex): strconv.Itoa(c.PartitionIndex),
	}
	if c.Resuming() {
		values[key(st, fieldPartitionID)] = c.ResumePartition
		values[key(st, fieldPage)] = strconv.Itoa(c.ResumePage)
	}

	if err := s.kv.MSet(ctx, values); err != nil {
		return fmt.Errorf("failed to save %s checkpoint: %w", st, err)
	}
	if !c.Resuming() {
		if err := s.kv.Delete(ctx, key(st, fieldPartitionID), key(st, fieldPage)); err != nil {
			return fmt.Errorf("failed to clear %s page checkpoint: %w", st, err)
		}
	}
	return nil
}

// LoadIncremental reads the by-date cursor.
func (s *Store) LoadIncremental(ctx context.Context) (domain.IncrementalCursor, error) {
	st := domain.StageFetchIncremental
	vals, err := s.kv.MGet(ctx,
		key(st, fieldLastModified),
		key(st, fieldDate),
		key(st, fieldPage),
	)
	if err != nil {
		return domain.IncrementalCursor{}, fmt.Errorf("failed to load %s checkpoint: %w", st, err)
	}

	return domain.IncrementalCursor{
		LastModified: vals[key(st, fieldLastModified)],
		ResumeDate:   vals[key(st, fieldDate)],
		ResumePage:   s.parseInt(vals, key(st, fieldPage)),
	}, nil
}

// SaveIncremental writes the by-date cursor.
func (s *Store) SaveIncremental(ctx context.Context, c domain.IncrementalCursor) error {
	st := domain.StageFetchIncremental
	values := map[string]string{}
	if c.LastModified != "" {
		values[key(st, fieldLastModified)] = c.LastModified
	}
	if c.Resuming() {
		values[key(st, fieldDate)] = c.ResumeDate
		values[key(st, fieldPage)] = strconv.Itoa(max(c.ResumePage, 1))
	}

	if err := s.kv.MSet(ctx, values); err != nil {
		return fmt.Errorf("failed to save %s checkpoint: %w", st, err)
	}
	if !c.Resuming() {
		if err := s.kv.Delete(ctx, key(st, fieldDate), key(st, fieldPage)); err != nil {
			return fmt.Errorf("failed to clear %s page checkpoint: %w", st, err)
		}
	}
	return nil
}

// Reset removes every checkpoint key of a fetch stage.
func (s *Store) Reset(ctx context.Context, stage domain.Stage) error {
	var keys []string
	switch stage {
	case domain.StageFetchInitial:
		keys = []string{key(stage, fieldPartitionIndex), key(stage, fieldPartitionID), key(stage, fieldPage)}
	case domain.StageFetchIncremental:
		keys = []string{key(stage, fieldLastModified), key(stage, fieldDate), key(stage, fieldPage)}
	default:
		return fmt.Errorf("%w: %s", ErrNotResettable, stage)
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset %s checkpoint: %w", stage, err)
	}
	s.log.Info("Checkpoint reset", "stage", stage)
	return nil
}

func (s *Store) parseInt(vals map[string]string, k string) int {
	raw, ok := vals[k]
	if !ok || raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.log.Warn("Ignoring malformed checkpoint value", "key", k, "value", raw)
		return 0
	}
	return n
}

// Package persist writes validated records in chunks with conflict-ignore
// semantics, falling back to per-record upserts when a chunk fails.
package persist

import (
	"context"
	"log/slog"

	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// Sink is a table that supports chunked conflict-ignore inserts.
type Sink[T any] interface {
	InsertIgnore(ctx context.Context, rows []T) error
	Upsert(ctx context.Context, row T) error
	Count(ctx context.Context) (int64, error)
}

// Config controls chunking and row-count verification.
type Config struct {
	// MaxRowsPerStatement bounds one INSERT; keep rows*columns under the
	// store's bind parameter limit.
	MaxRowsPerStatement int `yaml:"max_rows_per_statement"`
	// CountEvery re-counts the table after every Nth chunk and after the
	// last one. 1 gives exact per-chunk accounting.
	CountEvery int `yaml:"count_every"`
}

// DefaultConfig returns the default chunking settings.
func DefaultConfig() Config {
	return Config{
		MaxRowsPerStatement: 100,
		CountEvery:          5,
	}
}

// Result summarises one Persist call.
type Result struct {
	Rows           int
	Chunks         int
	FallbackChunks int
	// Inserted is derived from row counts, never from chunk sizes.
	Inserted int
	// Failed counts rows whose per-record upsert also failed.
	Failed int
}

// Writer persists rows of one table.
type Writer[T any] struct {
	cfg   Config
	table string
	sink  Sink[T]
	log   *slog.Logger
}

// NewWriter creates a writer for table.
func NewWriter[T any](table string, sink Sink[T], cfg Config) *Writer[T] {
	def := DefaultConfig()
	if cfg.MaxRowsPerStatement <= 0 {
		cfg.MaxRowsPerStatement = def.MaxRowsPerStatement
	}
	if cfg.CountEvery <= 0 {
		cfg.CountEvery = def.CountEvery
	}
	return &Writer[T]{
		cfg:   cfg,
		table: table,
		sink:  sink,
		log:   slog.Default().With("component", "persist", "table", table),
	}
}

// Persist writes rows chunk by chunk. A chunk that fails falls back to
// sequential upserts so one bad row cannot block the rest. Only context
// errors abort the call.
func (w *Writer[T]) Persist(ctx context.Context, rows []T) (Result, error) {
	res := Result{Rows: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}
	metrics.BatchSize.WithLabelValues(w.table).Observe(float64(len(rows)))

	before, counted := w.count(ctx)
	chunks := Chunk(rows, w.cfg.MaxRowsPerStatement)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Chunks++

		if err := w.sink.InsertIgnore(ctx, chunk); err != nil {
			res.FallbackChunks++
			metrics.ChunkFallbacks.WithLabelValues(w.table).Inc()
			w.log.Warn("Chunk insert failed, falling back to per-record upsert",
				"chunk", i,
				"rows", len(chunk),
				"error", err,
			)
			res.Failed += w.upsertEach(ctx, chunk)
		}

		last := i == len(chunks)-1
		if counted && ((i+1)%w.cfg.CountEvery == 0 || last) {
			after, ok := w.count(ctx)
			if !ok {
				counted = false
				continue
			}
			res.Inserted += int(after - before)
			before = after
		}
	}

	metrics.RecordsInserted.WithLabelValues(w.table).Add(float64(res.Inserted))
	if res.Failed > 0 {
		w.log.Warn("Rows could not be persisted", "failed", res.Failed, "rows", res.Rows)
	}
	return res, nil
}

func (w *Writer[T]) upsertEach(ctx context.Context, chunk []T) int {
	failed := 0
	for _, row := range chunk {
		if err := w.sink.Upsert(ctx, row); err != nil {
			failed++
			w.log.Warn("Record upsert failed", "error", err)
		}
	}
	return failed
}

func (w *Writer[T]) count(ctx context.Context) (int64, bool) {
	n, err := w.sink.Count(ctx)
	if err != nil {
		w.log.Warn("Row count failed, inserted count unavailable", "error", err)
		return 0, false
	}
	return n, true
}

// Chunk splits rows into slices of at most size elements.
func Chunk[T any](rows []T, size int) [][]T {
	if size <= 0 {
		size = len(rows)
	}
	chunks := make([][]T, 0, (len(rows)+size-1)/max(size, 1))
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

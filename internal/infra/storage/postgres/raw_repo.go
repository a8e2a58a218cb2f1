package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vietddude/placepipe/internal/core/domain"
)

var rawColumns = []string{
	"source_id", "name", "road_address", "lot_address", "category",
	"latitude", "longitude", "payload", "fetched_at",
}

type rawRow struct {
	SourceID    string    `db:"source_id"`
	Name        string    `db:"name"`
	RoadAddress string    `db:"road_address"`
	LotAddress  string    `db:"lot_address"`
	Category    string    `db:"category"`
	Latitude    *float64  `db:"latitude"`
	Longitude   *float64  `db:"longitude"`
	Payload     []byte    `db:"payload"`
	FetchedAt   time.Time `db:"fetched_at"`
}

func (r rawRow) toDomain() domain.RawRecord {
	return domain.RawRecord{
		SourceID:    r.SourceID,
		Name:        r.Name,
		RoadAddress: r.RoadAddress,
		LotAddress:  r.LotAddress,
		Category:    r.Category,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Payload:     r.Payload,
		FetchedAt:   r.FetchedAt,
	}
}

// RawRepo implements storage.RawRecordRepository using PostgreSQL.
type RawRepo struct {
	db *DB
}

// NewRawRepo creates a new PostgreSQL raw record repository.
func NewRawRepo(db *DB) *RawRepo {
	return &RawRepo{db: db}
}

// insertRaw builds one multi-row insert that skips existing source ids.
func insertRaw(rows []domain.RawRecord) (string, []any, error) {
	q := psql.Insert("raw_records").Columns(rawColumns...)
	for _, row := range rows {
		payload := string(row.Payload)
		if payload == "" {
			payload = "{}"
		}
		fetchedAt := row.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		q = q.Values(
			row.SourceID, row.Name, row.RoadAddress, row.LotAddress, row.Category,
			row.Latitude, row.Longitude, payload, fetchedAt,
		)
	}
	return q.Suffix("ON CONFLICT (source_id) DO NOTHING").ToSql()
}

// InsertIgnore inserts rows in one statement.
func (r *RawRepo) InsertIgnore(ctx context.Context, rows []domain.RawRecord) error {
	if len(rows) == 0 {
		return nil
	}
	query, args, err := insertRaw(rows)
	if err != nil {
		return fmt.Errorf("failed to build raw insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert raw records: %w", err)
	}
	return nil
}

// Upsert inserts one row; an existing row is left as is.
func (r *RawRepo) Upsert(ctx context.Context, row domain.RawRecord) error {
	query, args, err := insertRaw([]domain.RawRecord{row})
	if err != nil {
		return fmt.Errorf("failed to build raw insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert raw record %s: %w", row.SourceID, err)
	}
	return nil
}

// Count returns the number of raw records.
func (r *RawRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM raw_records`); err != nil {
		return 0, fmt.Errorf("failed to count raw records: %w", err)
	}
	return n, nil
}

// PendingNormalization returns raw records with no normalized place, oldest
// first.
func (r *RawRepo) PendingNormalization(ctx context.Context, limit int) ([]domain.RawRecord, error) {
	cols := make([]string, len(rawColumns))
	for i, c := range rawColumns {
		cols[i] = "r." + c
	}
	query, args, err := psql.Select(cols...).
		From("raw_records r").
		LeftJoin("normalized_places p ON p.source_id = r.source_id").
		Where(sq.Expr("p.id IS NULL")).
		OrderBy("r.fetched_at", "r.source_id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build pending query: %w", err)
	}

	var rows []rawRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load pending raw records: %w", err)
	}

	out := make([]domain.RawRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

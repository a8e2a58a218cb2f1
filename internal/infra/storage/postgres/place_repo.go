package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/retry"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

var placeColumns = []string{
	"id", "source_id", "name", "region", "subregion", "neighborhood",
	"road_address", "lot_address", "category", "latitude", "longitude",
	"status", "license_date", "slug_base", "updated_at",
}

var metaColumns = []string{
	"m.slug", "m.ai_summary", "m.ai_faq::text AS ai_faq", "m.is_publishable", "m.last_published_at",
}

type placeRow struct {
	ID              string     `db:"id"`
	SourceID        string     `db:"source_id"`
	Name            string     `db:"name"`
	Region          string     `db:"region"`
	Subregion       string     `db:"subregion"`
	Neighborhood    string     `db:"neighborhood"`
	RoadAddress     string     `db:"road_address"`
	LotAddress      string     `db:"lot_address"`
	Category        string     `db:"category"`
	Latitude        *float64   `db:"latitude"`
	Longitude       *float64   `db:"longitude"`
	Status          string     `db:"status"`
	LicenseDate     *time.Time `db:"license_date"`
	SlugBase        string     `db:"slug_base"`
	UpdatedAt       time.Time  `db:"updated_at"`
	Slug            *string    `db:"slug"`
	AISummary       *string    `db:"ai_summary"`
	AIFAQ           *string    `db:"ai_faq"`
	IsPublishable   bool       `db:"is_publishable"`
	LastPublishedAt *time.Time `db:"last_published_at"`
}

func (r placeRow) toDomain() domain.Place {
	return domain.Place{
		NormalizedPlace: domain.NormalizedPlace{
			ID:           r.ID,
			SourceID:     r.SourceID,
			Name:         r.Name,
			Region:       r.Region,
			Subregion:    r.Subregion,
			Neighborhood: r.Neighborhood,
			RoadAddress:  r.RoadAddress,
			LotAddress:   r.LotAddress,
			Category:     r.Category,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			Status:       r.Status,
			LicenseDate:  r.LicenseDate,
			SlugBase:     r.SlugBase,
			UpdatedAt:    r.UpdatedAt,
		},
		Meta: domain.PublishMeta{
			PlaceID:         r.ID,
			Slug:            r.Slug,
			AISummary:       r.AISummary,
			AIFAQ:           r.AIFAQ,
			IsPublishable:   r.IsPublishable,
			LastPublishedAt: r.LastPublishedAt,
		},
	}
}

// PlaceRepo implements storage.PlaceRepository using PostgreSQL.
type PlaceRepo struct {
	db *DB
}

// NewPlaceRepo creates a new PostgreSQL place repository.
func NewPlaceRepo(db *DB) *PlaceRepo {
	return &PlaceRepo{db: db}
}

func insertPlaces(rows []domain.NormalizedPlace) (string, []any, error) {
	q := psql.Insert("normalized_places").Columns(placeColumns...)
	for _, p := range rows {
		updatedAt := p.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		q = q.Values(
			p.ID, p.SourceID, p.Name, p.Region, p.Subregion, p.Neighborhood,
			p.RoadAddress, p.LotAddress, p.Category, p.Latitude, p.Longitude,
			p.Status, p.LicenseDate, p.SlugBase, updatedAt,
		)
	}
	return q.Suffix("ON CONFLICT DO NOTHING").ToSql()
}

// insertMeta creates empty publish_meta rows for the places that exist.
// Ids skipped by the place insert are filtered out by the join.
const insertMeta = `
	INSERT INTO publish_meta (place_id)
	SELECT id FROM normalized_places WHERE id = ANY($1)
	ON CONFLICT (place_id) DO NOTHING
`

// InsertIgnore inserts places and their publish_meta rows in one transaction.
func (r *PlaceRepo) InsertIgnore(ctx context.Context, rows []domain.NormalizedPlace) error {
	if len(rows) == 0 {
		return nil
	}
	query, args, err := insertPlaces(rows)
	if err != nil {
		return fmt.Errorf("failed to build place insert: %w", err)
	}
	ids := make([]string, len(rows))
	for i, p := range rows {
		ids[i] = p.ID
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert places: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertMeta, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to insert publish meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit places: %w", err)
	}
	return nil
}

// Upsert inserts one place; an existing place is left as is.
func (r *PlaceRepo) Upsert(ctx context.Context, row domain.NormalizedPlace) error {
	if err := r.InsertIgnore(ctx, []domain.NormalizedPlace{row}); err != nil {
		return fmt.Errorf("failed to upsert place %s: %w", row.SourceID, err)
	}
	return nil
}

// Count returns the number of normalized places.
func (r *PlaceRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM normalized_places`); err != nil {
		return 0, fmt.Errorf("failed to count places: %w", err)
	}
	return n, nil
}

func selectPlaces() sq.SelectBuilder {
	cols := make([]string, 0, len(placeColumns)+len(metaColumns))
	for _, c := range placeColumns {
		cols = append(cols, "p."+c)
	}
	cols = append(cols, metaColumns...)
	return psql.Select(cols...).
		From("normalized_places p").
		Join("publish_meta m ON m.place_id = p.id")
}

func (r *PlaceRepo) queryPlaces(ctx context.Context, q sq.SelectBuilder) ([]domain.Place, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build place query: %w", err)
	}
	var rows []placeRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load places: %w", err)
	}
	out := make([]domain.Place, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// PendingEnrichment returns unpublishable places without a summary.
func (r *PlaceRepo) PendingEnrichment(ctx context.Context, limit int) ([]domain.Place, error) {
	return r.queryPlaces(ctx, selectPlaces().
		Where(sq.Eq{"m.is_publishable": false}).
		Where(sq.Expr("m.ai_summary IS NULL")).
		OrderBy("p.updated_at", "p.id").
		Limit(uint64(limit)))
}

// PendingPublish returns publishable places never published.
func (r *PlaceRepo) PendingPublish(ctx context.Context, limit int) ([]domain.Place, error) {
	return r.queryPlaces(ctx, selectPlaces().
		Where(sq.Eq{"m.is_publishable": true}).
		Where(sq.Expr("m.last_published_at IS NULL")).
		OrderBy("p.updated_at", "p.id").
		Limit(uint64(limit)))
}

// SlugOwner returns the place id holding slug.
func (r *PlaceRepo) SlugOwner(ctx context.Context, slug string) (string, bool, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `SELECT place_id FROM publish_meta WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up slug: %w", err)
	}
	return id, true, nil
}

// updateMeta applies upd under guard. A slug, once set, never changes.
func updateMeta(placeID string, upd domain.PublishMetaUpdate, guard sq.Sqlizer) (string, []any, error) {
	q := psql.Update("publish_meta")
	if upd.Slug != nil {
		q = q.Set("slug", sq.Expr("COALESCE(slug, ?)", *upd.Slug))
	}
	if upd.AISummary != nil {
		q = q.Set("ai_summary", *upd.AISummary)
	}
	if upd.AIFAQ != nil {
		q = q.Set("ai_faq", sq.Expr("?::jsonb", *upd.AIFAQ))
	}
	if upd.IsPublishable != nil {
		q = q.Set("is_publishable", *upd.IsPublishable)
	}
	if upd.LastPublishedAt != nil {
		q = q.Set("last_published_at", *upd.LastPublishedAt)
	}
	return q.Where(sq.Eq{"place_id": placeID}).Where(guard).ToSql()
}

func (r *PlaceRepo) execMeta(ctx context.Context, placeID string, upd domain.PublishMetaUpdate, guard sq.Sqlizer) (bool, error) {
	if upd.Empty() {
		return false, nil
	}
	query, args, err := updateMeta(placeID, upd, guard)
	if err != nil {
		return false, fmt.Errorf("failed to build meta update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if retry.IsUniqueViolation(err) {
			return false, storage.ErrSlugTaken
		}
		return false, fmt.Errorf("failed to update publish meta %s: %w", placeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ApplyEnrichment writes upd only while the place is not yet publishable.
func (r *PlaceRepo) ApplyEnrichment(ctx context.Context, placeID string, upd domain.PublishMetaUpdate) (bool, error) {
	return r.execMeta(ctx, placeID, upd, sq.Eq{"is_publishable": false})
}

// MarkPublished writes upd only while lastPublishedAt is null.
func (r *PlaceRepo) MarkPublished(ctx context.Context, placeID string, upd domain.PublishMetaUpdate) (bool, error) {
	return r.execMeta(ctx, placeID, upd, sq.Expr("last_published_at IS NULL"))
}

// PublishedSlugs lists every published slug, newest first.
func (r *PlaceRepo) PublishedSlugs(ctx context.Context) ([]domain.SitemapEntry, error) {
	var entries []domain.SitemapEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT slug, last_published_at
		FROM publish_meta
		WHERE slug IS NOT NULL AND last_published_at IS NOT NULL
		ORDER BY last_published_at DESC, slug
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list published slugs: %w", err)
	}
	return entries, nil
}

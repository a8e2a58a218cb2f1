package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/placepipe/internal/core/domain"
)

// ErrSlugTaken is returned when a slug write hits the unique constraint.
var ErrSlugTaken = errors.New("slug already taken")

// KeyValueStore is the durable string namespace used for checkpoints.
type KeyValueStore interface {
	// Get returns the value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// MGet returns the keys that exist, in one round trip.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	MSet(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// FailQueue is a durable queue of failed work units. Dead letters use a
// second FailQueue over a separate namespace.
type FailQueue interface {
	Enqueue(ctx context.Context, msg *domain.FailQueueMessage) error
	// Claim removes and returns up to limit of the oldest messages. A
	// message is returned to at most one caller. Messages returned together
	// with an error are claimed all the same and must be handled.
	Claim(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error)
	// List returns up to limit messages without removing them.
	List(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error)
	Count(ctx context.Context) (int, error)
}

// ReadCache is the read side's response cache, keyed by slug.
type ReadCache interface {
	// Invalidate drops the place entry and every aggregate list entry.
	Invalidate(ctx context.Context, slug string) error
}

// StageRunStore keeps per-stage run history for the dashboard.
type StageRunStore interface {
	Record(ctx context.Context, run domain.StageRun) error
	Latest(ctx context.Context, stage domain.Stage) (*domain.StageRun, error)
}

// RawRecordRepository persists write-once upstream records.
type RawRecordRepository interface {
	// InsertIgnore inserts rows in one statement, skipping existing source ids.
	InsertIgnore(ctx context.Context, rows []domain.RawRecord) error
	// Upsert inserts one row; an existing row is left as is.
	Upsert(ctx context.Context, row domain.RawRecord) error
	Count(ctx context.Context) (int64, error)
	// PendingNormalization returns raw records with no NormalizedPlace.
	PendingNormalization(ctx context.Context, limit int) ([]domain.RawRecord, error)
}

// PlaceRepository persists NormalizedPlace rows together with their
// PublishMeta rows.
type PlaceRepository interface {
	// InsertIgnore inserts places and their empty PublishMeta rows,
	// skipping source ids that are already normalized.
	InsertIgnore(ctx context.Context, rows []domain.NormalizedPlace) error
	Upsert(ctx context.Context, row domain.NormalizedPlace) error
	Count(ctx context.Context) (int64, error)

	// PendingEnrichment returns unpublishable places without a summary.
	PendingEnrichment(ctx context.Context, limit int) ([]domain.Place, error)
	// PendingPublish returns publishable places never published.
	PendingPublish(ctx context.Context, limit int) ([]domain.Place, error)
	// SlugOwner returns the place id holding slug.
	SlugOwner(ctx context.Context, slug string) (string, bool, error)
	// ApplyEnrichment writes upd only while the place is not yet
	// publishable. It reports whether a row changed.
	ApplyEnrichment(ctx context.Context, placeID string, upd domain.PublishMetaUpdate) (bool, error)
	// MarkPublished writes upd only while lastPublishedAt is null. It
	// reports whether a row changed and returns ErrSlugTaken on a slug
	// conflict.
	MarkPublished(ctx context.Context, placeID string, upd domain.PublishMetaUpdate) (bool, error)
	// PublishedSlugs lists every published slug, newest first.
	PublishedSlugs(ctx context.Context) ([]domain.SitemapEntry, error)
}

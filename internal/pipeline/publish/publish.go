// Package publish makes enriched places visible to the read side.
//
// For every publishable place that has never been published the stage
// assigns a unique slug (if it has none) and sets lastPublishedAt in one
// guarded update, then invalidates the serving layer and the read cache.
// Sitemap regeneration and the search-engine ping run as background tasks
// once the batch is done.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/vietddude/placepipe/internal/core/background"
	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/retry"
	"github.com/vietddude/placepipe/internal/core/slug"
	"github.com/vietddude/placepipe/internal/infra/sitemap"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// Config holds publish stage settings.
type Config struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxBatches    int           `yaml:"max_batches"`
	SiteURL       string        `yaml:"site_url"`
	SlugAttempts  int           `yaml:"slug_attempts"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// DefaultConfig returns default publish settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     20,
		MaxBatches:    1,
		SiteURL:       "http://localhost:3000",
		SlugAttempts:  5,
		NotifyTimeout: 5 * time.Second,
	}
}

// Revalidator invalidates a pre-rendered page.
type Revalidator interface {
	Revalidate(ctx context.Context, slug string) error
}

// SearchNotifier pushes changed URLs to search engines.
type SearchNotifier interface {
	Submit(ctx context.Context, urls []string) error
}

// SitemapBuilder regenerates the sitemap.
type SitemapBuilder interface {
	Rebuild(ctx context.Context) error
}

// Submitter runs detached background tasks.
type Submitter interface {
	Submit(description string, task background.Task)
}

// Stage publishes places.
type Stage struct {
	cfg         Config
	places      storage.PlaceRepository
	cache       storage.ReadCache
	revalidator Revalidator
	search      SearchNotifier
	sitemap     SitemapBuilder
	tasks       Submitter
	suffix      func() string
	now         func() time.Time
	log         *slog.Logger
}

// NewStage creates the publish stage.
func NewStage(
	cfg Config,
	places storage.PlaceRepository,
	cache storage.ReadCache,
	revalidator Revalidator,
	search SearchNotifier,
	sitemap SitemapBuilder,
	tasks Submitter,
) *Stage {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if cfg.SlugAttempts <= 0 {
		cfg.SlugAttempts = def.SlugAttempts
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = def.SiteURL
	}
	return &Stage{
		cfg:         cfg,
		places:      places,
		cache:       cache,
		revalidator: revalidator,
		search:      search,
		sitemap:     sitemap,
		tasks:       tasks,
		suffix:      randomSuffix,
		now:         time.Now,
		log:         slog.Default().With("component", "publish"),
	}
}

// Run publishes up to MaxBatches batches.
func (s *Stage) Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error) {
	var report domain.StageReport
	var urls []string

loop:
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if guard.ShouldStop() || ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		pending, err := s.places.PendingPublish(ctx, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to load publishable places: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		for _, p := range pending {
			if guard.ShouldStop() || ctx.Err() != nil {
				report.Interrupted = true
				break loop
			}

			published, ok, err := s.publishOne(ctx, p)
			switch {
			case err != nil:
				report.Failed++
				s.log.Warn("Failed to publish place", "place_id", p.ID, "error", err)
			case !ok:
				s.log.Debug("Place already published", "place_id", p.ID)
			default:
				report.Items++
				urls = append(urls, sitemap.PlaceURL(s.cfg.SiteURL, published))
			}
		}
	}

	if len(urls) > 0 {
		s.scheduleBackground(urls)
	}
	s.log.Info("Publish done", "published", report.Items, "failed", report.Failed)
	return report, nil
}

// publishOne assigns the slug and lastPublishedAt, then runs the best-effort
// invalidations. It reports false when another run published first.
func (s *Stage) publishOne(ctx context.Context, p domain.Place) (string, bool, error) {
	now := s.now().UTC()
	upd := domain.PublishMetaUpdate{LastPublishedAt: &now}

	var current string
	if p.Meta.Slug != nil {
		current = *p.Meta.Slug
	} else {
		candidate, err := s.resolveSlug(ctx, p)
		if err != nil {
			return "", false, err
		}
		current = candidate
		upd.Slug = &current
	}

	changed, err := s.places.MarkPublished(ctx, p.ID, upd)
	if errors.Is(err, storage.ErrSlugTaken) && upd.Slug != nil {
		// Another place took the slug between probe and write.
		metrics.SlugCollisions.Inc()
		current = fallbackSlug(baseSlug(p), p.ID)
		upd.Slug = &current
		changed, err = s.places.MarkPublished(ctx, p.ID, upd)
	}
	if err != nil {
		return "", false, fmt.Errorf("mark published: %w", err)
	}
	if !changed {
		return "", false, nil
	}
	metrics.Published.Inc()

	if s.revalidator != nil {
		if err := retry.Run(ctx, s.cfg.NotifyTimeout, func(ctx context.Context) error {
			return s.revalidator.Revalidate(ctx, current)
		}); err != nil {
			metrics.NotifyFailures.WithLabelValues("revalidate").Inc()
			s.log.Warn("Revalidation failed", "slug", current, "error", err)
		}
	}
	if s.cache != nil {
		if err := retry.Run(ctx, s.cfg.NotifyTimeout, func(ctx context.Context) error {
			return s.cache.Invalidate(ctx, current)
		}); err != nil {
			metrics.NotifyFailures.WithLabelValues("cache").Inc()
			s.log.Warn("Cache invalidation failed", "slug", current, "error", err)
		}
	}
	return current, true, nil
}

// resolveSlug probes for a free slug, adding a random suffix on each
// collision and falling back to an id-derived slug.
func (s *Stage) resolveSlug(ctx context.Context, p domain.Place) (string, error) {
	base := baseSlug(p)
	candidate := base
	for attempt := 0; attempt < s.cfg.SlugAttempts; attempt++ {
		owner, taken, err := s.places.SlugOwner(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("slug probe: %w", err)
		}
		if !taken || owner == p.ID {
			return candidate, nil
		}
		metrics.SlugCollisions.Inc()
		candidate = slug.WithSuffix(base, s.suffix())
	}
	s.log.Warn("Slug attempts exhausted, using id slug", "place_id", p.ID, "base", base)
	return fallbackSlug(base, p.ID), nil
}

func (s *Stage) scheduleBackground(urls []string) {
	if s.tasks == nil {
		return
	}
	if s.sitemap != nil {
		s.tasks.Submit("sitemap", s.sitemap.Rebuild)
	}
	if s.search != nil {
		s.tasks.Submit("indexnow", func(ctx context.Context) error {
			err := s.search.Submit(ctx, urls)
			if err != nil {
				metrics.NotifyFailures.WithLabelValues("indexnow").Inc()
			}
			return err
		})
	}
}

func baseSlug(p domain.Place) string {
	base := p.SlugBase
	if base == "" {
		base = slug.Make(p.Name, slug.Locality(p.Neighborhood, p.Subregion))
	}
	if base == "" {
		base = "place"
	}
	return base
}

// fallbackSlug is unique because place ids are.
func fallbackSlug(base, id string) string {
	return slug.WithSuffix(base, id)
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

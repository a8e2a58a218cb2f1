// Package normalize turns raw records into NormalizedPlace rows.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/slug"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/pipeline/persist"
)

// Config holds normalize stage configuration.
type Config struct {
	BatchSize  int                 `yaml:"batch_size"`
	MaxBatches int                 `yaml:"max_batches"`
	Bounds     persist.BoundingBox `yaml:"bounds"`
	Persist    persist.Config      `yaml:"persist"`
}

// DefaultConfig returns default normalize settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:  500,
		MaxBatches: 10,
		Bounds:     persist.KoreaBounds,
		Persist:    persist.DefaultConfig(),
	}
}

// Stage normalizes every raw record that has no NormalizedPlace yet.
// Already-normalized records are never re-derived.
type Stage struct {
	cfg    Config
	raw    storage.RawRecordRepository
	writer *persist.Writer[domain.NormalizedPlace]
	newID  func() string
	now    func() time.Time
	log    *slog.Logger
}

// NewStage creates the normalize stage.
func NewStage(cfg Config, raw storage.RawRecordRepository, places storage.PlaceRepository) *Stage {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if cfg.Bounds.Empty() {
		cfg.Bounds = def.Bounds
	}
	return &Stage{
		cfg:    cfg,
		raw:    raw,
		writer: persist.NewWriter[domain.NormalizedPlace]("normalized_places", places, cfg.Persist),
		newID:  uuid.NewString,
		now:    time.Now,
		log:    slog.Default().With("component", "normalize"),
	}
}

// Run normalizes pending records batch by batch until none are left, the
// batch cap is hit or the guard trips.
func (s *Stage) Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error) {
	var report domain.StageReport

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if guard.ShouldStop() || ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		pending, err := s.raw.PendingNormalization(ctx, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to load pending records: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		places := make([]domain.NormalizedPlace, 0, len(pending))
		for _, r := range pending {
			places = append(places, s.Transform(r))
		}

		res, err := s.writer.Persist(ctx, places)
		if err != nil {
			report.Interrupted = true
			break
		}
		report.Items += res.Inserted
		report.Failed += res.Failed

		s.log.Info("Batch normalized", "batch", batch, "records", len(pending), "inserted", res.Inserted)
		if res.Inserted == 0 {
			// Every row failed or the count is unavailable; stop rather than
			// reselect the same records.
			s.log.Warn("Batch made no progress, stopping", "records", len(pending))
			break
		}
	}
	return report, nil
}

type payloadFields struct {
	Status      string `json:"trdStateNm"`
	LicenseDate string `json:"apvPermYmd"`
}

// Transform derives a NormalizedPlace from a raw record.
func (s *Stage) Transform(r domain.RawRecord) domain.NormalizedPlace {
	var extra payloadFields
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &extra); err != nil {
			s.log.Debug("Unreadable payload", "source_id", r.SourceID, "error", err)
		}
	}

	addr := ParseAddress(r.RoadAddress, r.LotAddress)
	lat, lng := s.cfg.Bounds.Coordinates(r.Latitude, r.Longitude)
	name := persist.Sanitize(r.Name, persist.MaxNameLength)

	return domain.NormalizedPlace{
		ID:           s.newID(),
		SourceID:     r.SourceID,
		Name:         name,
		Region:       addr.Region,
		Subregion:    addr.Subregion,
		Neighborhood: addr.Neighborhood,
		RoadAddress:  persist.Sanitize(r.RoadAddress, persist.MaxTextLength),
		LotAddress:   persist.Sanitize(r.LotAddress, persist.MaxTextLength),
		Category:     persist.Sanitize(r.Category, persist.MaxTextLength),
		Latitude:     lat,
		Longitude:    lng,
		Status:       strings.TrimSpace(extra.Status),
		LicenseDate:  parseDate(extra.LicenseDate),
		SlugBase:     slug.Make(name, slug.Locality(addr.Neighborhood, addr.Subregion)),
		UpdatedAt:    s.now().UTC(),
	}
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"20060102", "2006-01-02", "2006.01.02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

package persist

import (
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

const (
	MaxNameLength = 200
	MaxTextLength = 500
)

// BoundingBox is the geographic area coordinates must fall in.
type BoundingBox struct {
	MinLat float64 `yaml:"min_lat"`
	MaxLat float64 `yaml:"max_lat"`
	MinLng float64 `yaml:"min_lng"`
	MaxLng float64 `yaml:"max_lng"`
}

// KoreaBounds covers the Korean mainland, Jeju and Ulleungdo.
var KoreaBounds = BoundingBox{MinLat: 33.0, MaxLat: 38.7, MinLng: 124.5, MaxLng: 132.0}

// Empty reports an unset box.
func (b BoundingBox) Empty() bool {
	return b == BoundingBox{}
}

// Contains reports whether the point is inside the box.
func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// Coordinates returns the pair unchanged when both are set and inside the
// box, and nil for both otherwise.
func (b BoundingBox) Coordinates(lat, lng *float64) (*float64, *float64) {
	if lat == nil || lng == nil || !b.Contains(*lat, *lng) {
		return nil, nil
	}
	return lat, lng
}

// Sanitize trims s, drops control characters and caps it at maxRunes.
func Sanitize(s string, maxRunes int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			if r == '\t' || r == '\n' || r == '\r' {
				return ' '
			}
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxRunes]))
	}
	return s
}

// PrepareRaw validates and sanitises fetched records. Records without a
// source id are dropped; out-of-box coordinates are nulled.
func PrepareRaw(records []domain.RawRecord, box BoundingBox, log *slog.Logger) ([]domain.RawRecord, int) {
	out := make([]domain.RawRecord, 0, len(records))
	dropped := 0
	for _, r := range records {
		r.SourceID = Sanitize(r.SourceID, MaxNameLength)
		if r.SourceID == "" {
			dropped++
			metrics.RecordsDropped.WithLabelValues("missing_source_id").Inc()
			log.Warn("Dropping record without source id", "name", r.Name)
			continue
		}

		r.Name = Sanitize(r.Name, MaxNameLength)
		r.RoadAddress = Sanitize(r.RoadAddress, MaxTextLength)
		r.LotAddress = Sanitize(r.LotAddress, MaxTextLength)
		r.Category = Sanitize(r.Category, MaxTextLength)

		lat, lng := box.Coordinates(r.Latitude, r.Longitude)
		if lat == nil && r.Latitude != nil {
			metrics.RecordsDropped.WithLabelValues("coordinates").Inc()
			log.Debug("Nulling coordinates outside bounding box",
				"source_id", r.SourceID,
				"lat", *r.Latitude,
			)
		}
		r.Latitude, r.Longitude = lat, lng

		if len(r.Payload) == 0 {
			r.Payload = []byte("{}")
		}
		out = append(out, r)
	}
	return out, dropped
}

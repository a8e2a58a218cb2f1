package domain

import "time"

// PlaceState is the derived lifecycle position of a place.
type PlaceState string

const (
	PlaceStateNormalized PlaceState = "normalized"
	PlaceStateEnriched   PlaceState = "enriched"
	PlaceStatePublished  PlaceState = "published"
)

// NormalizedPlace is derived once from a RawRecord and never re-derived.
type NormalizedPlace struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id"`
	Name         string     `json:"name"`
	Region       string     `json:"region"`
	Subregion    string     `json:"subregion"`
	Neighborhood string     `json:"neighborhood"`
	RoadAddress  string     `json:"road_address"`
	LotAddress   string     `json:"lot_address"`
	Category     string     `json:"category"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Status       string     `json:"status"`
	LicenseDate  *time.Time `json:"license_date,omitempty"`
	SlugBase     string     `json:"slug_base"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PublishMeta shares its primary key with NormalizedPlace.
type PublishMeta struct {
	PlaceID         string     `json:"place_id"`
	Slug            *string    `json:"slug,omitempty"`
	AISummary       *string    `json:"ai_summary,omitempty"`
	AIFAQ           *string    `json:"ai_faq,omitempty"`
	IsPublishable   bool       `json:"is_publishable"`
	LastPublishedAt *time.Time `json:"last_published_at,omitempty"`
}

// Place joins a NormalizedPlace with its PublishMeta.
type Place struct {
	NormalizedPlace
	Meta PublishMeta
}

// State reports how far the place has progressed.
func (p Place) State() PlaceState {
	switch {
	case p.Meta.LastPublishedAt != nil:
		return PlaceStatePublished
	case p.Meta.IsPublishable:
		return PlaceStateEnriched
	default:
		return PlaceStateNormalized
	}
}

// PublishMetaUpdate is a partial update; nil fields are left untouched.
type PublishMetaUpdate struct {
	Slug            *string
	AISummary       *string
	AIFAQ           *string
	IsPublishable   *bool
	LastPublishedAt *time.Time
}

// Empty reports whether the update would change nothing.
func (u PublishMetaUpdate) Empty() bool {
	return u.Slug == nil && u.AISummary == nil && u.AIFAQ == nil &&
		u.IsPublishable == nil && u.LastPublishedAt == nil
}

// SitemapEntry is one published URL.
type SitemapEntry struct {
	Slug        string    `db:"slug"`
	PublishedAt time.Time `db:"last_published_at"`
}

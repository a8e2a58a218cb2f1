package postgres

import (
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/vietddude/placepipe/internal/core/domain"
)

func TestInsertRaw_MultiRowConflictIgnore(t *testing.T) {
	query, args, err := insertRaw([]domain.RawRecord{
		{SourceID: "a", Name: "A"},
		{SourceID: "b", Name: "B", Payload: []byte(`{"x":1}`)},
	})
	if err != nil {
		t.Fatalf("insertRaw: %v", err)
	}
	if !strings.HasSuffix(query, "ON CONFLICT (source_id) DO NOTHING") {
		t.Errorf("query missing conflict clause: %s", query)
	}
	if len(args) != 2*len(rawColumns) {
		t.Fatalf("expected %d args, got %d", 2*len(rawColumns), len(args))
	}
	if got := args[7]; got != "{}" {
		t.Errorf("empty payload = %v, want {}", got)
	}
	if !strings.Contains(query, "$18") {
		t.Errorf("expected dollar placeholders: %s", query)
	}
}

func TestInsertPlaces_IgnoresAnyConflict(t *testing.T) {
	query, args, err := insertPlaces([]domain.NormalizedPlace{{ID: "p1", SourceID: "s1"}})
	if err != nil {
		t.Fatalf("insertPlaces: %v", err)
	}
	if !strings.HasSuffix(query, "ON CONFLICT DO NOTHING") {
		t.Errorf("query = %s", query)
	}
	if len(args) != len(placeColumns) {
		t.Errorf("args = %d", len(args))
	}
}

func TestUpdateMeta(t *testing.T) {
	slug := "test-shop"
	now := time.Unix(0, 0).UTC()

	tests := []struct {
		name     string
		upd      domain.PublishMetaUpdate
		guard    sq.Sqlizer
		contains []string
		args     int
	}{
		{
			name:     "publish keeps existing slug",
			upd:      domain.PublishMetaUpdate{Slug: &slug, LastPublishedAt: &now},
			guard:    sq.Expr("last_published_at IS NULL"),
			contains: []string{"slug = COALESCE(slug, $1)", "last_published_at = $2", "place_id = $3", "last_published_at IS NULL"},
			args:     3,
		},
		{
			name:     "enrichment guard",
			upd:      domain.PublishMetaUpdate{AISummary: &slug},
			guard:    sq.Eq{"is_publishable": false},
			contains: []string{"ai_summary = $1", "is_publishable = $3"},
			args:     3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := updateMeta("p1", tt.upd, tt.guard)
			if err != nil {
				t.Fatalf("updateMeta: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(query, want) {
					t.Errorf("query %q missing %q", query, want)
				}
			}
			if len(args) != tt.args {
				t.Errorf("args = %v", args)
			}
		})
	}
}

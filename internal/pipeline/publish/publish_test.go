package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vietddude/placepipe/internal/core/background"
	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/infra/storage/memory"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// ============================================================================
// Mocks
// ============================================================================

type mockRevalidator struct {
	mu    sync.Mutex
	fail  bool
	slugs []string
}

func (m *mockRevalidator) Revalidate(ctx context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slugs = append(m.slugs, slug)
	if m.fail {
		return errors.New("revalidate: 502")
	}
	return nil
}

type mockSearch struct {
	mu   sync.Mutex
	urls []string
}

func (m *mockSearch) Submit(ctx context.Context, urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.urls = append(m.urls, urls...)
	return nil
}

type mockSitemap struct {
	mu     sync.Mutex
	builds int
}

func (m *mockSitemap) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds++
	return nil
}

// racingRepo reports a slug conflict on the first MarkPublished call that
// carries a slug, as if another publisher won the race.
type racingRepo struct {
	*memory.PlaceRepo
	mu    sync.Mutex
	raced bool
}

func (r *racingRepo) MarkPublished(ctx context.Context, id string, upd domain.PublishMetaUpdate) (bool, error) {
	r.mu.Lock()
	if !r.raced && upd.Slug != nil {
		r.raced = true
		r.mu.Unlock()
		return false, storage.ErrSlugTaken
	}
	r.mu.Unlock()
	return r.PlaceRepo.MarkPublished(ctx, id, upd)
}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	places      *memory.PlaceRepo
	cache       *memory.ReadCache
	revalidator *mockRevalidator
	search      *mockSearch
	sitemap     *mockSitemap
	group       *background.Group
}

func newHarness() *harness {
	store := memory.NewMemoryStorage()
	return &harness{
		places:      memory.NewPlaceRepo(store),
		cache:       memory.NewReadCache(store),
		revalidator: &mockRevalidator{},
		search:      &mockSearch{},
		sitemap:     &mockSitemap{},
		group:       background.NewGroup(time.Second),
	}
}

func (h *harness) stage(cfg Config, repo storage.PlaceRepository) *Stage {
	if repo == nil {
		repo = h.places
	}
	s := NewStage(cfg, repo, h.cache, h.revalidator, h.search, h.sitemap, h.group)
	s.suffix = func() string { return "abc123" }
	return s
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.group.Wait(ctx); err != nil {
		t.Fatalf("background tasks did not finish: %v", err)
	}
}

func seedPublishable(t *testing.T, repo *memory.PlaceRepo, rows ...domain.NormalizedPlace) {
	t.Helper()
	ctx := context.Background()
	if err := repo.InsertIgnore(ctx, rows); err != nil {
		t.Fatalf("seed: %v", err)
	}
	yes := true
	summary := "summary"
	for _, row := range rows {
		ok, err := repo.ApplyEnrichment(ctx, row.ID, domain.PublishMetaUpdate{
			AISummary:     &summary,
			IsPublishable: &yes,
		})
		if err != nil || !ok {
			t.Fatalf("enrich %s: ok=%v err=%v", row.ID, ok, err)
		}
	}
}

func testShop(id string) domain.NormalizedPlace {
	return domain.NormalizedPlace{
		ID:           id,
		SourceID:     "src-" + id,
		Name:         "Test Shop",
		Neighborhood: "Euljiro-dong",
		Subregion:    "Jung-gu",
	}
}

func slugOf(t *testing.T, repo *memory.PlaceRepo, id string) string {
	t.Helper()
	p, ok := repo.Place(id)
	if !ok {
		t.Fatalf("place %s missing", id)
	}
	if p.Meta.Slug == nil {
		t.Fatalf("place %s has no slug", id)
	}
	return *p.Meta.Slug
}

// ============================================================================
// Tests
// ============================================================================

func TestRun_PublishesAndNotifies(t *testing.T) {
	h := newHarness()
	seedPublishable(t, h.places, testShop("p1"))

	report, err := h.stage(Config{SiteURL: "https://example.com/"}, nil).Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.wait(t)

	if report.Items != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	p, _ := h.places.Place("p1")
	if p.State() != domain.PlaceStatePublished {
		t.Fatalf("state = %s", p.State())
	}
	if got := slugOf(t, h.places, "p1"); got != "test-shop-euljiro-dong" {
		t.Errorf("slug = %q", got)
	}
	if got := h.cache.Invalidated(); len(got) != 1 || got[0] != "test-shop-euljiro-dong" {
		t.Errorf("invalidated = %v", got)
	}
	if len(h.revalidator.slugs) != 1 {
		t.Errorf("revalidations = %v", h.revalidator.slugs)
	}
	if h.sitemap.builds != 1 {
		t.Errorf("sitemap builds = %d", h.sitemap.builds)
	}
	want := "https://example.com/places/test-shop-euljiro-dong"
	if len(h.search.urls) != 1 || h.search.urls[0] != want {
		t.Errorf("submitted urls = %v, want [%s]", h.search.urls, want)
	}
}

func TestRun_SlugCollisionGetsSuffix(t *testing.T) {
	h := newHarness()
	seedPublishable(t, h.places, testShop("p1"), testShop("p2"))

	if _, err := h.stage(Config{}, nil).Run(context.Background(), budget.Unlimited()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.wait(t)

	slugs := []string{slugOf(t, h.places, "p1"), slugOf(t, h.places, "p2")}
	sort.Strings(slugs)
	if slugs[0] != "test-shop-euljiro-dong" || slugs[1] != "test-shop-euljiro-dong-abc123" {
		t.Fatalf("slugs = %v", slugs)
	}
}

func TestRun_ExhaustedAttemptsUseIDSlug(t *testing.T) {
	h := newHarness()
	seedPublishable(t, h.places, testShop("p1"), testShop("p2"), testShop("p3"))

	// Every suffixed candidate collides after the first two places.
	cfg := Config{SlugAttempts: 2}
	if _, err := h.stage(cfg, nil).Run(context.Background(), budget.Unlimited()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := slugOf(t, h.places, "p3"); got != "test-shop-euljiro-dong-p3" {
		t.Errorf("p3 slug = %q", got)
	}
}

func TestRun_LostRaceFallsBack(t *testing.T) {
	h := newHarness()
	seedPublishable(t, h.places, testShop("p1"))
	repo := &racingRepo{PlaceRepo: h.places}

	report, err := h.stage(Config{}, repo).Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := slugOf(t, h.places, "p1"); got != "test-shop-euljiro-dong-p1" {
		t.Errorf("slug = %q", got)
	}
}

func TestRun_KeepsExistingSlug(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.places.InsertIgnore(ctx, []domain.NormalizedPlace{testShop("p1")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	existing := "legacy-slug"
	yes := true
	if _, err := h.places.ApplyEnrichment(ctx, "p1", domain.PublishMetaUpdate{
		Slug:          &existing,
		IsPublishable: &yes,
	}); err != nil {
		t.Fatalf("enrich: %v", err)
	}

	if _, err := h.stage(Config{}, nil).Run(ctx, budget.Unlimited()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.wait(t)
	if got := slugOf(t, h.places, "p1"); got != existing {
		t.Errorf("slug = %q, want %q", got, existing)
	}
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness()
	seedPublishable(t, h.places, testShop("p1"))
	ctx := context.Background()

	s := h.stage(Config{}, nil)
	if _, err := s.Run(ctx, budget.Unlimited()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := h.places.Place("p1")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err := s.Run(ctx, budget.Unlimited())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	h.wait(t)

	if report.Items != 0 {
		t.Errorf("second run published %d", report.Items)
	}
	second, _ := h.places.Place("p1")
	if !second.Meta.LastPublishedAt.Equal(*first.Meta.LastPublishedAt) {
		t.Errorf("lastPublishedAt moved from %v to %v", first.Meta.LastPublishedAt, second.Meta.LastPublishedAt)
	}
	if h.sitemap.builds != 1 {
		t.Errorf("sitemap builds = %d, want 1", h.sitemap.builds)
	}
}

func TestRun_NotificationFailureIsNotFatal(t *testing.T) {
	h := newHarness()
	h.revalidator.fail = true
	seedPublishable(t, h.places, testShop("p1"))
	failures := metrics.NotifyFailures.WithLabelValues("revalidate")
	before := testutil.ToFloat64(failures)

	report, err := h.stage(Config{}, nil).Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
	if got := testutil.ToFloat64(failures) - before; got != 1 {
		t.Errorf("revalidate failures = %v, want 1", got)
	}
	p, _ := h.places.Place("p1")
	if p.Meta.LastPublishedAt == nil {
		t.Fatal("place not published")
	}
}

func TestRun_SkipsUnpublishable(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.places.InsertIgnore(ctx, []domain.NormalizedPlace{testShop("p1")}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	report, err := h.stage(Config{}, nil).Run(ctx, budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 0 {
		t.Fatalf("published %d unpublishable places", report.Items)
	}
	if h.sitemap.builds != 0 {
		t.Errorf("sitemap rebuilt with nothing published")
	}
}

func TestRun_StopsOnBudget(t *testing.T) {
	h := newHarness()
	rows := make([]domain.NormalizedPlace, 3)
	for i := range rows {
		rows[i] = domain.NormalizedPlace{
			ID:       fmt.Sprintf("p%d", i),
			SourceID: fmt.Sprintf("s%d", i),
			Name:     fmt.Sprintf("Shop %d", i),
		}
	}
	seedPublishable(t, h.places, rows...)

	start := time.Unix(0, 0)
	now := start
	guard := budget.New(time.Minute, budget.WithClock(func() time.Time { return now }))
	now = start.Add(time.Minute)

	report, err := h.stage(Config{}, nil).Run(context.Background(), guard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Interrupted || report.Items != 0 {
		t.Fatalf("report = %+v", report)
	}
	if got, _ := h.places.PendingPublish(context.Background(), 10); len(got) != 3 {
		t.Errorf("pending = %d", len(got))
	}
}

func TestBaseSlug(t *testing.T) {
	tests := []struct {
		name  string
		place domain.Place
		want  string
	}{
		{"stored base", domain.Place{NormalizedPlace: domain.NormalizedPlace{SlugBase: "stored"}}, "stored"},
		{"derived", domain.Place{NormalizedPlace: domain.NormalizedPlace{Name: "Cafe Blue", Subregion: "Mapo-gu"}}, "cafe-blue-mapo-gu"},
		{"empty", domain.Place{}, "place"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := baseSlug(tt.place); got != tt.want {
				t.Errorf("baseSlug = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRandomSuffix(t *testing.T) {
	s := randomSuffix()
	if len(s) != 6 || strings.Trim(s, suffixAlphabet) != "" {
		t.Errorf("suffix = %q", s)
	}
}

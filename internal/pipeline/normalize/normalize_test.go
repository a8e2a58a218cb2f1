package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage/memory"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		road, lot string
		want      Address
	}{
		{
			name: "road with parenthetical",
			road: "서울특별시 중구 을지로 100 (을지로동)",
			want: Address{Region: "서울특별시", Subregion: "중구", Neighborhood: "을지로동"},
		},
		{
			name: "lot with city and district",
			lot:  "경기도 수원시 팔달구 인계동 1000-1",
			want: Address{Region: "경기도", Subregion: "수원시 팔달구", Neighborhood: "인계동"},
		},
		{
			name: "romanized",
			road: "Seoul Jung-gu Eulji-ro 100 (Euljiro-dong, Bldg 2)",
			want: Address{Region: "Seoul", Subregion: "Jung-gu", Neighborhood: "Euljiro-dong"},
		},
		{
			name: "neighborhood from lot",
			road: "서울특별시 종로구 종로 10",
			lot:  "서울특별시 종로구 종로3가 10",
			want: Address{Region: "서울특별시", Subregion: "종로구", Neighborhood: "종로3가"},
		},
		{
			name: "no subregion",
			road: "세종특별자치시 한누리대로 2130",
			lot:  "세종특별자치시 조치원읍 1",
			want: Address{Region: "세종특별자치시", Neighborhood: "조치원읍"},
		},
		{
			name: "empty",
			want: Address{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAddress(tt.road, tt.lot)
			if got != tt.want {
				t.Errorf("ParseAddress() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func float(f float64) *float64 { return &f }

func TestTransform(t *testing.T) {
	s := NewStage(DefaultConfig(), nil, nil)
	s.newID = func() string { return "place-1" }

	payload, _ := json.Marshal(map[string]string{"trdStateNm": "영업/정상", "apvPermYmd": "20190315"})
	got := s.Transform(domain.RawRecord{
		SourceID:    "src-1",
		Name:        " Test Shop ",
		RoadAddress: "Seoul Jung-gu Eulji-ro 1 (Euljiro-dong)",
		Category:    "cafe",
		Latitude:    float(37.56),
		Longitude:   float(200),
		Payload:     payload,
	})

	if got.ID != "place-1" || got.SourceID != "src-1" || got.Name != "Test Shop" {
		t.Errorf("identity = %+v", got)
	}
	if got.SlugBase != "test-shop-euljiro-dong" {
		t.Errorf("SlugBase = %q", got.SlugBase)
	}
	if got.Latitude != nil || got.Longitude != nil {
		t.Error("out-of-box coordinates should be nulled")
	}
	if got.Status != "영업/정상" {
		t.Errorf("Status = %q", got.Status)
	}
	if got.LicenseDate == nil || !got.LicenseDate.Equal(time.Date(2019, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LicenseDate = %v", got.LicenseDate)
	}
}

func seedRaw(t *testing.T, raw *memory.RawRepo, n int) {
	t.Helper()
	rows := make([]domain.RawRecord, n)
	for i := range rows {
		rows[i] = domain.RawRecord{
			SourceID:    fmt.Sprintf("src-%d", i),
			Name:        fmt.Sprintf("Shop %d", i),
			RoadAddress: "서울특별시 중구 을지로 100 (을지로동)",
		}
	}
	if err := raw.InsertIgnore(context.Background(), rows); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestStage_Run(t *testing.T) {
	store := memory.NewMemoryStorage()
	raw := memory.NewRawRepo(store)
	places := memory.NewPlaceRepo(store)
	seedRaw(t, raw, 5)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	s := NewStage(cfg, raw, places)

	report, err := s.Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 5 {
		t.Errorf("Items = %d, want 5", report.Items)
	}

	p, ok := places.PlaceBySource("src-3")
	if !ok {
		t.Fatal("src-3 not normalized")
	}
	if p.Subregion != "중구" || p.State() != domain.PlaceStateNormalized || p.Meta.IsPublishable {
		t.Errorf("place = %+v", p)
	}

	// Nothing pending: a second run is a no-op.
	report, err = s.Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Items != 0 {
		t.Errorf("second run Items = %d, want 0", report.Items)
	}
	if n, _ := places.Count(context.Background()); n != 5 {
		t.Errorf("places = %d, want 5", n)
	}
}

func TestStage_RespectsBatchCapAndGuard(t *testing.T) {
	store := memory.NewMemoryStorage()
	raw := memory.NewRawRepo(store)
	places := memory.NewPlaceRepo(store)
	seedRaw(t, raw, 6)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxBatches = 2
	s := NewStage(cfg, raw, places)

	report, err := s.Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 4 {
		t.Errorf("Items = %d, want 4", report.Items)
	}

	now := time.Now()
	clock := func() time.Time { return now }
	guard := budget.New(time.Second, budget.WithClock(clock))
	now = now.Add(time.Hour)

	report, err = s.Run(context.Background(), guard)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Interrupted || report.Items != 0 {
		t.Errorf("report = %+v, want interrupted with no items", report)
	}
}

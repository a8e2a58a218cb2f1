package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/llm"
	"github.com/vietddude/placepipe/internal/infra/storage/memory"
)

// ============================================================================
// Mock client
// ============================================================================

type mockClient struct {
	mu       sync.Mutex
	failFor  string // place name whose calls fail
	badFAQ   bool
	calls    int
	inflight int
	peak     int
	closed   bool
}

func (m *mockClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	m.inflight++
	m.peak = max(m.peak, m.inflight)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	time.Sleep(time.Millisecond)
	if m.failFor != "" && strings.Contains(req.Prompt, m.failFor) {
		return "", errors.New("model overloaded")
	}
	if req.JSON {
		if m.badFAQ {
			return `{"faq": "nope"}`, nil
		}
		return "```json\n{\"faq\":[{\"question\":\"Open late?\",\"answer\":\"Check locally.\"}]}\n```", nil
	}
	return "A generated summary.", nil
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func seedPlaces(t *testing.T, repo *memory.PlaceRepo, n int) {
	t.Helper()
	rows := make([]domain.NormalizedPlace, n)
	for i := range rows {
		rows[i] = domain.NormalizedPlace{
			ID:          fmt.Sprintf("place-%d", i),
			SourceID:    fmt.Sprintf("src-%d", i),
			Name:        fmt.Sprintf("Shop %d", i),
			Category:    "cafe",
			RoadAddress: "Seoul Jung-gu Eulji-ro 1",
		}
	}
	if err := repo.InsertIgnore(context.Background(), rows); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newTestStage(repo *memory.PlaceRepo, client *mockClient) *Stage {
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	s := NewStage(cfg, repo, func(ctx context.Context) (llm.Client, error) { return client, nil })
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

// ============================================================================
// Tests
// ============================================================================

func TestRun_IsolatesFailedRecord(t *testing.T) {
	repo := memory.NewPlaceRepo(memory.NewMemoryStorage())
	seedPlaces(t, repo, 5)
	client := &mockClient{failFor: "Shop 2"}

	report, err := newTestStage(repo, client).Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 5 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	for i := range 5 {
		p, _ := repo.Place(fmt.Sprintf("place-%d", i))
		if !p.Meta.IsPublishable || p.State() != domain.PlaceStateEnriched {
			t.Errorf("place-%d not publishable", i)
		}
		if p.Meta.AISummary == nil {
			t.Fatalf("place-%d has no summary", i)
		}

		if i == 2 {
			want := "Shop 2 is a cafe located in Seoul Jung-gu Eulji-ro 1."
			if *p.Meta.AISummary != want {
				t.Errorf("default summary = %q, want %q", *p.Meta.AISummary, want)
			}
			if p.Meta.AIFAQ != nil {
				t.Error("failed record must have a null FAQ")
			}
			continue
		}
		if *p.Meta.AISummary != "A generated summary." {
			t.Errorf("place-%d summary = %q", i, *p.Meta.AISummary)
		}
		var faq []map[string]string
		if p.Meta.AIFAQ == nil || json.Unmarshal([]byte(*p.Meta.AIFAQ), &faq) != nil || len(faq) != 1 {
			t.Errorf("place-%d faq = %v", i, p.Meta.AIFAQ)
		}
	}
	if !client.closed {
		t.Error("client not closed")
	}
}

func TestRun_InvalidFAQFallsBack(t *testing.T) {
	repo := memory.NewPlaceRepo(memory.NewMemoryStorage())
	seedPlaces(t, repo, 1)

	if _, err := newTestStage(repo, &mockClient{badFAQ: true}).Run(context.Background(), budget.Unlimited()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p, _ := repo.Place("place-0")
	if p.Meta.AIFAQ != nil || !strings.HasPrefix(*p.Meta.AISummary, "Shop 0 is a cafe") {
		t.Errorf("meta = %+v", p.Meta)
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	repo := memory.NewPlaceRepo(memory.NewMemoryStorage())
	seedPlaces(t, repo, 10)
	client := &mockClient{}

	s := newTestStage(repo, client)
	s.cfg.BatchSize = 10
	s.cfg.Concurrency = 2

	report, err := s.Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Items != 10 {
		t.Errorf("Items = %d, want 10", report.Items)
	}
	// Two records at a time, two calls each.
	if client.peak > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", client.peak)
	}
	if client.calls != 20 {
		t.Errorf("calls = %d, want 20", client.calls)
	}
}

func TestRun_FactoryFailure(t *testing.T) {
	repo := memory.NewPlaceRepo(memory.NewMemoryStorage())
	seedPlaces(t, repo, 1)

	s := NewStage(DefaultConfig(), repo, func(ctx context.Context) (llm.Client, error) {
		return nil, llm.ErrMissingCredentials
	})
	if _, err := s.Run(context.Background(), budget.Unlimited()); !errors.Is(err, llm.ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
	p, _ := repo.Place("place-0")
	if p.Meta.IsPublishable {
		t.Error("nothing should change when the client cannot be built")
	}
}

func TestRun_SkipsAlreadyEnriched(t *testing.T) {
	repo := memory.NewPlaceRepo(memory.NewMemoryStorage())
	seedPlaces(t, repo, 2)
	client := &mockClient{}
	s := newTestStage(repo, client)

	if _, err := s.Run(context.Background(), budget.Unlimited()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := client.calls
	report, err := s.Run(context.Background(), budget.Unlimited())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Items != 0 || client.calls != calls {
		t.Errorf("second run touched %d places with %d calls", report.Items, client.calls-calls)
	}
}

func TestParseFAQ(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{`{"faq":[{"question":"Q","answer":"A"}]}`, false},
		{`{"faq":[]}`, true},
		{`{"faq":[{"question":""}]}`, true},
		{`not json`, true},
	}
	for _, tt := range tests {
		_, err := parseFAQ(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFAQ(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
	}
}

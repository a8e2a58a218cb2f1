package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage/memory"
)

// =============================================================================
// Helpers
// =============================================================================

type fixture struct {
	runs   *memory.StageRuns
	active *memory.FailQueue
	dead   *memory.FailQueue
}

func newFixture() *fixture {
	store := memory.NewMemoryStorage()
	return &fixture{
		runs:   memory.NewStageRuns(store),
		active: memory.NewFailQueue(store, "failqueue"),
		dead:   memory.NewFailQueue(store, "deadletter"),
	}
}

func (f *fixture) monitor() *Monitor {
	return NewMonitor(f.runs, f.active, f.dead, Thresholds{})
}

func (f *fixture) record(t *testing.T, stage domain.Stage, success bool) {
	t.Helper()
	run := domain.StageRun{Stage: stage, Success: success, StartedAt: time.Now()}
	if !success {
		run.Error = "boom"
	}
	if err := f.runs.Record(context.Background(), run); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func (f *fixture) enqueue(t *testing.T, q *memory.FailQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := q.Enqueue(context.Background(), &domain.FailQueueMessage{
			Payload: domain.FailPayload{Stage: domain.StageFetchInitial},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	f := newFixture()
	f.record(t, domain.StageNormalize, true)

	report := f.monitor().CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if report.Stages[domain.StageNormalize].LastRun == nil {
		t.Error("expected last run for normalize")
	}
}

func TestMonitor_FailedRunDegrades(t *testing.T) {
	f := newFixture()
	f.record(t, domain.StageEnrich, false)

	report := f.monitor().CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if report.Stages[domain.StageEnrich].Status != StatusDegraded {
		t.Errorf("enrich status = %s", report.Stages[domain.StageEnrich].Status)
	}
}

func TestMonitor_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		active int
		dead   int
		want   SystemStatus
	}{
		{"queue pending", 1, 0, StatusDegraded},
		{"dead letters", 0, 1, StatusDegraded},
		{"queue backlog", 100, 0, StatusCritical},
		{"dead letter pile", 0, 50, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.enqueue(t, f.active, tt.active)
			f.enqueue(t, f.dead, tt.dead)

			report := f.monitor().CheckHealth(context.Background())
			if report.SystemStatus != tt.want {
				t.Errorf("expected %s, got %s", tt.want, report.SystemStatus)
			}
		})
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	f := newFixture()
	m := f.monitor()
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	first := m.CheckHealth(context.Background())
	f.record(t, domain.StagePublish, false)
	if got := m.CheckHealth(context.Background()); got != first {
		t.Error("expected cached report")
	}

	now = now.Add(11 * time.Second)
	if got := m.CheckHealth(context.Background()); got.SystemStatus != StatusDegraded {
		t.Errorf("expected refreshed degraded report, got %s", got.SystemStatus)
	}
}

type brokenRuns struct{}

func (brokenRuns) Record(ctx context.Context, run domain.StageRun) error { return nil }
func (brokenRuns) Latest(ctx context.Context, stage domain.Stage) (*domain.StageRun, error) {
	return nil, errors.New("redis down")
}

func TestMonitor_StoreErrorDegrades(t *testing.T) {
	f := newFixture()
	m := NewMonitor(brokenRuns{}, f.active, f.dead, Thresholds{})

	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}
}

func TestServer_Endpoints(t *testing.T) {
	f := newFixture()
	f.record(t, domain.StageFetchInitial, true)
	f.enqueue(t, f.dead, 50)
	srv := httptest.NewServer(NewServer(f.monitor(), 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/health status = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health/stages")
	if err != nil {
		t.Fatalf("GET /health/stages: %v", err)
	}
	defer resp.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.DeadLetters != 50 {
		t.Errorf("dead letters = %d", report.DeadLetters)
	}
	if report.Stages[domain.StageFetchInitial].LastRun == nil {
		t.Error("missing fetch-initial run")
	}

	resp2, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp2.StatusCode)
	}
}

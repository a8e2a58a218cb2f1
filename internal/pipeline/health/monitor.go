package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

// Thresholds decide when queue depths degrade the system.
type Thresholds struct {
	FailQueueDegraded  int `yaml:"fail_queue_degraded"`
	FailQueueCritical  int `yaml:"fail_queue_critical"`
	DeadLetterCritical int `yaml:"dead_letter_critical"`
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailQueueDegraded:  1,
		FailQueueCritical:  100,
		DeadLetterCritical: 50,
	}
}

// Monitor aggregates health from the durable run history.
type Monitor struct {
	runs       storage.StageRunStore
	failQueue  storage.FailQueue
	deadLetter storage.FailQueue
	thresholds Thresholds
	cacheFor   time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor.
func NewMonitor(runs storage.StageRunStore, failQueue, deadLetter storage.FailQueue, thresholds Thresholds) *Monitor {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Monitor{
		runs:       runs,
		failQueue:  failQueue,
		deadLetter: deadLetter,
		thresholds: thresholds,
		cacheFor:   10 * time.Second,
		now:        time.Now,
		log:        slog.Default().With("component", "health"),
	}
}

// CheckHealth builds a report, reusing the previous one for a few seconds.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Stages:       make(map[domain.Stage]StageHealth, len(domain.Stages)),
	}

	for _, stage := range domain.Stages {
		health := StageHealth{Stage: stage, Status: StatusHealthy}
		run, err := m.runs.Latest(ctx, stage)
		switch {
		case err != nil:
			m.log.Warn("Failed to read stage run", "stage", stage, "error", err)
			health.Status = StatusDegraded
		case run != nil:
			health.LastRun = run
			if !run.Success {
				health.Status = StatusDegraded
			}
		}
		report.Stages[stage] = health
		report.SystemStatus = worst(report.SystemStatus, health.Status)
	}

	if n, err := m.failQueue.Count(ctx); err == nil {
		report.FailQueue = n
	} else {
		report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
	}
	if n, err := m.deadLetter.Count(ctx); err == nil {
		report.DeadLetters = n
	} else {
		report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
	}

	if report.FailQueue >= m.thresholds.FailQueueCritical || report.DeadLetters >= m.thresholds.DeadLetterCritical {
		report.SystemStatus = StatusCritical
	} else if report.FailQueue >= m.thresholds.FailQueueDegraded || report.DeadLetters > 0 {
		report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
	}

	m.lastCheck = m.now()
	m.lastReport = report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Package health reports pipeline health from recorded stage runs and queue
// depths.
package health

import "github.com/vietddude/placepipe/internal/core/domain"

// SystemStatus represents the overall health state of the system or a stage.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// StageHealth is the health of one stage.
type StageHealth struct {
	Stage   domain.Stage     `json:"stage"`
	Status  SystemStatus     `json:"status"`
	LastRun *domain.StageRun `json:"last_run,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                 `json:"system_status"`
	FailQueue    int                          `json:"fail_queue"`
	DeadLetters  int                          `json:"dead_letters"`
	Stages       map[domain.Stage]StageHealth `json:"stages"`
}

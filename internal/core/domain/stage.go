package domain

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a pipeline stage. The value is also the CLI argument and the
// fail-queue dispatch key.
type Stage string

const (
	StageFetchInitial     Stage = "fetch-initial"
	StageFetchIncremental Stage = "fetch-incremental"
	StageNormalize        Stage = "normalize"
	StageEnrich           Stage = "enrich"
	StagePublish          Stage = "publish"
	StageRetry            Stage = "retry"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageFetchInitial,
	StageFetchIncremental,
	StageNormalize,
	StageEnrich,
	StagePublish,
	StageRetry,
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// StageRun is the operator-facing record of one stage invocation.
type StageRun struct {
	Stage     Stage         `json:"stage"`
	Success   bool          `json:"success"`
	Items     int           `json:"items"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// ErrInterrupted is returned by replays cut short by the time budget. The
// work unit is still pending and must be retried unchanged.
var ErrInterrupted = errors.New("interrupted by time budget")

// StageReport is what a stage returns to the scheduler.
type StageReport struct {
	Items       int
	Failed      int
	Interrupted bool
}

package control

import (
	"context"
	"time"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
)

// Runner is one pipeline stage.
type Runner interface {
	Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error)
}

// Status is the operator view printed by the status command.
type Status struct {
	Initial     domain.InitialCursor
	Incremental domain.IncrementalCursor
	FailQueue   int
	DeadLetters int
	Runs        map[domain.Stage]*domain.StageRun
	Storage     string
	CheckedAt   time.Time
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/placepipe/internal/core/domain"
)

const stageRunHistory = 100

// StageRuns keeps the newest runs of each stage in a capped list.
type StageRuns struct {
	client *Client
}

// NewStageRuns creates a stage run store over client.
func NewStageRuns(client *Client) *StageRuns {
	return &StageRuns{client: client}
}

func (s *StageRuns) listKey(stage domain.Stage) string {
	return s.client.key("stage_runs", string(stage))
}

// Record pushes run to the head of its stage list.
func (s *StageRuns) Record(ctx context.Context, run domain.StageRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal stage run: %w", err)
	}

	key := s.listKey(run.Stage)
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, stageRunHistory-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record stage run: %w", err)
	}
	return nil
}

// Latest returns the newest run of stage, or nil.
func (s *StageRuns) Latest(ctx context.Context, stage domain.Stage) (*domain.StageRun, error) {
	data, err := s.client.rdb.LIndex(ctx, s.listKey(stage), 0).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lindex failed: %w", err)
	}

	var run domain.StageRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage run: %w", err)
	}
	return &run, nil
}

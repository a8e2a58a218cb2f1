package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/storage"
)

// Requeue moves up to limit dead letters back to the active queue with a
// fresh retry budget. It returns how many moved. Messages claimed before a
// claim error are still moved.
func Requeue(ctx context.Context, dead, active storage.FailQueue, limit int) (int, error) {
	msgs, claimErr := dead.Claim(ctx, limit)
	if claimErr != nil {
		claimErr = fmt.Errorf("failed to claim dead letters: %w", claimErr)
	}

	for i, msg := range msgs {
		fresh := &domain.FailQueueMessage{
			Payload: msg.Payload,
			Error:   msg.Error,
		}
		if err := active.Enqueue(ctx, fresh); err != nil {
			// Put the unmoved ones back where they came from.
			for _, rest := range msgs[i:] {
				_ = dead.Enqueue(context.WithoutCancel(ctx), rest)
			}
			return i, errors.Join(claimErr, fmt.Errorf("failed to requeue %s: %w", msg.ID, err))
		}
	}
	return len(msgs), claimErr
}

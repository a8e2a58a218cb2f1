package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"github.com/redis/go-redis/v9"
	"github.com/vietddude/placepipe/internal/core/domain"
)

const (
	NamespaceFailQueue  = "failqueue"
	NamespaceDeadLetter = "deadletter"
)

var (
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	entropyMu sync.Mutex
)

// newMessageID returns a time-ordered id with a random suffix.
func newMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// FailQueue stores messages as JSON under <ns>:<id> with a sorted-set
// index <ns> scored by enqueue time.
type FailQueue struct {
	rdb       *redis.Client
	client    *Client
	namespace string
	log       *slog.Logger
}

// errUndecodable marks a stored message whose JSON cannot be read.
var errUndecodable = errors.New("undecodable message")

// NewFailQueue creates a queue over the given namespace.
func NewFailQueue(client *Client, namespace string) *FailQueue {
	return &FailQueue{
		rdb:       client.rdb,
		client:    client,
		namespace: namespace,
		log:       slog.Default().With("component", "failqueue", "namespace", namespace),
	}
}

// Key helpers
func (q *FailQueue) indexKey() string {
	return q.client.key(q.namespace)
}

func (q *FailQueue) messageKey(id string) string {
	return q.client.key(q.namespace, id)
}

func (q *FailQueue) corruptKey(id string) string {
	return q.client.key(q.namespace, "corrupt", id)
}

// Enqueue adds a message. ID and Timestamp are filled in when empty.
func (q *FailQueue) Enqueue(ctx context.Context, msg *domain.FailQueueMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ID == "" {
		msg.ID = newMessageID(msg.Timestamp)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.messageKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, q.indexKey(), redis.Z{
			Score:  float64(msg.Timestamp.UnixMilli()),
			Member: msg.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Claim removes and returns up to limit of the oldest messages. Removal from
// the index decides ownership, so concurrent drains never share a message.
//
// On error the messages claimed so far are still returned and belong to the
// caller. A message whose read fails is put back in the index. An
// undecodable message is moved to <ns>:corrupt:<id> and skipped.
func (q *FailQueue) Claim(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := q.rdb.ZRangeWithScores(ctx, q.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	msgs := make([]*domain.FailQueueMessage, 0, len(entries))
	for _, entry := range entries {
		id, _ := entry.Member.(string)
		removed, err := q.rdb.ZRem(ctx, q.indexKey(), id).Result()
		if err != nil {
			return msgs, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			continue // claimed by another drain
		}

		msg, err := q.load(ctx, id)
		if errors.Is(err, errUndecodable) {
			q.quarantine(ctx, id, err)
			continue
		}
		if err != nil {
			if zerr := q.rdb.ZAdd(context.WithoutCancel(ctx), q.indexKey(), entry).Err(); zerr != nil {
				q.log.Error("Failed to return message to index", "message_id", id, "error", zerr)
			}
			return msgs, err
		}
		if msg == nil {
			continue
		}
		msgs = append(msgs, msg)
		if err := q.rdb.Del(ctx, q.messageKey(id)).Err(); err != nil {
			return msgs, fmt.Errorf("failed to delete message: %w", err)
		}
	}
	return msgs, nil
}

// quarantine keeps an unreadable message body for inspection.
func (q *FailQueue) quarantine(ctx context.Context, id string, cause error) {
	q.log.Warn("Skipping undecodable message", "message_id", id, "error", cause)
	if err := q.rdb.Rename(ctx, q.messageKey(id), q.corruptKey(id)).Err(); err != nil {
		q.log.Error("Failed to quarantine message", "message_id", id, "error", err)
	}
}

// List returns up to limit messages, oldest first, without claiming them.
func (q *FailQueue) List(ctx context.Context, limit int) ([]*domain.FailQueueMessage, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.rdb.ZRange(ctx, q.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	msgs := make([]*domain.FailQueueMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := q.load(ctx, id)
		if errors.Is(err, errUndecodable) {
			q.log.Warn("Skipping undecodable message", "message_id", id, "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// Count returns the number of queued messages.
func (q *FailQueue) Count(ctx context.Context) (int, error) {
	count, err := q.rdb.ZCard(ctx, q.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

func (q *FailQueue) load(ctx context.Context, id string) (*domain.FailQueueMessage, error) {
	data, err := q.rdb.Get(ctx, q.messageKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var msg domain.FailQueueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errUndecodable, id, err)
	}
	return &msg, nil
}

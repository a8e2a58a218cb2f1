package redis

import (
	"context"
	"fmt"
)

// ReadCache invalidates responses cached by the read-side API. Entries live
// under cache:place:<slug> and cache:places:<query>.
type ReadCache struct {
	client *Client
}

// NewReadCache creates a read cache over client.
func NewReadCache(client *Client) *ReadCache {
	return &ReadCache{client: client}
}

func placeCacheKey(slug string) string {
	return "cache:place:" + slug
}

// Invalidate drops the place entry and every aggregate list entry.
func (c *ReadCache) Invalidate(ctx context.Context, slug string) error {
	keys := []string{c.client.key(placeCacheKey(slug))}

	iter := c.client.rdb.Scan(ctx, 0, c.client.key("cache:places:*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan list cache failed: %w", err)
	}

	if err := c.client.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del cache failed: %w", err)
	}
	return nil
}

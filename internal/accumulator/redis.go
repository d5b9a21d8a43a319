package accumulator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

// drainScript reads the whole buffer and deletes the key in one atomic step,
// so ids appended after the read start a fresh buffer incarnation.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

// RedisBuffers is the broker-backed BufferStore. Buffers carry a safety TTL
// well above the debounce window so a crashed gateway's buffers survive until
// the next recovery sweep but cannot accumulate forever.
type RedisBuffers struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBuffers creates the broker-backed buffer store.
func NewRedisBuffers(rdb *redis.Client, ttl time.Duration) *RedisBuffers {
	return &RedisBuffers{rdb: rdb, ttl: ttl}
}

// Append pushes the item id onto the session's buffer and refreshes the
// safety expiry.
func (b *RedisBuffers) Append(ctx context.Context, sessionID, itemID string) error {
	key := broker.BufferKey(sessionID)
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, itemID)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to buffer item %s for session %s: %w", itemID, sessionID, err)
	}
	return nil
}

// Drain atomically reads and clears the session's buffer, returning the item
// ids in append order. An absent buffer drains to nothing.
func (b *RedisBuffers) Drain(ctx context.Context, sessionID string) ([]string, error) {
	res, err := drainScript.Run(ctx, b.rdb, []string{broker.BufferKey(sessionID)}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to drain buffer for session %s: %w", sessionID, err)
	}

	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected drain result type %T for session %s", res, sessionID)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Sessions scans the broker for every session that currently has a non-empty
// buffer.
func (b *RedisBuffers) Sessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := b.rdb.Scan(ctx, 0, broker.BufferKeyPattern(), 100).Iterator()
	for iter.Next(ctx) {
		if sessionID := broker.SessionFromBufferKey(iter.Val()); sessionID != "" {
			sessions = append(sessions, sessionID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan for session buffers: %w", err)
	}
	return sessions, nil
}

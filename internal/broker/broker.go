// Package broker owns the connection to the Redis broker and the key
// namespace shared by every fleet process. All cross-process state
// (heartbeats, assignments, command streams, reply keys, session locks and
// accumulator buffers) lives under the "fleet:" prefix, and every key is
// derived here so no other package concatenates key strings.
package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/pkg/config"
)

// NewClient connects to the Redis broker and verifies the connection with a
// ping bounded by the configured timeout.
func NewClient(cfg config.BrokerConfig) (*redis.Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to broker at %s: %w", cfg.Addr, err)
	}

	log.Printf("connected to broker at %s (db %d)", cfg.Addr, cfg.DB)
	return rdb, nil
}

// HeartbeatKey holds a gateway's last-heartbeat timestamp with the liveness TTL.
func HeartbeatKey(gatewayID string) string {
	return "fleet:gateway:" + gatewayID + ":heartbeat"
}

// GatewaySetKey is the set of every gateway id ever registered. Membership is
// not liveness; readers must filter by HeartbeatKey existence.
func GatewaySetKey() string {
	return "fleet:gateways"
}

// AssignmentKey is the forward hash mapping bot id to owning gateway id.
func AssignmentKey() string {
	return "fleet:assignments"
}

// GatewayBotsKey is the reverse set of bot ids assigned to one gateway,
// used for load counting.
func GatewayBotsKey(gatewayID string) string {
	return "fleet:gateway:" + gatewayID + ":bots"
}

// CommandStreamKey is the inbound command stream for one gateway.
func CommandStreamKey(gatewayID string) string {
	return "fleet:gateway:" + gatewayID + ":commands"
}

// ConsumerGroup derives the stream consumer-group name for a gateway.
// Deterministic so a restarted gateway rejoins its own group.
func ConsumerGroup(gatewayID string) string {
	return "fleet-cg-" + gatewayID
}

// ReplyKey is the list a command caller blocks on for its correlated reply.
func ReplyKey(correlationID string) string {
	return "fleet:reply:" + correlationID
}

// SessionLockKey holds the lease token for a session's processing turn.
func SessionLockKey(sessionID string) string {
	return "fleet:session:" + sessionID + ":lock"
}

// BufferKey holds the ordered list of buffered inbound item ids for a session.
func BufferKey(sessionID string) string {
	return "fleet:session:" + sessionID + ":buffer"
}

// BufferKeyPattern matches every session buffer key; used by the recovery
// sweep to find orphaned buffers.
func BufferKeyPattern() string {
	return "fleet:session:*:buffer"
}

// SessionFromBufferKey recovers the session id from a buffer key, or "" if
// the key is not a buffer key.
func SessionFromBufferKey(key string) string {
	const prefix = "fleet:session:"
	const suffix = ":buffer"
	if len(key) <= len(prefix)+len(suffix) {
		return ""
	}
	if key[:len(prefix)] != prefix || key[len(key)-len(suffix):] != suffix {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}

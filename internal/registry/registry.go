// Package registry tracks live gateways and the bot→gateway assignment that
// command routing depends on. Liveness is a TTL'd heartbeat key: a gateway
// that dies without deregistering ages out within one TTL window, while its
// static membership in the gateway set persists and is filtered on read.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

// ErrNoGateway is returned by LeastLoaded when no live gateway exists.
var ErrNoGateway = errors.New("no live gateway available")

// Registry mediates all broker access for gateway liveness and assignment.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration
}

// GatewayInfo is a point-in-time view of one gateway, for operator tooling.
type GatewayInfo struct {
	ID    string
	Live  bool
	Bots  int64
	Since string // last heartbeat timestamp, RFC3339; empty when dead
}

// New creates a Registry. ttl is the liveness window; callers must heartbeat
// on a period strictly shorter than ttl (the design uses ttl = 3× the period).
func New(rdb *redis.Client, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, ttl: ttl}
}

// Register marks the gateway live and adds it to the static gateway set.
// Idempotent; also serves as the first heartbeat.
func (r *Registry) Register(ctx context.Context, gatewayID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, broker.GatewaySetKey(), gatewayID)
	pipe.Set(ctx, broker.HeartbeatKey(gatewayID), time.Now().UTC().Format(time.RFC3339), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register gateway %s: %w", gatewayID, err)
	}
	return nil
}

// Heartbeat renews the gateway's liveness window.
func (r *Registry) Heartbeat(ctx context.Context, gatewayID string) error {
	err := r.rdb.Set(ctx, broker.HeartbeatKey(gatewayID),
		time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
	if err != nil {
		return fmt.Errorf("heartbeat for gateway %s: %w", gatewayID, err)
	}
	return nil
}

// Alive reports whether the gateway's heartbeat key currently exists.
func (r *Registry) Alive(ctx context.Context, gatewayID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, broker.HeartbeatKey(gatewayID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Assign makes gatewayID the single owner of botID, updating the forward
// hash and both reverse sets in one transaction. Reassignment from a previous
// owner is handled here; readers treat a forward-index miss as authoritative,
// so a crash mid-transaction degrades to "unassigned", never to split
// ownership.
func (r *Registry) Assign(ctx context.Context, botID, gatewayID string) error {
	prev, err := r.rdb.HGet(ctx, broker.AssignmentKey(), botID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read current assignment for bot %s: %w", botID, err)
	}

	pipe := r.rdb.TxPipeline()
	if prev != "" && prev != gatewayID {
		pipe.SRem(ctx, broker.GatewayBotsKey(prev), botID)
	}
	pipe.HSet(ctx, broker.AssignmentKey(), botID, gatewayID)
	pipe.SAdd(ctx, broker.GatewayBotsKey(gatewayID), botID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to assign bot %s to gateway %s: %w", botID, gatewayID, err)
	}
	return nil
}

// Unassign removes botID's assignment. A no-op when the bot is unassigned.
func (r *Registry) Unassign(ctx context.Context, botID string) error {
	prev, err := r.rdb.HGet(ctx, broker.AssignmentKey(), botID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read current assignment for bot %s: %w", botID, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, broker.AssignmentKey(), botID)
	pipe.SRem(ctx, broker.GatewayBotsKey(prev), botID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unassign bot %s: %w", botID, err)
	}
	return nil
}

// GatewayFor returns the gateway currently owning botID, or "" when the bot
// is unassigned. The result may name a dead gateway: assignment is sticky and
// this core performs no automatic failover.
func (r *Registry) GatewayFor(ctx context.Context, botID string) (string, error) {
	gw, err := r.rdb.HGet(ctx, broker.AssignmentKey(), botID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve owner of bot %s: %w", botID, err)
	}
	return gw, nil
}

// LeastLoaded returns the live gateway with the fewest assigned bots.
// Candidates are walked in lexicographic id order so ties break
// deterministically. Returns ErrNoGateway when nothing is live.
func (r *Registry) LeastLoaded(ctx context.Context) (string, error) {
	ids, err := r.rdb.SMembers(ctx, broker.GatewaySetKey()).Result()
	if err != nil {
		return "", fmt.Errorf("failed to list gateways: %w", err)
	}
	sort.Strings(ids)

	best := ""
	var bestLoad int64
	for _, id := range ids {
		live, err := r.Alive(ctx, id)
		if err != nil {
			return "", err
		}
		if !live {
			continue
		}
		load, err := r.rdb.SCard(ctx, broker.GatewayBotsKey(id)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to count bots for gateway %s: %w", id, err)
		}
		if best == "" || load < bestLoad {
			best, bestLoad = id, load
		}
	}
	if best == "" {
		return "", ErrNoGateway
	}
	return best, nil
}

// Gateways returns every registered gateway with its liveness and load,
// dead ones included. Used by fleetctl, not by routing.
func (r *Registry) Gateways(ctx context.Context) ([]GatewayInfo, error) {
	ids, err := r.rdb.SMembers(ctx, broker.GatewaySetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list gateways: %w", err)
	}
	sort.Strings(ids)

	infos := make([]GatewayInfo, 0, len(ids))
	for _, id := range ids {
		info := GatewayInfo{ID: id}
		since, err := r.rdb.Get(ctx, broker.HeartbeatKey(id)).Result()
		switch {
		case err == redis.Nil:
			// dead: heartbeat expired
		case err != nil:
			return nil, err
		default:
			info.Live = true
			info.Since = since
		}
		info.Bots, err = r.rdb.SCard(ctx, broker.GatewayBotsKey(id)).Result()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

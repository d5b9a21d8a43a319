package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

// replyTTL bounds how long an uncollected reply lingers in the broker. It
// sits a little beyond the largest wait any caller is expected to use.
const replyTTL = 30 * time.Second

// Owners resolves a bot to its owning gateway. Satisfied by *registry.Registry.
type Owners interface {
	GatewayFor(ctx context.Context, botID string) (string, error)
}

// Producer publishes commands onto per-gateway streams and waits for
// correlated replies. Safe for concurrent use.
type Producer struct {
	rdb    *redis.Client
	owners Owners
	maxLen int64
}

// NewProducer creates a Producer. maxLen is the approximate high-water mark
// for command streams; zero disables trimming.
func NewProducer(rdb *redis.Client, owners Owners, maxLen int64) *Producer {
	return &Producer{rdb: rdb, owners: owners, maxLen: maxLen}
}

// Send publishes a command to botID's owning gateway and blocks up to timeout
// for the correlated reply. Fails fast with ErrNoOwner before touching the
// stream when the bot is unassigned. On timeout the reply key is deleted
// asynchronously so a late reply cannot accumulate; the remote handler is not
// cancelled. Send never retries; that decision belongs to the caller.
func (p *Producer) Send(ctx context.Context, botID string, kind Kind, payload interface{}, timeout time.Duration) (*ReplyEnvelope, error) {
	env, err := p.publish(ctx, botID, kind, payload, true)
	if err != nil {
		return nil, err
	}

	vals, err := p.rdb.BLPop(ctx, timeout, env.ReplyTo).Result()
	if err == redis.Nil {
		go p.rdb.Del(context.Background(), env.ReplyTo)
		return nil, fmt.Errorf("%w: command %s to bot %s after %s", ErrReplyTimeout, kind, botID, timeout)
	}
	if err != nil {
		go p.rdb.Del(context.Background(), env.ReplyTo)
		return nil, fmt.Errorf("failed waiting for reply to command %s: %w", env.ID, err)
	}

	// BLPop returns [key, value].
	var reply ReplyEnvelope
	if err := json.Unmarshal([]byte(vals[1]), &reply); err != nil {
		return nil, fmt.Errorf("malformed reply to command %s: %w", env.ID, err)
	}
	return &reply, nil
}

// Fire publishes a command without a reply address. Nothing ever waits for
// or collects a result.
func (p *Producer) Fire(ctx context.Context, botID string, kind Kind, payload interface{}) error {
	_, err := p.publish(ctx, botID, kind, payload, false)
	return err
}

func (p *Producer) publish(ctx context.Context, botID string, kind Kind, payload interface{}, wantReply bool) (*CommandEnvelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown command kind %q", kind)
	}

	gatewayID, err := p.owners.GatewayFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	if gatewayID == "" {
		return nil, fmt.Errorf("%w: bot %s", ErrNoOwner, botID)
	}

	env := &CommandEnvelope{
		ID:       uuid.New().String(),
		Kind:     kind,
		TargetID: botID,
	}
	if wantReply {
		env.ReplyTo = broker.ReplyKey(env.ID)
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		env.Payload = b
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: broker.CommandStreamKey(gatewayID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"envelope": string(data)},
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to publish command %s to gateway %s: %w", kind, gatewayID, err)
	}
	return env, nil
}

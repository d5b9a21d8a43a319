package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

// Handler is the full command surface a gateway exposes for bots it owns.
// One method per Kind keeps dispatch an exhaustive switch: adding a Kind
// without a handler method is a compile error, not a runtime miss.
//
// Handlers return a reply, never an error: failures are reported to the
// caller inside the ReplyEnvelope and the stream entry is acknowledged
// regardless.
type Handler interface {
	StartConnection(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
	StopConnection(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
	SendPayload(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
	ForceProcessing(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
	SyncState(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
	AddTag(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
	RemoveTag(ctx context.Context, env *CommandEnvelope) *ReplyEnvelope
}

// Consumer reads one gateway's inbound command stream through a consumer
// group and dispatches each envelope to the Handler. It is meant to run for
// the life of the process: transient broker errors pause and retry, only
// context cancellation stops the loop.
type Consumer struct {
	rdb       *redis.Client
	gatewayID string
	handler   Handler

	batchSize  int64
	blockFor   time.Duration
	retryPause time.Duration
}

// NewConsumer creates a Consumer for gatewayID's stream.
func NewConsumer(rdb *redis.Client, gatewayID string, handler Handler) *Consumer {
	return &Consumer{
		rdb:        rdb,
		gatewayID:  gatewayID,
		handler:    handler,
		batchSize:  10,
		blockFor:   5 * time.Second,
		retryPause: time.Second,
	}
}

// Run joins (creating if absent) the gateway's consumer group and processes
// entries until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	stream := broker.CommandStreamKey(c.gatewayID)
	group := broker.ConsumerGroup(c.gatewayID)

	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}

	log.Printf("command consumer started: stream=%s group=%s", stream, group)

	for {
		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.gatewayID,
			Streams:  []string{stream, ">"},
			Count:    c.batchSize,
			Block:    c.blockFor,
		}).Result()
		if ctx.Err() != nil {
			log.Printf("command consumer stopping: %v", ctx.Err())
			return nil
		}
		if err == redis.Nil {
			continue // poll window elapsed with nothing to read
		}
		if err != nil {
			log.Printf("command consumer read error (retrying): %v", err)
			select {
			case <-time.After(c.retryPause):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				c.process(ctx, stream, group, msg)
			}
		}
	}
}

// process handles one stream entry end to end: parse, dispatch, reply, ack.
// Every path acks: a poison entry must never block the stream, and handler
// failures are the caller's problem, not a delivery failure.
func (c *Consumer) process(ctx context.Context, stream, group string, msg redis.XMessage) {
	defer c.ack(ctx, stream, group, msg.ID)

	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		log.Printf("discarding malformed stream entry %s: no envelope field", msg.ID)
		return
	}

	var env CommandEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Printf("discarding unparsable command entry %s: %v", msg.ID, err)
		return
	}

	reply := c.dispatch(ctx, &env)

	if env.ReplyTo == "" {
		return // fire-and-forget
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("failed to marshal reply for command %s: %v", env.ID, err)
		return
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, env.ReplyTo, string(data))
	pipe.Expire(ctx, env.ReplyTo, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("failed to publish reply for command %s: %v", env.ID, err)
	}
}

// dispatch routes the envelope to the matching Handler method. A panicking
// handler is converted into a failure reply; the consumer loop survives.
func (c *Consumer) dispatch(ctx context.Context, env *CommandEnvelope) (reply *ReplyEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("handler panic for command %s (%s): %v", env.ID, env.Kind, r)
			reply = Errf("handler panic: %v", r)
		}
	}()

	switch env.Kind {
	case KindStartConnection:
		return c.handler.StartConnection(ctx, env)
	case KindStopConnection:
		return c.handler.StopConnection(ctx, env)
	case KindSendPayload:
		return c.handler.SendPayload(ctx, env)
	case KindForceProcessing:
		return c.handler.ForceProcessing(ctx, env)
	case KindSyncState:
		return c.handler.SyncState(ctx, env)
	case KindAddTag:
		return c.handler.AddTag(ctx, env)
	case KindRemoveTag:
		return c.handler.RemoveTag(ctx, env)
	default:
		return Errf("unknown command kind %q", env.Kind)
	}
}

func (c *Consumer) ack(ctx context.Context, stream, group, msgID string) {
	if err := c.rdb.XAck(ctx, stream, group, msgID).Err(); err != nil {
		log.Printf("failed to ack stream entry %s: %v", msgID, err)
	}
}

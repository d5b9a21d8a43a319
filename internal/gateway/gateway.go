// Package gateway assembles one fleet gateway process: the registry
// membership, the command consumer, the transport event pump, the
// accumulator and the orchestration loop, glued together behind the
// bus.Handler surface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/accumulator"
	"github.com/agentichq/fleet/internal/bus"
	"github.com/agentichq/fleet/internal/events"
	"github.com/agentichq/fleet/internal/metrics"
	"github.com/agentichq/fleet/internal/orchestrator"
	"github.com/agentichq/fleet/internal/registry"
	"github.com/agentichq/fleet/internal/store"
	"github.com/agentichq/fleet/internal/transport"
	"github.com/agentichq/fleet/pkg/config"
)

// shutdownGrace bounds the final buffer sweep and lock releases at exit.
const shutdownGrace = 30 * time.Second

// Gateway is one member of the fleet: it owns a set of bot connections,
// consumes the commands addressed to them and turns inbound traffic into
// processing turns.
type Gateway struct {
	id        string
	heartbeat time.Duration

	rdb     *redis.Client
	reg     *registry.Registry
	records store.Store
	acc     *accumulator.Accumulator
	loop    *orchestrator.Loop
	conns   transport.Client
	pub     *events.Publisher
	met     *metrics.Metrics

	mu   sync.Mutex
	open map[string]bool // bots with an open connection, for the gauge
}

// New wires a Gateway from its collaborators. The registry and accumulator
// are owned here; the loop, transport and record store are shared with the
// rest of the process and injected.
func New(cfg *config.Config, rdb *redis.Client, records store.Store, loop *orchestrator.Loop, conns transport.Client, pub *events.Publisher) *Gateway {
	g := &Gateway{
		id:        cfg.Gateway.ID,
		heartbeat: cfg.Gateway.HeartbeatInterval,
		rdb:       rdb,
		records:   records,
		loop:      loop,
		conns:     conns,
		pub:       pub,
		met:       metrics.NewMetrics(),
		open:      make(map[string]bool),
	}
	g.reg = registry.New(rdb, cfg.Gateway.HeartbeatTTL())
	buffers := accumulator.NewRedisBuffers(rdb, cfg.Accumulator.BufferTTL)
	g.acc = accumulator.New(buffers, g.resolveItems, cfg.Accumulator.Debounce, g.onFlush)
	return g
}

// Run registers the gateway, recovers buffers orphaned by a previous
// incarnation, then serves commands and transport events until ctx is
// cancelled. On shutdown the remaining buffers are swept so no coalesced
// input is stranded behind a dead timer.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.reg.Register(ctx, g.id); err != nil {
		return fmt.Errorf("gateway registration: %w", err)
	}
	log.Printf("gateway %s registered", g.id)

	// Buffers left behind by a crash have no timers; deliver them now.
	g.acc.FlushAll(ctx)

	consumer := bus.NewConsumer(g.rdb, g.id, g)
	consumerErr := make(chan error, 1)
	go func() { consumerErr <- consumer.Run(ctx) }()
	go g.pumpEvents(ctx)

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return nil
		case err := <-consumerErr:
			if err != nil {
				g.shutdown()
				return fmt.Errorf("command consumer: %w", err)
			}
			return nil
		case <-ticker.C:
			if err := g.reg.Heartbeat(ctx, g.id); err != nil {
				log.Printf("heartbeat failed: %v", err)
				continue
			}
			g.met.HeartbeatsSent.Inc()
		}
	}
}

func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	g.acc.FlushAll(ctx)
	if err := g.conns.Close(); err != nil {
		log.Printf("transport close: %v", err)
	}
	log.Printf("gateway %s stopped", g.id)
}

// pumpEvents drains the transport event channel for the life of the process.
func (g *Gateway) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.conns.Events():
			switch {
			case ev.Message != nil:
				g.handleInbound(ctx, ev.Message)
			case ev.State != nil:
				g.handleState(ctx, ev.State)
			}
		}
	}
}

// handleInbound records the message and, for counterparty messages, feeds it
// to the accumulator. The bot's own outbound traffic is recorded for history
// but never triggers processing.
func (g *Gateway) handleInbound(ctx context.Context, m *transport.InboundMessage) {
	g.met.MessagesInbound.WithLabelValues(m.Platform).Inc()

	if err := g.records.EnsureSession(ctx, &store.Session{
		ID:         m.SessionID,
		BotID:      m.BotID,
		Identifier: m.Identifier,
		Platform:   m.Platform,
	}); err != nil {
		log.Printf("failed to ensure session %s: %v", m.SessionID, err)
		return
	}

	msg := &store.Message{
		ID:        uuid.NewString(),
		SessionID: m.SessionID,
		BotID:     m.BotID,
		Sender:    m.Sender,
		FromMe:    m.FromMe,
		Text:      m.Text,
		MediaURL:  m.MediaURL,
		Timestamp: time.Unix(m.Timestamp, 0),
	}
	if err := g.records.CreateMessage(ctx, msg); err != nil {
		log.Printf("failed to record message for session %s: %v", m.SessionID, err)
		return
	}

	if m.FromMe {
		return
	}
	if err := g.acc.Accumulate(ctx, m.SessionID, msg.ID); err != nil {
		log.Printf("failed to buffer message %s for session %s: %v", msg.ID, m.SessionID, err)
	}
}

func (g *Gateway) handleState(ctx context.Context, s *transport.StateChange) {
	g.met.ConnectionEvents.WithLabelValues(string(s.State)).Inc()

	g.mu.Lock()
	if s.State == transport.StateOpen {
		g.open[s.BotID] = true
	} else {
		delete(g.open, s.BotID)
	}
	g.met.ConnectionsActive.Set(float64(len(g.open)))
	g.mu.Unlock()

	if err := g.records.UpdateBotStatus(ctx, s.BotID, string(s.State)); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("failed to update status for bot %s: %v", s.BotID, err)
	}
	g.pub.ConnectionState(events.ConnectionEvent{
		GatewayID: g.id,
		BotID:     s.BotID,
		State:     string(s.State),
		Reason:    s.Reason,
	})
}

// resolveItems reads drained buffer ids back from the record store.
func (g *Gateway) resolveItems(ctx context.Context, ids []string) ([]accumulator.Item, error) {
	msgs, err := g.records.MessagesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]accumulator.Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, accumulator.Item{
			ID:        m.ID,
			SessionID: m.SessionID,
			Sender:    m.Sender,
			Text:      m.Text,
			MediaURL:  m.MediaURL,
			Timestamp: m.Timestamp.Unix(),
		})
	}
	return items, nil
}

// onFlush runs one processing turn for the flushed session. Contention is
// expected under bursts: the turn holding the lock will pick up this input
// on its next trigger.
func (g *Gateway) onFlush(ctx context.Context, sessionID string, trigger accumulator.Trigger, items []accumulator.Item) {
	g.met.RecordFlush(string(trigger), len(items))
	g.pub.BufferFlushed(events.FlushEvent{
		GatewayID: g.id,
		SessionID: sessionID,
		Messages:  len(items),
	})

	msgs := make([]store.Message, 0, len(items))
	for _, it := range items {
		msgs = append(msgs, store.Message{
			ID:        it.ID,
			SessionID: it.SessionID,
			Sender:    it.Sender,
			Text:      it.Text,
			MediaURL:  it.MediaURL,
			Timestamp: time.Unix(it.Timestamp, 0),
		})
	}

	g.met.TurnsStarted.Inc()
	start := time.Now()
	err := g.loop.Run(ctx, sessionID, msgs)
	g.met.TurnDuration.Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, orchestrator.ErrSessionBusy):
		g.met.LockContention.Inc()
	case err != nil:
		log.Printf("processing turn for session %s failed: %v", sessionID, err)
	}
}

// finish records command metrics and fans the outcome out before returning
// the reply to the consumer.
func (g *Gateway) finish(env *bus.CommandEnvelope, start time.Time, reply *bus.ReplyEnvelope) *bus.ReplyEnvelope {
	g.met.RecordCommand(string(env.Kind), reply.Success, time.Since(start))
	g.pub.CommandHandled(events.CommandEvent{
		GatewayID: g.id,
		Kind:      string(env.Kind),
		TargetID:  env.TargetID,
		Success:   reply.Success,
		Error:     reply.Error,
	})
	return reply
}

// StartConnection opens (or resumes) the target bot's connection.
func (g *Gateway) StartConnection(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	if err := g.conns.Start(ctx, env.TargetID); err != nil {
		return g.finish(env, start, bus.Errf("failed to start connection for bot %s: %v", env.TargetID, err))
	}
	if err := g.records.UpdateBotStatus(ctx, env.TargetID, string(transport.StateConnecting)); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("failed to update status for bot %s: %v", env.TargetID, err)
	}
	return g.finish(env, start, bus.OK(nil))
}

// StopConnection closes the target bot's connection.
func (g *Gateway) StopConnection(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	if err := g.conns.Stop(ctx, env.TargetID); err != nil {
		return g.finish(env, start, bus.Errf("failed to stop connection for bot %s: %v", env.TargetID, err))
	}
	if err := g.records.UpdateBotStatus(ctx, env.TargetID, string(transport.StateClosed)); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("failed to update status for bot %s: %v", env.TargetID, err)
	}
	return g.finish(env, start, bus.OK(nil))
}

// SendPayload pushes one outbound payload through the target bot's
// connection.
func (g *Gateway) SendPayload(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	var body bus.SendPayloadBody
	if err := env.Bind(&body); err != nil {
		return g.finish(env, start, bus.Errf("invalid SEND_PAYLOAD body: %v", err))
	}
	if body.Target == "" {
		return g.finish(env, start, bus.Errf("SEND_PAYLOAD requires a target"))
	}

	payload := transport.OutboundPayload{
		Text:    body.Text,
		Caption: body.Caption,
		PTT:     body.PTT,
	}
	if body.Image != "" {
		payload.Image = &transport.Media{URL: body.Image}
	}
	if body.Audio != "" {
		payload.Audio = &transport.Media{URL: body.Audio}
	}

	if err := g.conns.Send(ctx, env.TargetID, body.Target, payload); err != nil {
		return g.finish(env, start, bus.Errf("failed to send via bot %s: %v", env.TargetID, err))
	}
	g.met.MessagesOutbound.Inc()
	return g.finish(env, start, bus.OK(nil))
}

// ForceProcessing flushes the session's buffer immediately, bypassing the
// debounce window.
func (g *Gateway) ForceProcessing(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	var body bus.ForcePayload
	if err := env.Bind(&body); err != nil {
		return g.finish(env, start, bus.Errf("invalid FORCE_PROCESSING body: %v", err))
	}
	if body.SessionID == "" {
		return g.finish(env, start, bus.Errf("FORCE_PROCESSING requires a session id"))
	}
	g.acc.FlushNow(ctx, body.SessionID)
	return g.finish(env, start, bus.OK(nil))
}

// syncReply is the SYNC_STATE response body.
type syncReply struct {
	BotID     string `json:"botId"`
	Status    string `json:"status"`
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
}

// SyncState reports the gateway's view of the target bot.
func (g *Gateway) SyncState(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	bot, err := g.records.GetBot(ctx, env.TargetID)
	if err != nil {
		return g.finish(env, start, bus.Errf("failed to load bot %s: %v", env.TargetID, err))
	}
	g.mu.Lock()
	connected := g.open[bot.ID]
	g.mu.Unlock()
	return g.finish(env, start, bus.OK(syncReply{
		BotID:     bot.ID,
		Status:    bot.Status,
		Enabled:   bot.Enabled,
		Connected: connected,
	}))
}

// AddTag attaches a tag to the session named in the payload.
func (g *Gateway) AddTag(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	var body bus.TagPayload
	if err := env.Bind(&body); err != nil {
		return g.finish(env, start, bus.Errf("invalid ADD_TAG body: %v", err))
	}
	if body.SessionID == "" || body.Tag == "" {
		return g.finish(env, start, bus.Errf("ADD_TAG requires a session id and a tag"))
	}
	if err := g.records.AddSessionTag(ctx, body.SessionID, body.Tag); err != nil {
		return g.finish(env, start, bus.Errf("failed to tag session %s: %v", body.SessionID, err))
	}
	return g.finish(env, start, bus.OK(nil))
}

// RemoveTag detaches a tag from the session named in the payload.
func (g *Gateway) RemoveTag(ctx context.Context, env *bus.CommandEnvelope) *bus.ReplyEnvelope {
	start := time.Now()
	var body bus.TagPayload
	if err := env.Bind(&body); err != nil {
		return g.finish(env, start, bus.Errf("invalid REMOVE_TAG body: %v", err))
	}
	if body.SessionID == "" || body.Tag == "" {
		return g.finish(env, start, bus.Errf("REMOVE_TAG requires a session id and a tag"))
	}
	if err := g.records.RemoveSessionTag(ctx, body.SessionID, body.Tag); err != nil {
		return g.finish(env, start, bus.Errf("failed to untag session %s: %v", body.SessionID, err))
	}
	return g.finish(env, start, bus.OK(nil))
}

var _ bus.Handler = (*Gateway)(nil)

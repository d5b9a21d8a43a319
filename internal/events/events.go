// Package events fans fleet lifecycle events out over NATS JetStream so
// dashboards and side services can observe the fleet without touching the
// Redis control plane. Publishing is optional: a nil *Publisher is valid and
// drops everything.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentichq/fleet/pkg/config"
)

// ConnectionEvent reports a bot connection state transition.
type ConnectionEvent struct {
	GatewayID string    `json:"gatewayId"`
	BotID     string    `json:"botId"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FlushEvent reports an accumulator buffer flush.
type FlushEvent struct {
	GatewayID string    `json:"gatewayId"`
	SessionID string    `json:"sessionId"`
	Messages  int       `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandEvent reports a handled dispatch command.
type CommandEvent struct {
	GatewayID string    `json:"gatewayId"`
	Kind      string    `json:"kind"`
	TargetID  string    `json:"targetId"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes fleet events to a JetStream stream.
type Publisher struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// NewPublisher connects to NATS and ensures the fleet stream exists.
func NewPublisher(cfg config.EventsConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &Publisher{conn: nc, js: js, streamName: cfg.StreamName}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return p, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy lets any
// number of observers consume the same subjects.
func (p *Publisher) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      p.streamName,
		Subjects:  []string{"fleet.events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := p.js.StreamInfo(p.streamName); err != nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("Created JetStream stream: %s", p.streamName)
		return nil
	}
	if _, err := p.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// ConnectionState publishes a connection transition. No-op on a nil Publisher.
func (p *Publisher) ConnectionState(ev ConnectionEvent) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	p.publish(fmt.Sprintf("fleet.events.connection.%s", ev.BotID), ev)
}

// BufferFlushed publishes a flush event. No-op on a nil Publisher.
func (p *Publisher) BufferFlushed(ev FlushEvent) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	p.publish(fmt.Sprintf("fleet.events.flush.%s", ev.SessionID), ev)
}

// CommandHandled publishes a command outcome. No-op on a nil Publisher.
func (p *Publisher) CommandHandled(ev CommandEvent) {
	if p == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	p.publish(fmt.Sprintf("fleet.events.command.%s", ev.Kind), ev)
}

// publish is best-effort: event fan-out must never fail the operation that
// produced the event.
func (p *Publisher) publish(subject string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("failed to marshal event for %s: %v", subject, err)
		return
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		log.Printf("failed to publish event to %s: %v", subject, err)
	}
}

// Health reports whether the connection and stream are usable.
func (p *Publisher) Health() error {
	if p == nil {
		return nil
	}
	if p.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !p.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := p.js.StreamInfo(p.streamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", p.streamName, err)
	}
	return nil
}

// Close closes the NATS connection. Safe on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.conn.Close()
}

package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentichq/fleet/pkg/config"
)

// outboundFrame is the wire form of one send request to the bridge.
type outboundFrame struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Payload OutboundPayload `json:"payload"`
}

// BridgeClient speaks to a protocol bridge over one websocket per bot. The
// bridge holds the actual network session; this client only relays frames.
// Dropped connections are retried on a fixed delay until Stop or Close
// cancels the bot's reconnect timer.
type BridgeClient struct {
	cfg    config.TransportConfig
	dialer *websocket.Dialer

	events     chan Event
	conns      *Table[*botConn]
	reconnects *Table[*time.Timer]

	closed    chan struct{}
	closeOnce sync.Once
}

type botConn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes; gorilla allows one concurrent writer
}

// NewBridgeClient creates a client for the bridge at cfg.BridgeURL. No
// connections are opened until Start.
func NewBridgeClient(cfg config.TransportConfig) *BridgeClient {
	return &BridgeClient{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		events:     make(chan Event, 64),
		conns:      NewTable[*botConn](),
		reconnects: NewTable[*time.Timer](),
		closed:     make(chan struct{}),
	}
}

func (b *BridgeClient) Start(ctx context.Context, botID string) error {
	select {
	case <-b.closed:
		return fmt.Errorf("bridge client is closed")
	default:
	}

	url := fmt.Sprintf("%s/bots/%s/ws", b.cfg.BridgeURL, botID)
	ws, _, err := b.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial bridge for bot %s: %w", botID, err)
	}

	conn := &botConn{ws: ws}
	if prev, existed := b.conns.Insert(botID, conn); existed {
		prev.ws.Close()
	}
	b.emit(Event{State: &StateChange{BotID: botID, State: StateConnecting}})

	go b.readLoop(botID, conn)
	return nil
}

func (b *BridgeClient) Stop(_ context.Context, botID string) error {
	if timer, ok := b.reconnects.Remove(botID); ok {
		timer.Stop()
	}
	conn, ok := b.conns.Remove(botID)
	if ok {
		conn.ws.Close()
	}
	b.emit(Event{State: &StateChange{BotID: botID, State: StateClosed, Reason: "stopped"}})
	return nil
}

func (b *BridgeClient) Send(_ context.Context, botID, target string, payload OutboundPayload) error {
	conn, ok := b.conns.Lookup(botID)
	if !ok {
		return fmt.Errorf("no active connection for bot %s", botID)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.ws.WriteJSON(outboundFrame{Type: "SEND", Target: target, Payload: payload}); err != nil {
		return fmt.Errorf("failed to send to %s via bot %s: %w", target, botID, err)
	}
	return nil
}

func (b *BridgeClient) Events() <-chan Event { return b.events }

// Close tears down every connection and reconnect timer. The event channel
// stays open (read loops may still be unwinding); consumers stop on their
// own context.
func (b *BridgeClient) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		for _, timer := range b.reconnects.Drain() {
			timer.Stop()
		}
		for _, conn := range b.conns.Drain() {
			conn.ws.Close()
		}
	})
	return nil
}

// readLoop relays bridge frames into the event channel until the socket
// drops. A drop for a bot that was not explicitly stopped schedules a
// reconnect.
func (b *BridgeClient) readLoop(botID string, conn *botConn) {
	for {
		var ev Event
		if err := conn.ws.ReadJSON(&ev); err != nil {
			current, ok := b.conns.Lookup(botID)
			if !ok || current != conn {
				return // stopped or superseded; nothing to recover
			}
			select {
			case <-b.closed:
				return
			default:
			}
			log.Printf("bridge connection lost for bot %s: %v", botID, err)
			b.conns.Remove(botID)
			b.emit(Event{State: &StateChange{BotID: botID, State: StateClosed, Reason: err.Error()}})
			b.scheduleReconnect(botID)
			return
		}
		b.emit(ev)
	}
}

func (b *BridgeClient) scheduleReconnect(botID string) {
	timer := time.AfterFunc(b.cfg.ReconnectDelay, func() {
		b.reconnects.Remove(botID)
		select {
		case <-b.closed:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DialTimeout)
		defer cancel()
		if err := b.Start(ctx, botID); err != nil {
			log.Printf("reconnect failed for bot %s (retrying in %s): %v", botID, b.cfg.ReconnectDelay, err)
			b.scheduleReconnect(botID)
		}
	})
	if prev, existed := b.reconnects.Insert(botID, timer); existed {
		prev.Stop()
	}
}

// emit delivers an event unless the client is closed; a full channel drops
// the event rather than wedging the read loop.
func (b *BridgeClient) emit(ev Event) {
	select {
	case <-b.closed:
	case b.events <- ev:
	default:
		log.Printf("transport event channel full, dropping event")
	}
}

var _ Client = (*BridgeClient)(nil)

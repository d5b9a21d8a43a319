// Package transport is the boundary to the duplex-messaging network. The
// coordination core consumes it through four operations: start a connection
// for a bot, stop it, send an outbound payload, and observe events
// (inbound messages and connection-state transitions). BridgeClient is the
// reference implementation, speaking JSON frames over a websocket to a
// bridge process that holds the actual protocol session.
package transport

import "context"

// ConnectionState is the closed set of states a bot's connection reports.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateLoggedOut  ConnectionState = "logged_out"
)

// Media is a piece of remote media referenced by URL.
type Media struct {
	URL string `json:"url"`
}

// OutboundPayload is one message to push to a counterparty. Text and media
// may be combined; PTT marks audio as a voice note.
type OutboundPayload struct {
	Text    string `json:"text,omitempty"`
	Image   *Media `json:"image,omitempty"`
	Audio   *Media `json:"audio,omitempty"`
	Caption string `json:"caption,omitempty"`
	PTT     bool   `json:"ptt,omitempty"`
}

// InboundMessage is one message received on a bot's connection.
type InboundMessage struct {
	BotID      string `json:"botId"`
	SessionID  string `json:"sessionId"`
	Identifier string `json:"identifier"`
	Platform   string `json:"platform"`
	FromMe     bool   `json:"fromMe"`
	Sender     string `json:"sender"`
	Text       string `json:"text,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// StateChange reports a connection-state transition for a bot.
type StateChange struct {
	BotID  string          `json:"botId"`
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
}

// Event is one transport event: exactly one field is set.
type Event struct {
	Message *InboundMessage `json:"message,omitempty"`
	State   *StateChange    `json:"state,omitempty"`
}

// Client is the transport surface the gateway consumes.
type Client interface {
	// Start opens (or resumes) the connection owned by botID.
	Start(ctx context.Context, botID string) error
	// Stop closes botID's connection and cancels any pending reconnect.
	Stop(ctx context.Context, botID string) error
	// Send pushes an outbound payload to target over botID's connection.
	Send(ctx context.Context, botID, target string, payload OutboundPayload) error
	// Events delivers inbound messages and state transitions for every
	// started bot. Consumers stop reading on their own context; the
	// channel is not closed.
	Events() <-chan Event
	// Close stops every connection and cancels pending reconnects.
	Close() error
}

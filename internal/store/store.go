// Package store is the boundary to the persistent record store for bots,
// sessions and messages. The coordination core consumes it through these
// interfaces only; the Postgres implementation in this package is the
// reference backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentichq/fleet/internal/decision"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Bot is one external connection identity, owned by exactly one gateway at a
// time.
type Bot struct {
	ID        string
	Name      string
	Platform  string
	Status    string // connection state as last reported
	Enabled   bool
	Actions   []decision.ActionDefinition
	CreatedAt time.Time
}

// Session is one counterparty conversation scoped to a bot: the unit of
// mutual exclusion and accumulation.
type Session struct {
	ID         string
	BotID      string
	Identifier string // counterparty address on the external network
	Platform   string
	Tags       []string
	CreatedAt  time.Time
}

// Message is one inbound or outbound message within a session.
type Message struct {
	ID        string
	SessionID string
	BotID     string
	Sender    string
	FromMe    bool
	Text      string
	MediaURL  string
	Timestamp time.Time
}

// BotStore reads and updates bot records.
type BotStore interface {
	GetBot(ctx context.Context, id string) (*Bot, error)
	UpdateBotStatus(ctx context.Context, id, status string) error
}

// SessionStore reads and updates session records.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	EnsureSession(ctx context.Context, s *Session) error
	AddSessionTag(ctx context.Context, sessionID, tag string) error
	RemoveSessionTag(ctx context.Context, sessionID, tag string) error
}

// MessageStore persists messages and reads them back for context assembly
// and buffer resolution.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	MessagesByID(ctx context.Context, ids []string) ([]Message, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Store is the full record-store surface a gateway needs.
type Store interface {
	BotStore
	SessionStore
	MessageStore
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store for local development and tests. Not durable.
type Memory struct {
	mu       sync.RWMutex
	bots     map[string]*Bot
	sessions map[string]*Session
	messages map[string]*Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		bots:     make(map[string]*Bot),
		sessions: make(map[string]*Session),
		messages: make(map[string]*Message),
	}
}

// PutBot inserts or replaces a bot record. Development seeding only; the
// coordination core never creates bots.
func (m *Memory) PutBot(b *Bot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bots[b.ID] = &cp
}

func (m *Memory) GetBot(_ context.Context, id string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) UpdateBotStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[id]
	if !ok {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	b.Status = status
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	cp.Tags = append([]string(nil), s.Tags...)
	return &cp, nil
}

func (m *Memory) EnsureSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return nil
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) AddSessionTag(_ context.Context, sessionID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	for _, t := range s.Tags {
		if t == tag {
			return nil
		}
	}
	s.Tags = append(s.Tags, tag)
	return nil
}

func (m *Memory) RemoveSessionTag(_ context.Context, sessionID, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	out := s.Tags[:0]
	for _, t := range s.Tags {
		if t != tag {
			out = append(out, t)
		}
	}
	s.Tags = out
	return nil
}

func (m *Memory) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return nil
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *Memory) MessagesByID(_ context.Context, ids []string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *Memory) RecentMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

var _ Store = (*Memory)(nil)

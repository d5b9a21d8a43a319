package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the record store and initializes the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'closed',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		actions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL REFERENCES bots(id),
		identifier TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		bot_id TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		from_me BOOLEAN NOT NULL DEFAULT FALSE,
		text TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_time
		ON messages(session_id, timestamp);
	`
	_, err := p.db.Exec(schema)
	return err
}

func (p *Postgres) GetBot(ctx context.Context, id string) (*Bot, error) {
	var b Bot
	var actions []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, platform, status, enabled, actions, created_at
		 FROM bots WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.Platform, &b.Status, &b.Enabled, &actions, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bot %s: %w", id, err)
	}
	if err := json.Unmarshal(actions, &b.Actions); err != nil {
		return nil, fmt.Errorf("bot %s has malformed actions: %w", id, err)
	}
	return &b, nil
}

func (p *Postgres) UpdateBotStatus(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bots SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update status of bot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := p.db.QueryRowContext(ctx,
		`SELECT id, bot_id, identifier, platform, tags, created_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.BotID, &s.Identifier, &s.Platform, pq.Array(&s.Tags), &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	return &s, nil
}

func (p *Postgres) EnsureSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, bot_id, identifier, platform)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.BotID, s.Identifier, s.Platform)
	if err != nil {
		return fmt.Errorf("failed to ensure session %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) AddSessionTag(ctx context.Context, sessionID, tag string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions
		 SET tags = array_append(tags, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(tags))`,
		sessionID, tag)
	if err != nil {
		return fmt.Errorf("failed to tag session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the session is missing or the tag was already present;
		// distinguish so callers get a real not-found.
		if _, err := p.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) RemoveSessionTag(ctx context.Context, sessionID, tag string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET tags = array_remove(tags, $2) WHERE id = $1`,
		sessionID, tag)
	if err != nil {
		return fmt.Errorf("failed to untag session %s: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) CreateMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, bot_id, sender, from_me, text, media_url, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SessionID, m.BotID, m.Sender, m.FromMe, m.Text, m.MediaURL, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to persist message %s: %w", m.ID, err)
	}
	return nil
}

// MessagesByID resolves buffered ids back to full messages, preserving the
// order of ids. Missing ids are skipped, not an error: a message deleted
// between buffering and flush is stale input, not a fault.
func (p *Postgres) MessagesByID(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, session_id, bot_id, sender, from_me, text, media_url, timestamp
		 FROM messages WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to read %d messages: %w", len(ids), err)
	}
	defer rows.Close()

	byID := make(map[string]Message, len(ids))
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.BotID, &m.Sender, &m.FromMe,
			&m.Text, &m.MediaURL, &m.Timestamp); err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// RecentMessages returns up to limit messages for the session in ascending
// time order.
func (p *Postgres) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, session_id, bot_id, sender, from_me, text, media_url, timestamp
		 FROM (
			SELECT * FROM messages WHERE session_id = $1
			ORDER BY timestamp DESC LIMIT $2
		 ) recent ORDER BY timestamp ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read history for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.BotID, &m.Sender, &m.FromMe,
			&m.Text, &m.MediaURL, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)

// Package lock provides the per-session mutual-exclusion lease that keeps at
// most one processing turn in flight per session. Acquisition is one atomic
// set-if-absent with an expiry; a crashed holder degrades automatically when
// its lease runs out.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

// SessionLock hands out short-lived exclusive leases keyed by session id.
type SessionLock struct {
	rdb *redis.Client
}

// New creates a SessionLock backed by the broker.
func New(rdb *redis.Client) *SessionLock {
	return &SessionLock{rdb: rdb}
}

// Acquire attempts to take the session's lease for the given duration and
// reports whether it was obtained. Never blocks waiting for a holder: a held
// lease is back-pressure, not an error.
func (l *SessionLock) Acquire(ctx context.Context, sessionID string, lease time.Duration) (bool, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := l.rdb.SetNX(ctx, broker.SessionLockKey(sessionID), token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for session %s: %w", sessionID, err)
	}
	return ok, nil
}

// Release drops the session's lease unconditionally. No holder fencing: a
// slow former holder can release a lease a newer holder acquired after
// expiry. The window is one lease-expiry race and is accepted for the
// simplicity of a single DEL; leases are sized well above a processing turn.
func (l *SessionLock) Release(ctx context.Context, sessionID string) error {
	if err := l.rdb.Del(ctx, broker.SessionLockKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to release lock for session %s: %w", sessionID, err)
	}
	return nil
}

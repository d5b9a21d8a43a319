package accumulator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("FLEET_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("broker not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisBuffersAppendDrain(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	buffers := NewRedisBuffers(rdb, time.Minute)

	session := "sess-" + uuid.New().String()[:8]
	t.Cleanup(func() { rdb.Del(context.Background(), broker.BufferKey(session)) })

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := buffers.Append(ctx, session, id); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}

	ids, err := buffers.Drain(ctx, session)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(ids) != 3 || ids[0] != "m1" || ids[1] != "m2" || ids[2] != "m3" {
		t.Errorf("drained %v, want [m1 m2 m3] in append order", ids)
	}

	// The drain cleared the key: a second drain is empty.
	ids, err = buffers.Drain(ctx, session)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second drain returned %v, want empty", ids)
	}
}

func TestRedisBuffersSafetyTTL(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	buffers := NewRedisBuffers(rdb, 300*time.Millisecond)

	session := "sess-" + uuid.New().String()[:8]
	t.Cleanup(func() { rdb.Del(context.Background(), broker.BufferKey(session)) })

	if err := buffers.Append(ctx, session, "m1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)

	ids, err := buffers.Drain(ctx, session)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("buffer survived past its safety TTL: %v", ids)
	}
}

func TestRedisBuffersSessionsSweep(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	buffers := NewRedisBuffers(rdb, time.Minute)

	session := "sess-" + uuid.New().String()[:8]
	t.Cleanup(func() { rdb.Del(context.Background(), broker.BufferKey(session)) })

	if err := buffers.Append(ctx, session, "m1"); err != nil {
		t.Fatal(err)
	}

	sessions, err := buffers.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s == session {
			found = true
		}
	}
	if !found {
		t.Errorf("sweep missed session %s (got %v)", session, sessions)
	}
}

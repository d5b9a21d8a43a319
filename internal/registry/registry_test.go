package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentichq/fleet/internal/broker"
)

// testClient connects to a local broker, skipping the test when none is
// available (same pattern as the NATS-backed integration tests).
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

func testID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

func cleanupGateway(t *testing.T, rdb *redis.Client, gatewayID string) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		rdb.SRem(ctx, broker.GatewaySetKey(), gatewayID)
		rdb.Del(ctx, broker.HeartbeatKey(gatewayID), broker.GatewayBotsKey(gatewayID))
	})
}

func cleanupBot(t *testing.T, rdb *redis.Client, botID string) {
	t.Helper()
	t.Cleanup(func() {
		rdb.HDel(context.Background(), broker.AssignmentKey(), botID)
	})
}

func TestRegisterAndLiveness(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	reg := New(rdb, 2*time.Second)

	gw := testID("gw")
	cleanupGateway(t, rdb, gw)

	if err := reg.Register(ctx, gw); err != nil {
		t.Fatalf("Register: %v", err)
	}
	live, err := reg.Alive(ctx, gw)
	if err != nil || !live {
		t.Fatalf("Alive = %v, %v; want true", live, err)
	}

	// Registering twice is idempotent.
	if err := reg.Register(ctx, gw); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestHeartbeatExpiry(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	reg := New(rdb, 500*time.Millisecond)

	gw := testID("gw")
	cleanupGateway(t, rdb, gw)

	if err := reg.Register(ctx, gw); err != nil {
		t.Fatalf("Register: %v", err)
	}

	time.Sleep(700 * time.Millisecond)

	live, err := reg.Alive(ctx, gw)
	if err != nil {
		t.Fatal(err)
	}
	if live {
		t.Error("gateway should be dead after TTL expiry")
	}

	// Membership persists past liveness; it must be filtered, not removed.
	isMember, err := rdb.SIsMember(ctx, broker.GatewaySetKey(), gw).Result()
	if err != nil {
		t.Fatal(err)
	}
	if !isMember {
		t.Error("dead gateway should still be a member of the registry set")
	}
}

func TestAssignUnassign(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	reg := New(rdb, 2*time.Second)

	gw1, gw2 := testID("gw"), testID("gw")
	bot := testID("bot")
	cleanupGateway(t, rdb, gw1)
	cleanupGateway(t, rdb, gw2)
	cleanupBot(t, rdb, bot)

	if err := reg.Assign(ctx, bot, gw1); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	owner, err := reg.GatewayFor(ctx, bot)
	if err != nil || owner != gw1 {
		t.Fatalf("GatewayFor = %q, %v; want %q", owner, err, gw1)
	}

	// Reassignment moves the bot out of the old reverse set.
	if err := reg.Assign(ctx, bot, gw2); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	n, err := rdb.SCard(ctx, broker.GatewayBotsKey(gw1)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("old gateway reverse set has %d bots, want 0", n)
	}
	owner, _ = reg.GatewayFor(ctx, bot)
	if owner != gw2 {
		t.Errorf("GatewayFor = %q, want %q", owner, gw2)
	}

	if err := reg.Unassign(ctx, bot); err != nil {
		t.Fatalf("Unassign: %v", err)
	}
	owner, err = reg.GatewayFor(ctx, bot)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "" {
		t.Errorf("GatewayFor after unassign = %q, want empty", owner)
	}

	// Unassigning an unassigned bot is a no-op.
	if err := reg.Unassign(ctx, bot); err != nil {
		t.Errorf("Unassign of unassigned bot: %v", err)
	}
}

func TestLeastLoaded(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	reg := New(rdb, 2*time.Second)

	// Lexicographic suffixes make the tie-break deterministic.
	base := testID("gw")
	gwA, gwB, gwDead := base+"-a", base+"-b", base+"-c"
	for _, gw := range []string{gwA, gwB, gwDead} {
		cleanupGateway(t, rdb, gw)
		if err := reg.Register(ctx, gw); err != nil {
			t.Fatalf("Register %s: %v", gw, err)
		}
	}

	bots := []string{testID("bot"), testID("bot"), testID("bot")}
	for _, b := range bots {
		cleanupBot(t, rdb, b)
	}
	// gwA owns two bots, gwB one, gwDead none, and gwDead's heartbeat is gone.
	if err := reg.Assign(ctx, bots[0], gwA); err != nil {
		t.Fatal(err)
	}
	if err := reg.Assign(ctx, bots[1], gwA); err != nil {
		t.Fatal(err)
	}
	if err := reg.Assign(ctx, bots[2], gwB); err != nil {
		t.Fatal(err)
	}
	if err := rdb.Del(ctx, broker.HeartbeatKey(gwDead)).Err(); err != nil {
		t.Fatal(err)
	}

	got, err := reg.LeastLoaded(ctx)
	if err != nil {
		t.Fatalf("LeastLoaded: %v", err)
	}
	// gwDead has the fewest bots but is dead; gwB is the least-loaded live one.
	// (Other gateways may exist in a shared broker; accept gwB or a quieter
	// live gateway, but never gwA or gwDead.)
	if got == gwA || got == gwDead {
		t.Errorf("LeastLoaded = %q; must not pick the loaded or the dead gateway", got)
	}
}

func TestGatewaysListing(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	reg := New(rdb, 2*time.Second)

	gw := testID("gw")
	cleanupGateway(t, rdb, gw)
	if err := reg.Register(ctx, gw); err != nil {
		t.Fatal(err)
	}

	infos, err := reg.Gateways(ctx)
	if err != nil {
		t.Fatalf("Gateways: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.ID == gw {
			found = true
			if !info.Live {
				t.Error("freshly registered gateway should be live")
			}
			if info.Since == "" {
				t.Error("live gateway should report its heartbeat timestamp")
			}
		}
	}
	if !found {
		t.Errorf("gateway %s missing from listing", gw)
	}
}

package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"offramp/internal/clock"
	"offramp/internal/testutil"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	pool := testutil.NewTestPool(t)
	clk := clock.NewManual(time.Now().UTC())
	testStoreLifecycle(t, NewPostgresStore(pool, clk))
}

func TestPostgresStoreTakesOverExpiredKey(t *testing.T) {
	pool := testutil.NewTestPool(t)
	clk := clock.NewManual(time.Now().UTC())
	store := NewPostgresStore(pool, clk)
	ctx := context.Background()

	if _, reserved, err := store.Reserve(ctx, "k", "fp", time.Minute); err != nil || !reserved {
		t.Fatalf("reserve: reserved=%v err=%v", reserved, err)
	}
	clk.Advance(2 * time.Minute)
	if _, reserved, err := store.Reserve(ctx, "k", "fp-2", time.Minute); err != nil || !reserved {
		t.Fatalf("expired key not taken over: reserved=%v err=%v", reserved, err)
	}

	clk.Advance(2 * time.Minute)
	n, err := store.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}

func TestRedisStoreLifecycle(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	if err := client.Del(ctx, redisNamespace+"key-1", redisNamespace+"key-2").Err(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	// TTLs are enforced by redis itself, so the clock only has to be current
	clk := clock.NewManual(time.Now().UTC())
	testStoreLifecycle(t, NewRedisStore(client, clk))
}

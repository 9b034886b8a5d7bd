package idempotency

import (
	"context"
	"testing"
	"time"

	"offramp/internal/clock"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	testStoreLifecycle(t, store)
}

// testStoreLifecycle runs the same contract against every backend.
func testStoreLifecycle(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	existing, reserved, err := store.Reserve(ctx, "key-1", "fp-a", time.Hour)
	if err != nil || !reserved || existing != nil {
		t.Fatalf("first reserve: existing=%+v reserved=%v err=%v", existing, reserved, err)
	}

	existing, reserved, err = store.Reserve(ctx, "key-1", "fp-a", time.Hour)
	if err != nil || reserved {
		t.Fatalf("second reserve should not succeed: reserved=%v err=%v", reserved, err)
	}
	if existing == nil || existing.Completed() || existing.Fingerprint != "fp-a" {
		t.Fatalf("expected in-flight record, got %+v", existing)
	}

	if err := store.Save(ctx, "key-1", Record{StatusCode: 200, Response: []byte(`{"ok":true}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	existing, reserved, err = store.Reserve(ctx, "key-1", "fp-b", time.Hour)
	if err != nil || reserved {
		t.Fatalf("reserve after save: reserved=%v err=%v", reserved, err)
	}
	if existing.StatusCode != 200 || string(existing.Response) != `{"ok":true}` || existing.Fingerprint != "fp-a" {
		t.Fatalf("unexpected stored record: %+v", existing)
	}

	// completed records survive release
	if err := store.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, reserved, _ := store.Reserve(ctx, "key-1", "fp-a", time.Hour); reserved {
		t.Fatalf("completed record was released")
	}

	if _, reserved, _ := store.Reserve(ctx, "key-2", "fp-a", time.Hour); !reserved {
		t.Fatalf("reserve key-2 failed")
	}
	if err := store.Release(ctx, "key-2"); err != nil {
		t.Fatalf("release key-2: %v", err)
	}
	if _, reserved, _ := store.Reserve(ctx, "key-2", "fp-c", time.Hour); !reserved {
		t.Fatalf("released key could not be reserved again")
	}

	if err := store.Save(ctx, "never-reserved", Record{StatusCode: 200}); err != ErrNotReserved {
		t.Fatalf("expected ErrNotReserved, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	if _, reserved, _ := store.Reserve(ctx, "k", "fp", time.Minute); !reserved {
		t.Fatalf("reserve failed")
	}
	clk.Advance(2 * time.Minute)
	if _, reserved, _ := store.Reserve(ctx, "k", "fp-other", time.Minute); !reserved {
		t.Fatalf("expired key should be reservable")
	}
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	ctx := context.Background()

	store.Reserve(ctx, "short", "fp", time.Minute)
	store.Reserve(ctx, "long", "fp", time.Hour)
	clk.Advance(2 * time.Minute)

	n, err := store.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if existing, reserved, _ := store.Reserve(ctx, "long", "fp", time.Hour); reserved || existing == nil {
		t.Fatalf("unexpired key was purged")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("salt", []byte(`{"usdcAmount":"10"}`))
	if a != Fingerprint("salt", []byte(`{"usdcAmount":"10"}`)) {
		t.Fatalf("fingerprint not deterministic")
	}
	if a == Fingerprint("salt", []byte(`{"usdcAmount":"11"}`)) {
		t.Fatalf("different payloads share a fingerprint")
	}
	if a == Fingerprint("other", []byte(`{"usdcAmount":"10"}`)) {
		t.Fatalf("salt ignored")
	}
	if len(a) != 64 {
		t.Fatalf("unexpected length %d", len(a))
	}
}

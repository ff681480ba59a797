package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemoryLocker()
	m.now = func() time.Time { return now }

	if ok, _ := m.Acquire(ctx, "k", "a", time.Minute); !ok {
		t.Fatalf("first acquire should succeed")
	}
	if ok, _ := m.Acquire(ctx, "k", "b", time.Minute); ok {
		t.Fatalf("held lease must not be granted twice")
	}
	if err := m.Extend(ctx, "k", "b", time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("extend by non-holder: %v", err)
	}

	now = now.Add(50 * time.Second)
	if err := m.Extend(ctx, "k", "a", time.Minute); err != nil {
		t.Fatalf("extend: %v", err)
	}
	now = now.Add(50 * time.Second)
	if ok, _ := m.Acquire(ctx, "k", "b", time.Minute); ok {
		t.Fatalf("extended lease should still be held")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := m.Acquire(ctx, "k", "b", time.Minute); !ok {
		t.Fatalf("expired lease should be taken over")
	}
	_ = m.Release(ctx, "k", "a")
	if ok, _ := m.Acquire(ctx, "k", "c", time.Minute); ok {
		t.Fatalf("stale holder must not release the new lease")
	}
	_ = m.Release(ctx, "k", "b")
	if ok, _ := m.Acquire(ctx, "k", "c", time.Minute); !ok {
		t.Fatalf("released lease should be free")
	}
}

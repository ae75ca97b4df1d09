package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemorySetGet(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, found, err := m.Get(ctx, "k")
	if err != nil || !found || value != "v" {
		t.Fatalf("get: %q %v %v", value, found, err)
	}

	if _, found, _ := m.Get(ctx, "missing"); found {
		t.Error("missing key reported present")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	m.Set(ctx, "k", "v", time.Minute)

	clock.Advance(59 * time.Second)
	if _, found, _ := m.Get(ctx, "k"); !found {
		t.Fatal("entry expired early")
	}

	clock.Advance(2 * time.Second)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("entry should have expired")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry should be evicted on read, len=%d", m.Len())
	}
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	m.Set(ctx, "k", "v", 0)
	clock.Advance(24 * time.Hour)

	if _, found, _ := m.Get(ctx, "k"); !found {
		t.Error("zero-TTL entry should never expire")
	}
}

func TestMemoryOverwriteResetsTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	m.Set(ctx, "k", "v1", time.Minute)
	clock.Advance(50 * time.Second)
	m.Set(ctx, "k", "v2", time.Minute)
	clock.Advance(30 * time.Second)

	value, found, _ := m.Get(ctx, "k")
	if !found || value != "v2" {
		t.Fatalf("overwrite should reset the deadline: %q %v", value, found)
	}
}

func TestMemoryDelete(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	m.Set(ctx, "k", "v", 0)
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Error("deleted key reported present")
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Errorf("deleting a missing key should not error, got %v", err)
	}
}

func TestMitigationFlagKeysNamespaced(t *testing.T) {
	cases := map[string]string{
		ThrottleFlagKey("search"):   "olm:mitigation:throttle:search",
		DegradeFlagKey("search"):    "olm:mitigation:degrade:search",
		DisableFlagKey("search"):    "olm:mitigation:disable:search",
		PrioritizeFlagKey("search"): "olm:mitigation:prioritize:search",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

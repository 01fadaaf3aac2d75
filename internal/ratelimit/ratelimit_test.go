package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(time.Hour) // no sweeping during tests
	t.Cleanup(s.Stop)
	return s
}

// ---------------------------------------------------------------------------
// Window semantics
// ---------------------------------------------------------------------------

func TestAllow_FirstRequestStartsWindow(t *testing.T) {
	s := newTestStore(t)

	d, err := s.Allow(context.Background(), "k", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !d.Allowed {
		t.Error("first request for a key was rejected")
	}
	if d.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", d.Remaining)
	}
	if d.ResetAt.Before(time.Now()) {
		t.Error("ResetAt is in the past")
	}
}

func TestAllow_RejectsBeyondLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		d, _ := s.Allow(ctx, "k", 3, time.Minute)
		if d.Allowed {
			allowed++
		} else {
			if d.RetryAfter <= 0 {
				t.Error("rejected decision carries no RetryAfter")
			}
			if d.Remaining != 0 {
				t.Errorf("Remaining = %d on rejection, want 0", d.Remaining)
			}
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests at limit=3, want exactly 3", allowed)
	}
}

func TestAllow_WindowResets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Freeze time, exhaust the window, then step past resetAt.
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		s.Allow(ctx, "k", 2, time.Minute)
	}
	if d, _ := s.Allow(ctx, "k", 2, time.Minute); d.Allowed {
		t.Fatal("request allowed beyond limit inside the window")
	}

	now = now.Add(time.Minute + time.Second)
	d, _ := s.Allow(ctx, "k", 2, time.Minute)
	if !d.Allowed {
		t.Error("request rejected after the window reset")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %d after reset, want 1", d.Remaining)
	}
}

func TestAllow_WindowNeverAdvancesEarly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	first, _ := s.Allow(ctx, "k", 10, time.Minute)

	// Traffic inside the window must not push ResetAt forward.
	now = now.Add(30 * time.Second)
	d, _ := s.Allow(ctx, "k", 10, time.Minute)
	if !d.ResetAt.Equal(first.ResetAt) {
		t.Errorf("ResetAt moved from %v to %v within one window", first.ResetAt, d.ResetAt)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Allow(ctx, "a", 3, time.Minute)
	}
	if d, _ := s.Allow(ctx, "a", 3, time.Minute); d.Allowed {
		t.Fatal("key a allowed beyond its limit")
	}
	if d, _ := s.Allow(ctx, "b", 3, time.Minute); !d.Allowed {
		t.Error("exhausting key a affected key b")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

// TestAllow_ConcurrentBurstExactlyLimit fires 2N concurrent requests at a key
// with limit N and asserts exactly N are allowed. This is the race the
// fixed-window store exists to prevent: a read-then-write implementation lets
// two callers both observe the last free slot.
func TestAllow_ConcurrentBurstExactlyLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const limit = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := s.Allow(ctx, "burst", limit, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed %d of %d concurrent requests, want exactly %d", got, 2*limit, limit)
	}
}

// ---------------------------------------------------------------------------
// Eviction sweep
// ---------------------------------------------------------------------------

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Stop()
	ctx := context.Background()

	s.Allow(ctx, "short", 1, time.Millisecond)
	s.Allow(ctx, "long", 1, time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() > 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if n := s.Len(); n != 1 {
		t.Errorf("after sweep %d entries remain, want 1 (the unexpired key)", n)
	}
}

// Package ratelimit provides a keyed, fixed-window request limiter with no
// knowledge of domain semantics. Callers choose the key (e.g.
// "codegen:owner-123"), the limit, and the window per call, so one store
// serves every operation class.
//
// Two implementations share the Store interface: MemoryStore, a mutex-guarded
// map that is linearizable per key within a single process, and RedisStore
// (redis.go), which delegates to Redis for correctness across replicas. The
// in-memory store is the default; its process-local state is a documented
// scaling limitation, not a defect.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is how many requests are left in the current window.
	Remaining int
	// RetryAfter is how long the caller should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// Store is a keyed fixed-window counter. Implementations must make the
// check-and-increment atomic per key: two callers racing the last slot must
// never both be allowed.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// entry tracks one key's counter for the current window.
type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is an in-process Store. A single mutex guards the map; the
// reset-or-increment decision happens entirely under the lock, which is what
// makes the last-slot race impossible (a read-then-write pair would not be).
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	stopCh  chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryStore creates a MemoryStore and starts its eviction sweep.
// cleanupInterval controls how often expired windows are evicted; the sweep
// only reclaims memory, it never changes any Allow outcome.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go s.sweep(cleanupInterval)
	return s
}

// sweep periodically removes entries whose window has passed.
func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			before := len(s.entries)
			for key, e := range s.entries {
				if now.After(e.resetAt) {
					delete(s.entries, key)
				}
			}
			evicted := before - len(s.entries)
			s.mu.Unlock()
			if evicted > 0 {
				slog.Debug("rate limit sweep", "evicted", evicted)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop stops the eviction sweep goroutine.
func (s *MemoryStore) Stop() {
	close(s.stopCh)
}

// Allow implements Store. It never returns an error; the signature carries one
// only to satisfy the interface shared with the Redis-backed store.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, exists := s.entries[key]

	// First request for the key, or the previous window has ended: start a
	// fresh window. The window never advances early — an in-progress window
	// runs to its recorded resetAt regardless of traffic.
	if !exists || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		s.entries[key] = e
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: e.resetAt}, nil
	}

	if e.count < limit {
		e.count++
		return Decision{Allowed: true, Remaining: limit - e.count, ResetAt: e.resetAt}, nil
	}

	// Over the limit. The rejected request consumes nothing; the caller
	// retries after the window resets.
	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: e.resetAt.Sub(now),
		ResetAt:    e.resetAt,
	}, nil
}

// Len returns the number of live keys. Used by the janitor tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

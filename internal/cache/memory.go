package cache

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often expired entries are proactively removed.
const sweepInterval = time.Minute

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && e.storedAt.Add(e.ttl).Before(now)
}

// MemoryStore is a process-local Store used as a mirror of the Redis backend
// and as the fallback tier when Redis is unreachable. Expired entries are
// treated as absent on read and removed by an opportunistic sweep so the map
// stays bounded.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]entry
	lastSweep time.Time

	// now is overridable in tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	s.maybeSweep(now)

	if !ok || e.expired(now) {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()

	s.mu.Lock()
	s.entries[key] = entry{value: value, storedAt: now, ttl: ttl}
	s.mu.Unlock()

	s.maybeSweep(now)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds: the in-process tier is always available.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Len reports the number of live (unexpired) entries.
func (s *MemoryStore) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// maybeSweep removes expired entries at most once per sweepInterval. Expired
// keys are collected under the read lock; the write lock is held only for the
// deletes themselves.
func (s *MemoryStore) maybeSweep(now time.Time) {
	s.mu.RLock()
	due := now.Sub(s.lastSweep) >= sweepInterval
	s.mu.RUnlock()
	if !due {
		return
	}

	s.mu.RLock()
	var expired []string
	for key, e := range s.entries {
		if e.expired(now) {
			expired = append(expired, key)
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	s.lastSweep = now
	for _, key := range expired {
		// Re-check: the key may have been rewritten since the scan.
		if e, ok := s.entries[key]; ok && e.expired(now) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

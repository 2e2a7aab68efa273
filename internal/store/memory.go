package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CacheStore with time-based expiration and a
// background sweeper. It backs tests and cache-only deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore creates a memory store and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the entry when present and fresh.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || !e.Fresh(s.now()) {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// MGet returns the fresh subset of keys in one pass.
func (s *MemoryStore) MGet(_ context.Context, keys []string) (map[string]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Entry, len(keys))
	now := s.now()
	for _, k := range keys {
		if e, ok := s.entries[k]; ok && e.Fresh(now) {
			cp := *e
			out[k] = &cp
		}
	}
	return out, nil
}

// Set stores the entry, stamping StoredAt when unset.
func (s *MemoryStore) Set(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.StoredAt.IsZero() {
		cp.StoredAt = s.now()
	}
	s.entries[cp.Key] = &cp
	return nil
}

// Delete removes the key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len reports the live entry count, expired included until the next sweep.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stop shuts down the sweeper.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !e.Fresh(now) {
			delete(s.entries, k)
		}
	}
}

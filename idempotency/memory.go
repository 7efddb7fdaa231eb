package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-instance hosts.
// Expired markers are dropped lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry

	// now is a test seam for expiry.
	now func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Exists reports whether a live marker is present.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.liveLocked(key)

	return ok, nil
}

// Set writes a marker unconditionally.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}

	return nil
}

// SetIfAbsent claims a marker only when no live one exists.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.check(key); err != nil {
		return false, err
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}

	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}

	return true, nil
}

// Delete removes a marker.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)

	return nil
}

// Get returns a live marker's value, for tests and diagnostics.
func (s *MemoryStore) Get(key string) (string, bool) {
	if s == nil || key == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(key)

	return entry.value, ok
}

// Len returns the number of live markers.
func (s *MemoryStore) Len() int {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.entries {
		if _, ok := s.liveLocked(key); ok {
			count++
		}
	}

	return count
}

func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}

	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)

		return memoryEntry{}, false
	}

	return entry, true
}

func (s *MemoryStore) check(key string) error {
	if s == nil || s.entries == nil {
		return ErrStoreRequired
	}

	if key == "" {
		return ErrKeyRequired
	}

	return nil
}

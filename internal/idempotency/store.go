package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Store records processed keys and their cached results. Entries expire after
// their TTL, which is configured to match the push dispatcher's task-name
// deduplication window.
type Store interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	CacheResult(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	// GetCachedResult returns false when no unexpired result exists.
	GetCachedResult(ctx context.Context, key string) (json.RawMessage, bool, error)
	// Purge deletes expired entries and returns how many were removed.
	Purge(ctx context.Context) (int64, error)
}

type memoryEntry struct {
	processed        bool
	processedExpires time.Time
	result           json.RawMessage
	resultExpires    time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	timeFunc func() time.Time
}

// NewMemoryStore creates a MemoryStore. A nil timeFunc uses time.Now.
func NewMemoryStore(timeFunc func() time.Time) *MemoryStore {
	if timeFunc == nil {
		timeFunc = time.Now
	}
	return &MemoryStore{entries: make(map[string]*memoryEntry), timeFunc: timeFunc}
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	return e
}

// IsProcessed implements Store.
func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.processed {
		return false, nil
	}
	return s.timeFunc().Before(e.processedExpires), nil
}

// MarkProcessed implements Store.
func (s *MemoryStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key)
	e.processed = true
	e.processedExpires = s.timeFunc().Add(ttl)
	return nil
}

// CacheResult implements Store.
func (s *MemoryStore) CacheResult(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(key)
	e.result = append(json.RawMessage(nil), result...)
	e.resultExpires = s.timeFunc().Add(ttl)
	return nil
}

// GetCachedResult implements Store.
func (s *MemoryStore) GetCachedResult(_ context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.result == nil || !s.timeFunc().Before(e.resultExpires) {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), e.result...), true, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timeFunc()
	var n int64
	for key, e := range s.entries {
		if !now.Before(e.processedExpires) && !now.Before(e.resultExpires) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

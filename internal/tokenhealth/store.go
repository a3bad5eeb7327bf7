package tokenhealth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// Store persists token health records, one per key.
type Store interface {
	// Get returns store.ErrTokenHealthNotFound when the key has no record.
	Get(ctx context.Context, key domain.Key) (domain.TokenHealthRecord, error)
	Upsert(ctx context.Context, rec domain.TokenHealthRecord) error
	// ListExpiring returns records marked expiring_soon plus valid records
	// whose expiry is at or before the given time.
	ListExpiring(ctx context.Context, before time.Time) ([]domain.TokenHealthRecord, error)
	ListByStatus(ctx context.Context, statuses ...domain.TokenStatus) ([]domain.TokenHealthRecord, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[domain.Key]domain.TokenHealthRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[domain.Key]domain.TokenHealthRecord)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key domain.Key) (domain.TokenHealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key]
	if !ok {
		return domain.TokenHealthRecord{}, fmt.Errorf("%s: %w", key, store.ErrTokenHealthNotFound)
	}
	return rec, nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rec domain.TokenHealthRecord) error {
	if err := rec.Key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.Key] = rec
	return nil
}

// ListExpiring implements Store.
func (s *MemoryStore) ListExpiring(_ context.Context, before time.Time) ([]domain.TokenHealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TokenHealthRecord
	for _, rec := range s.rows {
		switch {
		case rec.Status == domain.TokenExpiringSoon:
			out = append(out, rec)
		case rec.Status == domain.TokenValid && rec.ExpiresAt != nil && !rec.ExpiresAt.After(before):
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...domain.TokenStatus) ([]domain.TokenHealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[domain.TokenStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.TokenHealthRecord
	for _, rec := range s.rows {
		if want[rec.Status] {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []domain.TokenHealthRecord) {
	sort.Slice(recs, func(i, k int) bool { return recs[i].Key.String() < recs[k].Key.String() })
}

package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// Store persists one schedule record per key.
type Store interface {
	// Get returns store.ErrScheduleNotFound when the key has no record.
	Get(ctx context.Context, key domain.Key) (domain.SyncScheduleRecord, error)
	Upsert(ctx context.Context, rec domain.SyncScheduleRecord) error
	// ListDue returns the users of an integration whose next due time is at
	// or before now, or whose onboarding window is still open.
	ListDue(ctx context.Context, integration domain.IntegrationType, now time.Time) ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[domain.Key]domain.SyncScheduleRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[domain.Key]domain.SyncScheduleRecord)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key domain.Key) (domain.SyncScheduleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[key]
	if !ok {
		return domain.SyncScheduleRecord{}, fmt.Errorf("%s: %w", key, store.ErrScheduleNotFound)
	}
	return rec, nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rec domain.SyncScheduleRecord) error {
	if err := rec.Key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.Key] = rec
	return nil
}

// ListDue implements Store.
func (s *MemoryStore) ListDue(_ context.Context, integration domain.IntegrationType, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []string
	for key, rec := range s.rows {
		if key.Integration == integration && rec.Due(now) {
			users = append(users, key.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

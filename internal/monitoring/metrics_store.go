package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// SyncMetricStore is the append-only audit log of sync attempts. There is
// no update or delete operation.
type SyncMetricStore interface {
	Append(ctx context.Context, m domain.SyncMetric) error
	// Since returns metrics created at or after t, oldest first.
	Since(ctx context.Context, t time.Time) ([]domain.SyncMetric, error)
}

// MemoryMetricStore is an in-process SyncMetricStore.
type MemoryMetricStore struct {
	mu   sync.Mutex
	rows []domain.SyncMetric
}

var _ SyncMetricStore = (*MemoryMetricStore)(nil)

// NewMemoryMetricStore creates an empty MemoryMetricStore.
func NewMemoryMetricStore() *MemoryMetricStore {
	return &MemoryMetricStore{}
}

// Append implements SyncMetricStore.
func (s *MemoryMetricStore) Append(_ context.Context, m domain.SyncMetric) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, m)
	return nil
}

// Since implements SyncMetricStore.
func (s *MemoryMetricStore) Since(_ context.Context, t time.Time) ([]domain.SyncMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SyncMetric
	for _, m := range s.rows {
		if !m.CreatedAt.Before(t) {
			out = append(out, m)
		}
	}
	return out, nil
}

// All returns a copy of every appended metric.
func (s *MemoryMetricStore) All() []domain.SyncMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SyncMetric(nil), s.rows...)
}

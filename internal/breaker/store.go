package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// Store persists breaker state, one row per key.
type Store interface {
	// Get returns store.ErrBreakerStateNotFound when the key has no row.
	Get(ctx context.Context, key domain.Key) (domain.CircuitBreakerState, error)

	// CompareAndSwap writes state if the stored version equals
	// expectedVersion, where 0 means "no row yet". It returns
	// store.ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, state domain.CircuitBreakerState, expectedVersion int64) error

	// ListByStates returns rows in any of the given states.
	ListByStates(ctx context.Context, states ...domain.CircuitState) ([]domain.CircuitBreakerState, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[domain.Key]domain.CircuitBreakerState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[domain.Key]domain.CircuitBreakerState)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key domain.Key) (domain.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok {
		return domain.CircuitBreakerState{}, fmt.Errorf("%s: %w", key, store.ErrBreakerStateNotFound)
	}
	return row, nil
}

// CompareAndSwap implements Store.
func (s *MemoryStore) CompareAndSwap(_ context.Context, state domain.CircuitBreakerState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[state.Key]
	var have int64
	if ok {
		have = current.Version
	}
	if have != expectedVersion {
		return fmt.Errorf("breaker %s at version %d, expected %d: %w", state.Key, have, expectedVersion, store.ErrConflict)
	}
	s.rows[state.Key] = state
	return nil
}

// ListByStates implements Store.
func (s *MemoryStore) ListByStates(_ context.Context, states ...domain.CircuitState) ([]domain.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[domain.CircuitState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []domain.CircuitBreakerState
	for _, row := range s.rows {
		if want[row.State] {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Key.String() < out[k].Key.String() })
	return out, nil
}

package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// SealedCredential is the stored form of one key's OAuth grant.
type SealedCredential struct {
	domain.Key
	AccessToken  []byte
	RefreshToken []byte
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// CredentialStore persists sealed credentials, one per key.
type CredentialStore interface {
	// Get returns store.ErrCredentialNotFound when the key has none.
	Get(ctx context.Context, key domain.Key) (SealedCredential, error)
	Put(ctx context.Context, c SealedCredential) error
}

// MemoryCredentialStore is an in-process CredentialStore.
type MemoryCredentialStore struct {
	mu   sync.Mutex
	rows map[domain.Key]SealedCredential
}

var _ CredentialStore = (*MemoryCredentialStore)(nil)

// NewMemoryCredentialStore creates an empty MemoryCredentialStore.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{rows: make(map[domain.Key]SealedCredential)}
}

// Get implements CredentialStore.
func (s *MemoryCredentialStore) Get(_ context.Context, key domain.Key) (SealedCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[key]
	if !ok {
		return SealedCredential{}, fmt.Errorf("%s: %w", key, store.ErrCredentialNotFound)
	}
	return c, nil
}

// Put implements CredentialStore.
func (s *MemoryCredentialStore) Put(_ context.Context, c SealedCredential) error {
	if err := c.Key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[c.Key] = c
	return nil
}

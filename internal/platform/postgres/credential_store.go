package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/platform/oauth"
	"github.com/phrazzld/syncwarden/internal/store"
)

// CredentialStore implements oauth.CredentialStore. Token columns hold
// ciphertext only; sealing happens in the oauth package.
type CredentialStore struct {
	db store.DBTX
}

var _ oauth.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(db store.DBTX) *CredentialStore {
	return &CredentialStore{db: db}
}

// Get implements oauth.CredentialStore.
func (s *CredentialStore) Get(ctx context.Context, key domain.Key) (oauth.SealedCredential, error) {
	var (
		c       oauth.SealedCredential
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, integration_type, access_token_sealed, refresh_token_sealed, expires_at, updated_at
		FROM integration_credentials
		WHERE user_id = $1 AND integration_type = $2`,
		key.UserID, key.Integration,
	).Scan(&c.UserID, &c.Integration, &c.AccessToken, &c.RefreshToken, &expires, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.SealedCredential{}, store.ErrCredentialNotFound
	}
	if err != nil {
		return oauth.SealedCredential{}, fmt.Errorf("get credential: %w", MapError(err))
	}
	c.ExpiresAt = timePtr(expires)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Put implements oauth.CredentialStore.
func (s *CredentialStore) Put(ctx context.Context, c oauth.SealedCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integration_credentials (user_id, integration_type, access_token_sealed,
			refresh_token_sealed, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			access_token_sealed = EXCLUDED.access_token_sealed,
			refresh_token_sealed = EXCLUDED.refresh_token_sealed,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, c.Integration, c.AccessToken, c.RefreshToken, nullTime(c.ExpiresAt), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put credential: %w", MapError(err))
	}
	return nil
}

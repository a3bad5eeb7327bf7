package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
	"github.com/phrazzld/syncwarden/internal/tokenhealth"
)

// TokenHealthStore implements tokenhealth.Store.
type TokenHealthStore struct {
	db store.DBTX
}

var _ tokenhealth.Store = (*TokenHealthStore)(nil)

// NewTokenHealthStore creates a TokenHealthStore.
func NewTokenHealthStore(db store.DBTX) *TokenHealthStore {
	return &TokenHealthStore{db: db}
}

const tokenHealthColumns = `user_id, integration_type, status, expires_at, last_checked,
	last_refreshed_at, last_error, failure_count, last_notified_at`

func scanTokenHealth(row rowScanner) (domain.TokenHealthRecord, error) {
	var (
		rec                          domain.TokenHealthRecord
		expires, refreshed, notified sql.NullTime
	)
	err := row.Scan(&rec.UserID, &rec.Integration, &rec.Status, &expires, &rec.LastChecked,
		&refreshed, &rec.LastError, &rec.FailureCount, &notified)
	if err != nil {
		return domain.TokenHealthRecord{}, err
	}
	rec.ExpiresAt = timePtr(expires)
	rec.LastRefreshedAt = timePtr(refreshed)
	rec.LastNotifiedAt = timePtr(notified)
	rec.LastChecked = rec.LastChecked.UTC()
	return rec, nil
}

func (s *TokenHealthStore) list(ctx context.Context, query string, args ...any) ([]domain.TokenHealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list token health: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TokenHealthRecord
	for rows.Next() {
		rec, err := scanTokenHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token health: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get implements tokenhealth.Store.
func (s *TokenHealthStore) Get(ctx context.Context, key domain.Key) (domain.TokenHealthRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenHealthColumns+` FROM token_health
		WHERE user_id = $1 AND integration_type = $2`,
		key.UserID, key.Integration)
	rec, err := scanTokenHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TokenHealthRecord{}, store.ErrTokenHealthNotFound
	}
	if err != nil {
		return domain.TokenHealthRecord{}, fmt.Errorf("get token health: %w", MapError(err))
	}
	return rec, nil
}

// Upsert implements tokenhealth.Store.
func (s *TokenHealthStore) Upsert(ctx context.Context, rec domain.TokenHealthRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_health (`+tokenHealthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			last_checked = EXCLUDED.last_checked,
			last_refreshed_at = EXCLUDED.last_refreshed_at,
			last_error = EXCLUDED.last_error,
			failure_count = EXCLUDED.failure_count,
			last_notified_at = EXCLUDED.last_notified_at`,
		rec.UserID, rec.Integration, rec.Status, nullTime(rec.ExpiresAt), rec.LastChecked.UTC(),
		nullTime(rec.LastRefreshedAt), rec.LastError, rec.FailureCount, nullTime(rec.LastNotifiedAt))
	if err != nil {
		return fmt.Errorf("upsert token health: %w", MapError(err))
	}
	return nil
}

// ListExpiring implements tokenhealth.Store.
func (s *TokenHealthStore) ListExpiring(ctx context.Context, before time.Time) ([]domain.TokenHealthRecord, error) {
	return s.list(ctx,
		`SELECT `+tokenHealthColumns+` FROM token_health
		WHERE status = 'expiring_soon'
		   OR (status = 'valid' AND expires_at IS NOT NULL AND expires_at <= $1)
		ORDER BY expires_at NULLS LAST, user_id`,
		before.UTC())
}

// ListByStatus implements tokenhealth.Store.
func (s *TokenHealthStore) ListByStatus(ctx context.Context, statuses ...domain.TokenStatus) ([]domain.TokenHealthRecord, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.list(ctx,
		`SELECT `+tokenHealthColumns+` FROM token_health
		WHERE status = ANY($1)
		ORDER BY user_id, integration_type`,
		pq.Array(names))
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/syncwarden/internal/idempotency"
	"github.com/phrazzld/syncwarden/internal/store"
)

// IdempotencyStore implements idempotency.Store. Expiry is evaluated against
// the injected clock so entries behave the same as in the in-process store.
type IdempotencyStore struct {
	db       store.DBTX
	timeFunc func() time.Time
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// NewIdempotencyStore creates an IdempotencyStore. A nil timeFunc uses time.Now.
func NewIdempotencyStore(db store.DBTX, timeFunc func() time.Time) *IdempotencyStore {
	if timeFunc == nil {
		timeFunc = time.Now
	}
	return &IdempotencyStore{db: db, timeFunc: timeFunc}
}

func (s *IdempotencyStore) now() time.Time {
	return s.timeFunc().UTC()
}

// IsProcessed implements idempotency.Store.
func (s *IdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	var processed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM idempotency_keys
			WHERE key = $1 AND processed AND processed_expires_at > $2)`,
		key, s.now()).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", MapError(err))
	}
	return processed, nil
}

// MarkProcessed implements idempotency.Store.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, processed, processed_expires_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (key) DO UPDATE SET
			processed = TRUE,
			processed_expires_at = EXCLUDED.processed_expires_at`,
		key, s.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("mark idempotency key processed: %w", MapError(err))
	}
	return nil
}

// CacheResult implements idempotency.Store.
func (s *IdempotencyStore) CacheResult(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, result, result_expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			result = EXCLUDED.result,
			result_expires_at = EXCLUDED.result_expires_at`,
		key, []byte(result), s.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("cache idempotent result: %w", MapError(err))
	}
	return nil
}

// GetCachedResult implements idempotency.Store.
func (s *IdempotencyStore) GetCachedResult(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys
		WHERE key = $1 AND result IS NOT NULL AND result_expires_at > $2`,
		key, s.now()).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached result: %w", MapError(err))
	}
	return json.RawMessage(result), true, nil
}

// Purge implements idempotency.Store.
func (s *IdempotencyStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		WHERE (processed_expires_at IS NULL OR processed_expires_at <= $1)
		  AND (result_expires_at IS NULL OR result_expires_at <= $1)`,
		s.now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return n, nil
}

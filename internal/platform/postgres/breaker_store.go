package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/phrazzld/syncwarden/internal/breaker"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/phrazzld/syncwarden/internal/store"
)

// BreakerStore implements breaker.Store. Writes are version-checked so that
// exactly one caller wins each transition.
type BreakerStore struct {
	db store.DBTX
}

var _ breaker.Store = (*BreakerStore)(nil)

// NewBreakerStore creates a BreakerStore.
func NewBreakerStore(db store.DBTX) *BreakerStore {
	return &BreakerStore{db: db}
}

const breakerColumns = `user_id, integration_type, state, failure_count, last_failure_reason,
	opened_at, trial_started_at, updated_at, version`

func scanBreaker(row rowScanner) (domain.CircuitBreakerState, error) {
	var (
		st              domain.CircuitBreakerState
		opened, trialAt sql.NullTime
	)
	err := row.Scan(&st.UserID, &st.Integration, &st.State, &st.FailureCount, &st.LastFailureReason,
		&opened, &trialAt, &st.UpdatedAt, &st.Version)
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	st.OpenedAt = timePtr(opened)
	st.TrialStartedAt = timePtr(trialAt)
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// Get implements breaker.Store.
func (s *BreakerStore) Get(ctx context.Context, key domain.Key) (domain.CircuitBreakerState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_states
		WHERE user_id = $1 AND integration_type = $2`,
		key.UserID, key.Integration)
	st, err := scanBreaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CircuitBreakerState{}, store.ErrBreakerStateNotFound
	}
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("get breaker state: %w", MapError(err))
	}
	return st, nil
}

// CompareAndSwap implements breaker.Store.
func (s *BreakerStore) CompareAndSwap(ctx context.Context, st domain.CircuitBreakerState, expectedVersion int64) error {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO circuit_breaker_states (`+breakerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, integration_type) DO NOTHING`,
			st.UserID, st.Integration, st.State, st.FailureCount, st.LastFailureReason,
			nullTime(st.OpenedAt), nullTime(st.TrialStartedAt), st.UpdatedAt.UTC(), st.Version)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE circuit_breaker_states
			SET state = $3, failure_count = $4, last_failure_reason = $5, opened_at = $6,
				trial_started_at = $7, updated_at = $8, version = $9
			WHERE user_id = $1 AND integration_type = $2 AND version = $10`,
			st.UserID, st.Integration, st.State, st.FailureCount, st.LastFailureReason,
			nullTime(st.OpenedAt), nullTime(st.TrialStartedAt), st.UpdatedAt.UTC(), st.Version,
			expectedVersion)
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to write breaker state",
			"user_id", st.UserID, "integration", string(st.Integration), "error", err)
		return fmt.Errorf("write breaker state: %w", MapError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("breaker %s at version %d: %w", st.Key, expectedVersion, store.ErrConflict)
	}
	return nil
}

// ListByStates implements breaker.Store.
func (s *BreakerStore) ListByStates(ctx context.Context, states ...domain.CircuitState) ([]domain.CircuitBreakerState, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+breakerColumns+` FROM circuit_breaker_states
		WHERE state = ANY($1)
		ORDER BY user_id, integration_type`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list breaker states: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CircuitBreakerState
	for rows.Next() {
		st, err := scanBreaker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan breaker state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/monitoring"
	"github.com/phrazzld/syncwarden/internal/store"
)

// MetricStore implements monitoring.SyncMetricStore. The table only ever
// receives inserts; a trigger rejects updates and deletes.
type MetricStore struct {
	db store.DBTX
}

var _ monitoring.SyncMetricStore = (*MetricStore)(nil)

// NewMetricStore creates a MetricStore.
func NewMetricStore(db store.DBTX) *MetricStore {
	return &MetricStore{db: db}
}

// Append implements monitoring.SyncMetricStore.
func (s *MetricStore) Append(ctx context.Context, m domain.SyncMetric) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metrics (id, user_id, integration_type, sync_type, result, skip_reason,
			api_calls_made, api_calls_saved, duration_ms, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.UserID, m.Integration, m.SyncType, m.Result, m.SkipReason,
		m.APICallsMade, m.APICallsSaved, m.DurationMs, m.ErrorMessage, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append sync metric: %w", MapError(err))
	}
	return nil
}

// Since implements monitoring.SyncMetricStore.
func (s *MetricStore) Since(ctx context.Context, t time.Time) ([]domain.SyncMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, integration_type, sync_type, result, skip_reason,
			api_calls_made, api_calls_saved, duration_ms, error_message, created_at
		FROM sync_metrics
		WHERE created_at >= $1
		ORDER BY created_at, id`,
		t.UTC())
	if err != nil {
		return nil, fmt.Errorf("list sync metrics: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.SyncMetric
	for rows.Next() {
		var m domain.SyncMetric
		if err := rows.Scan(&m.ID, &m.UserID, &m.Integration, &m.SyncType, &m.Result, &m.SkipReason,
			&m.APICallsMade, &m.APICallsSaved, &m.DurationMs, &m.ErrorMessage, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync metric: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

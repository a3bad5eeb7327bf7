package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/schedule"
	"github.com/phrazzld/syncwarden/internal/store"
)

// ScheduleStore implements schedule.Store.
type ScheduleStore struct {
	db store.DBTX
}

var _ schedule.Store = (*ScheduleStore)(nil)

// NewScheduleStore creates a ScheduleStore.
func NewScheduleStore(db store.DBTX) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// Get implements schedule.Store.
func (s *ScheduleStore) Get(ctx context.Context, key domain.Key) (domain.SyncScheduleRecord, error) {
	var (
		rec                           domain.SyncScheduleRecord
		lastSync, lastChange, onboard sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, integration_type, last_sync_at, last_change_detected_at, next_due_at,
			current_interval_hours, onboarding_until, updated_at
		FROM sync_schedules
		WHERE user_id = $1 AND integration_type = $2`,
		key.UserID, key.Integration,
	).Scan(&rec.UserID, &rec.Integration, &lastSync, &lastChange, &rec.NextDueAt,
		&rec.CurrentIntervalHours, &onboard, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncScheduleRecord{}, store.ErrScheduleNotFound
	}
	if err != nil {
		return domain.SyncScheduleRecord{}, fmt.Errorf("get sync schedule: %w", MapError(err))
	}
	rec.LastSyncAt = timePtr(lastSync)
	rec.LastChangeDetectedAt = timePtr(lastChange)
	rec.OnboardingUntil = timePtr(onboard)
	rec.NextDueAt = rec.NextDueAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// Upsert implements schedule.Store.
func (s *ScheduleStore) Upsert(ctx context.Context, rec domain.SyncScheduleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_schedules (user_id, integration_type, last_sync_at, last_change_detected_at,
			next_due_at, current_interval_hours, onboarding_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			last_change_detected_at = EXCLUDED.last_change_detected_at,
			next_due_at = EXCLUDED.next_due_at,
			current_interval_hours = EXCLUDED.current_interval_hours,
			onboarding_until = EXCLUDED.onboarding_until,
			updated_at = EXCLUDED.updated_at`,
		rec.UserID, rec.Integration, nullTime(rec.LastSyncAt), nullTime(rec.LastChangeDetectedAt),
		rec.NextDueAt.UTC(), rec.CurrentIntervalHours, nullTime(rec.OnboardingUntil), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert sync schedule: %w", MapError(err))
	}
	return nil
}

// ListDue implements schedule.Store.
func (s *ScheduleStore) ListDue(ctx context.Context, integration domain.IntegrationType, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM sync_schedules
		WHERE integration_type = $1
		  AND (next_due_at <= $2 OR (onboarding_until IS NOT NULL AND onboarding_until > $2))
		ORDER BY user_id`,
		integration, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

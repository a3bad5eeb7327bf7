package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/queue/push"
	"github.com/phrazzld/syncwarden/internal/store"
)

// PushTaskStore implements push.TaskStore on the push_tasks table.
type PushTaskStore struct {
	db *sql.DB
}

var _ push.TaskStore = (*PushTaskStore)(nil)

// NewPushTaskStore creates a PushTaskStore.
func NewPushTaskStore(db *sql.DB) *PushTaskStore {
	return &PushTaskStore{db: db}
}

const taskColumns = `name, queue, url, body, idempotency_key, schedule_time, attempt, max_attempts,
	status, last_error, last_response_code, created_at, dispatched_at, finished_at`

func scanTask(row rowScanner) (push.Task, error) {
	var (
		t                    push.Task
		body                 []byte
		dispatched, finished sql.NullTime
	)
	err := row.Scan(&t.Name, &t.Queue, &t.URL, &body, &t.IdempotencyKey, &t.ScheduleTime,
		&t.Attempt, &t.MaxAttempts, &t.Status, &t.LastError, &t.LastResponseCode, &t.CreatedAt,
		&dispatched, &finished)
	if err != nil {
		return push.Task{}, err
	}
	t.Body = body
	t.ScheduleTime = t.ScheduleTime.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.DispatchedAt = timePtr(dispatched)
	t.FinishedAt = timePtr(finished)
	return t, nil
}

func (s *PushTaskStore) list(ctx context.Context, query string, args ...any) ([]push.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list push tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []push.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan push task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create implements push.TaskStore. The existing row, if any, is locked for
// the duration of the dedup decision.
func (s *PushTaskStore) Create(ctx context.Context, task push.Task, dedupSince time.Time) (push.Task, error) {
	var (
		out push.Task
		dup bool
	)
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := scanTask(tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM push_tasks WHERE name = $1 FOR UPDATE`, task.Name))
		switch {
		case err == nil:
			if push.IsDuplicate(existing, task, dedupSince) {
				out, dup = existing, true
				return nil
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return MapError(err)
		}

		out, err = scanTask(tx.QueryRowContext(ctx,
			`INSERT INTO push_tasks (name, queue, url, body, idempotency_key, schedule_time, attempt,
				max_attempts, status, last_error, last_response_code, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', 0, $10)
			ON CONFLICT (name) DO UPDATE SET
				queue = EXCLUDED.queue,
				url = EXCLUDED.url,
				body = EXCLUDED.body,
				idempotency_key = EXCLUDED.idempotency_key,
				schedule_time = EXCLUDED.schedule_time,
				attempt = EXCLUDED.attempt,
				max_attempts = EXCLUDED.max_attempts,
				status = EXCLUDED.status,
				last_error = '',
				last_response_code = 0,
				created_at = EXCLUDED.created_at,
				dispatched_at = NULL,
				finished_at = NULL
			RETURNING `+taskColumns,
			task.Name, task.Queue, task.URL, []byte(task.Body), task.IdempotencyKey,
			task.ScheduleTime.UTC(), task.Attempt, task.MaxAttempts, task.Status, task.CreatedAt.UTC()))
		return MapError(err)
	})
	if err != nil {
		return push.Task{}, fmt.Errorf("create push task: %w", err)
	}
	if dup {
		return out, queue.ErrDuplicateJob
	}
	return out, nil
}

// ClaimDue implements push.TaskStore.
func (s *PushTaskStore) ClaimDue(ctx context.Context, q queue.QueueName, now time.Time, limit int) ([]push.Task, error) {
	tasks, err := s.list(ctx,
		`UPDATE push_tasks SET status = 'active', attempt = attempt + 1, dispatched_at = $2
		WHERE name IN (
			SELECT name FROM push_tasks
			WHERE queue = $1 AND status IN ('waiting', 'delayed') AND schedule_time <= $2
			ORDER BY schedule_time, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3)
		RETURNING `+taskColumns,
		q, now.UTC(), limitArg(limit))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tasks, func(a, b push.Task) int {
		if c := a.ScheduleTime.Compare(b.ScheduleTime); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tasks, nil
}

func (s *PushTaskStore) update(ctx context.Context, name, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s push task: %w", op, MapError(err))
	}
	return CheckRowsAffected(res, "push task "+name)
}

// Complete implements push.TaskStore.
func (s *PushTaskStore) Complete(ctx context.Context, name string, now time.Time, code int) error {
	return s.update(ctx, name, "complete",
		`UPDATE push_tasks SET status = 'completed', last_response_code = $2, finished_at = $3
		WHERE name = $1`,
		name, code, now.UTC())
}

// Retry implements push.TaskStore.
func (s *PushTaskStore) Retry(ctx context.Context, name string, runAt time.Time, code int, lastErr string) error {
	return s.update(ctx, name, "retry",
		`UPDATE push_tasks SET status = 'delayed', schedule_time = $2, last_response_code = $3,
			last_error = $4, dispatched_at = NULL
		WHERE name = $1`,
		name, runAt.UTC(), code, lastErr)
}

// Fail implements push.TaskStore.
func (s *PushTaskStore) Fail(ctx context.Context, name string, now time.Time, code int, lastErr string) error {
	return s.update(ctx, name, "fail",
		`UPDATE push_tasks SET status = 'failed', last_response_code = $2, last_error = $3,
			finished_at = $4
		WHERE name = $1`,
		name, code, lastErr, now.UTC())
}

// RecoverStuck implements push.TaskStore.
func (s *PushTaskStore) RecoverStuck(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE push_tasks SET status = 'waiting', dispatched_at = NULL
		WHERE status = 'active' AND dispatched_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover stuck push tasks: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stuck push tasks: %w", err)
	}
	return int(n), nil
}

// Counts implements push.TaskStore.
func (s *PushTaskStore) Counts(ctx context.Context, now time.Time) (map[queue.QueueName]queue.Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT queue, status, schedule_time > $1 AS delayed, COUNT(*)
		FROM push_tasks
		GROUP BY queue, status, delayed`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("count push tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()
	return scanCounts(rows)
}

// ActiveSince implements push.TaskStore.
func (s *PushTaskStore) ActiveSince(ctx context.Context, cutoff time.Time) ([]push.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM push_tasks
		WHERE status = 'active' AND dispatched_at < $1
		ORDER BY dispatched_at`,
		cutoff.UTC())
}

// Failed implements push.TaskStore.
func (s *PushTaskStore) Failed(ctx context.Context, q queue.QueueName, limit int) ([]push.Task, error) {
	return s.list(ctx,
		`SELECT `+taskColumns+` FROM push_tasks
		WHERE queue = $1 AND status = 'failed'
		ORDER BY finished_at DESC
		LIMIT $2`,
		q, limitArg(limit))
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/queue/worker"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/store"
)

// JobsChannel is the LISTEN/NOTIFY channel that carries the name of a queue
// that just received a job.
const JobsChannel = "syncwarden_jobs"

// JobBroker implements worker.Broker on the jobs table. Claims use
// FOR UPDATE SKIP LOCKED so any number of worker processes can share it.
type JobBroker struct {
	db       store.DBTX
	listener *pq.Listener
	logger   *slog.Logger

	wake      chan queue.QueueName
	done      chan struct{}
	closeOnce sync.Once
}

var _ worker.Broker = (*JobBroker)(nil)

// BrokerOption configures a JobBroker.
type BrokerOption func(*JobBroker)

// WithListener subscribes the broker to JobsChannel so that Wakeups
// delivers queue names as jobs arrive. The broker owns the listener.
func WithListener(l *pq.Listener) BrokerOption {
	return func(b *JobBroker) {
		b.listener = l
	}
}

// NewListener creates a pq.Listener for dsn that logs connection events.
func NewListener(dsn string, logger *slog.Logger) *pq.Listener {
	return pq.NewListener(dsn, 250*time.Millisecond, 10*time.Second,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("job listener connection event",
					"event", int(ev), "error", redact.Error(err))
			}
		})
}

// NewJobBroker creates a JobBroker. Without a listener Wakeups returns nil
// and workers rely on polling.
func NewJobBroker(db store.DBTX, logger *slog.Logger, opts ...BrokerOption) (*JobBroker, error) {
	b := &JobBroker{db: db, logger: logger, done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	if b.listener != nil {
		if err := b.listener.Listen(JobsChannel); err != nil {
			return nil, fmt.Errorf("listen on %s: %w", JobsChannel, err)
		}
		b.wake = make(chan queue.QueueName, 64)
		go b.forward()
	}
	return b, nil
}

func (b *JobBroker) forward() {
	for {
		select {
		case <-b.done:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect.
			if n == nil {
				continue
			}
			q, err := queue.ParseQueueName(n.Extra)
			if err != nil {
				b.logger.Debug("ignoring notification for unknown queue", "payload", n.Extra)
				continue
			}
			select {
			case b.wake <- q:
			default:
			}
		}
	}
}

const jobColumns = `id, queue, payload, idempotency_key, attempt, max_attempts, schedule_time,
	status, last_error, created_at, started_at, finished_at`

func scanJob(row rowScanner) (queue.Job, error) {
	var (
		j                 queue.Job
		payload           []byte
		started, finished sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Queue, &payload, &j.IdempotencyKey, &j.Attempt, &j.MaxAttempts,
		&j.ScheduleTime, &j.Status, &j.LastError, &j.CreatedAt, &started, &finished)
	if err != nil {
		return queue.Job{}, err
	}
	j.Payload = payload
	j.ScheduleTime = j.ScheduleTime.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return j, nil
}

func (b *JobBroker) list(ctx context.Context, query string, args ...any) ([]queue.Job, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (b *JobBroker) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Add implements worker.Broker. A terminal job with the same id is replaced.
func (b *JobBroker) Add(ctx context.Context, job queue.Job) (queue.Job, error) {
	if b.closed() {
		return queue.Job{}, queue.ErrBackendClosed
	}
	status := job.Status
	if status == "" {
		status = queue.JobWaiting
		if job.ScheduleTime.After(job.CreatedAt) {
			status = queue.JobDelayed
		}
	}

	stored, err := scanJob(b.db.QueryRowContext(ctx,
		`INSERT INTO jobs (id, queue, payload, idempotency_key, attempt, max_attempts,
			schedule_time, status, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9)
		ON CONFLICT (id) DO UPDATE SET
			queue = EXCLUDED.queue,
			payload = EXCLUDED.payload,
			idempotency_key = EXCLUDED.idempotency_key,
			attempt = EXCLUDED.attempt,
			max_attempts = EXCLUDED.max_attempts,
			schedule_time = EXCLUDED.schedule_time,
			status = EXCLUDED.status,
			last_error = '',
			created_at = EXCLUDED.created_at,
			started_at = NULL,
			finished_at = NULL
		WHERE jobs.status IN ('completed', 'failed')
		RETURNING `+jobColumns,
		job.ID, job.Queue, []byte(job.Payload), job.IdempotencyKey, job.Attempt, job.MaxAttempts,
		job.ScheduleTime.UTC(), status, job.CreatedAt.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := scanJob(b.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, job.ID))
		if getErr != nil {
			return queue.Job{}, fmt.Errorf("load duplicate job %s: %w", job.ID, MapError(getErr))
		}
		return existing, queue.ErrDuplicateJob
	}
	if err != nil {
		return queue.Job{}, fmt.Errorf("add job: %w", MapError(err))
	}

	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, JobsChannel, job.Queue.String()); err != nil {
		b.logger.Warn("failed to notify job listeners", "queue", job.Queue, "error", redact.Error(err))
	}
	return stored, nil
}

// Claim implements worker.Broker.
func (b *JobBroker) Claim(ctx context.Context, q queue.QueueName, now time.Time) (queue.Job, bool, error) {
	if b.closed() {
		return queue.Job{}, false, queue.ErrBackendClosed
	}
	j, err := scanJob(b.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'active', attempt = attempt + 1, started_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status IN ('waiting', 'delayed') AND schedule_time <= $2
			ORDER BY schedule_time, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1)
		RETURNING `+jobColumns,
		q, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Job{}, false, nil
	}
	if err != nil {
		return queue.Job{}, false, fmt.Errorf("claim job: %w", MapError(err))
	}
	return j, true, nil
}

// transitionActive applies an update that only matches an active job and
// distinguishes a missing job from one in another state.
func (b *JobBroker) transitionActive(ctx context.Context, id, query string, args ...any) error {
	res, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status queue.JobStatus
	err = b.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return MapError(err)
	}
	return fmt.Errorf("job %s is %s, not active: %w", id, status, store.ErrConflict)
}

// Complete implements worker.Broker.
func (b *JobBroker) Complete(ctx context.Context, id string, now time.Time) error {
	if err := b.transitionActive(ctx, id,
		`UPDATE jobs SET status = 'completed', finished_at = $2
		WHERE id = $1 AND status = 'active'`,
		id, now.UTC()); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry implements worker.Broker.
func (b *JobBroker) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	if err := b.transitionActive(ctx, id,
		`UPDATE jobs SET status = 'delayed', schedule_time = $2, last_error = $3, started_at = NULL
		WHERE id = $1 AND status = 'active'`,
		id, runAt.UTC(), lastErr); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Fail implements worker.Broker.
func (b *JobBroker) Fail(ctx context.Context, id string, now time.Time, lastErr string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, finished_at = $3 WHERE id = $1`,
		id, lastErr, now.UTC())
	if err != nil {
		return fmt.Errorf("fail job: %w", MapError(err))
	}
	return CheckRowsAffected(res, "job "+id)
}

// RecoverStuck implements worker.Broker.
func (b *JobBroker) RecoverStuck(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'waiting', started_at = NULL, last_error = 'recovered after stalling'
		WHERE status = 'active' AND started_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return int(n), nil
}

// Counts implements worker.Broker.
func (b *JobBroker) Counts(ctx context.Context, now time.Time) (map[queue.QueueName]queue.Counts, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT queue, status, schedule_time > $1 AS delayed, COUNT(*)
		FROM jobs
		GROUP BY queue, status, delayed`,
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()
	return scanCounts(rows)
}

// ActiveSince implements worker.Broker.
func (b *JobBroker) ActiveSince(ctx context.Context, cutoff time.Time) ([]queue.Job, error) {
	return b.list(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'active' AND started_at < $1
		ORDER BY started_at`,
		cutoff.UTC())
}

// Failed implements worker.Broker.
func (b *JobBroker) Failed(ctx context.Context, q queue.QueueName, limit int) ([]queue.Job, error) {
	return b.list(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE queue = $1 AND status = 'failed'
		ORDER BY finished_at DESC
		LIMIT $2`,
		q, limitArg(limit))
}

// Wakeups implements worker.Broker.
func (b *JobBroker) Wakeups() <-chan queue.QueueName {
	if b.wake == nil {
		return nil
	}
	return b.wake
}

// Close implements worker.Broker. It stops the listener but leaves the
// database handle to its owner.
func (b *JobBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.listener != nil {
			err = b.listener.Close()
		}
	})
	return err
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/syncwarden/internal/idempotency"
	"github.com/phrazzld/syncwarden/internal/queue"
)

// Backend is the pull-based queue.Backend. Jobs are written to a Broker and
// executed by a Pool running elsewhere, possibly in another process.
type Backend struct {
	broker   Broker
	registry *queue.Registry
	logger   *slog.Logger
	timeFunc func() time.Time
	closed   atomic.Bool
}

var (
	_ queue.Backend   = (*Backend)(nil)
	_ queue.Inspector = (*Backend)(nil)
)

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithBackendClock overrides time.Now.
func WithBackendClock(fn func() time.Time) BackendOption {
	return func(b *Backend) { b.timeFunc = fn }
}

// NewBackend creates a Backend.
func NewBackend(broker Broker, registry *queue.Registry, logger *slog.Logger, opts ...BackendOption) *Backend {
	b := &Backend{
		broker:   broker,
		registry: registry,
		logger:   logger.With("component", "worker_backend"),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue implements queue.Backend.
func (b *Backend) Enqueue(ctx context.Context, q queue.QueueName, payload any, opts queue.Options) (queue.JobHandle, error) {
	if b.closed.Load() {
		return queue.JobHandle{}, queue.ErrBackendClosed
	}
	if !q.Valid() {
		return queue.JobHandle{}, fmt.Errorf("%w: %d", queue.ErrUnknownQueue, int(q))
	}

	now := b.timeFunc()
	runAt, err := queue.ResolveSchedule(now, opts)
	if err != nil {
		return queue.JobHandle{}, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return queue.JobHandle{}, queue.Permanent(fmt.Errorf("marshal %s payload: %w", q, err))
	}
	key, err := idempotency.GenerateKey(q.String(), data)
	if err != nil {
		return queue.JobHandle{}, queue.Permanent(err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	status := queue.JobWaiting
	if runAt.After(now) {
		status = queue.JobDelayed
	}

	job := queue.Job{
		ID:             id,
		Queue:          q,
		Payload:        data,
		IdempotencyKey: key,
		MaxAttempts:    queue.EffectiveMaxAttempts(b.registry.Config(q), opts),
		ScheduleTime:   runAt,
		Status:         status,
		CreatedAt:      now,
	}

	stored, err := b.broker.Add(ctx, job)
	switch {
	case errors.Is(err, queue.ErrDuplicateJob):
		b.logger.DebugContext(ctx, "absorbed duplicate job", "job_id", id, "queue", q.String())
		return handleFor(stored, true), nil
	case err != nil:
		return queue.JobHandle{}, fmt.Errorf("enqueue %s: %w", q, err)
	}

	b.logger.DebugContext(ctx, "job enqueued", "job_id", id, "queue", q.String(), "schedule_time", runAt)
	return handleFor(stored, false), nil
}

func handleFor(j queue.Job, dedup bool) queue.JobHandle {
	return queue.JobHandle{
		ID:             j.ID,
		Queue:          j.Queue,
		IdempotencyKey: j.IdempotencyKey,
		ScheduleTime:   j.ScheduleTime,
		Deduplicated:   dedup,
	}
}

// Close implements queue.Backend. The broker is closed; a Pool sharing it
// should be stopped first.
func (b *Backend) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.broker.Close()
}

// QueueCounts implements queue.Inspector.
func (b *Backend) QueueCounts(ctx context.Context) (map[queue.QueueName]queue.Counts, error) {
	return b.broker.Counts(ctx, b.timeFunc())
}

// SlowJobs implements queue.Inspector.
func (b *Backend) SlowJobs(ctx context.Context, threshold time.Duration) ([]queue.SlowJob, error) {
	now := b.timeFunc()
	jobs, err := b.broker.ActiveSince(ctx, now.Add(-threshold))
	if err != nil {
		return nil, err
	}
	out := make([]queue.SlowJob, 0, len(jobs))
	for _, j := range jobs {
		if j.StartedAt == nil {
			continue
		}
		out = append(out, queue.SlowJob{
			ID:        j.ID,
			Queue:     j.Queue,
			StartedAt: *j.StartedAt,
			Running:   now.Sub(*j.StartedAt),
		})
	}
	return out, nil
}

// FailedJobs implements queue.Inspector.
func (b *Backend) FailedJobs(ctx context.Context, q queue.QueueName, limit int) ([]queue.Job, error) {
	return b.broker.Failed(ctx, q, limit)
}

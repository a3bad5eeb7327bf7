package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/syncwarden/internal/idempotency"
	"github.com/phrazzld/syncwarden/internal/queue"
)

// JobPath returns the callback path for q.
func JobPath(q queue.QueueName) string {
	return "/api/jobs/" + q.String()
}

// Backend is the push-based queue.Backend. Each job becomes a Task handed
// to a TaskClient; nothing in this process executes it.
type Backend struct {
	client        TaskClient
	store         TaskStore
	registry      *queue.Registry
	targetBaseURL string
	logger        *slog.Logger
	timeFunc      func() time.Time
	closed        atomic.Bool
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

// NewBackend creates a Backend delivering callbacks to targetBaseURL. store
// backs the Inspector methods and must be the store behind client.
func NewBackend(
	client TaskClient,
	store TaskStore,
	registry *queue.Registry,
	targetBaseURL string,
	logger *slog.Logger,
	opts ...BackendOption,
) *Backend {
	b := &Backend{
		client:        client,
		store:         store,
		registry:      registry,
		targetBaseURL: strings.TrimRight(targetBaseURL, "/"),
		logger:        logger.With("component", "push_backend"),
		timeFunc:      time.Now,
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
	body, err := json.Marshal(Envelope{Data: data, IdempotencyKey: key, JobName: q.String()})
	if err != nil {
		return queue.JobHandle{}, queue.Permanent(fmt.Errorf("marshal envelope: %w", err))
	}

	name := opts.JobID
	if name == "" {
		name = uuid.NewString()
	}
	status := queue.JobWaiting
	if runAt.After(now) {
		status = queue.JobDelayed
	}

	task := Task{
		Name:           name,
		Queue:          q,
		URL:            b.targetBaseURL + JobPath(q),
		Body:           body,
		IdempotencyKey: key,
		ScheduleTime:   runAt,
		MaxAttempts:    queue.EffectiveMaxAttempts(b.registry.Config(q), opts),
		Status:         status,
		CreatedAt:      now,
	}

	created, err := b.client.CreateTask(ctx, task)
	switch {
	case errors.Is(err, queue.ErrDuplicateJob):
		b.logger.DebugContext(ctx, "absorbed duplicate task", "task_name", name, "queue", q.String())
		return handleFor(created, true), nil
	case err != nil:
		return queue.JobHandle{}, fmt.Errorf("create %s task: %w", q, err)
	}
	b.logger.DebugContext(ctx, "task created", "task_name", name, "queue", q.String(), "schedule_time", runAt)
	return handleFor(created, false), nil
}

func handleFor(t Task, dedup bool) queue.JobHandle {
	return queue.JobHandle{
		ID:             t.Name,
		Queue:          t.Queue,
		IdempotencyKey: t.IdempotencyKey,
		ScheduleTime:   t.ScheduleTime,
		Deduplicated:   dedup,
	}
}

// Close implements queue.Backend. Tasks already created are still delivered
// by the dispatcher.
func (b *Backend) Close(_ context.Context) error {
	b.closed.Store(true)
	return nil
}

// QueueCounts implements queue.Inspector.
func (b *Backend) QueueCounts(ctx context.Context) (map[queue.QueueName]queue.Counts, error) {
	return b.store.Counts(ctx, b.timeFunc())
}

// SlowJobs implements queue.Inspector.
func (b *Backend) SlowJobs(ctx context.Context, threshold time.Duration) ([]queue.SlowJob, error) {
	now := b.timeFunc()
	tasks, err := b.store.ActiveSince(ctx, now.Add(-threshold))
	if err != nil {
		return nil, err
	}
	out := make([]queue.SlowJob, 0, len(tasks))
	for _, t := range tasks {
		if t.DispatchedAt == nil {
			continue
		}
		out = append(out, queue.SlowJob{
			ID:        t.Name,
			Queue:     t.Queue,
			StartedAt: *t.DispatchedAt,
			Running:   now.Sub(*t.DispatchedAt),
		})
	}
	return out, nil
}

// FailedJobs implements queue.Inspector.
func (b *Backend) FailedJobs(ctx context.Context, q queue.QueueName, limit int) ([]queue.Job, error) {
	tasks, err := b.store.Failed(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Job, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Job())
	}
	return out, nil
}

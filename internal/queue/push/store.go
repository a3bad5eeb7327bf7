package push

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/store"
)

// TaskStore persists dispatcher tasks.
type TaskStore interface {
	// Create stores task. A task with the same name that is still pending or
	// dispatching, or that completed after dedupSince with the same
	// idempotency key, is returned with queue.ErrDuplicateJob.
	Create(ctx context.Context, task Task, dedupSince time.Time) (Task, error)

	// ClaimDue marks up to limit due tasks of q as dispatching, incrementing
	// their attempt, and returns them.
	ClaimDue(ctx context.Context, q queue.QueueName, now time.Time, limit int) ([]Task, error)

	Complete(ctx context.Context, name string, now time.Time, code int) error
	Retry(ctx context.Context, name string, runAt time.Time, code int, lastErr string) error
	Fail(ctx context.Context, name string, now time.Time, code int, lastErr string) error

	// RecoverStuck returns tasks dispatching since before cutoff to pending.
	RecoverStuck(ctx context.Context, cutoff time.Time) (int, error)

	Counts(ctx context.Context, now time.Time) (map[queue.QueueName]queue.Counts, error)
	ActiveSince(ctx context.Context, cutoff time.Time) ([]Task, error)
	Failed(ctx context.Context, q queue.QueueName, limit int) ([]Task, error)
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

var _ TaskStore = (*MemoryTaskStore)(nil)

// NewMemoryTaskStore creates an empty MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*Task)}
}

func copyTask(t *Task) Task {
	out := *t
	out.Body = append([]byte(nil), t.Body...)
	return out
}

// IsDuplicate applies the task-name deduplication rule to an existing task.
func IsDuplicate(existing, incoming Task, dedupSince time.Time) bool {
	if !existing.Status.Terminal() {
		return true
	}
	return existing.Status == queue.JobCompleted &&
		existing.IdempotencyKey == incoming.IdempotencyKey &&
		existing.FinishedAt != nil && existing.FinishedAt.After(dedupSince)
}

// Create implements TaskStore.
func (s *MemoryTaskStore) Create(_ context.Context, task Task, dedupSince time.Time) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[task.Name]; ok && IsDuplicate(*existing, task, dedupSince) {
		return copyTask(existing), queue.ErrDuplicateJob
	}
	stored := copyTask(&task)
	s.tasks[task.Name] = &stored
	return copyTask(&stored), nil
}

// ClaimDue implements TaskStore.
func (s *MemoryTaskStore) ClaimDue(_ context.Context, q queue.QueueName, now time.Time, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for _, t := range s.tasks {
		if t.Queue == q && (t.Status == queue.JobWaiting || t.Status == queue.JobDelayed) && !t.ScheduleTime.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].ScheduleTime.Equal(due[k].ScheduleTime) {
			return due[i].CreatedAt.Before(due[k].CreatedAt)
		}
		return due[i].ScheduleTime.Before(due[k].ScheduleTime)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Task, 0, len(due))
	for _, t := range due {
		dispatched := now
		t.Status = queue.JobActive
		t.Attempt++
		t.DispatchedAt = &dispatched
		out = append(out, copyTask(t))
	}
	return out, nil
}

func (s *MemoryTaskStore) get(name string) (*Task, error) {
	t, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", name, store.ErrNotFound)
	}
	return t, nil
}

// Complete implements TaskStore.
func (s *MemoryTaskStore) Complete(_ context.Context, name string, now time.Time, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.get(name)
	if err != nil {
		return err
	}
	finished := now
	t.Status = queue.JobCompleted
	t.LastResponseCode = code
	t.FinishedAt = &finished
	return nil
}

// Retry implements TaskStore.
func (s *MemoryTaskStore) Retry(_ context.Context, name string, runAt time.Time, code int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.get(name)
	if err != nil {
		return err
	}
	t.Status = queue.JobDelayed
	t.ScheduleTime = runAt
	t.LastResponseCode = code
	t.LastError = lastErr
	t.DispatchedAt = nil
	return nil
}

// Fail implements TaskStore.
func (s *MemoryTaskStore) Fail(_ context.Context, name string, now time.Time, code int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.get(name)
	if err != nil {
		return err
	}
	finished := now
	t.Status = queue.JobFailed
	t.LastResponseCode = code
	t.LastError = lastErr
	t.FinishedAt = &finished
	return nil
}

// RecoverStuck implements TaskStore.
func (s *MemoryTaskStore) RecoverStuck(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == queue.JobActive && t.DispatchedAt != nil && t.DispatchedAt.Before(cutoff) {
			t.Status = queue.JobWaiting
			t.DispatchedAt = nil
			n++
		}
	}
	return n, nil
}

// Counts implements TaskStore.
func (s *MemoryTaskStore) Counts(_ context.Context, now time.Time) (map[queue.QueueName]queue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[queue.QueueName]queue.Counts)
	for _, q := range queue.AllQueues() {
		out[q] = queue.Counts{}
	}
	for _, t := range s.tasks {
		c := out[t.Queue]
		switch t.Status {
		case queue.JobWaiting, queue.JobDelayed:
			if t.ScheduleTime.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case queue.JobActive:
			c.Active++
		case queue.JobCompleted:
			c.Completed++
		case queue.JobFailed:
			c.Failed++
		}
		out[t.Queue] = c
	}
	return out, nil
}

// ActiveSince implements TaskStore.
func (s *MemoryTaskStore) ActiveSince(_ context.Context, cutoff time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == queue.JobActive && t.DispatchedAt != nil && t.DispatchedAt.Before(cutoff) {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}

// Failed implements TaskStore.
func (s *MemoryTaskStore) Failed(_ context.Context, q queue.QueueName, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Queue == q && t.Status == queue.JobFailed {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FinishedAt.After(*out[k].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns a copy of the named task.
func (s *MemoryTaskStore) Get(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return Task{}, false
	}
	return copyTask(t), true
}

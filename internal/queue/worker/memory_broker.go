package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/store"
)

// MemoryBroker is an in-process Broker for tests and local development.
type MemoryBroker struct {
	mu     sync.Mutex
	jobs   map[string]*queue.Job
	seq    map[string]int64
	next   int64
	wake   chan queue.QueueName
	closed bool
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		jobs: make(map[string]*queue.Job),
		seq:  make(map[string]int64),
		wake: make(chan queue.QueueName, 64),
	}
}

func pendingStatus(job *queue.Job, now time.Time) queue.JobStatus {
	if job.ScheduleTime.After(now) {
		return queue.JobDelayed
	}
	return queue.JobWaiting
}

func copyJob(j *queue.Job) queue.Job {
	out := *j
	out.Payload = append([]byte(nil), j.Payload...)
	return out
}

// Add implements Broker.
func (b *MemoryBroker) Add(_ context.Context, job queue.Job) (queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.Job{}, queue.ErrBackendClosed
	}
	if existing, ok := b.jobs[job.ID]; ok && !existing.Status.Terminal() {
		return copyJob(existing), queue.ErrDuplicateJob
	}
	stored := job
	stored.Payload = append([]byte(nil), job.Payload...)
	b.jobs[job.ID] = &stored
	b.next++
	b.seq[job.ID] = b.next

	select {
	case b.wake <- job.Queue:
	default:
	}
	return copyJob(&stored), nil
}

// Claim implements Broker.
func (b *MemoryBroker) Claim(_ context.Context, q queue.QueueName, now time.Time) (queue.Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.Job{}, false, queue.ErrBackendClosed
	}

	var best *queue.Job
	for _, j := range b.jobs {
		if j.Queue != q || (j.Status != queue.JobWaiting && j.Status != queue.JobDelayed) {
			continue
		}
		if j.ScheduleTime.After(now) {
			continue
		}
		if best == nil || j.ScheduleTime.Before(best.ScheduleTime) ||
			(j.ScheduleTime.Equal(best.ScheduleTime) && b.seq[j.ID] < b.seq[best.ID]) {
			best = j
		}
	}
	if best == nil {
		return queue.Job{}, false, nil
	}

	started := now
	best.Status = queue.JobActive
	best.Attempt++
	best.StartedAt = &started
	return copyJob(best), true, nil
}

func (b *MemoryBroker) active(id string) (*queue.Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if j.Status != queue.JobActive {
		return nil, fmt.Errorf("job %s is %s, not active: %w", id, j.Status, store.ErrConflict)
	}
	return j, nil
}

// Complete implements Broker.
func (b *MemoryBroker) Complete(_ context.Context, id string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.active(id)
	if err != nil {
		return err
	}
	finished := now
	j.Status = queue.JobCompleted
	j.FinishedAt = &finished
	return nil
}

// Retry implements Broker.
func (b *MemoryBroker) Retry(_ context.Context, id string, runAt time.Time, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, err := b.active(id)
	if err != nil {
		return err
	}
	j.Status = queue.JobDelayed
	j.ScheduleTime = runAt
	j.LastError = lastErr
	j.StartedAt = nil
	return nil
}

// Fail implements Broker.
func (b *MemoryBroker) Fail(_ context.Context, id string, now time.Time, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	finished := now
	j.Status = queue.JobFailed
	j.LastError = lastErr
	j.FinishedAt = &finished
	return nil
}

// RecoverStuck implements Broker.
func (b *MemoryBroker) RecoverStuck(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, j := range b.jobs {
		if j.Status == queue.JobActive && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			j.Status = queue.JobWaiting
			j.StartedAt = nil
			j.LastError = "recovered after stalling"
			n++
		}
	}
	return n, nil
}

// Counts implements Broker.
func (b *MemoryBroker) Counts(_ context.Context, now time.Time) (map[queue.QueueName]queue.Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[queue.QueueName]queue.Counts)
	for _, q := range queue.AllQueues() {
		out[q] = queue.Counts{}
	}
	for _, j := range b.jobs {
		c := out[j.Queue]
		switch j.Status {
		case queue.JobWaiting, queue.JobDelayed:
			if pendingStatus(j, now) == queue.JobDelayed {
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
		out[j.Queue] = c
	}
	return out, nil
}

// ActiveSince implements Broker.
func (b *MemoryBroker) ActiveSince(_ context.Context, cutoff time.Time) ([]queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []queue.Job
	for _, j := range b.jobs {
		if j.Status == queue.JobActive && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(*out[k].StartedAt) })
	return out, nil
}

// Failed implements Broker.
func (b *MemoryBroker) Failed(_ context.Context, q queue.QueueName, limit int) ([]queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []queue.Job
	for _, j := range b.jobs {
		if j.Queue == q && j.Status == queue.JobFailed {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FinishedAt.After(*out[k].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns a copy of the job with the given id.
func (b *MemoryBroker) Get(id string) (queue.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return queue.Job{}, false
	}
	return copyJob(j), true
}

// Wakeups implements Broker.
func (b *MemoryBroker) Wakeups() <-chan queue.QueueName {
	return b.wake
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

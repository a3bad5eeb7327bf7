package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MaxScheduleHorizon bounds how far in the future a job may be scheduled.
const MaxScheduleHorizon = 30 * 24 * time.Hour

// Options tunes a single Enqueue call. Delay and ScheduleTime are mutually
// exclusive; with neither set the job is due immediately.
type Options struct {
	Delay        time.Duration
	ScheduleTime time.Time
	// MaxAttempts overrides the queue's configured attempts when positive.
	MaxAttempts int
	// JobID makes the job deterministic. A second Enqueue with the same id
	// while the first job is still pending is absorbed. When empty the
	// backend assigns a random id.
	JobID string
}

// JobHandle describes an enqueued job.
type JobHandle struct {
	ID             string    `json:"id"             yaml:"id"`
	Queue          QueueName `json:"queue"          yaml:"queue"`
	IdempotencyKey string    `json:"idempotencyKey" yaml:"idempotencyKey"`
	ScheduleTime   time.Time `json:"scheduleTime"   yaml:"scheduleTime"`
	// Deduplicated is true when Enqueue matched an already pending job.
	Deduplicated bool `json:"deduplicated" yaml:"deduplicated"`
}

// Backend is the dispatch strategy. Implementations are selected once at
// startup.
type Backend interface {
	Enqueue(ctx context.Context, q QueueName, payload any, opts Options) (JobHandle, error)
	Close(ctx context.Context) error
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job statuses.
const (
	JobWaiting   JobStatus = "waiting"
	JobDelayed   JobStatus = "delayed"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a unit of queued work as seen by handlers and inspectors.
type Job struct {
	ID             string          `json:"id"`
	Queue          QueueName       `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	// Attempt is 1 for the first delivery.
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"maxAttempts"`
	ScheduleTime time.Time  `json:"scheduleTime"`
	Status       JobStatus  `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Queue, err))
	}
	return nil
}

// ValidateSchedule checks that t lies within [now, now+MaxScheduleHorizon].
func ValidateSchedule(now, t time.Time) error {
	if t.Before(now) {
		return fmt.Errorf("%w: %s is in the past", ErrInvalidSchedule, t.Format(time.RFC3339))
	}
	if t.After(now.Add(MaxScheduleHorizon)) {
		return fmt.Errorf("%w: %s is more than %s ahead", ErrInvalidSchedule,
			t.Format(time.RFC3339), MaxScheduleHorizon)
	}
	return nil
}

// ResolveSchedule turns opts into an absolute due time.
func ResolveSchedule(now time.Time, opts Options) (time.Time, error) {
	switch {
	case opts.Delay != 0 && !opts.ScheduleTime.IsZero():
		return time.Time{}, fmt.Errorf("%w: delay and schedule time are mutually exclusive", ErrInvalidSchedule)
	case opts.Delay < 0:
		return time.Time{}, fmt.Errorf("%w: negative delay %s", ErrInvalidSchedule, opts.Delay)
	case opts.Delay > 0:
		t := now.Add(opts.Delay)
		return t, ValidateSchedule(now, t)
	case !opts.ScheduleTime.IsZero():
		return opts.ScheduleTime, ValidateSchedule(now, opts.ScheduleTime)
	default:
		return now, nil
	}
}

// PerUserJobID returns the deterministic id used to collapse concurrent
// triggers for the same user on the same queue.
func PerUserJobID(q QueueName, userID string) string {
	return q.String() + "-" + userID
}

// EffectiveMaxAttempts resolves the attempt budget for a new job.
func EffectiveMaxAttempts(c QueueConfig, opts Options) int {
	if opts.MaxAttempts > 0 {
		return opts.MaxAttempts
	}
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 1
}

// Counts is the depth of a queue by job status.
type Counts struct {
	Waiting   int64 `json:"waiting"   yaml:"waiting"`
	Active    int64 `json:"active"    yaml:"active"`
	Completed int64 `json:"completed" yaml:"completed"`
	Failed    int64 `json:"failed"    yaml:"failed"`
	Delayed   int64 `json:"delayed"   yaml:"delayed"`
}

// SlowJob is an active job that has been running longer than a threshold.
type SlowJob struct {
	ID        string        `json:"id"        yaml:"id"`
	Queue     QueueName     `json:"queue"     yaml:"queue"`
	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	Running   time.Duration `json:"running"   yaml:"running"`
}

// Inspector exposes queue state for monitoring. Both backends implement it.
type Inspector interface {
	QueueCounts(ctx context.Context) (map[QueueName]Counts, error)
	SlowJobs(ctx context.Context, threshold time.Duration) ([]SlowJob, error)
	FailedJobs(ctx context.Context, q QueueName, limit int) ([]Job, error)
}

// Package push implements the push-based dispatch backend. No workers hold
// jobs; instead a dispatcher delivers each job as an authenticated HTTP
// callback to POST {target}/api/jobs/{jobName}, and the receiving endpoint
// performs its own idempotency check before doing any work.
package push

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
)

// Envelope is the callback request body.
type Envelope struct {
	Data           json.RawMessage `json:"data"`
	IdempotencyKey string          `json:"idempotencyKey"`
	JobName        string          `json:"jobName"`
}

// Task is one scheduled callback.
type Task struct {
	// Name is the job id. The dispatcher deduplicates on it.
	Name             string          `json:"name"`
	Queue            queue.QueueName `json:"queue"`
	URL              string          `json:"url"`
	Body             json.RawMessage `json:"body"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	ScheduleTime     time.Time       `json:"scheduleTime"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"maxAttempts"`
	Status           queue.JobStatus `json:"status"`
	LastError        string          `json:"lastError,omitempty"`
	LastResponseCode int             `json:"lastResponseCode,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	DispatchedAt     *time.Time      `json:"dispatchedAt,omitempty"`
	FinishedAt       *time.Time      `json:"finishedAt,omitempty"`
}

// Job converts t to the queue representation used by inspectors.
func (t Task) Job() queue.Job {
	var env Envelope
	_ = json.Unmarshal(t.Body, &env)
	return queue.Job{
		ID:             t.Name,
		Queue:          t.Queue,
		Payload:        env.Data,
		IdempotencyKey: t.IdempotencyKey,
		Attempt:        t.Attempt,
		MaxAttempts:    t.MaxAttempts,
		ScheduleTime:   t.ScheduleTime,
		Status:         t.Status,
		LastError:      t.LastError,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.DispatchedAt,
		FinishedAt:     t.FinishedAt,
	}
}

// Package worker implements the pull-based dispatch backend: jobs are stored
// in a Broker and long-lived consumers claim and execute them, relying on the
// broker for retries and keeping terminally failed jobs for inspection.
package worker

import (
	"context"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
)

// Broker stores jobs for the worker backend. A single Broker, and therefore
// a single connection pool, serves every queue.
type Broker interface {
	// Add stores a new job. When a non-terminal job with the same id exists
	// it is returned together with queue.ErrDuplicateJob.
	Add(ctx context.Context, job queue.Job) (queue.Job, error)

	// Claim marks the oldest due job of q active, increments its attempt and
	// returns it. The boolean is false when nothing is due.
	Claim(ctx context.Context, q queue.QueueName, now time.Time) (queue.Job, bool, error)

	// Complete marks an active job completed.
	Complete(ctx context.Context, id string, now time.Time) error

	// Retry returns an active job to the pending set, due at runAt.
	Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error

	// Fail marks a job terminally failed. Failed jobs are retained.
	Fail(ctx context.Context, id string, now time.Time, lastErr string) error

	// RecoverStuck returns jobs active since before cutoff to the pending set.
	RecoverStuck(ctx context.Context, cutoff time.Time) (int, error)

	// Counts reports per-queue depth as of now.
	Counts(ctx context.Context, now time.Time) (map[queue.QueueName]queue.Counts, error)

	// ActiveSince returns active jobs started before cutoff.
	ActiveSince(ctx context.Context, cutoff time.Time) ([]queue.Job, error)

	// Failed returns up to limit terminally failed jobs of q, newest first.
	Failed(ctx context.Context, q queue.QueueName, limit int) ([]queue.Job, error)

	// Wakeups delivers the name of a queue that received a job. It may return
	// nil, in which case consumers rely on polling alone.
	Wakeups() <-chan queue.QueueName

	Close() error
}

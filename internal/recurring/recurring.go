// Package recurring enqueues the periodic batch jobs. Every instance of the
// service may run a Scheduler; job ids derived from the window start let
// the dispatch backend absorb the duplicates.
package recurring

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/redact"
)

// Entry is one recurring trigger.
type Entry struct {
	Queue   queue.QueueName
	Every   time.Duration
	Payload func(windowStart time.Time) any
}

// DefaultEntries is the recurring trigger table.
func DefaultEntries() []Entry {
	window := func(t time.Time) any { return jobs.WindowPayload{WindowStart: t} }
	return []Entry{
		{Queue: queue.TokenRefresh, Every: 30 * time.Minute, Payload: func(t time.Time) any {
			return jobs.TokenRefreshPayload{WindowStart: t}
		}},
		{Queue: queue.AdaptiveSync, Every: time.Hour, Payload: func(t time.Time) any {
			return jobs.AdaptiveSyncPayload{WindowStart: t}
		}},
		{Queue: queue.WebhookHealthCheck, Every: 6 * time.Hour, Payload: window},
		{Queue: queue.WebhookRenewal, Every: 24 * time.Hour, Payload: window},
		{Queue: queue.TokenHealthReminder, Every: 24 * time.Hour, Payload: window},
		{Queue: queue.BatchNotifications, Every: time.Hour, Payload: func(t time.Time) any {
			return jobs.NotificationPayload{Kind: jobs.KindDigest, WindowStart: t}
		}},
	}
}

// JobID is the deterministic id of an entry's job for one window.
func JobID(q queue.QueueName, windowStart time.Time) string {
	return q.String() + "-" + strconv.FormatInt(windowStart.Unix(), 10)
}

// Scheduler fires recurring entries once per window.
type Scheduler struct {
	backend  queue.Backend
	entries  []Entry
	logger   *slog.Logger
	interval time.Duration
	timeFunc func() time.Time

	mu   sync.Mutex
	last map[queue.QueueName]time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.timeFunc = fn }
}

// WithTickInterval sets how often Run checks the table.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithEntries replaces the trigger table.
func WithEntries(entries []Entry) Option {
	return func(s *Scheduler) { s.entries = entries }
}

// New creates a Scheduler over DefaultEntries.
func New(backend queue.Backend, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		backend:  backend,
		entries:  DefaultEntries(),
		logger:   logger.With("component", "recurring"),
		interval: time.Minute,
		timeFunc: time.Now,
		last:     make(map[queue.QueueName]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick enqueues every entry whose current window has not been enqueued by
// this scheduler yet. It returns the number of jobs enqueued, counting
// deduplicated ones.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	n := 0
	for _, e := range s.entries {
		windowStart := now.UTC().Truncate(e.Every)
		if last, ok := s.last[e.Queue]; ok && !windowStart.After(last) {
			continue
		}
		handle, err := s.backend.Enqueue(ctx, e.Queue, e.Payload(windowStart), queue.Options{
			JobID: JobID(e.Queue, windowStart),
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to enqueue recurring job",
				"queue", e.Queue.String(), "window_start", windowStart, "error", redact.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("enqueue %s: %w", e.Queue, err)
			}
			continue
		}
		s.last[e.Queue] = windowStart
		n++
		s.logger.DebugContext(ctx, "recurring job enqueued",
			"queue", e.Queue.String(), "job_id", handle.ID, "deduplicated", handle.Deduplicated)
	}
	return n, firstErr
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx, s.timeFunc()); err != nil {
			s.logger.WarnContext(ctx, "recurring tick incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

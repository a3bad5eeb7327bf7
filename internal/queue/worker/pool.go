package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/redact"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// PollInterval is how often an idle consumer checks for due jobs when
	// no wakeup arrives.
	PollInterval time.Duration

	// AttemptTimeout bounds a single handler invocation.
	AttemptTimeout time.Duration

	// StuckAfter defines how long a job can be active before it is
	// considered stuck and returned to the pending set.
	StuckAfter time.Duration

	// StuckCheckInterval defines how often to check for stuck jobs.
	// If zero, defaults to 5 minutes.
	StuckCheckInterval time.Duration
}

// DefaultPoolConfig returns a PoolConfig with reasonable defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PollInterval:       time.Second,
		AttemptTimeout:     10 * time.Minute,
		StuckAfter:         30 * time.Minute,
		StuckCheckInterval: 5 * time.Minute,
	}
}

// Pool runs one consumer group per queue against a shared Broker. Each
// group has the queue's configured WorkerConcurrency and, when the queue
// sets MaxDispatchesPerSecond, a rate limiter.
type Pool struct {
	broker   Broker
	executor *queue.Executor
	registry *queue.Registry
	config   PoolConfig
	logger   *slog.Logger
	timeFunc func() time.Time

	mu       sync.Mutex
	limiters map[queue.QueueName]*rate.Limiter
	wake     map[queue.QueueName]chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolClock overrides time.Now.
func WithPoolClock(fn func() time.Time) PoolOption {
	return func(p *Pool) { p.timeFunc = fn }
}

// NewPool creates a Pool.
func NewPool(
	broker Broker,
	executor *queue.Executor,
	registry *queue.Registry,
	config PoolConfig,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	defaults := DefaultPoolConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = defaults.StuckAfter
	}
	if config.StuckCheckInterval <= 0 {
		config.StuckCheckInterval = defaults.StuckCheckInterval
	}

	p := &Pool{
		broker:   broker,
		executor: executor,
		registry: registry,
		config:   config,
		logger:   logger.With("component", "worker_pool"),
		timeFunc: time.Now,
		limiters: make(map[queue.QueueName]*rate.Limiter),
		wake:     make(map[queue.QueueName]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, q := range queue.AllQueues() {
		c := registry.Config(q)
		p.limiters[q] = rate.NewLimiter(limitFor(c), burstFor(c))
		p.wake[q] = make(chan struct{}, 1)
	}
	registry.OnChange(p.applyConfig)
	return p
}

func limitFor(c queue.QueueConfig) rate.Limit {
	if c.MaxDispatchesPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.MaxDispatchesPerSecond)
}

func burstFor(c queue.QueueConfig) int {
	return int(math.Max(1, math.Ceil(c.MaxDispatchesPerSecond)))
}

// applyConfig updates rate limits after a configuration reload. Concurrency
// changes take effect on the next start.
func (p *Pool) applyConfig(q queue.QueueName, c queue.QueueConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[q]; ok {
		l.SetLimit(limitFor(c))
		l.SetBurst(burstFor(c))
	}
	p.logger.Info("queue rate limit updated",
		"queue", q.String(),
		"max_dispatches_per_second", c.MaxDispatchesPerSecond)
}

func (p *Pool) limiter(q queue.QueueName) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limiters[q]
}

// Run starts every consumer group and the stuck job monitor, blocking until
// ctx is cancelled or a consumer fails irrecoverably.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if recovered, err := p.broker.RecoverStuck(ctx, p.timeFunc().Add(-p.config.StuckAfter)); err != nil {
		p.logger.Error("failed to recover stuck jobs at startup", "error", err)
	} else if recovered > 0 {
		p.logger.Info("recovered stuck jobs at startup", "count", recovered)
	}

	if wakeups := p.broker.Wakeups(); wakeups != nil {
		g.Go(func() error {
			p.fanOutWakeups(ctx, wakeups)
			return nil
		})
	}

	for _, q := range queue.AllQueues() {
		workers := p.registry.Config(q).WorkerConcurrency
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			q, id := q, i
			g.Go(func() error {
				p.consume(ctx, q, id)
				return nil
			})
		}
	}

	g.Go(func() error {
		p.stuckJobMonitor(ctx)
		return nil
	})

	p.logger.Info("worker pool started", "queues", len(queue.AllQueues()))
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) fanOutWakeups(ctx context.Context, wakeups <-chan queue.QueueName) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-wakeups:
			if !ok {
				return
			}
			if ch, ok := p.wake[q]; ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (p *Pool) consume(ctx context.Context, q queue.QueueName, id int) {
	log := p.logger.With("queue", q.String(), "worker_id", id)
	log.Debug("starting worker")

	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()

	for {
		processed, err := p.ProcessNext(ctx, q)
		if err != nil && ctx.Err() == nil {
			log.Error("failed to process job", "error", err)
		}
		if ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}
		if processed {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.config.PollInterval)

		select {
		case <-ctx.Done():
			log.Debug("stopping worker")
			return
		case <-p.wake[q]:
		case <-timer.C:
		}
	}
}

// ProcessNext claims and executes at most one due job of q. It reports
// whether a job was claimed.
func (p *Pool) ProcessNext(ctx context.Context, q queue.QueueName) (bool, error) {
	job, ok, err := p.broker.Claim(ctx, q, p.timeFunc())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", q, err)
	}
	if !ok {
		return false, nil
	}

	if l := p.limiter(q); l != nil {
		if err := l.Wait(ctx); err != nil {
			// Shutting down: hand the job back untouched apart from the attempt.
			retryErr := p.broker.Retry(context.WithoutCancel(ctx), job.ID, p.timeFunc(), "dispatch interrupted by shutdown")
			return true, errors.Join(err, retryErr)
		}
	}

	return true, p.handle(ctx, job)
}

func (p *Pool) handle(ctx context.Context, job queue.Job) error {
	log := p.logger.With("job_id", job.ID, "queue", job.Queue.String(), "attempt", job.Attempt)
	// Broker writes must land even if shutdown begins mid-attempt.
	writeCtx := context.WithoutCancel(ctx)

	if job.Attempt > job.MaxAttempts {
		log.Error("job exceeded its attempt budget before execution", "max_attempts", job.MaxAttempts)
		return p.broker.Fail(writeCtx, job.ID, p.timeFunc(), "attempts exhausted")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
	_, execErr := p.executor.Execute(attemptCtx, job)
	cancel()

	now := p.timeFunc()
	if execErr == nil {
		return p.broker.Complete(writeCtx, job.ID, now)
	}

	msg := redact.Error(execErr)
	if queue.IsPermanent(execErr) {
		log.Error("job failed permanently", "error", msg)
		return p.broker.Fail(writeCtx, job.ID, now, msg)
	}
	if job.Attempt >= job.MaxAttempts {
		log.Error("job failed terminally, attempts exhausted",
			"max_attempts", job.MaxAttempts, "error", msg)
		return p.broker.Fail(writeCtx, job.ID, now, msg)
	}

	delay := queue.Backoff(p.registry.Config(job.Queue), job.Attempt)
	log.Warn("job attempt failed, scheduling retry", "retry_in", delay, "error", msg)
	return p.broker.Retry(writeCtx, job.ID, now.Add(delay), msg)
}

// stuckJobMonitor periodically returns stalled active jobs to the pending set.
func (p *Pool) stuckJobMonitor(ctx context.Context) {
	ticker := time.NewTicker(p.config.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.broker.RecoverStuck(ctx, p.timeFunc().Add(-p.config.StuckAfter))
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to recover stuck jobs", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("recovered stuck jobs", "count", n)
			}
		}
	}
}

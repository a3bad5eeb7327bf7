package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/redact"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Headers set on every callback.
const (
	HeaderTaskName = "X-Syncwarden-Task-Name"
	HeaderAttempt  = "X-Syncwarden-Attempt"
	HeaderQueue    = "X-Syncwarden-Queue"
)

// TaskClient accepts tasks for later delivery.
type TaskClient interface {
	CreateTask(ctx context.Context, task Task) (Task, error)
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	PollInterval   time.Duration
	RequestTimeout time.Duration
	DedupWindow    time.Duration
	StuckAfter     time.Duration
	// BatchSize bounds how many tasks of one queue are claimed per poll.
	BatchSize int
}

// Dispatcher is a self-hosted stand-in for a managed task service. It
// delivers due tasks as authenticated POST requests, honouring each queue's
// dispatch rate and in-flight limits, and retries non-2xx responses with the
// queue's backoff until attempts run out.
type Dispatcher struct {
	store    TaskStore
	registry *queue.Registry
	tokens   TokenSource
	client   *http.Client
	config   DispatcherConfig
	logger   *slog.Logger
	timeFunc func() time.Time

	mu       sync.Mutex
	limiters map[queue.QueueName]*rate.Limiter
}

var _ TaskClient = (*Dispatcher)(nil)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithDispatcherClock overrides time.Now.
func WithDispatcherClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.timeFunc = fn }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	store TaskStore,
	registry *queue.Registry,
	tokens TokenSource,
	config DispatcherConfig,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Minute
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = 24 * time.Hour
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = config.RequestTimeout + time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}

	d := &Dispatcher{
		store:    store,
		registry: registry,
		tokens:   tokens,
		client:   &http.Client{},
		config:   config,
		logger:   logger.With("component", "push_dispatcher"),
		timeFunc: time.Now,
		limiters: make(map[queue.QueueName]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, q := range queue.AllQueues() {
		c := registry.Config(q)
		d.limiters[q] = rate.NewLimiter(limitFor(c), burstFor(c))
	}
	registry.OnChange(d.applyConfig)
	return d
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

func (d *Dispatcher) applyConfig(q queue.QueueName, c queue.QueueConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[q]; ok {
		l.SetLimit(limitFor(c))
		l.SetBurst(burstFor(c))
	}
}

func (d *Dispatcher) limiter(q queue.QueueName) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiters[q]
}

// CreateTask implements TaskClient.
func (d *Dispatcher) CreateTask(ctx context.Context, task Task) (Task, error) {
	now := d.timeFunc()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	return d.store.Create(ctx, task, now.Add(-d.config.DedupWindow))
}

// Run polls every queue for due tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, q := range queue.AllQueues() {
		q := q
		g.Go(func() error {
			ticker := time.NewTicker(d.config.PollInterval)
			defer ticker.Stop()
			for {
				if _, err := d.DispatchDue(ctx, q); err != nil && ctx.Err() == nil {
					d.logger.Error("dispatch cycle failed", "queue", q.String(), "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.config.StuckAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := d.store.RecoverStuck(ctx, d.timeFunc().Add(-d.config.StuckAfter))
				if err != nil && ctx.Err() == nil {
					d.logger.Error("failed to recover stuck tasks", "error", err)
				} else if n > 0 {
					d.logger.Warn("recovered stuck tasks", "count", n)
				}
			}
		}
	})

	d.logger.Info("push dispatcher started")
	return g.Wait()
}

// DispatchDue delivers the due tasks of q and waits for the deliveries to
// finish. It returns the number of tasks dispatched.
func (d *Dispatcher) DispatchDue(ctx context.Context, q queue.QueueName) (int, error) {
	tasks, err := d.store.ClaimDue(ctx, q, d.timeFunc(), d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim %s tasks: %w", q, err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	cfg := d.registry.Config(q)
	var g errgroup.Group
	if cfg.MaxConcurrentDispatches > 0 {
		g.SetLimit(cfg.MaxConcurrentDispatches)
	}

	limiter := d.limiter(q)
	for _, task := range tasks {
		task := task
		if err := limiter.Wait(ctx); err != nil {
			// Shutdown: leave the task for the next run.
			_ = d.store.Retry(context.WithoutCancel(ctx), task.Name, d.timeFunc(), 0, "dispatch interrupted by shutdown")
			continue
		}
		g.Go(func() error {
			d.deliver(ctx, cfg, task)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

func (d *Dispatcher) deliver(ctx context.Context, cfg queue.QueueConfig, task Task) {
	log := d.logger.With("task_name", task.Name, "queue", task.Queue.String(), "attempt", task.Attempt)
	writeCtx := context.WithoutCancel(ctx)

	code, err := d.post(ctx, task)
	now := d.timeFunc()

	if err == nil && code >= 200 && code < 300 {
		if err := d.store.Complete(writeCtx, task.Name, now, code); err != nil {
			log.Error("failed to mark task completed", "error", err)
		}
		return
	}

	msg := ""
	if err != nil {
		msg = redact.Error(err)
	} else {
		msg = "callback returned " + strconv.Itoa(code)
	}

	if task.Attempt >= task.MaxAttempts {
		log.Error("task failed terminally, attempts exhausted",
			"max_attempts", task.MaxAttempts, "status_code", code, "error", msg)
		if err := d.store.Fail(writeCtx, task.Name, now, code, msg); err != nil {
			log.Error("failed to mark task failed", "error", err)
		}
		return
	}

	delay := queue.Backoff(cfg, task.Attempt)
	log.Warn("callback failed, scheduling retry", "status_code", code, "retry_in", delay, "error", msg)
	if err := d.store.Retry(writeCtx, task.Name, now.Add(delay), code, msg); err != nil {
		log.Error("failed to reschedule task", "error", err)
	}
}

func (d *Dispatcher) post(ctx context.Context, task Task) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	token, err := d.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("mint identity token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Body))
	if err != nil {
		return 0, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(HeaderTaskName, task.Name)
	req.Header.Set(HeaderAttempt, strconv.Itoa(task.Attempt))
	req.Header.Set(HeaderQueue, task.Queue.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("callback request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, nil
}

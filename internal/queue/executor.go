package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/platform/logger"
)

// Handler processes one delivery of a job. The returned value is cached
// against the job's idempotency key so duplicate deliveries can replay it.
type Handler func(ctx context.Context, job Job) (any, error)

// HandlerRegistry maps queues to handlers. It is populated at the
// composition root and read by both backends.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[QueueName]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[QueueName]Handler)}
}

// Register installs h for q, replacing any previous handler.
func (r *HandlerRegistry) Register(q QueueName, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[q] = h
}

// Lookup returns the handler for q.
func (r *HandlerRegistry) Lookup(q QueueName) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[q]
	return h, ok
}

// Missing returns the known queues without a handler.
func (r *HandlerRegistry) Missing() []QueueName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []QueueName
	for _, q := range AllQueues() {
		if _, ok := r.handlers[q]; !ok {
			out = append(out, q)
		}
	}
	return out
}

// IdempotencyGuard is the subset of the idempotency store used around
// handler execution. Implementations fail open.
type IdempotencyGuard interface {
	IsProcessed(ctx context.Context, key string) bool
	MarkProcessed(ctx context.Context, key string)
	CacheResult(ctx context.Context, key string, result any)
	CachedResult(ctx context.Context, key string) (json.RawMessage, bool)
}

// Recorder receives one observation per execution.
type Recorder interface {
	RecordExecution(ctx context.Context, q QueueName, outcome string, elapsed time.Duration)
}

// Execution outcomes reported to the Recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeDuplicate = "duplicate"
	OutcomeRetryable = "retryable"
	OutcomePermanent = "permanent"
)

// Outcome is the result of a single Execute call.
type Outcome struct {
	// Result is the handler's return value, or the cached json for duplicates.
	Result    any
	Duplicate bool
}

// Executor runs handlers with the idempotency check both backends share:
// a delivery whose key was already processed returns the cached result
// without invoking the handler, and only successful executions are marked
// processed.
type Executor struct {
	handlers *HandlerRegistry
	guard    IdempotencyGuard
	recorder Recorder
	logger   *slog.Logger
	timeFunc func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecorder attaches an execution recorder.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithExecutorClock overrides time.Now.
func WithExecutorClock(fn func() time.Time) ExecutorOption {
	return func(e *Executor) { e.timeFunc = fn }
}

// NewExecutor creates an Executor. guard may be nil, which disables the
// idempotency check.
func NewExecutor(handlers *HandlerRegistry, guard IdempotencyGuard, log *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		handlers: handlers,
		guard:    guard,
		logger:   log.With("component", "executor"),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the handler registered for job.Queue.
func (e *Executor) Execute(ctx context.Context, job Job) (Outcome, error) {
	log := e.logger.With("job_id", job.ID, "queue", job.Queue.String(), "attempt", job.Attempt)
	ctx = logger.WithLogger(ctx, log)
	start := e.timeFunc()

	handler, ok := e.handlers.Lookup(job.Queue)
	if !ok {
		e.record(ctx, job.Queue, OutcomePermanent, start)
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, job.Queue)
	}

	if e.guard != nil && job.IdempotencyKey != "" && e.guard.IsProcessed(ctx, job.IdempotencyKey) {
		log.Info("duplicate delivery, returning cached result", "idempotency_key", job.IdempotencyKey)
		out := Outcome{Duplicate: true}
		if cached, ok := e.guard.CachedResult(ctx, job.IdempotencyKey); ok {
			out.Result = cached
		}
		e.record(ctx, job.Queue, OutcomeDuplicate, start)
		return out, nil
	}

	result, err := handler(ctx, job)
	if err != nil {
		outcome := OutcomeRetryable
		if IsPermanent(err) {
			outcome = OutcomePermanent
		}
		e.record(ctx, job.Queue, outcome, start)
		return Outcome{Result: result}, err
	}

	if e.guard != nil && job.IdempotencyKey != "" {
		e.guard.MarkProcessed(ctx, job.IdempotencyKey)
		if result != nil {
			e.guard.CacheResult(ctx, job.IdempotencyKey, result)
		}
	}

	e.record(ctx, job.Queue, OutcomeCompleted, start)
	log.Debug("job completed", "elapsed", e.timeFunc().Sub(start))
	return Outcome{Result: result}, nil
}

func (e *Executor) record(ctx context.Context, q QueueName, outcome string, start time.Time) {
	if e.recorder != nil {
		e.recorder.RecordExecution(ctx, q, outcome, e.timeFunc().Sub(start))
	}
}

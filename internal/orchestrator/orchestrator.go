// Package orchestrator runs one sync job for one user and integration behind
// the breaker, token and schedule guards, and writes back every piece of
// bookkeeping the guards depend on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/tokenhealth"
)

// ErrNoSyncRoutine is returned for an integration without a registered
// sync routine.
var ErrNoSyncRoutine = errors.New("no sync routine for integration")

// Breaker is the circuit breaker guard.
type Breaker interface {
	AllowRequest(ctx context.Context, userID string, integration domain.IntegrationType) (bool, error)
	ReportOutcome(ctx context.Context, userID string, integration domain.IntegrationType, success bool, reason string) error
	ReleaseTrial(ctx context.Context, userID string, integration domain.IntegrationType) error
}

// TokenGuard produces a usable credential. An error wrapping
// tokenhealth.ErrInvalidToken is a guard skip; any other error is a failure
// the job is retried for.
type TokenGuard interface {
	EnsureValid(ctx context.Context, userID string, integration domain.IntegrationType) (domain.Token, error)
}

// Schedule is the adaptive scheduler.
type Schedule interface {
	IsDue(ctx context.Context, userID string, integration domain.IntegrationType) (bool, error)
	RecordSync(ctx context.Context, userID string, integration domain.IntegrationType, changeDetected bool) (domain.SyncScheduleRecord, error)
}

// MetricWriter appends sync metrics.
type MetricWriter interface {
	Append(ctx context.Context, m domain.SyncMetric) error
}

// Recorder exports sync telemetry.
type Recorder interface {
	RecordSync(ctx context.Context, integration domain.IntegrationType, result domain.SyncResultKind, reason domain.SkipReason, elapsed time.Duration, apiCallsSaved int)
}

// SyncInput is handed to a sync routine.
type SyncInput struct {
	UserID      string
	Integration domain.IntegrationType
	SyncType    domain.SyncType
	Token       domain.Token
}

// SyncOutput is what a sync routine reports back.
type SyncOutput struct {
	ItemsProcessed int  `json:"itemsProcessed"`
	APICallsMade   int  `json:"apiCallsMade"`
	APICallsSaved  int  `json:"apiCallsSaved"`
	ChangeDetected bool `json:"changeDetected"`
}

// SyncRoutine performs the integration-specific sync against the provider.
type SyncRoutine interface {
	Sync(ctx context.Context, in SyncInput) (SyncOutput, error)
}

// SyncRoutineFunc adapts a function to SyncRoutine.
type SyncRoutineFunc func(ctx context.Context, in SyncInput) (SyncOutput, error)

// Sync implements SyncRoutine.
func (f SyncRoutineFunc) Sync(ctx context.Context, in SyncInput) (SyncOutput, error) {
	return f(ctx, in)
}

// Request describes one sync job.
type Request struct {
	UserID               string                 `json:"userId"`
	Integration          domain.IntegrationType `json:"integration"`
	SyncType             domain.SyncType        `json:"syncType"`
	BypassCircuitBreaker bool                   `json:"bypassCircuitBreaker"`
}

// Result is returned for every sync job, including skips and failures.
type Result struct {
	Result         domain.SyncResultKind `json:"result"`
	SkipReason     domain.SkipReason     `json:"skipReason,omitempty"`
	ItemsProcessed int                   `json:"itemsProcessed"`
	APICallsMade   int                   `json:"apiCallsMade"`
	APICallsSaved  int                   `json:"apiCallsSaved"`
	ChangeDetected bool                  `json:"changeDetected"`
	DurationMs     int64                 `json:"durationMs"`
	Error          string                `json:"error,omitempty"`
}

// Orchestrator runs sync jobs.
type Orchestrator struct {
	breaker  Breaker
	tokens   TokenGuard
	schedule Schedule
	metrics  MetricWriter
	routines map[domain.IntegrationType]SyncRoutine
	recorder Recorder
	logger   *slog.Logger
	timeFunc func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(o *Orchestrator) { o.timeFunc = fn }
}

// WithRecorder attaches a telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithRoutine registers the sync routine for an integration.
func WithRoutine(integration domain.IntegrationType, r SyncRoutine) Option {
	return func(o *Orchestrator) { o.routines[integration] = r }
}

// New creates an Orchestrator.
func New(b Breaker, tokens TokenGuard, schedule Schedule, metrics MetricWriter, log *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		breaker:  b,
		tokens:   tokens,
		schedule: schedule,
		metrics:  metrics,
		routines: make(map[domain.IntegrationType]SyncRoutine),
		logger:   log.With("component", "orchestrator"),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteSyncJob runs the guards in fixed order (breaker, token, due check),
// delegates to the sync routine, and records the outcome. Webhook syncs skip
// the due check; bypassed syncs skip the breaker and the due check. Guard skips are
// returned as results, never as errors. A failed sync returns both the
// result and the error so the dispatch backend retries it.
func (o *Orchestrator) ExecuteSyncJob(ctx context.Context, req Request) (Result, error) {
	if _, err := domain.NewKey(req.UserID, req.Integration); err != nil {
		return Result{}, err
	}
	if req.SyncType == "" {
		req.SyncType = domain.SyncTypeScheduled
	}
	routine, ok := o.routines[req.Integration]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSyncRoutine, req.Integration)
	}

	start := o.timeFunc()
	log := o.logger.With(
		"user_id", req.UserID,
		"integration", string(req.Integration),
		"sync_type", string(req.SyncType),
		"bypass", req.BypassCircuitBreaker)

	if !req.BypassCircuitBreaker {
		allowed, err := o.breaker.AllowRequest(ctx, req.UserID, req.Integration)
		if err != nil {
			return Result{}, fmt.Errorf("circuit breaker: %w", err)
		}
		if !allowed {
			return o.skip(ctx, log, req, start, domain.SkipCircuitBreakerOpen), nil
		}
	}

	tok, err := o.tokens.EnsureValid(ctx, req.UserID, req.Integration)
	switch {
	case errors.Is(err, tokenhealth.ErrInvalidToken):
		log.InfoContext(ctx, "no valid token", "error", redact.Error(err))
		o.releaseTrial(ctx, log, req)
		return o.skip(ctx, log, req, start, domain.SkipInvalidToken), nil
	case err != nil:
		o.releaseTrial(ctx, log, req)
		return Result{}, fmt.Errorf("token guard: %w", err)
	}

	// A provider push already signals a change, so only polling syncs are
	// held to the schedule.
	if !req.BypassCircuitBreaker && req.SyncType != domain.SyncTypeWebhook {
		due, err := o.schedule.IsDue(ctx, req.UserID, req.Integration)
		if err != nil {
			log.WarnContext(ctx, "schedule unavailable, treating as due", "error", redact.Error(err))
			due = true
		}
		if !due {
			o.releaseTrial(ctx, log, req)
			return o.skip(ctx, log, req, start, domain.SkipNotDue), nil
		}
	}

	out, syncErr := routine.Sync(ctx, SyncInput{
		UserID:      req.UserID,
		Integration: req.Integration,
		SyncType:    req.SyncType,
		Token:       tok,
	})

	res := Result{
		ItemsProcessed: out.ItemsProcessed,
		APICallsMade:   out.APICallsMade,
		APICallsSaved:  out.APICallsSaved,
		ChangeDetected: out.ChangeDetected,
	}
	if syncErr != nil {
		res.Result = domain.SyncFailure
		res.Error = redact.Error(syncErr)
	} else {
		res.Result = domain.SyncSuccess
	}
	elapsed := o.timeFunc().Sub(start)
	res.DurationMs = elapsed.Milliseconds()

	o.appendMetric(ctx, log, req, res)

	if err := o.breaker.ReportOutcome(ctx, req.UserID, req.Integration, syncErr == nil, res.Error); err != nil {
		log.ErrorContext(ctx, "failed to report breaker outcome", "error", redact.Error(err))
	}
	// A failed sync leaves the schedule due so the retry is not skipped.
	if syncErr == nil {
		if _, err := o.schedule.RecordSync(ctx, req.UserID, req.Integration, out.ChangeDetected); err != nil {
			log.ErrorContext(ctx, "failed to update sync schedule", "error", redact.Error(err))
		}
	}
	if o.recorder != nil {
		o.recorder.RecordSync(ctx, req.Integration, res.Result, domain.SkipNone, elapsed, res.APICallsSaved)
	}

	if syncErr != nil {
		log.WarnContext(ctx, "sync failed", "error", res.Error, "duration_ms", res.DurationMs)
		return res, fmt.Errorf("sync %s for %s: %w", req.Integration, req.UserID, syncErr)
	}
	log.InfoContext(ctx, "sync completed",
		"items_processed", res.ItemsProcessed,
		"api_calls_made", res.APICallsMade,
		"change_detected", res.ChangeDetected,
		"duration_ms", res.DurationMs)
	return res, nil
}

// releaseTrial hands back a half-open trial granted by the breaker guard when
// a later guard stops the job before the provider is called.
func (o *Orchestrator) releaseTrial(ctx context.Context, log *slog.Logger, req Request) {
	if req.BypassCircuitBreaker {
		return
	}
	if err := o.breaker.ReleaseTrial(ctx, req.UserID, req.Integration); err != nil {
		log.WarnContext(ctx, "failed to release breaker trial", "error", redact.Error(err))
	}
}

// skip records a guard skip. Each skip avoids one provider call.
func (o *Orchestrator) skip(ctx context.Context, log *slog.Logger, req Request, start time.Time, reason domain.SkipReason) Result {
	elapsed := o.timeFunc().Sub(start)
	res := Result{
		Result:        domain.SyncSkipped,
		SkipReason:    reason,
		APICallsSaved: 1,
		DurationMs:    elapsed.Milliseconds(),
	}
	o.appendMetric(ctx, log, req, res)
	if o.recorder != nil {
		o.recorder.RecordSync(ctx, req.Integration, res.Result, reason, elapsed, res.APICallsSaved)
	}
	log.InfoContext(ctx, "sync skipped", "skip_reason", string(reason))
	return res
}

func (o *Orchestrator) appendMetric(ctx context.Context, log *slog.Logger, req Request, res Result) {
	if o.metrics == nil {
		return
	}
	m := domain.SyncMetric{
		UserID:        req.UserID,
		Integration:   req.Integration,
		SyncType:      req.SyncType,
		Result:        res.Result,
		SkipReason:    res.SkipReason,
		APICallsMade:  res.APICallsMade,
		APICallsSaved: res.APICallsSaved,
		DurationMs:    res.DurationMs,
		ErrorMessage:  res.Error,
		CreatedAt:     o.timeFunc(),
	}
	if err := o.metrics.Append(context.WithoutCancel(ctx), m); err != nil {
		log.ErrorContext(ctx, "failed to record sync metric", "error", err)
	}
}

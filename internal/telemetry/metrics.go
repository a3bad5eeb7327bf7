package telemetry

import (
	"context"
	"time"

	"github.com/phrazzld/syncwarden/internal/alert"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes every syncwarden instrument.
const MeterName = "github.com/phrazzld/syncwarden"

// Metrics holds the syncwarden instruments. A nil *Metrics records nothing.
type Metrics struct {
	jobsTotal          metric.Int64Counter
	jobDuration        metric.Float64Histogram
	queueJobs          metric.Int64Gauge
	breakerTransitions metric.Int64Counter
	tokenRefreshes     metric.Int64Counter
	alertsTotal        metric.Int64Counter
	syncJobsTotal      metric.Int64Counter
	syncDuration       metric.Float64Histogram
	apiCallsSaved      metric.Int64Counter
}

// NewMetrics creates the instruments on the given provider. It returns nil
// when provider is nil.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(MeterName)
	m := &Metrics{}
	var err error

	if m.jobsTotal, err = meter.Int64Counter("syncwarden_jobs_total",
		metric.WithDescription("Job executions by queue and outcome"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("syncwarden_job_duration_seconds",
		metric.WithDescription("Job handler duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600)); err != nil {
		return nil, err
	}
	if m.queueJobs, err = meter.Int64Gauge("syncwarden_queue_jobs",
		metric.WithDescription("Jobs per queue and status at the last monitoring report"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("syncwarden_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.tokenRefreshes, err = meter.Int64Counter("syncwarden_token_refresh_total",
		metric.WithDescription("OAuth token refresh attempts by outcome"),
		metric.WithUnit("{refresh}")); err != nil {
		return nil, err
	}
	if m.alertsTotal, err = meter.Int64Counter("syncwarden_alerts_total",
		metric.WithDescription("Operational alerts raised"),
		metric.WithUnit("{alert}")); err != nil {
		return nil, err
	}
	if m.syncJobsTotal, err = meter.Int64Counter("syncwarden_sync_jobs_total",
		metric.WithDescription("Sync jobs by integration, result and skip reason"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.syncDuration, err = meter.Float64Histogram("syncwarden_sync_duration_seconds",
		metric.WithDescription("Duration of sync jobs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300)); err != nil {
		return nil, err
	}
	if m.apiCallsSaved, err = meter.Int64Counter("syncwarden_api_calls_saved_total",
		metric.WithDescription("Third-party API calls avoided by guard skips"),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordExecution implements queue.Recorder.
func (m *Metrics) RecordExecution(ctx context.Context, q queue.QueueName, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("queue", q.String()), attribute.String("outcome", outcome))
	m.jobsTotal.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordQueueCounts records the per-status job gauge for one queue.
func (m *Metrics) RecordQueueCounts(ctx context.Context, q queue.QueueName, c queue.Counts) {
	if m == nil {
		return
	}
	for status, n := range map[queue.JobStatus]int64{
		queue.JobWaiting:   c.Waiting,
		queue.JobDelayed:   c.Delayed,
		queue.JobActive:    c.Active,
		queue.JobCompleted: c.Completed,
		queue.JobFailed:    c.Failed,
	} {
		m.queueJobs.Record(ctx, n, metric.WithAttributes(
			attribute.String("queue", q.String()),
			attribute.String("status", string(status))))
	}
}

// RecordBreakerTransition implements breaker.TransitionRecorder.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, integration domain.IntegrationType, from, to domain.CircuitState) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", string(integration)),
		attribute.String("from", string(from)),
		attribute.String("to", string(to))))
}

// RecordTokenRefresh implements tokenhealth.RefreshRecorder.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, integration domain.IntegrationType, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", string(integration)),
		attribute.String("outcome", outcome)))
}

// RecordAlert implements alert.Counter.
func (m *Metrics) RecordAlert(ctx context.Context, name string, severity alert.Severity) {
	if m == nil {
		return
	}
	m.alertsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert", name),
		attribute.String("severity", string(severity))))
}

// RecordSync records one orchestrated sync job.
func (m *Metrics) RecordSync(ctx context.Context, integration domain.IntegrationType, result domain.SyncResultKind, reason domain.SkipReason, elapsed time.Duration, apiCallsSaved int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("integration", string(integration)),
		attribute.String("result", string(result)),
		attribute.String("skip_reason", string(reason)))
	m.syncJobsTotal.Add(ctx, 1, attrs)
	m.syncDuration.Record(ctx, elapsed.Seconds(), attrs)
	if apiCallsSaved > 0 {
		m.apiCallsSaved.Add(ctx, int64(apiCallsSaved), metric.WithAttributes(
			attribute.String("integration", string(integration)),
			attribute.String("skip_reason", string(reason))))
	}
}

// Package monitoring builds the queue health report and the per-integration
// sync health report consumed by admin dashboards.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/alert"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/queue"
)

// ErrNoMetricStore is returned by SyncHealthReport when the monitor was
// built without WithSyncHealth.
var ErrNoMetricStore = errors.New("no sync metric store configured")

// Config holds the report thresholds.
type Config struct {
	BacklogThreshold     int64
	SlowJobThreshold     time.Duration
	FailureRateThreshold float64
	MinFinishedForRate   int64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BacklogThreshold:     1000,
		SlowJobThreshold:     5 * time.Minute,
		FailureRateThreshold: 0.10,
		MinFinishedForRate:   10,
	}
}

// QueueReport is the state of one queue.
type QueueReport struct {
	Queue       queue.QueueName `json:"queue"       yaml:"queue"`
	Counts      queue.Counts    `json:"counts"      yaml:"counts"`
	FailureRate float64         `json:"failureRate" yaml:"failureRate"`
}

// Report is the queue monitoring report.
type Report struct {
	GeneratedAt time.Time       `json:"generatedAt" yaml:"generatedAt"`
	Queues      []QueueReport   `json:"queues"      yaml:"queues"`
	SlowJobs    []queue.SlowJob `json:"slowJobs"    yaml:"slowJobs"`
	Alerts      []alert.Alert   `json:"alerts"      yaml:"alerts"`
}

// GaugeRecorder exports queue depths.
type GaugeRecorder interface {
	RecordQueueCounts(ctx context.Context, q queue.QueueName, c queue.Counts)
}

// BreakerLister lists breakers that are not closed.
type BreakerLister interface {
	ListOpen(ctx context.Context) ([]domain.CircuitBreakerState, error)
}

// ReconnectLister lists credentials the user must reconnect.
type ReconnectLister interface {
	ListNeedingReconnect(ctx context.Context) ([]domain.TokenHealthRecord, error)
}

// Monitor produces monitoring reports.
type Monitor struct {
	inspector queue.Inspector
	metrics   SyncMetricStore
	breakers  BreakerLister
	tokens    ReconnectLister
	alerter   alert.Alerter
	gauges    GaugeRecorder
	config    Config
	logger    *slog.Logger
	timeFunc  func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.timeFunc = fn }
}

// WithGaugeRecorder exports queue depths on every report.
func WithGaugeRecorder(g GaugeRecorder) Option {
	return func(m *Monitor) { m.gauges = g }
}

// WithSyncHealth enables SyncHealthReport.
func WithSyncHealth(metrics SyncMetricStore, breakers BreakerLister, tokens ReconnectLister) Option {
	return func(m *Monitor) {
		m.metrics = metrics
		m.breakers = breakers
		m.tokens = tokens
	}
}

// NewMonitor creates a Monitor.
func NewMonitor(inspector queue.Inspector, alerter alert.Alerter, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		inspector: inspector,
		alerter:   alerter,
		config:    cfg,
		logger:    logger.With("component", "monitoring"),
		timeFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report collects queue depths and slow jobs and raises an alert for every
// threshold breach. Alerts are returned in the report and delivered to the
// alerter.
func (m *Monitor) Report(ctx context.Context) (Report, error) {
	counts, err := m.inspector.QueueCounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("queue counts: %w", err)
	}
	slow, err := m.inspector.SlowJobs(ctx, m.config.SlowJobThreshold)
	if err != nil {
		return Report{}, fmt.Errorf("slow jobs: %w", err)
	}

	now := m.timeFunc()
	r := Report{GeneratedAt: now, SlowJobs: slow}
	for _, q := range queue.AllQueues() {
		c := counts[q]
		qr := QueueReport{Queue: q, Counts: c}
		finished := c.Completed + c.Failed
		if finished > 0 {
			qr.FailureRate = float64(c.Failed) / float64(finished)
		}
		r.Queues = append(r.Queues, qr)
		if m.gauges != nil {
			m.gauges.RecordQueueCounts(ctx, q, c)
		}

		if backlog := c.Waiting + c.Delayed; backlog > m.config.BacklogThreshold {
			r.Alerts = append(r.Alerts, alert.Alert{
				Name:     alert.QueueBacklog,
				Severity: alert.SeverityWarning,
				Message:  fmt.Sprintf("queue %s backlog above threshold", q),
				Fields:   map[string]any{"queue": q.String(), "backlog": backlog, "threshold": m.config.BacklogThreshold},
				RaisedAt: now,
			})
		}
		if finished >= m.config.MinFinishedForRate && qr.FailureRate > m.config.FailureRateThreshold {
			r.Alerts = append(r.Alerts, alert.Alert{
				Name:     alert.QueueFailureRate,
				Severity: alert.SeverityCritical,
				Message:  fmt.Sprintf("queue %s failure rate above threshold", q),
				Fields:   map[string]any{"queue": q.String(), "failure_rate": qr.FailureRate, "threshold": m.config.FailureRateThreshold},
				RaisedAt: now,
			})
		}
	}
	if len(slow) > 0 {
		r.Alerts = append(r.Alerts, alert.Alert{
			Name:     alert.SlowJobs,
			Severity: alert.SeverityWarning,
			Message:  "jobs running longer than threshold",
			Fields:   map[string]any{"count": len(slow), "threshold": m.config.SlowJobThreshold.String()},
			RaisedAt: now,
		})
	}

	if m.alerter != nil {
		for _, a := range r.Alerts {
			m.alerter.Alert(ctx, a)
		}
	}
	m.logger.DebugContext(ctx, "monitoring report generated", "alerts", len(r.Alerts), "slow_jobs", len(slow))
	return r, nil
}

// IntegrationHealth aggregates sync metrics for one integration.
type IntegrationHealth struct {
	Integration   domain.IntegrationType    `json:"integration"   yaml:"integration"`
	Success       int                       `json:"success"       yaml:"success"`
	Failure       int                       `json:"failure"       yaml:"failure"`
	Skipped       int                       `json:"skipped"       yaml:"skipped"`
	SkipReasons   map[domain.SkipReason]int `json:"skipReasons"   yaml:"skipReasons"`
	APICallsMade  int                       `json:"apiCallsMade"  yaml:"apiCallsMade"`
	APICallsSaved int                       `json:"apiCallsSaved" yaml:"apiCallsSaved"`
	SuccessRate   float64                   `json:"successRate"   yaml:"successRate"`
}

// SyncHealthReport is the per-integration view over a time window.
type SyncHealthReport struct {
	Since            time.Time                    `json:"since"            yaml:"since"`
	GeneratedAt      time.Time                    `json:"generatedAt"      yaml:"generatedAt"`
	Integrations     []IntegrationHealth          `json:"integrations"     yaml:"integrations"`
	OpenBreakers     []domain.CircuitBreakerState `json:"openBreakers"     yaml:"openBreakers"`
	NeedingReconnect []domain.TokenHealthRecord   `json:"needingReconnect" yaml:"needingReconnect"`
}

// SyncHealthReport summarizes sync outcomes since the given time.
func (m *Monitor) SyncHealthReport(ctx context.Context, since time.Time) (SyncHealthReport, error) {
	if m.metrics == nil {
		return SyncHealthReport{}, ErrNoMetricStore
	}
	rows, err := m.metrics.Since(ctx, since)
	if err != nil {
		return SyncHealthReport{}, fmt.Errorf("load sync metrics: %w", err)
	}

	byIntegration := make(map[domain.IntegrationType]*IntegrationHealth)
	for _, it := range domain.AllIntegrations() {
		byIntegration[it] = &IntegrationHealth{Integration: it, SkipReasons: map[domain.SkipReason]int{}}
	}
	for _, row := range rows {
		h, ok := byIntegration[row.Integration]
		if !ok {
			continue
		}
		switch row.Result {
		case domain.SyncSuccess:
			h.Success++
		case domain.SyncFailure:
			h.Failure++
		case domain.SyncSkipped:
			h.Skipped++
			h.SkipReasons[row.SkipReason]++
		}
		h.APICallsMade += row.APICallsMade
		h.APICallsSaved += row.APICallsSaved
	}

	report := SyncHealthReport{Since: since, GeneratedAt: m.timeFunc()}
	for _, it := range domain.AllIntegrations() {
		h := byIntegration[it]
		if attempted := h.Success + h.Failure; attempted > 0 {
			h.SuccessRate = float64(h.Success) / float64(attempted)
		}
		report.Integrations = append(report.Integrations, *h)
	}

	if m.breakers != nil {
		if report.OpenBreakers, err = m.breakers.ListOpen(ctx); err != nil {
			return SyncHealthReport{}, fmt.Errorf("list open breakers: %w", err)
		}
	}
	if m.tokens != nil {
		if report.NeedingReconnect, err = m.tokens.ListNeedingReconnect(ctx); err != nil {
			return SyncHealthReport{}, fmt.Errorf("list tokens needing reconnect: %w", err)
		}
	}
	return report, nil
}

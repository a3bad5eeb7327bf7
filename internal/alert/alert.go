// Package alert carries operational alerts raised by batch jobs and the
// queue monitor.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity of an alert.
type Severity string

// Severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert names.
const (
	TokenRefreshFailureRate = "token_refresh_high_failure_rate"
	WebhookFailureRate      = "webhook_reregistration_high_failure_rate"
	WebhookRenewalFailures  = "webhook_renewal_high_failure_rate"
	QueueBacklog            = "queue_backlog"
	QueueFailureRate        = "queue_high_failure_rate"
	SlowJobs                = "queue_slow_jobs"
)

// Alert is a single threshold breach.
type Alert struct {
	Name     string         `json:"name"               yaml:"name"`
	Severity Severity       `json:"severity"           yaml:"severity"`
	Message  string         `json:"message"            yaml:"message"`
	Fields   map[string]any `json:"fields,omitempty"   yaml:"fields,omitempty"`
	RaisedAt time.Time      `json:"raisedAt"           yaml:"raisedAt"`
}

// Alerter delivers alerts. Implementations must not block for long; alerts
// are raised from inside jobs.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// Counter counts raised alerts by name.
type Counter interface {
	RecordAlert(ctx context.Context, name string, severity Severity)
}

// LogAlerter writes alerts to the structured log at error level for critical
// alerts and warn level otherwise.
type LogAlerter struct {
	logger  *slog.Logger
	counter Counter
}

// NewLogAlerter creates a LogAlerter. counter may be nil.
func NewLogAlerter(logger *slog.Logger, counter Counter) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alerter"), counter: counter}
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(ctx context.Context, al Alert) {
	level := slog.LevelWarn
	if al.Severity == SeverityCritical {
		level = slog.LevelError
	}
	attrs := []any{"alert", al.Name, "severity", string(al.Severity)}
	for k, v := range al.Fields {
		attrs = append(attrs, k, v)
	}
	a.logger.Log(ctx, level, al.Message, attrs...)
	if a.counter != nil {
		a.counter.RecordAlert(ctx, al.Name, al.Severity)
	}
}

// Recorder keeps alerts in memory. It is used in tests and by the monitoring
// stream to show recent alerts.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert implements Alerter.
func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

// Alert implements Alerter.
func (m Multi) Alert(ctx context.Context, a Alert) {
	for _, al := range m {
		al.Alert(ctx, a)
	}
}

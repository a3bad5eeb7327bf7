// Package tokenhealth tracks the validity of each user's OAuth credentials
// and refreshes them before they lapse, so syncs are not attempted with dead
// credentials.
package tokenhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/alert"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/store"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRevoked is returned by an OAuthClient when the provider reports
	// that the grant is no longer valid. The user must reconnect.
	ErrRevoked = errors.New("oauth grant revoked")

	// ErrInvalidToken means no usable credential could be produced for a key.
	ErrInvalidToken = errors.New("invalid token")

	// ErrRefreshFailed wraps the error of a failed refresh attempt.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// OAuthClient is the credential collaborator.
type OAuthClient interface {
	// Current returns the stored access token without refreshing it, or
	// store.ErrCredentialNotFound.
	Current(ctx context.Context, key domain.Key) (domain.Token, error)
	// Refresh exchanges the stored refresh token for a new access token and
	// stores it.
	Refresh(ctx context.Context, key domain.Key) (domain.Token, error)
}

// Config tunes the monitor.
type Config struct {
	// Lookahead selects records for batch refresh.
	Lookahead time.Duration
	// ExpiringSoonWindow marks valid records as expiring_soon.
	ExpiringSoonWindow time.Duration
	// RefreshSkew triggers a lazy refresh in GetAccessToken.
	RefreshSkew time.Duration
	// FailureAlertRate is the batch failure ratio above which an alert fires.
	FailureAlertRate float64
	// ReminderCooldown spaces reconnect reminders to the same user.
	ReminderCooldown time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Lookahead:          time.Hour,
		ExpiringSoonWindow: 24 * time.Hour,
		RefreshSkew:        5 * time.Minute,
		FailureAlertRate:   0.10,
		ReminderCooldown:   24 * time.Hour,
	}
}

// RefreshSummary reports one batch refresh run.
type RefreshSummary struct {
	Checked     int     `json:"checked"`
	Refreshed   int     `json:"refreshed"`
	Failed      int     `json:"failed"`
	Revoked     int     `json:"revoked"`
	FailureRate float64 `json:"failureRate"`
	Alerted     bool    `json:"alerted"`
}

// RefreshRecorder observes individual refresh attempts.
type RefreshRecorder interface {
	RecordTokenRefresh(ctx context.Context, integration domain.IntegrationType, outcome string)
}

// Monitor is the token health monitor.
type Monitor struct {
	store    Store
	client   OAuthClient
	alerter  alert.Alerter
	recorder RefreshRecorder
	config   Config
	logger   *slog.Logger
	timeFunc func() time.Time
	group    singleflight.Group
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.timeFunc = fn }
}

// WithRefreshRecorder attaches a refresh recorder.
func WithRefreshRecorder(r RefreshRecorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// NewMonitor creates a Monitor.
func NewMonitor(s Store, client OAuthClient, alerter alert.Alerter, cfg Config, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:    s,
		client:   client,
		alerter:  alerter,
		config:   cfg,
		logger:   logger.With("component", "token_health"),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RefreshExpiringTokens refreshes every credential that is expiring soon or
// expires within the lookahead. Failures are recorded per key and never
// abort the batch.
func (m *Monitor) RefreshExpiringTokens(ctx context.Context) (RefreshSummary, error) {
	now := m.timeFunc()
	recs, err := m.store.ListExpiring(ctx, now.Add(m.config.Lookahead))
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("list expiring tokens: %w", err)
	}

	var sum RefreshSummary
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		if _, err := m.refresh(ctx, rec.Key); err != nil {
			sum.Failed++
			if errors.Is(err, ErrRevoked) {
				sum.Revoked++
			}
			continue
		}
		sum.Refreshed++
	}

	if attempts := sum.Refreshed + sum.Failed; attempts > 0 {
		sum.FailureRate = float64(sum.Failed) / float64(attempts)
	}
	if sum.FailureRate > m.config.FailureAlertRate && m.alerter != nil {
		sum.Alerted = true
		m.alerter.Alert(ctx, alert.Alert{
			Name:     alert.TokenRefreshFailureRate,
			Severity: alert.SeverityCritical,
			Message:  "token refresh failure rate above threshold",
			Fields: map[string]any{
				"failed":       sum.Failed,
				"refreshed":    sum.Refreshed,
				"failure_rate": sum.FailureRate,
				"threshold":    m.config.FailureAlertRate,
			},
			RaisedAt: m.timeFunc(),
		})
	}

	m.logger.InfoContext(ctx, "token refresh batch finished",
		"checked", sum.Checked,
		"refreshed", sum.Refreshed,
		"failed", sum.Failed,
		"revoked", sum.Revoked)
	return sum, ctx.Err()
}

// ClassifyExpiring moves valid records inside the expiring-soon window to
// expiring_soon and records already past expiry to expired. It returns the
// number of records changed.
func (m *Monitor) ClassifyExpiring(ctx context.Context) (int, error) {
	recs, err := m.store.ListByStatus(ctx, domain.TokenValid, domain.TokenExpiringSoon)
	if err != nil {
		return 0, fmt.Errorf("list token health: %w", err)
	}
	now := m.timeFunc()
	changed := 0
	for _, rec := range recs {
		if rec.ExpiresAt == nil {
			continue
		}
		next := rec.Status
		switch {
		case !rec.ExpiresAt.After(now):
			next = domain.TokenExpired
		case rec.Status == domain.TokenValid && !rec.ExpiresAt.After(now.Add(m.config.ExpiringSoonWindow)):
			next = domain.TokenExpiringSoon
		}
		if next == rec.Status {
			continue
		}
		rec.Status = next
		rec.LastChecked = now
		if err := m.store.Upsert(ctx, rec); err != nil {
			m.logger.ErrorContext(ctx, "failed to update token status",
				"user_id", rec.UserID, "integration", string(rec.Integration), "error", err)
			continue
		}
		changed++
	}
	return changed, nil
}

// GetAccessToken returns a usable access token for the key, refreshing it
// when it is missing, expired, or inside the refresh skew. Concurrent callers
// for the same key share one refresh.
func (m *Monitor) GetAccessToken(ctx context.Context, userID string, integration domain.IntegrationType) (domain.Token, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return domain.Token{}, err
	}

	rec, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return domain.Token{}, fmt.Errorf("load token health: %w", err)
	case rec.Status == domain.TokenRevoked:
		return domain.Token{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrRevoked)
	}

	tok, err := m.client.Current(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Token{}, fmt.Errorf("%w: no stored credential for %s", ErrInvalidToken, key)
	}
	if err != nil {
		return domain.Token{}, fmt.Errorf("load credential: %w", err)
	}

	now := m.timeFunc()
	stale := tok.AccessToken == "" ||
		tok.ExpiresWithin(now, m.config.RefreshSkew) ||
		rec.Status == domain.TokenExpired
	if !stale {
		return tok, nil
	}

	tok, err = m.refresh(ctx, key)
	if err != nil {
		return domain.Token{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	return tok, nil
}

// EnsureValid is the orchestrator's token guard. Any failure to produce a
// usable credential is reported as ErrInvalidToken; other errors, such as an
// unavailable store, are returned unchanged.
func (m *Monitor) EnsureValid(ctx context.Context, userID string, integration domain.IntegrationType) (domain.Token, error) {
	tok, err := m.GetAccessToken(ctx, userID, integration)
	if err != nil && errors.Is(err, ErrRefreshFailed) && !errors.Is(err, ErrInvalidToken) {
		return domain.Token{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return tok, err
}

// refresh runs one refresh per key at a time and records the outcome.
func (m *Monitor) refresh(ctx context.Context, key domain.Key) (domain.Token, error) {
	v, err, _ := m.group.Do(key.String(), func() (any, error) {
		return m.doRefresh(ctx, key)
	})
	if err != nil {
		return domain.Token{}, err
	}
	return v.(domain.Token), nil
}

func (m *Monitor) doRefresh(ctx context.Context, key domain.Key) (domain.Token, error) {
	log := m.logger.With("user_id", key.UserID, "integration", string(key.Integration))

	rec, err := m.store.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WarnContext(ctx, "failed to load token health before refresh", "error", err)
	}
	rec.Key = key

	tok, refreshErr := m.client.Refresh(ctx, key)
	now := m.timeFunc()
	rec.LastChecked = now

	outcome := "refreshed"
	if refreshErr != nil {
		rec.FailureCount++
		rec.LastError = redact.Error(refreshErr)
		if errors.Is(refreshErr, ErrRevoked) {
			rec.Status = domain.TokenRevoked
			outcome = "revoked"
		} else {
			rec.Status = domain.TokenExpired
			outcome = "failed"
		}
		log.WarnContext(ctx, "token refresh failed", "status", string(rec.Status), "error", rec.LastError)
	} else {
		rec.Status = domain.TokenValid
		rec.FailureCount = 0
		rec.LastError = ""
		rec.LastRefreshedAt = &now
		rec.ExpiresAt = nil
		if !tok.ExpiresAt.IsZero() {
			exp := tok.ExpiresAt
			rec.ExpiresAt = &exp
		}
		log.DebugContext(ctx, "token refreshed", "expires_at", tok.ExpiresAt)
	}

	if err := m.store.Upsert(ctx, rec); err != nil {
		log.ErrorContext(ctx, "failed to record token health", "error", err)
	}
	if m.recorder != nil {
		m.recorder.RecordTokenRefresh(ctx, key.Integration, outcome)
	}
	return tok, refreshErr
}

// ListNeedingReconnect returns every record whose credential is expired or
// revoked.
func (m *Monitor) ListNeedingReconnect(ctx context.Context) ([]domain.TokenHealthRecord, error) {
	return m.store.ListByStatus(ctx, domain.TokenExpired, domain.TokenRevoked)
}

// DueForReminder filters ListNeedingReconnect to users not reminded within
// the reminder cooldown.
func (m *Monitor) DueForReminder(ctx context.Context) ([]domain.TokenHealthRecord, error) {
	recs, err := m.ListNeedingReconnect(ctx)
	if err != nil {
		return nil, err
	}
	now := m.timeFunc()
	out := recs[:0]
	for _, rec := range recs {
		if rec.LastNotifiedAt == nil || now.Sub(*rec.LastNotifiedAt) >= m.config.ReminderCooldown {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkNotified records that a reconnect reminder was sent for the key.
func (m *Monitor) MarkNotified(ctx context.Context, key domain.Key) error {
	rec, err := m.store.Get(ctx, key)
	if err != nil {
		return err
	}
	now := m.timeFunc()
	rec.LastNotifiedAt = &now
	return m.store.Upsert(ctx, rec)
}

// Track records a freshly connected credential as valid.
func (m *Monitor) Track(ctx context.Context, key domain.Key, tok domain.Token) error {
	if err := key.Validate(); err != nil {
		return err
	}
	now := m.timeFunc()
	rec := domain.TokenHealthRecord{Key: key, Status: domain.TokenValid, LastChecked: now, LastRefreshedAt: &now}
	if !tok.ExpiresAt.IsZero() {
		exp := tok.ExpiresAt
		rec.ExpiresAt = &exp
	}
	return m.store.Upsert(ctx, rec)
}

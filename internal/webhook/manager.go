// Package webhook manages provider push subscriptions: it detects channels
// that have gone silent, re-registers them, and renews channels before they
// expire.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/alert"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/store"
)

// ErrInvalidChannelToken is returned when a notification carries a token
// that does not match the stored subscription.
var ErrInvalidChannelToken = errors.New("invalid channel token")

// Registrar is the provider collaborator that opens and closes channels.
type Registrar interface {
	Register(ctx context.Context, userID string, integration domain.IntegrationType, tok domain.Token) (domain.WebhookSubscription, error)
	Stop(ctx context.Context, sub domain.WebhookSubscription, tok domain.Token) error
}

// TokenProvider supplies access tokens for registration.
type TokenProvider interface {
	GetAccessToken(ctx context.Context, userID string, integration domain.IntegrationType) (domain.Token, error)
}

// Config tunes the manager.
type Config struct {
	SilenceThreshold time.Duration
	RenewalWindow    time.Duration
	FailureAlertRate float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 48 * time.Hour,
		RenewalWindow:    24 * time.Hour,
		FailureAlertRate: 0.20,
	}
}

// Summary reports one health check or renewal run.
type Summary struct {
	Checked     int     `json:"checked"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	FailureRate float64 `json:"failureRate"`
	Alerted     bool    `json:"alerted"`
}

// HealthSummary reports a CheckHealth run.
type HealthSummary = Summary

// RenewalSummary reports a RenewExpiring run.
type RenewalSummary = Summary

// Manager is the webhook health manager.
type Manager struct {
	store     Store
	registrar Registrar
	tokens    TokenProvider
	alerter   alert.Alerter
	config    Config
	logger    *slog.Logger
	timeFunc  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) { m.timeFunc = fn }
}

// NewManager creates a Manager.
func NewManager(s Store, registrar Registrar, tokens TokenProvider, alerter alert.Alerter, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		registrar: registrar,
		tokens:    tokens,
		alerter:   alerter,
		config:    cfg,
		logger:    logger.With("component", "webhook_manager"),
		timeFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetWebhooksWithNoRecentNotifications returns subscriptions that have not
// received a notification within silence. Subscriptions younger than silence
// are never returned.
func (m *Manager) GetWebhooksWithNoRecentNotifications(ctx context.Context, silence time.Duration) ([]domain.WebhookSubscription, error) {
	if silence <= 0 {
		silence = m.config.SilenceThreshold
	}
	subs, err := m.store.ListSilent(ctx, m.timeFunc().Add(-silence))
	if err != nil {
		return nil, fmt.Errorf("list silent webhooks: %w", err)
	}
	return subs, nil
}

// GetWebhooksExpiringWithinHours returns subscriptions that expire within
// window.
func (m *Manager) GetWebhooksExpiringWithinHours(ctx context.Context, window time.Duration) ([]domain.WebhookSubscription, error) {
	if window <= 0 {
		window = m.config.RenewalWindow
	}
	subs, err := m.store.ListExpiring(ctx, m.timeFunc().Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring webhooks: %w", err)
	}
	return subs, nil
}

// CheckHealth re-registers every silent subscription. The old channel is
// stopped first; a failed stop does not prevent re-registration.
func (m *Manager) CheckHealth(ctx context.Context) (HealthSummary, error) {
	subs, err := m.GetWebhooksWithNoRecentNotifications(ctx, m.config.SilenceThreshold)
	if err != nil {
		return HealthSummary{}, err
	}
	sum := m.run(ctx, subs, "reregister", func(ctx context.Context, sub domain.WebhookSubscription, tok domain.Token) (domain.WebhookSubscription, error) {
		m.stop(ctx, sub, tok)
		return m.registrar.Register(ctx, sub.UserID, sub.Integration, tok)
	})
	m.maybeAlert(ctx, &sum, alert.WebhookFailureRate, "webhook re-registration failure rate above threshold")
	return sum, ctx.Err()
}

// RenewExpiring replaces subscriptions that expire within the renewal
// window. The new channel is opened before the old one is stopped so no
// notifications are lost.
func (m *Manager) RenewExpiring(ctx context.Context) (RenewalSummary, error) {
	subs, err := m.GetWebhooksExpiringWithinHours(ctx, m.config.RenewalWindow)
	if err != nil {
		return RenewalSummary{}, err
	}
	sum := m.run(ctx, subs, "renew", func(ctx context.Context, sub domain.WebhookSubscription, tok domain.Token) (domain.WebhookSubscription, error) {
		fresh, err := m.registrar.Register(ctx, sub.UserID, sub.Integration, tok)
		if err != nil {
			return domain.WebhookSubscription{}, err
		}
		m.stop(ctx, sub, tok)
		return fresh, nil
	})
	m.maybeAlert(ctx, &sum, alert.WebhookRenewalFailures, "webhook renewal failure rate above threshold")
	return sum, ctx.Err()
}

type replaceFunc func(ctx context.Context, sub domain.WebhookSubscription, tok domain.Token) (domain.WebhookSubscription, error)

// run applies replace to each subscription, isolating per-subscription
// failures.
func (m *Manager) run(ctx context.Context, subs []domain.WebhookSubscription, action string, replace replaceFunc) Summary {
	var sum Summary
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		log := m.logger.With("user_id", sub.UserID, "integration", string(sub.Integration),
			"channel_id", sub.ChannelID, "action", action)

		tok, err := m.tokens.GetAccessToken(ctx, sub.UserID, sub.Integration)
		if err != nil {
			sum.Failed++
			log.WarnContext(ctx, "no usable token for webhook", "error", redact.Error(err))
			continue
		}
		fresh, err := replace(ctx, sub, tok)
		if err != nil {
			sum.Failed++
			log.WarnContext(ctx, "webhook registration failed", "error", redact.Error(err))
			continue
		}
		fresh.Key = sub.Key
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = m.timeFunc()
		}
		if err := m.store.Upsert(ctx, fresh); err != nil {
			sum.Failed++
			log.ErrorContext(ctx, "failed to store webhook subscription", "error", err)
			continue
		}
		sum.Succeeded++
		log.InfoContext(ctx, "webhook subscription replaced", "new_channel_id", fresh.ChannelID, "expiration", fresh.Expiration)
	}
	if sum.Checked > 0 {
		sum.FailureRate = float64(sum.Failed) / float64(sum.Checked)
	}
	return sum
}

func (m *Manager) stop(ctx context.Context, sub domain.WebhookSubscription, tok domain.Token) {
	if err := m.registrar.Stop(ctx, sub, tok); err != nil {
		m.logger.WarnContext(ctx, "failed to stop webhook channel",
			"channel_id", sub.ChannelID, "error", redact.Error(err))
	}
}

func (m *Manager) maybeAlert(ctx context.Context, sum *Summary, name, msg string) {
	if sum.FailureRate <= m.config.FailureAlertRate || m.alerter == nil {
		return
	}
	sum.Alerted = true
	m.alerter.Alert(ctx, alert.Alert{
		Name:     name,
		Severity: alert.SeverityCritical,
		Message:  msg,
		Fields: map[string]any{
			"checked":      sum.Checked,
			"failed":       sum.Failed,
			"failure_rate": sum.FailureRate,
			"threshold":    m.config.FailureAlertRate,
		},
		RaisedAt: m.timeFunc(),
	})
}

// RecordNotification validates an incoming push against the stored channel
// token and appends it to the notification log. It returns the subscription
// so the caller can trigger a sync for its owner.
func (m *Manager) RecordNotification(ctx context.Context, channelID, token, resourceState string) (domain.WebhookSubscription, error) {
	sub, err := m.store.GetByChannel(ctx, channelID)
	if err != nil {
		return domain.WebhookSubscription{}, err
	}
	if subtle.ConstantTimeCompare([]byte(sub.Token), []byte(token)) != 1 {
		return domain.WebhookSubscription{}, ErrInvalidChannelToken
	}
	n := domain.WebhookNotification{
		ChannelID:     channelID,
		ResourceState: resourceState,
		ReceivedAt:    m.timeFunc(),
	}
	if err := m.store.AppendNotification(ctx, n); err != nil {
		return domain.WebhookSubscription{}, fmt.Errorf("append notification: %w", err)
	}
	return sub, nil
}

// Subscribe opens a channel for a newly connected key and stores it. A
// channel left over from an earlier connection is stopped once the new one
// is stored.
func (m *Manager) Subscribe(ctx context.Context, userID string, integration domain.IntegrationType, tok domain.Token) (domain.WebhookSubscription, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return domain.WebhookSubscription{}, err
	}
	old, err := m.store.Get(ctx, key)
	hadOld := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.WebhookSubscription{}, fmt.Errorf("load subscription: %w", err)
	}

	fresh, err := m.registrar.Register(ctx, userID, integration, tok)
	if err != nil {
		return domain.WebhookSubscription{}, fmt.Errorf("register webhook: %w", err)
	}
	fresh.Key = key
	fresh.CreatedAt = m.timeFunc()
	if err := m.store.Upsert(ctx, fresh); err != nil {
		return domain.WebhookSubscription{}, fmt.Errorf("save subscription: %w", err)
	}
	if hadOld && old.ChannelID != fresh.ChannelID {
		m.stop(ctx, old, tok)
	}
	m.logger.InfoContext(ctx, "webhook subscribed",
		"user_id", userID, "integration", string(integration),
		"channel_id", fresh.ChannelID, "expiration", fresh.Expiration)
	return fresh, nil
}

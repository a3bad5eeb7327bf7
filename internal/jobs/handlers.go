// Package jobs holds the handler for every dispatch queue. Handlers decode
// and validate their payload, then delegate to the orchestrator, the token
// health monitor, the webhook manager, or an external collaborator.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/orchestrator"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/tokenhealth"
	"github.com/phrazzld/syncwarden/internal/webhook"
)

// SyncExecutor runs one sync job.
type SyncExecutor interface {
	ExecuteSyncJob(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
}

// DueLister lists users due for a sync.
type DueLister interface {
	GetUsersDueForSync(ctx context.Context, integration domain.IntegrationType) ([]string, error)
}

// TokenService is the token health monitor surface used by jobs.
type TokenService interface {
	GetAccessToken(ctx context.Context, userID string, integration domain.IntegrationType) (domain.Token, error)
	ClassifyExpiring(ctx context.Context) (int, error)
	RefreshExpiringTokens(ctx context.Context) (tokenhealth.RefreshSummary, error)
	DueForReminder(ctx context.Context) ([]domain.TokenHealthRecord, error)
	MarkNotified(ctx context.Context, key domain.Key) error
}

// WebhookService is the webhook manager surface used by jobs.
type WebhookService interface {
	CheckHealth(ctx context.Context) (webhook.HealthSummary, error)
	RenewExpiring(ctx context.Context) (webhook.RenewalSummary, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	NotifyReconnect(ctx context.Context, userID string, integration domain.IntegrationType) error
	// Notify sends pending notifications of kind; an empty userID means
	// every user. It returns the number sent.
	Notify(ctx context.Context, userID, kind string) (int, error)
}

// SuggestionGenerator produces contact suggestions.
type SuggestionGenerator interface {
	Generate(ctx context.Context, userID string, regenerate bool) (int, error)
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Orchestrator SyncExecutor
	Scheduler    DueLister
	Tokens       TokenService
	Webhooks     WebhookService
	Notifier     Notifier
	Suggestions  SuggestionGenerator
	Enqueuer     queue.Backend
}

// Handlers implements every queue handler.
type Handlers struct {
	deps      Deps
	validator *validator.Validate
	logger    *slog.Logger
	timeFunc  func() time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(h *Handlers) { h.timeFunc = fn }
}

// New creates Handlers.
func New(deps Deps, log *slog.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		deps:      deps,
		validator: validator.New(),
		logger:    log.With("component", "jobs"),
		timeFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs a handler for every queue.
func (h *Handlers) Register(reg *queue.HandlerRegistry) {
	reg.Register(queue.CalendarSync, h.Sync)
	reg.Register(queue.ContactsSync, h.Sync)
	reg.Register(queue.AdaptiveSync, h.AdaptiveSync)
	reg.Register(queue.TokenRefresh, h.TokenRefresh)
	reg.Register(queue.TokenHealthReminder, h.TokenHealthReminder)
	reg.Register(queue.WebhookHealthCheck, h.WebhookHealthCheck)
	reg.Register(queue.WebhookRenewal, h.WebhookRenewal)
	reg.Register(queue.SuggestionGeneration, h.SuggestionGeneration)
	reg.Register(queue.SuggestionRegeneration, h.SuggestionRegeneration)
	reg.Register(queue.BatchNotifications, h.Notifications)
	reg.Register(queue.NotificationReminder, h.Notifications)
}

// decode unmarshals and validates a payload. Both failures are permanent.
func (h *Handlers) decode(job queue.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return err
	}
	if err := h.validator.Struct(v); err != nil {
		return queue.Permanent(fmt.Errorf("invalid %s payload: %w", job.Queue, err))
	}
	return nil
}

// Sync handles calendar-sync and contacts-sync.
func (h *Handlers) Sync(ctx context.Context, job queue.Job) (any, error) {
	integration, ok := IntegrationFor(job.Queue)
	if !ok {
		return nil, queue.Permanent(fmt.Errorf("queue %s is not a sync queue", job.Queue))
	}
	var p SyncPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	res, err := h.deps.Orchestrator.ExecuteSyncJob(ctx, orchestrator.Request{
		UserID:               p.UserID,
		Integration:          integration,
		SyncType:             p.SyncType,
		BypassCircuitBreaker: p.BypassCircuitBreaker,
	})
	if err != nil {
		if errors.Is(err, domain.ErrEmptyUserID) ||
			errors.Is(err, domain.ErrUnknownIntegration) ||
			errors.Is(err, orchestrator.ErrNoSyncRoutine) {
			return nil, queue.Permanent(err)
		}
		return res, err
	}
	return res, nil
}

// AdaptiveSyncResult reports one fan-out.
type AdaptiveSyncResult struct {
	Due          int `json:"due"`
	Enqueued     int `json:"enqueued"`
	Deduplicated int `json:"deduplicated"`
	Failed       int `json:"failed"`
}

// AdaptiveSync enqueues a per-user sync job for every due user. The
// per-user job id absorbs users that still have a sync in flight.
func (h *Handlers) AdaptiveSync(ctx context.Context, job queue.Job) (any, error) {
	var p AdaptiveSyncPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	triggeredAt := p.WindowStart
	if triggeredAt.IsZero() {
		triggeredAt = h.timeFunc()
	}
	integrations := domain.AllIntegrations()
	if p.Integration != "" {
		integrations = []domain.IntegrationType{p.Integration}
	}

	log := logger.FromContext(ctx)
	var res AdaptiveSyncResult
	for _, integration := range integrations {
		q, err := SyncQueueFor(integration)
		if err != nil {
			return nil, queue.Permanent(err)
		}
		users, err := h.deps.Scheduler.GetUsersDueForSync(ctx, integration)
		if err != nil {
			return nil, fmt.Errorf("list due users for %s: %w", integration, err)
		}
		res.Due += len(users)
		for _, userID := range users {
			handle, err := h.deps.Enqueuer.Enqueue(ctx, q, SyncPayload{
				UserID:      userID,
				SyncType:    domain.SyncTypeScheduled,
				TriggeredAt: triggeredAt,
			}, queue.Options{JobID: queue.PerUserJobID(q, userID)})
			switch {
			case err != nil:
				res.Failed++
				log.WarnContext(ctx, "failed to enqueue sync job",
					"user_id", userID, "integration", string(integration), "error", redact.Error(err))
			case handle.Deduplicated:
				res.Deduplicated++
			default:
				res.Enqueued++
			}
		}
	}
	log.InfoContext(ctx, "adaptive sync fan-out finished",
		"due", res.Due, "enqueued", res.Enqueued, "deduplicated", res.Deduplicated, "failed", res.Failed)
	return res, nil
}

// TokenRefreshResult reports a token-refresh job.
type TokenRefreshResult struct {
	Classified int                         `json:"classified"`
	Summary    *tokenhealth.RefreshSummary `json:"summary,omitempty"`
}

// TokenRefresh refreshes one key, or classifies and refreshes every
// expiring credential.
func (h *Handlers) TokenRefresh(ctx context.Context, job queue.Job) (any, error) {
	var p TokenRefreshPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	if p.UserID != "" {
		if !p.Integration.Valid() {
			return nil, queue.Permanent(fmt.Errorf("%w: %q", domain.ErrUnknownIntegration, p.Integration))
		}
		_, err := h.deps.Tokens.GetAccessToken(ctx, p.UserID, p.Integration)
		if errors.Is(err, tokenhealth.ErrInvalidToken) {
			// The monitor has recorded the status; retrying cannot help.
			return nil, queue.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return TokenRefreshResult{}, nil
	}

	classified, err := h.deps.Tokens.ClassifyExpiring(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := h.deps.Tokens.RefreshExpiringTokens(ctx)
	if err != nil {
		return nil, err
	}
	return TokenRefreshResult{Classified: classified, Summary: &sum}, nil
}

// ReminderResult reports a token-health-reminder job.
type ReminderResult struct {
	Due    int `json:"due"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// TokenHealthReminder asks users with dead credentials to reconnect.
func (h *Handlers) TokenHealthReminder(ctx context.Context, job queue.Job) (any, error) {
	var p WindowPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	recs, err := h.deps.Tokens.DueForReminder(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	res := ReminderResult{Due: len(recs)}
	for _, rec := range recs {
		if err := h.deps.Notifier.NotifyReconnect(ctx, rec.UserID, rec.Integration); err != nil {
			res.Failed++
			log.WarnContext(ctx, "failed to send reconnect reminder",
				"user_id", rec.UserID, "integration", string(rec.Integration), "error", redact.Error(err))
			continue
		}
		if err := h.deps.Tokens.MarkNotified(ctx, rec.Key); err != nil {
			log.WarnContext(ctx, "failed to mark reminder sent", "user_id", rec.UserID, "error", err)
		}
		res.Sent++
	}
	return res, nil
}

// WebhookHealthCheck re-registers silent webhook channels.
func (h *Handlers) WebhookHealthCheck(ctx context.Context, job queue.Job) (any, error) {
	var p WindowPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	return h.deps.Webhooks.CheckHealth(ctx)
}

// WebhookRenewal renews channels that are about to expire.
func (h *Handlers) WebhookRenewal(ctx context.Context, job queue.Job) (any, error) {
	var p WindowPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	return h.deps.Webhooks.RenewExpiring(ctx)
}

// SuggestionResult reports a suggestion job.
type SuggestionResult struct {
	Generated int `json:"generated"`
}

// SuggestionGeneration generates suggestions for a user.
func (h *Handlers) SuggestionGeneration(ctx context.Context, job queue.Job) (any, error) {
	return h.suggest(ctx, job, false)
}

// SuggestionRegeneration discards and regenerates suggestions for a user.
func (h *Handlers) SuggestionRegeneration(ctx context.Context, job queue.Job) (any, error) {
	return h.suggest(ctx, job, true)
}

func (h *Handlers) suggest(ctx context.Context, job queue.Job, regenerate bool) (any, error) {
	var p SuggestionPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	n, err := h.deps.Suggestions.Generate(ctx, p.UserID, regenerate)
	if err != nil {
		return nil, err
	}
	return SuggestionResult{Generated: n}, nil
}

// NotificationResult reports a notification job.
type NotificationResult struct {
	Sent int `json:"sent"`
}

// Notifications handles batch-notifications and notification-reminder.
func (h *Handlers) Notifications(ctx context.Context, job queue.Job) (any, error) {
	var p NotificationPayload
	if err := h.decode(job, &p); err != nil {
		return nil, err
	}
	n, err := h.deps.Notifier.Notify(ctx, p.UserID, p.Kind)
	if err != nil {
		return nil, err
	}
	return NotificationResult{Sent: n}, nil
}

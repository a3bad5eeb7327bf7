// Package connection onboards a user's newly granted integration: it stores
// the OAuth grant, starts token health tracking, puts the key on the
// onboarding schedule, opens a webhook channel, and queues the first sync.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/redact"
	"golang.org/x/oauth2"
)

// ErrMissingGrant is returned when a grant lacks an access or refresh token.
var ErrMissingGrant = errors.New("grant requires an access token and a refresh token")

// CredentialSaver seals and stores OAuth grants.
type CredentialSaver interface {
	Save(ctx context.Context, key domain.Key, tok *oauth2.Token) error
}

// TokenTracker records token health for a fresh grant.
type TokenTracker interface {
	Track(ctx context.Context, key domain.Key, tok domain.Token) error
}

// Onboarder starts the onboarding sync window.
type Onboarder interface {
	StartOnboarding(ctx context.Context, userID string, integration domain.IntegrationType) error
}

// Subscriber opens the provider push channel.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string, integration domain.IntegrationType, tok domain.Token) (domain.WebhookSubscription, error)
}

// Grant is the OAuth result of a user connecting an integration.
type Grant struct {
	AccessToken  string    `json:"accessToken"  validate:"required"`
	RefreshToken string    `json:"refreshToken" validate:"required"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Connection reports what Connect set up.
type Connection struct {
	UserID      string                     `json:"userId"`
	Integration domain.IntegrationType     `json:"integration"`
	Webhook     domain.WebhookSubscription `json:"webhook"`
	FirstSync   queue.JobHandle            `json:"firstSync"`
}

// Service wires a new connection into every resilience component.
type Service struct {
	credentials CredentialSaver
	tokens      TokenTracker
	scheduler   Onboarder
	webhooks    Subscriber
	backend     queue.Backend
	logger      *slog.Logger
	timeFunc    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.timeFunc = fn }
}

// NewService creates a Service.
func NewService(
	credentials CredentialSaver,
	tokens TokenTracker,
	scheduler Onboarder,
	webhooks Subscriber,
	backend queue.Backend,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		credentials: credentials,
		tokens:      tokens,
		scheduler:   scheduler,
		webhooks:    webhooks,
		backend:     backend,
		logger:      logger.With("component", "connection"),
		timeFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect onboards the key. Every step is an upsert, so a failed call can be
// repeated. The first sync shares the per-user job id with later syncs.
func (s *Service) Connect(ctx context.Context, userID string, integration domain.IntegrationType, g Grant) (Connection, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return Connection{}, err
	}
	if g.AccessToken == "" || g.RefreshToken == "" {
		return Connection{}, ErrMissingGrant
	}
	q, err := jobs.SyncQueueFor(integration)
	if err != nil {
		return Connection{}, err
	}
	log := s.logger.With("user_id", userID, "integration", string(integration))

	if err := s.credentials.Save(ctx, key, &oauth2.Token{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		Expiry:       g.ExpiresAt,
	}); err != nil {
		return Connection{}, fmt.Errorf("save credential: %w", err)
	}
	tok := domain.Token{AccessToken: g.AccessToken, ExpiresAt: g.ExpiresAt}
	if err := s.tokens.Track(ctx, key, tok); err != nil {
		return Connection{}, fmt.Errorf("track token health: %w", err)
	}
	if err := s.scheduler.StartOnboarding(ctx, userID, integration); err != nil {
		return Connection{}, fmt.Errorf("start onboarding: %w", err)
	}

	sub, err := s.webhooks.Subscribe(ctx, userID, integration, tok)
	if err != nil {
		log.WarnContext(ctx, "webhook subscription failed", "error", redact.Error(err))
		return Connection{}, err
	}

	handle, err := s.backend.Enqueue(ctx, q, jobs.SyncPayload{
		UserID:      userID,
		SyncType:    domain.SyncTypeInitial,
		TriggeredAt: s.timeFunc(),
	}, queue.Options{JobID: queue.PerUserJobID(q, userID)})
	if err != nil {
		return Connection{}, fmt.Errorf("enqueue first sync: %w", err)
	}

	log.InfoContext(ctx, "integration connected",
		"channel_id", sub.ChannelID, "first_sync_job", handle.ID)
	return Connection{
		UserID:      userID,
		Integration: integration,
		Webhook:     sub,
		FirstSync:   handle,
	}, nil
}

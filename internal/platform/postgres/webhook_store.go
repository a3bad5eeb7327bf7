package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
	"github.com/phrazzld/syncwarden/internal/webhook"
)

// WebhookStore implements webhook.Store over webhook_subscriptions and the
// append-only webhook_notifications log.
type WebhookStore struct {
	db store.DBTX
}

var _ webhook.Store = (*WebhookStore)(nil)

// NewWebhookStore creates a WebhookStore.
func NewWebhookStore(db store.DBTX) *WebhookStore {
	return &WebhookStore{db: db}
}

const subscriptionColumns = `s.user_id, s.integration_type, s.channel_id, s.resource_id, s.expiration,
	s.channel_token, s.created_at`

func scanSubscription(row rowScanner) (domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	err := row.Scan(&sub.UserID, &sub.Integration, &sub.ChannelID, &sub.ResourceID, &sub.Expiration,
		&sub.Token, &sub.CreatedAt)
	sub.Expiration = sub.Expiration.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	return sub, err
}

func (s *WebhookStore) getOne(ctx context.Context, query string, args ...any) (domain.WebhookSubscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WebhookSubscription{}, store.ErrSubscriptionNotFound
	}
	if err != nil {
		return domain.WebhookSubscription{}, fmt.Errorf("get webhook subscription: %w", MapError(err))
	}
	return sub, nil
}

func (s *WebhookStore) list(ctx context.Context, query string, args ...any) ([]domain.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Get implements webhook.Store.
func (s *WebhookStore) Get(ctx context.Context, key domain.Key) (domain.WebhookSubscription, error) {
	return s.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions s
		WHERE s.user_id = $1 AND s.integration_type = $2`,
		key.UserID, key.Integration)
}

// GetByChannel implements webhook.Store.
func (s *WebhookStore) GetByChannel(ctx context.Context, channelID string) (domain.WebhookSubscription, error) {
	return s.getOne(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions s WHERE s.channel_id = $1`,
		channelID)
}

// Upsert implements webhook.Store.
func (s *WebhookStore) Upsert(ctx context.Context, sub domain.WebhookSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (user_id, integration_type, channel_id, resource_id,
			expiration, channel_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, integration_type) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			resource_id = EXCLUDED.resource_id,
			expiration = EXCLUDED.expiration,
			channel_token = EXCLUDED.channel_token,
			created_at = EXCLUDED.created_at`,
		sub.UserID, sub.Integration, sub.ChannelID, sub.ResourceID, sub.Expiration.UTC(),
		sub.Token, sub.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert webhook subscription: %w", MapError(err))
	}
	return nil
}

// ListSilent implements webhook.Store.
func (s *WebhookStore) ListSilent(ctx context.Context, cutoff time.Time) ([]domain.WebhookSubscription, error) {
	return s.list(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions s
		WHERE s.created_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_notifications n
			WHERE n.channel_id = s.channel_id AND n.received_at > $1)
		ORDER BY s.user_id, s.integration_type`,
		cutoff.UTC())
}

// ListExpiring implements webhook.Store.
func (s *WebhookStore) ListExpiring(ctx context.Context, before time.Time) ([]domain.WebhookSubscription, error) {
	return s.list(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions s
		WHERE s.expiration <= $1
		ORDER BY s.expiration, s.user_id`,
		before.UTC())
}

// AppendNotification implements webhook.Store.
func (s *WebhookStore) AppendNotification(ctx context.Context, n domain.WebhookNotification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_notifications (channel_id, resource_state, received_at)
		VALUES ($1, $2, $3)`,
		n.ChannelID, n.ResourceState, n.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("append webhook notification: %w", MapError(err))
	}
	return nil
}

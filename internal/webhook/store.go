package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// Store persists subscriptions, at most one per key, and the append-only
// notification log.
type Store interface {
	Get(ctx context.Context, key domain.Key) (domain.WebhookSubscription, error)
	GetByChannel(ctx context.Context, channelID string) (domain.WebhookSubscription, error)
	// Upsert replaces the key's subscription.
	Upsert(ctx context.Context, sub domain.WebhookSubscription) error
	// ListSilent returns subscriptions created at or before cutoff that have
	// received no notification after cutoff.
	ListSilent(ctx context.Context, cutoff time.Time) ([]domain.WebhookSubscription, error)
	// ListExpiring returns subscriptions expiring at or before the given time.
	ListExpiring(ctx context.Context, before time.Time) ([]domain.WebhookSubscription, error)
	AppendNotification(ctx context.Context, n domain.WebhookNotification) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu            sync.Mutex
	subs          map[domain.Key]domain.WebhookSubscription
	notifications []domain.WebhookNotification
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[domain.Key]domain.WebhookSubscription)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key domain.Key) (domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	if !ok {
		return domain.WebhookSubscription{}, fmt.Errorf("%s: %w", key, store.ErrSubscriptionNotFound)
	}
	return sub, nil
}

// GetByChannel implements Store.
func (s *MemoryStore) GetByChannel(_ context.Context, channelID string) (domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ChannelID == channelID {
			return sub, nil
		}
	}
	return domain.WebhookSubscription{}, fmt.Errorf("channel %q: %w", channelID, store.ErrSubscriptionNotFound)
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, sub domain.WebhookSubscription) error {
	if err := sub.Key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if sub.ChannelID == "" {
		return fmt.Errorf("%w: empty channel id", store.ErrInvalidEntity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.Key] = sub
	return nil
}

// ListSilent implements Store.
func (s *MemoryStore) ListSilent(_ context.Context, cutoff time.Time) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heard := make(map[string]bool)
	for _, n := range s.notifications {
		if n.ReceivedAt.After(cutoff) {
			heard[n.ChannelID] = true
		}
	}
	var out []domain.WebhookSubscription
	for _, sub := range s.subs {
		if !sub.CreatedAt.After(cutoff) && !heard[sub.ChannelID] {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out, nil
}

// ListExpiring implements Store.
func (s *MemoryStore) ListExpiring(_ context.Context, before time.Time) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range s.subs {
		if !sub.Expiration.After(before) {
			out = append(out, sub)
		}
	}
	sortSubs(out)
	return out, nil
}

// AppendNotification implements Store.
func (s *MemoryStore) AppendNotification(_ context.Context, n domain.WebhookNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns a copy of the notification log.
func (s *MemoryStore) Notifications() []domain.WebhookNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WebhookNotification(nil), s.notifications...)
}

func sortSubs(subs []domain.WebhookSubscription) {
	sort.Slice(subs, func(i, k int) bool { return subs[i].Key.String() < subs[k].Key.String() })
}

package jobs

import (
	"fmt"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/queue"
)

// SyncPayload triggers one per-user sync. TriggeredAt separates
// legitimately repeated syncs in the idempotency store.
type SyncPayload struct {
	UserID               string          `json:"userId"               validate:"required"`
	SyncType             domain.SyncType `json:"syncType"             validate:"omitempty,oneof=scheduled manual webhook initial"`
	BypassCircuitBreaker bool            `json:"bypassCircuitBreaker"`
	TriggeredAt          time.Time       `json:"triggeredAt"          validate:"required"`
}

// AdaptiveSyncPayload fans out due users. An empty Integration means all.
type AdaptiveSyncPayload struct {
	Integration domain.IntegrationType `json:"integration,omitempty" validate:"omitempty,oneof=google_calendar google_contacts"`
	WindowStart time.Time              `json:"windowStart"`
}

// TokenRefreshPayload refreshes one key, or runs the batch when UserID is
// empty.
type TokenRefreshPayload struct {
	UserID      string                 `json:"userId,omitempty"`
	Integration domain.IntegrationType `json:"integration,omitempty" validate:"required_with=UserID"`
	WindowStart time.Time              `json:"windowStart"`
}

// WindowPayload carries only the recurring window a batch job belongs to.
type WindowPayload struct {
	WindowStart time.Time `json:"windowStart"`
}

// SuggestionPayload asks for suggestions for one user.
type SuggestionPayload struct {
	UserID      string    `json:"userId"      validate:"required"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Notification kinds.
const (
	KindDigest   = "digest"
	KindReminder = "reminder"
)

// NotificationPayload sends notifications of one kind, to one user or to
// every user with pending notifications.
type NotificationPayload struct {
	UserID      string    `json:"userId,omitempty"`
	Kind        string    `json:"kind"                  validate:"required,oneof=digest reminder"`
	WindowStart time.Time `json:"windowStart"`
}

// SyncQueueFor returns the per-user sync queue of an integration.
func SyncQueueFor(integration domain.IntegrationType) (queue.QueueName, error) {
	switch integration {
	case domain.IntegrationGoogleCalendar:
		return queue.CalendarSync, nil
	case domain.IntegrationGoogleContacts:
		return queue.ContactsSync, nil
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrUnknownIntegration, integration)
}

// IntegrationFor is the inverse of SyncQueueFor.
func IntegrationFor(q queue.QueueName) (domain.IntegrationType, bool) {
	switch q {
	case queue.CalendarSync:
		return domain.IntegrationGoogleCalendar, true
	case queue.ContactsSync:
		return domain.IntegrationGoogleContacts, true
	}
	return "", false
}

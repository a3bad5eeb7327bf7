package domain

import "time"

// WebhookSubscription is a provider push channel registered for one Key.
type WebhookSubscription struct {
	Key
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Expiration time.Time `json:"expiration"`
	Token      string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ExpiresWithin reports whether the channel expires before now+d.
func (s *WebhookSubscription) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.Expiration.After(now.Add(d))
}

// WebhookNotification is one append-only receipt of a provider push.
type WebhookNotification struct {
	ChannelID     string    `json:"channel_id"`
	ResourceState string    `json:"resource_state"`
	ReceivedAt    time.Time `json:"received_at"`
}

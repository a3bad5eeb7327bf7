package queue

import (
	"database/sql/driver"
	"fmt"
)

// QueueName identifies one of the statically known queues. The set is closed:
// adding a queue means adding a constant here and an entry to
// DefaultQueueConfigs, which the tests check for exhaustiveness.
type QueueName int

// Known queues.
const (
	TokenRefresh QueueName = iota + 1
	CalendarSync
	ContactsSync
	AdaptiveSync
	WebhookRenewal
	SuggestionRegeneration
	BatchNotifications
	SuggestionGeneration
	WebhookHealthCheck
	NotificationReminder
	TokenHealthReminder
)

var queueNames = map[QueueName]string{
	TokenRefresh:           "token-refresh",
	CalendarSync:           "calendar-sync",
	ContactsSync:           "contacts-sync",
	AdaptiveSync:           "adaptive-sync",
	WebhookRenewal:         "webhook-renewal",
	SuggestionRegeneration: "suggestion-regeneration",
	BatchNotifications:     "batch-notifications",
	SuggestionGeneration:   "suggestion-generation",
	WebhookHealthCheck:     "webhook-health-check",
	NotificationReminder:   "notification-reminder",
	TokenHealthReminder:    "token-health-reminder",
}

var queuesByName = func() map[string]QueueName {
	m := make(map[string]QueueName, len(queueNames))
	for q, name := range queueNames {
		m[name] = q
	}
	return m
}()

// AllQueues returns every known queue in declaration order.
func AllQueues() []QueueName {
	out := make([]QueueName, 0, len(queueNames))
	for q := TokenRefresh; q <= TokenHealthReminder; q++ {
		out = append(out, q)
	}
	return out
}

func (q QueueName) String() string {
	if name, ok := queueNames[q]; ok {
		return name
	}
	return fmt.Sprintf("queue(%d)", int(q))
}

// Valid reports whether q is one of the known queues.
func (q QueueName) Valid() bool {
	_, ok := queueNames[q]
	return ok
}

// ParseQueueName resolves a wire name such as "calendar-sync".
func ParseQueueName(name string) (QueueName, error) {
	q, ok := queuesByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// MarshalText implements encoding.TextMarshaler.
func (q QueueName) MarshalText() ([]byte, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQueue, int(q))
	}
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *QueueName) UnmarshalText(text []byte) error {
	parsed, err := ParseQueueName(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Value implements driver.Valuer; queues are stored by name.
func (q QueueName) Value() (driver.Value, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownQueue, int(q))
	}
	return q.String(), nil
}

// Scan implements sql.Scanner.
func (q *QueueName) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return q.UnmarshalText([]byte(v))
	case []byte:
		return q.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into QueueName", src)
	}
}

package domain

import "fmt"

// IntegrationType identifies a third-party provider integration.
type IntegrationType string

// Supported integrations
const (
	IntegrationGoogleCalendar IntegrationType = "google_calendar"
	IntegrationGoogleContacts IntegrationType = "google_contacts"
)

// AllIntegrations returns every supported integration type in a stable order.
func AllIntegrations() []IntegrationType {
	return []IntegrationType{IntegrationGoogleCalendar, IntegrationGoogleContacts}
}

// Valid reports whether the integration type is one of the supported values.
func (t IntegrationType) Valid() bool {
	switch t {
	case IntegrationGoogleCalendar, IntegrationGoogleContacts:
		return true
	}
	return false
}

// ParseIntegrationType converts a string into an IntegrationType.
func ParseIntegrationType(s string) (IntegrationType, error) {
	t := IntegrationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownIntegration, s)
	}
	return t, nil
}

// Key identifies per-(user, integration) state. Every state record in this
// package has at most one live row per Key.
type Key struct {
	UserID      string          `json:"user_id"`
	Integration IntegrationType `json:"integration_type"`
}

// NewKey builds a Key and validates both parts.
func NewKey(userID string, integration IntegrationType) (Key, error) {
	k := Key{UserID: userID, Integration: integration}
	return k, k.Validate()
}

// Validate checks that the key names a user and a known integration.
func (k Key) Validate() error {
	if k.UserID == "" {
		return ErrEmptyUserID
	}
	if !k.Integration.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownIntegration, k.Integration)
	}
	return nil
}

// String renders the key as "user/integration", used in log lines and
// singleflight groups.
func (k Key) String() string {
	return k.UserID + "/" + string(k.Integration)
}

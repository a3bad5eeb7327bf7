package domain

import "time"

// TokenStatus describes the health of a stored OAuth credential.
type TokenStatus string

// Token health statuses
const (
	TokenValid        TokenStatus = "valid"
	TokenExpiringSoon TokenStatus = "expiring_soon"
	TokenExpired      TokenStatus = "expired"
	TokenRevoked      TokenStatus = "revoked"
)

// Usable reports whether a sync may be attempted with a token in this status
// without first refreshing it.
func (s TokenStatus) Usable() bool {
	return s == TokenValid || s == TokenExpiringSoon
}

// TokenHealthRecord tracks credential validity for one Key.
type TokenHealthRecord struct {
	Key
	Status          TokenStatus `json:"status"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	LastChecked     time.Time   `json:"last_checked"`
	LastRefreshedAt *time.Time  `json:"last_refreshed_at,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	FailureCount    int         `json:"failure_count"`
	LastNotifiedAt  *time.Time  `json:"last_notified_at,omitempty"`
}

// Token is an access token handed to sync routines and webhook registrars.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the token expires before now+d. A zero
// expiry means the provider did not report one and the token never expires.
func (t Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !t.ExpiresAt.After(now.Add(d))
}

package domain

import "time"

// SyncScheduleRecord holds the adaptive sync interval for one Key.
type SyncScheduleRecord struct {
	Key
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	LastChangeDetectedAt *time.Time `json:"last_change_detected_at,omitempty"`
	NextDueAt            time.Time  `json:"next_due_at"`
	CurrentIntervalHours float64    `json:"current_interval_hours"`
	OnboardingUntil      *time.Time `json:"onboarding_until,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Onboarding reports whether the key is still inside its onboarding window.
func (r *SyncScheduleRecord) Onboarding(now time.Time) bool {
	return r.OnboardingUntil != nil && now.Before(*r.OnboardingUntil)
}

// Due reports whether a sync should run at now: either the next due time has
// passed or the key is still onboarding.
func (r *SyncScheduleRecord) Due(now time.Time) bool {
	return !now.Before(r.NextDueAt) || r.Onboarding(now)
}

// Interval returns the current interval as a duration.
func (r *SyncScheduleRecord) Interval() time.Duration {
	return time.Duration(r.CurrentIntervalHours * float64(time.Hour))
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncScheduleRecord_Due(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Hour)
	past := now.Add(-time.Minute)

	tests := []struct {
		name   string
		record SyncScheduleRecord
		want   bool
	}{
		{"next due in the past", SyncScheduleRecord{NextDueAt: past}, true},
		{"next due exactly now", SyncScheduleRecord{NextDueAt: now}, true},
		{"next due in the future", SyncScheduleRecord{NextDueAt: future}, false},
		{"onboarding overrides interval", SyncScheduleRecord{NextDueAt: future, OnboardingUntil: &future}, true},
		{"onboarding window elapsed", SyncScheduleRecord{NextDueAt: future, OnboardingUntil: &past}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.record.Due(now))
		})
	}
}

func TestSyncMetric_Validate(t *testing.T) {
	ok := SyncMetric{UserID: "u1", Result: SyncSkipped, SkipReason: SkipNotDue}
	assert.NoError(t, ok.Validate())

	missingReason := SyncMetric{UserID: "u1", Result: SyncSkipped}
	assert.ErrorIs(t, missingReason.Validate(), ErrValidation)

	reasonOnSuccess := SyncMetric{UserID: "u1", Result: SyncSuccess, SkipReason: SkipNotDue}
	assert.ErrorIs(t, reasonOnSuccess.Validate(), ErrValidation)

	unknown := SyncMetric{UserID: "u1", Result: "partial"}
	assert.ErrorIs(t, unknown.Validate(), ErrInvalidSyncResult)

	noUser := SyncMetric{Result: SyncSuccess}
	assert.ErrorIs(t, noUser.Validate(), ErrEmptyUserID)
}

func TestKey_Validate(t *testing.T) {
	_, err := NewKey("u1", IntegrationGoogleCalendar)
	assert.NoError(t, err)

	_, err = NewKey("", IntegrationGoogleCalendar)
	assert.ErrorIs(t, err, ErrEmptyUserID)

	_, err = NewKey("u1", "outlook")
	assert.ErrorIs(t, err, ErrUnknownIntegration)
}

package schedule

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cal = domain.IntegrationGoogleCalendar

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newScheduler(t *testing.T) (*Scheduler, *MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	return New(s, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now)), s, clock
}

func TestIsDue_NoRecord(t *testing.T) {
	sch, _, _ := newScheduler(t)
	due, err := sch.IsDue(context.Background(), "u1", cal)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDue_InvalidKey(t *testing.T) {
	sch, _, _ := newScheduler(t)
	_, err := sch.IsDue(context.Background(), "u1", "outlook")
	assert.ErrorIs(t, err, domain.ErrUnknownIntegration)
}

func TestRecordSync_ChangeShrinksInterval(t *testing.T) {
	sch, _, clock := newScheduler(t)
	ctx := context.Background()

	prev := DefaultConfig().DefaultInterval.Hours()
	for i := 0; i < 5; i++ {
		rec, err := sch.RecordSync(ctx, "u1", cal, true)
		require.NoError(t, err)
		if prev > DefaultConfig().MinInterval.Hours() {
			assert.Less(t, rec.CurrentIntervalHours, prev)
		} else {
			assert.Equal(t, DefaultConfig().MinInterval.Hours(), rec.CurrentIntervalHours)
		}
		assert.GreaterOrEqual(t, rec.CurrentIntervalHours, 1.0)
		assert.Equal(t, clock.now.Add(rec.Interval()), rec.NextDueAt)
		require.NotNil(t, rec.LastChangeDetectedAt)
		prev = rec.CurrentIntervalHours
		clock.Advance(rec.Interval())
	}
	assert.Equal(t, 1.0, prev)
}

func TestRecordSync_NoChangeGrowsInterval(t *testing.T) {
	sch, _, _ := newScheduler(t)
	ctx := context.Background()

	prev := DefaultConfig().DefaultInterval.Hours()
	for i := 0; i < 10; i++ {
		rec, err := sch.RecordSync(ctx, "u1", cal, false)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.CurrentIntervalHours, prev)
		assert.LessOrEqual(t, rec.CurrentIntervalHours, 24.0)
		assert.Nil(t, rec.LastChangeDetectedAt)
		prev = rec.CurrentIntervalHours
	}
	assert.Equal(t, 24.0, prev)
}

func TestRecordSync_FirstSyncStartsFromDefault(t *testing.T) {
	sch, _, _ := newScheduler(t)
	rec, err := sch.RecordSync(context.Background(), "u1", cal, false)
	require.NoError(t, err)
	assert.Equal(t, 6.0, rec.CurrentIntervalHours)
}

func TestGetUsersDueForSync(t *testing.T) {
	sch, s, clock := newScheduler(t)
	ctx := context.Background()
	now := clock.now
	later := now.Add(3 * time.Hour)
	past := now.Add(-time.Hour)

	rows := []domain.SyncScheduleRecord{
		{Key: domain.Key{UserID: "due", Integration: cal}, NextDueAt: past},
		{Key: domain.Key{UserID: "exact", Integration: cal}, NextDueAt: now},
		{Key: domain.Key{UserID: "waiting", Integration: cal}, NextDueAt: later},
		{Key: domain.Key{UserID: "onboarding", Integration: cal}, NextDueAt: later, OnboardingUntil: &later},
		{Key: domain.Key{UserID: "contacts", Integration: domain.IntegrationGoogleContacts}, NextDueAt: past},
	}
	for _, r := range rows {
		require.NoError(t, s.Upsert(ctx, r))
	}

	users, err := sch.GetUsersDueForSync(ctx, cal)
	require.NoError(t, err)
	assert.Equal(t, []string{"due", "exact", "onboarding"}, users)

	_, err = sch.GetUsersDueForSync(ctx, "outlook")
	assert.ErrorIs(t, err, domain.ErrUnknownIntegration)
}

func TestStartOnboarding(t *testing.T) {
	sch, s, clock := newScheduler(t)
	ctx := context.Background()

	require.NoError(t, sch.StartOnboarding(ctx, "new", cal))
	rec, err := s.Get(ctx, domain.Key{UserID: "new", Integration: cal})
	require.NoError(t, err)
	require.NotNil(t, rec.OnboardingUntil)
	assert.Equal(t, clock.now.Add(72*time.Hour), *rec.OnboardingUntil)

	// Onboarding keys stay due and are rescheduled at the onboarding cadence.
	synced, err := sch.RecordSync(ctx, "new", cal, false)
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(time.Hour), synced.NextDueAt)

	clock.Advance(10 * time.Minute)
	due, err := sch.IsDue(ctx, "new", cal)
	require.NoError(t, err)
	assert.True(t, due)

	clock.Advance(73 * time.Hour)
	synced, err = sch.RecordSync(ctx, "new", cal, false)
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(synced.Interval()), synced.NextDueAt)
	due, err = sch.IsDue(ctx, "new", cal)
	require.NoError(t, err)
	assert.False(t, due)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/orchestrator"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/tokenhealth"
	"github.com/phrazzld/syncwarden/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)

type fakeOrchestrator struct {
	requests []orchestrator.Request
	result   orchestrator.Result
	err      error
}

func (f *fakeOrchestrator) ExecuteSyncJob(_ context.Context, req orchestrator.Request) (orchestrator.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type fakeScheduler map[domain.IntegrationType][]string

func (f fakeScheduler) GetUsersDueForSync(_ context.Context, integration domain.IntegrationType) ([]string, error) {
	return f[integration], nil
}

type enqueued struct {
	queue   queue.QueueName
	payload any
	opts    queue.Options
}

type fakeEnqueuer struct {
	jobs    []enqueued
	pending map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, q queue.QueueName, payload any, opts queue.Options) (queue.JobHandle, error) {
	if f.pending[opts.JobID] {
		return queue.JobHandle{ID: opts.JobID, Queue: q, Deduplicated: true}, nil
	}
	f.jobs = append(f.jobs, enqueued{q, payload, opts})
	return queue.JobHandle{ID: opts.JobID, Queue: q}, nil
}

func (f *fakeEnqueuer) Close(context.Context) error { return nil }

type fakeTokens struct {
	accessErr error
	due       []domain.TokenHealthRecord
	notified  []domain.Key
	batchRuns int
}

func (f *fakeTokens) GetAccessToken(context.Context, string, domain.IntegrationType) (domain.Token, error) {
	return domain.Token{AccessToken: "a"}, f.accessErr
}

func (f *fakeTokens) ClassifyExpiring(context.Context) (int, error) { return 2, nil }

func (f *fakeTokens) RefreshExpiringTokens(context.Context) (tokenhealth.RefreshSummary, error) {
	f.batchRuns++
	return tokenhealth.RefreshSummary{Checked: 3, Refreshed: 3}, nil
}

func (f *fakeTokens) DueForReminder(context.Context) ([]domain.TokenHealthRecord, error) {
	return f.due, nil
}

func (f *fakeTokens) MarkNotified(_ context.Context, key domain.Key) error {
	f.notified = append(f.notified, key)
	return nil
}

type fakeWebhooks struct{}

func (fakeWebhooks) CheckHealth(context.Context) (webhook.HealthSummary, error) {
	return webhook.HealthSummary{Checked: 1, Succeeded: 1}, nil
}

func (fakeWebhooks) RenewExpiring(context.Context) (webhook.RenewalSummary, error) {
	return webhook.RenewalSummary{Checked: 2, Succeeded: 2}, nil
}

type fakeNotifier struct {
	failFor string
	kinds   []string
}

func (f *fakeNotifier) NotifyReconnect(_ context.Context, userID string, _ domain.IntegrationType) error {
	if userID == f.failFor {
		return errors.New("smtp unavailable")
	}
	return nil
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, kind string) (int, error) {
	f.kinds = append(f.kinds, kind)
	return 4, nil
}

type fakeSuggestions struct{ regenerated bool }

func (f *fakeSuggestions) Generate(_ context.Context, _ string, regenerate bool) (int, error) {
	f.regenerated = regenerate
	return 7, nil
}

type fixture struct {
	handlers *Handlers
	orch     *fakeOrchestrator
	enqueuer *fakeEnqueuer
	tokens   *fakeTokens
	notifier *fakeNotifier
	suggest  *fakeSuggestions
}

func newFixture(sched fakeScheduler) *fixture {
	f := &fixture{
		orch:     &fakeOrchestrator{},
		enqueuer: &fakeEnqueuer{pending: map[string]bool{}},
		tokens:   &fakeTokens{},
		notifier: &fakeNotifier{},
		suggest:  &fakeSuggestions{},
	}
	f.handlers = New(Deps{
		Orchestrator: f.orch,
		Scheduler:    sched,
		Tokens:       f.tokens,
		Webhooks:     fakeWebhooks{},
		Notifier:     f.notifier,
		Suggestions:  f.suggest,
		Enqueuer:     f.enqueuer,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(func() time.Time { return now }))
	return f
}

func job(t *testing.T, q queue.QueueName, payload any) queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Job{ID: "j1", Queue: q, Payload: raw, Attempt: 1, MaxAttempts: 3}
}

func TestRegisterCoversEveryQueue(t *testing.T) {
	reg := queue.NewHandlerRegistry()
	newFixture(nil).handlers.Register(reg)
	assert.Empty(t, reg.Missing())
}

func TestSync(t *testing.T) {
	f := newFixture(nil)
	f.orch.result = orchestrator.Result{Result: domain.SyncSuccess}

	out, err := f.handlers.Sync(context.Background(), job(t, queue.ContactsSync, SyncPayload{
		UserID: "u1", SyncType: domain.SyncTypeManual, BypassCircuitBreaker: true, TriggeredAt: now,
	}))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Result{Result: domain.SyncSuccess}, out)
	require.Len(t, f.orch.requests, 1)
	assert.Equal(t, orchestrator.Request{
		UserID: "u1", Integration: domain.IntegrationGoogleContacts, SyncType: domain.SyncTypeManual, BypassCircuitBreaker: true,
	}, f.orch.requests[0])
}

func TestSync_Errors(t *testing.T) {
	tests := []struct {
		name      string
		q         queue.QueueName
		payload   any
		orchErr   error
		permanent bool
	}{
		{"missing user", queue.CalendarSync, map[string]any{"triggeredAt": now}, nil, true},
		{"bad sync type", queue.CalendarSync, map[string]any{"userId": "u1", "syncType": "hourly", "triggeredAt": now}, nil, true},
		{"not a sync queue", queue.TokenRefresh, SyncPayload{UserID: "u1", TriggeredAt: now}, nil, true},
		{"malformed json", queue.CalendarSync, "not an object", nil, true},
		{"transient sync failure", queue.CalendarSync, SyncPayload{UserID: "u1", TriggeredAt: now}, errors.New("502"), false},
		{"no routine", queue.CalendarSync, SyncPayload{UserID: "u1", TriggeredAt: now}, orchestrator.ErrNoSyncRoutine, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(nil)
			f.orch.err = tc.orchErr
			_, err := f.handlers.Sync(context.Background(), job(t, tc.q, tc.payload))
			require.Error(t, err)
			assert.Equal(t, tc.permanent, queue.IsPermanent(err))
		})
	}
}

func TestAdaptiveSync(t *testing.T) {
	f := newFixture(fakeScheduler{
		domain.IntegrationGoogleCalendar: {"u1", "u2"},
		domain.IntegrationGoogleContacts: {"u3"},
	})
	f.enqueuer.pending[queue.PerUserJobID(queue.CalendarSync, "u2")] = true

	out, err := f.handlers.AdaptiveSync(context.Background(), job(t, queue.AdaptiveSync, AdaptiveSyncPayload{WindowStart: now}))
	require.NoError(t, err)
	assert.Equal(t, AdaptiveSyncResult{Due: 3, Enqueued: 2, Deduplicated: 1}, out)

	require.Len(t, f.enqueuer.jobs, 2)
	first := f.enqueuer.jobs[0]
	assert.Equal(t, queue.CalendarSync, first.queue)
	assert.Equal(t, "calendar-sync-u1", first.opts.JobID)
	assert.Equal(t, SyncPayload{UserID: "u1", SyncType: domain.SyncTypeScheduled, TriggeredAt: now}, first.payload)
	assert.Equal(t, queue.ContactsSync, f.enqueuer.jobs[1].queue)
}

func TestAdaptiveSync_SingleIntegration(t *testing.T) {
	f := newFixture(fakeScheduler{
		domain.IntegrationGoogleCalendar: {"u1"},
		domain.IntegrationGoogleContacts: {"u3"},
	})
	out, err := f.handlers.AdaptiveSync(context.Background(), job(t, queue.AdaptiveSync,
		AdaptiveSyncPayload{Integration: domain.IntegrationGoogleContacts}))
	require.NoError(t, err)
	assert.Equal(t, AdaptiveSyncResult{Due: 1, Enqueued: 1}, out)
	assert.Equal(t, now, f.enqueuer.jobs[0].payload.(SyncPayload).TriggeredAt)
}

func TestTokenRefresh(t *testing.T) {
	t.Run("batch", func(t *testing.T) {
		f := newFixture(nil)
		out, err := f.handlers.TokenRefresh(context.Background(), job(t, queue.TokenRefresh, TokenRefreshPayload{WindowStart: now}))
		require.NoError(t, err)
		res := out.(TokenRefreshResult)
		assert.Equal(t, 2, res.Classified)
		require.NotNil(t, res.Summary)
		assert.Equal(t, 3, res.Summary.Refreshed)
	})

	t.Run("single key with dead credential is permanent", func(t *testing.T) {
		f := newFixture(nil)
		f.tokens.accessErr = tokenhealth.ErrInvalidToken
		_, err := f.handlers.TokenRefresh(context.Background(), job(t, queue.TokenRefresh,
			TokenRefreshPayload{UserID: "u1", Integration: domain.IntegrationGoogleCalendar}))
		assert.True(t, queue.IsPermanent(err))
		assert.Zero(t, f.tokens.batchRuns)
	})

	t.Run("user without integration", func(t *testing.T) {
		f := newFixture(nil)
		_, err := f.handlers.TokenRefresh(context.Background(), job(t, queue.TokenRefresh, TokenRefreshPayload{UserID: "u1"}))
		assert.True(t, queue.IsPermanent(err))
	})
}

func TestTokenHealthReminder_IsolatesFailures(t *testing.T) {
	f := newFixture(nil)
	f.notifier.failFor = "u2"
	for _, u := range []string{"u1", "u2", "u3"} {
		f.tokens.due = append(f.tokens.due, domain.TokenHealthRecord{
			Key: domain.Key{UserID: u, Integration: domain.IntegrationGoogleCalendar}, Status: domain.TokenRevoked,
		})
	}

	out, err := f.handlers.TokenHealthReminder(context.Background(), job(t, queue.TokenHealthReminder, WindowPayload{WindowStart: now}))
	require.NoError(t, err)
	assert.Equal(t, ReminderResult{Due: 3, Sent: 2, Failed: 1}, out)
	assert.Len(t, f.tokens.notified, 2)
}

func TestBatchHandlers(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	out, err := f.handlers.WebhookHealthCheck(ctx, job(t, queue.WebhookHealthCheck, WindowPayload{WindowStart: now}))
	require.NoError(t, err)
	assert.Equal(t, webhook.HealthSummary{Checked: 1, Succeeded: 1}, out)

	out, err = f.handlers.WebhookRenewal(ctx, job(t, queue.WebhookRenewal, WindowPayload{WindowStart: now}))
	require.NoError(t, err)
	assert.Equal(t, webhook.RenewalSummary{Checked: 2, Succeeded: 2}, out)

	out, err = f.handlers.SuggestionRegeneration(ctx, job(t, queue.SuggestionRegeneration, SuggestionPayload{UserID: "u1"}))
	require.NoError(t, err)
	assert.Equal(t, SuggestionResult{Generated: 7}, out)
	assert.True(t, f.suggest.regenerated)

	out, err = f.handlers.Notifications(ctx, job(t, queue.BatchNotifications, NotificationPayload{Kind: KindDigest}))
	require.NoError(t, err)
	assert.Equal(t, NotificationResult{Sent: 4}, out)

	_, err = f.handlers.Notifications(ctx, job(t, queue.NotificationReminder, NotificationPayload{Kind: "sms"}))
	assert.True(t, queue.IsPermanent(err))
}

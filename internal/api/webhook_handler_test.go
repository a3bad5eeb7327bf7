package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/store"
	"github.com/phrazzld/syncwarden/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRecorder resolves channels from a fixed table.
type MockRecorder struct {
	Subs     map[string]domain.WebhookSubscription
	Recorded []string
}

func (m *MockRecorder) RecordNotification(_ context.Context, channelID, token, state string) (domain.WebhookSubscription, error) {
	sub, ok := m.Subs[channelID]
	if !ok {
		return domain.WebhookSubscription{}, store.ErrSubscriptionNotFound
	}
	if sub.Token != token {
		return domain.WebhookSubscription{}, webhook.ErrInvalidChannelToken
	}
	m.Recorded = append(m.Recorded, channelID+":"+state)
	return sub, nil
}

func newWebhookRouter(rec NotificationRecorder, backend queue.Backend) http.Handler {
	h := NewWebhookHandler(rec, backend)
	h.timeFunc = func() time.Time { return testNow }
	r := chi.NewRouter()
	r.Post("/webhooks/{integration}", h.HandleNotification)
	return r
}

func pushHeaders(channel, token, state string) map[string]string {
	return map[string]string{
		HeaderChannelID:     channel,
		HeaderChannelToken:  token,
		HeaderResourceState: state,
	}
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()

	subs := map[string]domain.WebhookSubscription{
		"chan-cal": {
			Key:       domain.Key{UserID: "user-1", Integration: domain.IntegrationGoogleCalendar},
			ChannelID: "chan-cal",
			Token:     "secret",
		},
	}

	t.Run("change notification enqueues a per-user webhook sync", func(t *testing.T) {
		rec := &MockRecorder{Subs: subs}
		backend := &MockBackend{}
		w := doRequest(t, newWebhookRouter(rec, backend), http.MethodPost, "/webhooks/google_calendar", "",
			pushHeaders("chan-cal", "secret", "exists"))

		require.Equal(t, http.StatusAccepted, w.Code)
		var body WebhookResponse
		decodeBody(t, w, &body)
		assert.Equal(t, "enqueued", body.Status)

		jobsSent := backend.Enqueued()
		require.Len(t, jobsSent, 1)
		assert.Equal(t, queue.CalendarSync, jobsSent[0].Queue)
		assert.Equal(t, queue.PerUserJobID(queue.CalendarSync, "user-1"), jobsSent[0].Opts.JobID)
		assert.Equal(t, jobs.SyncPayload{
			UserID:      "user-1",
			SyncType:    domain.SyncTypeWebhook,
			TriggeredAt: testNow,
		}, jobsSent[0].Payload)
		assert.Equal(t, []string{"chan-cal:exists"}, rec.Recorded)
	})

	t.Run("sync handshake is recorded without a job", func(t *testing.T) {
		rec := &MockRecorder{Subs: subs}
		backend := &MockBackend{}
		w := doRequest(t, newWebhookRouter(rec, backend), http.MethodPost, "/webhooks/google_calendar", "",
			pushHeaders("chan-cal", "secret", ResourceStateSync))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, backend.Enqueued())
		assert.Equal(t, []string{"chan-cal:sync"}, rec.Recorded)
	})

	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{"wrong channel token", "/webhooks/google_calendar", pushHeaders("chan-cal", "guess", "exists"), http.StatusUnauthorized},
		{"unknown channel", "/webhooks/google_calendar", pushHeaders("chan-x", "secret", "exists"), http.StatusNotFound},
		{"channel of another integration", "/webhooks/google_contacts", pushHeaders("chan-cal", "secret", "exists"), http.StatusNotFound},
		{"unknown integration", "/webhooks/outlook", pushHeaders("chan-cal", "secret", "exists"), http.StatusBadRequest},
		{"missing headers", "/webhooks/google_calendar", nil, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend := &MockBackend{}
			w := doRequest(t, newWebhookRouter(&MockRecorder{Subs: subs}, backend), http.MethodPost, tc.path, "", tc.headers)
			assert.Equal(t, tc.wantStatus, w.Code)
			assert.Empty(t, backend.Enqueued())
		})
	}
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/store"
)

// Provider push headers.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderResourceState = "X-Goog-Resource-State"

	// ResourceStateSync is sent once when a channel is opened.
	ResourceStateSync = "sync"
)

// NotificationRecorder validates and records provider pushes.
// webhook.Manager implements it.
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, channelID, token, resourceState string) (domain.WebhookSubscription, error)
}

// WebhookResponse acknowledges a provider push.
type WebhookResponse struct {
	Status       string `json:"status"`
	JobID        string `json:"jobId,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// WebhookHandler receives provider push notifications.
type WebhookHandler struct {
	recorder NotificationRecorder
	backend  queue.Backend
	timeFunc func() time.Time
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(recorder NotificationRecorder, backend queue.Backend) *WebhookHandler {
	return &WebhookHandler{recorder: recorder, backend: backend, timeFunc: time.Now}
}

// HandleNotification handles POST /webhooks/{integration}. Every valid push
// is recorded; all but the initial sync handshake enqueue a per-user sync,
// which collapses with any sync already pending for that user.
func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	integration, err := domain.ParseIntegrationType(chi.URLParam(r, "integration"))
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}

	channelID := r.Header.Get(HeaderChannelID)
	state := r.Header.Get(HeaderResourceState)
	if channelID == "" || state == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Missing channel headers")
		return
	}

	sub, err := h.recorder.RecordNotification(r.Context(), channelID, r.Header.Get(HeaderChannelToken), state)
	if err != nil {
		handleAPIError(w, r, err, "Failed to record notification")
		return
	}
	if sub.Integration != integration {
		handleAPIError(w, r, fmt.Errorf("%w: channel %s belongs to %s", store.ErrSubscriptionNotFound, channelID, sub.Integration), "")
		return
	}

	log := logger.FromContext(r.Context()).With("user_id", sub.UserID, "integration", string(integration), "resource_state", state)
	if state == ResourceStateSync {
		log.Debug("recorded channel handshake")
		shared.RespondWithJSON(w, r, http.StatusOK, WebhookResponse{Status: "recorded"})
		return
	}

	q, err := jobs.SyncQueueFor(integration)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}
	handle, err := h.backend.Enqueue(r.Context(), q, jobs.SyncPayload{
		UserID:      sub.UserID,
		SyncType:    domain.SyncTypeWebhook,
		TriggeredAt: h.timeFunc(),
	}, queue.Options{JobID: queue.PerUserJobID(q, sub.UserID)})
	if err != nil {
		handleAPIError(w, r, err, "Failed to enqueue sync")
		return
	}

	log.Info("webhook sync enqueued", "job_id", handle.ID, "deduplicated", handle.Deduplicated)
	shared.RespondWithJSON(w, r, http.StatusAccepted, WebhookResponse{
		Status:       "enqueued",
		JobID:        handle.ID,
		Deduplicated: handle.Deduplicated,
	})
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/connection"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/monitoring"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/redact"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultHealthWindow is the sync health window when none is requested.
const DefaultHealthWindow = 24 * time.Hour

// Failed job listing bounds.
const (
	DefaultFailedLimit = 20
	MaxFailedLimit     = 500
)

// ReportSource produces the operator reports. monitoring.Monitor
// implements it.
type ReportSource interface {
	Report(ctx context.Context) (monitoring.Report, error)
	SyncHealthReport(ctx context.Context, since time.Time) (monitoring.SyncHealthReport, error)
}

// BreakerResetter force-closes a breaker.
type BreakerResetter interface {
	Reset(ctx context.Context, userID string, integration domain.IntegrationType) error
}

// Connector onboards a newly granted integration. connection.Service
// implements it.
type Connector interface {
	Connect(ctx context.Context, userID string, integration domain.IntegrationType, g connection.Grant) (connection.Connection, error)
}

// FailedJobLister lists jobs that exhausted their attempts.
type FailedJobLister interface {
	FailedJobs(ctx context.Context, q queue.QueueName, limit int) ([]queue.Job, error)
}

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	reports        ReportSource
	breakers       BreakerResetter
	backend        queue.Backend
	connector      Connector
	failed         FailedJobLister
	streamInterval time.Duration
	timeFunc       func() time.Time
}

// NewAdminHandler creates an AdminHandler. streamInterval paces the
// monitoring stream.
func NewAdminHandler(reports ReportSource, breakers BreakerResetter, backend queue.Backend, streamInterval time.Duration) *AdminHandler {
	if streamInterval <= 0 {
		streamInterval = 10 * time.Second
	}
	return &AdminHandler{
		reports:        reports,
		breakers:       breakers,
		backend:        backend,
		streamInterval: streamInterval,
		timeFunc:       time.Now,
	}
}

// WithConnector enables POST /api/admin/connections/{integration}/{userID}.
func (h *AdminHandler) WithConnector(c Connector) *AdminHandler {
	h.connector = c
	return h
}

// WithFailedJobs enables GET /api/admin/queues/{queue}/failed.
func (h *AdminHandler) WithFailedJobs(l FailedJobLister) *AdminHandler {
	h.failed = l
	return h
}

// GetMonitoringReport handles GET /api/admin/monitoring.
func (h *AdminHandler) GetMonitoringReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.Report(r.Context())
	if err != nil {
		handleAPIError(w, r, err, "Failed to build monitoring report")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, report)
}

// StreamMonitoringReport handles GET /api/admin/monitoring/stream. It pushes
// a report over a websocket immediately and then once per stream interval
// until the client goes away.
func (h *AdminHandler) StreamMonitoringReport(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "stream ended") }()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		report, err := h.reports.Report(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("monitoring stream report failed", "error", redact.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "report failed")
			return
		}
		if err := wsjson.Write(ctx, conn, report); err != nil {
			log.Debug("monitoring stream closed", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// GetSyncHealth handles GET /api/admin/health/sync?window=24h.
func (h *AdminHandler) GetSyncHealth(w http.ResponseWriter, r *http.Request) {
	window := DefaultHealthWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid window")
			return
		}
		window = d
	}

	report, err := h.reports.SyncHealthReport(r.Context(), h.timeFunc().Add(-window))
	if err != nil {
		handleAPIError(w, r, err, "Failed to build sync health report")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, report)
}

// ResetBreaker handles POST /api/admin/breakers/{userID}/{integration}/reset.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}
	if err := h.breakers.Reset(r.Context(), key.UserID, key.Integration); err != nil {
		handleAPIError(w, r, err, "Failed to reset breaker")
		return
	}
	logger.FromContext(r.Context()).Info("breaker reset by operator",
		"user_id", key.UserID, "integration", string(key.Integration))
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "reset"})
}

// TriggerSync handles POST /api/admin/sync/{integration}/{userID}. The job
// bypasses the breaker and the due check. It shares the per-user job id with
// scheduled and webhook syncs, so a sync already pending for the key absorbs
// it and 200 is returned instead of 202.
func (h *AdminHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}
	q, err := jobs.SyncQueueFor(key.Integration)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}

	handle, err := h.backend.Enqueue(r.Context(), q, jobs.SyncPayload{
		UserID:               key.UserID,
		SyncType:             domain.SyncTypeManual,
		BypassCircuitBreaker: true,
		TriggeredAt:          h.timeFunc(),
	}, queue.Options{JobID: queue.PerUserJobID(q, key.UserID)})
	if err != nil {
		handleAPIError(w, r, err, "Failed to enqueue sync")
		return
	}
	status := http.StatusAccepted
	if handle.Deduplicated {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, handle)
}

// ConnectIntegration handles POST /api/admin/connections/{integration}/{userID}.
// The body is the OAuth grant. Connecting again replaces the grant and the
// webhook channel.
func (h *AdminHandler) ConnectIntegration(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromPath(r)
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}
	var grant connection.Grant
	if err := shared.DecodeJSON(r, &grant); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(grant); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed")
		return
	}

	conn, err := h.connector.Connect(r.Context(), key.UserID, key.Integration, grant)
	if err != nil {
		handleAPIError(w, r, err, "Failed to connect integration")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, conn)
}

// ListFailedJobs handles GET /api/admin/queues/{queue}/failed?limit=20.
func (h *AdminHandler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	q, err := queue.ParseQueueName(chi.URLParam(r, "queue"))
	if err != nil {
		handleAPIError(w, r, err, "")
		return
	}
	limit := DefaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, MaxFailedLimit)
	}

	failed, err := h.failed.FailedJobs(r.Context(), q, limit)
	if err != nil {
		handleAPIError(w, r, err, "Failed to list failed jobs")
		return
	}
	if failed == nil {
		failed = []queue.Job{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, failed)
}

func keyFromPath(r *http.Request) (domain.Key, error) {
	userID := chi.URLParam(r, "userID")
	integration, err := domain.ParseIntegrationType(chi.URLParam(r, "integration"))
	if err != nil {
		return domain.Key{}, err
	}
	return domain.NewKey(userID, integration)
}

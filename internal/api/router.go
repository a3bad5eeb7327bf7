package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/syncwarden/internal/api/middleware"
	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/redact"
)

// RouterConfig wires the handlers into the router. Nil handlers leave
// their routes unregistered.
type RouterConfig struct {
	Logger *slog.Logger

	// Jobs is mounted only when IdentityKeys is set.
	Jobs         *JobsHandler
	IdentityKeys middleware.KeyProvider
	Identity     middleware.IdentityConfig

	Webhooks *WebhookHandler

	Admin      *AdminHandler
	AdminToken string

	// Metrics serves /metrics, typically the telemetry provider's handler.
	Metrics http.Handler

	// Ready reports dependency health for /health.
	Ready func(ctx context.Context) error
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.TraceMiddleware(cfg.Logger))

	r.Route("/api", func(r chi.Router) {
		if cfg.Jobs != nil && cfg.IdentityKeys != nil {
			r.With(middleware.IdentityTokenAuth(cfg.IdentityKeys, cfg.Identity)).
				Post("/jobs/{jobName}", cfg.Jobs.HandleJob)
		}

		if cfg.Admin != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.AdminAuth(cfg.AdminToken))
				r.Get("/monitoring", cfg.Admin.GetMonitoringReport)
				r.Get("/monitoring/stream", cfg.Admin.StreamMonitoringReport)
				r.Get("/health/sync", cfg.Admin.GetSyncHealth)
				r.Post("/breakers/{userID}/{integration}/reset", cfg.Admin.ResetBreaker)
				r.Post("/sync/{integration}/{userID}", cfg.Admin.TriggerSync)
				if cfg.Admin.connector != nil {
					r.Post("/connections/{integration}/{userID}", cfg.Admin.ConnectIntegration)
				}
				if cfg.Admin.failed != nil {
					r.Get("/queues/{queue}/failed", cfg.Admin.ListFailedJobs)
				}
			})
		}
	})

	if cfg.Webhooks != nil {
		r.Post("/webhooks/{integration}", cfg.Webhooks.HandleNotification)
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				cfg.Logger.Warn("health check failed", "error", redact.Error(err))
				shared.RespondWithError(w, r, http.StatusServiceUnavailable, "Unavailable")
				return
			}
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

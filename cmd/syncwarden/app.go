package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/syncwarden/internal/alert"
	"github.com/phrazzld/syncwarden/internal/api"
	"github.com/phrazzld/syncwarden/internal/api/middleware"
	"github.com/phrazzld/syncwarden/internal/breaker"
	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/phrazzld/syncwarden/internal/connection"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/idempotency"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/monitoring"
	"github.com/phrazzld/syncwarden/internal/orchestrator"
	"github.com/phrazzld/syncwarden/internal/platform/collaborator"
	"github.com/phrazzld/syncwarden/internal/platform/oauth"
	"github.com/phrazzld/syncwarden/internal/platform/postgres"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/queue/push"
	"github.com/phrazzld/syncwarden/internal/queue/worker"
	"github.com/phrazzld/syncwarden/internal/recurring"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/schedule"
	"github.com/phrazzld/syncwarden/internal/telemetry"
	"github.com/phrazzld/syncwarden/internal/tokenhealth"
	"github.com/phrazzld/syncwarden/internal/webhook"
)

// stores groups the persistence behind every component. They are either all
// Postgres-backed or all in-memory.
type stores struct {
	breakers    breaker.Store
	tokenHealth tokenhealth.Store
	schedules   schedule.Store
	webhooks    webhook.Store
	metrics     monitoring.SyncMetricStore
	idempotency idempotency.Store
	credentials oauth.CredentialStore
	broker      worker.Broker
	tasks       push.TaskStore
}

// appOptions tune newApplication for the command being run.
type appOptions struct {
	// listen subscribes the job broker to enqueue notifications.
	listen bool
}

// application holds every long-lived component. It is built once per
// command and torn down by close.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	db        *sql.DB
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics

	stores     stores
	registry   *queue.Registry
	handlers   *queue.HandlerRegistry
	executor   *queue.Executor
	backend    queue.Backend
	inspector  queue.Inspector
	dispatcher *push.Dispatcher

	breakers     *breaker.Registry
	tokens       *tokenhealth.Monitor
	scheduler    *schedule.Scheduler
	webhooks     *webhook.Manager
	orchestrator *orchestrator.Orchestrator
	monitor      *monitoring.Monitor
	oauth        *oauth.Client
	connections  *connection.Service
}

// newApplication wires every component from cfg. An empty database URL
// selects the in-memory stores.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*application, error) {
	app := &application{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.close(context.Background())
		}
	}()

	provider, err := telemetry.NewMeterProvider(ctx,
		append(telemetry.OptionsFromConfig(cfg.Telemetry), telemetry.WithServiceVersion(version))...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.telemetry = provider
	if app.metrics, err = telemetry.NewMetrics(provider); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	if cfg.Database.URL != "" {
		if app.db, err = postgres.Open(ctx, cfg.Database, logger); err != nil {
			return nil, err
		}
		if app.stores, err = postgresStores(cfg, app.db, logger, opts); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no database configured, using in-memory stores")
		app.stores = memoryStores()
	}

	app.registry = queue.NewRegistry()
	if err := app.registry.ApplyOverrides(cfg.Dispatch.Queues); err != nil {
		return nil, fmt.Errorf("invalid queue overrides: %w", err)
	}

	if err := app.setupOAuth(); err != nil {
		return nil, err
	}
	app.setupServices()
	if err := app.setupBackend(); err != nil {
		return nil, err
	}
	app.setupJobs()
	app.connections = connection.NewService(app.oauth, app.tokens, app.scheduler, app.webhooks, app.backend, logger)

	app.monitor = monitoring.NewMonitor(app.inspector, app.alerter(), monitoring.Config{
		BacklogThreshold:     cfg.Monitoring.BacklogThreshold,
		SlowJobThreshold:     cfg.Monitoring.SlowJobThreshold,
		FailureRateThreshold: cfg.Monitoring.FailureRateThreshold,
		MinFinishedForRate:   cfg.Monitoring.MinFinishedForRate,
	}, logger,
		monitoring.WithGaugeRecorder(app.metrics),
		monitoring.WithSyncHealth(app.stores.metrics, app.breakers, app.tokens))

	ok = true
	logger.Info("application initialized",
		"backend", cfg.Dispatch.Backend, "persistent", app.db != nil)
	return app, nil
}

func postgresStores(cfg *config.Config, db *sql.DB, logger *slog.Logger, opts appOptions) (stores, error) {
	var brokerOpts []postgres.BrokerOption
	if opts.listen {
		brokerOpts = append(brokerOpts, postgres.WithListener(postgres.NewListener(cfg.Database.URL, logger)))
	}
	broker, err := postgres.NewJobBroker(db, logger, brokerOpts...)
	if err != nil {
		return stores{}, fmt.Errorf("failed to create job broker: %w", err)
	}
	return stores{
		breakers:    postgres.NewBreakerStore(db),
		tokenHealth: postgres.NewTokenHealthStore(db),
		schedules:   postgres.NewScheduleStore(db),
		webhooks:    postgres.NewWebhookStore(db),
		metrics:     postgres.NewMetricStore(db),
		idempotency: postgres.NewIdempotencyStore(db, nil),
		credentials: postgres.NewCredentialStore(db),
		broker:      broker,
		tasks:       postgres.NewPushTaskStore(db),
	}, nil
}

func memoryStores() stores {
	return stores{
		breakers:    breaker.NewMemoryStore(),
		tokenHealth: tokenhealth.NewMemoryStore(),
		schedules:   schedule.NewMemoryStore(),
		webhooks:    webhook.NewMemoryStore(),
		metrics:     monitoring.NewMemoryMetricStore(),
		idempotency: idempotency.NewMemoryStore(nil),
		credentials: oauth.NewMemoryCredentialStore(),
		broker:      worker.NewMemoryBroker(),
		tasks:       push.NewMemoryTaskStore(),
	}
}

func (app *application) alerter() alert.Alerter {
	return alert.NewLogAlerter(app.logger, app.metrics)
}

// setupOAuth builds the credential client. Without a configured key an
// ephemeral one is generated, which is only acceptable for in-memory stores.
func (app *application) setupOAuth() error {
	key, err := base64.StdEncoding.DecodeString(app.config.OAuth.CredentialKey)
	if err != nil {
		return fmt.Errorf("invalid oauth.credential_key: %w", err)
	}
	if len(key) == 0 {
		if app.db != nil {
			return errors.New("oauth.credential_key is required when a database is configured")
		}
		app.logger.Warn("no credential key configured, stored tokens will not survive a restart")
		key = make([]byte, config.CredentialKeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate credential key: %w", err)
		}
	}
	sealer, err := oauth.NewSealer(key)
	if err != nil {
		return err
	}
	providers, err := oauth.ProvidersFromConfig(app.config.OAuth)
	if err != nil {
		return err
	}
	app.oauth = oauth.NewClient(app.stores.credentials, sealer, providers, app.logger)
	return nil
}

func (app *application) setupServices() {
	cfg := app.config
	logger := app.logger
	collab := cfg.Collaborator

	app.breakers = breaker.NewRegistry(app.stores.breakers, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		TrialTimeout:     cfg.Breaker.EffectiveTrialTimeout(),
	}, logger, breaker.WithTransitionRecorder(app.metrics))

	app.tokens = tokenhealth.NewMonitor(app.stores.tokenHealth, app.oauth, app.alerter(), tokenhealth.Config{
		Lookahead:          cfg.TokenHealth.Lookahead,
		ExpiringSoonWindow: cfg.TokenHealth.ExpiringSoonWindow,
		RefreshSkew:        cfg.TokenHealth.RefreshSkew,
		FailureAlertRate:   cfg.TokenHealth.FailureAlertRate,
		ReminderCooldown:   cfg.TokenHealth.ReminderCooldown,
	}, logger, tokenhealth.WithRefreshRecorder(app.metrics))

	app.scheduler = schedule.New(app.stores.schedules, schedule.Config{
		MinInterval:        cfg.Scheduler.MinInterval,
		MaxInterval:        cfg.Scheduler.MaxInterval,
		DefaultInterval:    cfg.Scheduler.DefaultInterval,
		ShrinkFactor:       cfg.Scheduler.ShrinkFactor,
		GrowFactor:         cfg.Scheduler.GrowFactor,
		OnboardingWindow:   cfg.Scheduler.OnboardingWindow,
		OnboardingInterval: cfg.Scheduler.OnboardingInterval,
	}, logger)

	registrar := collaborator.NewRegistrarClient(collab.RegistrarBaseURL, collab.APIKey, collab.Timeout)
	app.webhooks = webhook.NewManager(app.stores.webhooks, registrar, app.tokens, app.alerter(), webhook.Config{
		SilenceThreshold: cfg.Webhook.SilenceThreshold,
		RenewalWindow:    cfg.Webhook.RenewalWindow,
		FailureAlertRate: cfg.Webhook.FailureAlertRate,
	}, logger)

	syncClient := collaborator.NewSyncClient(collab.SyncBaseURL, collab.APIKey, collab.Timeout)
	app.orchestrator = orchestrator.New(app.breakers, app.tokens, app.scheduler, app.stores.metrics, logger,
		orchestrator.WithRoutine(domain.IntegrationGoogleCalendar, syncClient),
		orchestrator.WithRoutine(domain.IntegrationGoogleContacts, syncClient),
		orchestrator.WithRecorder(app.metrics))
}

// setupBackend builds the configured dispatch backend. The push dispatcher
// doubles as the backend's task client; its signer is only needed to
// deliver, so it is optional here and checked by runDispatcher.
func (app *application) setupBackend() error {
	cfg := app.config
	switch cfg.Dispatch.Backend {
	case config.BackendWorker:
		b := worker.NewBackend(app.stores.broker, app.registry, app.logger)
		app.backend, app.inspector = b, b
	case config.BackendPush:
		var tokens push.TokenSource
		if cfg.Push.SigningKeyFile != "" {
			key, err := push.LoadPrivateKey(cfg.Push.SigningKeyFile)
			if err != nil {
				return err
			}
			tokens = push.NewSigner(key, push.SignerConfig{
				KeyID:    cfg.Push.KeyID,
				Issuer:   cfg.Push.Issuer,
				Audience: cfg.Push.Audience,
				Email:    cfg.Push.ServiceAccountEmail,
				TTL:      cfg.Push.TokenTTL,
			})
		}
		app.dispatcher = push.NewDispatcher(app.stores.tasks, app.registry, tokens, push.DispatcherConfig{
			PollInterval:   cfg.Dispatch.PollInterval,
			RequestTimeout: cfg.Push.RequestTimeout,
			DedupWindow:    cfg.Dispatch.DedupWindow,
			StuckAfter:     cfg.Dispatch.StuckAfter,
		}, app.logger)
		b := push.NewBackend(app.dispatcher, app.stores.tasks, app.registry, cfg.Push.TargetBaseURL, app.logger)
		app.backend, app.inspector = b, b
	default:
		return fmt.Errorf("unknown dispatch backend %q", cfg.Dispatch.Backend)
	}
	return nil
}

func (app *application) setupJobs() {
	collab := app.config.Collaborator
	app.handlers = queue.NewHandlerRegistry()
	jobs.New(jobs.Deps{
		Orchestrator: app.orchestrator,
		Scheduler:    app.scheduler,
		Tokens:       app.tokens,
		Webhooks:     app.webhooks,
		Notifier:     collaborator.NewNotifierClient(collab.NotifierBaseURL, collab.APIKey, collab.Timeout),
		Suggestions:  collaborator.NewSuggestionClient(collab.SuggestionBaseURL, collab.APIKey, collab.Timeout),
		Enqueuer:     app.backend,
	}, app.logger).Register(app.handlers)

	guard := idempotency.NewGuard(app.stores.idempotency, app.config.Dispatch.IdempotencyTTL, app.logger)
	app.executor = queue.NewExecutor(app.handlers, guard, app.logger, queue.WithRecorder(app.metrics))
}

// router builds the HTTP handler. The push callback endpoint is mounted only
// for the push backend.
func (app *application) router() (http.Handler, error) {
	cfg := app.config
	rc := api.RouterConfig{
		Logger:   app.logger,
		Webhooks: api.NewWebhookHandler(app.webhooks, app.backend),
		Admin: api.NewAdminHandler(app.monitor, app.breakers, app.backend, cfg.Monitoring.StreamInterval).
			WithConnector(app.connections).
			WithFailedJobs(app.inspector),
		AdminToken: cfg.Server.AdminToken,
		Metrics:    app.telemetry.Handler(),
		Ready:      app.ready,
	}
	if cfg.Dispatch.Backend == config.BackendPush {
		jh, err := api.NewJobsHandler(app.executor)
		if err != nil {
			return nil, fmt.Errorf("failed to create jobs handler: %w", err)
		}
		keys, err := identityKeys(cfg.Push)
		if err != nil {
			return nil, err
		}
		rc.Jobs = jh
		rc.IdentityKeys = keys
		rc.Identity = middleware.IdentityConfig{
			Audience: cfg.Push.Audience,
			Issuer:   cfg.Push.Issuer,
			Email:    cfg.Push.ServiceAccountEmail,
			Skew:     time.Minute,
		}
	}
	return api.NewRouter(rc), nil
}

func identityKeys(cfg config.PushConfig) (middleware.KeyProvider, error) {
	if cfg.PublicKeyFile != "" {
		return middleware.LoadStaticKey(cfg.PublicKeyFile)
	}
	return middleware.NewJWKSCache(cfg.JWKSURL, time.Hour), nil
}

func (app *application) ready(ctx context.Context) error {
	if app.db == nil {
		return nil
	}
	return app.db.PingContext(ctx)
}

// recurringScheduler fires the periodic batch jobs through the backend.
func (app *application) recurringScheduler() *recurring.Scheduler {
	return recurring.New(app.backend, app.logger)
}

// purgeIdempotencyKeys removes expired idempotency entries every interval
// until ctx is cancelled.
func (app *application) purgeIdempotencyKeys(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := app.stores.idempotency.Purge(ctx)
			if err != nil {
				app.logger.Warn("idempotency purge failed", "error", redact.Error(err))
				continue
			}
			if n > 0 {
				app.logger.Info("purged expired idempotency keys", "count", n)
			}
		}
	}
}

// watchConfig applies queue override changes from the config file. It is a
// no-op without a config file.
func (app *application) watchConfig(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	return config.WatchQueueOverrides(ctx, path, app.logger, func(overrides map[string]config.QueueOverride) {
		if err := app.registry.ApplyOverrides(overrides); err != nil {
			app.logger.Error("rejected queue overrides", "error", err)
		}
	})
}

// close releases resources in reverse order of acquisition. Broker Close is
// idempotent, so the worker backend having closed it already is harmless.
func (app *application) close(ctx context.Context) {
	if app.backend != nil {
		if err := app.backend.Close(ctx); err != nil {
			app.logger.Error("error closing dispatch backend", "error", redact.Error(err))
		}
	}
	if app.stores.broker != nil {
		if err := app.stores.broker.Close(); err != nil {
			app.logger.Error("error closing job broker", "error", redact.Error(err))
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", redact.Error(err))
		}
	}

	if app.telemetry != nil {
		if err := app.telemetry.Shutdown(ctx); err != nil {
			app.logger.Error("error shutting down telemetry", "error", redact.Error(err))
		}
	}
}

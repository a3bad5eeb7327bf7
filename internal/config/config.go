package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Push         PushConfig         `mapstructure:"push"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	TokenHealth  TokenHealthConfig  `mapstructure:"token_health"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	OAuth        OAuthConfig        `mapstructure:"oauth"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	AdminToken      string        `mapstructure:"admin_token"      validate:"omitempty,min=16"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"     validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"    validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory stores, which is only suitable for
// local development.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"               validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"   validate:"gt=0"`
}

// Dispatch backend selectors.
const (
	BackendWorker = "worker"
	BackendPush   = "push"
)

// DispatchConfig selects and tunes the dispatch backend.
type DispatchConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=worker push"`
	// IdempotencyTTL must equal DedupWindow; Load rejects drift.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" validate:"gt=0"`
	DedupWindow    time.Duration `mapstructure:"dedup_window"    validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval"   validate:"gt=0"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
	StuckAfter     time.Duration `mapstructure:"stuck_after"     validate:"gt=0"`
	// Queues holds per-queue overrides keyed by queue name.
	Queues map[string]QueueOverride `mapstructure:"queues" validate:"dive"`
}

// QueueOverride replaces individual fields of a queue's built-in
// configuration. Nil fields keep the built-in value.
type QueueOverride struct {
	MaxAttempts             *int           `mapstructure:"max_attempts"              validate:"omitempty,gte=1"`
	MinBackoff              *time.Duration `mapstructure:"min_backoff"               validate:"omitempty,gt=0"`
	MaxBackoff              *time.Duration `mapstructure:"max_backoff"               validate:"omitempty,gt=0"`
	MaxDoublings            *int           `mapstructure:"max_doublings"             validate:"omitempty,gte=0"`
	MaxDispatchesPerSecond  *float64       `mapstructure:"max_dispatches_per_second" validate:"omitempty,gt=0"`
	MaxConcurrentDispatches *int           `mapstructure:"max_concurrent_dispatches" validate:"omitempty,gte=1"`
	WorkerConcurrency       *int           `mapstructure:"worker_concurrency"        validate:"omitempty,gte=1"`
}

// PushConfig configures the push backend: where callbacks are delivered and
// how the identity token on each callback is minted and verified.
type PushConfig struct {
	TargetBaseURL       string        `mapstructure:"target_base_url"       validate:"omitempty,url"`
	ServiceAccountEmail string        `mapstructure:"service_account_email" validate:"omitempty,email"`
	Audience            string        `mapstructure:"audience"`
	Issuer              string        `mapstructure:"issuer"`
	JWKSURL             string        `mapstructure:"jwks_url"              validate:"omitempty,url"`
	PublicKeyFile       string        `mapstructure:"public_key_file"`
	SigningKeyFile      string        `mapstructure:"signing_key_file"`
	KeyID               string        `mapstructure:"key_id"`
	TokenTTL            time.Duration `mapstructure:"token_ttl"             validate:"gt=0"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"       validate:"gt=0"`
}

// BreakerConfig tunes the per-user circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `mapstructure:"cooldown"          validate:"gt=0"`
	// TrialTimeout defaults to Cooldown when zero.
	TrialTimeout time.Duration `mapstructure:"trial_timeout" validate:"gte=0"`
}

// SchedulerConfig tunes adaptive sync intervals.
type SchedulerConfig struct {
	MinInterval        time.Duration `mapstructure:"min_interval"        validate:"gt=0"`
	MaxInterval        time.Duration `mapstructure:"max_interval"        validate:"gt=0"`
	DefaultInterval    time.Duration `mapstructure:"default_interval"    validate:"gt=0"`
	ShrinkFactor       float64       `mapstructure:"shrink_factor"       validate:"gt=0,lt=1"`
	GrowFactor         float64       `mapstructure:"grow_factor"         validate:"gt=1"`
	OnboardingWindow   time.Duration `mapstructure:"onboarding_window"   validate:"gte=0"`
	OnboardingInterval time.Duration `mapstructure:"onboarding_interval" validate:"gt=0"`
}

// TokenHealthConfig tunes credential monitoring.
type TokenHealthConfig struct {
	Lookahead          time.Duration `mapstructure:"lookahead"            validate:"gt=0"`
	ExpiringSoonWindow time.Duration `mapstructure:"expiring_soon_window" validate:"gt=0"`
	RefreshSkew        time.Duration `mapstructure:"refresh_skew"         validate:"gte=0"`
	FailureAlertRate   float64       `mapstructure:"failure_alert_rate"   validate:"gte=0,lte=1"`
	ReminderCooldown   time.Duration `mapstructure:"reminder_cooldown"    validate:"gt=0"`
}

// WebhookConfig tunes webhook subscription health checks.
type WebhookConfig struct {
	SilenceThreshold time.Duration `mapstructure:"silence_threshold"  validate:"gt=0"`
	RenewalWindow    time.Duration `mapstructure:"renewal_window"     validate:"gt=0"`
	FailureAlertRate float64       `mapstructure:"failure_alert_rate" validate:"gte=0,lte=1"`
}

// MonitoringConfig sets the queue report thresholds.
type MonitoringConfig struct {
	BacklogThreshold     int64         `mapstructure:"backlog_threshold"      validate:"gte=1"`
	SlowJobThreshold     time.Duration `mapstructure:"slow_job_threshold"     validate:"gt=0"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	MinFinishedForRate   int64         `mapstructure:"min_finished_for_rate"  validate:"gte=0"`
	StreamInterval       time.Duration `mapstructure:"stream_interval"        validate:"gt=0"`
}

// Telemetry exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// TelemetryConfig configures the OpenTelemetry meter provider.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Exporter       string        `mapstructure:"exporter"        validate:"oneof=prometheus otlp"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	ServiceName    string        `mapstructure:"service_name"    validate:"required"`
	ExportInterval time.Duration `mapstructure:"export_interval" validate:"gt=0"`
}

// OAuthConfig holds OAuth client settings keyed by integration type.
type OAuthConfig struct {
	Providers map[string]OAuthProviderConfig `mapstructure:"providers" validate:"dive"`
	// CredentialKey is the base64 encoding of the 32-byte key that seals
	// stored tokens.
	CredentialKey string `mapstructure:"credential_key" validate:"omitempty,base64"`
}

// OAuthProviderConfig is the client registration used to refresh tokens.
type OAuthProviderConfig struct {
	ClientID     string   `mapstructure:"client_id"     validate:"required"`
	ClientSecret string   `mapstructure:"client_secret" validate:"required"`
	TokenURL     string   `mapstructure:"token_url"     validate:"required,url"`
	Scopes       []string `mapstructure:"scopes"`
}

// CollaboratorConfig points at the HTTP services that own sync payloads,
// webhook registration, notifications and suggestions.
type CollaboratorConfig struct {
	SyncBaseURL       string        `mapstructure:"sync_base_url"       validate:"omitempty,url"`
	RegistrarBaseURL  string        `mapstructure:"registrar_base_url"  validate:"omitempty,url"`
	NotifierBaseURL   string        `mapstructure:"notifier_base_url"   validate:"omitempty,url"`
	SuggestionBaseURL string        `mapstructure:"suggestion_base_url" validate:"omitempty,url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"             validate:"gt=0"`
}

package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "SYNCWARDEN"

// ConfigPathEnv names the environment variable consulted when Load is called
// with an empty path.
const ConfigPathEnv = EnvPrefix + "_CONFIG"

// CredentialKeySize is the decoded length of oauth.credential_key.
const CredentialKeySize = 32

// ErrValidation is wrapped by every error Load returns for a configuration
// that was read successfully but is not acceptable.
var ErrValidation = errors.New("validation failed")

var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.admin_token":      "",
	"server.read_timeout":     15 * time.Second,
	"server.write_timeout":    30 * time.Second,
	"server.shutdown_timeout": 30 * time.Second,

	"database.url":               "",
	"database.max_open_conns":    20,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": 30 * time.Minute,
	"database.connect_timeout":   30 * time.Second,

	"dispatch.backend":         BackendWorker,
	"dispatch.idempotency_ttl": 24 * time.Hour,
	"dispatch.dedup_window":    24 * time.Hour,
	"dispatch.poll_interval":   time.Second,
	"dispatch.attempt_timeout": 10 * time.Minute,
	"dispatch.stuck_after":     30 * time.Minute,

	"push.target_base_url":       "",
	"push.service_account_email": "",
	"push.audience":              "",
	"push.issuer":                "",
	"push.jwks_url":              "",
	"push.public_key_file":       "",
	"push.signing_key_file":      "",
	"push.key_id":                "",
	"push.token_ttl":             time.Hour,
	"push.request_timeout":       10 * time.Minute,

	"breaker.failure_threshold": 5,
	"breaker.cooldown":          30 * time.Minute,
	"breaker.trial_timeout":     time.Duration(0),

	"scheduler.min_interval":        time.Hour,
	"scheduler.max_interval":        24 * time.Hour,
	"scheduler.default_interval":    4 * time.Hour,
	"scheduler.shrink_factor":       0.5,
	"scheduler.grow_factor":         1.5,
	"scheduler.onboarding_window":   72 * time.Hour,
	"scheduler.onboarding_interval": time.Hour,

	"token_health.lookahead":            time.Hour,
	"token_health.expiring_soon_window": 24 * time.Hour,
	"token_health.refresh_skew":         5 * time.Minute,
	"token_health.failure_alert_rate":   0.10,
	"token_health.reminder_cooldown":    24 * time.Hour,

	"webhook.silence_threshold":  48 * time.Hour,
	"webhook.renewal_window":     24 * time.Hour,
	"webhook.failure_alert_rate": 0.20,

	"monitoring.backlog_threshold":      1000,
	"monitoring.slow_job_threshold":     5 * time.Minute,
	"monitoring.failure_rate_threshold": 0.10,
	"monitoring.min_finished_for_rate":  10,
	"monitoring.stream_interval":        10 * time.Second,

	"telemetry.enabled":         true,
	"telemetry.exporter":        ExporterPrometheus,
	"telemetry.otlp_endpoint":   "",
	"telemetry.service_name":    "syncwarden",
	"telemetry.export_interval": 30 * time.Second,

	"oauth.credential_key": "",

	"collaborator.sync_base_url":       "",
	"collaborator.registrar_base_url":  "",
	"collaborator.notifier_base_url":   "",
	"collaborator.suggestion_base_url": "",
	"collaborator.api_key":             "",
	"collaborator.timeout":             30 * time.Second,
}

// Load reads configuration from built-in defaults, an optional YAML file and
// SYNCWARDEN_ environment variables, in increasing order of precedence.
// When path is empty the SYNCWARDEN_CONFIG variable is consulted; when both
// are empty no file is read. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Validate applies the struct tag rules and the cross-field rules that tags
// cannot express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var problems []string

	if cfg.Dispatch.IdempotencyTTL != cfg.Dispatch.DedupWindow {
		problems = append(problems, fmt.Sprintf(
			"dispatch.idempotency_ttl (%s) must equal dispatch.dedup_window (%s)",
			cfg.Dispatch.IdempotencyTTL, cfg.Dispatch.DedupWindow))
	}

	if cfg.Dispatch.Backend == BackendPush {
		p := cfg.Push
		if p.TargetBaseURL == "" {
			problems = append(problems, "push.target_base_url is required for the push backend")
		}
		if p.ServiceAccountEmail == "" {
			problems = append(problems, "push.service_account_email is required for the push backend")
		}
		if p.Audience == "" {
			problems = append(problems, "push.audience is required for the push backend")
		}
		if p.JWKSURL == "" && p.PublicKeyFile == "" {
			problems = append(problems, "push.jwks_url or push.public_key_file is required for the push backend")
		}
	}

	s := cfg.Scheduler
	if s.MinInterval > s.MaxInterval {
		problems = append(problems, "scheduler.min_interval must not exceed scheduler.max_interval")
	}
	if s.DefaultInterval < s.MinInterval || s.DefaultInterval > s.MaxInterval {
		problems = append(problems, "scheduler.default_interval must lie within [min_interval, max_interval]")
	}

	for name := range cfg.OAuth.Providers {
		if _, err := domain.ParseIntegrationType(name); err != nil {
			problems = append(problems, fmt.Sprintf("oauth.providers: unknown integration %q", name))
		}
	}

	if k := cfg.OAuth.CredentialKey; k != "" {
		if raw, err := base64.StdEncoding.DecodeString(k); err == nil && len(raw) != CredentialKeySize {
			problems = append(problems, fmt.Sprintf("oauth.credential_key must decode to %d bytes", CredentialKeySize))
		}
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Exporter == ExporterOTLP && cfg.Telemetry.OTLPEndpoint == "" {
		problems = append(problems, "telemetry.otlp_endpoint is required for the otlp exporter")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveTrialTimeout returns the breaker trial timeout, defaulting to the
// cooldown.
func (b BreakerConfig) EffectiveTrialTimeout() time.Duration {
	if b.TrialTimeout > 0 {
		return b.TrialTimeout
	}
	return b.Cooldown
}

// Package breaker implements the per-(user, integration) circuit breaker
// consulted before every third-party sync call.
//
// A key starts closed. Reaching FailureThreshold consecutive failures opens
// it; once Cooldown has elapsed the next AllowRequest moves it to half-open
// and permits a single trial. The trial's outcome closes the breaker
// (resetting the failure count) or reopens it. State transitions are written
// with an optimistic version check so that concurrent callers across
// processes agree on which of them runs the trial.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/store"
)

// maxCASRetries bounds re-reads after losing an optimistic write.
const maxCASRetries = 5

// Config tunes the breaker.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	// TrialTimeout is how long a half-open trial may go unreported before
	// another caller may take over the trial. Defaults to Cooldown.
	TrialTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Minute, TrialTimeout: 30 * time.Minute}
}

// TransitionRecorder observes state changes.
type TransitionRecorder interface {
	RecordBreakerTransition(ctx context.Context, integration domain.IntegrationType, from, to domain.CircuitState)
}

// Registry is the breaker for every key. It holds no per-key state in
// memory; everything lives in the Store.
type Registry struct {
	store    Store
	config   Config
	recorder TransitionRecorder
	logger   *slog.Logger
	timeFunc func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.timeFunc = fn }
}

// WithTransitionRecorder attaches a transition recorder.
func WithTransitionRecorder(rec TransitionRecorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// NewRegistry creates a Registry.
func NewRegistry(s Store, cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = cfg.Cooldown
	}
	r := &Registry{
		store:    s,
		config:   cfg,
		logger:   logger.With("component", "circuit_breaker"),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) load(ctx context.Context, key domain.Key) (domain.CircuitBreakerState, error) {
	st, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return *domain.NewClosedBreaker(key), nil
	}
	return st, err
}

// AllowRequest reports whether a third-party call may be made for the key.
// It performs the open to half-open transition when the cooldown has
// elapsed, granting the trial to exactly one caller. When the state store is
// unavailable the request is allowed.
func (r *Registry) AllowRequest(ctx context.Context, userID string, integration domain.IntegrationType) (bool, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return false, err
	}
	log := r.logger.With("user_id", userID, "integration", string(integration))

	for i := 0; i < maxCASRetries; i++ {
		st, err := r.load(ctx, key)
		if err != nil {
			log.WarnContext(ctx, "breaker state unavailable, allowing request", "error", redact.Error(err))
			return true, nil
		}

		now := r.timeFunc()
		switch st.State {
		case domain.CircuitOpen:
			if st.OpenedAt != nil && now.Sub(*st.OpenedAt) < r.config.Cooldown {
				return false, nil
			}
		case domain.CircuitHalfOpen:
			// A nil TrialStartedAt means the last trial was released unused.
			if st.TrialStartedAt != nil {
				if now.Sub(*st.TrialStartedAt) < r.config.TrialTimeout {
					return false, nil
				}
				log.WarnContext(ctx, "half-open trial never reported, granting a new trial")
			}
		default:
			return true, nil
		}

		next := st
		next.State = domain.CircuitHalfOpen
		next.TrialStartedAt = &now
		next.UpdatedAt = now
		next.Version = st.Version + 1

		err = r.store.CompareAndSwap(ctx, next, st.Version)
		switch {
		case err == nil:
			if st.State != next.State {
				r.transition(ctx, key, st.State, next.State)
			}
			return true, nil
		case errors.Is(err, store.ErrConflict):
			continue
		default:
			log.WarnContext(ctx, "failed to persist half-open transition, allowing request",
				"error", redact.Error(err))
			return true, nil
		}
	}
	return false, nil
}

// ReportOutcome records the result of a third-party call. reason is kept as
// the last failure reason when success is false.
func (r *Registry) ReportOutcome(
	ctx context.Context,
	userID string,
	integration domain.IntegrationType,
	success bool,
	reason string,
) error {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		st, err := r.load(ctx, key)
		if err != nil {
			return fmt.Errorf("load breaker state: %w", err)
		}
		if success && st.State == domain.CircuitClosed && st.FailureCount == 0 {
			return nil
		}

		now := r.timeFunc()
		next := r.apply(st, success, reason, now)
		next.UpdatedAt = now
		next.Version = st.Version + 1

		err = r.store.CompareAndSwap(ctx, next, st.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save breaker state: %w", err)
		}
		if next.State != st.State {
			r.transition(ctx, key, st.State, next.State)
		}
		return nil
	}
	return fmt.Errorf("report outcome for %s: %w", key, store.ErrConflict)
}

// ReleaseTrial gives back a half-open trial that ended without reaching the
// provider, so the next caller may run it. It is a no-op in any other state.
func (r *Registry) ReleaseTrial(ctx context.Context, userID string, integration domain.IntegrationType) error {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return err
	}
	for i := 0; i < maxCASRetries; i++ {
		st, err := r.load(ctx, key)
		if err != nil {
			return fmt.Errorf("load breaker state: %w", err)
		}
		if st.State != domain.CircuitHalfOpen || st.TrialStartedAt == nil {
			return nil
		}
		next := st
		next.TrialStartedAt = nil
		next.UpdatedAt = r.timeFunc()
		next.Version = st.Version + 1
		err = r.store.CompareAndSwap(ctx, next, st.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("release trial: %w", err)
		}
		return nil
	}
	return fmt.Errorf("release trial for %s: %w", key, store.ErrConflict)
}

// apply computes the state following an outcome.
func (r *Registry) apply(st domain.CircuitBreakerState, success bool, reason string, now time.Time) domain.CircuitBreakerState {
	next := st
	if success {
		next.State = domain.CircuitClosed
		next.FailureCount = 0
		next.LastFailureReason = ""
		next.OpenedAt = nil
		next.TrialStartedAt = nil
		return next
	}

	next.FailureCount = st.FailureCount + 1
	next.LastFailureReason = redact.String(reason)
	next.TrialStartedAt = nil
	switch st.State {
	case domain.CircuitHalfOpen, domain.CircuitOpen:
		next.State = domain.CircuitOpen
		next.OpenedAt = &now
	default:
		if next.FailureCount >= r.config.FailureThreshold {
			next.State = domain.CircuitOpen
			next.OpenedAt = &now
		}
	}
	return next
}

// Reset closes the breaker for the key regardless of its state.
func (r *Registry) Reset(ctx context.Context, userID string, integration domain.IntegrationType) error {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return err
	}
	for i := 0; i < maxCASRetries; i++ {
		st, err := r.load(ctx, key)
		if err != nil {
			return fmt.Errorf("load breaker state: %w", err)
		}
		next := *domain.NewClosedBreaker(key)
		next.UpdatedAt = r.timeFunc()
		next.Version = st.Version + 1
		err = r.store.CompareAndSwap(ctx, next, st.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reset breaker: %w", err)
		}
		if st.State != domain.CircuitClosed {
			r.transition(ctx, key, st.State, domain.CircuitClosed)
		}
		r.logger.InfoContext(ctx, "circuit breaker reset", "user_id", userID, "integration", string(integration))
		return nil
	}
	return fmt.Errorf("reset breaker for %s: %w", key, store.ErrConflict)
}

// State returns the current state of the key.
func (r *Registry) State(ctx context.Context, userID string, integration domain.IntegrationType) (domain.CircuitBreakerState, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return domain.CircuitBreakerState{}, err
	}
	return r.load(ctx, key)
}

// ListOpen returns every breaker that is open or half-open.
func (r *Registry) ListOpen(ctx context.Context) ([]domain.CircuitBreakerState, error) {
	return r.store.ListByStates(ctx, domain.CircuitOpen, domain.CircuitHalfOpen)
}

func (r *Registry) transition(ctx context.Context, key domain.Key, from, to domain.CircuitState) {
	level := slog.LevelInfo
	if to == domain.CircuitOpen {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "circuit breaker transition",
		"user_id", key.UserID,
		"integration", string(key.Integration),
		"from", string(from),
		"to", string(to))
	if r.recorder != nil {
		r.recorder.RecordBreakerTransition(ctx, key.Integration, from, to)
	}
}

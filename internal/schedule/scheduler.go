// Package schedule decides when each user's integration is next due for a
// sync and adapts that interval to how often the user's data changes.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/store"
)

// Config bounds the adaptive interval.
type Config struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	DefaultInterval    time.Duration
	ShrinkFactor       float64
	GrowFactor         float64
	OnboardingWindow   time.Duration
	OnboardingInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:        time.Hour,
		MaxInterval:        24 * time.Hour,
		DefaultInterval:    4 * time.Hour,
		ShrinkFactor:       0.5,
		GrowFactor:         1.5,
		OnboardingWindow:   72 * time.Hour,
		OnboardingInterval: time.Hour,
	}
}

// Scheduler is the adaptive sync scheduler.
type Scheduler struct {
	store    Store
	config   Config
	logger   *slog.Logger
	timeFunc func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.timeFunc = fn }
}

// New creates a Scheduler.
func New(s Store, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	sch := &Scheduler{
		store:    s,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		timeFunc: time.Now,
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// GetUsersDueForSync lists users of the integration that should sync now.
func (s *Scheduler) GetUsersDueForSync(ctx context.Context, integration domain.IntegrationType) ([]string, error) {
	if !integration.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownIntegration, integration)
	}
	users, err := s.store.ListDue(ctx, integration, s.timeFunc())
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	return users, nil
}

// IsDue reports whether one key should sync now. A key with no schedule
// record has never synced and is always due.
func (s *Scheduler) IsDue(ctx context.Context, userID string, integration domain.IntegrationType) (bool, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return false, err
	}
	rec, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load schedule: %w", err)
	}
	return rec.Due(s.timeFunc()), nil
}

// RecordSync adjusts the interval after a completed sync and returns the
// updated record. A detected change shrinks the interval toward the floor;
// no change grows it toward the ceiling.
func (s *Scheduler) RecordSync(ctx context.Context, userID string, integration domain.IntegrationType, changeDetected bool) (domain.SyncScheduleRecord, error) {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return domain.SyncScheduleRecord{}, err
	}
	rec, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = domain.SyncScheduleRecord{Key: key, CurrentIntervalHours: s.config.DefaultInterval.Hours()}
	case err != nil:
		return domain.SyncScheduleRecord{}, fmt.Errorf("load schedule: %w", err)
	}

	now := s.timeFunc()
	interval := rec.Interval()
	if interval <= 0 {
		interval = s.config.DefaultInterval
	}
	if changeDetected {
		interval = s.clamp(time.Duration(float64(interval) * s.config.ShrinkFactor))
		rec.LastChangeDetectedAt = &now
	} else {
		interval = s.clamp(time.Duration(float64(interval) * s.config.GrowFactor))
	}

	rec.LastSyncAt = &now
	rec.CurrentIntervalHours = interval.Hours()
	next := interval
	if rec.Onboarding(now) {
		next = min(interval, s.config.OnboardingInterval)
	}
	rec.NextDueAt = now.Add(next)
	rec.UpdatedAt = now

	if err := s.store.Upsert(ctx, rec); err != nil {
		return domain.SyncScheduleRecord{}, fmt.Errorf("save schedule: %w", err)
	}
	s.logger.DebugContext(ctx, "sync schedule updated",
		"user_id", userID,
		"integration", string(integration),
		"change_detected", changeDetected,
		"interval_hours", rec.CurrentIntervalHours,
		"next_due_at", rec.NextDueAt)
	return rec, nil
}

// StartOnboarding opens the onboarding window for a newly connected key and
// makes it due immediately. Existing interval history is kept.
func (s *Scheduler) StartOnboarding(ctx context.Context, userID string, integration domain.IntegrationType) error {
	key, err := domain.NewKey(userID, integration)
	if err != nil {
		return err
	}
	rec, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = domain.SyncScheduleRecord{Key: key, CurrentIntervalHours: s.config.DefaultInterval.Hours()}
	case err != nil:
		return fmt.Errorf("load schedule: %w", err)
	}
	now := s.timeFunc()
	until := now.Add(s.config.OnboardingWindow)
	rec.OnboardingUntil = &until
	rec.NextDueAt = now
	rec.UpdatedAt = now
	if err := s.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	return max(s.config.MinInterval, min(s.config.MaxInterval, d))
}

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncResultKind is the outcome recorded for a sync job.
type SyncResultKind string

// Sync outcomes
const (
	SyncSuccess SyncResultKind = "success"
	SyncFailure SyncResultKind = "failure"
	SyncSkipped SyncResultKind = "skipped"
)

// SkipReason explains why a sync job performed no work. Skips are guard
// decisions, never errors, and are never retried.
type SkipReason string

// Skip reasons
const (
	SkipNone               SkipReason = ""
	SkipCircuitBreakerOpen SkipReason = "circuit_breaker_open"
	SkipInvalidToken       SkipReason = "invalid_token"
	SkipNotDue             SkipReason = "not_due"
)

// SyncType distinguishes what triggered a sync.
type SyncType string

// Sync types
const (
	SyncTypeScheduled SyncType = "scheduled"
	SyncTypeManual    SyncType = "manual"
	SyncTypeWebhook   SyncType = "webhook"
	SyncTypeInitial   SyncType = "initial"
)

// SyncMetric is an immutable audit record of one sync attempt. Stores only
// ever insert these rows.
type SyncMetric struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Integration   IntegrationType `json:"integration_type"`
	SyncType      SyncType        `json:"sync_type"`
	Result        SyncResultKind  `json:"result"`
	SkipReason    SkipReason      `json:"skip_reason,omitempty"`
	APICallsMade  int             `json:"api_calls_made"`
	APICallsSaved int             `json:"api_calls_saved"`
	DurationMs    int64           `json:"duration_ms"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the metric before it is appended.
func (m *SyncMetric) Validate() error {
	if m.UserID == "" {
		return ErrEmptyUserID
	}
	switch m.Result {
	case SyncSuccess, SyncFailure:
		if m.SkipReason != SkipNone {
			return fmt.Errorf("%w: skip reason set on %s result", ErrValidation, m.Result)
		}
	case SyncSkipped:
		if m.SkipReason == SkipNone {
			return fmt.Errorf("%w: skipped result without reason", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSyncResult, m.Result)
	}
	return nil
}

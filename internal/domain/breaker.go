package domain

import "time"

// CircuitState is the state of a per-(user, integration) circuit breaker.
type CircuitState string

// Circuit breaker states
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is the persisted breaker row for one Key.
//
// Version is an optimistic concurrency token. Stores reject a save whose
// Version does not match the stored row, which is how exactly one caller
// wins the open -> half_open transition.
type CircuitBreakerState struct {
	Key
	State             CircuitState `json:"state"`
	FailureCount      int          `json:"failure_count"`
	LastFailureReason string       `json:"last_failure_reason,omitempty"`
	OpenedAt          *time.Time   `json:"opened_at,omitempty"`
	TrialStartedAt    *time.Time   `json:"trial_started_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Version           int64        `json:"version"`
}

// NewClosedBreaker returns the implicit state of a key that has never failed.
func NewClosedBreaker(k Key) *CircuitBreakerState {
	return &CircuitBreakerState{Key: k, State: CircuitClosed}
}

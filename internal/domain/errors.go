package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrEmptyUserID is returned when a record has no user ID.
	ErrEmptyUserID = errors.New("user ID cannot be empty")

	// ErrUnknownIntegration is returned for an integration type outside the known set.
	ErrUnknownIntegration = errors.New("unknown integration type")

	// ErrInvalidSyncResult is returned when a metric carries an unknown result.
	ErrInvalidSyncResult = errors.New("invalid sync result")
)

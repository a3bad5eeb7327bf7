package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/connection"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/store"
	"github.com/phrazzld/syncwarden/internal/webhook"
)

// Request errors raised by the handlers in this package.
var (
	// ErrInvalidEnvelope is returned when a callback body fails schema validation.
	ErrInvalidEnvelope = errors.New("invalid job envelope")

	// ErrJobNameMismatch is returned when the path and body name different jobs.
	ErrJobNameMismatch = errors.New("job name in path does not match body")
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking their types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, webhook.ErrInvalidChannelToken):
		return http.StatusUnauthorized

	case errors.Is(err, queue.ErrUnknownQueue),
		errors.Is(err, queue.ErrUnknownJob),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict

	case errors.Is(err, ErrInvalidEnvelope),
		errors.Is(err, ErrJobNameMismatch),
		errors.Is(err, queue.ErrInvalidSchedule),
		errors.Is(err, domain.ErrUnknownIntegration),
		errors.Is(err, domain.ErrEmptyUserID),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, connection.ErrMissingGrant):
		return http.StatusBadRequest

	case errors.Is(err, queue.ErrBackendClosed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-safe message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, webhook.ErrInvalidChannelToken):
		return "Invalid channel token"
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrUnknownJob):
		return "Unknown job"
	case errors.Is(err, store.ErrSubscriptionNotFound):
		return "Unknown channel"
	case errors.Is(err, store.ErrNotFound):
		return "Resource not found"
	case errors.Is(err, store.ErrConflict):
		return "Concurrent modification, retry the request"
	case errors.Is(err, ErrInvalidEnvelope):
		return "Invalid job envelope"
	case errors.Is(err, ErrJobNameMismatch):
		return "Job name in path does not match body"
	case errors.Is(err, queue.ErrInvalidSchedule):
		return "Invalid schedule time"
	case errors.Is(err, domain.ErrUnknownIntegration):
		return "Unknown integration"
	case errors.Is(err, domain.ErrEmptyUserID):
		return "User ID is required"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalidEntity):
		return "Validation failed"
	case errors.Is(err, connection.ErrMissingGrant):
		return "Access and refresh tokens are required"
	case errors.Is(err, queue.ErrBackendClosed):
		return "Service is shutting down"
	}

	switch MapErrorToStatusCode(err) {
	case http.StatusNotFound:
		return "Resource not found"
	case http.StatusBadRequest:
		return "Invalid request"
	default:
		return "An unexpected error occurred"
	}
}

// handleAPIError writes the mapped status and safe message for err.
func handleAPIError(w http.ResponseWriter, r *http.Request, err error, fallbackMsg string) {
	status := MapErrorToStatusCode(err)
	msg := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallbackMsg != "" {
		msg = fallbackMsg
	}
	shared.RespondWithErrorAndLog(w, r, status, msg, err)
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/phrazzld/syncwarden/internal/connection"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/store"
	"github.com/phrazzld/syncwarden/internal/webhook"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"channel token", webhook.ErrInvalidChannelToken, http.StatusUnauthorized, "Invalid channel token"},
		{"unknown queue", fmt.Errorf("%w: %q", queue.ErrUnknownQueue, "x"), http.StatusNotFound, "Unknown job"},
		{"no handler", queue.ErrUnknownJob, http.StatusNotFound, "Unknown job"},
		{"missing subscription", store.ErrSubscriptionNotFound, http.StatusNotFound, "Unknown channel"},
		{"conflict", fmt.Errorf("reset: %w", store.ErrConflict), http.StatusConflict, "Concurrent modification, retry the request"},
		{"bad envelope", fmt.Errorf("%w: eof", ErrInvalidEnvelope), http.StatusBadRequest, "Invalid job envelope"},
		{"bad integration", domain.ErrUnknownIntegration, http.StatusBadRequest, "Unknown integration"},
		{"bad schedule", queue.ErrInvalidSchedule, http.StatusBadRequest, "Invalid schedule time"},
		{"missing grant", connection.ErrMissingGrant, http.StatusBadRequest, "Access and refresh tokens are required"},
		{"closed backend", queue.ErrBackendClosed, http.StatusServiceUnavailable, "Service is shutting down"},
		{"anything else", errors.New("pq: relation \"secrets\" does not exist"), http.StatusInternalServerError, "An unexpected error occurred"},
		{"nil", nil, http.StatusInternalServerError, "An unexpected error occurred"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantStatus, MapErrorToStatusCode(tc.err))
			assert.Equal(t, tc.wantMsg, GetSafeErrorMessage(tc.err))
		})
	}
}

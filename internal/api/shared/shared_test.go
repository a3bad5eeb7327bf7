package shared

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	ctx := SetTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.Len(t, id, TraceIDLength*2)
	assert.NotEqual(t, id, GetTraceID(SetTraceID(context.Background())))
	assert.Empty(t, GetTraceID(context.Background()))
}

func TestCallerIdentity(t *testing.T) {
	_, ok := GetCallerIdentity(context.Background())
	assert.False(t, ok)

	email, ok := GetCallerIdentity(SetCallerIdentity(context.Background(), "dispatcher@example.iam"))
	assert.True(t, ok)
	assert.Equal(t, "dispatcher@example.iam", email)
}

func TestRespondWithErrorAndLog_RedactsLogsOnly(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := httptest.NewRequest(http.MethodPost, "/api/jobs/calendar-sync", nil)
	r = r.WithContext(logger.WithLogger(SetTraceID(r.Context()), log))
	w := httptest.NewRecorder()

	RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Job failed",
		assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Job failed", body.Error)
	assert.Equal(t, GetTraceID(r.Context()), body.TraceID)
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name" validate:"required"`
	}
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"x"}`, false},
		{"malformed", `{"name":`, true},
		{"trailing data", `{"name":"x"} {"name":"y"}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var p payload
			err := DecodeJSON(r, &p)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, ValidateRequest(p))
		})
	}
	assert.Error(t, ValidateRequest(payload{}))
}

func TestReadBody_Limit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", MaxBodyBytes+1)))
	_, err := ReadBody(r)
	assert.Error(t, err)
}

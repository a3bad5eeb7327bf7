package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/idempotency"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/queue/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobsFixture struct {
	router http.Handler
	calls  atomic.Int32
	err    error
}

func newJobsFixture(t *testing.T, handlerErr error) *jobsFixture {
	t.Helper()
	f := &jobsFixture{err: handlerErr}

	registry := queue.NewHandlerRegistry()
	registry.Register(queue.CalendarSync, func(_ context.Context, job queue.Job) (any, error) {
		f.calls.Add(1)
		if f.err != nil {
			return nil, f.err
		}
		var payload map[string]any
		if err := job.Decode(&payload); err != nil {
			return nil, queue.Permanent(err)
		}
		return map[string]any{"user": payload["userId"], "attempt": job.Attempt}, nil
	})

	store := idempotency.NewMemoryStore(nil)
	guard := idempotency.NewGuard(store, 24*time.Hour, testLogger())
	executor := queue.NewExecutor(registry, guard, testLogger())

	h, err := NewJobsHandler(executor)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Post("/api/jobs/{jobName}", h.HandleJob)
	f.router = r
	return f
}

func envelope(jobName, key string) string {
	return fmt.Sprintf(`{"data":{"userId":"user-1"},"idempotencyKey":%q,"jobName":%q}`, key, jobName)
}

func TestJobsHandler_CompletesThenReplaysDuplicate(t *testing.T) {
	t.Parallel()
	f := newJobsFixture(t, nil)
	headers := map[string]string{push.HeaderTaskName: "calendar-sync-user-1", push.HeaderAttempt: "2"}

	w := doRequest(t, f.router, http.MethodPost, "/api/jobs/calendar-sync", envelope("calendar-sync", "k-1"), headers)
	require.Equal(t, http.StatusOK, w.Code)
	var first JobResponse
	decodeBody(t, w, &first)
	assert.Equal(t, JobStatusCompleted, first.Status)
	assert.Equal(t, map[string]any{"user": "user-1", "attempt": float64(2)}, first.Result)

	w = doRequest(t, f.router, http.MethodPost, "/api/jobs/calendar-sync", envelope("calendar-sync", "k-1"), headers)
	require.Equal(t, http.StatusOK, w.Code)
	var second JobResponse
	decodeBody(t, w, &second)
	assert.Equal(t, JobStatusDuplicate, second.Status)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, int32(1), f.calls.Load(), "duplicate delivery must not invoke the handler")
}

func TestJobsHandler_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{"unknown job name", "/api/jobs/not-a-queue", envelope("not-a-queue", "k"), http.StatusNotFound},
		{"known queue without handler", "/api/jobs/contacts-sync", envelope("contacts-sync", "k"), http.StatusNotFound},
		{"path and body disagree", "/api/jobs/calendar-sync", envelope("contacts-sync", "k"), http.StatusBadRequest},
		{"malformed json", "/api/jobs/calendar-sync", `{"data":`, http.StatusBadRequest},
		{"missing idempotency key", "/api/jobs/calendar-sync", `{"data":{},"jobName":"calendar-sync"}`, http.StatusBadRequest},
		{"empty idempotency key", "/api/jobs/calendar-sync", envelope("calendar-sync", ""), http.StatusBadRequest},
		{"data not an object", "/api/jobs/calendar-sync", `{"data":"x","idempotencyKey":"k","jobName":"calendar-sync"}`, http.StatusBadRequest},
		{"unexpected field", "/api/jobs/calendar-sync", `{"data":{},"idempotencyKey":"k","jobName":"calendar-sync","extra":1}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newJobsFixture(t, nil)
			w := doRequest(t, f.router, http.MethodPost, tc.path, tc.body, nil)
			assert.Equal(t, tc.wantStatus, w.Code)
			var body shared.ErrorResponse
			decodeBody(t, w, &body)
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, int32(0), f.calls.Load())
		})
	}
}

func TestJobsHandler_FailureClasses(t *testing.T) {
	t.Parallel()

	t.Run("permanent failure is acknowledged so it is not retried", func(t *testing.T) {
		f := newJobsFixture(t, queue.Permanent(errors.New("user deleted")))
		w := doRequest(t, f.router, http.MethodPost, "/api/jobs/calendar-sync", envelope("calendar-sync", "k-p"), nil)
		assert.Equal(t, http.StatusOK, w.Code)
		var body JobResponse
		decodeBody(t, w, &body)
		assert.Equal(t, JobStatusRejected, body.Status)
		assert.NotContains(t, body.Error, "user deleted")
	})

	t.Run("transient failure answers 500 and is not marked processed", func(t *testing.T) {
		f := newJobsFixture(t, errors.New("provider timeout"))
		w := doRequest(t, f.router, http.MethodPost, "/api/jobs/calendar-sync", envelope("calendar-sync", "k-t"), nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "provider timeout")

		f.err = nil
		w = doRequest(t, f.router, http.MethodPost, "/api/jobs/calendar-sync", envelope("calendar-sync", "k-t"), nil)
		var body JobResponse
		decodeBody(t, w, &body)
		assert.Equal(t, JobStatusCompleted, body.Status)
		assert.Equal(t, int32(2), f.calls.Load())
	})
}

func TestJobsHandler_DefaultsJobIdentity(t *testing.T) {
	t.Parallel()

	var seen queue.Job
	exec := executorFunc(func(_ context.Context, job queue.Job) (queue.Outcome, error) {
		seen = job
		return queue.Outcome{Result: json.RawMessage(`{}`)}, nil
	})
	h, err := NewJobsHandler(exec)
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Post("/api/jobs/{jobName}", h.HandleJob)

	w := doRequest(t, r, http.MethodPost, "/api/jobs/calendar-sync", envelope("calendar-sync", "k-9"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "k-9", seen.ID)
	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, queue.CalendarSync, seen.Queue)
	assert.JSONEq(t, `{"userId":"user-1"}`, string(seen.Payload))
}

type executorFunc func(ctx context.Context, job queue.Job) (queue.Outcome, error)

func (f executorFunc) Execute(ctx context.Context, job queue.Job) (queue.Outcome, error) {
	return f(ctx, job)
}

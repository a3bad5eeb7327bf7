package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/syncwarden/internal/connection"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/monitoring"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type enqueued struct {
	Queue   queue.QueueName
	Payload any
	Opts    queue.Options
}

// MockBackend records enqueued jobs.
type MockBackend struct {
	mu    sync.Mutex
	Jobs  []enqueued
	Err   error
	Dedup bool
}

func (b *MockBackend) Enqueue(_ context.Context, q queue.QueueName, payload any, opts queue.Options) (queue.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return queue.JobHandle{}, b.Err
	}
	b.Jobs = append(b.Jobs, enqueued{Queue: q, Payload: payload, Opts: opts})
	id := opts.JobID
	if id == "" {
		id = "job-generated"
	}
	return queue.JobHandle{ID: id, Queue: q, Deduplicated: b.Dedup}, nil
}

func (b *MockBackend) Close(context.Context) error { return nil }

func (b *MockBackend) Enqueued() []enqueued {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]enqueued(nil), b.Jobs...)
}

// MockReports returns canned reports.
type MockReports struct {
	mu          sync.Mutex
	ReportErr   error
	Calls       int
	HealthSince time.Time
}

func (m *MockReports) Report(_ context.Context) (monitoring.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.ReportErr != nil {
		return monitoring.Report{}, m.ReportErr
	}
	return monitoring.Report{
		GeneratedAt: testNow,
		Queues: []monitoring.QueueReport{
			{Queue: queue.CalendarSync, Counts: queue.Counts{Waiting: 3}},
		},
	}, nil
}

func (m *MockReports) SyncHealthReport(_ context.Context, since time.Time) (monitoring.SyncHealthReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthSince = since
	return monitoring.SyncHealthReport{Since: since, GeneratedAt: testNow}, nil
}

// MockConnector records connect calls.
type MockConnector struct {
	mu     sync.Mutex
	Grants []connection.Grant
	Err    error
}

func (m *MockConnector) Connect(_ context.Context, userID string, integration domain.IntegrationType, g connection.Grant) (connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return connection.Connection{}, m.Err
	}
	m.Grants = append(m.Grants, g)
	return connection.Connection{
		UserID:      userID,
		Integration: integration,
		Webhook:     domain.WebhookSubscription{ChannelID: "chan-" + userID},
		FirstSync:   queue.JobHandle{ID: "calendar-sync-" + userID},
	}, nil
}

// MockFailedJobs serves a fixed dead-letter list.
type MockFailedJobs struct {
	mu        sync.Mutex
	Jobs      []queue.Job
	LastQueue queue.QueueName
	LastLimit int
}

func (m *MockFailedJobs) FailedJobs(_ context.Context, q queue.QueueName, limit int) ([]queue.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastQueue, m.LastLimit = q, limit
	if len(m.Jobs) > limit {
		return m.Jobs[:limit], nil
	}
	return m.Jobs, nil
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

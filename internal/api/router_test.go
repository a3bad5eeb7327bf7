package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/syncwarden/internal/api/middleware"
	"github.com/phrazzld/syncwarden/internal/breaker"
	"github.com/phrazzld/syncwarden/internal/connection"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
	"github.com/phrazzld/syncwarden/internal/monitoring"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/phrazzld/syncwarden/internal/queue/push"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const adminToken = "admin-token-0123456789"

type routerFixture struct {
	handler   http.Handler
	backend   *MockBackend
	reports   *MockReports
	breakers  *breaker.Registry
	connector *MockConnector
	failed    *MockFailedJobs
	signer    *push.Signer
	ready     error
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	static, err := middleware.NewStaticKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)

	f := &routerFixture{
		backend:   &MockBackend{},
		reports:   &MockReports{},
		breakers:  breaker.NewRegistry(breaker.NewMemoryStore(), breaker.DefaultConfig(), testLogger()),
		connector: &MockConnector{},
		failed:    &MockFailedJobs{},
		signer: push.NewSigner(key, push.SignerConfig{
			Issuer:   "dispatcher",
			Audience: "syncwarden",
			Email:    "dispatcher@syncwarden.iam",
		}),
	}

	registry := queue.NewHandlerRegistry()
	registry.Register(queue.TokenRefresh, func(context.Context, queue.Job) (any, error) {
		return map[string]int{"refreshed": 1}, nil
	})
	jobsHandler, err := NewJobsHandler(queue.NewExecutor(registry, nil, testLogger()))
	require.NoError(t, err)

	admin := NewAdminHandler(f.reports, f.breakers, f.backend, 20*time.Millisecond).
		WithConnector(f.connector).
		WithFailedJobs(f.failed)
	admin.timeFunc = func() time.Time { return testNow }

	f.handler = NewRouter(RouterConfig{
		Logger:       testLogger(),
		Jobs:         jobsHandler,
		IdentityKeys: static,
		Identity: middleware.IdentityConfig{
			Audience: "syncwarden",
			Issuer:   "dispatcher",
			Email:    "dispatcher@syncwarden.iam",
		},
		Webhooks:   NewWebhookHandler(&MockRecorder{}, f.backend),
		Admin:      admin,
		AdminToken: adminToken,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("syncwarden_jobs_total 1\n"))
		}),
		Ready: func(context.Context) error { return f.ready },
	})
	return f
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + adminToken}
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	assert.Equal(t, http.StatusOK, doRequest(t, f.handler, http.MethodGet, "/health", "", nil).Code)

	f.ready = errors.New("database down")
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(t, f.handler, http.MethodGet, "/health", "", nil).Code)
}

func TestRouter_Metrics(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	w := doRequest(t, f.handler, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "syncwarden_jobs_total")
}

func TestRouter_JobsRequireIdentity(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	body := envelope("token-refresh", "k-1")

	w := doRequest(t, f.handler, http.MethodPost, "/api/jobs/token-refresh", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, f.handler, http.MethodPost, "/api/jobs/token-refresh", body, adminHeaders())
	assert.Equal(t, http.StatusUnauthorized, w.Code, "admin token is not a service identity")

	token, err := f.signer.Token(context.Background())
	require.NoError(t, err)
	w = doRequest(t, f.handler, http.MethodPost, "/api/jobs/token-refresh", body,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, w.Code)
	var resp JobResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, JobStatusCompleted, resp.Status)
}

func TestRouter_AdminRequiresToken(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	for _, path := range []string{"/api/admin/monitoring", "/api/admin/health/sync"} {
		w := doRequest(t, f.handler, http.MethodGet, path, "", map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	assert.Equal(t, 0, f.reports.Calls)
}

func TestAdmin_MonitoringReport(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	w := doRequest(t, f.handler, http.MethodGet, "/api/admin/monitoring", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var report monitoring.Report
	decodeBody(t, w, &report)
	require.Len(t, report.Queues, 1)
	assert.Equal(t, queue.CalendarSync, report.Queues[0].Queue)
	assert.Equal(t, int64(3), report.Queues[0].Counts.Waiting)

	f.reports.ReportErr = errors.New("broker unreachable")
	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/monitoring", "", adminHeaders())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "broker unreachable")
}

func TestAdmin_SyncHealthWindow(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	w := doRequest(t, f.handler, http.MethodGet, "/api/admin/health/sync", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testNow.Add(-DefaultHealthWindow), f.reports.HealthSince)

	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/health/sync?window=6h", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testNow.Add(-6*time.Hour), f.reports.HealthSince)

	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/health/sync?window=soon", "", adminHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_ResetBreaker(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	ctx := context.Background()

	for i := 0; i < breaker.DefaultConfig().FailureThreshold; i++ {
		require.NoError(t, f.breakers.ReportOutcome(ctx, "user-1", domain.IntegrationGoogleCalendar, false, "boom"))
	}
	st, err := f.breakers.State(ctx, "user-1", domain.IntegrationGoogleCalendar)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitOpen, st.State)

	w := doRequest(t, f.handler, http.MethodPost, "/api/admin/breakers/user-1/google_calendar/reset", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	st, err = f.breakers.State(ctx, "user-1", domain.IntegrationGoogleCalendar)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)

	w = doRequest(t, f.handler, http.MethodPost, "/api/admin/breakers/user-1/outlook/reset", "", adminHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_TriggerSyncBypassesBreaker(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	w := doRequest(t, f.handler, http.MethodPost, "/api/admin/sync/google_contacts/user-7", "", adminHeaders())
	require.Equal(t, http.StatusAccepted, w.Code)

	sent := f.backend.Enqueued()
	require.Len(t, sent, 1)
	assert.Equal(t, queue.ContactsSync, sent[0].Queue)
	assert.Equal(t, jobs.SyncPayload{
		UserID:               "user-7",
		SyncType:             domain.SyncTypeManual,
		BypassCircuitBreaker: true,
		TriggeredAt:          testNow,
	}, sent[0].Payload)
	assert.Equal(t, "contacts-sync-user-7", sent[0].Opts.JobID)
}

func TestAdmin_TriggerSyncCollapsesWithPendingJob(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	f.backend.Dedup = true

	w := doRequest(t, f.handler, http.MethodPost, "/api/admin/sync/google_calendar/user-7", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	var handle queue.JobHandle
	decodeBody(t, w, &handle)
	assert.Equal(t, "calendar-sync-user-7", handle.ID)
	assert.True(t, handle.Deduplicated)
}

func TestAdmin_ConnectIntegration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		connectErr error
		wantStatus int
		wantGrants int
	}{
		{
			name:       "connects",
			path:       "/api/admin/connections/google_calendar/user-7",
			body:       `{"accessToken":"a","refreshToken":"r","expiresAt":"2026-03-02T10:00:00Z"}`,
			wantStatus: http.StatusCreated,
			wantGrants: 1,
		},
		{
			name:       "missing refresh token",
			path:       "/api/admin/connections/google_calendar/user-7",
			body:       `{"accessToken":"a"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/api/admin/connections/google_calendar/user-7",
			body:       `{"accessToken":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown integration",
			path:       "/api/admin/connections/outlook/user-7",
			body:       `{"accessToken":"a","refreshToken":"r"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "provider outage",
			path:       "/api/admin/connections/google_calendar/user-7",
			body:       `{"accessToken":"a","refreshToken":"r"}`,
			connectErr: errors.New("register webhook: 503"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newRouterFixture(t)
			f.connector.Err = tt.connectErr

			w := doRequest(t, f.handler, http.MethodPost, tt.path, tt.body, adminHeaders())
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Len(t, f.connector.Grants, tt.wantGrants)
			if tt.wantStatus != http.StatusCreated {
				return
			}

			var conn connection.Connection
			decodeBody(t, w, &conn)
			assert.Equal(t, "user-7", conn.UserID)
			assert.Equal(t, "chan-user-7", conn.Webhook.ChannelID)
			assert.Equal(t, "calendar-sync-user-7", conn.FirstSync.ID)
			assert.Equal(t, "r", f.connector.Grants[0].RefreshToken)
			assert.True(t, f.connector.Grants[0].ExpiresAt.Equal(testNow.Add(time.Hour)))
		})
	}
}

func TestAdmin_ConnectRequiresToken(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)

	w := doRequest(t, f.handler, http.MethodPost, "/api/admin/connections/google_calendar/user-7",
		`{"accessToken":"a","refreshToken":"r"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.connector.Grants)
}

func TestAdmin_ListFailedJobs(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	f.failed.Jobs = []queue.Job{
		{ID: "calendar-sync-u1", Queue: queue.CalendarSync, Status: queue.JobFailed, LastError: "provider 500"},
		{ID: "calendar-sync-u2", Queue: queue.CalendarSync, Status: queue.JobFailed, LastError: "provider 500"},
	}

	w := doRequest(t, f.handler, http.MethodGet, "/api/admin/queues/calendar-sync/failed?limit=1", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var got []queue.Job
	decodeBody(t, w, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "calendar-sync-u1", got[0].ID)
	assert.Equal(t, queue.CalendarSync, f.failed.LastQueue)
	assert.Equal(t, 1, f.failed.LastLimit)

	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/queues/calendar-sync/failed?limit=100000", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, MaxFailedLimit, f.failed.LastLimit)

	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/queues/calendar-sync/failed", "", adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, DefaultFailedLimit, f.failed.LastLimit)

	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/queues/calendar-sync/failed?limit=-1", "", adminHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, f.handler, http.MethodGet, "/api/admin/queues/nope/failed", "", adminHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_MonitoringStream(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/monitoring/stream"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + adminToken}},
	})
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for i := 0; i < 2; i++ {
		var report monitoring.Report
		require.NoError(t, wsjson.Read(ctx, conn, &report))
		require.Len(t, report.Queues, 1)
	}
}

func TestRouter_StreamRejectsMissingToken(t *testing.T) {
	t.Parallel()
	f := newRouterFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/monitoring/stream"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

package push

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/phrazzld/syncwarden/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func testSignerConfig() SignerConfig {
	return SignerConfig{
		KeyID:    "test-key",
		Issuer:   "https://dispatcher.example.com",
		Audience: "https://sync.example.com",
		Email:    "dispatcher@example.com",
		TTL:      time.Hour,
	}
}

type pushHarness struct {
	clock      *testClock
	store      *MemoryTaskStore
	registry   *queue.Registry
	dispatcher *Dispatcher
	backend    *Backend
}

func newPushHarness(t *testing.T, targetURL string) *pushHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	store := NewMemoryTaskStore()
	registry := queue.NewRegistry()
	signer := NewSigner(signingKey(t), testSignerConfig())
	dispatcher := NewDispatcher(store, registry, signer, DispatcherConfig{DedupWindow: 24 * time.Hour}, logger,
		WithDispatcherClock(clock.Now))
	backend := NewBackend(dispatcher, store, registry, targetURL, logger, WithBackendClock(clock.Now))
	return &pushHarness{clock: clock, store: store, registry: registry, dispatcher: dispatcher, backend: backend}
}

func TestDispatcher_DeliversSignedEnvelope(t *testing.T) {
	var (
		mu       sync.Mutex
		received Envelope
		path     string
		claims   IdentityClaims
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return &signingKey(t).PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newPushHarness(t, server.URL+"/")
	ctx := context.Background()

	handle, err := h.backend.Enqueue(ctx, queue.CalendarSync, map[string]string{"userId": "u1"},
		queue.Options{JobID: queue.PerUserJobID(queue.CalendarSync, "u1")})
	require.NoError(t, err)
	assert.Equal(t, "calendar-sync-u1", handle.ID)

	n, err := h.dispatcher.DispatchDue(ctx, queue.CalendarSync)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/jobs/calendar-sync", path)
	assert.Equal(t, "calendar-sync", received.JobName)
	assert.Equal(t, handle.IdempotencyKey, received.IdempotencyKey)
	assert.JSONEq(t, `{"userId":"u1"}`, string(received.Data))
	assert.Equal(t, "dispatcher@example.com", claims.Email)
	assert.Equal(t, jwt.ClaimStrings{"https://sync.example.com"}, claims.Audience)

	task, ok := h.store.Get(handle.ID)
	require.True(t, ok)
	assert.Equal(t, queue.JobCompleted, task.Status)
	assert.Equal(t, http.StatusOK, task.LastResponseCode)
}

func TestDispatcher_RetriesThenFailsTerminally(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h := newPushHarness(t, server.URL)
	attempts, minB, maxB, doublings := 3, 60*time.Second, 3600*time.Second, 2
	require.NoError(t, h.registry.ApplyOverrides(map[string]config.QueueOverride{
		"webhook-renewal": {MaxAttempts: &attempts, MinBackoff: &minB, MaxBackoff: &maxB, MaxDoublings: &doublings},
	}))

	ctx := context.Background()
	handle, err := h.backend.Enqueue(ctx, queue.WebhookRenewal, map[string]string{}, queue.Options{})
	require.NoError(t, err)

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		n, err := h.dispatcher.DispatchDue(ctx, queue.WebhookRenewal)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		task, _ := h.store.Get(handle.ID)
		if task.Status == queue.JobFailed {
			break
		}
		delay := task.ScheduleTime.Sub(h.clock.Now())
		delays = append(delays, delay)
		h.clock.Advance(delay)
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, delays)

	failed, err := h.backend.FailedJobs(ctx, queue.WebhookRenewal, 5)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "callback returned 500", failed[0].LastError)

	counts, err := h.backend.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[queue.WebhookRenewal].Failed)
}

func TestDispatcher_TaskNameDeduplication(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newPushHarness(t, server.URL)
	ctx := context.Background()
	opts := queue.Options{JobID: "adaptive-sync-1700000000"}
	payload := map[string]string{"windowStart": "1700000000"}

	first, err := h.backend.Enqueue(ctx, queue.AdaptiveSync, payload, opts)
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	pending, err := h.backend.Enqueue(ctx, queue.AdaptiveSync, payload, opts)
	require.NoError(t, err)
	assert.True(t, pending.Deduplicated)

	_, err = h.dispatcher.DispatchDue(ctx, queue.AdaptiveSync)
	require.NoError(t, err)

	// Same logical job after completion, still inside the window.
	h.clock.Advance(time.Hour)
	again, err := h.backend.Enqueue(ctx, queue.AdaptiveSync, payload, opts)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)

	// A different payload under the same name is a new job.
	fresh, err := h.backend.Enqueue(ctx, queue.AdaptiveSync, map[string]string{"windowStart": "1700003600"}, opts)
	require.NoError(t, err)
	assert.False(t, fresh.Deduplicated)
}

func TestSigner_ReusesTokenUntilNearExpiry(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSigner(signingKey(t), testSignerConfig())
	s.timeFunc = clock.Now

	first, err := s.Token(context.Background())
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	second, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	clock.Advance(29*time.Minute + 30*time.Second)
	third, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	parsed, _, err := jwt.NewParser().ParseUnverified(third, &IdentityClaims{})
	require.NoError(t, err)
	assert.Equal(t, "test-key", parsed.Header["kid"])
}

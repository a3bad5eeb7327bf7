package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cal = domain.IntegrationGoogleCalendar

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transitionLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *transitionLog) RecordBreakerTransition(_ context.Context, _ domain.IntegrationType, from, to domain.CircuitState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, string(from)+"->"+string(to))
}

func newTestRegistry(t *testing.T) (*Registry, *clock, *transitionLog) {
	t.Helper()
	c := &clock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	rec := &transitionLog{}
	r := NewRegistry(NewMemoryStore(), DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(c.Now), WithTransitionRecorder(rec))
	return r, c, rec
}

func failN(t *testing.T, r *Registry, user string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.ReportOutcome(context.Background(), user, cal, false, "503 from provider"))
	}
}

func TestRegistry_OpensAtThreshold(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	failN(t, r, "u1", 4)
	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.True(t, allowed, "four failures must not open the breaker")

	failN(t, r, "u1", 1)
	allowed, err = r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.False(t, allowed)

	st, err := r.State(ctx, "u1", cal)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, st.State)
	assert.Equal(t, 5, st.FailureCount)
	assert.Equal(t, "503 from provider", st.LastFailureReason)

	// Other keys are unaffected.
	allowed, err = r.AllowRequest(ctx, "u2", cal)
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, err = r.AllowRequest(ctx, "u1", domain.IntegrationGoogleContacts)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRegistry_CooldownGrantsExactlyOneTrial(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	failN(t, r, "u1", 5)

	c.Advance(29 * time.Minute)
	allowed, err := r.AllowRequest(context.Background(), "u1", cal)
	require.NoError(t, err)
	assert.False(t, allowed)

	c.Advance(time.Minute)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.AllowRequest(context.Background(), "u1", cal)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load())
	st, err := r.State(context.Background(), "u1", cal)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitHalfOpen, st.State)
}

func TestRegistry_SuccessfulTrialCloses(t *testing.T) {
	r, c, rec := newTestRegistry(t)
	ctx := context.Background()
	failN(t, r, "u1", 5)
	c.Advance(31 * time.Minute)

	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, r.ReportOutcome(ctx, "u1", cal, true, ""))

	st, err := r.State(ctx, "u1", cal)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)
	assert.Nil(t, st.OpenedAt)
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, rec.seen)
}

func TestRegistry_FailedTrialReopens(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	ctx := context.Background()
	failN(t, r, "u1", 5)
	c.Advance(31 * time.Minute)

	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, r.ReportOutcome(ctx, "u1", cal, false, "timeout"))

	st, err := r.State(ctx, "u1", cal)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, st.State)
	require.NotNil(t, st.OpenedAt)
	assert.Equal(t, c.Now(), *st.OpenedAt)

	allowed, err = r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.False(t, allowed, "cooldown restarts after a failed trial")
}

func TestRegistry_AbandonedTrialIsRegranted(t *testing.T) {
	r, c, _ := newTestRegistry(t)
	ctx := context.Background()
	failN(t, r, "u1", 5)
	c.Advance(31 * time.Minute)

	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.False(t, allowed)

	c.Advance(30 * time.Minute)
	allowed, err = r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRegistry_ReleaseTrial(t *testing.T) {
	r, c, rec := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.ReleaseTrial(ctx, "u1", cal), "closed breaker is a no-op")

	failN(t, r, "u1", 5)
	require.NoError(t, r.ReleaseTrial(ctx, "u1", cal))
	st, err := r.State(ctx, "u1", cal)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, st.State, "open breaker is untouched")

	c.Advance(31 * time.Minute)
	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, r.ReleaseTrial(ctx, "u1", cal))

	allowed, err = r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.True(t, allowed, "released trial is granted again without waiting")
	allowed, err = r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.False(t, allowed, "still only one trial at a time")

	assert.Equal(t, []string{"closed->open", "open->half_open"}, rec.seen)
}

func TestRegistry_SuccessResetsFailureCount(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	failN(t, r, "u1", 4)
	require.NoError(t, r.ReportOutcome(ctx, "u1", cal, true, ""))
	failN(t, r, "u1", 4)

	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.True(t, allowed, "failures must be consecutive")
}

func TestRegistry_ResetAndListOpen(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	failN(t, r, "u1", 5)
	failN(t, r, "u2", 5)

	open, err := r.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, r.Reset(ctx, "u1", cal))
	open, err = r.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "u2", open[0].UserID)

	allowed, err := r.AllowRequest(ctx, "u1", cal)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRegistry_InvalidKey(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.AllowRequest(context.Background(), "", cal)
	assert.ErrorIs(t, err, domain.ErrEmptyUserID)
	err = r.ReportOutcome(context.Background(), "u1", "outlook", true, "")
	assert.ErrorIs(t, err, domain.ErrUnknownIntegration)
}

type brokenStore struct{ MemoryStore }

func (*brokenStore) Get(context.Context, domain.Key) (domain.CircuitBreakerState, error) {
	return domain.CircuitBreakerState{}, errors.New("connection reset")
}

func TestRegistry_FailsOpenWhenStoreUnavailable(t *testing.T) {
	r := NewRegistry(&brokenStore{}, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	allowed, err := r.AllowRequest(context.Background(), "u1", cal)
	require.NoError(t, err)
	assert.True(t, allowed)

	err = r.ReportOutcome(context.Background(), "u1", cal, false, "x")
	assert.Error(t, err)
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuard struct {
	mu        sync.Mutex
	processed map[string]bool
	results   map[string]json.RawMessage
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{processed: map[string]bool{}, results: map[string]json.RawMessage{}}
}

func (g *fakeGuard) IsProcessed(_ context.Context, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processed[key]
}

func (g *fakeGuard) MarkProcessed(_ context.Context, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.processed[key] = true
}

func (g *fakeGuard) CacheResult(_ context.Context, key string, result any) {
	data, _ := json.Marshal(result)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[key] = data
}

func (g *fakeGuard) CachedResult(_ context.Context, key string) (json.RawMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.results[key]
	return r, ok
}

type recordedExecution struct {
	queue   QueueName
	outcome string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedExecution
}

func (r *fakeRecorder) RecordExecution(_ context.Context, q QueueName, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedExecution{q, outcome})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecutor_DuplicateReturnsCachedResult(t *testing.T) {
	calls := 0
	handlers := NewHandlerRegistry()
	handlers.Register(CalendarSync, func(ctx context.Context, job Job) (any, error) {
		calls++
		return map[string]int{"items": 3}, nil
	})
	guard := newFakeGuard()
	rec := &fakeRecorder{}
	exec := NewExecutor(handlers, guard, discardLogger(), WithRecorder(rec))

	job := Job{ID: "j1", Queue: CalendarSync, IdempotencyKey: "calendar-sync:abc", Attempt: 1}

	first, err := exec.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := exec.Execute(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.JSONEq(t, `{"items":3}`, string(second.Result.(json.RawMessage)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, []recordedExecution{
		{CalendarSync, OutcomeCompleted},
		{CalendarSync, OutcomeDuplicate},
	}, rec.seen)
}

func TestExecutor_FailureIsNotMarkedProcessed(t *testing.T) {
	handlers := NewHandlerRegistry()
	handlers.Register(TokenRefresh, func(ctx context.Context, job Job) (any, error) {
		return nil, errors.New("provider unavailable")
	})
	guard := newFakeGuard()
	exec := NewExecutor(handlers, guard, discardLogger())

	_, err := exec.Execute(context.Background(), Job{ID: "j", Queue: TokenRefresh, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.False(t, guard.IsProcessed(context.Background(), "k"))
}

func TestExecutor_UnknownJob(t *testing.T) {
	exec := NewExecutor(NewHandlerRegistry(), nil, discardLogger())

	_, err := exec.Execute(context.Background(), Job{ID: "j", Queue: AdaptiveSync})
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.True(t, IsPermanent(err))
}

func TestExecutor_HandlerSeesJobLogger(t *testing.T) {
	handlers := NewHandlerRegistry()
	var gotCtx context.Context
	handlers.Register(WebhookRenewal, func(ctx context.Context, job Job) (any, error) {
		gotCtx = ctx
		return nil, nil
	})
	exec := NewExecutor(handlers, nil, discardLogger())

	_, err := exec.Execute(context.Background(), Job{ID: "j", Queue: WebhookRenewal})
	require.NoError(t, err)
	require.NotNil(t, gotCtx)
	assert.NotSame(t, slog.Default(), logger.FromContext(gotCtx))
}

func TestHandlerRegistry_Missing(t *testing.T) {
	handlers := NewHandlerRegistry()
	for _, q := range AllQueues() {
		if q != SuggestionGeneration {
			handlers.Register(q, func(context.Context, Job) (any, error) { return nil, nil })
		}
	}
	assert.Equal(t, []QueueName{SuggestionGeneration}, handlers.Missing())
}

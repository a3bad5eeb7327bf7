package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/phrazzld/syncwarden/internal/redact"
)

// Guard applies the failure policy on top of a Store: lookups fail open and
// writes never fail the caller. A store outage therefore permits execution,
// leaving duplicate suppression to the orchestrator's own guards.
type Guard struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewGuard wraps store. ttl applies to every processed marker and cached
// result.
func NewGuard(store Store, ttl time.Duration, logger *slog.Logger) *Guard {
	return &Guard{store: store, ttl: ttl, logger: logger.With("component", "idempotency")}
}

// TTL returns the configured entry lifetime.
func (g *Guard) TTL() time.Duration { return g.ttl }

// IsProcessed returns false when the store cannot answer.
func (g *Guard) IsProcessed(ctx context.Context, key string) bool {
	ok, err := g.store.IsProcessed(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "idempotency store unavailable, permitting execution",
			"idempotency_key", key, "error", redact.Error(err))
		return false
	}
	return ok
}

// MarkProcessed records key, logging store errors.
func (g *Guard) MarkProcessed(ctx context.Context, key string) {
	if err := g.store.MarkProcessed(ctx, key, g.ttl); err != nil {
		g.logger.WarnContext(ctx, "failed to mark job processed",
			"idempotency_key", key, "error", redact.Error(err))
	}
}

// CacheResult stores the JSON encoding of result, logging failures.
func (g *Guard) CacheResult(ctx context.Context, key string, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		g.logger.WarnContext(ctx, "job result is not serializable, not caching",
			"idempotency_key", key, "error", err)
		return
	}
	if err := g.store.CacheResult(ctx, key, data, g.ttl); err != nil {
		g.logger.WarnContext(ctx, "failed to cache job result",
			"idempotency_key", key, "error", redact.Error(err))
	}
}

// CachedResult returns the cached result for key, if any.
func (g *Guard) CachedResult(ctx context.Context, key string) (json.RawMessage, bool) {
	data, ok, err := g.store.GetCachedResult(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to read cached job result",
			"idempotency_key", key, "error", redact.Error(err))
		return nil, false
	}
	return data, ok
}

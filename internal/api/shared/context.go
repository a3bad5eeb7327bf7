package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// ContextKey is the type of request context keys set by the API layer.
type ContextKey string

// Context keys
const (
	// TraceIDKey holds the request trace id.
	TraceIDKey ContextKey = "traceID"

	// CallerIdentityKey holds the verified service identity of a push
	// callback.
	CallerIdentityKey ContextKey = "callerIdentity"

	// TraceIDLength is the number of random bytes in a trace id.
	TraceIDLength = 16
)

// SetTraceID adds a new trace id to the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID returns the trace id, or "" when none is set.
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// SetCallerIdentity records the verified caller identity.
func SetCallerIdentity(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, CallerIdentityKey, email)
}

// GetCallerIdentity returns the verified caller identity.
func GetCallerIdentity(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(CallerIdentityKey).(string)
	return email, ok && email != ""
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; keep ids unique anyway.
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

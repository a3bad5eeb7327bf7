package middleware

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/phrazzld/syncwarden/internal/api/shared"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
	"github.com/phrazzld/syncwarden/internal/redact"
)

// KeyProvider supplies the verification key option for identity tokens.
type KeyProvider interface {
	KeyOption(ctx context.Context) (jwt.ParseOption, error)
}

// StaticKey verifies RS256 tokens against one public key.
type StaticKey struct {
	key jwk.Key
}

// NewStaticKey parses a PEM encoded public key.
func NewStaticKey(pemBytes []byte) (*StaticKey, error) {
	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &StaticKey{key: key}, nil
}

// LoadStaticKey reads a PEM encoded public key from path.
func LoadStaticKey(path string) (*StaticKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewStaticKey(data)
}

// KeyOption implements KeyProvider.
func (k *StaticKey) KeyOption(_ context.Context) (jwt.ParseOption, error) {
	return jwt.WithKey(jwa.RS256(), k.key), nil
}

// JWKSCache fetches a JWK set and keeps it for ttl. A failed refresh keeps
// serving the previous set.
type JWKSCache struct {
	url      string
	ttl      time.Duration
	timeFunc func() time.Time

	mu        sync.Mutex
	set       jwk.Set
	fetchedAt time.Time
}

// NewJWKSCache creates a cache for the set at url. A zero ttl defaults to
// fifteen minutes.
func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWKSCache{url: url, ttl: ttl, timeFunc: time.Now}
}

// Set returns the cached key set, fetching it when stale.
func (c *JWKSCache) Set(ctx context.Context) (jwk.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeFunc()
	if c.set != nil && now.Sub(c.fetchedAt) < c.ttl {
		return c.set, nil
	}

	set, err := jwk.Fetch(ctx, c.url)
	if err != nil {
		if c.set != nil {
			logger.FromContext(ctx).Warn("jwks refresh failed, using cached set",
				"url", c.url, "error", redact.Error(err))
			return c.set, nil
		}
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	c.set = set
	c.fetchedAt = now
	return set, nil
}

// KeyOption implements KeyProvider.
func (c *JWKSCache) KeyOption(ctx context.Context) (jwt.ParseOption, error) {
	set, err := c.Set(ctx)
	if err != nil {
		return nil, err
	}
	return jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)), nil
}

// IdentityConfig describes the single caller identity accepted on push
// callbacks.
type IdentityConfig struct {
	Audience string
	Issuer   string
	Email    string
	Skew     time.Duration
}

// IdentityTokenAuth verifies the signed identity token on push callbacks:
// signature, expiry, audience, issuer and the designated service email.
func IdentityTokenAuth(keys KeyProvider, cfg IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
				return
			}

			email, err := verifyIdentity(r.Context(), keys, cfg, raw)
			if err != nil {
				logger.FromContext(r.Context()).Warn("rejected push callback",
					"path", r.URL.Path, "error", redact.Error(err))
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := shared.SetCallerIdentity(r.Context(), email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyIdentity(ctx context.Context, keys KeyProvider, cfg IdentityConfig, raw string) (string, error) {
	keyOpt, err := keys.KeyOption(ctx)
	if err != nil {
		return "", err
	}

	opts := []jwt.ParseOption{keyOpt, jwt.WithValidate(true), jwt.WithAcceptableSkew(cfg.Skew)}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return "", fmt.Errorf("parse identity token: %w", err)
	}

	var email string
	if err := token.Get("email", &email); err != nil {
		return "", fmt.Errorf("identity token has no email claim: %w", err)
	}
	if cfg.Email != "" && email != cfg.Email {
		return "", fmt.Errorf("identity %q is not the service identity", email)
	}
	if token.Has("email_verified") {
		var verified bool
		if err := token.Get("email_verified", &verified); err != nil || !verified {
			return "", fmt.Errorf("identity %q is not verified", email)
		}
	}
	return email, nil
}

package push

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/syncwarden/internal/platform/logger"
)

// TokenSource supplies the bearer token attached to every callback.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SignerConfig describes the identity asserted by dispatched callbacks.
type SignerConfig struct {
	KeyID    string
	Issuer   string
	Audience string
	// Email is the designated service identity the push endpoint accepts.
	Email string
	TTL   time.Duration
}

// IdentityClaims are the claims carried by a callback identity token.
type IdentityClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Signer mints RS256 identity tokens. Tokens are reused until they are
// within a minute of expiry.
type Signer struct {
	key      *rsa.PrivateKey
	cfg      SignerConfig
	timeFunc func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

var _ TokenSource = (*Signer)(nil)

// NewSigner creates a Signer. A zero TTL defaults to one hour.
func NewSigner(key *rsa.PrivateKey, cfg SignerConfig) *Signer {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Signer{key: key, cfg: cfg, timeFunc: time.Now}
}

// LoadPrivateKey reads a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// Token implements TokenSource.
func (s *Signer) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeFunc()
	if s.cached != "" && now.Add(time.Minute).Before(s.expires) {
		return s.cached, nil
	}

	expires := now.Add(s.cfg.TTL)
	claims := IdentityClaims{
		Email:         s.cfg.Email,
		EmailVerified: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   s.cfg.Email,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		logger.FromContext(ctx).Error("failed to sign identity token",
			"error", err,
			"signing_method", jwt.SigningMethodRS256.Name)
		return "", fmt.Errorf("failed to sign identity token with RS256: %w", err)
	}

	s.cached = signed
	s.expires = expires
	return signed, nil
}

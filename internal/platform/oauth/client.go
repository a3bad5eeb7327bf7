package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/syncwarden/internal/config"
	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/redact"
	"github.com/phrazzld/syncwarden/internal/tokenhealth"
	"golang.org/x/oauth2"
)

// invalidGrant is the OAuth error code for a refresh token the provider no
// longer honours.
const invalidGrant = "invalid_grant"

// ErrNoRefreshToken is returned by Refresh when the stored grant carries no
// refresh token.
var ErrNoRefreshToken = errors.New("credential has no refresh token")

// Client implements tokenhealth.OAuthClient over a CredentialStore.
type Client struct {
	store      CredentialStore
	sealer     *Sealer
	providers  map[domain.IntegrationType]*oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
	timeFunc   func() time.Time
}

var _ tokenhealth.OAuthClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeFunc sets the clock used to stamp stored credentials.
func WithTimeFunc(f func() time.Time) Option {
	return func(c *Client) { c.timeFunc = f }
}

// NewClient creates a Client.
func NewClient(
	store CredentialStore,
	sealer *Sealer,
	providers map[domain.IntegrationType]*oauth2.Config,
	logger *slog.Logger,
	opts ...Option,
) *Client {
	c := &Client{
		store:      store,
		sealer:     sealer,
		providers:  providers,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "oauth"),
		timeFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProvidersFromConfig builds one oauth2.Config per configured integration.
func ProvidersFromConfig(cfg config.OAuthConfig) (map[domain.IntegrationType]*oauth2.Config, error) {
	out := make(map[domain.IntegrationType]*oauth2.Config, len(cfg.Providers))
	for name, p := range cfg.Providers {
		integration, err := domain.ParseIntegrationType(name)
		if err != nil {
			return nil, err
		}
		out[integration] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL},
			Scopes:       p.Scopes,
		}
	}
	return out, nil
}

func aad(key domain.Key, field string) []byte {
	return []byte(key.String() + "#" + field)
}

// Save seals and stores a grant, typically right after the user connects
// the integration.
func (c *Client) Save(ctx context.Context, key domain.Key, tok *oauth2.Token) error {
	if err := key.Validate(); err != nil {
		return err
	}
	access, err := c.sealer.Seal([]byte(tok.AccessToken), aad(key, "access"))
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := c.sealer.Seal([]byte(tok.RefreshToken), aad(key, "refresh"))
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	rec := SealedCredential{
		Key:          key,
		AccessToken:  access,
		RefreshToken: refresh,
		UpdatedAt:    c.timeFunc().UTC(),
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		rec.ExpiresAt = &exp
	}
	return c.store.Put(ctx, rec)
}

func (c *Client) load(ctx context.Context, key domain.Key) (*oauth2.Token, error) {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	access, err := c.sealer.Open(rec.AccessToken, aad(key, "access"))
	if err != nil {
		return nil, fmt.Errorf("open access token for %s: %w", key, err)
	}
	refresh, err := c.sealer.Open(rec.RefreshToken, aad(key, "refresh"))
	if err != nil {
		return nil, fmt.Errorf("open refresh token for %s: %w", key, err)
	}
	tok := &oauth2.Token{AccessToken: string(access), RefreshToken: string(refresh)}
	if rec.ExpiresAt != nil {
		tok.Expiry = *rec.ExpiresAt
	}
	return tok, nil
}

func toDomain(tok *oauth2.Token) domain.Token {
	return domain.Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry.UTC()}
}

// Current implements tokenhealth.OAuthClient.
func (c *Client) Current(ctx context.Context, key domain.Key) (domain.Token, error) {
	tok, err := c.load(ctx, key)
	if err != nil {
		return domain.Token{}, err
	}
	return toDomain(tok), nil
}

// Refresh implements tokenhealth.OAuthClient. A rejected grant is reported
// as tokenhealth.ErrRevoked so that the key is marked for reconnection.
func (c *Client) Refresh(ctx context.Context, key domain.Key) (domain.Token, error) {
	cfg, ok := c.providers[key.Integration]
	if !ok {
		return domain.Token{}, fmt.Errorf("no oauth provider for %q: %w", key.Integration, domain.ErrUnknownIntegration)
	}
	stored, err := c.load(ctx, key)
	if err != nil {
		return domain.Token{}, err
	}
	if stored.RefreshToken == "" {
		return domain.Token{}, fmt.Errorf("%s: %w", key, ErrNoRefreshToken)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	fresh, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == invalidGrant {
			c.logger.Info("oauth grant revoked", "key", key.String())
			return domain.Token{}, fmt.Errorf("%s: %w", key, tokenhealth.ErrRevoked)
		}
		c.logger.Warn("oauth refresh failed", "key", key.String(), "error", redact.Error(err))
		return domain.Token{}, fmt.Errorf("refresh %s: %w", key, err)
	}

	// Providers may omit the refresh token when it is unchanged.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stored.RefreshToken
	}
	if err := c.Save(ctx, key, fresh); err != nil {
		return domain.Token{}, fmt.Errorf("store refreshed token: %w", err)
	}
	return toDomain(fresh), nil
}

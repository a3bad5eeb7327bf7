package collaborator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/webhook"
)

// RegistrarClient opens and closes provider push channels through the
// webhook registration service.
type RegistrarClient struct {
	client
	timeFunc func() time.Time
}

var _ webhook.Registrar = (*RegistrarClient)(nil)

// NewRegistrarClient creates a RegistrarClient.
func NewRegistrarClient(baseURL, apiKey string, timeout time.Duration) *RegistrarClient {
	return &RegistrarClient{client: newClient(baseURL, apiKey, timeout), timeFunc: time.Now}
}

type registerRequest struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

type registerResponse struct {
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	Expiration time.Time `json:"expiration"`
	Token      string    `json:"token"`
}

type stopRequest struct {
	ChannelID   string `json:"channelId"`
	ResourceID  string `json:"resourceId"`
	AccessToken string `json:"accessToken"`
}

func registrarPath(integration domain.IntegrationType, op string) string {
	return "/v1/webhooks/" + url.PathEscape(string(integration)) + "/" + op
}

// Register implements webhook.Registrar.
func (c *RegistrarClient) Register(ctx context.Context, userID string, integration domain.IntegrationType, tok domain.Token) (domain.WebhookSubscription, error) {
	var resp registerResponse
	err := c.doJSON(ctx, http.MethodPost, registrarPath(integration, "register"),
		registerRequest{UserID: userID, AccessToken: tok.AccessToken}, &resp)
	if err != nil {
		return domain.WebhookSubscription{}, err
	}
	if resp.ChannelID == "" {
		return domain.WebhookSubscription{}, fmt.Errorf("register webhook for %s: empty channel id", userID)
	}
	return domain.WebhookSubscription{
		Key:        domain.Key{UserID: userID, Integration: integration},
		ChannelID:  resp.ChannelID,
		ResourceID: resp.ResourceID,
		Expiration: resp.Expiration.UTC(),
		Token:      resp.Token,
		CreatedAt:  c.timeFunc().UTC(),
	}, nil
}

// Stop implements webhook.Registrar.
func (c *RegistrarClient) Stop(ctx context.Context, sub domain.WebhookSubscription, tok domain.Token) error {
	return c.doJSON(ctx, http.MethodPost, registrarPath(sub.Integration, "stop"), stopRequest{
		ChannelID:   sub.ChannelID,
		ResourceID:  sub.ResourceID,
		AccessToken: tok.AccessToken,
	}, nil)
}

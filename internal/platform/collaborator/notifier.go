package collaborator

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/syncwarden/internal/domain"
	"github.com/phrazzld/syncwarden/internal/jobs"
)

// NotifierClient asks the notification service to deliver messages. Content
// and channel selection belong to that service.
type NotifierClient struct {
	client
}

var _ jobs.Notifier = (*NotifierClient)(nil)

// NewNotifierClient creates a NotifierClient.
func NewNotifierClient(baseURL, apiKey string, timeout time.Duration) *NotifierClient {
	return &NotifierClient{client: newClient(baseURL, apiKey, timeout)}
}

// NotifyReconnect implements jobs.Notifier.
func (c *NotifierClient) NotifyReconnect(ctx context.Context, userID string, integration domain.IntegrationType) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/notifications/reconnect", map[string]string{
		"userId":      userID,
		"integration": string(integration),
	}, nil)
}

// Notify implements jobs.Notifier.
func (c *NotifierClient) Notify(ctx context.Context, userID, kind string) (int, error) {
	var resp struct {
		Sent int `json:"sent"`
	}
	req := map[string]string{"kind": kind}
	if userID != "" {
		req["userId"] = userID
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/notifications/send", req, &resp); err != nil {
		return 0, err
	}
	return resp.Sent, nil
}

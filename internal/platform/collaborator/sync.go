package collaborator

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/phrazzld/syncwarden/internal/orchestrator"
)

// SyncClient runs integration syncs on the sync service.
type SyncClient struct {
	client
}

var _ orchestrator.SyncRoutine = (*SyncClient)(nil)

// NewSyncClient creates a SyncClient.
func NewSyncClient(baseURL, apiKey string, timeout time.Duration) *SyncClient {
	return &SyncClient{client: newClient(baseURL, apiKey, timeout)}
}

type syncRequest struct {
	UserID      string `json:"userId"`
	SyncType    string `json:"syncType"`
	AccessToken string `json:"accessToken"`
}

// Sync implements orchestrator.SyncRoutine.
func (c *SyncClient) Sync(ctx context.Context, in orchestrator.SyncInput) (orchestrator.SyncOutput, error) {
	var out orchestrator.SyncOutput
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/"+url.PathEscape(string(in.Integration)), syncRequest{
		UserID:      in.UserID,
		SyncType:    string(in.SyncType),
		AccessToken: in.Token.AccessToken,
	}, &out)
	if err != nil {
		return orchestrator.SyncOutput{}, err
	}
	return out, nil
}

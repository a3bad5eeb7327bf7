package collaborator

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/syncwarden/internal/jobs"
)

// SuggestionClient triggers contact suggestion generation.
type SuggestionClient struct {
	client
}

var _ jobs.SuggestionGenerator = (*SuggestionClient)(nil)

// NewSuggestionClient creates a SuggestionClient.
func NewSuggestionClient(baseURL, apiKey string, timeout time.Duration) *SuggestionClient {
	return &SuggestionClient{client: newClient(baseURL, apiKey, timeout)}
}

// Generate implements jobs.SuggestionGenerator.
func (c *SuggestionClient) Generate(ctx context.Context, userID string, regenerate bool) (int, error) {
	var resp struct {
		Generated int `json:"generated"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/suggestions/generate", map[string]any{
		"userId":     userID,
		"regenerate": regenerate,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Generated, nil
}

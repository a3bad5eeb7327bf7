package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/syncwarden/internal/queue"
)

const (
	// DefaultTimeout applies when no timeout is configured.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize bounds every decoded response body.
	MaxResponseSize = 1 << 20

	// UserAgent identifies this service to collaborators.
	UserAgent = "syncwarden/1.0"
)

// ErrNotConfigured is returned by every call on a client without a base URL.
var ErrNotConfigured = errors.New("collaborator not configured")

// HTTPError is a non-2xx collaborator response.
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("collaborator %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("collaborator %s returned %d: %s", e.URL, e.StatusCode, e.Message)
}

// retryable reports whether a status is worth another attempt. Other 4xx
// responses mean the request itself is wrong.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// client is the JSON transport shared by every collaborator.
type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// doJSON posts body to path and decodes the response into out when out is
// non-nil. Non-retryable failures are wrapped with queue.Permanent.
func (c client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return queue.Permanent(ErrNotConfigured)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return queue.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return queue.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(payload) > MaxResponseSize {
		return fmt.Errorf("response from %s exceeds %d bytes", url, MaxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		herr := &HTTPError{StatusCode: resp.StatusCode, URL: url, Message: errorMessage(payload)}
		if retryable(resp.StatusCode) {
			return herr
		}
		return queue.Permanent(herr)
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} from an error body.
func errorMessage(payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil {
		return body.Error
	}
	return ""
}

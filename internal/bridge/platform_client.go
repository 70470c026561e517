package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized reports that the platform rejected the bearer token.
// Callers translate it into a re-authentication run.
var ErrUnauthorized = errors.New("platform rejected the access token")

// ToolDescriptor is one entry of the platform's advertised tool list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// PlatformClient talks to the platform's tool API with a bearer token.
type PlatformClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPlatformClient creates a client for the platform at baseURL. A nil
// httpClient selects a default with a 30 second timeout.
func NewPlatformClient(baseURL string, httpClient *http.Client) *PlatformClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &PlatformClient{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// ListTools fetches the platform's advertised tool list.
func (c *PlatformClient) ListTools(ctx context.Context, accessToken string) ([]ToolDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool list request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("tool list request returned status %d", resp.StatusCode)
	}

	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}
	return payload.Tools, nil
}

// CallTool invokes a platform tool and returns the raw JSON result.
// Returns ErrUnauthorized when the platform refuses the token, so the
// caller can re-authenticate and retry.
func (c *PlatformClient) CallTool(ctx context.Context, accessToken, name string, arguments map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool call request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool call response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("tool call %q returned status %d: %s", name, resp.StatusCode, truncate(string(raw), 200))
	}
	return json.RawMessage(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

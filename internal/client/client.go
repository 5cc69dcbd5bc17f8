// Package client is a small HTTP client for the billing API, used by the CLI
// to watch an entitlement settle after checkout.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reportanalyzer/billing/internal/entitlement"
)

// APIError is a non-2xx answer from the billing API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Retry      bool   `json:"retry"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("billing api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("billing api: %d %s", e.StatusCode, e.Code)
}

// Client calls the billing API on behalf of one identity.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Entitlement resolves the session's current entitlement. The session's
// known tier is sent so the server can flag a fresh upgrade.
func (c *Client) Entitlement(ctx context.Context, sess entitlement.Session) (entitlement.View, error) {
	q := url.Values{}
	if sess.KnownTier != "" {
		q.Set("known_tier", string(sess.KnownTier))
	}
	path := "/api/entitlement"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var view entitlement.View
	if err := c.do(ctx, http.MethodGet, path, sess.Identity, &view); err != nil {
		return entitlement.View{}, err
	}
	return view, nil
}

func (c *Client) do(ctx context.Context, method, path string, id entitlement.Identity, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-User-ID", id.UID)
	if id.Email != "" {
		req.Header.Set("X-User-Email", id.Email)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

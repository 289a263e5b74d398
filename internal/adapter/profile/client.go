// Package profile resolves external identifiers to profile records over
// the upstream profile API.
package profile

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// Client implements domain.ProfileService against the profile HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a Client with tracing on its transport.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Profile %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// FetchByUsername resolves a profile by username.
func (c *Client) FetchByUsername(ctx domain.Context, username string) (domain.Profile, error) {
	if username == "" {
		return domain.Profile{}, fmt.Errorf("op=profile.fetch: %w: empty username", domain.ErrInvalidArgument)
	}
	endpoint := fmt.Sprintf("%s/profiles/by-username/%s", c.baseURL, url.PathEscape(username))
	return c.fetch(ctx, endpoint)
}

// FetchByUserID resolves a profile by numeric user id.
func (c *Client) FetchByUserID(ctx domain.Context, userID int64) (domain.Profile, error) {
	endpoint := fmt.Sprintf("%s/profiles/%d", c.baseURL, userID)
	return c.fetch(ctx, endpoint)
}

func (c *Client) fetch(ctx domain.Context, endpoint string) (domain.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("op=profile.fetch: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("op=profile.fetch: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Profile{}, fmt.Errorf("op=profile.fetch: %w", domain.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return domain.Profile{}, fmt.Errorf("op=profile.fetch: profile api status %d", resp.StatusCode)
	}

	var p domain.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return domain.Profile{}, fmt.Errorf("op=profile.fetch: decode response: %w", err)
	}
	return p, nil
}

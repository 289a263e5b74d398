// Package sink pushes finished artifacts into the downstream system of
// record through two chained webhook calls: create the media record, then
// trigger the share record that references it.
package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// Client implements domain.SinkClient against the downstream HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient constructs a Client with tracing on its transport.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Sink %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		now: time.Now,
	}
}

// StoreArtifact chains the two downstream calls for one artifact. The
// external id ties the share record back to the media record.
func (c *Client) StoreArtifact(ctx domain.Context, artifactURL, campaignName string, userID int64) error {
	externalID := fmt.Sprintf("%s-%d-%d", campaignName, userID, c.now().UnixMilli())

	mediaPayload := map[string]any{
		"external_id": externalID,
		"url":         artifactURL,
		"status":      "COMPLETED",
		"user":        userID,
	}
	if err := c.post(ctx, "/create-media/", mediaPayload); err != nil {
		return fmt.Errorf("op=sink.store: create media: %w", err)
	}

	sharePayload := map[string]any{
		"id":          externalID,
		"status":      "succeeded",
		"campaign":    campaignName,
		"title":       strings.ToUpper(strings.ReplaceAll(campaignName, "-", " ")),
		"description": fmt.Sprintf("Poster: %s", campaignName),
		"user":        userID,
	}
	if err := c.post(ctx, "/trigger-share/", sharePayload); err != nil {
		return fmt.Errorf("op=sink.store: trigger share: %w", err)
	}
	return nil
}

func (c *Client) post(ctx domain.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

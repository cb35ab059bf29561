// Package client is the dashboard client used by the orchestrator: typed
// HTTP requests for claim CRUD plus a persistent WebSocket event stream with
// reconnection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// requestTimeout is the deadline applied to every outbound HTTP request.
const requestTimeout = 10 * time.Second

// HTTPError is returned for non-2xx dashboard responses. Callers inspect
// StatusCode to distinguish permanent from transient failures.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("dashboard returned %d: %s", e.StatusCode, e.Body)
}

// ClaimFilter narrows FetchClaims. Zero value fetches everything.
type ClaimFilter struct {
	Statuses     []models.ClaimStatus
	Source       models.Source
	ClaimantType models.ClaimantType
}

// Client talks to one dashboard instance.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client

	stream *stream
}

// New creates a client for the dashboard at baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
	}
	c.stream = newStream(c)
	return c
}

// SetToken sets the bearer token attached to every request.
func (c *Client) SetToken(token string) { c.token = token }

// BaseURL returns the dashboard base URL, used to build worker environments.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchClaims lists claims matching the filter.
func (c *Client) FetchClaims(ctx context.Context, filter ClaimFilter) ([]*models.Claim, error) {
	q := url.Values{}
	if len(filter.Statuses) > 0 {
		parts := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if filter.Source != "" {
		q.Set("source", string(filter.Source))
	}
	if filter.ClaimantType != "" {
		q.Set("claimantType", string(filter.ClaimantType))
	}

	path := "/api/claims"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var claims []*models.Claim
	if err := c.do(ctx, http.MethodGet, path, nil, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// FetchClaim fetches one claim by ID. A missing claim is (nil, nil), not an
// error.
func (c *Client) FetchClaim(ctx context.Context, id string) (*models.Claim, error) {
	var claim models.Claim
	err := c.do(ctx, http.MethodGet, "/api/claims/"+url.PathEscape(id), nil, &claim)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// ClaimIssue assigns an agent claimant and moves the claim to active in one
// request.
func (c *Client) ClaimIssue(ctx context.Context, id string, claimant *models.Claimant) (*models.Claim, error) {
	body := map[string]any{"claimant": claimant}
	var claim models.Claim
	if err := c.do(ctx, http.MethodPost, "/api/claims/"+url.PathEscape(id)+"/claim", body, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// UpdateClaimStatus patches a claim's status, and optionally its progress.
func (c *Client) UpdateClaimStatus(ctx context.Context, id string, status models.ClaimStatus, progress *int) (*models.Claim, error) {
	body := map[string]any{"status": status}
	if progress != nil {
		body["progress"] = *progress
	}
	var claim models.Claim
	if err := c.do(ctx, http.MethodPatch, "/api/claims/"+url.PathEscape(id), body, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// ReleaseClaim clears the claimant, returning the claim to backlog.
func (c *Client) ReleaseClaim(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/claims/"+url.PathEscape(id)+"/release", nil, nil)
}

// PostHook delivers a worker lifecycle hook, used by the spawner's terminal
// best-effort POST.
func (c *Client) PostHook(ctx context.Context, hook any) error {
	return c.do(ctx, http.MethodPost, "/api/hooks/agent", hook, nil)
}

// do runs one JSON request/response cycle against the dashboard.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package apiclient is an HTTP client for the escrow engine's operator API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for the engine API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	ActorID     string // Sent as X-Actor-ID
	ActorRole   string // Sent as X-Actor-Role; defaults to operator
	AdminSecret string // Sent as X-Admin-Secret on admin routes
}

// Client is a plain HTTP client for the engine API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.ActorRole == "" {
		cfg.ActorRole = "operator"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Error is a non-2xx response from the engine.
type Error struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Actor-ID", c.cfg.ActorID)
	req.Header.Set("X-Actor-Role", c.cfg.ActorRole)
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

// GetEscrow returns one escrow with its milestones and disputes.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, nil)
}

// ListEscrows lists escrows, optionally filtered by status.
func (c *Client) ListEscrows(ctx context.Context, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.do(ctx, http.MethodGet, "/v1/escrows", q, nil)
}

// Bulk runs one admin action over many escrows.
func (c *Client) Bulk(ctx context.Context, action string, ids []string, reason string) (json.RawMessage, error) {
	body := map[string]any{"action": action, "escrowIds": ids, "reason": reason}
	return c.do(ctx, http.MethodPost, "/v1/admin/escrows/bulk", nil, body)
}

// Admin runs a single-escrow admin action: freeze, unfreeze or force-complete.
func (c *Client) Admin(ctx context.Context, id, action, reason string) (json.RawMessage, error) {
	path := "/v1/admin/escrows/" + url.PathEscape(id) + "/" + action
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}

// Override rewrites escrow state directly. override is sent as the body.
func (c *Client) Override(ctx context.Context, id string, override any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/admin/escrows/"+url.PathEscape(id)+"/override", nil, override)
}

// Sweep runs one automation pass over every active escrow.
func (c *Client) Sweep(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/automation/sweep", nil, nil)
}

// ProcessEscrow runs automation against one escrow.
func (c *Client) ProcessEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/automation/run", nil, nil)
}

// Settings returns the global automation settings.
func (c *Client) Settings(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/automation/settings", nil, nil)
}

// SetAutomation flips the global kill switch.
func (c *Client) SetAutomation(ctx context.Context, enabled bool) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/v1/automation/settings", nil, map[string]bool{"automationEnabled": enabled})
}

// ListRules lists automation rules.
func (c *Client) ListRules(ctx context.Context, activeOnly bool) (json.RawMessage, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	return c.do(ctx, http.MethodGet, "/v1/automation/rules", q, nil)
}

// SetRuleActive activates or deactivates one rule.
func (c *Client) SetRuleActive(ctx context.Context, id string, active bool) (json.RawMessage, error) {
	action := "deactivate"
	if active {
		action = "activate"
	}
	return c.do(ctx, http.MethodPost, "/v1/automation/rules/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// Events lists automation events, optionally for one escrow.
func (c *Client) Events(ctx context.Context, escrowID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if escrowID != "" {
		q.Set("escrowId", escrowID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.do(ctx, http.MethodGet, "/v1/automation/events", q, nil)
}

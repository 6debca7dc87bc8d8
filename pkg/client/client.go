// Package client provides a typed Go client for the rail's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status int
	Title  string
	Detail string
	// Code is the rail error code, e.g. "approval_window_closed".
	Code string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rail api %d: %s (%s)", e.Status, e.Detail, e.Code)
	}
	return fmt.Sprintf("rail api %d: %s", e.Status, e.Detail)
}

// problem mirrors the server's RFC 7807 body.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// Client is a typed client for the rail API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var p problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err == nil && p.Status != 0 {
			return &APIError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail, Code: p.Code}
		}
		return &APIError{Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Evaluate calls POST /v1/evaluate. Denials are verdicts, not errors.
func (c *Client) Evaluate(ctx context.Context, p contracts.ActionProposal) (*contracts.Verdict, error) {
	var out contracts.Verdict
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetApproval calls GET /v1/approvals/{id}.
func (c *Client) GetApproval(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	var out contracts.ApprovalRequest
	if err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveApproval calls POST /v1/approvals/{id}/resolve. approverID may be
// empty when the token identifies the approver.
func (c *Client) ResolveApproval(ctx context.Context, id, approverID string, decision contracts.Decision, comment string) (*contracts.ApprovalRequest, error) {
	body := map[string]string{"decision": string(decision)}
	if approverID != "" {
		body["approver_id"] = approverID
	}
	if comment != "" {
		body["comment"] = comment
	}
	var out contracts.ApprovalRequest
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/resolve", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

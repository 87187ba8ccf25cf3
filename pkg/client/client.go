// Package client is a typed Go client for the Cybulous HTTP API.
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

	"github.com/Doctor0Evil/Cybulous/pkg/api"
	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Problem api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Code != "" {
		return fmt.Sprintf("cybulous api %d: %s (%s)", e.Status, e.Problem.Detail, e.Problem.Code)
	}
	return fmt.Sprintf("cybulous api %d: %s", e.Status, e.Problem.Detail)
}

// IsPolicyRejection reports whether err is a 403 age or discipline refusal.
func IsPolicyRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden && apiErr.Problem.Code != ""
}

// Client talks to one Cybulous server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func consentPath(userID string) string {
	return "/v1/consents/" + url.PathEscape(userID)
}

// RequestConsent calls POST /v1/consents/{userID}.
func (c *Client) RequestConsent(ctx context.Context, userID string) (*api.GrantResponse, error) {
	var out api.GrantResponse
	if err := c.do(ctx, http.MethodPost, consentPath(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyConsent calls POST /v1/consents/{userID}/verify.
func (c *Client) VerifyConsent(ctx context.Context, userID, proof string) (bool, error) {
	var out api.VerifyResponse
	if err := c.do(ctx, http.MethodPost, consentPath(userID)+"/verify", map[string]string{"proof": proof}, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// RevokeConsent calls DELETE /v1/consents/{userID}.
func (c *Client) RevokeConsent(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, consentPath(userID), nil, nil)
}

// ListTools calls GET /v1/tools.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	var out struct {
		Tools []string `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// ExecuteTool calls POST /v1/tools/calls. Consent denial, failure and timeout come back
// as a response status, not an error.
func (c *Client) ExecuteTool(ctx context.Context, call *orchestrator.ToolCall) (*orchestrator.ToolResponse, error) {
	var out orchestrator.ToolResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tools/calls", call, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

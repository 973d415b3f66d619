// Package client is the remote side of the bridge: a directory client for
// the session endpoints, a WebSocket dialer for attachment channels, the tab
// multiplexer that owns a client's open tabs, and the directory poller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/termbridge/termbridge/internal/session"
)

// APIError is a non-2xx response from the session endpoints. Message is the
// server's error text, surfaced verbatim.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
	}
	return e.Message
}

// HTTPDirectory makes REST calls to the session endpoints.
type HTTPDirectory struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPDirectory creates a client targeting the given base URL (e.g. "http://127.0.0.1:3000").
func NewHTTPDirectory(baseURL, token string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// List fetches GET /api/sessions.
func (c *HTTPDirectory) List(ctx context.Context) ([]session.Info, error) {
	var out []session.Info
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []session.Info{}
	}
	return out, nil
}

// Create sends POST /api/sessions.
func (c *HTTPDirectory) Create(ctx context.Context, name, workingDir string) error {
	body := map[string]string{"name": name}
	if workingDir != "" {
		body["workingDir"] = workingDir
	}
	return c.do(ctx, http.MethodPost, "/api/sessions", body, nil)
}

// Kill sends DELETE /api/sessions.
func (c *HTTPDirectory) Kill(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions", map[string]string{"name": name}, nil)
}

func (c *HTTPDirectory) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPDirectory) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

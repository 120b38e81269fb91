// Package api is the HTTP glue toward the platform API. It supplies the
// bearer token synchronously from the vault on every request; when no
// live token is available the call fails with ErrorUnauthorized before
// anything is sent, forcing re-authentication instead of submitting an
// expired credential.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dbelyaev/tabkeeper/internal/common"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

// TokenSource yields the current bearer token without blocking, "" when
// none is live.
type TokenSource interface {
	TokenSync() string
}

// Client issues authenticated JSON requests.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	log     logging.Logger
}

// NewClient constructs a Client for the given base URL.
func NewClient(baseURL string, tokens TokenSource, log logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		log:     log,
	}
}

// Do performs an authenticated JSON request. in (if non-nil) is sent as
// the JSON body; out (if non-nil) receives the decoded response.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	token := c.tokens.TokenSync()
	if token == "" {
		return common.ErrorUnauthorized
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(common.AuthHeaderName, "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.log.Warn(ctx, "request rejected, re-authentication required",
			"method", method, "path", path)
		return common.ErrorUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, common.ErrorNotFound)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

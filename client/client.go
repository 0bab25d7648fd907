package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/helioslabs/ctxd/models"
)

const defaultTimeout = 10 * time.Second

var (
	ErrUnauthorized     = errors.New("credential rejected")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("request rejected")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnavailable      = errors.New("service unavailable")
)

type Config struct {
	// Address is the scheme://host:port of the service, e.g.
	// "https://ctx.example.com:8899".
	Address    string
	Token      string
	SkipVerify bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is the HTTP API client for the context service. For the
// resident websocket surface see Listener.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	baseURL, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address %q: %w", cfg.Address, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.SkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		token:      cfg.Token,
		logger:     logger.WithGroup("ctx_client"),
	}, nil
}

// SetToken swaps the bearer credential used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Update writes one context entry. Priority zero means "use the
// service default".
func (c *Client) Update(ctx context.Context, key string, payload any, source string, priority int) (*models.SnapshotMetadata, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	var resp models.Response
	err = c.do(ctx, http.MethodPost, "/api/v1/ctx/update", models.Request{
		Key:      key,
		Context:  raw,
		Source:   source,
		Priority: priority,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// Snapshot fetches the full current context.
func (c *Client) Snapshot(ctx context.Context) (*models.Snapshot, error) {
	var resp models.Response
	if err := c.do(ctx, http.MethodGet, "/api/v1/ctx/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	snap := &models.Snapshot{Entries: resp.Data}
	if resp.Metadata != nil {
		snap.Metadata = *resp.Metadata
	}
	return snap, nil
}

// Query fetches entries matching the filter, ordered by priority then
// recency.
func (c *Client) Query(ctx context.Context, filter models.QueryFilter) ([]models.Entry, error) {
	path := "/api/v1/ctx/query"
	q := url.Values{}
	if filter.Source != nil {
		q.Set("source", *filter.Source)
	}
	if filter.MinPriority != nil {
		q.Set("min_priority", strconv.Itoa(*filter.MinPriority))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp models.Response
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Clear removes the named keys, or the entire store when keys is
// empty. Clearing everything requires the admin role.
func (c *Client) Clear(ctx context.Context, keys ...string) (*models.SnapshotMetadata, error) {
	var resp models.Response
	if err := c.do(ctx, http.MethodPost, "/api/v1/ctx/clear", models.Request{Keys: keys}, &resp); err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// PingResult is the service's health summary.
type PingResult struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Sessions    int    `json:"sessions"`
	EntryCount  int    `json:"entry_count"`
	TotalTokens int    `json:"total_tokens"`
	MaxTokens   int    `json:"max_tokens"`
}

func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var out PingResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/ctx/ping", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return c.statusError(resp)
}

func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiErr models.ErrorResponse
	message := ""
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
		message = apiErr.Message
	}

	var base error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrPermissionDenied
	case http.StatusBadRequest:
		base = ErrValidation
	case http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		if retryAfter != "" {
			return fmt.Errorf("%w: retry after %ss", ErrRateLimited, retryAfter)
		}
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		base = ErrUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	if message != "" {
		return fmt.Errorf("%w: %s", base, message)
	}
	return base
}

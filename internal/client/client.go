// Package client is the HTTP transport of the sync protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"go.uber.org/zap"
)

const (
	refreshedTokenHeader = "X-Refreshed-Token"
	idempotencyKeyHeader = "Idempotency-Key"
)

// Config holds transport configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// OnTokenRefreshed is called with every token the server rolls
	OnTokenRefreshed func(token string)
}

// Client talks to the sync server over HTTP
type Client struct {
	baseURL   string
	http      *http.Client
	onRefresh func(string)
	logger    *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		onRefresh: cfg.OnTokenRefreshed,
		logger:    logger,
		token:     cfg.Token,
	}
}

// Token returns the bearer token currently in use
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Upload sends local ops. idempotencyKey may be empty.
func (c *Client) Upload(ctx context.Context, clientID string, ops []model.Operation, idempotencyKey string) (*model.UploadResponse, error) {
	body, err := json.Marshal(model.UploadRequest{Ops: ops, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("marshal upload: %w", err)
	}
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[idempotencyKeyHeader] = idempotencyKey
	}

	var resp model.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/sync/ops", bytes.NewReader(body), headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches ops with seq > sinceSeq uploaded by other clients
func (c *Client) Download(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*model.DownloadResponse, error) {
	q := url.Values{}
	q.Set("sinceSeq", strconv.FormatInt(sinceSeq, 10))
	if excludeClient != "" {
		q.Set("excludeClient", excludeClient)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp model.DownloadResponse
	if err := c.do(ctx, http.MethodGet, "/sync/ops?"+q.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server's view of the user's log
func (c *Client) Status(ctx context.Context) (*model.SyncStatus, error) {
	var resp model.SyncStatus
	if err := c.do(ctx, http.MethodGet, "/sync/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplaceToken rotates the token; every previous token stops working. The
// new token is adopted by the client.
func (c *Client) ReplaceToken(ctx context.Context) (*model.ReplaceTokenResponse, error) {
	var resp model.ReplaceTokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/replace-token", nil, nil, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerrors.NewSyncError(syncerrors.ErrorCodeServiceDown, "sync server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if refreshed := resp.Header.Get(refreshedTokenHeader); refreshed != "" {
		c.SetToken(refreshed)
		if c.onRefresh != nil {
			c.onRefresh(refreshed)
		}
		c.logger.Debug("token refreshed by server")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

type errorResponse struct {
	ErrorCode syncerrors.ErrorCode `json:"error_code"`
	Message   string               `json:"message"`
	RequestID string               `json:"request_id"`
}

func decodeError(resp *http.Response) error {
	var e errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil || e.ErrorCode == "" {
		e.ErrorCode = codeForStatus(resp.StatusCode)
		e.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	se := syncerrors.NewSyncError(e.ErrorCode, e.Message, nil).WithDetail("status", resp.StatusCode)
	if e.RequestID != "" {
		se.WithDetail("request_id", e.RequestID)
	}
	return se
}

func codeForStatus(status int) syncerrors.ErrorCode {
	switch {
	case status == http.StatusUnauthorized:
		return syncerrors.ErrorCodeUnauthorized
	case status == http.StatusTooManyRequests:
		return syncerrors.ErrorCodeRateLimited
	case status < http.StatusInternalServerError:
		return syncerrors.ErrorCodeInvalidRequest
	default:
		return syncerrors.ErrorCodeInternalError
	}
}

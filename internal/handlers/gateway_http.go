package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPGatewayConfig configures the REST gateway client.
type HTTPGatewayConfig struct {
	BaseURL         string
	RequestTimeout  time.Duration // upper bound per request, on top of ctx
	MaxResponseBody int64
	HTTPClient      *http.Client
}

// HTTPGatewayClient talks to the gateway REST API. Session cookies and the
// bearer token from login are kept for subsequent calls.
type HTTPGatewayClient struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
	maxBody int64

	mu    sync.RWMutex
	token string
}

// NewHTTPGatewayClient creates a client for the gateway at cfg.BaseURL.
func NewHTTPGatewayClient(cfg HTTPGatewayConfig) (*HTTPGatewayClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid gateway url %q", cfg.BaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		jar, _ := cookiejar.New(nil)
		client = &http.Client{Jar: jar}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultHTTPTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &HTTPGatewayClient{base: base, client: client, timeout: cfg.RequestTimeout, maxBody: cfg.MaxResponseBody}, nil
}

func (c *HTTPGatewayClient) Login(ctx context.Context, username, password string) error {
	resp, err := c.Request(ctx, http.MethodPost, "/api/login", map[string]any{"username": username, "password": password})
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Bad credentials will not get better on retry.
		return schema.NewErrorf(schema.ErrCodeValidation, "gateway rejected credentials for %q", username)
	}
	if err := statusErr("login", resp); err != nil {
		return err
	}
	if body, ok := resp.Body.(map[string]any); ok {
		if tok, ok := body["token"].(string); ok {
			c.mu.Lock()
			c.token = tok
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *HTTPGatewayClient) Logout(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodPost, "/api/logout", nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return statusErr("logout", resp)
}

func (c *HTTPGatewayClient) Ping(ctx context.Context) (map[string]any, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/api/status", nil)
	if err != nil {
		return nil, err
	}
	if err := statusErr("ping", resp); err != nil {
		return nil, err
	}
	out, _ := resp.Body.(map[string]any)
	if out == nil {
		out = map[string]any{"body": resp.Body}
	}
	return out, nil
}

func (c *HTTPGatewayClient) ListModules(ctx context.Context) ([]Module, error) {
	var mods []Module
	if err := c.getJSON(ctx, "/api/modules", &mods); err != nil {
		return nil, err
	}
	return mods, nil
}

func (c *HTTPGatewayClient) ModuleState(ctx context.Context, id string) (string, error) {
	var mod Module
	if err := c.getJSON(ctx, "/api/modules/"+url.PathEscape(id), &mod); err != nil {
		return "", err
	}
	return mod.State, nil
}

func (c *HTTPGatewayClient) UploadModule(ctx context.Context, path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "open module file: %v", err).WithCause(err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/modules", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	if err := statusErr("upload module", resp); err != nil {
		return nil, err
	}
	var mod Module
	if err := remarshal(resp.Body, &mod); err != nil {
		return nil, execErr("gateway.upload_module", "decode response: %v", err)
	}
	return &mod, nil
}

func (c *HTTPGatewayClient) Restart(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodPost, "/api/restart", nil)
	if err != nil {
		return err
	}
	return statusErr("restart", resp)
}

// Request performs a JSON request against path relative to the base URL.
func (c *HTTPGatewayClient) Request(ctx context.Context, method, path string, body any) (*GatewayResponse, error) {
	var reader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "marshal request body").WithCause(err)
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, strings.ToUpper(method), path, reader, contentType)
}

func (c *HTTPGatewayClient) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := statusErr("GET "+path, resp); err != nil {
		return err
	}
	return remarshal(resp.Body, dst)
}

func (c *HTTPGatewayClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*GatewayResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(reqCtx, method, target.String(), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "build gateway request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(resp.Header.Get("Content-Type"), "json") {
			var decoded any
			if json.Unmarshal(raw, &decoded) == nil {
				parsed = decoded
			}
		}
	}

	return &GatewayResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       parsed,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// statusErr maps 4xx to a non-retryable validation failure and 5xx to a
// retryable step failure.
func statusErr(op string, resp *GatewayResponse) error {
	switch {
	case resp.StatusCode >= 500:
		return schema.NewErrorf(schema.ErrCodeStepExecution, "gateway %s: server returned %d", op, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": resp.Body})
	case resp.StatusCode == http.StatusNotFound:
		return schema.NewErrorf(schema.ErrCodeNotFound, "gateway %s: not found", op)
	case resp.StatusCode >= 400:
		return schema.NewErrorf(schema.ErrCodeValidation, "gateway %s: request rejected with %d", op, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": resp.Body})
	}
	return nil
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

var _ GatewayClient = (*HTTPGatewayClient)(nil)

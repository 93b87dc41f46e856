package openai_compat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"albert/internal/apierr"
	"albert/internal/providers"
)

const maxBodyBytes = 16 << 20

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(10*time.Second, cfg.Timeout)
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

// NewHTTPClient has no overall timeout: streams may run long, so deadlines
// are applied per call instead.
func NewHTTPClient(connectTimeout, headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: headerTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) BaseURL() string { return c.cfg.BaseURL }
func (c *Client) APIKey() string  { return c.cfg.APIKey }
func (c *Client) Model() string   { return c.cfg.Model }

func (c *Client) Post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	return c.call(ctx, http.MethodPost, endpoint, body)
}

func (c *Client) Models(ctx context.Context) ([]byte, error) {
	return c.call(ctx, http.MethodGet, providers.EndpointModels, nil)
}

func (c *Client) call(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	endpointURL, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, apierr.Internal("InvalidURL")
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		out, retry, err := c.callOnce(ctx, method, endpointURL, body)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, NormalizeTransport(ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) callOnce(ctx context.Context, method, endpointURL string, body []byte) (out []byte, retry bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, endpointURL, body)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, !IsTimeout(err) && ctx.Err() == nil, NormalizeTransport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, false, NormalizeTransport(err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, NormalizeStatus(resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, NormalizeStatus(resp.StatusCode, respBody)
	}
	return respBody, false, nil
}

// Stream opens an SSE response. The returned stream owns the connection
// until Close. An idle upstream (no bytes for Timeout) ends it with a 504.
func (c *Client) Stream(ctx context.Context, endpoint string, body []byte) (providers.Stream, error) {
	endpointURL, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, apierr.Internal("InvalidURL")
	}

	sctx, cancel := context.WithCancelCause(ctx)
	req, err := c.newRequest(sctx, http.MethodPost, endpointURL, body)
	if err != nil {
		cancel(nil)
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	idle := time.AfterFunc(c.cfg.Timeout, func() { cancel(errIdleTimeout) })
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		idle.Stop()
		cause := context.Cause(sctx)
		cancel(nil)
		if cause == errIdleTimeout {
			return nil, apierr.Unavailable()
		}
		return nil, NormalizeTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel(nil)
		defer idle.Stop()
		defer resp.Body.Close()
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, NormalizeTransport(err)
		}
		return newErrorStream(resp.StatusCode, respBody), nil
	}

	return newEventStream(sctx, cancel, idle, c.cfg.Timeout, resp), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpointURL string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, rd)
	if err != nil {
		return nil, apierr.Internal("InvalidRequest")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

func (c *Client) endpointURL(endpoint string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	return u.String(), nil
}

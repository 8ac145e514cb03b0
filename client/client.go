// Package client issues calls against the platform's batch API while
// holding the hourly quota. All traffic goes through the two batch
// endpoints; a call that would land inside a quota backoff is refused
// locally without touching the network.
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
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	readPath  = "/read"
	writePath = "/write"

	// quotaMarker appears in the response body when the hourly call
	// budget is gone, regardless of status code.
	quotaMarker = "MAX_HOURLY_CALLS_EXCEEDED"
	// remainingHeader carries the server's authoritative remaining
	// call count.
	remainingHeader = "x-rate-limit-remaining"
	// lowQuotaWarn is the remaining-calls level that triggers a warning.
	lowQuotaWarn = 20

	defaultTimeout = 25 * time.Second
	maxBodyBytes   = 4 << 20

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Transport pool sizing. One client serves every watch loop, so idle
// connections are worth keeping around.
const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 60 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL string // API root, e.g. https://forum.example.com/api/v2
	Token   string // bearer token; the authorization flow is out of scope
	Proxy   string // optional forward proxy URL
	Timeout time.Duration
	// Quota is the shared window state. Leave nil to create one with
	// HourlyLimit.
	Quota       *Quota
	HourlyLimit int
	Logger      *slog.Logger
}

// Client is a quota-tracking API caller. One instance is shared by all
// watch loops; it is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	quota   *Quota
	logger  *slog.Logger
	proxied bool
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("client: token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Quota == nil {
		cfg.Quota = NewQuota(cfg.HourlyLimit)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeout,
	}
	proxied := false
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("client: parse proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		// Residential proxies terminate TLS with their own certs;
		// verification is relaxed only on proxied traffic.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		proxied = true
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpc:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		quota:   cfg.Quota,
		logger:  cfg.Logger,
		proxied: proxied,
	}, nil
}

// Quota exposes the shared window state.
func (c *Client) Quota() *Quota { return c.quota }

// Read issues one read call with the given asks.
func (c *Client) Read(ctx context.Context, asks map[string]any) (map[string]json.RawMessage, error) {
	return c.call(ctx, readPath, asks)
}

// Write issues one write call with the given asks.
func (c *Client) Write(ctx context.Context, asks map[string]any) (map[string]json.RawMessage, error) {
	return c.call(ctx, writePath, asks)
}

// Ping verifies the token with a minimal identity read.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Read(ctx, map[string]any{"me": map[string]any{"uid": true}})
	return err
}

func (c *Client) call(ctx context.Context, path string, asks map[string]any) (map[string]json.RawMessage, error) {
	if c.quota.BackingOff() {
		retryAfter := time.Until(c.quota.ResetAt())
		c.logger.Debug("call refused, quota backoff", "endpoint", path, "retry_after", retryAfter.String())
		return nil, &APIError{Kind: ErrQuota, Msg: "hourly quota exhausted, backing off", RetryAfter: retryAfter}
	}

	payload, err := json.Marshal(asks)
	if err != nil {
		return nil, fmt.Errorf("encode asks: %w", err)
	}
	form := url.Values{"asks": {string(payload)}}

	ctx, cancel := context.WithTimeout(ctx, c.httpc.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	c.quota.RecordCall()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, c.classifyTransport(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classifyTransport(path, err)
	}

	if v := resp.Header.Get(remainingHeader); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.quota.ObserveRemaining(n)
			if n < lowQuotaWarn {
				c.logger.Warn("quota running low", "remaining", n)
			}
		}
	}

	if bytes.Contains(body, []byte(quotaMarker)) {
		retryAfter := c.quota.MarkExhausted()
		c.logger.Warn("hourly quota exhausted", "endpoint", path, "retry_after", retryAfter.String())
		return nil, &APIError{Kind: ErrQuota, Status: resp.StatusCode, Msg: "hourly quota exhausted", RetryAfter: retryAfter}
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Warn("api call failed", "endpoint", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
		return nil, err
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &APIError{Kind: ErrMalformed, Status: resp.StatusCode, Msg: "response is not a JSON object", Body: bodyPrefix(body)}
	}

	c.logger.Debug("api call",
		"endpoint", path,
		"resources", len(asks),
		"duration_ms", time.Since(start).Milliseconds(),
		"remaining", c.quota.Remaining())
	return result, nil
}

// classifyTransport maps request-level failures onto the taxonomy.
func (c *Client) classifyTransport(path string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("call %s: %w", path, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return &APIError{Kind: ErrTimeout, Msg: fmt.Sprintf("call %s timed out: %v", path, err)}
	}
	if c.proxied {
		return &APIError{Kind: ErrProxy, Msg: fmt.Sprintf("proxy relay failed: %v", err)}
	}
	return &APIError{Kind: ErrServer, Msg: fmt.Sprintf("call %s failed: %v", path, err)}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusUnauthorized:
		return &APIError{Kind: ErrAuth, Status: status, Msg: "token expired or revoked"}
	case status == http.StatusForbidden:
		return &APIError{Kind: ErrPermission, Status: status, Msg: "missing scope or blocked at the edge"}
	case status == http.StatusNotFound:
		return &APIError{Kind: ErrNotFound, Status: status, Msg: "no such endpoint or resource"}
	case status == http.StatusServiceUnavailable:
		// The platform answers 503 both for maintenance and for
		// blocked callers; treated as a permission problem so it is
		// surfaced rather than silently retried forever.
		return &APIError{Kind: ErrPermission, Status: status, Msg: "service refused the call"}
	case status >= 500:
		return &APIError{Kind: ErrServer, Status: status, Msg: "server error"}
	default:
		return &APIError{Kind: ErrServer, Status: status, Msg: "unexpected status"}
	}
}

func bodyPrefix(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}

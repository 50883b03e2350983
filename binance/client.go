package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pairhedge/pairhedge/alert"
	"github.com/pairhedge/pairhedge/internal/clock"
)

// DefaultBaseURL is the production USDT-margined futures endpoint.
const DefaultBaseURL = "https://fapi.binance.com"

const (
	defaultRecvWindow   = 10 * time.Second
	defaultHTTPTimeout  = 15 * time.Second
	clockResyncInterval = 60 * time.Second
	maxBackoff          = 15 * time.Second
	maxJitter           = 200 * time.Millisecond
	defaultCooldown     = 5 * time.Second
)

// RetryPolicy bounds the retry loop. Immutable; one value is shared by every
// client in the process.
type RetryPolicy struct {
	// MaxRetries is the total attempt budget, first try included.
	MaxRetries int
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 4
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	return p
}

// backoff returns the sleep before the next attempt, n counting completed
// attempts: min(15s, base·2^(n−1)) plus up to 200ms of jitter.
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + rand.N(maxJitter)
}

// Client signs and sends requests for exactly one account. It owns the
// account's clock offset and never shares it.
type Client struct {
	account    Account
	baseURL    string
	httpc      *http.Client
	recvWindow time.Duration
	policy     RetryPolicy
	gate       *RateGate
	clk        clock.Clock
	notifier   alert.Notifier
	logger     *slog.Logger

	clockMu  sync.Mutex
	offset   time.Duration
	lastSync time.Time
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithRetryPolicy overrides the default retry budget.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p.withDefaults() }
}

// WithRecvWindow overrides the signed-request validity window.
func WithRecvWindow(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.recvWindow = d
		}
	}
}

// WithRateGate shares or replaces the request pacing gate.
func WithRateGate(g *RateGate) ClientOption {
	return func(c *Client) {
		if g != nil {
			c.gate = g
		}
	}
}

// WithClock injects the time source.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithNotifier wires the alert collaborator invoked on retry exhaustion.
func WithNotifier(n alert.Notifier) ClientOption {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithClientLogger scopes the client's log output.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the transport, discarding any proxy derived from
// the account.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// NewClient builds the request layer for one account.
func NewClient(account Account, baseURL string, opts ...ClientOption) (*Client, error) {
	if account.APIKey == "" || account.APISecret == "" {
		return nil, fmt.Errorf("account %q: api key and secret are required", account.Label)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpc := &http.Client{Timeout: defaultHTTPTimeout}
	if account.ProxyURL != "" {
		proxyURL, err := url.Parse(account.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("account %q: parsing proxy url: %w", account.Label, err)
		}
		httpc.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	c := &Client{
		account:    account,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpc:      httpc,
		recvWindow: defaultRecvWindow,
		policy:     RetryPolicy{}.withDefaults(),
		clk:        clock.System(),
		notifier:   alert.Nop{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate == nil {
		c.gate = NewRateGate(0, c.clk)
	}
	c.logger = c.logger.WithGroup("binance").With(slog.String("account", account.Label))
	return c, nil
}

// Account returns the identity this client signs for.
func (c *Client) Account() Account { return c.account }

// Do sends one logical request, signing it when signed is true and retrying
// retryable failures within the policy budget. On a clock-skew rejection the
// offset is resynchronized before the next attempt; when the budget runs out
// the alert collaborator is notified once and the last error is returned.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := c.clk.Sleep(ctx, c.policy.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		body, err := c.doOnce(ctx, method, path, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, lastErr)
		}
		if !Retryable(err) {
			return nil, fmt.Errorf("%s %s: %w", method, path, lastErr)
		}
		if IsClockSkew(err) {
			if syncErr := c.SyncClock(ctx); syncErr != nil {
				c.logger.Warn("clock resync after skew rejection failed",
					slog.String("error", syncErr.Error()))
			}
		}
		if IsRateLimited(err) {
			c.gate.Cooldown(cooldownFor(err))
		}
		c.logger.Warn("request attempt failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Int("budget", c.policy.MaxRetries),
			slog.String("error", err.Error()))
	}

	c.notifier.Notify(ctx, alert.Event{
		Subject: "request retry budget exhausted",
		Detail:  fmt.Sprintf("%s %s %s: %v", c.account.Label, method, path, lastErr),
		At:      c.clk.Now(),
	})
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.policy.MaxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if signed {
		c.maybeResyncClock(ctx)
	}
	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			values.Add(k, v)
		}
	}
	if signed {
		ts := c.clk.Now().Add(c.clockOffset()).UnixMilli()
		values.Set("timestamp", strconv.FormatInt(ts, 10))
		values.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		values.Set("signature", c.sign(values.Encode()))
	}

	reqURL := c.baseURL + path
	var reqBody io.Reader
	encoded := values.Encode()
	if method == http.MethodPost {
		reqBody = strings.NewReader(encoded)
	} else if encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.account.APIKey)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apiErrorFrom(resp, body)
	}
	// Some endpoints report application errors inside a 200.
	if apiErr := embeddedAPIError(body); apiErr != nil {
		return nil, apiErr
	}
	return body, nil
}

// sign computes the HMAC-SHA256 hex digest of the encoded parameters.
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.account.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func apiErrorFrom(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{HTTPStatus: resp.StatusCode}
	var wire struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Msg != "" {
		apiErr.Code = wire.Code
		apiErr.Msg = wire.Msg
	} else {
		apiErr.Msg = strings.TrimSpace(string(body))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// embeddedAPIError detects the {code,msg} error shape inside a 2xx body.
// Success envelopes with non-negative codes pass through.
func embeddedAPIError(body []byte) *APIError {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, `"code"`) {
		return nil
	}
	var wire struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil
	}
	if wire.Code < 0 {
		return &APIError{HTTPStatus: http.StatusOK, Code: wire.Code, Msg: wire.Msg}
	}
	return nil
}

func cooldownFor(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return defaultCooldown
}

// ServerTime fetches the venue clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.doOnce(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetching server time: %w", err)
	}
	var wire struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return time.Time{}, fmt.Errorf("decoding server time: %w", err)
	}
	return time.UnixMilli(wire.ServerTime), nil
}

// SyncClock refreshes the account's clock offset from the venue.
func (c *Client) SyncClock(ctx context.Context) error {
	serverTime, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	now := c.clk.Now()
	offset := serverTime.Sub(now)

	c.clockMu.Lock()
	c.offset = offset
	c.lastSync = now
	c.clockMu.Unlock()

	c.logger.Debug("clock synchronized", slog.Duration("offset", offset))
	return nil
}

// maybeResyncClock refreshes the offset ahead of a signed call when the last
// sync is older than the resync interval. Failure is non-fatal; the reactive
// skew path still covers a stale offset.
func (c *Client) maybeResyncClock(ctx context.Context) {
	c.clockMu.Lock()
	stale := c.clk.Now().Sub(c.lastSync) > clockResyncInterval
	c.clockMu.Unlock()
	if !stale {
		return
	}
	if err := c.SyncClock(ctx); err != nil {
		c.logger.Warn("proactive clock sync failed", slog.String("error", err.Error()))
	}
}

func (c *Client) clockOffset() time.Duration {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	return c.offset
}

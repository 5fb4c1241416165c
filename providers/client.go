package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/health-research-mcp/internal/logctx"
	"github.com/ggoodman/health-research-mcp/internal/respcache"
	"github.com/ggoodman/health-research-mcp/mcpservice"
	"golang.org/x/time/rate"
)

const (
	DefaultGetTimeout  = 30 * time.Second
	DefaultPostTimeout = 60 * time.Second
	DefaultMaxRetries  = 2

	// maxErrorBody bounds the upstream body echoed in tool error metadata.
	maxErrorBody = 2048
	// maxResponseBody bounds how much of an upstream response is read.
	maxResponseBody = 32 << 20
)

// UpstreamObserver receives one event per outbound attempt. status is zero
// when no response arrived.
type UpstreamObserver interface {
	ObserveUpstream(provider string, status int, dur time.Duration)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeouts sets the per-call deadlines for GET and POST requests. Retries
// share the deadline of the call they belong to.
func WithTimeouts(get, post time.Duration) ClientOption {
	return func(c *Client) {
		if get > 0 {
			c.getTimeout = get
		}
		if post > 0 {
			c.postTimeout = post
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = max(n, 0) }
}

// WithRetryInterval sets the initial backoff interval.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.retryInterval = d }
}

// WithCache enables caching of successful GET responses for ttl.
func WithCache(cache respcache.Cache, ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithHostRateLimit limits requests to host (as in URL.Hostname) to rps
// with the given burst.
func WithHostRateLimit(host string, rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiters[host] = rate.NewLimiter(rate.Limit(rps), max(burst, 1)) }
}

// WithClientLogger sets the logger. Logs are discarded by default.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithUpstreamObserver registers an observer for outbound requests.
func WithUpstreamObserver(o UpstreamObserver) ClientOption {
	return func(c *Client) { c.obs = o }
}

// Client performs outbound provider calls with bounded timeouts, retries of
// transient failures, per-host rate limiting and optional GET caching.
// Failures are returned as *mcpservice.ToolError.
type Client struct {
	http          *http.Client
	getTimeout    time.Duration
	postTimeout   time.Duration
	maxRetries    int
	retryInterval time.Duration
	cache         respcache.Cache
	cacheTTL      time.Duration
	log           *slog.Logger
	obs           UpstreamObserver

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:          &http.Client{},
		getTimeout:    DefaultGetTimeout,
		postTimeout:   DefaultPostTimeout,
		maxRetries:    DefaultMaxRetries,
		retryInterval: 250 * time.Millisecond,
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// GetJSON fetches u and returns the decoded JSON document.
func (c *Client) GetJSON(ctx context.Context, provider, u string, headers map[string]string) (any, error) {
	body, err := c.do(ctx, provider, http.MethodGet, u, nil, headers)
	if err != nil {
		return nil, err
	}
	return decodeBody(body), nil
}

// GetRaw fetches u and returns the body as-is.
func (c *Client) GetRaw(ctx context.Context, provider, u string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, provider, http.MethodGet, u, nil, headers)
}

// PostJSON sends payload as JSON to u and returns the decoded response.
func (c *Client) PostJSON(ctx context.Context, provider, u string, payload any, headers map[string]string) (any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", provider, err)
	}
	body, err := c.do(ctx, provider, http.MethodPost, u, b, headers)
	if err != nil {
		return nil, err
	}
	return decodeBody(body), nil
}

// decodeBody decodes a JSON body, keeping numbers exact. Anything that is
// not JSON is passed through as text.
func decodeBody(body []byte) any {
	var v any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return string(body)
	}
	return v
}

func (c *Client) do(ctx context.Context, provider, method, u string, body []byte, headers map[string]string) ([]byte, error) {
	parsed, err := url.Parse(u)
	if err != nil {
		return nil, mcpservice.NewToolError(map[string]any{"url": redactURL(u)}, "invalid %s URL: %v", provider, unwrapURLError(err))
	}

	ctx = logctx.WithUpstreamData(ctx, &logctx.UpstreamData{Provider: provider, Method: method, Host: parsed.Host})

	var key string
	cacheable := method == http.MethodGet && c.cache != nil && c.cacheTTL > 0
	if cacheable {
		key = respcache.Key(method, u)
		if b, ok, err := c.cache.Get(ctx, key); err != nil {
			c.log.WarnContext(ctx, "upstream.cache.get.fail", slog.String("err", err.Error()))
		} else if ok {
			c.log.DebugContext(ctx, "upstream.cache.hit")
			return b, nil
		}
	}

	timeout := c.getTimeout
	if method == http.MethodPost {
		timeout = c.postTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		b, err := c.attempt(callCtx, provider, method, parsed, body, headers)
		if err != nil {
			return err
		}
		out = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), callCtx)
	notify := func(err error, wait time.Duration) {
		c.log.InfoContext(ctx, "upstream.request.retry",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("err", err.Error()),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		te := c.toolError(callCtx, provider, method, parsed, timeout, err)
		c.log.InfoContext(ctx, "upstream.request.fail",
			slog.Int("attempts", attempt),
			slog.String("err", te.Message),
			slog.Duration("dur", time.Since(start)),
		)
		return nil, te
	}

	c.log.InfoContext(ctx, "upstream.request.ok",
		slog.Int("attempts", attempt),
		slog.Duration("dur", time.Since(start)),
	)

	if cacheable {
		if err := c.cache.Set(ctx, key, out, c.cacheTTL); err != nil {
			c.log.WarnContext(ctx, "upstream.cache.set.fail", slog.String("err", err.Error()))
		}
	}
	return out, nil
}

// statusError is a non-2xx upstream response.
type statusError struct {
	status int
	body   []byte
}

func (e *statusError) Error() string {
	return "Request failed with status code " + strconv.Itoa(e.status)
}

func (c *Client) attempt(ctx context.Context, provider, method string, u *url.URL, body []byte, headers map[string]string) ([]byte, error) {
	if lim := c.limiter(u.Hostname()); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(provider, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.observe(provider, resp.StatusCode, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{status: resp.StatusCode, body: b}
		if retryableStatus(resp.StatusCode) {
			return nil, se
		}
		return nil, backoff.Permanent(se)
	}
	return b, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiters[host]
}

func (c *Client) observe(provider string, status int, dur time.Duration) {
	if c.obs != nil {
		c.obs.ObserveUpstream(provider, status, dur)
	}
}

func (c *Client) toolError(ctx context.Context, provider, method string, u *url.URL, timeout time.Duration, err error) *mcpservice.ToolError {
	meta := map[string]any{"url": redactURL(u.String())}

	var se *statusError
	if errors.As(err, &se) {
		meta["status"] = se.status
		if len(se.body) > 0 {
			meta["body"] = truncate(string(se.body), maxErrorBody)
		}
		return mcpservice.NewToolError(meta, "%s", se.Error())
	}

	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return mcpservice.NewToolError(meta, "timeout of %dms exceeded", timeout.Milliseconds())
	}
	if errors.Is(err, context.Canceled) {
		return mcpservice.NewToolError(meta, "%s request cancelled", provider)
	}
	return mcpservice.NewToolError(meta, "%s %s failed: %v", method, provider, unwrapURLError(err))
}

// unwrapURLError drops the "Get \"<url>\": " prefix so that secrets carried
// in query strings never reach the error message.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

var secretParams = []string{"api_key", "apikey", "key", "token"}

const unparsableURL = "[unparsable url]"

// redactURL masks credential query parameters. A URL that does not parse is
// replaced whole.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return unparsableURL
	}
	q := u.Query()
	changed := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

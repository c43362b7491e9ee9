package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts       = 4
	DefaultPerRequestTimeout = 30 * time.Second
	DefaultBaseBackoff       = 500 * time.Millisecond
	DefaultMaxBackoff        = 10 * time.Second
)

// Client issues throttled GET requests to the filings registry with bounded
// exponential backoff on transient failures.
type Client struct {
	HTTPClient *http.Client
	// UserAgent is the registry's mandatory identifying contact string.
	UserAgent string
	// Gate is shared by every client talking to the registry. Nil disables throttling.
	Gate *Gate
	// MaxAttempts includes the initial attempt. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// PerRequestTimeout bounds each attempt; exceeding it counts as transient.
	PerRequestTimeout time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	// RedirectMaxHops caps redirect following. Zero means 5.
	RedirectMaxHops int

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Fetch returns the body at url.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, _, err := c.Get(ctx, url)
	return body, err
}

// Get returns the body and content type at url. Transient failures (network
// errors, per-request deadline, 5xx, 429) are retried; everything else fails
// on the first attempt.
func (c *Client) Get(ctx context.Context, url string) ([]byte, string, error) {
	if strings.TrimSpace(c.UserAgent) == "" {
		return nil, "", ErrMissingIdentity
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var lastErr *FetchError
	for i := 0; i < attempts; i++ {
		if err := c.Gate.Wait(ctx); err != nil {
			return nil, "", &FetchError{URL: url, Attempts: i + 1, Err: err}
		}
		body, ct, retryAfter, err := c.tryOnce(ctx, url)
		if err == nil {
			return body, ct, nil
		}
		lastErr = err
		lastErr.Attempts = i + 1
		if !err.Transient || ctx.Err() != nil || i == attempts-1 {
			return nil, "", lastErr
		}
		delay := c.backoff(i, retryAfter)
		log.Debug().Str("url", url).Int("attempt", i+1).Int("status", err.Status).Dur("delay", delay).Msg("transient fetch failure; retrying")
		if err := c.wait(ctx, delay); err != nil {
			return nil, "", &FetchError{URL: url, Attempts: i + 1, Err: err}
		}
	}
	return nil, "", lastErr
}

func (c *Client) tryOnce(ctx context.Context, rawURL string) ([]byte, string, time.Duration, *FetchError) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", 0, &FetchError{URL: rawURL, Err: fmt.Errorf("parse url: %w", err)}
	}
	if !isHTTPScheme(u) || u.Host == "" {
		return nil, "", 0, &FetchError{URL: rawURL, Err: fmt.Errorf("unsupported URL: %q", rawURL)}
	}

	timeout := c.PerRequestTimeout
	if timeout <= 0 {
		timeout = DefaultPerRequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", 0, &FetchError{URL: rawURL, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", "text/html, application/xhtml+xml, application/json, application/atom+xml, text/plain;q=0.8, */*;q=0.5")

	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		return nil, "", 0, &FetchError{URL: rawURL, Transient: isTransientNetErr(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", parseRetryAfter(resp.Header.Get("Retry-After")), &FetchError{URL: rawURL, Status: resp.StatusCode, Transient: true, Err: errors.New("throttled")}
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return nil, "", parseRetryAfter(resp.Header.Get("Retry-After")), &FetchError{URL: rawURL, Status: resp.StatusCode, Transient: true, Err: fmt.Errorf("server error: %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, "", 0, &FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode)}
	}

	contentType := resp.Header.Get("Content-Type")
	if !isAllowedContentType(contentType) {
		return nil, "", 0, &FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("unsupported content type: %s", contentType)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", 0, &FetchError{URL: rawURL, Status: resp.StatusCode, Transient: isTransientNetErr(ctx, err), Err: fmt.Errorf("read body: %w", err)}
	}
	return b, contentType, 0, nil
}

// backoff doubles from BaseBackoff per attempt, capped at MaxBackoff. A
// server-provided Retry-After wins when it asks for longer.
func (c *Client) backoff(attempt int, retryAfter time.Duration) time.Duration {
	base := c.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	maxDelay := c.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	d := base << attempt
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	if retryAfter > d {
		d = retryAfter
		if d > maxDelay {
			d = maxDelay
		}
	}
	return d
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) getHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		// Clone to attach our redirect policy without mutating caller's client
		base := *c.HTTPClient
		base.CheckRedirect = c.checkRedirectFunc()
		return &base
	}
	return &http.Client{CheckRedirect: c.checkRedirectFunc()}
}

func (c *Client) checkRedirectFunc() func(req *http.Request, via []*http.Request) error {
	max := c.RedirectMaxHops
	if max <= 0 {
		max = 5
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return errors.New("too many redirects")
		}
		if req.URL == nil || !isHTTPScheme(req.URL) {
			return errors.New("redirect to unsupported scheme")
		}
		// Keep identifying on every hop.
		req.Header.Set("User-Agent", c.UserAgent)
		return nil
	}
}

// isTransientNetErr treats per-request deadlines and network-level failures as
// transient, but not cancellation of the caller's own context.
func isTransientNetErr(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func isAllowedContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		// Archive servers occasionally omit the header on older documents.
		return true
	}
	for _, prefix := range []string{"text/html", "application/xhtml+xml", "text/plain", "application/json", "text/xml", "application/xml", "application/atom+xml"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

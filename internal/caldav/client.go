package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/macjediwizard/calhub/internal/metrics"
)

var (
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTransient         = errors.New("transient CalDAV error")
	ErrProtocol          = errors.New("CalDAV protocol error")
	ErrCalendarNotFound  = errors.New("calendar not found")
	ErrMissingIdentifier = errors.New("calendar identifier is required")
)

const (
	defaultTimeout  = 30 * time.Second
	minTLSVersion   = tls.VersionTLS12
	maxResponseSize = 10 * 1024 * 1024

	// maxThrottleAttempts bounds requests answered with 429/503.
	maxThrottleAttempts = 4
	throttleBaseDelay   = 500 * time.Millisecond
	maxRetryAfter       = 2 * time.Minute

	// maxTransportRetries bounds retries after connection-level failures.
	maxTransportRetries = 3
	transportBaseDelay  = 200 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	// ReadOnly turns Delete into a no-op.
	ReadOnly bool
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
	// CacheTTL is how long discovered collection URLs are reused. Defaults to 12h.
	CacheTTL time.Duration
	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns the random delay added to throttling backoff.
	Jitter func() time.Duration
	// Now stamps DTSTAMP on generated objects.
	Now func() time.Time
}

// Client talks to a CalDAV server as a single account.
type Client struct {
	baseURL      *url.URL
	username     string
	readOnly     bool
	httpClient   webdav.HTTPClient
	caldavClient *caldav.Client
	cache        *discoveryCache
	sleep        func(ctx context.Context, d time.Duration) error
	jitter       func() time.Duration
	now          func() time.Time
}

// NewClient creates a new CalDAV client.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base URL %q", ErrConnectionFailed, opts.BaseURL)
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: minTLSVersion,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	// Discovery inspects redirects itself, so the raw client never follows them.
	noRedirect := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	following := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(following, opts.Username, opts.Password),
		opts.BaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		baseURL:      base,
		username:     opts.Username,
		readOnly:     opts.ReadOnly,
		httpClient:   webdav.HTTPClientWithBasicAuth(noRedirect, opts.Username, opts.Password),
		caldavClient: caldavClient,
		cache:        newDiscoveryCache(opts.CacheTTL),
		sleep:        opts.Sleep,
		jitter:       opts.Jitter,
		now:          opts.Now,
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if c.jitter == nil {
		c.jitter = func() time.Duration {
			return time.Duration(rand.Int64N(int64(100 * time.Millisecond)))
		}
	}
	if c.now == nil {
		c.now = time.Now
	}

	return c, nil
}

// ReadOnly reports whether deletes are suppressed.
func (c *Client) ReadOnly() bool {
	return c.readOnly
}

// TestConnection tests the connection to the CalDAV server.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// response is a fully read HTTP response.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
}

func (r *response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// do sends a request, retrying throttled responses and transport failures.
func (c *Client) do(ctx context.Context, method, target string, body []byte, header http.Header) (*response, error) {
	throttled := 0
	transportFailures := 0

	for {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to build %s request: %w", ErrProtocol, method, err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.ObserveCalDAVRequest(method, 0)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if transportFailures < maxTransportRetries {
				transportFailures++
				metrics.ObserveCalDAVRetry("transport")
				if err := c.sleep(ctx, time.Duration(transportFailures)*transportBaseDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s %s: %w", ErrTransient, method, req.URL.Path, err)
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		metrics.ObserveCalDAVRequest(method, resp.StatusCode)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			throttled++
			if throttled >= maxThrottleAttempts {
				return nil, fmt.Errorf("%w: %s %s: status %d after %d attempts", ErrTransient, method, req.URL.Path, resp.StatusCode, throttled)
			}
			metrics.ObserveCalDAVRetry(strconv.Itoa(resp.StatusCode))
			delay, ok := retryAfter(resp.Header.Get("Retry-After"), c.now())
			if !ok {
				delay = throttleBaseDelay<<(throttled-1) + c.jitter()
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if readErr != nil {
			return nil, fmt.Errorf("%w: reading %s response: %w", ErrTransient, method, readErr)
		}

		return &response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, URL: req.URL}, nil
	}
}

// statusError classifies an unexpected response status.
func statusError(method string, resp *response) error {
	kind := ErrProtocol
	if resp.StatusCode >= 500 {
		kind = ErrTransient
	}
	return fmt.Errorf("%w: %s %s returned status %d", kind, method, resp.URL.Path, resp.StatusCode)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return min(time.Duration(secs)*time.Second, maxRetryAfter), true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return min(d, maxRetryAfter), true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resolve makes href absolute against base.
func resolve(base *url.URL, href string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid href %q: %w", ErrProtocol, href, err)
	}
	return base.ResolveReference(ref), nil
}

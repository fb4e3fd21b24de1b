package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultUserAgent is sent when no user agent is configured
const DefaultUserAgent = "gopod/1.0"

// DefaultMaxPageBytes bounds how much of an episode page is read into memory
const DefaultMaxPageBytes = 8 << 20

// ErrPageTooLarge is returned for pages over the configured size limit.
var ErrPageTooLarge = errors.New("page exceeds size limit")

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Page is a fetched episode page.
type Page struct {
	URL         string
	ContentType string
	Body        []byte
}

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Retry     RetryOptions

	// MaxPageBytes of zero means DefaultMaxPageBytes
	MaxPageBytes int64
}

// Client is one download session. Each task owns its own Client so that
// tearing one down never touches another task's connections.
type Client struct {
	httpClient   *http.Client
	userAgent    string
	retry        RetryOptions
	maxPageBytes int64
}

// NewClient builds a Client with a tuned transport.
//
// Timeout bounds each whole request including the body; zero disables it,
// leaving deadlines to the caller's context.
func NewClient(opts Options) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return NewClientWithHTTPClient(&http.Client{Timeout: opts.Timeout, Transport: tr}, opts)
}

// NewClientWithHTTPClient builds a Client from an existing http.Client.
// A nil client is replaced with a default client.
func NewClientWithHTTPClient(httpClient *http.Client, opts Options) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	limit := opts.MaxPageBytes
	if limit <= 0 {
		limit = DefaultMaxPageBytes
	}
	return &Client{
		httpClient:   httpClient,
		userAgent:    ua,
		retry:        opts.Retry,
		maxPageBytes: limit,
	}
}

// HTTPClient exposes the underlying session for transfer libraries.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// UserAgent returns the user agent sent with every request.
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Do sends req and applies the user agent. Non-2xx responses are returned
// as *StatusError with the body already closed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// GetPage fetches rawURL and returns its body and declared content type.
//
// Retryable failures are retried per the client's RetryOptions; everything
// else is returned on the first attempt.
func (c *Client) GetPage(ctx context.Context, rawURL string) (*Page, error) {
	return RetryOperation(ctx, c.retry, func(int) (*Page, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, Permanent(err)
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

		resp, err := c.Do(req)
		if err != nil {
			if IsRetryable(err) {
				return nil, err
			}
			return nil, Permanent(err)
		}
		defer resp.Body.Close()

		// One byte past the limit tells a full page from a truncated one
		body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPageBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > c.maxPageBytes {
			return nil, Permanent(fmt.Errorf("%w: %s is over %d bytes", ErrPageTooLarge, rawURL, c.maxPageBytes))
		}

		return &Page{
			URL:         resp.Request.URL.String(),
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}, nil
	})
}

// IsRetryable reports whether err is a transient transport failure or a
// retryable status. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "eof")
}

type permanentError struct{ err error }

// permanentError marks failures that should bypass retry logic.
func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Package fetch downloads package archives over HTTP with retry, rate
// limiting and per-host circuit breaking, and resolves where an archive
// can be read from.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	"golang.org/x/time/rate"
)

var (
	ErrNotFound     = errors.New("artifact not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// Artifact contains the response from fetching a URL.
type Artifact struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
	ETag        string
}

// Getter is implemented by Fetcher and CircuitBreakerFetcher.
type Getter interface {
	Fetch(ctx context.Context, url string) (*Artifact, error)
	Head(ctx context.Context, url string) (size int64, contentType string, err error)
}

// Fetcher downloads archives from HTTP(S) URLs.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	authFn     func(url string) (headerName, headerValue string)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithTimeout sets the overall per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithBaseDelay sets the first backoff interval.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.baseDelay = d
	}
}

// WithRateLimit caps outgoing requests to perSecond with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAuthFunc sets a function that returns an auth header for a URL.
// Return empty strings to skip authentication for that URL.
func WithAuthFunc(fn func(url string) (headerName, headerValue string)) Option {
	return func(f *Fetcher) {
		f.authFn = fn
	}
}

// NewFetcher creates a Fetcher with a DNS-caching transport.
func NewFetcher(opts ...Option) *Fetcher {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	f := &Fetcher{
		client: &http.Client{
			Timeout: 5 * time.Minute, // archives can be large
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:  "depot/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// backOff returns the retry policy for one Fetch. backoff.WithMaxRetries
// treats 0 as unlimited, so a fetcher without retries stops after the first
// attempt instead.
func (f *Fetcher) backOff(ctx context.Context) backoff.BackOff {
	if f.maxRetries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.baseDelay
	exp.RandomizationFactor = 0.1
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.maxRetries)), ctx)
}

// Retryable reports whether err is worth another attempt: rate limiting,
// 5xx responses and transport failures are; 404s, other client errors and
// cancellation are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrUpstreamDown):
		return true
	}
	var netErr net.Error
	var opErr *net.OpError
	return errors.As(err, &netErr) || errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Fetch downloads url, retrying retryable failures with exponential
// backoff. The caller must close the returned Artifact.Body.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Artifact, error) {
	var artifact *Artifact
	op := func() error {
		a, err := f.doFetch(ctx, url)
		if err != nil {
			if Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		artifact = a
		return nil
	}

	if err := backoff.Retry(op, f.backOff(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w (last error: %v)", ctxErr, err)
		}
		return nil, err
	}
	return artifact, nil
}

// Download streams url into dest via a temp file in dest's directory and
// returns the number of bytes written. Nothing is left at dest on failure.
func (f *Fetcher) Download(ctx context.Context, url, dest string) (int64, error) {
	return download(ctx, f, url, dest)
}

func download(ctx context.Context, g Getter, url, dest string) (int64, error) {
	artifact, err := g.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = artifact.Body.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, artifact.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && artifact.Size >= 0 && n != artifact.Size {
		err = fmt.Errorf("short body: got %d of %d bytes: %w", n, artifact.Size, io.ErrUnexpectedEOF)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

func (f *Fetcher) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")

	if f.authFn != nil {
		if name, value := f.authFn(url); name != "" && value != "" {
			req.Header.Set(name, value)
		}
	}
	return req, nil
}

func (f *Fetcher) doFetch(ctx context.Context, url string) (*Artifact, error) {
	req, err := f.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return &Artifact{
			Body:        resp.Body,
			Size:        contentLength(resp.Header),
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        resp.Header.Get("ETag"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, ErrRateLimited

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrUpstreamDown)

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// Head checks that url exists and returns its size and content type.
func (f *Fetcher) Head(ctx context.Context, url string) (size int64, contentType string, err error) {
	req, err := f.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return 0, "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("head request: %w", err)
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, "", ErrNotFound
	case resp.StatusCode >= 500:
		return 0, "", fmt.Errorf("status %d: %w", resp.StatusCode, ErrUpstreamDown)
	case resp.StatusCode != http.StatusOK:
		return 0, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return contentLength(resp.Header), resp.Header.Get("Content-Type"), nil
}

func contentLength(h http.Header) int64 {
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return -1
}

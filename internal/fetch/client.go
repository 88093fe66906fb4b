// Package fetch implements the rate-limited HTTP layer shared by all source
// adapters: document downloads with streaming SHA-256 hashing and guard
// checks, plus JSON and HTML page fetches for discovery.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxRetries  = 3
	defaultRetryDelay  = time.Second
	defaultBackoff     = 2
	defaultUserAgent   = "EpsteinDocScraper/1.0 (Academic Research)"
	defaultMaxFileSize = 500 << 20

	copyChunkSize = 64 << 10
	partSuffix    = ".part"

	// justice.gov serves an age interstitial instead of the document until
	// this cookie is present. Harmless for every other host.
	ageGateCookie = "justiceGovAgeVerified=true"
)

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds one whole request, from connection to last body byte.
	Timeout time.Duration
	// MaxRetries is the total number of attempts per request.
	MaxRetries int
	// RetryDelay is the sleep before the second attempt.
	RetryDelay time.Duration
	// Backoff multiplies the delay after each further failed attempt.
	Backoff int
	// RateEvery is the minimum gap between requests issued by this client,
	// enforced across downloads and page fetches alike. Zero disables the
	// limiter.
	RateEvery time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// MaxFileSize caps download bodies, checked against Content-Length and
	// again while streaming.
	MaxFileSize int64
	// Progress draws a byte progress bar on stderr for downloads with a
	// known length.
	Progress bool
}

// Client issues all HTTP traffic for one source. Every request first waits
// on the client's rate limiter, so a source's politeness gap holds no matter
// which helper the adapter calls.
type Client struct {
	hc      *http.Client
	limiter *rate.Limiter
	opts    Options
}

// Result describes one completed download.
type Result struct {
	Path   string
	SHA256 string
	Size   int64
}

// NewClient creates a client with its own connection pool and rate limiter.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = defaultMaxFileSize
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateEvery > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.RateEvery), 1)
	}
	return &Client{
		hc:      clonedTransport(),
		limiter: limiter,
		opts:    opts,
	}
}

// Download fetches rawURL into dest, streaming through a SHA-256 hash. The
// body lands in dest+".part" and is renamed only after a fully verified
// stream, so dest never holds a truncated document. Guard failures
// (ErrUnexpectedContentType, ErrSizeExceeded) are returned immediately;
// transport, status and disk errors are retried with backoff.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (*Result, error) {
	var res *Result
	err := c.withRetry(ctx, "download", rawURL, func(ctx context.Context) error {
		r, err := c.tryDownload(ctx, rawURL, dest)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// JSON fetches rawURL and decodes the response body into v. Extra headers
// (API tokens) are added to the request. A 401 or 403 maps to
// ErrUnauthenticated and a malformed body to ErrResponseShape; neither is
// retried.
func (c *Client) JSON(ctx context.Context, rawURL string, header http.Header, v any) error {
	body, err := c.fetchBody(ctx, "api request", rawURL, header, true)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrapf(ErrResponseShape, "%s: %v", rawURL, err)
	}
	return nil
}

// Text fetches rawURL and returns the body as a string, for HTML listing
// pages fed to the scraper.
func (c *Client) Text(ctx context.Context, rawURL string) (string, error) {
	body, err := c.fetchBody(ctx, "page fetch", rawURL, nil, false)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// withRetry runs fn up to MaxRetries times, waiting on the rate limiter
// before each attempt and backing off exponentially between failures.
func (c *Client) withRetry(ctx context.Context, desc, rawURL string, fn func(ctx context.Context) error) error {
	var lastErr error
	wait := c.opts.RetryDelay
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying "+desc,
				"url", rawURL, "attempt", attempt+1, "max_attempts", c.opts.MaxRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= time.Duration(c.opts.Backoff)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "%s failed after %d attempts", desc, c.opts.MaxRetries)
}

// retryable reports whether another attempt could change the outcome. Guard
// failures and auth or shape errors are deterministic; everything else
// (transport, status, disk) is worth retrying.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrUnexpectedContentType),
		errors.Is(err, ErrSizeExceeded),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrResponseShape),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (c *Client) tryDownload(ctx context.Context, rawURL, dest string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	c.setHeaders(req, nil)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "get")
	}
	defer closeRespBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	// An HTML answer where a binary document was requested is an
	// interstitial or soft error page, never the document.
	if wantsBinary(dest) && strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return nil, errors.Wrapf(ErrUnexpectedContentType,
			"%s answered %q", rawURL, resp.Header.Get("Content-Type"))
	}
	if resp.ContentLength > 0 && resp.ContentLength > c.opts.MaxFileSize {
		return nil, errors.Wrapf(ErrSizeExceeded,
			"%s declares %d bytes", rawURL, resp.ContentLength)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.Wrap(err, "create download directory")
	}
	part := dest + partSuffix
	f, err := os.Create(part)
	if err != nil {
		return nil, errors.Wrap(err, "create part file")
	}

	var reader io.Reader = resp.Body
	var bar *pb.ProgressBar
	if c.opts.Progress && resp.ContentLength > 0 {
		bar = pb.Full.Start64(resp.ContentLength)
		bar.Set(pb.Bytes, true)
		reader = bar.NewProxyReader(resp.Body)
	}
	finishBar := func() {
		if bar != nil {
			bar.Finish()
			bar = nil
		}
	}
	defer finishBar()

	hash := sha256.New()
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > c.opts.MaxFileSize {
				closeAndRemoveFile(f)
				return nil, errors.Wrapf(ErrSizeExceeded,
					"%s exceeded %d bytes mid-stream", rawURL, c.opts.MaxFileSize)
			}
			hash.Write(buf[:n])
			if _, werr := f.Write(buf[:n]); werr != nil {
				closeAndRemoveFile(f)
				return nil, errors.Wrap(werr, "write part file")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			closeAndRemoveFile(f)
			return nil, errors.Wrap(rerr, "read response body")
		}
	}
	finishBar()

	if err := f.Sync(); err != nil {
		closeAndRemoveFile(f)
		return nil, errors.Wrap(err, "sync part file")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "close part file")
	}
	if err := os.Rename(part, dest); err != nil {
		return nil, errors.Wrap(err, "rename part file")
	}

	return &Result{
		Path:   dest,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
		Size:   written,
	}, nil
}

// fetchBody retrieves rawURL and returns the whole body. When api is set, a
// 401 or 403 is reported as ErrUnauthenticated instead of a plain status
// error so it fails fast rather than burning retries.
func (c *Client) fetchBody(ctx context.Context, desc, rawURL string, header http.Header, api bool) ([]byte, error) {
	var body []byte
	err := c.withRetry(ctx, desc, rawURL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		c.setHeaders(req, header)

		resp, err := c.hc.Do(req)
		if err != nil {
			return errors.Wrap(err, "get")
		}
		defer closeRespBody(resp)

		if api && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errors.Wrapf(ErrUnauthenticated, "status %d for %s", resp.StatusCode, rawURL)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{Code: resp.StatusCode, URL: rawURL}
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read response body")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request, extra http.Header) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Cookie", ageGateCookie)
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// wantsBinary reports whether dest names a file that must not be HTML.
// Endpoints without a binary extension may legitimately answer HTML.
func wantsBinary(dest string) bool {
	switch strings.ToLower(filepath.Ext(dest)) {
	case ".pdf", ".zip":
		return true
	}
	return false
}

// closeRespBody closes an HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// closeAndRemoveFile closes and removes a partial download.
func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close part file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove part file", "file", filename, "error", err)
	}
}

// clonedTransport creates an HTTP client with pooled connections tuned for
// repeated requests against a small set of hosts.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0, // per-request timeout comes from the context
	}
}

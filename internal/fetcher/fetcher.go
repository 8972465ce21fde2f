package fetcher

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/juju/ratelimit"
	"github.com/m-mizutani/goerr/v2"
)

// ErrUnexpectedStatus is returned when the server answers with anything but 200 OK.
var ErrUnexpectedStatus = goerr.New("unexpected status code")

// ErrStalled is returned when the response body delivers no data for longer
// than the configured timeout.
var ErrStalled = goerr.New("transfer stalled")

// Fetcher handles HTTP requests with retry logic and custom headers.
//
// This structure wraps the retryablehttp client to provide automatic retries
// for transient network failures. Dropbox builds folder archives on the fly,
// so slow starts and the occasional 5xx are expected.
type Fetcher struct {
	client    *retryablehttp.Client
	userAgent string
	rateLimit int64
	timeout   time.Duration
}

// Options configures the Fetcher behavior.
type Options struct {
	// UserAgent sets the User-Agent header for requests
	UserAgent string
	// MaxRetries sets the maximum number of retry attempts
	MaxRetries int
	// RetryWaitMin is the minimum time to wait between retries
	RetryWaitMin time.Duration
	// RetryWaitMax is the maximum time to wait between retries
	RetryWaitMax time.Duration
	// Timeout bounds how long an attempt waits for response headers, and
	// how long a single read of the body may block without receiving data.
	// The transfer as a whole may take arbitrarily long. Zero disables it.
	Timeout time.Duration
	// RateLimit caps the transfer rate in bytes per second. Zero disables it.
	RateLimit int64
	// Logger receives retry diagnostics. Nil disables them.
	Logger *slog.Logger
}

// DefaultUserAgent is sent unless overridden. Dropbox returns the zip
// archive directly to wget-like clients instead of an HTML preview page.
const DefaultUserAgent = "Wget/1.19.4 (linux-gnu)"

// DefaultOptions returns sensible default options for the Fetcher.
func DefaultOptions() Options {
	return Options{
		UserAgent:    DefaultUserAgent,
		MaxRetries:   10,
		RetryWaitMin: 2 * time.Second,
		RetryWaitMax: 60 * time.Second,
		Timeout:      60 * time.Second,
	}
}

// Response describes a completed transfer.
type Response struct {
	// Filename is taken from the Content-Disposition header; empty if absent.
	Filename string
	// ContentLength is the advertised body size, or -1 when unknown.
	ContentLength int64
	// Written is the number of bytes copied to the destination.
	Written int64
}

// New creates a new Fetcher with the given options.
//
// The Fetcher uses exponential backoff for retries and will automatically
// retry on network errors and 5xx server errors.
func New(opts Options) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.MaxRetries
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	if t, ok := client.HTTPClient.Transport.(*http.Transport); ok {
		t.ResponseHeaderTimeout = opts.Timeout
	}
	if opts.Logger != nil {
		client.Logger = opts.Logger
	} else {
		client.Logger = nil // Disable default logging
	}

	return &Fetcher{
		client:    client,
		userAgent: opts.UserAgent,
		rateLimit: opts.RateLimit,
		timeout:   opts.Timeout,
	}
}

// Opener returns the writer a response body is copied into. It is called
// once the response headers have been received and validated.
type Opener func(resp *Response) (io.Writer, error)

// Stream downloads url and copies the response body into the writer
// returned by open.
//
// onProgress, if set, is called with the cumulative number of bytes written
// after every chunk. The body is throttled when a rate limit is configured.
// A body read that blocks longer than the configured timeout aborts the
// transfer with ErrStalled.
func (f *Fetcher) Stream(ctx context.Context, url string, open Opener, onProgress func(written int64)) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("url", url))
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch", goerr.V("url", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, goerr.Wrap(ErrUnexpectedStatus, resp.Status, goerr.V("url", url), goerr.V("status", resp.StatusCode))
	}

	result := &Response{
		Filename:      Filename(resp.Header),
		ContentLength: resp.ContentLength,
	}

	dst, err := open(result)
	if err != nil {
		return result, err
	}

	var body io.Reader = resp.Body
	var stalled atomic.Bool
	if f.timeout > 0 {
		idle := newIdleReader(resp.Body, f.timeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer idle.stop()
		body = idle
	}
	if f.rateLimit > 0 {
		bucket := ratelimit.NewBucketWithRate(float64(f.rateLimit), f.rateLimit)
		body = ratelimit.Reader(body, bucket)
	}

	w := &progressWriter{w: dst, onProgress: onProgress}
	n, err := io.Copy(w, body)
	result.Written = n
	if err != nil {
		if stalled.Load() {
			return result, goerr.Wrap(ErrStalled, "no data received", goerr.V("url", url), goerr.V("written", n), goerr.V("timeout", f.timeout.String()))
		}
		return result, goerr.Wrap(err, "failed to read response body", goerr.V("url", url), goerr.V("written", n))
	}

	return result, nil
}

// Into returns an Opener that always writes to w.
func Into(w io.Writer) Opener {
	return func(*Response) (io.Writer, error) { return w, nil }
}

// Filename extracts the file name advertised by a Content-Disposition header.
func Filename(h http.Header) string {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	return params["filename"]
}

type progressWriter struct {
	w          io.Writer
	total      int64
	onProgress func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.total += int64(n)
	if p.onProgress != nil && n > 0 {
		p.onProgress(p.total)
	}
	return n, err
}

// idleReader fires onIdle when a single Read blocks for longer than timeout.
// The clock only runs while Read is in progress, so time spent by callers
// between reads (e.g. waiting on the rate limiter) is not counted.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *idleReader {
	timer := time.AfterFunc(timeout, onIdle)
	timer.Stop()
	return &idleReader{r: r, timeout: timeout, timer: timer}
}

func (i *idleReader) Read(p []byte) (int, error) {
	i.timer.Reset(i.timeout)
	n, err := i.r.Read(p)
	i.timer.Stop()
	return n, err
}

func (i *idleReader) stop() {
	i.timer.Stop()
}

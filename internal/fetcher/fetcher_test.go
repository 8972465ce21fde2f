package fetcher_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knpwrs/dropboxdl/internal/fetcher"
	"github.com/m-mizutani/gt"
)

func testOptions() fetcher.Options {
	opts := fetcher.DefaultOptions()
	opts.MaxRetries = 2
	opts.RetryWaitMin = time.Millisecond
	opts.RetryWaitMax = 5 * time.Millisecond
	return opts
}

func TestStream(t *testing.T) {
	payload := bytes.Repeat([]byte("dropbox"), 10_000)
	var gotUA string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Disposition", `attachment; filename="photos.zip"; filename*=UTF-8''photos.zip`)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f := fetcher.New(testOptions())

	var buf bytes.Buffer
	var last int64
	resp, err := f.Stream(context.Background(), srv.URL, fetcher.Into(&buf), func(n int64) { last = n })
	gt.NoError(t, err)

	gt.Equal(t, resp.Filename, "photos.zip")
	gt.Equal(t, resp.Written, int64(len(payload)))
	gt.Equal(t, last, int64(len(payload)))
	gt.True(t, bytes.Equal(buf.Bytes(), payload))
	gt.Equal(t, gotUA, fetcher.DefaultUserAgent)
}

func TestStreamRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	resp, err := fetcher.New(testOptions()).Stream(context.Background(), srv.URL, fetcher.Into(&buf), nil)
	gt.NoError(t, err)
	gt.Equal(t, resp.Written, int64(2))
	gt.Equal(t, calls.Load(), int32(2))
}

func TestStreamNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	_, err := fetcher.New(testOptions()).Stream(context.Background(), srv.URL, fetcher.Into(&buf), nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, fetcher.ErrUnexpectedStatus))
	gt.Equal(t, buf.Len(), 0)
}

func TestStreamCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("never read"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := fetcher.New(testOptions()).Stream(ctx, srv.URL, fetcher.Into(&buf), nil)
	gt.Error(t, err)
}

func TestStreamRateLimited(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.RateLimit = 1 << 20

	var buf bytes.Buffer
	resp, err := fetcher.New(opts).Stream(context.Background(), srv.URL, fetcher.Into(&buf), nil)
	gt.NoError(t, err)
	gt.Equal(t, resp.Written, int64(len(payload)))
}

func TestFilename(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{header: `attachment; filename="folder.zip"`, expected: "folder.zip"},
		{header: `attachment; filename*=UTF-8''caf%C3%A9.zip`, expected: "café.zip"},
		{header: "", expected: ""},
		{header: "attachment; filename=", expected: ""},
	}

	for _, tt := range tests {
		h := http.Header{}
		if tt.header != "" {
			h.Set("Content-Disposition", tt.header)
		}
		gt.Equal(t, fetcher.Filename(h), tt.expected)
	}
}

func TestStreamOpenerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="a.zip"`)
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	openErr := errors.New("disk full")
	var seen *fetcher.Response
	open := func(resp *fetcher.Response) (io.Writer, error) {
		seen = resp
		return nil, openErr
	}

	_, err := fetcher.New(testOptions()).Stream(context.Background(), srv.URL, open, nil)
	gt.True(t, errors.Is(err, openErr))
	gt.Equal(t, seen.Filename, "a.zip")
}

func TestStreamStalledBody(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("PK"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions()
	opts.MaxRetries = 0
	opts.Timeout = 200 * time.Millisecond

	type result struct {
		resp *fetcher.Response
		err  error
	}
	done := make(chan result, 1)
	var buf bytes.Buffer
	go func() {
		resp, err := fetcher.New(opts).Stream(context.Background(), srv.URL, fetcher.Into(&buf), nil)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		gt.Error(t, r.err)
		gt.True(t, errors.Is(r.err, fetcher.ErrStalled))
		gt.Equal(t, r.resp.Written, int64(2))
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not give up on a stalled body")
	}
}

func TestStreamSlowBodyWithinTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			_, _ = w.Write([]byte("chunk"))
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Timeout = 500 * time.Millisecond

	var buf bytes.Buffer
	resp, err := fetcher.New(opts).Stream(context.Background(), srv.URL, fetcher.Into(&buf), nil)
	gt.NoError(t, err)
	gt.Equal(t, resp.Written, int64(25))
	gt.Equal(t, buf.String(), "chunkchunkchunkchunkchunk")
}

package downloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/knpwrs/dropboxdl/internal/fetcher"
	"github.com/knpwrs/dropboxdl/internal/filesystem"
	"github.com/knpwrs/dropboxdl/internal/link"
	"github.com/m-mizutani/goerr/v2"
)

// ErrLinksFailed is returned by DownloadAll when at least one link failed.
var ErrLinksFailed = goerr.New("some links failed")

// Downloader downloads shared folder links one at a time.
//
// For each link it:
// - Rewrites the link into a direct zip download URL
// - Streams the archive into the destination directory
// - Optionally unpacks it next to the archive and removes the archive
type Downloader struct {
	fetcher      *fetcher.Fetcher
	fs           *filesystem.FileSystem
	unzip        bool
	retainZip    bool
	allowAnyHost bool
	logger       *slog.Logger
	progress     *ProgressTracker
}

// Config holds configuration for the Downloader.
type Config struct {
	Dest         string
	Unzip        bool
	RetainZip    bool
	AllowAnyHost bool
	Fetcher      fetcher.Options
	Logger       *slog.Logger
	// Out receives the progress line and the final summary. Defaults to os.Stderr.
	Out io.Writer
	// Progress enables the live progress line.
	Progress bool
	Color    bool
}

// Result is the outcome of a single link.
type Result struct {
	Link      string
	URL       string
	Archive   string
	Extracted string
	Removed   bool
	Bytes     int64
	Elapsed   time.Duration
	Err       error
}

// New creates a new Downloader with the given configuration.
func New(cfg Config) *Downloader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	return &Downloader{
		fetcher:      fetcher.New(cfg.Fetcher),
		fs:           filesystem.New(cfg.Dest),
		unzip:        cfg.Unzip,
		retainZip:    cfg.RetainZip,
		allowAnyHost: cfg.AllowAnyHost,
		logger:       logger,
		progress:     NewProgressTracker(out, cfg.Progress, cfg.Color),
	}
}

// DownloadAll processes links in order. A failing link is logged and
// recorded in its Result; the remaining links are still processed. The
// loop stops early only when ctx is canceled.
func (d *Downloader) DownloadAll(ctx context.Context, links []string) ([]Result, error) {
	results := make([]Result, 0, len(links))
	failed := 0

	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return results, goerr.Wrap(err, "download interrupted")
		}

		r := d.DownloadOne(ctx, l)
		results = append(results, r)
		if r.Err != nil {
			failed++
			if ctx.Err() != nil {
				return results, goerr.Wrap(ctx.Err(), "download interrupted")
			}
		}
	}

	d.progress.PrintSummary()

	if failed > 0 {
		return results, goerr.Wrap(ErrLinksFailed, "download finished with errors",
			goerr.V("failed", failed), goerr.V("total", len(links)))
	}
	return results, nil
}

// DownloadOne downloads a single link and, if configured, unpacks it.
func (d *Downloader) DownloadOne(ctx context.Context, raw string) Result {
	r := Result{Link: raw}

	u, err := link.Normalize(raw, d.allowAnyHost)
	if err != nil {
		r.Err = err
		d.progress.Fail()
		if errors.Is(err, link.ErrHostNotAllowed) {
			d.logger.Error("link does not belong to "+link.Host+", skipping it", "link", raw)
		} else {
			d.logger.Error("invalid link, skipping it", "link", raw, "error", err)
		}
		return r
	}
	r.URL = u
	d.logger.Info("Downloading from URL", "url", u)

	start := time.Now()
	if err := d.fetch(ctx, &r); err != nil {
		r.Err = err
		d.progress.Fail()
		if ctx.Err() != nil {
			d.logger.Error("Interrupted, removed incomplete file", "link", raw)
		} else {
			d.logger.Error("Unable to retrieve link", "link", raw, "error", err)
		}
		return r
	}
	r.Elapsed = time.Since(start)
	d.progress.Done()
	d.logger.Info("Downloaded", "link", raw, "path", r.Archive, "elapsed", r.Elapsed.Round(time.Millisecond).String())

	if !d.unzip {
		return r
	}

	if err := d.extract(&r); err != nil {
		r.Err = err
		d.progress.Fail()
		d.logger.Error("Unable to extract archive", "path", r.Archive, "error", err)
	}
	return r
}

// fetch streams the archive for r.URL into the destination directory.
func (d *Downloader) fetch(ctx context.Context, r *Result) error {
	var part *filesystem.PartFile

	open := func(resp *fetcher.Response) (io.Writer, error) {
		path, err := d.fs.ArchivePath(resp.Filename)
		if err != nil {
			return nil, err
		}
		if claimed := d.fs.Claim(path); claimed != path {
			d.logger.Warn("Archive name already used by another link, renaming", "name", filepath.Base(path), "path", claimed)
			path = claimed
		}
		if exists, _ := filesystem.Exists(path); exists {
			d.logger.Warn("Overwriting existing archive", "path", path)
		}

		part, err = d.fs.Create(path)
		if err != nil {
			return nil, err
		}

		d.logger.Info("Downloading file", "name", filepath.Base(path), "size", sizeLabel(resp.ContentLength))
		d.progress.Start(r.URL+" -> "+part.Name(), resp.ContentLength)
		return part, nil
	}

	resp, err := d.fetcher.Stream(ctx, r.URL, open, d.progress.Update)
	if err != nil {
		if part != nil {
			if abortErr := part.Abort(); abortErr != nil {
				d.logger.Error("Unable to remove incomplete file", "path", part.Name(), "error", abortErr)
			}
		}
		return err
	}

	if err := part.Commit(resp.ContentLength); err != nil {
		return err
	}

	r.Archive = part.Path()
	r.Bytes = resp.Written
	return nil
}

// extract unpacks r.Archive next to itself and removes the archive unless
// it should be retained.
func (d *Downloader) extract(r *Result) error {
	dir := filesystem.ExtractDir(r.Archive)
	ex, err := filesystem.Extract(r.Archive, dir)
	if err != nil {
		return err
	}
	r.Extracted = ex.Dir
	d.logger.Info("Extracted", "archive", r.Archive, "dir", ex.Dir, "files", len(ex.Files), "size", formatBytes(ex.Size))

	if !d.retainZip {
		if err := filesystem.Remove(r.Archive); err != nil {
			return err
		}
		r.Removed = true
		d.logger.Info("Removed", "path", r.Archive)
	}

	d.progress.Extracted(r.Removed)
	return nil
}

func sizeLabel(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return formatBytes(n)
}

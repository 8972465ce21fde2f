package downloader

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	progressWidth    = 100
	progressInterval = 200 * time.Millisecond
	summaryRule      = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
)

// ProgressTracker tracks download progress and provides formatted output.
//
// It keeps run-wide counters for the final summary and, when live output is
// enabled, redraws a single status line for the archive currently being
// transferred.
type ProgressTracker struct {
	out  io.Writer
	live bool

	// Run totals
	archives  int
	extracted int
	removed   int
	failed    int
	bytes     int64
	startTime time.Time

	// Current transfer
	label      string
	total      int64
	current    int64
	fileStart  time.Time
	lastRedraw time.Time

	ok   *color.Color
	bad  *color.Color
	bold *color.Color
}

// NewProgressTracker creates a new progress tracker writing to out. live
// enables the redrawn status line, which only makes sense on a terminal.
func NewProgressTracker(out io.Writer, live, useColor bool) *ProgressTracker {
	p := &ProgressTracker{
		out:       out,
		live:      live,
		startTime: time.Now(),
		ok:        color.New(color.FgGreen, color.Bold),
		bad:       color.New(color.FgRed, color.Bold),
		bold:      color.New(color.Bold),
	}
	if !useColor {
		p.ok.DisableColor()
		p.bad.DisableColor()
		p.bold.DisableColor()
	}
	return p
}

// Start begins tracking a transfer. total is -1 when the size is unknown.
func (p *ProgressTracker) Start(label string, total int64) {
	p.label = label
	p.total = total
	p.current = 0
	p.fileStart = time.Now()
	p.lastRedraw = time.Time{}
}

// Update records the cumulative bytes of the current transfer.
func (p *ProgressTracker) Update(written int64) {
	p.current = written
	if !p.live {
		return
	}
	if now := time.Now(); now.Sub(p.lastRedraw) >= progressInterval {
		p.lastRedraw = now
		p.printLine()
	}
}

// Done finishes the current transfer successfully.
func (p *ProgressTracker) Done() {
	p.archives++
	p.bytes += p.current
	p.clearLine()
}

// Fail finishes the current transfer unsuccessfully, or records a link
// that failed before any transfer started.
func (p *ProgressTracker) Fail() {
	p.failed++
	p.clearLine()
}

// Extracted records an unpacked archive.
func (p *ProgressTracker) Extracted(removed bool) {
	p.extracted++
	if removed {
		p.removed++
	}
}

func (p *ProgressTracker) printLine() {
	elapsed := time.Since(p.fileStart)

	var speed float64
	if elapsed.Seconds() > 0 {
		speed = float64(p.current) / elapsed.Seconds()
	}

	size := formatBytes(p.current)
	if p.total >= 0 {
		size += " / " + formatBytes(p.total)
	}

	msg := fmt.Sprintf("%s | %s | %s/s | %s",
		shorten(p.label, 50), size, formatBytes(int64(speed)), formatDuration(elapsed))
	fmt.Fprintf(p.out, "\r%-*s", progressWidth, msg)
}

func (p *ProgressTracker) clearLine() {
	if !p.live || p.lastRedraw.IsZero() {
		return
	}
	fmt.Fprintf(p.out, "\r%-*s\r", progressWidth, "")
}

// PrintSummary prints a final summary of the run.
func (p *ProgressTracker) PrintSummary() {
	elapsed := time.Since(p.startTime)

	var avgSpeed float64
	if elapsed.Seconds() > 0 {
		avgSpeed = float64(p.bytes) / elapsed.Seconds()
	}

	title := p.ok
	heading := "Download Complete"
	if p.failed > 0 {
		title = p.bad
		heading = "Download Finished With Errors"
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, summaryRule)
	title.Fprintf(p.out, "%s%s\n", strings.Repeat(" ", (len([]rune(summaryRule))-len(heading))/2), heading)
	fmt.Fprintln(p.out, summaryRule)

	fmt.Fprintf(p.out, "  Archives Downloaded:    %d\n", p.archives)
	if p.extracted > 0 {
		fmt.Fprintf(p.out, "    • Extracted:          %d\n", p.extracted)
		fmt.Fprintf(p.out, "    • Archives Removed:   %d\n", p.removed)
	}
	if p.failed > 0 {
		p.bad.Fprintf(p.out, "  Failed Links:           %d\n", p.failed)
	}
	fmt.Fprintf(p.out, "\n")
	p.bold.Fprintf(p.out, "  Total Data:             %s\n", formatBytes(p.bytes))
	fmt.Fprintf(p.out, "  Average Speed:          %s/s\n", formatBytes(int64(avgSpeed)))
	fmt.Fprintf(p.out, "  Time Elapsed:           %s\n", formatDuration(elapsed))
	fmt.Fprintln(p.out, summaryRule)
}

// shorten truncates s to width runes, marking the cut with "...".
func shorten(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

// formatBytes formats bytes into a human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

// formatDuration formats a duration into a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

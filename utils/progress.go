package utils

import (
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker renders a byte-level progress bar for a single transfer.
// In quiet mode it still accounts bytes but draws nothing.
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	startTime time.Time
	total     int64
}

// TransferSummary contains final transfer statistics
type TransferSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	Filename     string
}

// NewProgressTracker creates a tracker for a transfer of total bytes. A total
// of zero draws an unbounded counter.
func NewProgressTracker(total int64, label string, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", label+" ")
		tracker.bar = bar
	}

	return tracker
}

// ProxyReader wraps r so reads advance the bar.
func (p *ProgressTracker) ProxyReader(r io.Reader) io.ReadCloser {
	if p.bar == nil {
		return io.NopCloser(r)
	}
	return p.bar.NewProxyReader(r)
}

// Add advances the bar by n bytes. Used when bytes bypass the proxy reader.
func (p *ProgressTracker) Add(n int64) {
	if p.bar != nil {
		p.bar.Add64(n)
	}
}

// Current returns the number of bytes accounted so far.
func (p *ProgressTracker) Current() int64 {
	if p.bar == nil {
		return 0
	}
	return p.bar.Current()
}

// Finish completes the progress bar and returns the transfer summary
func (p *ProgressTracker) Finish(filename string) *TransferSummary {
	totalTime := time.Since(p.startTime)

	var written int64
	if p.bar != nil {
		written = p.bar.Current()
		p.bar.Finish()
	}

	var averageSpeed float64
	if totalTime > 0 {
		averageSpeed = float64(written) / totalTime.Seconds()
	}

	return &TransferSummary{
		TotalBytes:   written,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		Filename:     filename,
	}
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

// FormatBytes formats a byte count as a human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

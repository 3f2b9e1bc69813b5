// Package engine turns submitted references into files on disk: it resolves
// them against a backend, schedules the work across a bounded pool, and
// moves the bytes.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"streamfetch/internal"
	"streamfetch/utils"
)

// transferRetryDelay is the pause before the single local retry.
const transferRetryDelay = time.Second

// Transfer moves resolved streams to disk. It talks to the CDN with its own
// untimed client: stream bodies outlive any sane per-call timeout, and CDN
// URLs are presigned, so these fetches never compete for request permits.
type Transfer struct {
	client  *http.Client
	fileOps *utils.FileOperations
	limiter *utils.ByteRateLimiter
	quiet   bool
	logger  zerolog.Logger
}

// NewTransfer builds the byte mover. A nil limiter means unthrottled.
func NewTransfer(client *http.Client, limiter *utils.ByteRateLimiter, quiet bool, logger zerolog.Logger) *Transfer {
	return &Transfer{
		client:  client,
		fileOps: utils.NewFileOperations(),
		limiter: limiter,
		quiet:   quiet,
		logger:  logger,
	}
}

// Fetch downloads dl into destPath, writing through a .part file that is
// renamed only once the stream completed. One failed pass is retried locally
// after a short pause; the second failure is the caller's problem.
func (t *Transfer) Fetch(ctx context.Context, dl internal.Downloadable, destPath, label string) error {
	if err := t.fileOps.EnsureDir(destPath); err != nil {
		return internal.NewLocalIOError(destPath, err)
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			t.logger.Warn().Err(err).Str("path", destPath).Msg("transfer failed, retrying once")
			select {
			case <-time.After(transferRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if dl.Container == "ts" {
			err = t.fetchPlaylist(ctx, dl, destPath, label)
		} else {
			err = t.fetchDirect(ctx, dl, destPath, label)
		}
		if err == nil || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// fetchDirect streams one URL into the destination.
func (t *Transfer) fetchDirect(ctx context.Context, dl internal.Downloadable, destPath, label string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return internal.NewTransientError("transfer", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return internal.NewTransientError("transfer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return internal.NewBackendError(internal.ErrTransient, "stream fetch failed").
			WithOp("transfer").WithStatus(resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = dl.SizeHint
	}

	partPath := destPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return internal.NewLocalIOError(partPath, err)
	}

	tracker := utils.NewProgressTracker(total, label, t.quiet)
	written, copyErr := t.copyLimited(ctx, file, tracker.ProxyReader(resp.Body))
	closeErr := file.Close()
	tracker.Finish(destPath)

	if copyErr != nil {
		t.fileOps.RemovePartial(partPath)
		return copyErr
	}
	if closeErr != nil {
		t.fileOps.RemovePartial(partPath)
		return internal.NewLocalIOError(partPath, closeErr)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		t.fileOps.RemovePartial(partPath)
		return internal.NewTransientError("transfer",
			fmt.Errorf("stream truncated: got %d of %d bytes", written, resp.ContentLength))
	}

	if err := t.fileOps.AtomicRename(partPath, destPath); err != nil {
		t.fileOps.RemovePartial(partPath)
		return internal.NewLocalIOError(destPath, err)
	}
	return nil
}

// fetchPlaylist downloads an HLS variant playlist segment by segment into a
// single file. Segment streams concatenate cleanly into a transport stream.
func (t *Transfer) fetchPlaylist(ctx context.Context, dl internal.Downloadable, destPath, label string) error {
	segments, err := t.playlistSegments(ctx, dl.URL)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return internal.NewDecodeError("stream playlist", fmt.Errorf("playlist lists no segments"))
	}

	partPath := destPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return internal.NewLocalIOError(partPath, err)
	}

	tracker := utils.NewProgressTracker(0, label, t.quiet)
	copyErr := t.copySegments(ctx, file, segments, tracker)
	closeErr := file.Close()
	tracker.Finish(destPath)

	if copyErr != nil {
		t.fileOps.RemovePartial(partPath)
		return copyErr
	}
	if closeErr != nil {
		t.fileOps.RemovePartial(partPath)
		return internal.NewLocalIOError(partPath, closeErr)
	}

	if err := t.fileOps.AtomicRename(partPath, destPath); err != nil {
		t.fileOps.RemovePartial(partPath)
		return internal.NewLocalIOError(destPath, err)
	}
	return nil
}

func (t *Transfer) copySegments(ctx context.Context, file *os.File, segments []string, tracker *utils.ProgressTracker) error {
	for _, segURL := range segments {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, segURL, nil)
		if err != nil {
			return internal.NewTransientError("segment", err)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return internal.NewTransientError("segment", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return internal.NewBackendError(internal.ErrTransient, "segment fetch failed").
				WithOp("transfer").WithStatus(resp.StatusCode)
		}
		_, err = t.copyLimited(ctx, file, tracker.ProxyReader(resp.Body))
		resp.Body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// playlistSegments fetches a variant playlist and returns its segment URLs
// in order, resolved against the playlist location.
func (t *Transfer) playlistSegments(ctx context.Context, playlistURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, internal.NewTransientError("stream playlist", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, internal.NewTransientError("stream playlist", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, internal.NewBackendError(internal.ErrTransient, "playlist fetch failed").
			WithOp("transfer").WithStatus(resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, internal.NewTransientError("stream playlist", err)
	}

	var segments []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		resolved, err := utils.ResolveURL(playlistURL, line)
		if err != nil {
			return nil, internal.NewDecodeError("stream playlist", err)
		}
		segments = append(segments, resolved)
	}
	return segments, nil
}

// copyLimited moves bytes through the bandwidth limiter in 32K slices.
func (t *Transfer) copyLimited(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := t.limiter.Wait(ctx, n); werr != nil {
				return total, werr
			}
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, internal.NewLocalIOError("", werr)
			}
			if w != n {
				return total, internal.NewLocalIOError("", io.ErrShortWrite)
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, internal.NewTransientError("transfer", err)
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

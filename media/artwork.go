package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // cover art occasionally arrives as PNG
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"streamfetch/internal"
)

// maxArtworkBytes caps a cover download; anything larger is not album art.
const maxArtworkBytes = 32 << 20

// ArtworkFetcher downloads and normalizes cover art. Covers are cached by
// URL for the life of the run, so an album's tracks share one fetch.
type ArtworkFetcher struct {
	client *http.Client
	size   int
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// NewArtworkFetcher builds a fetcher that scales covers to fit within a
// size x size square.
func NewArtworkFetcher(client *http.Client, size int, logger zerolog.Logger) *ArtworkFetcher {
	return &ArtworkFetcher{
		client: client,
		size:   size,
		logger: logger,
		cache:  make(map[string][]byte),
	}
}

// Fetch returns the cover at url as embedding-ready JPEG bytes. An empty
// URL or a failed fetch yields nil; missing artwork never fails a download.
func (f *ArtworkFetcher) Fetch(ctx context.Context, url string) []byte {
	if f == nil || url == "" {
		return nil
	}

	f.mu.Lock()
	cached, ok := f.cache[url]
	f.mu.Unlock()
	if ok {
		return cached
	}

	data, err := f.fetch(ctx, url)
	if err != nil {
		f.logger.Warn().Err(err).Str("url", url).Msg("cover art unavailable")
		return nil
	}

	f.mu.Lock()
	f.cache[url] = data
	f.mu.Unlock()
	return data
}

func (f *ArtworkFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cover fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtworkBytes))
	if err != nil {
		return nil, err
	}
	return resizeCover(data, f.size)
}

// resizeCover decodes, scales to fit within max x max preserving aspect
// ratio, and re-encodes as JPEG. Covers already small enough are still
// re-encoded so every embedded picture is a JPEG.
func resizeCover(data []byte, max int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, internal.NewDecodeError("cover art", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width > max || height > max {
		ratio := float64(width) / float64(height)
		if ratio >= 1 {
			width = max
			height = int(float64(max) / ratio)
		} else {
			height = max
			width = int(float64(max) * ratio)
		}
		if width < 1 {
			width = 1
		}
		if height < 1 {
			height = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

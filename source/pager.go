package source

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"streamfetch/internal"
)

// PageFunc fetches one window of a listing. Implementations are expected to
// be safe for concurrent calls with distinct offsets.
type PageFunc func(ctx context.Context, offset, limit int) (internal.ListingPage, error)

// PaginatedFetcher walks offset-paginated listings. The first page is always
// fetched alone to learn the total count; the remainder is fetched
// concurrently and stitched back together in offset order.
type PaginatedFetcher struct {
	pageSize    int
	concurrency int
	logger      zerolog.Logger
}

// NewPaginatedFetcher builds a fetcher with the given window size and
// concurrent page limit. Out-of-range values fall back to sane ones.
func NewPaginatedFetcher(pageSize, concurrency int, logger zerolog.Logger) *PaginatedFetcher {
	if pageSize < 1 {
		pageSize = 100
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 8 {
		concurrency = 8
	}
	return &PaginatedFetcher{
		pageSize:    pageSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// FetchAll returns the complete listing in its server order. A collection
// that fits in one window costs exactly one call. Pages that fail after the
// first contribute nothing but do not abort the rest; the gap is logged.
func (f *PaginatedFetcher) FetchAll(ctx context.Context, fetch PageFunc) ([]internal.RawItem, error) {
	first, err := fetch(ctx, 0, f.pageSize)
	if err != nil {
		return nil, err
	}
	if first.TotalCount <= len(first.Items) {
		return first.Items, nil
	}

	remaining := first.TotalCount - f.pageSize
	pageCount := (remaining + f.pageSize - 1) / f.pageSize
	pages := make([][]internal.RawItem, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := 0; i < pageCount; i++ {
		i := i
		offset := (i + 1) * f.pageSize
		g.Go(func() error {
			page, err := fetch(gctx, offset, f.pageSize)
			if err != nil {
				// A lost window is a gap in the listing, not a
				// reason to abandon every other page.
				f.logger.Warn().Err(err).Int("offset", offset).Msg("page fetch failed, skipping window")
				return nil
			}
			pages[i] = page.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]internal.RawItem, 0, first.TotalCount)
	items = append(items, first.Items...)
	for _, page := range pages {
		items = append(items, page...)
	}
	return items, nil
}

// StreamAll runs one producer per PageFunc and fans every item into a single
// channel. The channel closes exactly once, after the last producer is done,
// so ranging over it is the only completion signal a consumer needs. Items
// from one producer keep their listing order; producers interleave.
func (f *PaginatedFetcher) StreamAll(ctx context.Context, fetches []PageFunc) <-chan internal.RawItem {
	out := make(chan internal.RawItem)

	var producers sync.WaitGroup
	producers.Add(len(fetches))
	for _, fetch := range fetches {
		fetch := fetch
		go func() {
			defer producers.Done()
			f.streamOne(ctx, fetch, out)
		}()
	}

	go func() {
		producers.Wait()
		close(out)
	}()

	return out
}

// streamOne emits one listing into out. The first page flows out before the
// remaining pages are fetched, so consumers start while the tail is still in
// flight.
func (f *PaginatedFetcher) streamOne(ctx context.Context, fetch PageFunc, out chan<- internal.RawItem) {
	first, err := fetch(ctx, 0, f.pageSize)
	if err != nil {
		f.logger.Warn().Err(err).Msg("listing unavailable, skipping producer")
		return
	}
	if !f.emit(ctx, first.Items, out) {
		return
	}
	if first.TotalCount <= len(first.Items) {
		return
	}

	remaining := first.TotalCount - f.pageSize
	pageCount := (remaining + f.pageSize - 1) / f.pageSize
	pages := make([][]internal.RawItem, pageCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := 0; i < pageCount; i++ {
		i := i
		offset := (i + 1) * f.pageSize
		g.Go(func() error {
			page, err := fetch(gctx, offset, f.pageSize)
			if err != nil {
				f.logger.Warn().Err(err).Int("offset", offset).Msg("page fetch failed, skipping window")
				return nil
			}
			pages[i] = page.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return
	}

	for _, page := range pages {
		if !f.emit(ctx, page, out) {
			return
		}
	}
}

// emit sends items until done or the context ends. False means stop.
func (f *PaginatedFetcher) emit(ctx context.Context, items []internal.RawItem, out chan<- internal.RawItem) bool {
	for _, item := range items {
		select {
		case out <- item:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

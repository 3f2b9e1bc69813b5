package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"streamfetch/internal"
	"streamfetch/media"
	"streamfetch/source"
	"streamfetch/utils"
)

// Result is the terminal disposition of one resolved item.
type Result struct {
	Outcome internal.Outcome
	Title   string
	Err     error
}

// Resolver takes one pending item to its terminal state: reconciled against
// the ledger, fetched, written, recorded. Collections resolve their tracks
// inline; only artists and user profiles expand into further queue items.
type Resolver struct {
	registry         *source.Registry
	pager            *source.PaginatedFetcher
	ledger           internal.CompletionLog
	planner          *media.Planner
	transfer         *Transfer
	artwork          *media.ArtworkFetcher
	fileOps          *utils.FileOperations
	embedArtwork     bool
	artworkSize      int
	trackConcurrency int
	logger           zerolog.Logger
}

// ResolverConfig wires a resolver.
type ResolverConfig struct {
	Registry         *source.Registry
	Pager            *source.PaginatedFetcher
	Ledger           internal.CompletionLog
	Planner          *media.Planner
	Transfer         *Transfer
	Artwork          *media.ArtworkFetcher
	EmbedArtwork     bool
	ArtworkSize      int
	TrackConcurrency int
	Logger           zerolog.Logger
}

// NewResolver builds a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.TrackConcurrency < 1 {
		cfg.TrackConcurrency = 1
	}
	return &Resolver{
		registry:         cfg.Registry,
		pager:            cfg.Pager,
		ledger:           cfg.Ledger,
		planner:          cfg.Planner,
		transfer:         cfg.Transfer,
		artwork:          cfg.Artwork,
		fileOps:          utils.NewFileOperations(),
		embedArtwork:     cfg.EmbedArtwork,
		artworkSize:      cfg.ArtworkSize,
		trackConcurrency: cfg.TrackConcurrency,
		logger:           cfg.Logger,
	}
}

// Expandable reports whether a kind resolves by producing further queue
// items instead of files.
func Expandable(kind internal.MediaKind) bool {
	return kind == internal.KindArtist || kind == internal.KindUser
}

// Resolve settles one non-expandable item.
func (r *Resolver) Resolve(ctx context.Context, item internal.PendingItem) Result {
	backend, err := r.registry.Get(item.Backend)
	if err != nil {
		return Result{Outcome: internal.OutcomeFailed, Err: internal.NewInvalidRefError(item.Backend, err.Error())}
	}

	switch item.Kind {
	case internal.KindTrack, internal.KindSingle, internal.KindVideo:
		return r.resolveTrack(ctx, backend, item)
	case internal.KindAlbum, internal.KindPlaylist:
		return r.resolveCollection(ctx, backend, item)
	case internal.KindLabel:
		err := internal.NewInvalidRefError(item.ID, "label downloads are not supported")
		return r.finishError(item.Key(), "", err)
	default:
		return Result{Outcome: internal.OutcomeFailed,
			Err: fmt.Errorf("kind %s cannot be resolved directly", item.Kind)}
	}
}

// Expand streams the child items of an artist or user profile. The channel
// closes when the listings are exhausted or ctx ends; duplicates between
// listings are emitted once.
func (r *Resolver) Expand(ctx context.Context, item internal.PendingItem) (<-chan internal.PendingItem, error) {
	backend, err := r.registry.Get(item.Backend)
	if err != nil {
		return nil, err
	}

	var fetches []source.PageFunc
	var childKind internal.MediaKind

	switch item.Kind {
	case internal.KindArtist:
		childKind = internal.KindAlbum
		for _, variant := range []internal.PageVariant{internal.PageAlbums, internal.PageSingles} {
			variant := variant
			fetches = append(fetches, func(ctx context.Context, offset, limit int) (internal.ListingPage, error) {
				return backend.FetchPage(ctx, internal.PageQuery{Parent: item.Kind, ID: item.ID, Variant: variant}, offset, limit)
			})
		}
	case internal.KindUser:
		childKind = internal.KindPlaylist
		fetches = append(fetches, func(ctx context.Context, offset, limit int) (internal.ListingPage, error) {
			return backend.FetchPage(ctx, internal.PageQuery{Parent: item.Kind, ID: item.ID, Variant: internal.PagePlaylists}, offset, limit)
		})
	default:
		return nil, fmt.Errorf("kind %s does not expand", item.Kind)
	}

	raw := r.pager.StreamAll(ctx, fetches)
	out := make(chan internal.PendingItem)
	go func() {
		defer close(out)
		seen := make(map[string]bool)
		for entry := range raw {
			id := headID(entry)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			child := internal.PendingItem{Backend: item.Backend, Kind: childKind, ID: id}
			select {
			case out <- child:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// resolveTrack settles a single track, single or video.
func (r *Resolver) resolveTrack(ctx context.Context, backend internal.StreamBackend, item internal.PendingItem) Result {
	key := item.Key()
	if res, settled := r.reconcile(key, ""); settled {
		return res
	}

	raw, err := backend.FetchMetadata(ctx, item.Kind, item.ID)
	if err != nil {
		return r.finishError(key, "", err)
	}
	desc, err := backend.DescribeTrack(raw)
	if err != nil {
		return r.finishError(key, "", err)
	}
	return r.acquireTrack(ctx, backend, key, desc, nil, item.Kind)
}

// resolveCollection settles an album or playlist: listing head, pages, then
// the tracks inline with bounded concurrency. One bad track does not stop
// the rest; it fails the collection's outcome at the end.
func (r *Resolver) resolveCollection(ctx context.Context, backend internal.StreamBackend, item internal.PendingItem) Result {
	key := item.Key()
	if res, settled := r.reconcile(key, ""); settled {
		return res
	}

	raw, err := backend.FetchMetadata(ctx, item.Kind, item.ID)
	if err != nil {
		return r.finishError(key, "", err)
	}
	album, err := backend.DescribeAlbum(raw)
	if err != nil {
		return r.finishError(key, "", err)
	}

	fetch := func(ctx context.Context, offset, limit int) (internal.ListingPage, error) {
		return backend.FetchPage(ctx, internal.PageQuery{Parent: item.Kind, ID: item.ID, Variant: internal.PageTracks}, offset, limit)
	}
	tracks, err := r.pager.FetchAll(ctx, fetch)
	if err != nil {
		return r.finishError(key, album.Title, err)
	}
	if len(tracks) == 0 {
		r.logger.Warn().Str("title", album.Title).Msg("collection lists no tracks")
		return Result{Outcome: internal.OutcomeDone, Title: album.Title}
	}

	var failed, skipped int64
	var g errgroup.Group
	g.SetLimit(r.trackConcurrency)
	for _, rawTrack := range tracks {
		rawTrack := rawTrack
		g.Go(func() error {
			res := r.resolveCollectionTrack(ctx, backend, rawTrack, &album)
			switch res.Outcome {
			case internal.OutcomeFailed:
				atomic.AddInt64(&failed, 1)
				r.logger.Error().Err(res.Err).Str("title", res.Title).Str("album", album.Title).Msg("track failed")
			case internal.OutcomeSkipped:
				atomic.AddInt64(&skipped, 1)
			}
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return Result{Outcome: internal.OutcomeFailed, Title: album.Title, Err: ctx.Err()}
	}
	if n := atomic.LoadInt64(&failed); n > 0 {
		return Result{Outcome: internal.OutcomeFailed, Title: album.Title,
			Err: fmt.Errorf("%d of %d tracks failed", n, len(tracks))}
	}

	if err := r.ledger.RecordDone(key, r.planner.AlbumFolder(album)); err != nil {
		r.logger.Warn().Err(err).Str("item", key.String()).Msg("ledger write failed")
	}
	if n := atomic.LoadInt64(&skipped); int(n) == len(tracks) {
		return Result{Outcome: internal.OutcomeSkipped, Title: album.Title}
	}
	return Result{Outcome: internal.OutcomeDone, Title: album.Title}
}

// resolveCollectionTrack settles one listed track against its own ledger
// key, so tracks shared between collections are only acquired once.
func (r *Resolver) resolveCollectionTrack(ctx context.Context, backend internal.StreamBackend, raw internal.RawItem, album *internal.AlbumDescriptor) Result {
	desc, err := backend.DescribeTrack(raw)
	if err != nil {
		return Result{Outcome: internal.OutcomeFailed, Err: err}
	}
	key := internal.ItemKey{Backend: backend.Name(), Kind: internal.KindTrack, ID: desc.ID}
	if res, settled := r.reconcile(key, desc.Title); settled {
		return res
	}
	return r.acquireTrack(ctx, backend, key, desc, album, internal.KindTrack)
}

// acquireTrack runs the wire-to-disk path for one described track or video.
func (r *Resolver) acquireTrack(ctx context.Context, backend internal.StreamBackend, key internal.ItemKey, desc internal.TrackDescriptor, album *internal.AlbumDescriptor, kind internal.MediaKind) Result {
	if path := r.existingPath(album, desc, kind); path != "" {
		if err := r.ledger.RecordDone(key, path); err != nil {
			r.logger.Warn().Err(err).Str("item", key.String()).Msg("ledger write failed")
		}
		r.logger.Info().Str("path", path).Msg("file already on disk, ledger corrected")
		return Result{Outcome: internal.OutcomeSkipped, Title: desc.Title}
	}

	dl, err := backend.Download(ctx, kind, desc.ID)
	if err != nil {
		return r.finishError(key, desc.Title, err)
	}
	if dl.Encrypted {
		return r.finishError(key, desc.Title, internal.NewNotStreamableError(desc.ID, "stream is encrypted"))
	}

	path := r.destPath(album, desc, kind, dl.Container)
	if err := r.transfer.Fetch(ctx, dl, path, desc.Title); err != nil {
		return r.finishError(key, desc.Title, err)
	}

	if kind != internal.KindVideo {
		var art []byte
		if r.embedArtwork {
			art = r.artwork.Fetch(ctx, backend.CoverURL(desc.CoverID, r.artworkSize))
		}
		if err := media.WriteTags(path, dl.Container, desc, art, r.logger); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("tagging failed")
		}
	}

	if err := r.ledger.RecordDone(key, path); err != nil {
		r.logger.Warn().Err(err).Str("item", key.String()).Msg("ledger write failed")
	}
	r.logger.Info().Str("title", desc.Title).Str("path", path).Msg("download complete")
	return Result{Outcome: internal.OutcomeDone, Title: desc.Title}
}

// reconcile settles an item from local facts alone. Agreement between the
// ledger and the filesystem costs no network; disagreement clears the way
// for a fresh acquisition.
func (r *Resolver) reconcile(key internal.ItemKey, title string) (Result, bool) {
	record, err := r.ledger.Lookup(key)
	if err != nil {
		r.logger.Warn().Err(err).Str("item", key.String()).Msg("ledger lookup failed")
		return Result{}, false
	}
	if record == nil {
		return Result{}, false
	}

	switch record.Status {
	case string(internal.OutcomeDone):
		if record.Path != "" && r.fileOps.FileExists(record.Path) {
			r.logger.Debug().Str("item", key.String()).Str("path", record.Path).Msg("already downloaded, skipping")
			return Result{Outcome: internal.OutcomeSkipped, Title: title}, true
		}
		r.logger.Info().Str("item", key.String()).Str("path", record.Path).Msg("recorded file missing, downloading again")
		return Result{}, false
	case string(internal.OutcomeFailed):
		r.logger.Info().Str("item", key.String()).Str("reason", record.Reason).
			Msg("skipping previously failed item, use the ledger command to retry it")
		return Result{Outcome: internal.OutcomeSkipped, Title: title}, true
	}
	return Result{}, false
}

// existingPath looks for the item under any container it could have been
// stored as, for files that predate their ledger entry.
func (r *Resolver) existingPath(album *internal.AlbumDescriptor, desc internal.TrackDescriptor, kind internal.MediaKind) string {
	containers := []string{"flac", "m4a", "mp3"}
	if kind == internal.KindVideo {
		containers = []string{"ts", "mp4"}
	}
	for _, c := range containers {
		path := r.destPath(album, desc, kind, c)
		if r.fileOps.FileExists(path) {
			return path
		}
	}
	return ""
}

func (r *Resolver) destPath(album *internal.AlbumDescriptor, desc internal.TrackDescriptor, kind internal.MediaKind, container string) string {
	if kind == internal.KindVideo {
		return r.planner.VideoPath(desc, container)
	}
	return r.planner.TrackPath(album, desc, container)
}

// finishError turns err into a failed result, recording it in the ledger
// when the failure is a property of the item rather than of the run.
func (r *Resolver) finishError(key internal.ItemKey, title string, err error) Result {
	if kind, ok := internal.KindOf(err); ok {
		switch kind {
		case internal.ErrNotStreamable, internal.ErrDecode, internal.ErrInvalidRef:
			if lerr := r.ledger.RecordFailed(key, err.Error()); lerr != nil {
				r.logger.Warn().Err(lerr).Str("item", key.String()).Msg("ledger write failed")
			}
		}
	}
	return Result{Outcome: internal.OutcomeFailed, Title: title, Err: err}
}

// headID pulls the identifier out of a listing entry. Albums carry numeric
// ids, playlists a uuid.
func headID(raw internal.RawItem) string {
	var head struct {
		ID   json.Number `json:"id"`
		UUID string      `json:"uuid"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if id := head.ID.String(); id != "" {
		return id
	}
	return head.UUID
}

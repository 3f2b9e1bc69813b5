package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"streamfetch/internal"
	"streamfetch/media"
	"streamfetch/source"
)

// fakeBackend scripts backend behavior through function fields and counts
// the calls that matter to the tests.
type fakeBackend struct {
	name       string
	metadataFn func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error)
	pageFn     func(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error)
	downloadFn func(ctx context.Context, kind internal.MediaKind, id string) (internal.Downloadable, error)

	mu            sync.Mutex
	metadataCalls int
	downloadCalls int
}

func (f *fakeBackend) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeBackend) FetchMetadata(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
	f.mu.Lock()
	f.metadataCalls++
	f.mu.Unlock()
	if f.metadataFn == nil {
		return nil, errors.New("unexpected FetchMetadata call")
	}
	return f.metadataFn(ctx, kind, id)
}

func (f *fakeBackend) FetchPage(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error) {
	if f.pageFn == nil {
		return internal.ListingPage{}, errors.New("unexpected FetchPage call")
	}
	return f.pageFn(ctx, query, offset, limit)
}

func (f *fakeBackend) Download(ctx context.Context, kind internal.MediaKind, id string) (internal.Downloadable, error) {
	f.mu.Lock()
	f.downloadCalls++
	f.mu.Unlock()
	if f.downloadFn == nil {
		return internal.Downloadable{}, errors.New("unexpected Download call")
	}
	return f.downloadFn(ctx, kind, id)
}

func (f *fakeBackend) RefreshAuth(ctx context.Context) error { return nil }

func (f *fakeBackend) DescribeTrack(raw internal.RawItem) (internal.TrackDescriptor, error) {
	var desc internal.TrackDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, internal.NewDecodeError("track metadata", err)
	}
	return desc, nil
}

func (f *fakeBackend) DescribeAlbum(raw internal.RawItem) (internal.AlbumDescriptor, error) {
	var desc internal.AlbumDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, internal.NewDecodeError("album metadata", err)
	}
	return desc, nil
}

func (f *fakeBackend) CoverURL(coverID string, size int) string { return "" }

func (f *fakeBackend) counts() (metadata, download int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataCalls, f.downloadCalls
}

// memLedger is an in-memory CompletionLog.
type memLedger struct {
	mu     sync.Mutex
	done   map[string]internal.LedgerRecord
	failed map[string]internal.LedgerRecord
}

func newMemLedger() *memLedger {
	return &memLedger{
		done:   make(map[string]internal.LedgerRecord),
		failed: make(map[string]internal.LedgerRecord),
	}
}

func (m *memLedger) Lookup(key internal.ItemKey) (*internal.LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.done[key.String()]; ok {
		return &r, nil
	}
	if r, ok := m.failed[key.String()]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *memLedger) RecordDone(key internal.ItemKey, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[key.String()] = internal.LedgerRecord{Status: string(internal.OutcomeDone), Path: path}
	delete(m.failed, key.String())
	return nil
}

func (m *memLedger) RecordFailed(key internal.ItemKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[key.String()] = internal.LedgerRecord{Status: string(internal.OutcomeFailed), Reason: reason}
	return nil
}

func (m *memLedger) Forget(key internal.ItemKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.done, key.String())
	delete(m.failed, key.String())
	return nil
}

func (m *memLedger) donePath(key internal.ItemKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.done[key.String()]
	return r.Path, ok
}

func (m *memLedger) failedReason(key internal.ItemKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.failed[key.String()]
	return r.Reason, ok
}

// engineFixture wires a resolver around one fake backend, an in-memory
// ledger and a local stream server.
type engineFixture struct {
	backend   *fakeBackend
	ledger    *memLedger
	planner   *media.Planner
	resolver  *Resolver
	root      string
	streamURL string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio-bytes"))
	}))
	t.Cleanup(server.Close)

	fx := &engineFixture{
		backend:   &fakeBackend{},
		ledger:    newMemLedger(),
		root:      t.TempDir(),
		streamURL: server.URL + "/stream",
	}
	fx.backend.downloadFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.Downloadable, error) {
		return internal.Downloadable{URL: fx.streamURL, Container: "flac"}, nil
	}

	registry := source.NewRegistry()
	registry.Register(fx.backend)
	fx.planner = media.NewPlanner(fx.root)
	fx.resolver = NewResolver(ResolverConfig{
		Registry:         registry,
		Pager:            source.NewPaginatedFetcher(100, 4, zerolog.Nop()),
		Ledger:           fx.ledger,
		Planner:          fx.planner,
		Transfer:         NewTransfer(server.Client(), nil, true, zerolog.Nop()),
		TrackConcurrency: 2,
		Logger:           zerolog.Nop(),
	})
	return fx
}

func trackRaw(t *testing.T, desc internal.TrackDescriptor) internal.RawItem {
	t.Helper()
	raw, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("Failed to marshal track: %v", err)
	}
	return raw
}

func albumRaw(t *testing.T, desc internal.AlbumDescriptor) internal.RawItem {
	t.Helper()
	raw, err := json.Marshal(desc)
	if err != nil {
		t.Fatalf("Failed to marshal album: %v", err)
	}
	return raw
}

func pendingTrack(id string) internal.PendingItem {
	return internal.PendingItem{JobID: "job-" + id, Backend: "fake", Kind: internal.KindTrack, ID: id}
}

func TestResolver_TrackDownload(t *testing.T) {
	fx := newEngineFixture(t)
	song := internal.TrackDescriptor{ID: "7", Title: "Song", Artist: "Band"}
	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return trackRaw(t, song), nil
	}

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeDone {
		t.Fatalf("Expected done, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Title != "Song" {
		t.Errorf("Expected the track title on the result, got %q", res.Title)
	}

	path := fx.planner.TrackPath(nil, song, "flac")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected the file on disk: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("Expected the stream bytes, got %q", data)
	}

	recorded, ok := fx.ledger.donePath(internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"})
	if !ok {
		t.Fatal("Expected a ledger entry for the finished track")
	}
	if recorded != path {
		t.Errorf("Expected the ledger to store %q, got %q", path, recorded)
	}
}

func TestResolver_SkipsLedgeredFile(t *testing.T) {
	fx := newEngineFixture(t)
	existing := fx.root + "/already.flac"
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}
	key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	fx.ledger.RecordDone(key, existing)

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeSkipped {
		t.Fatalf("Expected skipped, got %s (%v)", res.Outcome, res.Err)
	}
	if metadata, _ := fx.backend.counts(); metadata != 0 {
		t.Errorf("Expected no network calls for a reconciled item, got %d", metadata)
	}
}

func TestResolver_RedownloadsWhenRecordedFileMissing(t *testing.T) {
	fx := newEngineFixture(t)
	song := internal.TrackDescriptor{ID: "7", Title: "Song", Artist: "Band"}
	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return trackRaw(t, song), nil
	}
	key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	fx.ledger.RecordDone(key, fx.root+"/gone.flac")

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeDone {
		t.Fatalf("Expected a fresh download, got %s (%v)", res.Outcome, res.Err)
	}
	if _, downloads := fx.backend.counts(); downloads != 1 {
		t.Errorf("Expected 1 download, got %d", downloads)
	}
	path, _ := fx.ledger.donePath(key)
	if path == fx.root+"/gone.flac" {
		t.Error("Expected the ledger entry to point at the new file")
	}
}

func TestResolver_SkipsPreviouslyFailed(t *testing.T) {
	fx := newEngineFixture(t)
	key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	fx.ledger.RecordFailed(key, "item 7: stream is encrypted")

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeSkipped {
		t.Fatalf("Expected skipped, got %s (%v)", res.Outcome, res.Err)
	}
	if metadata, _ := fx.backend.counts(); metadata != 0 {
		t.Errorf("Expected no network calls for a failed item, got %d", metadata)
	}
}

func TestResolver_AdoptsFilePredatingLedger(t *testing.T) {
	fx := newEngineFixture(t)
	song := internal.TrackDescriptor{ID: "7", Title: "Song", Artist: "Band"}
	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return trackRaw(t, song), nil
	}
	path := fx.planner.TrackPath(nil, song, "flac")
	if err := os.WriteFile(path, []byte("earlier run"), 0644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeSkipped {
		t.Fatalf("Expected skipped for a file already on disk, got %s (%v)", res.Outcome, res.Err)
	}
	if _, downloads := fx.backend.counts(); downloads != 0 {
		t.Errorf("Expected no download for an existing file, got %d", downloads)
	}
	key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	if recorded, ok := fx.ledger.donePath(key); !ok || recorded != path {
		t.Errorf("Expected the ledger corrected to %q, got %q", path, recorded)
	}
}

func TestResolver_TerminalFailureRecorded(t *testing.T) {
	fx := newEngineFixture(t)
	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return nil, internal.NewNotStreamableError(id, "taken down")
	}

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	if _, ok := fx.ledger.failedReason(key); !ok {
		t.Error("Expected a failure entry for a terminal error")
	}
}

func TestResolver_TransientFailureNotRecorded(t *testing.T) {
	fx := newEngineFixture(t)
	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return nil, internal.NewTransientError("metadata", errors.New("connection reset"))
	}

	res := fx.resolver.Resolve(context.Background(), pendingTrack("7"))
	if res.Outcome != internal.OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	if _, ok := fx.ledger.failedReason(key); ok {
		t.Error("A run-scoped failure must stay out of the ledger")
	}
}

func TestResolver_LabelUnsupported(t *testing.T) {
	fx := newEngineFixture(t)
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindLabel, ID: "55"}

	res := fx.resolver.Resolve(context.Background(), item)
	if res.Outcome != internal.OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	if !internal.IsKind(res.Err, internal.ErrInvalidRef) {
		t.Errorf("Expected InvalidRef, got %v", res.Err)
	}
}

func albumFixture(t *testing.T, fx *engineFixture) internal.AlbumDescriptor {
	t.Helper()
	album := internal.AlbumDescriptor{ID: "9", Title: "LP", Artist: "Band", ReleaseDate: "2020-01-01", TrackTotal: 2}
	one := internal.TrackDescriptor{ID: "71", Title: "One", Artist: "Band", AlbumTitle: "LP", TrackNumber: 1}
	two := internal.TrackDescriptor{ID: "72", Title: "Two", Artist: "Band", AlbumTitle: "LP", TrackNumber: 2}

	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return albumRaw(t, album), nil
	}
	fx.backend.pageFn = func(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error) {
		return internal.ListingPage{
			TotalCount: 2,
			Items:      []internal.RawItem{trackRaw(t, one), trackRaw(t, two)},
		}, nil
	}
	return album
}

func TestResolver_AlbumResolvesTracksInline(t *testing.T) {
	fx := newEngineFixture(t)
	album := albumFixture(t, fx)
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindAlbum, ID: "9"}

	res := fx.resolver.Resolve(context.Background(), item)
	if res.Outcome != internal.OutcomeDone {
		t.Fatalf("Expected done, got %s (%v)", res.Outcome, res.Err)
	}
	if res.Title != "LP" {
		t.Errorf("Expected the album title, got %q", res.Title)
	}

	folder := fx.planner.AlbumFolder(album)
	for _, name := range []string{"01. One.flac", "02. Two.flac"} {
		if _, err := os.Stat(folder + "/" + name); err != nil {
			t.Errorf("Expected %s in the album folder: %v", name, err)
		}
	}

	albumKey := internal.ItemKey{Backend: "fake", Kind: internal.KindAlbum, ID: "9"}
	if path, ok := fx.ledger.donePath(albumKey); !ok || path != folder {
		t.Errorf("Expected the album recorded at %q, got %q", folder, path)
	}
	for _, id := range []string{"71", "72"} {
		key := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: id}
		if _, ok := fx.ledger.donePath(key); !ok {
			t.Errorf("Expected track %s recorded under its own key", id)
		}
	}
}

func TestResolver_AlbumPartialFailure(t *testing.T) {
	fx := newEngineFixture(t)
	albumFixture(t, fx)
	fx.backend.downloadFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.Downloadable, error) {
		if id == "72" {
			return internal.Downloadable{}, internal.NewNotStreamableError(id, "region locked")
		}
		return internal.Downloadable{URL: fx.streamURL, Container: "flac"}, nil
	}
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindAlbum, ID: "9"}

	res := fx.resolver.Resolve(context.Background(), item)
	if res.Outcome != internal.OutcomeFailed {
		t.Fatalf("Expected the album to fail, got %s", res.Outcome)
	}
	if res.Err == nil || res.Err.Error() != "1 of 2 tracks failed" {
		t.Errorf("Expected the failure tally, got %v", res.Err)
	}

	albumKey := internal.ItemKey{Backend: "fake", Kind: internal.KindAlbum, ID: "9"}
	if _, ok := fx.ledger.donePath(albumKey); ok {
		t.Error("An incomplete album must not be recorded done")
	}
	goodKey := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "71"}
	if _, ok := fx.ledger.donePath(goodKey); !ok {
		t.Error("Expected the successful track recorded despite the album failing")
	}
	badKey := internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: "72"}
	if _, ok := fx.ledger.failedReason(badKey); !ok {
		t.Error("Expected the region-locked track recorded failed")
	}
}

func TestResolver_AlbumFullySkipped(t *testing.T) {
	fx := newEngineFixture(t)
	album := albumFixture(t, fx)
	seed := fx.root + "/seed.flac"
	if err := os.WriteFile(seed, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}
	for _, id := range []string{"71", "72"} {
		fx.ledger.RecordDone(internal.ItemKey{Backend: "fake", Kind: internal.KindTrack, ID: id}, seed)
	}
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindAlbum, ID: "9"}

	res := fx.resolver.Resolve(context.Background(), item)
	if res.Outcome != internal.OutcomeSkipped {
		t.Fatalf("Expected skipped when every track already exists, got %s (%v)", res.Outcome, res.Err)
	}
	albumKey := internal.ItemKey{Backend: "fake", Kind: internal.KindAlbum, ID: "9"}
	if path, ok := fx.ledger.donePath(albumKey); !ok || path != fx.planner.AlbumFolder(album) {
		t.Errorf("Expected the album folder recorded, got %q", path)
	}
}

func TestResolver_EmptyCollection(t *testing.T) {
	fx := newEngineFixture(t)
	fx.backend.metadataFn = func(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
		return albumRaw(t, internal.AlbumDescriptor{ID: "9", Title: "Empty", Artist: "Band"}), nil
	}
	fx.backend.pageFn = func(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error) {
		return internal.ListingPage{TotalCount: 0}, nil
	}
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindAlbum, ID: "9"}

	res := fx.resolver.Resolve(context.Background(), item)
	if res.Outcome != internal.OutcomeDone {
		t.Fatalf("Expected an empty collection to finish cleanly, got %s (%v)", res.Outcome, res.Err)
	}
}

func TestResolver_ExpandArtistDeduplicates(t *testing.T) {
	fx := newEngineFixture(t)
	fx.backend.pageFn = func(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error) {
		switch query.Variant {
		case internal.PageAlbums:
			return internal.ListingPage{TotalCount: 2, Items: []internal.RawItem{
				internal.RawItem(`{"id": 1}`), internal.RawItem(`{"id": 2}`),
			}}, nil
		case internal.PageSingles:
			return internal.ListingPage{TotalCount: 2, Items: []internal.RawItem{
				internal.RawItem(`{"id": 2}`), internal.RawItem(`{"id": 3}`),
			}}, nil
		}
		return internal.ListingPage{}, errors.New("unexpected listing")
	}
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindArtist, ID: "a1"}

	stream, err := fx.resolver.Expand(context.Background(), item)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	var ids []string
	for child := range stream {
		if child.Kind != internal.KindAlbum {
			t.Errorf("Expected album children, got %s", child.Kind)
		}
		if child.Backend != "fake" {
			t.Errorf("Expected the parent backend, got %q", child.Backend)
		}
		ids = append(ids, child.ID)
	}
	sort.Strings(ids)
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "2" || ids[2] != "3" {
		t.Errorf("Expected deduplicated children 1,2,3, got %v", ids)
	}
}

func TestResolver_ExpandUserPlaylists(t *testing.T) {
	fx := newEngineFixture(t)
	fx.backend.pageFn = func(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error) {
		if query.Variant != internal.PagePlaylists {
			return internal.ListingPage{}, errors.New("unexpected listing")
		}
		return internal.ListingPage{TotalCount: 1, Items: []internal.RawItem{
			internal.RawItem(`{"uuid": "u-1", "title": "Mix"}`),
		}}, nil
	}
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindUser, ID: "1001"}

	stream, err := fx.resolver.Expand(context.Background(), item)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	var children []internal.PendingItem
	for child := range stream {
		children = append(children, child)
	}
	if len(children) != 1 {
		t.Fatalf("Expected 1 playlist child, got %d", len(children))
	}
	if children[0].Kind != internal.KindPlaylist || children[0].ID != "u-1" {
		t.Errorf("Expected playlist u-1, got %+v", children[0])
	}
}

func TestResolver_ExpandRejectsPlainKinds(t *testing.T) {
	fx := newEngineFixture(t)
	item := internal.PendingItem{JobID: "j", Backend: "fake", Kind: internal.KindTrack, ID: "7"}
	if _, err := fx.resolver.Expand(context.Background(), item); err == nil {
		t.Fatal("Expected an error expanding a track")
	}
}

func TestExpandable(t *testing.T) {
	tests := []struct {
		kind internal.MediaKind
		want bool
	}{
		{kind: internal.KindArtist, want: true},
		{kind: internal.KindUser, want: true},
		{kind: internal.KindTrack, want: false},
		{kind: internal.KindAlbum, want: false},
		{kind: internal.KindPlaylist, want: false},
		{kind: internal.KindVideo, want: false},
	}
	for _, tt := range tests {
		if got := Expandable(tt.kind); got != tt.want {
			t.Errorf("Expandable(%s): expected %v, got %v", tt.kind, tt.want, got)
		}
	}
}

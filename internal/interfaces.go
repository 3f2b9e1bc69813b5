package internal

import "context"

// StreamBackend is the capability surface a streaming service integration
// provides. The engine only ever talks to backends through this interface;
// concrete implementations register themselves at startup.
type StreamBackend interface {
	// Name returns the backend identifier used in item keys and logs.
	Name() string

	// FetchMetadata retrieves the raw metadata document for a single item.
	FetchMetadata(ctx context.Context, kind MediaKind, id string) (RawItem, error)

	// FetchPage retrieves one page of a paginated listing. Offset is the
	// absolute item offset, limit the requested page size; backends may
	// return fewer items on the final page.
	FetchPage(ctx context.Context, query PageQuery, offset, limit int) (ListingPage, error)

	// Download resolves the delivery manifest for an item at the backend's
	// configured quality. A NotStreamable error means the item exists but
	// cannot be served.
	Download(ctx context.Context, kind MediaKind, id string) (Downloadable, error)

	// RefreshAuth forces a credential refresh regardless of expiry.
	RefreshAuth(ctx context.Context) error

	// DescribeTrack parses a raw track document into the common descriptor.
	DescribeTrack(raw RawItem) (TrackDescriptor, error)

	// DescribeAlbum parses a raw album document into the common descriptor.
	DescribeAlbum(raw RawItem) (AlbumDescriptor, error)

	// CoverURL builds the artwork URL for a cover identifier at the given
	// square pixel size.
	CoverURL(coverID string, size int) string
}

// Searcher is an optional backend capability. Callers type-assert for it;
// backends without catalog search simply do not implement it.
type Searcher interface {
	Search(ctx context.Context, kind MediaKind, query string, limit int) ([]RawItem, error)
}

// CompletionLog is the engine-facing view of the durable completion ledger.
type CompletionLog interface {
	// Lookup returns the stored record for an item key, or nil when the item
	// has never completed.
	Lookup(key ItemKey) (*LedgerRecord, error)

	// RecordDone marks an item as downloaded to the given path.
	RecordDone(key ItemKey, path string) error

	// RecordFailed marks an item as permanently failed with a reason.
	RecordFailed(key ItemKey, reason string) error

	// Forget removes any record for the key so the item is eligible again.
	Forget(key ItemKey) error
}

// TokenStore persists refreshed credentials so the next run starts from the
// newest token set.
type TokenStore interface {
	SaveTokens(AuthTokens) error
}

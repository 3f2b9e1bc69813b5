package internal

import (
	"fmt"
	"time"
)

// MediaKind identifies the type of a logical media item on a backend.
type MediaKind string

const (
	KindTrack    MediaKind = "track"
	KindSingle   MediaKind = "single"
	KindAlbum    MediaKind = "album"
	KindPlaylist MediaKind = "playlist"
	KindArtist   MediaKind = "artist"
	KindLabel    MediaKind = "label"
	KindUser     MediaKind = "user"
	KindVideo    MediaKind = "video"
)

// ParseMediaKind converts a user-supplied kind string to a MediaKind.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case KindTrack, KindSingle, KindAlbum, KindPlaylist, KindArtist, KindLabel, KindUser, KindVideo:
		return MediaKind(s), nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// PendingItem is a user-submitted reference before metadata resolution.
// It is moved, never shared: exactly one worker consumes it.
type PendingItem struct {
	JobID   string
	Backend string
	Kind    MediaKind
	ID      string
}

// Key returns the ledger key for the item.
func (p PendingItem) Key() ItemKey {
	return ItemKey{Backend: p.Backend, Kind: p.Kind, ID: p.ID}
}

// ItemKey addresses one logical item in the completion ledger.
type ItemKey struct {
	Backend string
	Kind    MediaKind
	ID      string
}

// String renders the key in its canonical backend:kind:id form.
func (k ItemKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Backend, k.Kind, k.ID)
}

// ListingPage is one immutable page of a paginated listing.
type ListingPage struct {
	Offset     int
	Items      []RawItem
	TotalCount int
}

// RawItem is an unshaped backend JSON object. Metadata shaping is a
// downstream collaborator; the engine only moves these around.
type RawItem []byte

// PageVariant selects which listing of a parent item a page query walks.
type PageVariant string

const (
	PageTracks    PageVariant = "tracks"
	PageAlbums    PageVariant = "albums"
	PageSingles   PageVariant = "singles"
	PagePlaylists PageVariant = "playlists"
)

// PageQuery names one paginated listing on a backend: the variant listing
// of the parent item (an album's tracks, an artist's albums, ...).
type PageQuery struct {
	Parent  MediaKind
	ID      string
	Variant PageVariant
}

// Downloadable describes a resolved media byte stream.
type Downloadable struct {
	URL       string
	Container string // "flac", "m4a", "mp3", "mp4", "ts"
	SizeHint  int64  // 0 when the backend does not report a size
	Encrypted bool
}

// TrackDescriptor carries the shaped metadata the transfer, path and
// tagging collaborators need. Field extraction lives in the media package.
type TrackDescriptor struct {
	ID          string
	Title       string
	Artist      string
	AlbumTitle  string
	AlbumArtist string
	TrackNumber int
	DiscNumber  int
	ReleaseDate string
	Explicit    bool
	CoverID     string
	Duration    int // seconds
}

// AlbumDescriptor is the shaped form of an album or playlist listing head.
type AlbumDescriptor struct {
	ID          string
	Title       string
	Artist      string
	ReleaseDate string
	TrackTotal  int
	CoverID     string
}

// Outcome is the terminal disposition of one item.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StatusEvent is emitted exactly once per item reaching a terminal state.
type StatusEvent struct {
	JobID   string
	Backend string
	Kind    MediaKind
	ID      string
	Title   string
	Outcome Outcome
	Err     string
}

// LedgerRecord is the persisted terminal state of one item. Path is the
// canonical destination recorded at completion time so reconciliation can
// stat it directly instead of reconstructing names.
type LedgerRecord struct {
	Status      string    `json:"status"`
	Path        string    `json:"path,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// AuthTokens is the credential material of one backend session.
type AuthTokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	UserID       string
	CountryCode  string
}

// Valid reports whether the access token is good for at least margin.
func (t AuthTokens) Valid(margin time.Duration) bool {
	return t.AccessToken != "" && time.Until(t.Expiry) > margin
}

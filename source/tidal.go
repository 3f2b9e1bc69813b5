package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"streamfetch/internal"
	"streamfetch/utils"
)

const (
	tidalAPIBase   = "https://api.tidal.com/v1"
	tidalVideoBase = "https://api.tidalhifi.com/v1"
)

// qualityNames maps the configured tier to the API's audio quality enum.
var qualityNames = map[int]string{
	0: "LOW",
	1: "HIGH",
	2: "LOSSLESS",
	3: "HI_RES",
}

// TidalBackend implements StreamBackend against the Tidal API. All metadata
// and playback-info calls go through the executor; CDN playlists are fetched
// with the bare manifest client since they carry their own signed URLs.
type TidalBackend struct {
	exec           *Executor
	auth           *AuthManager
	manifestClient *http.Client
	countryCode    string
	quality        int
	logger         zerolog.Logger
}

// NewTidalBackend builds the backend around an executor and auth session.
func NewTidalBackend(exec *Executor, auth *AuthManager, manifestClient *http.Client, countryCode string, quality int, logger zerolog.Logger) *TidalBackend {
	if countryCode == "" {
		countryCode = "US"
	}
	if quality < 0 {
		quality = 0
	}
	if quality > 3 {
		quality = 3
	}
	return &TidalBackend{
		exec:           exec,
		auth:           auth,
		manifestClient: manifestClient,
		countryCode:    countryCode,
		quality:        quality,
		logger:         logger.With().Str("backend", "tidal").Logger(),
	}
}

// Name implements StreamBackend.
func (t *TidalBackend) Name() string { return "tidal" }

// RefreshAuth forces a token refresh regardless of the current expiry.
func (t *TidalBackend) RefreshAuth(ctx context.Context) error {
	return t.auth.Refresh(ctx)
}

// FetchMetadata returns the raw metadata object for one item.
func (t *TidalBackend) FetchMetadata(ctx context.Context, kind internal.MediaKind, id string) (internal.RawItem, error) {
	path, err := kindPath(kind)
	if err != nil {
		return nil, err
	}
	base := tidalAPIBase
	if kind == internal.KindVideo {
		base = tidalVideoBase
	}
	body, err := t.exec.Get(ctx, fmt.Sprintf("%s/%s/%s", base, path, id), t.baseParams())
	if err != nil {
		return nil, err
	}
	return internal.RawItem(body), nil
}

// FetchPage returns one window of a listing. Collection endpoints wrap each
// entry in an envelope; the envelope is stripped here so callers always see
// the bare item object.
func (t *TidalBackend) FetchPage(ctx context.Context, query internal.PageQuery, offset, limit int) (internal.ListingPage, error) {
	var body []byte
	var err error

	switch {
	case query.Parent == internal.KindAlbum && query.Variant == internal.PageTracks:
		body, err = t.albumItems(ctx, query.ID, offset, limit)
	case query.Parent == internal.KindPlaylist && query.Variant == internal.PageTracks:
		body, err = t.exec.Get(ctx, fmt.Sprintf("%s/playlists/%s/items", tidalAPIBase, query.ID), t.pageParams(offset, limit))
	case query.Parent == internal.KindArtist && query.Variant == internal.PageAlbums:
		body, err = t.exec.Get(ctx, fmt.Sprintf("%s/artists/%s/albums", tidalAPIBase, query.ID), t.pageParams(offset, limit))
	case query.Parent == internal.KindArtist && query.Variant == internal.PageSingles:
		params := t.pageParams(offset, limit)
		params.Set("filter", "EPSANDSINGLES")
		body, err = t.exec.Get(ctx, fmt.Sprintf("%s/artists/%s/albums", tidalAPIBase, query.ID), params)
	case query.Parent == internal.KindUser && query.Variant == internal.PagePlaylists:
		body, err = t.exec.Get(ctx, fmt.Sprintf("%s/users/%s/playlists", tidalAPIBase, query.ID), t.pageParams(offset, limit))
	default:
		return internal.ListingPage{}, fmt.Errorf("no %s listing on %s items", query.Variant, query.Parent)
	}
	if err != nil {
		return internal.ListingPage{}, err
	}

	var listing tidalListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return internal.ListingPage{}, internal.NewDecodeError("listing page", err)
	}
	return internal.ListingPage{
		Offset:     offset,
		Items:      unwrapItems(listing.Items),
		TotalCount: listing.TotalNumberOfItems,
	}, nil
}

// albumItems asks for contributor credits; a handful of regional catalogs
// reject the parameter, so one bare retry covers those.
func (t *TidalBackend) albumItems(ctx context.Context, id string, offset, limit int) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/albums/%s/items", tidalAPIBase, id)
	params := t.pageParams(offset, limit)
	params.Set("includeContributors", "true")

	body, err := t.exec.Get(ctx, endpoint, params)
	if err != nil && internal.IsKind(err, internal.ErrDecode) {
		params.Del("includeContributors")
		return t.exec.Get(ctx, endpoint, params)
	}
	return body, err
}

// Download resolves one item to its byte stream.
func (t *TidalBackend) Download(ctx context.Context, kind internal.MediaKind, id string) (internal.Downloadable, error) {
	if kind == internal.KindVideo {
		return t.videoDownloadable(ctx, id)
	}
	return t.trackDownloadable(ctx, id)
}

// trackDownloadable walks quality tiers downward until one yields a usable
// manifest. Hi-res tiers sometimes hand back manifests in formats this
// client does not speak; the next tier down always speaks the plain one.
func (t *TidalBackend) trackDownloadable(ctx context.Context, id string) (internal.Downloadable, error) {
	for q := t.quality; q >= 0; q-- {
		info, err := t.playbackInfo(ctx, id, q)
		if err != nil {
			return internal.Downloadable{}, err
		}

		manifest, err := decodeManifest(info.Manifest)
		if err != nil {
			t.logger.Debug().Str("id", id).Str("quality", qualityNames[q]).Err(err).Msg("manifest unusable, stepping down")
			continue
		}
		if manifest.EncryptionType != "" && manifest.EncryptionType != "NONE" {
			return internal.Downloadable{}, internal.NewNotStreamableError(id, "stream is encrypted")
		}
		return internal.Downloadable{
			URL:       manifest.URLs[0],
			Container: containerForCodec(manifest.Codecs),
		}, nil
	}
	return internal.Downloadable{}, internal.NewDecodeError("playback manifest",
		fmt.Errorf("no usable manifest at any quality for track %s", id))
}

// playbackInfo hits the v4 playback endpoint, falling back to the older one
// where v4 is not deployed.
func (t *TidalBackend) playbackInfo(ctx context.Context, id string, quality int) (*tidalPlaybackInfo, error) {
	params := url.Values{
		"countryCode":       {t.countryCode},
		"audioquality":      {qualityNames[quality]},
		"playbackmode":      {"STREAM"},
		"assetpresentation": {"FULL"},
		"prefetch":          {"false"},
	}
	body, err := t.exec.Get(ctx, fmt.Sprintf("%s/tracks/%s/playbackinfopostpaywall/v4", tidalAPIBase, id), params)
	if err != nil {
		if !internal.IsKind(err, internal.ErrNotStreamable) {
			return nil, err
		}
		body, err = t.exec.Get(ctx, fmt.Sprintf("%s/tracks/%s/playbackinfopostpaywall", tidalAPIBase, id), params)
		if err != nil {
			return nil, err
		}
	}

	var info tidalPlaybackInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, internal.NewDecodeError("playback info", err)
	}
	return &info, nil
}

// videoDownloadable resolves a video to its stream playlist. Videos live on
// a separate API host and always come back as HLS.
func (t *TidalBackend) videoDownloadable(ctx context.Context, id string) (internal.Downloadable, error) {
	params := url.Values{
		"countryCode":       {t.countryCode},
		"videoquality":      {"HIGH"},
		"playbackmode":      {"STREAM"},
		"assetpresentation": {"FULL"},
	}
	body, err := t.exec.Get(ctx, fmt.Sprintf("%s/videos/%s/playbackinfopostpaywall", tidalVideoBase, id), params)
	if err != nil {
		return internal.Downloadable{}, err
	}

	var info tidalPlaybackInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return internal.Downloadable{}, internal.NewDecodeError("video playback info", err)
	}
	manifest, err := decodeManifest(info.Manifest)
	if err != nil {
		return internal.Downloadable{}, internal.NewDecodeError("video manifest", err)
	}

	variant, err := t.selectVariant(ctx, manifest.URLs[0])
	if err != nil {
		return internal.Downloadable{}, err
	}
	return internal.Downloadable{URL: variant, Container: "ts"}, nil
}

// streamVariant matches one variant entry of an HLS master playlist: the
// attribute line and the URL line after it.
var streamVariant = regexp.MustCompile(`(?m)^#EXT-X-STREAM-INF:([^\n]*)\n([^#\n][^\n]*)`)

// selectVariant picks the highest listed stream variant from the master
// playlist, skipping the trickplay image tracks.
func (t *TidalBackend) selectVariant(ctx context.Context, masterURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, masterURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.manifestClient.Do(req)
	if err != nil {
		return "", internal.NewTransientError("master playlist", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", internal.NewBackendError(internal.ErrTransient, "master playlist fetch failed").
			WithBackend("tidal").WithStatus(resp.StatusCode).WithURL(masterURL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", internal.NewTransientError("master playlist", err)
	}

	var picked string
	for _, m := range streamVariant.FindAllStringSubmatch(string(body), -1) {
		if strings.Contains(m[1], `CODECS="jpeg`) {
			continue
		}
		picked = strings.TrimSpace(m[2])
	}
	if picked == "" {
		return "", internal.NewDecodeError("master playlist", fmt.Errorf("no stream variants listed"))
	}
	return utils.ResolveURL(masterURL, picked)
}

// DescribeTrack shapes a raw track object. Works for videos too; they carry
// the same title and artist fields without the album block.
func (t *TidalBackend) DescribeTrack(raw internal.RawItem) (internal.TrackDescriptor, error) {
	var tr tidalTrack
	if err := json.Unmarshal(raw, &tr); err != nil {
		return internal.TrackDescriptor{}, internal.NewDecodeError("track metadata", err)
	}
	if tr.AllowStreaming != nil && !*tr.AllowStreaming {
		return internal.TrackDescriptor{}, internal.NewNotStreamableError(tr.ID.String(), "streaming not allowed for this track")
	}

	artist := tr.Artist.Name
	if artist == "" && len(tr.Artists) > 0 {
		artist = tr.Artists[0].Name
	}
	albumArtist := artist
	for _, a := range tr.Artists {
		if a.Type == "MAIN" {
			albumArtist = a.Name
			break
		}
	}

	return internal.TrackDescriptor{
		ID:          tr.ID.String(),
		Title:       titleWithVersion(tr.Title, tr.Version),
		Artist:      artist,
		AlbumTitle:  tr.Album.Title,
		AlbumArtist: albumArtist,
		TrackNumber: tr.TrackNumber,
		DiscNumber:  tr.VolumeNumber,
		ReleaseDate: firstNonEmpty(tr.Album.ReleaseDate, tr.ReleaseDate, tr.StreamStartDate, tr.DateAdded),
		Explicit:    tr.Explicit,
		CoverID:     tr.Album.Cover,
		Duration:    tr.Duration,
	}, nil
}

// DescribeAlbum shapes a raw album or playlist head. The two share most
// fields; playlists use a uuid and a square image where albums use a
// numeric id and a cover.
func (t *TidalBackend) DescribeAlbum(raw internal.RawItem) (internal.AlbumDescriptor, error) {
	var col tidalCollection
	if err := json.Unmarshal(raw, &col); err != nil {
		return internal.AlbumDescriptor{}, internal.NewDecodeError("album metadata", err)
	}

	id := col.ID.String()
	if id == "" {
		id = col.UUID
	}
	artist := col.Artist.Name
	if artist == "" && len(col.Artists) > 0 {
		artist = col.Artists[0].Name
	}
	if artist == "" {
		artist = firstNonEmpty(col.Creator.Name, "Various Artists")
	}

	return internal.AlbumDescriptor{
		ID:          id,
		Title:       titleWithVersion(col.Title, col.Version),
		Artist:      artist,
		ReleaseDate: firstNonEmpty(col.ReleaseDate, col.StreamStartDate, col.Created),
		TrackTotal:  col.NumberOfTracks,
		CoverID:     firstNonEmpty(col.Cover, col.SquareImage, col.Image),
	}, nil
}

// CoverURL builds the artwork URL for a cover id at the given square size.
func (t *TidalBackend) CoverURL(coverID string, size int) string {
	if coverID == "" {
		return ""
	}
	return fmt.Sprintf("https://resources.tidal.com/images/%s/%dx%d.jpg",
		strings.ReplaceAll(coverID, "-", "/"), size, size)
}

// Search queries the catalog for items of one kind.
func (t *TidalBackend) Search(ctx context.Context, kind internal.MediaKind, query string, limit int) ([]internal.RawItem, error) {
	path, err := kindPath(kind)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 20
	}
	params := t.baseParams()
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))

	body, err := t.exec.Get(ctx, fmt.Sprintf("%s/search/%s", tidalAPIBase, path), params)
	if err != nil {
		return nil, err
	}
	var listing tidalListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, internal.NewDecodeError("search results", err)
	}
	return unwrapItems(listing.Items), nil
}

func (t *TidalBackend) baseParams() url.Values {
	return url.Values{"countryCode": {t.countryCode}}
}

func (t *TidalBackend) pageParams(offset, limit int) url.Values {
	params := t.baseParams()
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(limit))
	return params
}

// kindPath maps a media kind to its API path segment.
func kindPath(kind internal.MediaKind) (string, error) {
	switch kind {
	case internal.KindTrack, internal.KindSingle:
		return "tracks", nil
	case internal.KindAlbum:
		return "albums", nil
	case internal.KindPlaylist:
		return "playlists", nil
	case internal.KindArtist:
		return "artists", nil
	case internal.KindVideo:
		return "videos", nil
	case internal.KindUser:
		return "users", nil
	}
	return "", fmt.Errorf("kind %s has no API path", kind)
}

type tidalListing struct {
	Limit              int               `json:"limit"`
	Offset             int               `json:"offset"`
	TotalNumberOfItems int               `json:"totalNumberOfItems"`
	Items              []json.RawMessage `json:"items"`
}

type tidalPlaybackInfo struct {
	TrackID          json.Number `json:"trackId"`
	AudioQuality     string      `json:"audioQuality"`
	ManifestMimeType string      `json:"manifestMimeType"`
	Manifest         string      `json:"manifest"`
}

type tidalManifest struct {
	MimeType       string   `json:"mimeType"`
	Codecs         string   `json:"codecs"`
	EncryptionType string   `json:"encryptionType"`
	KeyID          string   `json:"keyId"`
	URLs           []string `json:"urls"`
}

type tidalArtistRef struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
	Type string      `json:"type"`
}

type tidalAlbumRef struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	Cover       string      `json:"cover"`
	ReleaseDate string      `json:"releaseDate"`
}

type tidalTrack struct {
	ID              json.Number      `json:"id"`
	Title           string           `json:"title"`
	Version         string           `json:"version"`
	Duration        int              `json:"duration"`
	TrackNumber     int              `json:"trackNumber"`
	VolumeNumber    int              `json:"volumeNumber"`
	Explicit        bool             `json:"explicit"`
	AllowStreaming  *bool            `json:"allowStreaming"`
	ReleaseDate     string           `json:"releaseDate"`
	StreamStartDate string           `json:"streamStartDate"`
	DateAdded       string           `json:"dateAdded"`
	Artist          tidalArtistRef   `json:"artist"`
	Artists         []tidalArtistRef `json:"artists"`
	Album           tidalAlbumRef    `json:"album"`
}

type tidalCollection struct {
	ID              json.Number      `json:"id"`
	UUID            string           `json:"uuid"`
	Title           string           `json:"title"`
	Version         string           `json:"version"`
	Cover           string           `json:"cover"`
	SquareImage     string           `json:"squareImage"`
	Image           string           `json:"image"`
	ReleaseDate     string           `json:"releaseDate"`
	StreamStartDate string           `json:"streamStartDate"`
	Created         string           `json:"created"`
	NumberOfTracks  int              `json:"numberOfTracks"`
	Artist          tidalArtistRef   `json:"artist"`
	Artists         []tidalArtistRef `json:"artists"`
	Creator         struct {
		Name string `json:"name"`
	} `json:"creator"`
}

// unwrapItems strips the {"item": ..., "type": ...} envelope collection
// endpoints wrap entries in. Enveloped entries that are not tracks (a
// playlist can hold videos) are dropped; entries without the envelope pass
// through untouched.
func unwrapItems(raw []json.RawMessage) []internal.RawItem {
	items := make([]internal.RawItem, 0, len(raw))
	for _, r := range raw {
		var wrapper struct {
			Item json.RawMessage `json:"item"`
			Type string          `json:"type"`
		}
		if err := json.Unmarshal(r, &wrapper); err == nil && len(wrapper.Item) > 0 && string(wrapper.Item) != "null" {
			if wrapper.Type != "" && wrapper.Type != "track" {
				continue
			}
			items = append(items, internal.RawItem(wrapper.Item))
			continue
		}
		items = append(items, internal.RawItem(r))
	}
	return items
}

// decodeManifest unpacks the base64 playback manifest. Manifests in formats
// other than the plain JSON one fail here, which callers treat as a signal
// to try a lower quality.
func decodeManifest(encoded string) (*tidalManifest, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	var m tidalManifest
	if err := json.Unmarshal(decoded, &m); err != nil {
		return nil, err
	}
	if len(m.URLs) == 0 || m.URLs[0] == "" {
		return nil, fmt.Errorf("manifest carries no stream URLs")
	}
	return &m, nil
}

// containerForCodec maps the manifest codec string to a file container.
func containerForCodec(codecs string) string {
	c := strings.ToLower(codecs)
	switch {
	case strings.Contains(c, "mp4a") || strings.Contains(c, "aac") || strings.Contains(c, "eac3"):
		return "m4a"
	case strings.Contains(c, "mp3"):
		return "mp3"
	default:
		// flac and mqa streams both arrive in flac containers
		return "flac"
	}
}

// titleWithVersion appends the version tag the way the service renders it.
func titleWithVersion(title, version string) string {
	version = strings.TrimSpace(version)
	if version == "" || strings.Contains(title, version) {
		return title
	}
	return fmt.Sprintf("%s (%s)", title, version)
}

// firstNonEmpty returns the first non-empty value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

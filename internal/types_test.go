package internal

import (
	"testing"
	"time"
)

func TestParseMediaKind(t *testing.T) {
	tests := []struct {
		input   string
		want    MediaKind
		wantErr bool
	}{
		{input: "track", want: KindTrack},
		{input: "single", want: KindSingle},
		{input: "album", want: KindAlbum},
		{input: "playlist", want: KindPlaylist},
		{input: "artist", want: KindArtist},
		{input: "label", want: KindLabel},
		{input: "user", want: KindUser},
		{input: "video", want: KindVideo},
		{input: "song", wantErr: true},
		{input: "Track", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		kind, err := ParseMediaKind(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMediaKind(%q): expected an error, got %q", tt.input, kind)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMediaKind(%q) failed: %v", tt.input, err)
			continue
		}
		if kind != tt.want {
			t.Errorf("ParseMediaKind(%q): expected %q, got %q", tt.input, tt.want, kind)
		}
	}
}

func TestItemKey_String(t *testing.T) {
	key := ItemKey{Backend: "tidal", Kind: KindTrack, ID: "42"}
	if got := key.String(); got != "tidal:track:42" {
		t.Errorf("Expected tidal:track:42, got %q", got)
	}
}

func TestPendingItem_Key(t *testing.T) {
	item := PendingItem{JobID: "j-1", Backend: "tidal", Kind: KindAlbum, ID: "9"}
	key := item.Key()
	if key.Backend != "tidal" || key.Kind != KindAlbum || key.ID != "9" {
		t.Errorf("Unexpected key: %+v", key)
	}
}

func TestAuthTokens_Valid(t *testing.T) {
	tests := []struct {
		name   string
		tokens AuthTokens
		margin time.Duration
		want   bool
	}{
		{
			name:   "fresh token",
			tokens: AuthTokens{AccessToken: "a", Expiry: time.Now().Add(time.Hour)},
			want:   true,
		},
		{
			name:   "inside the refresh margin",
			tokens: AuthTokens{AccessToken: "a", Expiry: time.Now().Add(time.Hour)},
			margin: 2 * time.Hour,
			want:   false,
		},
		{
			name:   "expired",
			tokens: AuthTokens{AccessToken: "a", Expiry: time.Now().Add(-time.Minute)},
			want:   false,
		},
		{
			name:   "no access token",
			tokens: AuthTokens{Expiry: time.Now().Add(time.Hour)},
			want:   false,
		},
		{
			name:   "zero value",
			tokens: AuthTokens{},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tokens.Valid(tt.margin); got != tt.want {
				t.Errorf("Expected Valid=%v, got %v", tt.want, got)
			}
		})
	}
}

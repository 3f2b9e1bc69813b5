package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"streamfetch/internal"
)

func newTestTransfer(server *httptest.Server) *Transfer {
	return NewTransfer(server.Client(), nil, true, zerolog.Nop())
}

func TestTransfer_FetchDirect(t *testing.T) {
	payload := strings.Repeat("flac-frame ", 1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "Band - LP", "01. Song.flac")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL, Container: "flac"}, dest, "Song")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Expected the destination file: %v", err)
	}
	if string(data) != payload {
		t.Errorf("Expected %d bytes, got %d", len(payload), len(data))
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Error("Expected the staging file renamed away")
	}
}

func TestTransfer_RetriesOnceThenFails(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "song.flac")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL, Container: "flac"}, dest, "Song")
	if !internal.IsKind(err, internal.ErrTransient) {
		t.Fatalf("Expected a transient failure, got %v", err)
	}
	if n := atomic.LoadInt64(&hits); n != 2 {
		t.Errorf("Expected one local retry, got %d requests", n)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("Expected no destination file after a failed transfer")
	}
}

func TestTransfer_TruncatedStreamCleansUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("short"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "song.flac")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL, Container: "flac"}, dest, "Song")
	if err == nil {
		t.Fatal("Expected a truncated stream to fail")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("Expected no destination file for a truncated stream")
	}
	if _, statErr := os.Stat(dest + ".part"); !os.IsNotExist(statErr) {
		t.Error("Expected the partial file removed")
	}
}

func TestTransfer_RecoversOnRetry(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("second time lucky"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "song.flac")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL, Container: "flac"}, dest, "Song")
	if err != nil {
		t.Fatalf("Expected the retry to succeed: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Expected the destination file: %v", err)
	}
	if string(data) != "second time lucky" {
		t.Errorf("Expected the retried payload, got %q", data)
	}
}

func TestTransfer_PlaylistConcatenatesSegments(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/variant.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXTINF:2.1,
seg2.ts
#EXT-X-ENDLIST
`)
	})
	for i := 0; i < 3; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "[segment %d]", i)
		})
	}

	dest := filepath.Join(t.TempDir(), "Band - Clip.ts")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL + "/variant.m3u8", Container: "ts"}, dest, "Clip")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("Expected the destination file: %v", err)
	}
	if string(data) != "[segment 0][segment 1][segment 2]" {
		t.Errorf("Expected segments concatenated in order, got %q", data)
	}
}

func TestTransfer_PlaylistWithoutSegments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-ENDLIST\n")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "clip.ts")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL, Container: "ts"}, dest, "Clip")
	if !internal.IsKind(err, internal.ErrDecode) {
		t.Fatalf("Expected Decode for an empty playlist, got %v", err)
	}
}

func TestTransfer_FailedSegmentCleansUp(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/variant.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "seg0.ts\nseg1.ts\n")
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[segment 0]")
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	dest := filepath.Join(t.TempDir(), "clip.ts")
	tr := newTestTransfer(server)
	err := tr.Fetch(context.Background(), internal.Downloadable{URL: server.URL + "/variant.m3u8", Container: "ts"}, dest, "Clip")
	if err == nil {
		t.Fatal("Expected a failed segment to fail the transfer")
	}
	if _, statErr := os.Stat(dest + ".part"); !os.IsNotExist(statErr) {
		t.Error("Expected the partial file removed")
	}
}

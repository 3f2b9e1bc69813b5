// Package media shapes downloaded items into library files: destination
// paths, embedded tags, cover art.
package media

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"streamfetch/internal"
)

// maxNameLen bounds one path component. Long titles get cut, extensions
// survive the cut.
const maxNameLen = 120

var (
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	trailingDots = regexp.MustCompile(`\.+$`)
	multiSpace   = regexp.MustCompile(`\s+`)
)

// SanitizeFileName makes a name safe as a single path component on every
// platform this tool targets. Windows is the strictest, so its rules win.
func SanitizeFileName(name string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	name = trailingDots.ReplaceAllString(name, "")
	name = multiSpace.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "untitled"
	}
	return truncateName(name, maxNameLen)
}

// truncateName cuts a component to max runes, keeping any extension.
func truncateName(name string, max int) string {
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	ext := filepath.Ext(name)
	if ext != "" && len(ext) < max {
		stem := []rune(strings.TrimSuffix(name, ext))
		return string(stem[:max-len(ext)]) + ext
	}
	return string(runes[:max])
}

// Planner maps descriptors to destination paths under one library root.
type Planner struct {
	root string
}

// NewPlanner returns a planner rooted at dir.
func NewPlanner(dir string) *Planner {
	return &Planner{root: dir}
}

// Root returns the library root.
func (p *Planner) Root() string { return p.root }

// AlbumFolder names the directory for an album or playlist.
func (p *Planner) AlbumFolder(album internal.AlbumDescriptor) string {
	name := fmt.Sprintf("%s - %s", album.Artist, album.Title)
	if year := releaseYear(album.ReleaseDate); year != "" {
		name = fmt.Sprintf("%s (%s)", name, year)
	}
	return filepath.Join(p.root, SanitizeFileName(name))
}

// TrackPath names the destination of one track. Tracks inside an album get
// numbered names in the album folder; loose tracks land flat in the root as
// "Artist - Title".
func (p *Planner) TrackPath(album *internal.AlbumDescriptor, track internal.TrackDescriptor, container string) string {
	ext := ContainerExt(container)
	if album == nil {
		name := fmt.Sprintf("%s - %s%s", track.Artist, track.Title, ext)
		return filepath.Join(p.root, SanitizeFileName(name))
	}
	name := fmt.Sprintf("%02d. %s%s", track.TrackNumber, track.Title, ext)
	if track.DiscNumber > 1 {
		name = fmt.Sprintf("%d-%s", track.DiscNumber, name)
	}
	return filepath.Join(p.AlbumFolder(*album), SanitizeFileName(name))
}

// VideoPath names the destination of one video.
func (p *Planner) VideoPath(video internal.TrackDescriptor, container string) string {
	name := fmt.Sprintf("%s - %s%s", video.Artist, video.Title, ContainerExt(container))
	return filepath.Join(p.root, SanitizeFileName(name))
}

// ContainerExt maps a container name to its file extension.
func ContainerExt(container string) string {
	switch container {
	case "", "flac":
		return ".flac"
	case "m4a":
		return ".m4a"
	case "mp3":
		return ".mp3"
	case "mp4":
		return ".mp4"
	case "ts":
		return ".ts"
	}
	return "." + container
}

// releaseYear extracts the year from an ISO-ish date string.
func releaseYear(date string) string {
	if len(date) < 4 {
		return ""
	}
	year := date[:4]
	for _, r := range year {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return year
}

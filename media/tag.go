package media

import (
	"strconv"

	"github.com/bogem/id3v2"
	"github.com/rs/zerolog"

	"streamfetch/internal"
)

// WriteTags embeds metadata and cover art into the finished file. Only mp3
// carries ID3 frames; other containers are left as delivered.
func WriteTags(path, container string, track internal.TrackDescriptor, artwork []byte, logger zerolog.Logger) error {
	if container != "mp3" {
		logger.Debug().Str("container", container).Msg("tagging skipped for non-mp3 container")
		return nil
	}

	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return internal.NewLocalIOError(path, err)
	}
	defer tag.Close()

	tag.SetTitle(track.Title)
	tag.SetArtist(track.Artist)
	tag.SetAlbum(track.AlbumTitle)
	if track.AlbumArtist != "" {
		tag.AddTextFrame("TPE2", id3v2.EncodingUTF8, track.AlbumArtist)
	}
	if track.TrackNumber > 0 {
		tag.AddTextFrame("TRCK", id3v2.EncodingUTF8, strconv.Itoa(track.TrackNumber))
	}
	if track.DiscNumber > 0 {
		tag.AddTextFrame("TPOS", id3v2.EncodingUTF8, strconv.Itoa(track.DiscNumber))
	}
	if year := releaseYear(track.ReleaseDate); year != "" {
		tag.AddTextFrame("TYER", id3v2.EncodingUTF8, year)
		if day := releaseDay(track.ReleaseDate); day != "" {
			tag.AddTextFrame("TDRC", id3v2.EncodingUTF8, day)
		}
	}
	if len(artwork) > 0 {
		tag.DeleteFrames(tag.CommonID("Attached picture"))
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    "image/jpeg",
			PictureType: id3v2.PTFrontCover,
			Description: "Cover",
			Picture:     artwork,
		})
	}

	if err := tag.Save(); err != nil {
		return internal.NewLocalIOError(path, err)
	}
	return nil
}

// releaseDay trims a timestamped release date down to YYYY-MM-DD.
func releaseDay(date string) string {
	if len(date) < 10 {
		return ""
	}
	return date[:10]
}

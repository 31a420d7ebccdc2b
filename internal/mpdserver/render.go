package mpdserver

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
)

var valueReplacer = strings.NewReplacer("\n", " ", "\r", " ")

// writeKV writes one "key: value" line.
func writeKV(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(valueReplacer.Replace(value))
	buf.WriteByte('\n')
}

func writeInt(buf *bytes.Buffer, key string, v int64) {
	writeKV(buf, key, strconv.FormatInt(v, 10))
}

func writeBool(buf *bytes.Buffer, key string, v bool) {
	if v {
		writeKV(buf, key, "1")
	} else {
		writeKV(buf, key, "0")
	}
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// writeTrack renders the fixed track block.
func writeTrack(buf *bytes.Buffer, t library.Track, pos int) {
	writeKV(buf, "file", t.Path)
	writeKV(buf, "Artist", t.Artist)
	writeKV(buf, "Album", t.Album)
	writeKV(buf, "AlbumArtist", t.AlbumArtist)
	writeKV(buf, "Title", t.Title)
	if t.Year > 0 {
		writeInt(buf, "Date", int64(t.Year))
	} else {
		writeKV(buf, "Date", "")
	}
	writeKV(buf, "Genre", t.Genre)
	writeInt(buf, "Time", int64(t.Duration/time.Second))
	writeInt(buf, "Id", t.ID)
	writeInt(buf, "Pos", int64(pos))
}

// writeLibraryTracks renders tracks outside a playlist, where Pos is the
// track number within the album.
func writeLibraryTracks(buf *bytes.Buffer, tracks []library.Track) {
	for _, t := range tracks {
		writeTrack(buf, t, t.Position)
	}
}

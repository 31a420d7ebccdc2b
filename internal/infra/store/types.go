package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// TrackRecord is a track row joined with its artist and album.
type TrackRecord struct {
	ID          int64
	Path        string
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	AlbumID     int64
	Genre       string
	Year        int
	Duration    int // seconds
	TrackNumber int
	Popularity  float64
	AddedAt     time.Time
}

// PlaylistRecord is a playlist row.
type PlaylistRecord struct {
	ID         int64
	Name       string
	TrackCount int
}

// Counts holds library-wide totals.
type Counts struct {
	Artists  int
	Albums   int
	Tracks   int
	Playtime int // seconds
}

// Field names a searchable track attribute.
type Field string

const (
	FieldAlbum       Field = "album"
	FieldArtist      Field = "artist"
	FieldAlbumArtist Field = "albumartist"
	FieldTitle       Field = "title"
	FieldGenre       Field = "genre"
)

// fieldColumns whitelists the SQL expression for each searchable field.
var fieldColumns = map[Field]string{
	FieldAlbum:       "al.name",
	FieldArtist:      "ar.name",
	FieldAlbumArtist: "al.album_artist",
	FieldTitle:       "t.title",
	FieldGenre:       "t.genre",
}

// ValidField reports whether f can be used in queries.
func ValidField(f Field) bool {
	_, ok := fieldColumns[f]
	return ok
}

// Package library provides the track, album and playlist store behind the
// remote-control server, and the server-owned playlist it mutates.
package library

import (
	"time"

	"github.com/edumarques81/stellar-mpd/internal/infra/store"
)

// ServerPlaylistID identifies the playlist owned by the remote-control
// server (the MPD "current playlist"). User playlists have IDs >= 0.
const ServerPlaylistID int64 = -1

// Category is a track attribute that can be searched or listed.
type Category = store.Field

const (
	CategoryAlbum       = store.FieldAlbum
	CategoryArtist      = store.FieldArtist
	CategoryAlbumArtist = store.FieldAlbumArtist
	CategoryTitle       = store.FieldTitle
	CategoryGenre       = store.FieldGenre
)

// Track is a library track.
type Track struct {
	ID          int64         `json:"id"`
	Path        string        `json:"path"`
	Title       string        `json:"title"`
	Artist      string        `json:"artist"`
	Album       string        `json:"album"`
	AlbumArtist string        `json:"albumArtist,omitempty"`
	AlbumID     int64         `json:"-"`
	Genre       string        `json:"genre,omitempty"`
	Year        int           `json:"year,omitempty"`
	Duration    time.Duration `json:"duration"`
	Position    int           `json:"trackNumber,omitempty"` // track number within the album
	Popularity  float64       `json:"popularity"`
}

// Playlist is a user playlist.
type Playlist struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	TrackCount int    `json:"trackCount"`
}

// Stats holds library-wide totals.
type Stats struct {
	Artists    int           `json:"artists"`
	Albums     int           `json:"albums"`
	Songs      int           `json:"songs"`
	DBPlaytime time.Duration `json:"dbPlaytime"`
	DBUpdate   time.Time     `json:"dbUpdate"`
}

// PlaylistChanged is emitted after every mutation of a playlist.
type PlaylistChanged struct {
	PlaylistID int64
}

func trackFromRecord(r *store.TrackRecord) Track {
	return Track{
		ID:          r.ID,
		Path:        r.Path,
		Title:       r.Title,
		Artist:      r.Artist,
		Album:       r.Album,
		AlbumArtist: r.AlbumArtist,
		AlbumID:     r.AlbumID,
		Genre:       r.Genre,
		Year:        r.Year,
		Duration:    time.Duration(r.Duration) * time.Second,
		Position:    r.TrackNumber,
		Popularity:  r.Popularity,
	}
}

func tracksFromRecords(records []*store.TrackRecord) []Track {
	tracks := make([]Track, 0, len(records))
	for _, r := range records {
		tracks = append(tracks, trackFromRecord(r))
	}
	return tracks
}

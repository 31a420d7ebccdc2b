package mpdserver

import (
	"context"
	"time"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/domain/player"
)

// Player is the playback engine as seen by the server. Mutations are
// asynchronous intents; State is a consistent snapshot.
type Player interface {
	PlayerEvents
	State() player.State

	Play()
	PlayPosition(position int)
	PlayID(trackID int64)
	Pause(pause bool)
	TogglePause()
	Stop()
	Next()
	Previous()
	SeekID(trackID int64, pos time.Duration)
	SetVolume(v float64)
	SetRandom(on bool)
	SetRepeat(on bool)
}

// Library is the track store and server-owned playlist as seen by the
// server.
type Library interface {
	PlaylistEvents

	ResolvePath(ctx context.Context, path string) (int64, error)
	Track(ctx context.Context, id int64) (library.Track, error)
	Tracks(ctx context.Context) ([]library.Track, error)
	Find(ctx context.Context, category library.Category, value string) ([]library.Track, error)
	Names(ctx context.Context, category library.Category) ([]string, error)
	Count(ctx context.Context, category library.Category, value string) (int, time.Duration, error)
	Stats(ctx context.Context) (library.Stats, error)
	SetPopularity(ctx context.Context, id int64, popularity float64) error

	Playlists(ctx context.Context) ([]library.Playlist, error)
	PlaylistTracks(ctx context.Context, playlistID int64) ([]library.Track, error)
	PlaylistTrackIDs(ctx context.Context, playlistID int64) ([]int64, error)
	AppendToPlaylist(ctx context.Context, playlistID int64, trackIDs ...int64) error
	RemoveFromPlaylist(ctx context.Context, playlistID int64, position int) error
	ClearPlaylist(ctx context.Context, playlistID int64) error
}

// Updater rescans the library for the update command.
type Updater interface {
	Update(ctx context.Context) error
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context) error

// Update calls f(ctx).
func (f UpdaterFunc) Update(ctx context.Context) error {
	return f(ctx)
}

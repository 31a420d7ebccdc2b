// Package player provides the playback engine behind the remote-control
// server: a single-writer actor with a simulated playback clock.
package player

import (
	"time"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
)

// Status is the transport state.
type Status string

// Status constants for player state
const (
	StatusPlay  Status = "play"
	StatusPause Status = "pause"
	StatusStop  Status = "stop"
)

// Cursor locates the current track: its ID and, when it was started from a
// playlist, the playlist and index it came from.
type Cursor struct {
	TrackID    int64
	InPlaylist bool
	PlaylistID int64
	Position   int
}

// State is an immutable snapshot of the player.
type State struct {
	Status Status
	Cursor Cursor
	// Track is the current track; nil when nothing is loaded.
	Track   *library.Track
	Elapsed time.Duration
	// PlayTime is the total time spent playing since the engine started.
	PlayTime time.Duration

	// Volume in [0,1].
	Volume float64
	Random bool
	Repeat bool
}

// HasTrack reports whether a track is loaded.
func (s State) HasTrack() bool {
	return s.Track != nil
}

// IsCurrent reports whether id is the loaded track.
func (s State) IsCurrent(id int64) bool {
	return s.Track != nil && s.Track.ID == id
}

// InServerPlaylist reports whether the current track was started from the
// server-owned playlist.
func (s State) InServerPlaylist() bool {
	return s.Cursor.InPlaylist && s.Cursor.PlaylistID == library.ServerPlaylistID
}

// VolumePercent returns the volume scaled to 0-100.
func (s State) VolumePercent() int {
	return int(s.Volume*100 + 0.5)
}

// ToJSON returns the state as a map suitable for JSON serialization.
// This matches the Volumio pushState format.
func (s State) ToJSON() map[string]interface{} {
	state := map[string]interface{}{
		"status":   string(s.Status),
		"position": s.Cursor.Position,
		"seek":     s.Elapsed.Milliseconds(),
		"volume":   s.VolumePercent(),
		"random":   s.Random,
		"repeat":   s.Repeat,
		"service":  "mpd",
	}
	if s.Track != nil {
		state["title"] = s.Track.Title
		state["artist"] = s.Track.Artist
		state["album"] = s.Track.Album
		state["uri"] = s.Track.Path
		state["duration"] = int(s.Track.Duration / time.Second)
	} else {
		state["title"] = ""
		state["artist"] = ""
		state["album"] = ""
		state["uri"] = ""
		state["duration"] = 0
	}
	return state
}

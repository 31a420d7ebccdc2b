package player

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
)

// Library is the part of the library the engine reads.
type Library interface {
	Track(ctx context.Context, id int64) (library.Track, error)
	PlaylistTrackIDs(ctx context.Context, playlistID int64) ([]int64, error)
	AlbumTrackIDs(ctx context.Context, trackID int64) ([]int64, error)
	RandomTrackID(ctx context.Context, exclude int64) (int64, error)
}

// Direction is +1 for next and -1 for previous.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

// Resolver picks the track after (or before) the current one. It returns
// ok=false when it does not apply to the current state, letting the next
// resolver try. A zero Cursor with ok=true means the source is exhausted.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, lib Library, st State, dir Direction) (next Cursor, ok bool, err error)
}

// DefaultResolvers is the resolution order: the playlist the track was
// started from, then library-wide shuffle, then the track's album.
func DefaultResolvers() []Resolver {
	return []Resolver{playlistResolver{}, shuffleResolver{}, albumResolver{}}
}

type playlistResolver struct{}

func (playlistResolver) Name() string { return "playlist" }

func (playlistResolver) Resolve(ctx context.Context, lib Library, st State, dir Direction) (Cursor, bool, error) {
	if !st.Cursor.InPlaylist {
		return Cursor{}, false, nil
	}
	ids, err := lib.PlaylistTrackIDs(ctx, st.Cursor.PlaylistID)
	if err != nil {
		return Cursor{}, false, err
	}
	if len(ids) == 0 {
		return Cursor{}, true, nil
	}

	cur := st.Cursor.Position
	if cur < 0 || cur >= len(ids) || ids[cur] != st.Cursor.TrackID {
		cur = slices.Index(ids, st.Cursor.TrackID)
	}

	var next int
	switch {
	case st.Random && len(ids) > 1:
		next = rand.IntN(len(ids) - 1)
		if next >= cur && cur >= 0 {
			next++
		}
	case cur < 0:
		// The track left the playlist; restart from its head.
		next = 0
	default:
		next = cur + int(dir)
	}

	if next < 0 || next >= len(ids) {
		if !st.Repeat {
			return Cursor{}, true, nil
		}
		next = (next + len(ids)) % len(ids)
	}
	return Cursor{TrackID: ids[next], InPlaylist: true, PlaylistID: st.Cursor.PlaylistID, Position: next}, true, nil
}

type shuffleResolver struct{}

func (shuffleResolver) Name() string { return "shuffle" }

func (shuffleResolver) Resolve(ctx context.Context, lib Library, st State, _ Direction) (Cursor, bool, error) {
	if !st.Random {
		return Cursor{}, false, nil
	}
	id, err := lib.RandomTrackID(ctx, st.Cursor.TrackID)
	if errors.Is(err, library.ErrNotFound) {
		return Cursor{}, true, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return Cursor{TrackID: id}, true, nil
}

type albumResolver struct{}

func (albumResolver) Name() string { return "album" }

func (albumResolver) Resolve(ctx context.Context, lib Library, st State, dir Direction) (Cursor, bool, error) {
	if st.Cursor.TrackID == 0 {
		return Cursor{}, false, nil
	}
	ids, err := lib.AlbumTrackIDs(ctx, st.Cursor.TrackID)
	if err != nil {
		return Cursor{}, false, err
	}
	cur := slices.Index(ids, st.Cursor.TrackID)
	if cur < 0 {
		return Cursor{}, true, nil
	}
	next := cur + int(dir)
	if next < 0 || next >= len(ids) {
		if !st.Repeat {
			return Cursor{}, true, nil
		}
		next = (next + len(ids)) % len(ids)
	}
	return Cursor{TrackID: ids[next]}, true, nil
}

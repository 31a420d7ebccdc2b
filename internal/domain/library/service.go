package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpd/internal/infra/store"
)

// ErrNotFound is returned when a track, path or position does not exist.
var ErrNotFound = store.ErrNotFound

// Service is the library facade. Reads are concurrent; playlist writes are
// serialized and followed by a PlaylistChanged notification.
type Service struct {
	db  *store.DB
	dao *store.DAO

	writeMu sync.Mutex

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(PlaylistChanged)
}

// NewService creates a library service over an opened database and makes
// sure the server-owned playlist exists.
func NewService(ctx context.Context, db *store.DB) (*Service, error) {
	s := &Service{
		db:   db,
		dao:  store.NewDAO(db),
		subs: make(map[int]func(PlaylistChanged)),
	}
	if err := s.dao.EnsurePlaylist(ctx, ServerPlaylistID, "Server queue"); err != nil {
		return nil, fmt.Errorf("failed to create server playlist: %w", err)
	}
	return s, nil
}

// Subscribe registers fn for playlist-changed events. fn is called
// synchronously after the write commits and must not block.
func (s *Service) Subscribe(fn func(PlaylistChanged)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) notify(playlistID int64) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	ev := PlaylistChanged{PlaylistID: playlistID}
	for _, fn := range s.subs {
		fn(ev)
	}
}

// --- Tracks ---

// ResolvePath returns the ID of the track stored at path.
func (s *Service) ResolvePath(ctx context.Context, path string) (int64, error) {
	return s.dao.TrackIDByPath(ctx, path)
}

// Track returns a track by ID.
func (s *Service) Track(ctx context.Context, id int64) (Track, error) {
	r, err := s.dao.GetTrack(ctx, id)
	if err != nil {
		return Track{}, err
	}
	return trackFromRecord(r), nil
}

// Tracks returns every track in the library.
func (s *Service) Tracks(ctx context.Context) ([]Track, error) {
	records, err := s.dao.AllTracks(ctx)
	if err != nil {
		return nil, err
	}
	return tracksFromRecords(records), nil
}

// Find returns the tracks whose category equals value, ignoring case.
func (s *Service) Find(ctx context.Context, category Category, value string) ([]Track, error) {
	records, err := s.dao.FindTracks(ctx, category, value)
	if err != nil {
		return nil, err
	}
	return tracksFromRecords(records), nil
}

// Names returns the distinct values of a category.
func (s *Service) Names(ctx context.Context, category Category) ([]string, error) {
	return s.dao.Names(ctx, category)
}

// Count returns the number and total duration of the tracks matching
// category = value.
func (s *Service) Count(ctx context.Context, category Category, value string) (int, time.Duration, error) {
	songs, secs, err := s.dao.CountTracks(ctx, category, value)
	return songs, time.Duration(secs) * time.Second, err
}

// AlbumTrackIDs returns the track IDs of the album containing trackID, in
// track order.
func (s *Service) AlbumTrackIDs(ctx context.Context, trackID int64) ([]int64, error) {
	r, err := s.dao.GetTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if r.AlbumID == 0 {
		return []int64{r.ID}, nil
	}
	return s.dao.AlbumTrackIDs(ctx, r.AlbumID)
}

// RandomTrackID returns a random track other than exclude.
func (s *Service) RandomTrackID(ctx context.Context, exclude int64) (int64, error) {
	return s.dao.RandomTrackID(ctx, exclude)
}

// SetPopularity stores a track's popularity rating.
func (s *Service) SetPopularity(ctx context.Context, id int64, popularity float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.dao.SetPopularity(ctx, id, popularity)
}

// Stats returns library-wide totals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	c, err := s.dao.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	updated, err := s.db.LastUpdated()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Artists:    c.Artists,
		Albums:     c.Albums,
		Songs:      c.Tracks,
		DBPlaytime: time.Duration(c.Playtime) * time.Second,
		DBUpdate:   updated,
	}, nil
}

// --- Playlists ---

// Playlists returns the user playlists.
func (s *Service) Playlists(ctx context.Context) ([]Playlist, error) {
	records, err := s.dao.Playlists(ctx)
	if err != nil {
		return nil, err
	}
	playlists := make([]Playlist, 0, len(records))
	for _, r := range records {
		playlists = append(playlists, Playlist{ID: r.ID, Name: r.Name, TrackCount: r.TrackCount})
	}
	return playlists, nil
}

// CreatePlaylist creates an empty user playlist.
func (s *Service) CreatePlaylist(ctx context.Context, name string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.dao.CreatePlaylist(ctx, name)
}

// PlaylistTracks returns a playlist's tracks in order.
func (s *Service) PlaylistTracks(ctx context.Context, playlistID int64) ([]Track, error) {
	records, err := s.dao.PlaylistTracks(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	return tracksFromRecords(records), nil
}

// PlaylistTrackIDs returns a playlist's track IDs in order.
func (s *Service) PlaylistTrackIDs(ctx context.Context, playlistID int64) ([]int64, error) {
	return s.dao.PlaylistTrackIDs(ctx, playlistID)
}

// AppendToPlaylist appends tracks to the end of a playlist.
func (s *Service) AppendToPlaylist(ctx context.Context, playlistID int64, trackIDs ...int64) error {
	if len(trackIDs) == 0 {
		return nil
	}
	return s.mutatePlaylist(playlistID, func() error {
		return s.dao.AppendToPlaylist(ctx, playlistID, trackIDs)
	})
}

// ReplacePlaylist replaces a playlist's contents.
func (s *Service) ReplacePlaylist(ctx context.Context, playlistID int64, trackIDs []int64) error {
	return s.mutatePlaylist(playlistID, func() error {
		return s.dao.ReplacePlaylist(ctx, playlistID, trackIDs)
	})
}

// RemoveFromPlaylist removes the track at position by rebuilding the
// playlist without it.
func (s *Service) RemoveFromPlaylist(ctx context.Context, playlistID int64, position int) error {
	return s.mutatePlaylist(playlistID, func() error {
		ids, err := s.dao.PlaylistTrackIDs(ctx, playlistID)
		if err != nil {
			return err
		}
		if position < 0 || position >= len(ids) {
			return fmt.Errorf("position %d of %d: %w", position, len(ids), ErrNotFound)
		}
		rebuilt := make([]int64, 0, len(ids)-1)
		rebuilt = append(rebuilt, ids[:position]...)
		rebuilt = append(rebuilt, ids[position+1:]...)
		return s.dao.ReplacePlaylist(ctx, playlistID, rebuilt)
	})
}

// ClearPlaylist empties a playlist.
func (s *Service) ClearPlaylist(ctx context.Context, playlistID int64) error {
	return s.ReplacePlaylist(ctx, playlistID, nil)
}

func (s *Service) mutatePlaylist(playlistID int64, fn func() error) error {
	s.writeMu.Lock()
	err := fn()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	log.Debug().Int64("playlist", playlistID).Msg("Playlist changed")
	s.notify(playlistID)
	return nil
}

// IsNotFound reports whether err means a missing track, path or position.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

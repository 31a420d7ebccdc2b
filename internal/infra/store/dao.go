package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DAO provides data access operations for the library.
type DAO struct {
	db *DB
}

// NewDAO creates a new DAO instance.
func NewDAO(db *DB) *DAO {
	return &DAO{db: db}
}

const trackColumns = `
	t.id, t.path, t.title, COALESCE(ar.name, ''), COALESCE(al.name, ''),
	COALESCE(al.album_artist, ''), COALESCE(t.album_id, 0), t.genre, t.year,
	t.duration, t.track_number, t.popularity, COALESCE(t.added_at, '')`

const trackJoins = `
	FROM tracks t
	LEFT JOIN artists ar ON ar.id = t.artist_id
	LEFT JOIN albums al ON al.id = t.album_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*TrackRecord, error) {
	t := &TrackRecord{}
	var addedAt string
	err := row.Scan(
		&t.ID, &t.Path, &t.Title, &t.Artist, &t.Album,
		&t.AlbumArtist, &t.AlbumID, &t.Genre, &t.Year,
		&t.Duration, &t.TrackNumber, &t.Popularity, &addedAt,
	)
	if err != nil {
		return nil, err
	}
	if addedAt != "" {
		t.AddedAt, _ = time.Parse("2006-01-02 15:04:05", addedAt)
	}
	return t, nil
}

func (dao *DAO) sqlDB() (*sql.DB, error) {
	db := dao.db.DB()
	if db == nil {
		return nil, ErrNotOpen
	}
	return db, nil
}

func (dao *DAO) queryTracks(ctx context.Context, query string, args ...any) ([]*TrackRecord, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []*TrackRecord
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

func (dao *DAO) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Track Operations ---

// ImportTracks upserts tracks (keyed by path) with their artists and albums
// in one transaction and returns the number of rows written.
func (dao *DAO) ImportTracks(ctx context.Context, tracks []TrackRecord) (int, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	for i := range tracks {
		if _, err := upsertTrackTx(ctx, tx, &tracks[i]); err != nil {
			return 0, fmt.Errorf("failed to import %s: %w", tracks[i].Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}

	log.Debug().Int("tracks", len(tracks)).Msg("Tracks imported")
	return len(tracks), nil
}

func upsertTrackTx(ctx context.Context, tx *sql.Tx, t *TrackRecord) (int64, error) {
	artistID, err := upsertArtistTx(ctx, tx, t.Artist)
	if err != nil {
		return 0, err
	}
	albumID, err := upsertAlbumTx(ctx, tx, t.Album, t.AlbumArtist, t.Year)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tracks (path, title, artist_id, album_id, genre, year, duration, track_number, popularity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title = excluded.title, artist_id = excluded.artist_id, album_id = excluded.album_id,
			genre = excluded.genre, year = excluded.year, duration = excluded.duration,
			track_number = excluded.track_number
	`, t.Path, t.Title, artistID, albumID, t.Genre, t.Year, t.Duration, t.TrackNumber, t.Popularity)
	if err != nil {
		return 0, err
	}

	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM tracks WHERE path = ?", t.Path).Scan(&id); err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

func upsertArtistTx(ctx context.Context, tx *sql.Tx, name string) (sql.NullInt64, error) {
	if name == "" {
		return sql.NullInt64{}, nil
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO artists (name) VALUES (?)", name); err != nil {
		return sql.NullInt64{}, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM artists WHERE name = ?", name).Scan(&id); err != nil {
		return sql.NullInt64{}, err
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

func upsertAlbumTx(ctx context.Context, tx *sql.Tx, name, albumArtist string, year int) (sql.NullInt64, error) {
	if name == "" {
		return sql.NullInt64{}, nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO albums (name, album_artist, year) VALUES (?, ?, ?)
		ON CONFLICT(name, album_artist) DO UPDATE SET year = COALESCE(NULLIF(excluded.year, 0), albums.year)
	`, name, albumArtist, year)
	if err != nil {
		return sql.NullInt64{}, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM albums WHERE name = ? AND album_artist = ?", name, albumArtist).Scan(&id)
	if err != nil {
		return sql.NullInt64{}, err
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// GetTrack retrieves a track by ID.
func (dao *DAO) GetTrack(ctx context.Context, id int64) (*TrackRecord, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return nil, err
	}

	t, err := scanTrack(db.QueryRowContext(ctx, "SELECT "+trackColumns+trackJoins+" WHERE t.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("track %d: %w", id, ErrNotFound)
	}
	return t, err
}

// TrackIDByPath resolves a library path to a track ID.
func (dao *DAO) TrackIDByPath(ctx context.Context, path string) (int64, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.QueryRowContext(ctx, "SELECT id FROM tracks WHERE path = ?", path).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("path %q: %w", path, ErrNotFound)
	}
	return id, err
}

// AllTracks returns every track ordered by album and track number.
func (dao *DAO) AllTracks(ctx context.Context) ([]*TrackRecord, error) {
	return dao.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		" ORDER BY al.name COLLATE NOCASE, t.track_number, t.id")
}

// FindTracks returns tracks whose field equals value (case-insensitive).
func (dao *DAO) FindTracks(ctx context.Context, field Field, value string) ([]*TrackRecord, error) {
	column, ok := fieldColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported field %q", field)
	}
	return dao.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		" WHERE "+column+" = ? COLLATE NOCASE ORDER BY al.name COLLATE NOCASE, t.track_number, t.id", value)
}

// AlbumTrackIDs returns the IDs of an album's tracks in track order.
func (dao *DAO) AlbumTrackIDs(ctx context.Context, albumID int64) ([]int64, error) {
	return dao.queryIDs(ctx, "SELECT id FROM tracks WHERE album_id = ? ORDER BY track_number, id", albumID)
}

// RandomTrackID returns a random track ID other than exclude.
func (dao *DAO) RandomTrackID(ctx context.Context, exclude int64) (int64, error) {
	ids, err := dao.queryIDs(ctx, "SELECT id FROM tracks WHERE id != ? ORDER BY RANDOM() LIMIT 1", exclude)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, ErrNotFound
	}
	return ids[0], nil
}

// Names returns the distinct names of a field, sorted.
func (dao *DAO) Names(ctx context.Context, field Field) ([]string, error) {
	var query string
	switch field {
	case FieldAlbum:
		query = "SELECT DISTINCT name FROM albums ORDER BY name COLLATE NOCASE"
	case FieldArtist:
		query = "SELECT name FROM artists ORDER BY name COLLATE NOCASE"
	case FieldAlbumArtist:
		query = "SELECT DISTINCT album_artist FROM albums WHERE album_artist != '' ORDER BY album_artist COLLATE NOCASE"
	case FieldGenre:
		query = "SELECT DISTINCT genre FROM tracks WHERE genre != '' ORDER BY genre COLLATE NOCASE"
	default:
		return nil, fmt.Errorf("unsupported field %q", field)
	}

	db, err := dao.sqlDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Counts returns library-wide totals.
func (dao *DAO) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db, err := dao.sqlDB()
	if err != nil {
		return c, err
	}

	err = db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artists),
			(SELECT COUNT(*) FROM albums),
			(SELECT COUNT(*) FROM tracks),
			(SELECT COALESCE(SUM(duration), 0) FROM tracks)
	`).Scan(&c.Artists, &c.Albums, &c.Tracks, &c.Playtime)
	return c, err
}

// CountTracks returns the number and total duration of tracks matching field = value.
func (dao *DAO) CountTracks(ctx context.Context, field Field, value string) (songs, playtime int, err error) {
	column, ok := fieldColumns[field]
	if !ok {
		return 0, 0, fmt.Errorf("unsupported field %q", field)
	}
	db, err := dao.sqlDB()
	if err != nil {
		return 0, 0, err
	}

	err = db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(t.duration), 0)"+trackJoins+
		" WHERE "+column+" = ? COLLATE NOCASE", value).Scan(&songs, &playtime)
	return songs, playtime, err
}

// SetPopularity stores a track's popularity.
func (dao *DAO) SetPopularity(ctx context.Context, id int64, popularity float64) error {
	db, err := dao.sqlDB()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, "UPDATE tracks SET popularity = ? WHERE id = ?", popularity, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("track %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Playlist Operations ---

// EnsurePlaylist creates a playlist with a fixed ID if it does not exist.
func (dao *DAO) EnsurePlaylist(ctx context.Context, id int64, name string) error {
	db, err := dao.sqlDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "INSERT OR IGNORE INTO playlists (id, name) VALUES (?, ?)", id, name)
	return err
}

// CreatePlaylist creates a named playlist and returns its ID.
func (dao *DAO) CreatePlaylist(ctx context.Context, name string) (int64, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, "INSERT INTO playlists (name) VALUES (?)", name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Playlists returns playlists with a non-negative ID (user playlists).
func (dao *DAO) Playlists(ctx context.Context) ([]PlaylistRecord, error) {
	db, err := dao.sqlDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT p.id, p.name, COUNT(pt.track_id)
		FROM playlists p LEFT JOIN playlist_tracks pt ON pt.playlist_id = p.id
		WHERE p.id >= 0
		GROUP BY p.id ORDER BY p.name COLLATE NOCASE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var playlists []PlaylistRecord
	for rows.Next() {
		var p PlaylistRecord
		if err := rows.Scan(&p.ID, &p.Name, &p.TrackCount); err != nil {
			return nil, err
		}
		playlists = append(playlists, p)
	}
	return playlists, rows.Err()
}

// PlaylistTrackIDs returns a playlist's track IDs in position order.
func (dao *DAO) PlaylistTrackIDs(ctx context.Context, playlistID int64) ([]int64, error) {
	return dao.queryIDs(ctx, "SELECT track_id FROM playlist_tracks WHERE playlist_id = ? ORDER BY position", playlistID)
}

// PlaylistTracks returns a playlist's tracks in position order.
func (dao *DAO) PlaylistTracks(ctx context.Context, playlistID int64) ([]*TrackRecord, error) {
	return dao.queryTracks(ctx, "SELECT "+trackColumns+trackJoins+
		" JOIN playlist_tracks pt ON pt.track_id = t.id WHERE pt.playlist_id = ? ORDER BY pt.position", playlistID)
}

// AppendToPlaylist appends track IDs at the end of a playlist.
func (dao *DAO) AppendToPlaylist(ctx context.Context, playlistID int64, trackIDs []int64) error {
	return dao.inTx(ctx, func(tx *sql.Tx) error {
		var next int
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(position) + 1, 0) FROM playlist_tracks WHERE playlist_id = ?", playlistID).Scan(&next)
		if err != nil {
			return err
		}
		return insertPlaylistTracksTx(ctx, tx, playlistID, next, trackIDs)
	})
}

// ReplacePlaylist replaces a playlist's contents.
func (dao *DAO) ReplacePlaylist(ctx context.Context, playlistID int64, trackIDs []int64) error {
	return dao.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM playlist_tracks WHERE playlist_id = ?", playlistID); err != nil {
			return err
		}
		return insertPlaylistTracksTx(ctx, tx, playlistID, 0, trackIDs)
	})
}

func insertPlaylistTracksTx(ctx context.Context, tx *sql.Tx, playlistID int64, start int, trackIDs []int64) error {
	if len(trackIDs) == 0 {
		return nil
	}
	values := make([]string, 0, len(trackIDs))
	args := make([]any, 0, len(trackIDs)*3)
	for i, id := range trackIDs {
		values = append(values, "(?, ?, ?)")
		args = append(args, playlistID, start+i, id)
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO playlist_tracks (playlist_id, position, track_id) VALUES "+strings.Join(values, ", "), args...)
	return err
}

func (dao *DAO) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := dao.sqlDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

package mpdserver

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/domain/player"
)

// request is the context a handler runs with.
type request struct {
	ctx    context.Context
	srv    *Server
	conn   *conn
	sess   *Session
	cmd    Command
	out    *bytes.Buffer
	inList bool
}

type handlerFunc func(*request) error

// handlers is the dispatch table. TestHandlersCoverAllCommands keeps it in
// step with AllCommands.
var handlers = map[CommandName]handlerFunc{
	CmdAdd:              cmdAdd,
	CmdChannels:         cmdNoop,
	CmdClear:            cmdClear,
	CmdClose:            cmdClose,
	CmdCommands:         cmdCommands,
	CmdCount:            cmdCount,
	CmdCurrentSong:      cmdCurrentSong,
	CmdDelete:           cmdDelete,
	CmdIdle:             cmdIdle,
	CmdList:             cmdList,
	CmdListAllInfo:      cmdListAllInfo,
	CmdListPlaylists:    cmdListPlaylists,
	CmdLsInfo:           cmdLsInfo,
	CmdNext:             cmdNext,
	CmdNoIdle:           cmdNoop,
	CmdOutputs:          cmdOutputs,
	CmdPause:            cmdPause,
	CmdPing:             cmdNoop,
	CmdPlay:             cmdPlay,
	CmdPlayID:           cmdPlayID,
	CmdPlaylistInfo:     cmdPlaylistInfo,
	CmdPlChanges:        cmdPlaylistInfo,
	CmdPlChangesPosID:   cmdPlChangesPosID,
	CmdPrev:             cmdPrevious,
	CmdPrevious:         cmdPrevious,
	CmdRandom:           cmdRandom,
	CmdRepeat:           cmdRepeat,
	CmdReplayGainStatus: cmdReplayGainStatus,
	CmdSearch:           cmdSearch,
	CmdSeekID:           cmdSeekID,
	CmdSetVol:           cmdSetVol,
	CmdStats:            cmdStats,
	CmdStatus:           cmdStatus,
	CmdSticker:          cmdSticker,
	CmdStop:             cmdStop,
	CmdTagTypes:         cmdTagTypes,
	CmdUpdate:           cmdUpdate,
	CmdURLHandlers:      cmdURLHandlers,
}

// --- argument helpers ---

func (r *request) arg(i int) (string, error) {
	if i >= len(r.cmd.Args) {
		return "", argError("missing argument %d", i+1)
	}
	return r.cmd.Args[i], nil
}

func (r *request) intArg(i int) (int, error) {
	s, err := r.arg(i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, argError("need an integer, got %q", s)
	}
	return n, nil
}

func (r *request) boolArg(i int) (bool, error) {
	s, err := r.arg(i)
	if err != nil {
		return false, err
	}
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, argError("need 0 or 1, got %q", s)
}

func (r *request) maxArgs(n int) error {
	if len(r.cmd.Args) > n {
		return argError("too many arguments")
	}
	return nil
}

// backend wraps a facade error, mapping missing objects to ErrNoExist.
func backend(err error, what string) error {
	if err == nil {
		return nil
	}
	if library.IsNotFound(err) {
		return fmt.Errorf("%s: %v: %w", what, err, ErrNoExist)
	}
	return fmt.Errorf("%s: %v: %w", what, err, ErrBackend)
}

// parseCategory accepts the tag names search, list and count understand.
func parseCategory(s string) (library.Category, error) {
	c := library.Category(strings.ToLower(s))
	if !validCategory(c) {
		return "", argError("unsupported tag %q", s)
	}
	return c, nil
}

func validCategory(c library.Category) bool {
	switch c {
	case library.CategoryAlbum, library.CategoryArtist, library.CategoryAlbumArtist,
		library.CategoryTitle, library.CategoryGenre:
		return true
	}
	return false
}

var categoryLabels = map[library.Category]string{
	library.CategoryAlbum:       "Album",
	library.CategoryArtist:      "Artist",
	library.CategoryAlbumArtist: "AlbumArtist",
	library.CategoryTitle:       "Title",
	library.CategoryGenre:       "Genre",
}

// --- status and current song ---

// serverPosition returns the index of the current track in the server
// playlist, or -1.
func (r *request) serverPosition(st player.State, ids []int64) int {
	if st.Track == nil {
		return -1
	}
	if st.InServerPlaylist() {
		pos := st.Cursor.Position
		if pos >= 0 && pos < len(ids) && ids[pos] == st.Track.ID {
			return pos
		}
	}
	return slices.Index(ids, st.Track.ID)
}

func cmdCurrentSong(r *request) error {
	cached, ok, gen := r.sess.cachedSong()
	if ok {
		r.out.WriteString(cached)
		return nil
	}

	st := r.srv.player.State()
	var buf bytes.Buffer
	if st.Track != nil {
		ids, err := r.srv.library.PlaylistTrackIDs(r.ctx, library.ServerPlaylistID)
		if err != nil {
			return backend(err, "server playlist")
		}
		pos := r.serverPosition(st, ids)
		if pos < 0 {
			pos = st.Track.Position
		}
		writeTrack(&buf, *st.Track, pos)
	}

	r.sess.cacheSong(buf.String(), gen)
	r.out.Write(buf.Bytes())
	return nil
}

func cmdStatus(r *request) error {
	st := r.srv.player.State()
	ids, err := r.srv.library.PlaylistTrackIDs(r.ctx, library.ServerPlaylistID)
	if err != nil {
		return backend(err, "server playlist")
	}

	writeInt(r.out, "volume", int64(st.VolumePercent()))
	writeBool(r.out, "repeat", st.Repeat)
	writeBool(r.out, "random", st.Random)
	writeBool(r.out, "single", false)
	writeBool(r.out, "consume", false)
	writeInt(r.out, "playlist", int64(r.sess.PlaylistVersion()))
	writeInt(r.out, "playlistlength", int64(len(ids)))
	writeKV(r.out, "state", string(st.Status))

	if st.Track == nil {
		return nil
	}
	if pos := r.serverPosition(st, ids); pos >= 0 {
		writeInt(r.out, "song", int64(pos))
	}
	writeInt(r.out, "songid", st.Track.ID)
	if st.Status != player.StatusStop {
		writeKV(r.out, "time", fmt.Sprintf("%d:%d", int(st.Elapsed/time.Second), int(st.Track.Duration/time.Second)))
		writeKV(r.out, "elapsed", seconds(st.Elapsed))
		writeKV(r.out, "duration", seconds(st.Track.Duration))
	}
	return nil
}

func cmdStats(r *request) error {
	stats, err := r.srv.library.Stats(r.ctx)
	if err != nil {
		return backend(err, "stats")
	}
	st := r.srv.player.State()

	writeInt(r.out, "artists", int64(stats.Artists))
	writeInt(r.out, "albums", int64(stats.Albums))
	writeInt(r.out, "songs", int64(stats.Songs))
	writeInt(r.out, "uptime", int64(r.srv.Uptime()/time.Second))
	writeInt(r.out, "playtime", int64(st.PlayTime/time.Second))
	writeInt(r.out, "db_playtime", int64(stats.DBPlaytime/time.Second))
	if stats.DBUpdate.IsZero() {
		writeInt(r.out, "db_update", 0)
	} else {
		writeInt(r.out, "db_update", stats.DBUpdate.Unix())
	}
	return nil
}

// --- server playlist ---

// parseRange accepts "N" or "START:END" (END exclusive, may be empty).
func parseRange(s string, length int) (start, end int, err error) {
	if before, after, found := strings.Cut(s, ":"); found {
		if start, err = strconv.Atoi(before); err != nil {
			return 0, 0, argError("bad range %q", s)
		}
		end = length
		if after != "" {
			if end, err = strconv.Atoi(after); err != nil {
				return 0, 0, argError("bad range %q", s)
			}
		}
	} else {
		if start, err = strconv.Atoi(s); err != nil {
			return 0, 0, argError("bad song index %q", s)
		}
		end = start + 1
	}
	if start < 0 || end > length || start >= end {
		return 0, 0, argError("bad song index %q", s)
	}
	return start, end, nil
}

func cmdPlaylistInfo(r *request) error {
	tracks, err := r.srv.library.PlaylistTracks(r.ctx, library.ServerPlaylistID)
	if err != nil {
		return backend(err, "server playlist")
	}

	start, end := 0, len(tracks)
	// playlistinfo takes a position or range; plchanges takes a version,
	// and every version gets the whole playlist.
	if r.cmd.Name == CmdPlaylistInfo && len(r.cmd.Args) > 0 {
		if start, end, err = parseRange(r.cmd.Args[0], len(tracks)); err != nil {
			return err
		}
	}
	for i := start; i < end; i++ {
		writeTrack(r.out, tracks[i], i)
	}
	return nil
}

func cmdPlChangesPosID(r *request) error {
	ids, err := r.srv.library.PlaylistTrackIDs(r.ctx, library.ServerPlaylistID)
	if err != nil {
		return backend(err, "server playlist")
	}
	for i, id := range ids {
		writeInt(r.out, "cpos", int64(i))
		writeInt(r.out, "Id", id)
	}
	return nil
}

func cmdAdd(r *request) error {
	if err := r.maxArgs(1); err != nil {
		return err
	}
	path, err := r.arg(0)
	if err != nil {
		return err
	}
	id, err := r.srv.library.ResolvePath(r.ctx, path)
	if err != nil {
		return backend(err, "add")
	}
	return backend(r.srv.library.AppendToPlaylist(r.ctx, library.ServerPlaylistID, id), "add")
}

func cmdDelete(r *request) error {
	pos, err := r.intArg(0)
	if err != nil {
		return err
	}
	return backend(r.srv.library.RemoveFromPlaylist(r.ctx, library.ServerPlaylistID, pos), "delete")
}

func cmdClear(r *request) error {
	return backend(r.srv.library.ClearPlaylist(r.ctx, library.ServerPlaylistID), "clear")
}

// --- transport ---

func cmdPlay(r *request) error {
	if len(r.cmd.Args) == 0 {
		r.srv.player.Play()
		return nil
	}
	pos, err := r.intArg(0)
	if err != nil {
		return err
	}
	ids, err := r.srv.library.PlaylistTrackIDs(r.ctx, library.ServerPlaylistID)
	if err != nil {
		return backend(err, "server playlist")
	}
	if pos < 0 || pos >= len(ids) {
		return argError("bad song index %d", pos)
	}
	r.srv.player.PlayPosition(pos)
	return nil
}

func cmdPlayID(r *request) error {
	if len(r.cmd.Args) == 0 {
		r.srv.player.Play()
		return nil
	}
	id, err := r.intArg(0)
	if err != nil {
		return err
	}
	if _, err := r.srv.library.Track(r.ctx, int64(id)); err != nil {
		return backend(err, "playid")
	}
	r.srv.player.PlayID(int64(id))
	return nil
}

func cmdPause(r *request) error {
	if len(r.cmd.Args) == 0 {
		r.srv.player.TogglePause()
		return nil
	}
	pause, err := r.boolArg(0)
	if err != nil {
		return err
	}
	r.srv.player.Pause(pause)
	return nil
}

func cmdStop(r *request) error {
	r.srv.player.Stop()
	return nil
}

func cmdNext(r *request) error {
	r.srv.player.Next()
	return nil
}

func cmdPrevious(r *request) error {
	r.srv.player.Previous()
	return nil
}

func cmdSeekID(r *request) error {
	id, err := r.intArg(0)
	if err != nil {
		return err
	}
	s, err := r.arg(1)
	if err != nil {
		return err
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsInf(secs, 0) {
		return argError("bad seek position %q", s)
	}

	if !r.srv.player.State().IsCurrent(int64(id)) {
		log.Debug().Int("id", id).Msg("seekid ignored: song is not current")
		return nil
	}
	r.srv.player.SeekID(int64(id), time.Duration(secs*float64(time.Second)))
	return nil
}

func cmdSetVol(r *request) error {
	vol, err := r.intArg(0)
	if err != nil {
		return err
	}
	if vol < 0 || vol > 100 {
		return argError("volume %d out of range", vol)
	}
	r.srv.player.SetVolume(float64(vol) / 100)
	return nil
}

func cmdRandom(r *request) error {
	on, err := r.boolArg(0)
	if err != nil {
		return err
	}
	r.srv.player.SetRandom(on)
	return nil
}

func cmdRepeat(r *request) error {
	on, err := r.boolArg(0)
	if err != nil {
		return err
	}
	r.srv.player.SetRepeat(on)
	return nil
}

// --- library ---

func cmdSearch(r *request) error {
	if len(r.cmd.Args) < 2 || len(r.cmd.Args)%2 != 0 {
		return argError("need tag/value pairs")
	}
	category, err := parseCategory(r.cmd.Args[0])
	if err != nil {
		return err
	}
	tracks, err := r.srv.library.Find(r.ctx, category, r.cmd.Args[1])
	if err != nil {
		return backend(err, "search")
	}

	for i := 2; i < len(r.cmd.Args); i += 2 {
		category, err := parseCategory(r.cmd.Args[i])
		if err != nil {
			return err
		}
		value := r.cmd.Args[i+1]
		tracks = slices.DeleteFunc(tracks, func(t library.Track) bool {
			return !strings.EqualFold(trackField(t, category), value)
		})
	}

	writeLibraryTracks(r.out, tracks)
	return nil
}

func trackField(t library.Track, c library.Category) string {
	switch c {
	case library.CategoryAlbum:
		return t.Album
	case library.CategoryArtist:
		return t.Artist
	case library.CategoryAlbumArtist:
		return t.AlbumArtist
	case library.CategoryTitle:
		return t.Title
	case library.CategoryGenre:
		return t.Genre
	}
	return ""
}

func cmdList(r *request) error {
	s, err := r.arg(0)
	if err != nil {
		return err
	}
	category, err := parseCategory(s)
	if err != nil {
		return err
	}
	if category == library.CategoryTitle {
		return argError("cannot list titles")
	}
	names, err := r.srv.library.Names(r.ctx, category)
	if err != nil {
		return backend(err, "list")
	}
	label := categoryLabels[category]
	for _, name := range names {
		writeKV(r.out, label, name)
	}
	return nil
}

func cmdCount(r *request) error {
	if len(r.cmd.Args) != 2 {
		return argError("need one tag/value pair")
	}
	category, err := parseCategory(r.cmd.Args[0])
	if err != nil {
		return err
	}
	songs, playtime, err := r.srv.library.Count(r.ctx, category, r.cmd.Args[1])
	if err != nil {
		return backend(err, "count")
	}
	writeInt(r.out, "songs", int64(songs))
	writeInt(r.out, "playtime", int64(playtime/time.Second))
	return nil
}

func cmdListAllInfo(r *request) error {
	tracks, err := r.srv.library.Tracks(r.ctx)
	if err != nil {
		return backend(err, "listallinfo")
	}
	writeLibraryTracks(r.out, tracks)
	return nil
}

// cmdLsInfo lists the directories and tracks directly under a path, with
// directories derived from track paths.
func cmdLsInfo(r *request) error {
	if err := r.maxArgs(1); err != nil {
		return err
	}
	dir := ""
	if len(r.cmd.Args) == 1 {
		dir = strings.Trim(r.cmd.Args[0], "/")
	}
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	tracks, err := r.srv.library.Tracks(r.ctx)
	if err != nil {
		return backend(err, "lsinfo")
	}

	var dirs []string
	var files []library.Track
	for _, t := range tracks {
		rest, ok := strings.CutPrefix(t.Path, prefix)
		if !ok {
			continue
		}
		if sub, _, nested := strings.Cut(rest, "/"); nested {
			if d := prefix + sub; !slices.Contains(dirs, d) {
				dirs = append(dirs, d)
			}
		} else {
			files = append(files, t)
		}
	}
	if dir != "" && len(dirs) == 0 && len(files) == 0 {
		return fmt.Errorf("directory %q: %w", dir, ErrNoExist)
	}

	slices.Sort(dirs)
	for _, d := range dirs {
		writeKV(r.out, "directory", d)
	}
	writeLibraryTracks(r.out, files)
	return nil
}

func cmdListPlaylists(r *request) error {
	playlists, err := r.srv.library.Playlists(r.ctx)
	if err != nil {
		return backend(err, "listplaylists")
	}
	for _, p := range playlists {
		writeKV(r.out, "playlist", p.Name)
	}
	return nil
}

// cmdSticker supports the song rating sticker, stored as popularity
// (rating = popularity * 2):
//
//	sticker get song "path" rating
//	sticker set song "path" rating N
func cmdSticker(r *request) error {
	if len(r.cmd.Args) < 4 {
		return argError("need: get|set song URI rating [VALUE]")
	}
	action, kind, path, name := r.cmd.Args[0], r.cmd.Args[1], r.cmd.Args[2], r.cmd.Args[3]
	if kind != "song" {
		return argError("unknown sticker type %q", kind)
	}
	if name != "rating" {
		return fmt.Errorf("sticker %q: %w", name, ErrNoExist)
	}

	id, err := r.srv.library.ResolvePath(r.ctx, path)
	if err != nil {
		return backend(err, "sticker")
	}

	switch action {
	case "get":
		track, err := r.srv.library.Track(r.ctx, id)
		if err != nil {
			return backend(err, "sticker")
		}
		writeKV(r.out, "sticker", fmt.Sprintf("rating=%d", int(track.Popularity*2)))
		return nil
	case "set":
		rating, err := r.intArg(4)
		if err != nil {
			return err
		}
		if err := r.srv.library.SetPopularity(r.ctx, id, float64(rating)/2); err != nil {
			return backend(err, "sticker")
		}
		r.conn.bus.Publish(SubsystemSticker)
		return nil
	}
	return argError("unknown sticker action %q", action)
}

func cmdUpdate(r *request) error {
	job, err := r.srv.startUpdate()
	if err != nil {
		return err
	}
	writeInt(r.out, "updating_db", job)
	return nil
}

// --- idle ---

func cmdIdle(r *request) error {
	if r.inList {
		return argError("idle is not allowed in a command list")
	}
	filter := make([]Subsystem, 0, len(r.cmd.Args))
	for _, a := range r.cmd.Args {
		sub, ok := parseSubsystem(a)
		if !ok {
			return argError("unrecognized idle event %q", a)
		}
		filter = append(filter, sub)
	}
	return r.conn.idle(r.out, filter)
}

// --- connection and capabilities ---

func cmdNoop(*request) error {
	return nil
}

func cmdClose(*request) error {
	return errCloseConnection
}

func cmdCommands(r *request) error {
	for _, name := range AllCommands {
		writeKV(r.out, "command", string(name))
	}
	return nil
}

var tagTypes = []string{"Artist", "Album", "AlbumArtist", "Title", "Track", "Genre", "Date"}

func cmdTagTypes(r *request) error {
	for _, t := range tagTypes {
		writeKV(r.out, "tagtype", t)
	}
	return nil
}

func cmdURLHandlers(r *request) error {
	writeKV(r.out, "handler", "http://")
	return nil
}

func cmdOutputs(r *request) error {
	writeInt(r.out, "outputid", 0)
	writeKV(r.out, "outputname", "Stellar")
	writeBool(r.out, "outputenabled", true)
	return nil
}

func cmdReplayGainStatus(r *request) error {
	writeKV(r.out, "replay_gain_mode", "off")
	return nil
}

package mpdserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/domain/player"
	"github.com/edumarques81/stellar-mpd/internal/infra/store"
)

const (
	pathSoWhat   = "miles/kind-of-blue/01-so-what.flac"
	pathFreddie  = "miles/kind-of-blue/02-freddie-freeloader.flac"
	pathAirbag   = "radiohead/ok-computer/01-airbag.flac"
	pathAllIWant = "joni/blue/01-all-i-want.flac"
	pathOldMan   = "joni/blue/02-my-old-man.flac"
)

type harness struct {
	srv    *Server
	lib    *library.Service
	engine *player.Engine
	addr   string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil)
}

// newHarnessWith serves wrap(engine) instead of the engine when wrap is set.
func newHarnessWith(t *testing.T, opts Options, wrap func(*player.Engine) Player) *harness {
	t.Helper()
	ctx := context.Background()

	db := store.NewDB(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, db.Open())
	t.Cleanup(func() { db.Close() })

	lib, err := library.NewService(ctx, db)
	require.NoError(t, err)
	_, err = lib.ImportFile(ctx, filepath.Join("testdata", "library.yaml"))
	require.NoError(t, err)

	engine := player.NewEngine(lib, player.Options{InitialVolume: 0.5})
	runCtx, cancel := context.WithCancel(ctx)
	go engine.Run(runCtx)
	t.Cleanup(cancel)

	var p Player = engine
	if wrap != nil {
		p = wrap(engine)
	}

	opts.Addr = "127.0.0.1:0"
	srv := NewServer(opts, p, lib)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(ctx, 5*time.Second)
		defer stop()
		assert.NoError(t, srv.Stop(stopCtx))
	})

	return &harness{srv: srv, lib: lib, engine: engine, addr: srv.Addr().String()}
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Sync(ctx))
}

func (h *harness) dial(t *testing.T) *mpd.Client {
	t.Helper()
	c, err := mpd.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// rawClient speaks the protocol by hand to check exact bytes.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	assert.Equal(t, "OK MPD 0.19.0", c.readLine(time.Second))
	return c
}

func (c *rawClient) send(lines ...string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, strings.Join(lines, "\n")+"\n")
	require.NoError(c.t, err)
}

func (c *rawClient) readLine(timeout time.Duration) string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

// response reads up to and including the OK or ACK terminator.
func (c *rawClient) response() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine(2 * time.Second)
		lines = append(lines, line)
		if line == "OK" || strings.HasPrefix(line, "ACK ") {
			return lines
		}
	}
}

// call sends one command and returns its response.
func (c *rawClient) call(line string) []string {
	c.t.Helper()
	c.send(line)
	return c.response()
}

// expectSilence asserts that nothing arrives within d.
func (c *rawClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	_, err := c.r.ReadByte()
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected no bytes, got err=%v", err)
}

// expectClosed asserts that the server closes the connection.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	require.ErrorIs(c.t, err, io.EOF)
}

func values(lines []string, key string) []string {
	var out []string
	for _, l := range lines {
		if v, ok := strings.CutPrefix(l, key+": "); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestGreetingAndPing(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)
	assert.Equal(t, []string{"OK"}, c.call("ping"))
}

func TestAddThenPlaylistInfoKeepsInsertionOrder(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	paths := []string{pathAirbag, pathSoWhat, pathOldMan}
	for _, p := range paths {
		require.NoError(t, c.Add(p))
	}

	songs, err := c.PlaylistInfo(-1, -1)
	require.NoError(t, err)
	require.Len(t, songs, len(paths))
	for i, song := range songs {
		assert.Equal(t, paths[i], song["file"])
		assert.Equal(t, []string{"0", "1", "2"}[i], song["Pos"])
	}
	assert.Equal(t, "Airbag", songs[0]["Title"])
	assert.Equal(t, "OK Computer", songs[0]["Album"])
	assert.Equal(t, "284", songs[0]["Time"])
	assert.Equal(t, "1997", songs[0]["Date"])
}

func TestTrackBlockFieldOrder(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	assert.Equal(t, []string{"OK"}, c.call(`add "`+pathAllIWant+`"`))
	lines := c.call("playlistinfo")
	require.Len(t, lines, 11)
	keys := make([]string, 0, 10)
	for _, l := range lines[:10] {
		k, _, _ := strings.Cut(l, ": ")
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"file", "Artist", "Album", "AlbumArtist", "Title", "Date", "Genre", "Time", "Id", "Pos"}, keys)
}

func TestIdleBlocksUntilPlaylistChange(t *testing.T) {
	h := newHarness(t, Options{})
	idler := dialRaw(t, h.addr)
	other := h.dial(t)

	idler.send("idle")
	idler.expectSilence(150 * time.Millisecond)

	require.NoError(t, other.Add(pathSoWhat))
	assert.Equal(t, []string{"changed: playlist", "OK"}, idler.response())
}

func TestIdleBlocksUntilPlayerChange(t *testing.T) {
	h := newHarness(t, Options{})
	idler := dialRaw(t, h.addr)
	other := h.dial(t)
	require.NoError(t, other.Add(pathSoWhat))
	idler.call("ping") // responding clears the playlist event

	idler.send("idle player")
	idler.expectSilence(150 * time.Millisecond)

	require.NoError(t, other.Play(0))
	assert.Equal(t, []string{"changed: player", "OK"}, idler.response())
}

func TestIdleReportsEachSubsystemOnce(t *testing.T) {
	h := newHarness(t, Options{})
	idler := dialRaw(t, h.addr)
	other := h.dial(t)

	require.NoError(t, other.Add(pathSoWhat))
	require.NoError(t, other.Add(pathFreddie))
	require.NoError(t, other.Play(0))
	require.NoError(t, other.Next())
	h.sync(t)

	assert.Equal(t, []string{"changed: playlist", "changed: player", "OK"}, idler.call("idle"))
}

func TestNoidleCancelsIdle(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	c.send("idle")
	c.expectSilence(100 * time.Millisecond)
	c.send("noidle")
	assert.Equal(t, []string{"OK"}, c.response())

	assert.Equal(t, []string{"OK"}, c.call("noidle"), "noidle outside idle is a no-op")
	assert.Equal(t, []string{"OK"}, c.call("ping"))
}

func TestCommandDuringIdleIsProcessedAfterwards(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	c.send("idle", "ping")
	assert.Equal(t, []string{"OK"}, c.response(), "idle is cancelled")
	assert.Equal(t, []string{"OK"}, c.response(), "ping is answered")
}

func TestIdleWithWatcher(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)
	require.NoError(t, c.Add(pathSoWhat))

	w, err := mpd.NewWatcher("tcp", h.addr, "", "player")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, c.Play(0))
	select {
	case sub := <-w.Event:
		assert.Equal(t, "player", sub)
	case err := <-w.Error:
		t.Fatalf("watcher error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no player event")
	}
}

func TestCommandList(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	c.send("command_list_begin", `add "`+pathSoWhat+`"`, "ping", "playlistinfo", "command_list_end")
	lines := c.response()
	assert.Equal(t, "OK", lines[len(lines)-1])
	assert.Len(t, lines, 11, "track block plus exactly one terminator")
	assert.Equal(t, []string{pathSoWhat}, values(lines, "file"))

	c.send("command_list_ok_begin", "ping", "playlistinfo", "ping", "command_list_end")
	lines = c.response()
	require.Len(t, lines, 1+10+1+1+1)
	assert.Equal(t, "list_OK", lines[0])
	assert.Equal(t, "list_OK", lines[11])
	assert.Equal(t, "list_OK", lines[12])
	assert.Equal(t, "OK", lines[13])
}

func TestCommandListWithGompd(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	cl := c.BeginCommandList()
	cl.Add(pathAirbag)
	cl.Add(pathAllIWant)
	status := cl.Status()
	require.NoError(t, cl.End())

	attrs, err := status.Value()
	require.NoError(t, err)
	assert.Equal(t, "2", attrs["playlistlength"])
}

func TestSearchAlbumMatchesOnlyThatAlbum(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	songs, err := c.Command("search album %s", "Blue").AttrsList("file")
	require.NoError(t, err)
	require.Len(t, songs, 2)
	for _, s := range songs {
		assert.Equal(t, "Blue", s["Album"])
	}

	songs, err = c.Command("search album %s artist %s", "blue", "joni mitchell").AttrsList("file")
	require.NoError(t, err)
	require.Len(t, songs, 1)
	assert.Equal(t, pathAllIWant, songs[0]["file"])
}

func TestPlaylistVersionCountsServerPlaylistMutations(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	version := func() string {
		st, err := c.Status()
		require.NoError(t, err)
		return st["playlist"]
	}

	assert.Equal(t, "1", version())
	require.NoError(t, c.Add(pathSoWhat))
	require.NoError(t, c.Add(pathAirbag))
	assert.Equal(t, "3", version())

	userID, err := h.lib.CreatePlaylist(context.Background(), "Elsewhere")
	require.NoError(t, err)
	id, err := h.lib.ResolvePath(context.Background(), pathOldMan)
	require.NoError(t, err)
	require.NoError(t, h.lib.AppendToPlaylist(context.Background(), userID, id))
	assert.Equal(t, "3", version(), "user playlist changes do not count")

	require.NoError(t, c.Delete(0, -1))
	require.NoError(t, c.Clear())
	assert.Equal(t, "5", version())
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	assert.Equal(t, []string{"OK"}, c.call("frobnicate now"))
	assert.Equal(t, []string{"OK"}, c.call(`add "no/such/file.flac"`))
	assert.Equal(t, []string{"OK"}, c.call("setvol eleven"))
	assert.Equal(t, []string{"OK"}, c.call("ping"))
}

func TestAckErrors(t *testing.T) {
	h := newHarness(t, Options{AckErrors: true})
	c := dialRaw(t, h.addr)

	lines := c.call("frobnicate")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "ACK [5@0] {frobnicate} "), lines[0])

	lines = c.call(`add "no/such/file.flac"`)
	assert.True(t, strings.HasPrefix(lines[0], "ACK [50@0] {add} "), lines[0])

	c.send("command_list_ok_begin", "ping", "setvol 200", "ping", "command_list_end")
	lines = c.response()
	require.Len(t, lines, 2, "the batch stops at the first failure")
	assert.Equal(t, "list_OK", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ACK [2@1] {setvol} "), lines[1])

	c.send("command_list_begin", "idle", "command_list_end")
	lines = c.response()
	assert.True(t, strings.HasPrefix(lines[0], "ACK [2@0] {idle} "), lines[0])

	assert.Equal(t, []string{"OK"}, c.call("ping"))
}

func TestCurrentSongAndStatus(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	song, err := c.CurrentSong()
	require.NoError(t, err)
	assert.Empty(t, song)

	require.NoError(t, c.Add(pathAirbag))
	require.NoError(t, c.Add(pathSoWhat))
	require.NoError(t, c.Play(1))
	require.NoError(t, c.SetVolume(80))
	h.sync(t)

	song, err = c.CurrentSong()
	require.NoError(t, err)
	assert.Equal(t, pathSoWhat, song["file"])
	assert.Equal(t, "1", song["Pos"])

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "play", st["state"])
	assert.Equal(t, "1", st["song"])
	assert.Equal(t, song["Id"], st["songid"])
	assert.Equal(t, "80", st["volume"])
	assert.Equal(t, "2", st["playlistlength"])
	assert.Equal(t, "562.000", st["duration"])

	require.NoError(t, c.Pause(true))
	h.sync(t)
	st, err = c.Status()
	require.NoError(t, err)
	assert.Equal(t, "pause", st["state"])

	id, err := strconv.Atoi(song["Id"])
	require.NoError(t, err)
	require.NoError(t, c.Command("playid %d", id).OK())
	require.NoError(t, c.Command("seekid %d 30", id).OK())
	h.sync(t)
	st, err = c.Status()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st["elapsed"], "30."), st["elapsed"])
}

func TestCurrentSongOutsideServerPlaylistUsesTrackNumber(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	id, err := h.lib.ResolvePath(context.Background(), pathFreddie)
	require.NoError(t, err)
	h.engine.PlayID(id)
	h.sync(t)

	lines := c.call("currentsong")
	assert.Equal(t, []string{pathFreddie}, values(lines, "file"))
	assert.Equal(t, []string{"2"}, values(lines, "Pos"))
}

// racingPlayer runs change right after the next State snapshot it hands
// out once armed, so the caller renders a track that is no longer current.
type racingPlayer struct {
	*player.Engine
	armed  atomic.Bool
	change func()
}

func (p *racingPlayer) State() player.State {
	st := p.Engine.State()
	if p.armed.CompareAndSwap(true, false) {
		p.change()
	}
	return st
}

func TestCurrentSongNotCachedAcrossTrackChange(t *testing.T) {
	var rp *racingPlayer
	h := newHarnessWith(t, Options{}, func(e *player.Engine) Player {
		rp = &racingPlayer{Engine: e, change: func() {
			e.PlayPosition(1)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			assert.NoError(t, e.Sync(ctx))
		}}
		return rp
	})
	c := dialRaw(t, h.addr)

	assert.Equal(t, []string{"OK"}, c.call("add "+pathSoWhat))
	assert.Equal(t, []string{"OK"}, c.call("add "+pathAirbag))
	h.engine.PlayPosition(0)
	h.sync(t)

	rp.armed.Store(true)
	// The first reply is rendered from the snapshot taken before the track
	// changed; the second must not be served from that rendering.
	assert.Equal(t, []string{pathSoWhat}, values(c.call("currentsong"), "file"))
	lines := c.call("currentsong")
	assert.Equal(t, []string{pathAirbag}, values(lines, "file"))
	assert.Equal(t, []string{"1"}, values(lines, "Pos"))
}

func TestCurrentSongPositionFollowsPlaylistEdits(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	assert.Equal(t, []string{"OK"}, c.call("add "+pathSoWhat))
	assert.Equal(t, []string{"OK"}, c.call("add "+pathAirbag))
	assert.Equal(t, []string{"OK"}, c.call("play 1"))
	h.sync(t)
	assert.Equal(t, []string{"1"}, values(c.call("currentsong"), "Pos"))

	assert.Equal(t, []string{"OK"}, c.call("delete 0"))
	h.sync(t)

	lines := c.call("currentsong")
	assert.Equal(t, []string{pathAirbag}, values(lines, "file"))
	assert.Equal(t, []string{"0"}, values(lines, "Pos"))
	assert.Equal(t, []string{"0"}, values(c.call("status"), "song"))
}

func TestStatsAndList(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	lines := c.call("stats")
	assert.Equal(t, []string{"4"}, values(lines, "artists"))
	assert.Equal(t, []string{"3"}, values(lines, "albums"))
	assert.Equal(t, []string{"7"}, values(lines, "songs"))
	require.Len(t, values(lines, "db_update"), 1)
	assert.NotEqual(t, "0", values(lines, "db_update")[0])

	assert.Equal(t, []string{"Genre: Folk", "Genre: Jazz", "Genre: Rock", "OK"}, c.call("list genre"))
	assert.Equal(t, []string{"Album: Blue", "Album: Kind of Blue", "Album: OK Computer", "OK"}, c.call("list album"))

	assert.Equal(t, []string{"songs: 2", "playtime: 667", "OK"}, c.call(`count album "OK Computer"`))
}

func TestStickerRating(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	assert.Equal(t, []string{"sticker: rating=9", "OK"}, c.call(`sticker get song "`+pathSoWhat+`" rating`))
	assert.Equal(t, []string{"OK"}, c.call(`sticker set song "`+pathSoWhat+`" rating 7`))
	assert.Equal(t, []string{"sticker: rating=7", "OK"}, c.call(`sticker get song "`+pathSoWhat+`" rating`))
}

func TestLsInfoAndListAllInfo(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	assert.Equal(t, []string{"directory: joni", "directory: miles", "directory: radiohead", "OK"}, c.call("lsinfo"))
	assert.Equal(t, []string{"directory: joni/blue", "OK"}, c.call(`lsinfo "joni"`))
	assert.Equal(t, []string{pathAllIWant, pathOldMan}, values(c.call(`lsinfo "joni/blue"`), "file"))

	assert.Len(t, values(c.call("listallinfo"), "file"), 7)
}

func TestCapabilityCommands(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	assert.Len(t, values(c.call("commands"), "command"), len(AllCommands))
	assert.Contains(t, values(c.call("tagtypes"), "tagtype"), "Artist")
	assert.Equal(t, []string{"outputid: 0", "outputname: Stellar", "outputenabled: 1", "OK"}, c.call("outputs"))
	assert.Equal(t, []string{"replay_gain_mode: off", "OK"}, c.call("replay_gain_status"))
	assert.Equal(t, []string{"OK"}, c.call("channels"))
}

func TestRepeatRandomReportedInStatus(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.dial(t)

	require.NoError(t, c.Repeat(true))
	require.NoError(t, c.Random(true))
	h.sync(t)

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "1", st["repeat"])
	assert.Equal(t, "1", st["random"])
}

func TestUpdatePublishesDatabaseEvent(t *testing.T) {
	var h *harness
	h = newHarness(t, Options{Updater: UpdaterFunc(func(ctx context.Context) error {
		_, err := h.lib.ImportFile(ctx, filepath.Join("testdata", "library.yaml"))
		return err
	})})
	idler := dialRaw(t, h.addr)
	other := dialRaw(t, h.addr)

	idler.send("idle database")
	idler.expectSilence(100 * time.Millisecond)

	assert.Equal(t, []string{"updating_db: 1", "OK"}, other.call("update"))
	assert.Equal(t, []string{"changed: database", "OK"}, idler.response())
}

func TestCloseCommand(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	c.send("close")
	c.expectClosed()
}

func TestShutdownUnblocksIdle(t *testing.T) {
	h := newHarness(t, Options{})
	c := dialRaw(t, h.addr)

	c.send("idle")
	c.expectSilence(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Stop(ctx))
	c.expectClosed()

	_, err := net.DialTimeout("tcp", h.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener is closed")
}

func TestEvictionClosesOldestExternalClient(t *testing.T) {
	h := newHarness(t, Options{MaxExternalConnections: 1})

	// net.Pipe addresses are not loopback, so these count as external.
	first, firstServer := net.Pipe()
	defer first.Close()
	h.srv.handle(firstServer)
	r1 := bufio.NewReader(first)
	greeting, err := r1.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK MPD 0.19.0\n", greeting)

	second, secondServer := net.Pipe()
	defer second.Close()
	h.srv.handle(secondServer)
	greeting, err = bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK MPD 0.19.0\n", greeting)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = r1.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF, "oldest external client is closed")

	local := dialRaw(t, h.addr)
	assert.Equal(t, []string{"OK"}, local.call("ping"), "loopback clients are not limited")
}

func TestBindFailureIsReported(t *testing.T) {
	h := newHarness(t, Options{})

	srv := NewServer(Options{Addr: h.addr}, h.engine, h.lib)
	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, srv.Addr())
}

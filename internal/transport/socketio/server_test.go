package socketio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/domain/player"
	"github.com/edumarques81/stellar-mpd/internal/infra/store"
	"github.com/edumarques81/stellar-mpd/internal/mpdserver"
)

const testManifest = `
albums:
  - title: OK Computer
    artist: Radiohead
    year: 1997
    genre: Rock
    tracks:
      - path: radiohead/ok-computer/01-airbag.flac
        title: Airbag
        duration: 4m44s
      - path: radiohead/ok-computer/02-paranoid-android.flac
        title: Paranoid Android
        duration: 6m23s
`

type fixture struct {
	srv    *Server
	engine *player.Engine
	lib    *library.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := store.NewDB(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, db.Open())
	t.Cleanup(func() { db.Close() })

	lib, err := library.NewService(ctx, db)
	require.NoError(t, err)
	m, err := library.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	_, err = lib.Import(ctx, m)
	require.NoError(t, err)

	engine := player.NewEngine(lib, player.Options{InitialVolume: 0.5})
	runCtx, cancel := context.WithCancel(ctx)
	go engine.Run(runCtx)
	t.Cleanup(cancel)

	srv := NewServer(engine, lib, 20*time.Millisecond)
	t.Cleanup(func() { srv.Close() })

	return &fixture{srv: srv, engine: engine, lib: lib}
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Sync(ctx))
}

func (f *fixture) lastState() map[string]interface{} {
	f.srv.mu.RLock()
	defer f.srv.mu.RUnlock()
	return f.srv.lastState
}

func TestNewServerHasNoClients(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 0, f.srv.Clients())
}

func TestBroadcastStateSkipsUnchangedState(t *testing.T) {
	f := newFixture(t)

	f.srv.BroadcastState()
	first := f.lastState()
	require.NotNil(t, first)
	assert.Equal(t, 50, first["volume"])

	f.srv.BroadcastState()
	assert.True(t, f.srv.isStateSame(f.engine.State().ToJSON()))
}

func TestAttachBroadcastsOnBusEvents(t *testing.T) {
	f := newFixture(t)
	bus := mpdserver.NewBus(f.engine, f.lib)
	t.Cleanup(bus.Close)
	f.srv.Attach(bus)

	f.engine.SetVolume(0.8)
	f.sync(t)

	require.Eventually(t, func() bool {
		st := f.lastState()
		return st != nil && st["volume"] == 80
	}, time.Second, 10*time.Millisecond)
}

func TestAttachPushesAfterLibraryUpdate(t *testing.T) {
	f := newFixture(t)
	bus := mpdserver.NewBus(f.engine, f.lib)
	t.Cleanup(bus.Close)
	f.srv.Attach(bus)

	bus.Publish(mpdserver.SubsystemDatabase)

	require.Eventually(t, func() bool {
		return f.lastState() != nil
	}, time.Second, 10*time.Millisecond)
}

func TestCloseDetachesFromBus(t *testing.T) {
	f := newFixture(t)
	bus := mpdserver.NewBus(f.engine, f.lib)
	t.Cleanup(bus.Close)
	f.srv.Attach(bus)
	require.NoError(t, f.srv.Close())

	f.engine.SetVolume(0.8)
	f.sync(t)
	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, f.lastState())
}

func TestQueueEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.srv.handleAddToQueue([]any{map[string]interface{}{"uri": "radiohead/ok-computer/02-paranoid-android.flac"}}))
	require.NoError(t, f.srv.handleAddToQueue([]any{map[string]interface{}{"uri": "radiohead/ok-computer/01-airbag.flac"}}))
	assert.Error(t, f.srv.handleAddToQueue([]any{map[string]interface{}{"uri": "nope.flac"}}))

	queue, err := f.srv.queue()
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "Paranoid Android", queue[0]["title"])
	assert.Equal(t, 383, queue[0]["duration"])
	assert.Equal(t, 0, queue[0]["rating"])
	assert.Equal(t, "radiohead/ok-computer/01-airbag.flac", queue[1]["uri"])

	ids, err := f.lib.PlaylistTrackIDs(ctx, library.ServerPlaylistID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, f.lib.SetPopularity(ctx, ids[1], 2.5))
	queue, err = f.srv.queue()
	require.NoError(t, err)
	assert.Equal(t, 5, queue[1]["rating"])
}

func TestTransportEvents(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.srv.handleAddToQueue([]any{map[string]interface{}{"uri": "radiohead/ok-computer/01-airbag.flac"}}))
	require.NoError(t, f.srv.handleAddToQueue([]any{map[string]interface{}{"uri": "radiohead/ok-computer/02-paranoid-android.flac"}}))

	f.srv.handlePlay([]any{map[string]interface{}{"value": float64(1)}})
	f.srv.handleVolume([]any{float64(30)})
	f.sync(t)

	st := f.engine.State()
	assert.Equal(t, player.StatusPlay, st.Status)
	require.NotNil(t, st.Track)
	assert.Equal(t, "Paranoid Android", st.Track.Title)
	assert.Equal(t, 30, st.VolumePercent())

	f.srv.handleSeek([]any{float64(90)})
	f.sync(t)
	assert.GreaterOrEqual(t, f.engine.State().Elapsed, 90*time.Second)

	f.engine.Pause(true)
	f.srv.handlePlay(nil)
	f.sync(t)
	assert.Equal(t, player.StatusPlay, f.engine.State().Status)
}

func TestBoolValue(t *testing.T) {
	tests := []struct {
		name   string
		args   []any
		want   bool
		wantOK bool
	}{
		{"true", []any{map[string]interface{}{"value": true}}, true, true},
		{"false", []any{map[string]interface{}{"value": false}}, false, true},
		{"missing value", []any{map[string]interface{}{}}, false, false},
		{"not a map", []any{"true"}, false, false},
		{"empty", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := boolValue(tt.args)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

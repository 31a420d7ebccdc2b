package player

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
)

// ErrClosed is returned by Sync once the engine has stopped.
var ErrClosed = errors.New("player engine closed")

const commandQueueSize = 64

// Options configures an Engine.
type Options struct {
	InitialVolume float64
	Resolvers     []Resolver
	// Now is the playback clock; defaults to time.Now.
	Now func() time.Time
}

type command struct {
	name  string
	apply func(ctx context.Context) ([]EventKind, error)
	done  chan struct{}
}

// Engine is the player. Intents are queued and applied one at a time by the
// goroutine started with Run; State reads a consistent snapshot from any
// goroutine.
type Engine struct {
	lib       Library
	resolvers []Resolver
	now       func() time.Time

	cmds    chan command
	stopped chan struct{}

	mu        sync.RWMutex
	state     State
	startedAt time.Time // clock reading when playback last (re)started
	played    time.Duration
	gen       uint64    // invalidates stale end-of-track timers
	timer     *time.Timer

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]func(Event)
}

// NewEngine creates a player over lib. Call Run to start applying intents.
func NewEngine(lib Library, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Resolvers == nil {
		opts.Resolvers = DefaultResolvers()
	}
	return &Engine{
		lib:       lib,
		resolvers: opts.Resolvers,
		now:       opts.Now,
		cmds:      make(chan command, commandQueueSize),
		stopped:   make(chan struct{}),
		state: State{
			Status: StatusStop,
			Volume: clampVolume(opts.InitialVolume),
		},
		subs: make(map[int]func(Event)),
	}
}

// Run applies queued intents until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)
	defer e.stopTimer()

	log.Info().Msg("Player engine started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Player engine stopped")
			return
		case cmd := <-e.cmds:
			kinds, err := cmd.apply(ctx)
			if err != nil {
				log.Warn().Err(err).Str("intent", cmd.name).Msg("Player intent failed")
			} else if len(kinds) > 0 {
				log.Debug().Str("intent", cmd.name).Msg("Player intent applied")
			}
			e.emit(kinds...)
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

func (e *Engine) enqueue(name string, apply func(ctx context.Context) ([]EventKind, error)) {
	select {
	case e.cmds <- command{name: name, apply: apply}:
	case <-e.stopped:
	}
}

// Sync waits until every intent queued before it has been applied.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case e.cmds <- command{name: "sync", apply: func(context.Context) ([]EventKind, error) { return nil, nil }, done: done}:
	case <-e.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the player with the elapsed time brought up
// to date.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := e.state
	st.PlayTime = e.played
	if st.Status == StatusPlay {
		running := e.now().Sub(e.startedAt)
		st.Elapsed += running
		st.PlayTime += running
		if st.Track != nil && st.Elapsed > st.Track.Duration {
			st.Elapsed = st.Track.Duration
		}
	}
	return st
}

// --- Intents ---

// Play resumes playback, or starts the server playlist from its head when
// nothing is loaded.
func (e *Engine) Play() {
	e.enqueue("play", func(ctx context.Context) ([]EventKind, error) {
		st := e.State()
		switch {
		case st.Status == StatusPlay:
			return nil, nil
		case st.Track != nil:
			e.setStatus(StatusPlay)
			return []EventKind{EventStatusChanged}, nil
		default:
			return e.loadFromPlaylist(ctx, library.ServerPlaylistID, 0)
		}
	})
}

// PlayPosition plays the track at position in the server playlist.
func (e *Engine) PlayPosition(position int) {
	e.PlayFromPlaylist(library.ServerPlaylistID, position)
}

// PlayFromPlaylist plays the track at position of a playlist; next and
// previous then step through that playlist.
func (e *Engine) PlayFromPlaylist(playlistID int64, position int) {
	e.enqueue("play-position", func(ctx context.Context) ([]EventKind, error) {
		return e.loadFromPlaylist(ctx, playlistID, position)
	})
}

// PlayID plays a track by ID, from the server playlist when it is queued
// there.
func (e *Engine) PlayID(trackID int64) {
	e.enqueue("play-id", func(ctx context.Context) ([]EventKind, error) {
		ids, err := e.lib.PlaylistTrackIDs(ctx, library.ServerPlaylistID)
		if err != nil {
			return nil, err
		}
		if pos := slices.Index(ids, trackID); pos >= 0 {
			return e.load(ctx, Cursor{TrackID: trackID, InPlaylist: true, PlaylistID: library.ServerPlaylistID, Position: pos})
		}
		return e.load(ctx, Cursor{TrackID: trackID})
	})
}

// Pause pauses or resumes playback. It has no effect when stopped.
func (e *Engine) Pause(pause bool) {
	e.enqueue("pause", func(context.Context) ([]EventKind, error) {
		return e.pause(pause), nil
	})
}

// TogglePause pauses when playing and resumes when paused.
func (e *Engine) TogglePause() {
	e.enqueue("toggle", func(context.Context) ([]EventKind, error) {
		return e.pause(e.State().Status == StatusPlay), nil
	})
}

func (e *Engine) pause(pause bool) []EventKind {
	st := e.State()
	switch {
	case pause && st.Status == StatusPlay:
		e.setStatus(StatusPause)
	case !pause && st.Status == StatusPause:
		e.setStatus(StatusPlay)
	default:
		return nil
	}
	return []EventKind{EventStatusChanged}
}

// Stop stops playback and rewinds the current track.
func (e *Engine) Stop() {
	e.enqueue("stop", func(context.Context) ([]EventKind, error) {
		if e.State().Status == StatusStop {
			return nil, nil
		}
		e.setStatus(StatusStop)
		return []EventKind{EventStatusChanged}, nil
	})
}

// Next advances to the following track.
func (e *Engine) Next() {
	e.enqueue("next", func(ctx context.Context) ([]EventKind, error) {
		return e.advance(ctx, Forward)
	})
}

// Previous goes back to the preceding track.
func (e *Engine) Previous() {
	e.enqueue("previous", func(ctx context.Context) ([]EventKind, error) {
		return e.advance(ctx, Backward)
	})
}

// Seek moves the playback position of the current track.
func (e *Engine) Seek(pos time.Duration) {
	e.enqueue("seek", func(context.Context) ([]EventKind, error) {
		return e.seek(pos)
	})
}

// SeekID seeks only if trackID is the current track.
func (e *Engine) SeekID(trackID int64, pos time.Duration) {
	e.enqueue("seek-id", func(context.Context) ([]EventKind, error) {
		if !e.State().IsCurrent(trackID) {
			return nil, fmt.Errorf("track %d is not current", trackID)
		}
		return e.seek(pos)
	})
}

// SetVolume sets the volume; v is clamped to [0,1].
func (e *Engine) SetVolume(v float64) {
	e.enqueue("volume", func(context.Context) ([]EventKind, error) {
		v = clampVolume(v)
		e.mu.Lock()
		changed := e.state.Volume != v
		e.state.Volume = v
		e.mu.Unlock()
		if !changed {
			return nil, nil
		}
		return []EventKind{EventStatusChanged}, nil
	})
}

// SetRandom turns shuffle on or off.
func (e *Engine) SetRandom(on bool) {
	e.enqueue("random", func(context.Context) ([]EventKind, error) {
		e.mu.Lock()
		changed := e.state.Random != on
		e.state.Random = on
		e.mu.Unlock()
		if !changed {
			return nil, nil
		}
		return []EventKind{EventStatusChanged}, nil
	})
}

// SetRepeat turns repeat on or off.
func (e *Engine) SetRepeat(on bool) {
	e.enqueue("repeat", func(context.Context) ([]EventKind, error) {
		e.mu.Lock()
		changed := e.state.Repeat != on
		e.state.Repeat = on
		e.mu.Unlock()
		if !changed {
			return nil, nil
		}
		return []EventKind{EventStatusChanged}, nil
	})
}

// --- Engine-goroutine helpers ---

func (e *Engine) loadFromPlaylist(ctx context.Context, playlistID int64, position int) ([]EventKind, error) {
	ids, err := e.lib.PlaylistTrackIDs(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= len(ids) {
		return nil, fmt.Errorf("position %d out of range (playlist %d has %d tracks)", position, playlistID, len(ids))
	}
	return e.load(ctx, Cursor{TrackID: ids[position], InPlaylist: true, PlaylistID: playlistID, Position: position})
}

// load makes cur the current track and starts playing it from the top.
func (e *Engine) load(ctx context.Context, cur Cursor) ([]EventKind, error) {
	track, err := e.lib.Track(ctx, cur.TrackID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	prevStatus := e.state.Status
	e.foldLocked()
	e.state.Cursor = cur
	e.state.Track = &track
	e.state.Elapsed = 0
	e.state.Status = StatusPlay
	e.rearmLocked()
	e.mu.Unlock()

	log.Info().Int64("track", track.ID).Str("title", track.Title).Msg("Playing")

	kinds := []EventKind{EventCurrentChanged}
	if prevStatus != StatusPlay {
		kinds = append(kinds, EventStatusChanged)
	}
	return kinds, nil
}

func (e *Engine) advance(ctx context.Context, dir Direction) ([]EventKind, error) {
	st := e.State()
	if st.Track == nil {
		return nil, nil
	}

	for _, r := range e.resolvers {
		next, ok, err := r.Resolve(ctx, e.lib, st, dir)
		if err != nil {
			return nil, fmt.Errorf("%s resolver: %w", r.Name(), err)
		}
		if !ok {
			continue
		}
		if next.TrackID == 0 {
			if st.Status == StatusStop {
				return nil, nil
			}
			e.setStatus(StatusStop)
			return []EventKind{EventStatusChanged}, nil
		}
		return e.load(ctx, next)
	}
	return nil, nil
}

func (e *Engine) seek(pos time.Duration) ([]EventKind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Track == nil {
		return nil, errors.New("no track loaded")
	}
	if pos < 0 || pos > e.state.Track.Duration {
		return nil, fmt.Errorf("seek position %s outside track (%s)", pos, e.state.Track.Duration)
	}
	e.foldLocked()
	e.state.Elapsed = pos
	e.rearmLocked()
	return []EventKind{EventSeeked}, nil
}

// setStatus changes the transport state, folding the running clock into
// Elapsed.
func (e *Engine) setStatus(status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.foldLocked()
	if status == StatusStop {
		e.state.Elapsed = 0
	}
	e.state.Status = status
	e.rearmLocked()
}

// foldLocked moves the running clock into Elapsed and the play-time total
// and restarts it. Caller holds e.mu.
func (e *Engine) foldLocked() {
	now := e.now()
	if e.state.Status == StatusPlay {
		running := now.Sub(e.startedAt)
		e.state.Elapsed += running
		e.played += running
	}
	e.startedAt = now
}

// rearmLocked schedules the end-of-track transition for the current track.
// Caller holds e.mu.
func (e *Engine) rearmLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.state.Status != StatusPlay || e.state.Track == nil {
		return
	}

	remaining := e.state.Track.Duration - e.state.Elapsed
	if remaining < 0 {
		remaining = 0
	}
	gen := e.gen
	e.timer = time.AfterFunc(remaining, func() {
		e.enqueue("track-end", func(ctx context.Context) ([]EventKind, error) {
			return e.trackEnded(ctx, gen)
		})
	})
}

func (e *Engine) trackEnded(ctx context.Context, gen uint64) ([]EventKind, error) {
	e.mu.RLock()
	stale := gen != e.gen
	e.mu.RUnlock()
	if stale {
		return nil, nil
	}
	return e.advance(ctx, Forward)
}

func (e *Engine) stopTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

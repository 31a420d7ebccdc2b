package mpdserver

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Subsystem names a category of state change reported by idle.
type Subsystem string

const (
	SubsystemPlayer   Subsystem = "player"
	SubsystemPlaylist Subsystem = "playlist"
	SubsystemDatabase Subsystem = "database"
	SubsystemSticker  Subsystem = "sticker"
	SubsystemMixer    Subsystem = "mixer"
	SubsystemOptions  Subsystem = "options"
)

var knownSubsystems = []Subsystem{
	SubsystemDatabase, SubsystemSticker, SubsystemPlaylist,
	SubsystemPlayer, SubsystemMixer, SubsystemOptions,
}

func parseSubsystem(name string) (Subsystem, bool) {
	s := Subsystem(name)
	return s, slices.Contains(knownSubsystems, s)
}

// Session is the per-connection protocol state. It is owned by one
// connection; the bus only touches it through post, bumpPlaylist and shutdown.
type Session struct {
	ID string

	mu              sync.Mutex
	pending         []Subsystem
	noidle          bool
	closed          bool
	playlistVersion uint32
	songCache       string
	songCached      bool
	songGen         uint64

	// wake carries at most one signal; posts coalesce.
	wake chan struct{}
}

// NewSession creates a session with a fresh ID.
func NewSession() *Session {
	return &Session{
		ID:              uuid.NewString(),
		playlistVersion: 1,
		wake:            make(chan struct{}, 1),
	}
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// post appends sub to the pending buffer unless already present and wakes
// the idle wait. Player events also drop the cached current song.
func (s *Session) post(sub Subsystem) {
	s.mu.Lock()
	if sub == SubsystemPlayer {
		s.dropSongLocked()
	}
	if !slices.Contains(s.pending, sub) {
		s.pending = append(s.pending, sub)
	}
	s.mu.Unlock()
	s.signal()
}

// bumpPlaylist increments the playlist version and posts "playlist". The
// cached current song carries its queue position, so it is dropped too.
func (s *Session) bumpPlaylist() {
	s.mu.Lock()
	s.playlistVersion++
	s.dropSongLocked()
	s.mu.Unlock()
	s.post(SubsystemPlaylist)
}

// cancelIdle sets the noidle sentinel.
func (s *Session) cancelIdle() {
	s.mu.Lock()
	s.noidle = true
	s.mu.Unlock()
	s.signal()
}

// shutdown marks the session closed and wakes any idle wait.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// idleResult is what a woken idle wait found.
type idleResult struct {
	changed   []Subsystem
	cancelled bool
	closed    bool
}

// takeIdle consumes the pending subsystems matching filter (all when
// filter is empty). A set noidle sentinel is consumed too and reported as
// cancelled, together with whatever matched.
func (s *Session) takeIdle(filter []Subsystem) idleResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return idleResult{closed: true}
	}

	var changed, kept []Subsystem
	for _, sub := range s.pending {
		if matches(filter, sub) {
			changed = append(changed, sub)
		} else {
			kept = append(kept, sub)
		}
	}
	s.pending = kept

	cancelled := s.noidle
	s.noidle = false
	return idleResult{changed: changed, cancelled: cancelled}
}

// hasPending reports whether an idle with filter would return now.
func (s *Session) hasPending(filter []Subsystem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.noidle {
		return true
	}
	for _, sub := range s.pending {
		if matches(filter, sub) {
			return true
		}
	}
	return false
}

func matches(filter []Subsystem, sub Subsystem) bool {
	return len(filter) == 0 || slices.Contains(filter, sub)
}

// clearPending drops undelivered events and a stale noidle sentinel.
func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.noidle = false
	s.mu.Unlock()
}

// Pending returns a copy of the pending buffer.
func (s *Session) Pending() []Subsystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// PlaylistVersion returns the session's view of the server playlist version.
func (s *Session) PlaylistVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playlistVersion
}

// cachedSong returns the cached currentsong block, if any, and the cache
// generation. A miss must read player state only after this call and pass
// the generation back to cacheSong.
func (s *Session) cachedSong() (string, bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.songCache, s.songCached, s.songGen
}

// cacheSong stores rendered unless the cache was invalidated after gen was
// read, in which case the rendering may describe a track that is no longer
// current.
func (s *Session) cacheSong(rendered string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.songGen {
		return
	}
	s.songCache = rendered
	s.songCached = true
}

func (s *Session) dropSongLocked() {
	s.songGen++
	s.songCached = false
	s.songCache = ""
}

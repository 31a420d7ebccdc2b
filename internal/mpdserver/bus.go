package mpdserver

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/domain/player"
)

// ErrBusClosed is returned when registering with a closed bus.
var ErrBusClosed = errors.New("notification bus closed")

// PlayerEvents is the player event source.
type PlayerEvents interface {
	Subscribe(fn func(player.Event)) (unsubscribe func())
}

// PlaylistEvents is the library event source.
type PlaylistEvents interface {
	Subscribe(fn func(library.PlaylistChanged)) (unsubscribe func())
}

// Bus fans player and server-playlist changes out to every registered
// session, and to plain listeners such as the Socket.IO bridge.
type Bus struct {
	mu        sync.Mutex
	sessions  map[*Session]struct{}
	listeners map[int]func(Subsystem)
	nextID    int
	closed    bool

	unsubscribe []func()
}

// NewBus creates a bus subscribed to the given event sources. Either may be
// nil.
func NewBus(players PlayerEvents, playlists PlaylistEvents) *Bus {
	b := &Bus{
		sessions:  make(map[*Session]struct{}),
		listeners: make(map[int]func(Subsystem)),
	}
	if players != nil {
		b.unsubscribe = append(b.unsubscribe, players.Subscribe(b.onPlayerEvent))
	}
	if playlists != nil {
		b.unsubscribe = append(b.unsubscribe, playlists.Subscribe(b.onPlaylistChanged))
	}
	return b
}

func (b *Bus) onPlayerEvent(ev player.Event) {
	switch ev.Kind {
	case player.EventCurrentChanged, player.EventStatusChanged, player.EventSeeked:
		b.Publish(SubsystemPlayer)
	}
}

func (b *Bus) onPlaylistChanged(ev library.PlaylistChanged) {
	if ev.PlaylistID != library.ServerPlaylistID {
		return
	}
	b.fanOut(SubsystemPlaylist, (*Session).bumpPlaylist)
}

// Publish delivers sub to every session and listener.
func (b *Bus) Publish(sub Subsystem) {
	b.fanOut(sub, func(s *Session) { s.post(sub) })
}

func (b *Bus) fanOut(sub Subsystem, deliver func(*Session)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	BusEventsTotal.WithLabelValues(string(sub)).Inc()
	for s := range b.sessions {
		deliver(s)
	}
	for _, fn := range b.listeners {
		fn(sub)
	}
}

// Register adds a session.
func (b *Bus) Register(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.sessions[s] = struct{}{}
	return nil
}

// Unregister removes a session. It is safe to call more than once.
func (b *Bus) Unregister(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

// Listen registers fn for every published subsystem. fn runs with the bus
// lock held and must not block.
func (b *Bus) Listen(fn func(Subsystem)) (unlisten func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Sessions returns the number of registered sessions.
func (b *Bus) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close detaches from the event sources and wakes every session so blocked
// idle waits return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[*Session]struct{})
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	for s := range sessions {
		s.shutdown()
	}
	log.Debug().Int("sessions", len(sessions)).Msg("Notification bus closed")
}

package player

// EventKind identifies what changed in the player.
type EventKind string

const (
	// EventCurrentChanged fires when a different track is loaded.
	EventCurrentChanged EventKind = "current-changed"
	// EventStatusChanged fires on transport, volume and option changes.
	EventStatusChanged EventKind = "status-changed"
	// EventSeeked fires when the playback position jumps.
	EventSeeked EventKind = "seeked"
)

// Event is a player change notification carrying the state after the change.
type Event struct {
	Kind  EventKind
	State State
}

// Subscribe registers fn for player events. fn runs on the engine goroutine
// and must not block or call back into the engine synchronously.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(kinds ...EventKind) {
	if len(kinds) == 0 {
		return
	}
	st := e.State()

	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, kind := range kinds {
		for _, fn := range e.subs {
			fn(Event{Kind: kind, State: st})
		}
	}
}

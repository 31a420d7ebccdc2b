package socketio

import (
	"sync"
	"time"

	"github.com/edumarques81/stellar-mpd/internal/mpdserver"
)

// push is a set of Socket.io broadcasts owed to clients.
type push uint8

const (
	pushState push = 1 << iota
	pushQueue
)

// pushesFor maps a bus subsystem to the broadcasts it makes stale.
func pushesFor(sub mpdserver.Subsystem) push {
	switch sub {
	case mpdserver.SubsystemPlayer, mpdserver.SubsystemMixer, mpdserver.SubsystemOptions:
		return pushState
	case mpdserver.SubsystemPlaylist:
		// pushState carries the queue position of the current track.
		return pushState | pushQueue
	case mpdserver.SubsystemDatabase:
		// An update can retag the current track and anything queued.
		return pushState | pushQueue
	case mpdserver.SubsystemSticker:
		return pushQueue
	}
	return 0
}

// maxDelayFactor bounds how many windows a continuous stream of events
// can hold a push back.
const maxDelayFactor = 4

// broadcastDebouncer collapses bus events into batched pushes. A push waits
// until the bus has been quiet for window, but never more than
// maxDelayFactor windows after the first event it carries.
type broadcastDebouncer struct {
	window   time.Duration
	maxDelay time.Duration
	send     func(push)

	mu      sync.Mutex
	pending push
	since   time.Time
	timer   *time.Timer
	stopped bool
}

func newBroadcastDebouncer(window time.Duration, send func(push)) *broadcastDebouncer {
	return &broadcastDebouncer{
		window:   window,
		maxDelay: maxDelayFactor * window,
		send:     send,
	}
}

// Trigger records a change to sub and (re)arms the flush timer.
func (d *broadcastDebouncer) Trigger(sub mpdserver.Subsystem) {
	p := pushesFor(sub)
	if p == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	if d.pending == 0 {
		d.since = now
	}
	d.pending |= p

	delay := d.window
	if left := d.maxDelay - now.Sub(d.since); left < delay {
		delay = max(left, 0)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, d.flush)
}

func (d *broadcastDebouncer) flush() {
	d.mu.Lock()
	p := d.pending
	d.pending = 0
	stopped := d.stopped
	d.mu.Unlock()

	if p != 0 && !stopped && d.send != nil {
		d.send(p)
	}
}

// Stop drops anything pending and disarms the timer.
func (d *broadcastDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = 0
	if d.timer != nil {
		d.timer.Stop()
	}
}

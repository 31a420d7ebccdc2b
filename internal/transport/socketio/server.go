// Package socketio provides the Socket.io push bridge for web remotes. It
// mirrors the MPD notification bus: player and playlist changes are pushed
// to every connected client as pushState and pushQueue.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/edumarques81/stellar-mpd/internal/domain/library"
	"github.com/edumarques81/stellar-mpd/internal/mpdserver"
)

// DefaultBroadcastWindow is the debounce window for bus-driven broadcasts.
const DefaultBroadcastWindow = 100 * time.Millisecond

// stateCompareKeys are the pushState fields that decide whether a broadcast
// is needed. seek is left out: clients interpolate it.
var stateCompareKeys = []string{
	"status", "position", "title", "artist", "album", "uri",
	"volume", "duration", "random", "repeat",
}

// Player is the transport surface the bridge drives. Web remotes seek
// the current track without naming it.
type Player interface {
	mpdserver.Player
	Seek(pos time.Duration)
}

// Server handles Socket.io connections and events.
type Server struct {
	io        *socket.Server
	player    Player
	library   mpdserver.Library
	debouncer *broadcastDebouncer
	unlisten  func()
	closeOnce sync.Once

	mu        sync.RWMutex
	clients   map[string]*socket.Socket
	lastState map[string]interface{}
}

// NewServer creates a Socket.io server over the player and library. window
// is the broadcast debounce window; zero selects DefaultBroadcastWindow.
func NewServer(p Player, lib mpdserver.Library, window time.Duration) *Server {
	opts := socket.DefaultServerOptions()
	opts.SetPingTimeout(20 * time.Second)
	opts.SetPingInterval(25 * time.Second)
	opts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	if window <= 0 {
		window = DefaultBroadcastWindow
	}

	s := &Server{
		io:      socket.NewServer(nil, opts),
		player:  p,
		library: lib,
		clients: make(map[string]*socket.Socket),
	}
	s.debouncer = newBroadcastDebouncer(window, s.broadcast)

	s.setupHandlers()
	return s
}

// Attach subscribes the bridge to bus events. Call Close to detach.
func (s *Server) Attach(bus *mpdserver.Bus) {
	unlisten := bus.Listen(func(sub mpdserver.Subsystem) {
		s.debouncer.Trigger(sub)
	})

	s.mu.Lock()
	s.unlisten = unlisten
	s.mu.Unlock()
	log.Info().Msg("Socket.io bridge attached to notification bus")
}

// Clients returns the number of connected Socket.io clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) setupHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		key := uuid.NewString()
		logger := log.With().Str("client", key).Str("sid", string(client.Id())).Logger()

		logger.Info().Msg("Socket.io client connected")

		s.mu.Lock()
		s.clients[key] = client
		s.mu.Unlock()

		s.pushState(client)
		s.pushQueue(client)

		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				reason, _ = args[0].(string)
			}
			logger.Info().Str("reason", reason).Msg("Socket.io client disconnected")

			s.mu.Lock()
			delete(s.clients, key)
			s.mu.Unlock()
		})

		client.On("getState", func(args ...any) {
			logger.Debug().Msg("getState")
			s.pushState(client)
		})

		client.On("getQueue", func(args ...any) {
			logger.Debug().Msg("getQueue")
			s.pushQueue(client)
		})

		client.On("play", func(args ...any) {
			logger.Debug().Interface("data", args).Msg("play")
			s.handlePlay(args)
		})

		client.On("pause", func(args ...any) {
			logger.Debug().Msg("pause")
			s.player.Pause(true)
		})

		client.On("stop", func(args ...any) {
			logger.Debug().Msg("stop")
			s.player.Stop()
		})

		client.On("next", func(args ...any) {
			logger.Debug().Msg("next")
			s.player.Next()
		})

		client.On("prev", func(args ...any) {
			logger.Debug().Msg("prev")
			s.player.Previous()
		})

		client.On("seek", func(args ...any) {
			logger.Debug().Interface("data", args).Msg("seek")
			s.handleSeek(args)
		})

		client.On("volume", func(args ...any) {
			logger.Debug().Interface("data", args).Msg("volume")
			s.handleVolume(args)
		})

		client.On("setRandom", func(args ...any) {
			if v, ok := boolValue(args); ok {
				s.player.SetRandom(v)
			}
		})

		client.On("setRepeat", func(args ...any) {
			if v, ok := boolValue(args); ok {
				s.player.SetRepeat(v)
			}
		})

		client.On("clearQueue", func(args ...any) {
			logger.Debug().Msg("clearQueue")
			if err := s.library.ClearPlaylist(context.Background(), library.ServerPlaylistID); err != nil {
				logger.Error().Err(err).Msg("clearQueue failed")
			}
		})

		client.On("addToQueue", func(args ...any) {
			logger.Debug().Interface("data", args).Msg("addToQueue")
			if err := s.handleAddToQueue(args); err != nil {
				logger.Error().Err(err).Msg("addToQueue failed")
			}
		})
	})
}

// handlePlay resumes, or starts the queue position in {value: N}.
func (s *Server) handlePlay(args []any) {
	if m, ok := firstMap(args); ok {
		if v, ok := m["value"].(float64); ok && v >= 0 {
			s.player.PlayPosition(int(v))
			return
		}
	}
	s.player.Play()
}

// handleSeek moves the current track to the position in seconds.
func (s *Server) handleSeek(args []any) {
	if len(args) == 0 {
		return
	}
	secs, ok := args[0].(float64)
	if !ok || secs < 0 {
		return
	}
	s.player.Seek(time.Duration(secs * float64(time.Second)))
}

// handleVolume sets the volume from 0-100.
func (s *Server) handleVolume(args []any) {
	if len(args) == 0 {
		return
	}
	vol, ok := args[0].(float64)
	if !ok {
		return
	}
	s.player.SetVolume(vol / 100)
}

func (s *Server) handleAddToQueue(args []any) error {
	m, ok := firstMap(args)
	if !ok {
		return nil
	}
	uri, _ := m["uri"].(string)
	if uri == "" {
		return nil
	}
	ctx := context.Background()
	id, err := s.library.ResolvePath(ctx, uri)
	if err != nil {
		return err
	}
	return s.library.AppendToPlaylist(ctx, library.ServerPlaylistID, id)
}

func firstMap(args []any) (map[string]interface{}, bool) {
	if len(args) == 0 {
		return nil, false
	}
	m, ok := args[0].(map[string]interface{})
	return m, ok
}

func boolValue(args []any) (bool, bool) {
	m, ok := firstMap(args)
	if !ok {
		return false, false
	}
	v, ok := m["value"].(bool)
	return v, ok
}

// pushState sends current state to a client.
func (s *Server) pushState(client *socket.Socket) {
	client.Emit("pushState", s.player.State().ToJSON())
}

// pushQueue sends current queue to a client.
func (s *Server) pushQueue(client *socket.Socket) {
	queue, err := s.queue()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get queue")
		return
	}
	client.Emit("pushQueue", queue)
}

// queue renders the server playlist in the Volumio pushQueue format.
func (s *Server) queue() ([]map[string]interface{}, error) {
	tracks, err := s.library.PlaylistTracks(context.Background(), library.ServerPlaylistID)
	if err != nil {
		return nil, err
	}
	queue := make([]map[string]interface{}, 0, len(tracks))
	for _, t := range tracks {
		queue = append(queue, map[string]interface{}{
			"uri":       t.Path,
			"service":   "mpd",
			"name":      t.Title,
			"title":     t.Title,
			"artist":    t.Artist,
			"album":     t.Album,
			"duration":  int(t.Duration / time.Second),
			"rating":    int(t.Popularity * 2),
			"trackType": "flac",
		})
	}
	return queue, nil
}

// broadcast sends the pushes the debouncer collected.
func (s *Server) broadcast(p push) {
	if p&pushState != 0 {
		s.BroadcastState()
	}
	if p&pushQueue != 0 {
		s.BroadcastQueue()
	}
}

// BroadcastState sends state to all connected clients when a compared
// field changed since the last broadcast.
func (s *Server) BroadcastState() {
	state := s.player.State().ToJSON()
	if s.isStateSame(state) {
		return
	}
	s.saveLastState(state)

	s.io.Emit("pushState", state)

	if log.Debug().Enabled() {
		data, _ := json.Marshal(state)
		log.Debug().RawJSON("state", data).Int("clients", s.Clients()).Msg("Broadcast state")
	}
}

// BroadcastQueue sends the queue to all connected clients.
func (s *Server) BroadcastQueue() {
	queue, err := s.queue()
	if err != nil {
		log.Error().Err(err).Msg("Failed to get queue for broadcast")
		return
	}
	s.io.Emit("pushQueue", queue)
}

func (s *Server) isStateSame(state map[string]interface{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastState == nil {
		return false
	}
	for _, key := range stateCompareKeys {
		if !reflect.DeepEqual(s.lastState[key], state[key]) {
			return false
		}
	}
	return true
}

func (s *Server) saveLastState(state map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastState = state
}

// ServeHTTP implements http.Handler for the Socket.io server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close detaches from the bus and closes the Socket.io server.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		unlisten := s.unlisten
		s.unlisten = nil
		s.mu.Unlock()

		if unlisten != nil {
			unlisten()
		}
		s.debouncer.Stop()
		s.io.Close(nil)
	})
	return nil
}

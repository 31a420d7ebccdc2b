// Package mpdserver implements the MPD-protocol remote-control server: the
// listener, per-connection protocol state machine, command dispatcher and
// the notification bus behind idle.
package mpdserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":6600".
	Addr string
	// MaxExternalConnections caps non-loopback clients; 0 means no cap.
	MaxExternalConnections int
	// WriteTimeout bounds each response write; 0 means no deadline.
	WriteTimeout time.Duration
	// IdleDebounce lets a woken idle linger to coalesce bursts of events.
	IdleDebounce time.Duration
	// AckErrors answers failed commands with ACK lines instead of OK.
	AckErrors bool
	// Updater backs the update command; nil disables it.
	Updater Updater
}

// Server is the protocol listener.
type Server struct {
	opts    Options
	player  Player
	library Library
	limiter *ConnectionLimiter
	started time.Time
	updates atomic.Int64

	mu       sync.Mutex
	running  bool
	listener net.Listener
	bus      *Bus
	conns    map[string]*conn
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server over the player and library facades.
func NewServer(opts Options, p Player, lib Library) *Server {
	return &Server{
		opts:    opts,
		player:  p,
		library: lib,
		limiter: NewConnectionLimiter(opts.MaxExternalConnections),
		conns:   make(map[string]*conn),
	}
}

// Start binds the listen address, subscribes the notification bus and
// starts accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.listener = listener
	s.bus = NewBus(s.player, s.library)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = time.Now()
	s.running = true

	log.Info().Str("addr", listener.Addr().String()).Msg("MPD server listening")

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Bus returns the notification bus, or nil before Start.
func (s *Server) Bus() *Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus
}

// Uptime returns the time since Start.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Stop stops accepting, wakes every idle wait, closes every connection and
// waits for handlers to return or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.listener.Close()
	s.cancel()
	bus := s.bus
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	bus.Close()
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("MPD server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("Accept error")
			continue
		}
		s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		nc.Close()
		return
	}
	c := newConn(s.ctx, s, s.bus, nc)
	s.conns[c.id] = c
	evicted := s.conns[s.limiter.TryAdd(c.id, remoteIP(nc.RemoteAddr()))]
	s.wg.Add(1)
	s.mu.Unlock()

	if evicted != nil {
		EvictionsTotal.Inc()
		evicted.log.Info().Str("by", c.remote).Msg("Evicting oldest external client")
		evicted.close()
	}

	go func() {
		defer s.wg.Done()
		c.serve()

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.limiter.Remove(c.id)
	}()
}

// startUpdate runs the updater in the background and returns its job ID.
// Completion is published as a database event.
func (s *Server) startUpdate() (int64, error) {
	if s.opts.Updater == nil {
		return 0, fmt.Errorf("no library manifest configured: %w", ErrBackend)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return 0, errShutdown
	}
	ctx, bus := s.ctx, s.bus
	s.wg.Add(1)
	s.mu.Unlock()

	job := s.updates.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.opts.Updater.Update(ctx); err != nil {
			log.Error().Err(err).Int64("job", job).Msg("Library update failed")
			return
		}
		log.Info().Int64("job", job).Msg("Library update finished")
		bus.Publish(SubsystemDatabase)
	}()
	return job, nil
}

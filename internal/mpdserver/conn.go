package mpdserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-mpd/internal/version"
)

const maxLineLength = 1 << 20

// unit is one unit of work: a single command line or a command list.
type unit struct {
	lines  []string
	list   bool
	listOK bool
}

// conn drives one client through
// GREETING -> READ_LINE -> READ_LIST -> DISPATCH -> RESPOND -> ... -> CLOSED.
type conn struct {
	id     string
	remote string
	ctx    context.Context
	srv    *Server
	bus    *Bus
	nc     net.Conn
	sess   *Session
	log    zerolog.Logger

	// lines is fed by readLoop and closed when the client goes away.
	lines chan string
	done  chan struct{}
	// carry holds lines that arrived during idle and still need dispatching.
	carry []string

	closeOnce sync.Once
}

func newConn(ctx context.Context, srv *Server, bus *Bus, nc net.Conn) *conn {
	id := uuid.NewString()
	remote := nc.RemoteAddr().String()
	return &conn{
		id:     id,
		remote: remote,
		ctx:    ctx,
		srv:    srv,
		bus:    bus,
		nc:     nc,
		sess:   NewSession(),
		log:    log.With().Str("conn", id).Str("remote", remote).Logger(),
		lines:  make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// close closes the socket, which ends readLoop and any blocked write.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

func (c *conn) serve() {
	ConnectionsTotal.Inc()
	ConnectionsActive.Inc()
	c.log.Info().Msg("Client connected")

	defer func() {
		c.bus.Unregister(c.sess)
		c.close()
		ConnectionsActive.Dec()
		c.log.Info().Msg("Client disconnected")
	}()

	if err := c.bus.Register(c.sess); err != nil {
		return
	}
	if err := c.write([]byte(version.Greeting())); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send greeting")
		return
	}

	go c.readLoop()

	for {
		u, err := c.readUnit()
		if err != nil {
			return
		}

		resp, closing := c.execute(u)
		if len(resp) > 0 {
			if err := c.write(resp); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				return
			}
		}
		c.sess.clearPending()

		if closing {
			return
		}
	}
}

func (c *conn) readLoop() {
	defer close(c.lines)

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug().Err(err).Msg("Read error")
	}
}

func (c *conn) nextLine() (string, bool) {
	if len(c.carry) > 0 {
		line := c.carry[0]
		c.carry = c.carry[1:]
		return line, true
	}
	line, ok := <-c.lines
	return line, ok
}

// readUnit reads the next command line, or a whole command list with its
// begin and end markers stripped.
func (c *conn) readUnit() (unit, error) {
	for {
		line, ok := c.nextLine()
		if !ok {
			return unit{}, io.EOF
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch strings.TrimSpace(line) {
		case listBegin, listOKBegin:
			u := unit{list: true, listOK: strings.TrimSpace(line) == listOKBegin}
			for {
				next, ok := c.nextLine()
				if !ok {
					return unit{}, io.EOF
				}
				next = strings.TrimRight(next, "\r")
				if strings.TrimSpace(next) == listEnd {
					return u, nil
				}
				if strings.TrimSpace(next) != "" {
					u.lines = append(u.lines, next)
				}
			}
		default:
			return unit{lines: []string{line}}, nil
		}
	}
}

// execute dispatches every command of u and renders the response. closing
// reports that the connection must be closed after writing it.
func (c *conn) execute(u unit) (resp []byte, closing bool) {
	var buf bytes.Buffer

	for i, line := range u.lines {
		cmd, err := parseCommand(line)
		if err == nil {
			err = c.dispatch(&buf, cmd, u.list)
		}

		switch {
		case errors.Is(err, errCloseConnection):
			return buf.Bytes(), true
		case errors.Is(err, errShutdown), errors.Is(err, errClientGone):
			return nil, true
		}

		label := commandLabel(cmd.Name)
		if err != nil {
			code, outcome := ackCode(err)
			CommandsTotal.WithLabelValues(label, outcome).Inc()
			c.log.Warn().Err(err).Str("command", string(cmd.Name)).Int("index", i).Int("ack", code).Msg("Command failed")
			if c.srv.opts.AckErrors {
				buf.WriteString(ackLine(err, i, string(cmd.Name)))
				return buf.Bytes(), false
			}
		} else {
			CommandsTotal.WithLabelValues(label, "ok").Inc()
		}

		if u.listOK {
			buf.WriteString("list_OK\n")
		}
	}

	buf.WriteString("OK\n")
	return buf.Bytes(), false
}

func (c *conn) dispatch(buf *bytes.Buffer, cmd Command, inList bool) (err error) {
	handler, ok := handlers[cmd.Name]
	if !ok {
		return fmt.Errorf("%q: %w", cmd.Name, ErrUnknownCommand)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v: %w", cmd.Name, r, ErrBackend)
		}
	}()

	c.log.Debug().Str("command", string(cmd.Name)).Strs("args", cmd.Args).Msg("Dispatch")
	return handler(&request{
		ctx:    c.ctx,
		srv:    c.srv,
		conn:   c,
		sess:   c.sess,
		cmd:    cmd,
		out:    buf,
		inList: inList,
	})
}

func commandLabel(name CommandName) string {
	if _, ok := handlers[name]; ok {
		return string(name)
	}
	return "unknown"
}

func (c *conn) write(b []byte) error {
	if c.srv.opts.WriteTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.nc.Write(b)
	return err
}

// idle blocks until a pending subsystem matches filter, noidle arrives, the
// client leaves or the server stops. It never holds a lock while waiting.
func (c *conn) idle(out *bytes.Buffer, filter []Subsystem) error {
	IdleWaiters.Inc()
	defer IdleWaiters.Dec()

	lingered := c.srv.opts.IdleDebounce <= 0
	for {
		if !lingered && c.sess.hasPending(filter) {
			lingered = true
			if err := c.linger(c.srv.opts.IdleDebounce); err != nil {
				return err
			}
		}

		res := c.sess.takeIdle(filter)
		if res.closed {
			return errShutdown
		}
		if res.cancelled || len(res.changed) > 0 {
			for _, sub := range res.changed {
				writeKV(out, "changed", string(sub))
			}
			return nil
		}

		select {
		case <-c.sess.wake:
		case line, ok := <-c.lines:
			if err := c.interruptIdle(line, ok); err != nil {
				return err
			}
		}
	}
}

// linger waits d so that events following the first one are reported by
// the same idle response.
func (c *conn) linger(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case line, ok := <-c.lines:
		return c.interruptIdle(line, ok)
	}
}

// interruptIdle handles a line received while idling: noidle cancels the
// wait, anything else cancels it and is queued for dispatch afterwards.
func (c *conn) interruptIdle(line string, ok bool) error {
	if !ok {
		return errClientGone
	}
	if !strings.EqualFold(strings.TrimSpace(line), string(CmdNoIdle)) {
		c.carry = append(c.carry, line)
	}
	c.sess.cancelIdle()
	return nil
}

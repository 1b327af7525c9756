// Package mock provides an in-memory event source. It behaves like a remote
// source that keeps the authoritative alert list, answers backlog requests
// and applies control messages.
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/vigilcore/vigil/internal/connection"
	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/wire"
)

const inboxSize = 256

// ErrRefused is returned by Dial while failures are queued.
var ErrRefused = errors.New("mock: connection refused")

// Source is a connection.Transport backed by memory.
type Source struct {
	mu       sync.Mutex
	failures int
	conn     *Conn
	dials    int
	sent     [][]byte
	order    []string
	alerts   map[string]types.Alert
	echo     bool
	muted    bool
	dialed   chan *Conn
}

// NewSource returns an empty source. Control messages are applied to the
// stored alerts and echoed back to the client when echo is true.
func NewSource(echo bool) *Source {
	return &Source{
		alerts: make(map[string]types.Alert),
		echo:   echo,
		dialed: make(chan *Conn, 64),
	}
}

// Dial implements connection.Transport.
func (s *Source) Dial(ctx context.Context) (connection.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.dials++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, ErrRefused
	}
	c := &Conn{src: s, in: make(chan []byte, inboxSize), done: make(chan struct{})}
	s.conn = c
	s.mu.Unlock()

	select {
	case s.dialed <- c:
	default:
	}
	return c, nil
}

// FailNext makes the next n dials fail.
func (s *Source) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// SetMuted stops the source from answering heartbeats, as a hung peer would.
func (s *Source) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

// Dials returns the number of dial attempts seen so far.
func (s *Source) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Dialed yields every successfully opened connection.
func (s *Source) Dialed() <-chan *Conn {
	return s.dialed
}

// Current returns the most recently opened connection, if any.
func (s *Source) Current() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Publish stores a and delivers it to the open connection, if any.
func (s *Source) Publish(a types.Alert) error {
	s.mu.Lock()
	if _, ok := s.alerts[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.alerts[a.ID] = a.Clone()
	c := s.conn
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	frame, err := wire.EncodeAlert(a)
	if err != nil {
		return err
	}
	c.Deliver(frame)
	return nil
}

// Alerts returns the stored alerts in publication order.
func (s *Source) Alerts() []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Alert, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.alerts[id].Clone())
	}
	return out
}

// Sent returns every frame the client sent, heartbeats included.
func (s *Source) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// SentOfType returns sent frames whose "type" matches.
func (s *Source) SentOfType(frameType string) [][]byte {
	var out [][]byte
	for _, f := range s.Sent() {
		if wire.MessageType(f) == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (s *Source) handle(c *Conn, msg []byte) {
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), msg...))
	muted := s.muted
	s.mu.Unlock()

	switch wire.MessageType(msg) {
	case wire.TypeHeartbeat:
		if !muted {
			c.Deliver(msg)
		}
	case wire.TypeSync:
		frame, err := wire.EncodeBacklog(s.Alerts())
		if err == nil {
			c.Deliver(frame)
		}
	case wire.TypeAcknowledge, wire.TypeResolve:
		ctl, err := wire.DecodeControl(msg)
		if err != nil {
			return
		}
		s.apply(c, ctl)
	}
}

func (s *Source) apply(c *Conn, ctl wire.Control) {
	s.mu.Lock()
	a, ok := s.alerts[ctl.AlertID]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch ctl.Type {
	case wire.TypeAcknowledge:
		if a.Status.Rank() < types.StatusAcknowledged.Rank() {
			a.Status = types.StatusAcknowledged
			a.Assignee = ctl.ActorID
		}
	case wire.TypeResolve:
		a.Status = types.StatusResolved
	}
	s.alerts[a.ID] = a
	echo := s.echo
	s.mu.Unlock()

	if echo {
		if frame, err := wire.EncodeAlert(a); err == nil {
			c.Deliver(frame)
		}
	}
}

// Conn is one open mock channel.
type Conn struct {
	src  *Source
	in   chan []byte
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

// Recv implements connection.Channel.
func (c *Conn) Recv() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

// Send implements connection.Channel.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.src.handle(c, msg)
	return nil
}

// Close implements connection.Channel.
func (c *Conn) Close() error {
	c.Drop(io.EOF)
	return nil
}

// Drop simulates the remote side closing the channel with err.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = io.EOF
	}
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Deliver queues a raw frame for the client. Frames for a closed channel
// are discarded.
func (c *Conn) Deliver(frame []byte) {
	select {
	case <-c.done:
	case c.in <- frame:
	}
}

// Closed reports whether the channel has been closed by either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

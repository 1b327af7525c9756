// Package natsbus carries alerts over NATS subjects. Alerts arrive on one
// subject, control messages leave on another. Heartbeats are answered
// locally after a server round trip, since subscribers never echo them.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/connection"
	"github.com/vigilcore/vigil/internal/wire"
)

const (
	defaultPendingMsgs = 1024
	flushTimeout       = 5 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Config names the server and subjects.
type Config struct {
	URL            string
	AlertSubject   string
	ControlSubject string
	ClientName     string
}

// Transport dials NATS channels.
type Transport struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a NATS transport.
func New(cfg Config, logger zerolog.Logger) *Transport {
	if cfg.ClientName == "" {
		cfg.ClientName = "vigil"
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "natsbus").Str("subject", cfg.AlertSubject).Logger(),
	}
}

// publisher is the part of *nats.Conn a channel uses.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Dial implements connection.Transport. Reconnection is left to the
// connection manager, so the NATS client's own reconnect logic is disabled.
func (t *Transport) Dial(ctx context.Context) (connection.Channel, error) {
	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	ch := newChannel(nil, t.cfg.ControlSubject, t.logger)
	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(t.cfg.ClientName),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = io.EOF
			}
			ch.fail(fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			ch.fail(io.EOF)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	ch.conn = nc

	if _, err := nc.ChanSubscribe(t.cfg.AlertSubject, ch.msgs); err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.cfg.AlertSubject, err)
	}
	if err := nc.FlushTimeout(flushTimeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	t.logger.Debug().Str("server", nc.ConnectedUrl()).Msg("NATS channel opened")
	return ch, nil
}

type channel struct {
	conn    publisher
	subject string
	logger  zerolog.Logger
	msgs    chan *nats.Msg
	local   chan []byte
	done    chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newChannel(conn publisher, controlSubject string, logger zerolog.Logger) *channel {
	return &channel{
		conn:    conn,
		subject: controlSubject,
		logger:  logger,
		msgs:    make(chan *nats.Msg, defaultPendingMsgs),
		local:   make(chan []byte, 1),
		done:    make(chan struct{}),
	}
}

// Recv returns the next alert subject payload or a locally answered heartbeat.
func (c *channel) Recv() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m.Data, nil
	case b := <-c.local:
		return b, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

// Send publishes a control message. A heartbeat becomes a flush round trip
// to the server and its answer is queued for Recv.
func (c *channel) Send(msg []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}

	if wire.IsHeartbeat(msg) {
		if err := c.conn.FlushTimeout(flushTimeout); err != nil {
			return fmt.Errorf("nats ping: %w", err)
		}
		select {
		case c.local <- msg:
		default:
		}
		return nil
	}
	if err := c.conn.Publish(c.subject, msg); err != nil {
		return fmt.Errorf("publish %s: %w", c.subject, err)
	}
	return nil
}

// Close closes the NATS connection.
func (c *channel) Close() error {
	c.fail(errors.New("channel closed"))
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func (c *channel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

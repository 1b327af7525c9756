// Package wsock connects to a websocket alert feed. Each Dial opens one
// websocket; text frames carry the JSON frames understood by package wire.
package wsock

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/connection"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	maxMessageSize          = 1 << 20
)

// Config describes the remote endpoint.
type Config struct {
	URL                string
	Header             http.Header
	Token              string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
}

// Transport dials websocket channels.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// New creates a websocket transport.
func New(cfg Config, logger zerolog.Logger) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Transport{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "wsock").Str("url", cfg.URL).Logger(),
	}
}

// Dial implements connection.Transport.
func (t *Transport) Dial(ctx context.Context) (connection.Channel, error) {
	header := http.Header{}
	for k, v := range t.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	t.logger.Debug().Msg("Websocket opened")
	return &channel{conn: conn, logger: t.logger}, nil
}

type channel struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	once    sync.Once
}

// Recv returns the next text or binary frame.
func (c *channel) Recv() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("Websocket closed unexpectedly")
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Send writes msg as one text frame. gorilla allows a single concurrent writer.
func (c *channel) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame when possible and closes the socket, which
// unblocks Recv.
func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

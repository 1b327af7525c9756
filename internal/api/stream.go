package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vigilcore/vigil/internal/alerter"
)

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream sends every alert change as a JSON text frame. The first
// frame is always a snapshot. A client that falls behind is disconnected
// and must reconnect for a fresh snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	changes := make(chan alerter.Change, streamBuffer)
	overflow := make(chan struct{})
	var dropped atomic.Bool
	id := s.backend.Subscribe(func(c alerter.Change) {
		if dropped.Load() {
			return
		}
		select {
		case changes <- c:
		default:
			if dropped.CompareAndSwap(false, true) {
				close(overflow)
			}
		}
	})
	defer s.backend.Unsubscribe(id)

	log := s.logger.With().Str("subscriber", id).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("Stream client connected")

	// Reads only serve control frames and detect the client going away.
	gone := make(chan struct{})
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("Stream read failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case c := <-changes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(c); err != nil {
				log.Debug().Err(err).Msg("Stream write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			log.Warn().Msg("Stream client too slow, disconnecting")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			log.Debug().Msg("Stream client disconnected")
			return
		}
	}
}

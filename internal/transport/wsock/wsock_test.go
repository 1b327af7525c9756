package wsock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feed greets every client with one alert and echoes what it receives.
func feed(t *testing.T, auth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			auth <- r.Header.Get("Authorization")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frame, _ := wire.EncodeAlert(types.Alert{ID: "A1", Priority: types.PriorityHigh, Status: types.StatusNew})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialReceivesAndSends(t *testing.T) {
	auth := make(chan string, 1)
	srv := feed(t, auth)
	tr := New(Config{URL: wsURL(srv), Token: "secret"}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if got := <-auth; got != "Bearer secret" {
		t.Errorf("authorization header: got %q", got)
	}

	data, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Type != wire.TypeAlert || f.Alerts[0].ID != "A1" {
		t.Errorf("frame: got %+v", f)
	}

	hb := wire.Heartbeat(time.Now())
	if err := ch.Send(hb); err != nil {
		t.Fatalf("Send: %v", err)
	}
	echo, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv echo: %v", err)
	}
	if !wire.IsHeartbeat(echo) {
		t.Errorf("echo: got %s, want heartbeat", echo)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	srv := feed(t, nil)
	tr := New(Config{URL: wsURL(srv)}, zerolog.Nop())

	ch, err := tr.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := ch.Recv(); err != nil {
		t.Fatalf("Recv greeting: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ch.Recv()
		done <- err
	}()
	ch.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Recv to fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	tr := New(Config{URL: wsURL(srv)}, zerolog.Nop())

	if _, err := tr.Dial(context.Background()); err == nil {
		t.Fatal("expected handshake error")
	} else if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the HTTP status, got %v", err)
	}
}

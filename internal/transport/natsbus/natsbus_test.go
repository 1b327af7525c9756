package natsbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/wire"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	flushErr  error
	flushes   int
	closed    bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestRecvReturnsSubjectPayloads(t *testing.T) {
	ch := newChannel(&fakeConn{}, "vigil.control", zerolog.Nop())
	ch.msgs <- &nats.Msg{Subject: "vigil.alerts", Data: []byte(`{"id":"A1"}`)}

	data, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(data) != `{"id":"A1"}` {
		t.Errorf("payload: got %s", data)
	}
}

func TestControlMessagesArePublished(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "vigil.control", zerolog.Nop())

	msg, _ := wire.EncodeControl(wire.Control{Type: wire.TypeAcknowledge, AlertID: "A1", ActorID: "officer-7"})
	if err := ch.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := ch.Send(wire.SyncRequest(time.Now())); err != nil {
		t.Fatalf("Send sync: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if got := len(conn.published["vigil.control"]); got != 2 {
		t.Errorf("published on control subject: got %d, want 2", got)
	}
}

func TestHeartbeatIsAnsweredAfterRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "vigil.control", zerolog.Nop())

	if err := ch.Send(wire.Heartbeat(time.Now())); err != nil {
		t.Fatalf("Send heartbeat: %v", err)
	}
	data, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !wire.IsHeartbeat(data) {
		t.Errorf("got %s, want heartbeat answer", data)
	}
	if conn.flushes != 1 {
		t.Errorf("flushes: got %d, want 1", conn.flushes)
	}
	if len(conn.published) != 0 {
		t.Error("heartbeat should not be published")
	}

	conn.flushErr = nats.ErrTimeout
	if err := ch.Send(wire.Heartbeat(time.Now())); !errors.Is(err, nats.ErrTimeout) {
		t.Errorf("unanswered ping: got %v, want timeout", err)
	}
}

func TestDisconnectFailsRecv(t *testing.T) {
	conn := &fakeConn{}
	ch := newChannel(conn, "vigil.control", zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := ch.Recv()
		done <- err
	}()
	ch.fail(io.ErrUnexpectedEOF)

	select {
	case err := <-done:
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("got %v, want unexpected EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked")
	}
	if err := ch.Send([]byte(`{}`)); err == nil {
		t.Error("Send after loss should fail")
	}
	ch.Close()
	if !conn.closed {
		t.Error("Close should close the NATS connection")
	}
}

func TestDialUnreachableServer(t *testing.T) {
	tr := New(Config{URL: "nats://127.0.0.1:1", AlertSubject: "a", ControlSubject: "c"}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dial(ctx); err == nil {
		t.Fatal("expected connect error")
	}
}

package connection_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/connection"
	"github.com/vigilcore/vigil/internal/transport/mock"
	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/vigilerr"
	"github.com/vigilcore/vigil/internal/wire"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

type harness struct {
	src    *mock.Source
	clk    *clock.Fake
	mgr    *connection.Manager
	states chan connection.State
}

func setup(t *testing.T, opts connection.Options) *harness {
	t.Helper()
	h := &harness{
		src:    mock.NewSource(false),
		clk:    clock.NewFake(epoch),
		states: make(chan connection.State, 128),
	}
	h.mgr = connection.NewManager(h.src, opts, h.clk, zerolog.Nop())
	h.mgr.OnStateChange(func(s connection.State) { h.states <- s })
	t.Cleanup(func() { h.mgr.Close() })
	return h
}

// await drains transitions until one in the wanted phase arrives.
func (h *harness) await(t *testing.T, phase connection.Phase) connection.State {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-h.states:
			if s.Phase == phase {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s (current %s)", phase, h.mgr.State())
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func quiet() connection.Options {
	return connection.Options{
		HeartbeatInterval:  time.Hour,
		BackoffBase:        time.Second,
		BackoffMax:         30 * time.Second,
		StabilityThreshold: 10 * time.Second,
		Jitter:             0,
	}
}

func delayOf(s connection.State) time.Duration {
	return s.NextRetryAt.Sub(s.Since)
}

func TestConnectTransitions(t *testing.T) {
	h := setup(t, quiet())

	if got := h.mgr.State().Phase; got != connection.PhaseDisconnected {
		t.Fatalf("initial phase: got %s, want %s", got, connection.PhaseDisconnected)
	}
	h.mgr.Connect()
	h.await(t, connection.PhaseConnecting)
	h.await(t, connection.PhaseConnected)

	if !h.mgr.Health().Connected {
		t.Error("expected health to report connected")
	}
}

func TestReconnectDelaysDoubleAfterLoss(t *testing.T) {
	h := setup(t, quiet())
	h.mgr.Connect()
	h.await(t, connection.PhaseConnected)
	conn := <-h.src.Dialed()

	h.src.FailNext(1)
	conn.Drop(errors.New("peer reset"))

	first := h.await(t, connection.PhaseBackoff)
	if got := delayOf(first); got != time.Second {
		t.Fatalf("first delay: got %v, want 1s", got)
	}
	dials := h.src.Dials()
	h.clk.Advance(999 * time.Millisecond)
	if h.src.Dials() != dials {
		t.Fatal("retried before the backoff delay elapsed")
	}

	h.clk.Advance(time.Millisecond)
	second := h.await(t, connection.PhaseBackoff)
	if got := delayOf(second); got != 2*time.Second {
		t.Fatalf("second delay: got %v, want 2s", got)
	}
	if second.Attempt != 2 {
		t.Errorf("attempt: got %d, want 2", second.Attempt)
	}

	h.clk.Advance(2 * time.Second)
	h.await(t, connection.PhaseConnected)
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	opts := quiet()
	opts.BackoffMax = 5 * time.Second
	opts.Jitter = 0.5
	h := setup(t, opts)
	h.mgr.SetRandom(func() float64 { return 0.999 })

	h.src.FailNext(8)
	h.mgr.Connect()

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		s := h.await(t, connection.PhaseBackoff)
		d := delayOf(s)
		if d > opts.BackoffMax {
			t.Fatalf("attempt %d: delay %v exceeds max %v", i+1, d, opts.BackoffMax)
		}
		delays = append(delays, d)
		h.clk.Advance(d)
	}
	h.await(t, connection.PhaseConnected)

	if delays[len(delays)-1] != opts.BackoffMax {
		t.Errorf("expected delays to saturate at %v, got %v", opts.BackoffMax, delays)
	}
}

func TestAttemptResetsOnlyAfterStablePeriod(t *testing.T) {
	h := setup(t, quiet())
	h.src.FailNext(2)
	h.mgr.Connect()

	h.clk.Advance(delayOf(h.await(t, connection.PhaseBackoff)))
	h.clk.Advance(delayOf(h.await(t, connection.PhaseBackoff)))
	h.await(t, connection.PhaseConnected)
	conn := <-h.src.Dialed()

	// Dropped straight away: the link was not stable, so backoff keeps growing.
	conn.Drop(errors.New("flap"))
	s := h.await(t, connection.PhaseBackoff)
	if got := delayOf(s); got != 4*time.Second {
		t.Fatalf("delay after unstable session: got %v, want 4s", got)
	}
	h.clk.Advance(4 * time.Second)
	h.await(t, connection.PhaseConnected)
	conn = <-h.src.Dialed()

	h.clk.Advance(10 * time.Second)
	conn.Drop(errors.New("maintenance"))
	s = h.await(t, connection.PhaseBackoff)
	if got := delayOf(s); got != time.Second {
		t.Fatalf("delay after stable session: got %v, want 1s", got)
	}
}

func TestMissedHeartbeatIsTreatedAsLoss(t *testing.T) {
	opts := quiet()
	opts.HeartbeatInterval = time.Second
	opts.HeartbeatTimeout = 3 * time.Second
	h := setup(t, opts)
	h.src.SetMuted(true)

	h.mgr.Connect()
	h.await(t, connection.PhaseConnected)

	h.clk.Advance(3 * time.Second)
	h.await(t, connection.PhaseBackoff)

	if got := len(h.src.SentOfType(wire.TypeHeartbeat)); got != 2 {
		t.Errorf("heartbeats sent: got %d, want 2", got)
	}
	if h.mgr.Health().LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestAnsweredHeartbeatsKeepChannelAlive(t *testing.T) {
	opts := quiet()
	opts.HeartbeatInterval = time.Second
	opts.HeartbeatTimeout = 3 * time.Second
	h := setup(t, opts)

	h.mgr.Connect()
	h.await(t, connection.PhaseConnected)

	for i := 1; i <= 6; i++ {
		h.clk.Advance(time.Second)
		want := int64(i)
		eventually(t, func() bool { return h.mgr.Health().MessageCount >= want }, "heartbeat echo processed")
	}
	if got := h.mgr.State().Phase; got != connection.PhaseConnected {
		t.Fatalf("phase: got %s, want %s", got, connection.PhaseConnected)
	}
}

func TestSendFailsFastWhenNotConnected(t *testing.T) {
	h := setup(t, quiet())

	err := h.mgr.Send([]byte(`{"type":"acknowledge"}`))
	if !vigilerr.Is(err, vigilerr.CodeNotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}

	h.mgr.Connect()
	h.await(t, connection.PhaseConnected)
	if err := h.mgr.Send([]byte(`{"type":"acknowledge","alertId":"A1"}`)); err != nil {
		t.Fatalf("Send while connected: %v", err)
	}
	if got := len(h.src.SentOfType(wire.TypeAcknowledge)); got != 1 {
		t.Errorf("acknowledge frames at source: got %d, want 1", got)
	}
}

func TestMessagesReachHandlersWithoutHeartbeats(t *testing.T) {
	h := setup(t, quiet())
	received := make(chan []byte, 8)
	h.mgr.OnMessage(func(b []byte) { received <- b })

	h.mgr.Connect()
	h.await(t, connection.PhaseConnected)
	conn := <-h.src.Dialed()

	conn.Deliver(wire.Heartbeat(epoch))
	if err := h.src.Publish(types.Alert{ID: "A1", Priority: types.PriorityHigh}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case b := <-received:
		f, err := wire.Decode(b)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if f.Type != wire.TypeAlert || f.Alerts[0].ID != "A1" {
			t.Errorf("got frame %+v, want alert A1", f)
		}
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}
}

func TestDisconnectCancelsTimers(t *testing.T) {
	h := setup(t, quiet())
	h.src.FailNext(1)
	h.mgr.Connect()
	h.await(t, connection.PhaseBackoff)

	h.mgr.Disconnect()
	h.await(t, connection.PhaseDisconnected)
	if got := h.clk.Pending(); got != 0 {
		t.Errorf("pending timers after disconnect: got %d, want 0", got)
	}

	dials := h.src.Dials()
	h.clk.Advance(time.Minute)
	if h.src.Dials() != dials {
		t.Error("dialed after disconnect")
	}

	h.mgr.Connect()
	h.await(t, connection.PhaseConnected)
}

func TestFlappingLinkIsReported(t *testing.T) {
	opts := quiet()
	opts.FlapThreshold = 2
	opts.FlapWindow = time.Minute
	h := setup(t, opts)

	h.mgr.Connect()
	for i := 0; i < 2; i++ {
		h.await(t, connection.PhaseConnected)
		conn := <-h.src.Dialed()
		conn.Drop(errors.New("flap"))
		h.clk.Advance(delayOf(h.await(t, connection.PhaseBackoff)))
	}
	h.await(t, connection.PhaseConnected)

	if !h.mgr.Health().Flapping {
		t.Error("expected link to be reported as flapping")
	}
	h.clk.Advance(2 * time.Minute)
	if h.mgr.Health().Flapping {
		t.Error("expected flapping to clear after a quiet window")
	}
}

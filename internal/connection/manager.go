package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/vigilerr"
	"github.com/vigilcore/vigil/internal/wire"
)

const (
	defaultHeartbeatInterval  = 15 * time.Second
	defaultHeartbeatTimeout   = 45 * time.Second
	defaultBackoffBase        = 1 * time.Second
	defaultBackoffMax         = 60 * time.Second
	defaultStabilityThreshold = 30 * time.Second
	defaultDialTimeout        = 10 * time.Second
	defaultJitter             = 0.2
	defaultFlapThreshold      = 5
	defaultFlapWindow         = 5 * time.Minute
)

var errHeartbeatTimeout = errors.New("no liveness signal within heartbeat timeout")

// Transport opens logical channels to the remote event source.
type Transport interface {
	Dial(ctx context.Context) (Channel, error)
}

// Channel is a connected, reliable message channel. Close must unblock a
// pending Recv.
type Channel interface {
	Recv() ([]byte, error)
	Send(msg []byte) error
	Close() error
}

// Options tune reconnection and liveness behaviour.
type Options struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	StabilityThreshold time.Duration
	DialTimeout        time.Duration
	// Jitter is the fraction of the computed delay added or removed at random.
	Jitter        float64
	FlapThreshold int
	FlapWindow    time.Duration
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:  defaultHeartbeatInterval,
		HeartbeatTimeout:   defaultHeartbeatTimeout,
		BackoffBase:        defaultBackoffBase,
		BackoffMax:         defaultBackoffMax,
		StabilityThreshold: defaultStabilityThreshold,
		DialTimeout:        defaultDialTimeout,
		Jitter:             defaultJitter,
		FlapThreshold:      defaultFlapThreshold,
		FlapWindow:         defaultFlapWindow,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.StabilityThreshold <= 0 {
		o.StabilityThreshold = d.StabilityThreshold
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.Jitter > 1 {
		o.Jitter = 1
	}
	if o.FlapThreshold <= 0 {
		o.FlapThreshold = d.FlapThreshold
	}
	if o.FlapWindow <= 0 {
		o.FlapWindow = d.FlapWindow
	}
	return o
}

// Health summarises the channel for status pages.
type Health struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	LastMessage    time.Time `json:"last_message,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ReconnectCount int       `json:"reconnect_count"`
	MessageCount   int64     `json:"message_count"`
	Flapping       bool      `json:"flapping"`
}

// Manager owns the lifecycle of the push channel: connect, loss detection,
// reconnection with exponential backoff, and heartbeats.
type Manager struct {
	transport Transport
	opts      Options
	clock     clock.Clock
	logger    zerolog.Logger
	random    func() float64

	mu            sync.Mutex
	state         State
	gen           uint64
	ch            Channel
	attempt       int
	connectedAt   time.Time
	lastSeen      time.Time
	retryTimer    clock.Timer
	heartbeat     clock.Timer
	dialCancel    context.CancelFunc
	closed        bool
	health        Health
	flap          *FlapDetector
	msgHandlers   []func([]byte)
	stateHandlers []func(State)
	pending       []State
	flushing      bool
}

// NewManager creates a Manager in the Disconnected state. A nil clock uses
// the real clock.
func NewManager(transport Transport, opts Options, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	opts = opts.withDefaults()
	logger = logger.With().Str("component", "connection").Logger()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	return &Manager{
		transport: transport,
		opts:      opts,
		clock:     clk,
		logger:    logger,
		random: func() float64 {
			rngMu.Lock()
			defer rngMu.Unlock()
			return rng.Float64()
		},
		state: State{Phase: PhaseDisconnected, Since: clk.Now()},
		flap:  NewFlapDetector(logger, clk, opts.FlapThreshold, opts.FlapWindow),
	}
}

// SetRandom replaces the jitter source. f must return values in [0, 1).
func (m *Manager) SetRandom(f func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.random = f
}

// OnMessage registers a delivery callback. Callbacks run on the receive
// goroutine of the current channel, one message at a time.
func (m *Manager) OnMessage(handler func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgHandlers = append(m.msgHandlers, handler)
}

// OnStateChange registers a transition callback. Transitions are reported
// in the order they happened.
func (m *Manager) OnStateChange(handler func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandlers = append(m.stateHandlers, handler)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Health returns the current health summary.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health
	h.Flapping = m.flap.IsFlapping()
	return h
}

// Connect starts establishing the channel. It returns immediately; progress
// is reported through OnStateChange. Calling Connect in any state other than
// Disconnected is a no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state.Phase != PhaseDisconnected {
		m.mu.Unlock()
		return
	}
	m.startDialLocked()
	m.mu.Unlock()
	m.flush()
}

// Send writes msg to the channel. It fails fast with a NotConnected error
// unless the channel is Connected, and never queues.
func (m *Manager) Send(msg []byte) error {
	m.mu.Lock()
	if m.state.Phase != PhaseConnected || m.ch == nil {
		phase := m.state.Phase
		m.mu.Unlock()
		return vigilerr.New(vigilerr.CodeNotConnected, fmt.Sprintf("channel is %s", phase), nil)
	}
	ch := m.ch
	m.mu.Unlock()

	if err := ch.Send(msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Disconnect tears down the channel and cancels pending backoff and
// heartbeat timers. Connect may be called again afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	ch := m.stopLocked()
	m.attempt = 0
	if m.state.Phase != PhaseDisconnected {
		m.setStateLocked(State{Phase: PhaseDisconnected})
	}
	m.mu.Unlock()
	m.flush()
	if ch != nil {
		ch.Close()
	}
}

// Close disconnects permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	m.logger.Info().Msg("Connection manager closed")
	return nil
}

// stopLocked cancels every timer and in-flight dial and detaches the
// channel, which the caller closes after unlocking.
func (m *Manager) stopLocked() Channel {
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	ch := m.ch
	m.ch = nil
	m.health.Connected = false
	return ch
}

func (m *Manager) startDialLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	m.dialCancel = cancel
	m.setStateLocked(State{Phase: PhaseConnecting, Attempt: m.attempt})
	go m.dial(ctx, gen, m.attempt)
}

func (m *Manager) dial(ctx context.Context, gen uint64, attempt int) {
	m.logger.Debug().Int("attempt", attempt).Msg("Dialing event source")
	ch, err := m.transport.Dial(ctx)

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		m.health.LastError = err.Error()
		m.health.ReconnectCount++
		m.enterBackoffLocked(err)
		m.mu.Unlock()
		m.flush()
		return
	}

	now := m.clock.Now()
	m.ch = ch
	m.connectedAt = now
	m.lastSeen = now
	m.health.Connected = true
	m.health.ConnectedSince = now
	m.health.LastError = ""
	m.setStateLocked(State{Phase: PhaseConnected})
	m.heartbeat = m.clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.beat(gen) })
	m.mu.Unlock()

	m.logger.Info().Msg("Event source connected")
	m.flush()
	go m.receive(gen, ch)
}

// enterBackoffLocked schedules the next dial attempt.
func (m *Manager) enterBackoffLocked(cause error) {
	delay := m.backoffDelay(m.attempt)
	m.attempt++
	m.gen++
	gen := m.gen
	next := m.clock.Now().Add(delay)
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	m.setStateLocked(State{Phase: PhaseBackoff, Attempt: m.attempt, NextRetryAt: next})

	m.logger.Warn().
		Err(cause).
		Int("attempt", m.attempt).
		Dur("retry_in", delay).
		Msg("Event source unavailable, backing off")
}

// backoffDelay returns min(max, base*2^attempt) with jitter, never above max.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.opts.BackoffMax
	if attempt < 32 {
		if d := m.opts.BackoffBase << uint(attempt); d > 0 && d < delay {
			delay = d
		}
	}
	if m.opts.Jitter > 0 {
		spread := float64(delay) * m.opts.Jitter
		delay += time.Duration((m.random()*2 - 1) * spread)
	}
	if delay > m.opts.BackoffMax {
		delay = m.opts.BackoffMax
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state.Phase != PhaseBackoff {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.startDialLocked()
	m.mu.Unlock()
	m.flush()
}

// beat runs on every heartbeat tick while Connected.
func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state.Phase != PhaseConnected {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	if now.Sub(m.lastSeen) >= m.opts.HeartbeatTimeout {
		ch := m.lossLocked(errHeartbeatTimeout)
		m.mu.Unlock()
		m.flush()
		if ch != nil {
			ch.Close()
		}
		return
	}
	ch := m.ch
	m.heartbeat = m.clock.AfterFunc(m.opts.HeartbeatInterval, func() { m.beat(gen) })
	m.mu.Unlock()

	if err := ch.Send(wire.Heartbeat(now)); err != nil {
		m.logger.Debug().Err(err).Msg("Heartbeat send failed")
	}
}

func (m *Manager) receive(gen uint64, ch Channel) {
	for {
		data, err := ch.Recv()
		if err != nil {
			m.mu.Lock()
			var stale Channel
			if gen == m.gen && !m.closed {
				stale = m.lossLocked(fmt.Errorf("receive: %w", err))
			}
			m.mu.Unlock()
			m.flush()
			if stale != nil {
				stale.Close()
			}
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastSeen = m.clock.Now()
		m.health.LastMessage = m.lastSeen
		m.health.MessageCount++
		handlers := append([]func([]byte){}, m.msgHandlers...)
		m.mu.Unlock()

		if wire.IsHeartbeat(data) {
			continue
		}
		for _, h := range handlers {
			h(data)
		}
	}
}

// lossLocked moves a Connected channel into Backoff. The attempt counter is
// only reset when the channel stayed up past the stability threshold.
func (m *Manager) lossLocked(cause error) Channel {
	if m.state.Phase != PhaseConnected {
		return nil
	}
	now := m.clock.Now()
	uptime := now.Sub(m.connectedAt)
	if uptime >= m.opts.StabilityThreshold {
		m.attempt = 0
	}
	ch := m.stopLocked()
	m.health.LastError = cause.Error()
	m.health.ReconnectCount++
	if flapping, started := m.flap.RecordChange(); flapping && started {
		m.logger.Warn().Dur("uptime", uptime).Msg("Event source link is flapping")
	}
	m.logger.Warn().Err(cause).Dur("uptime", uptime).Msg("Event source connection lost")
	m.enterBackoffLocked(cause)
	return ch
}

func (m *Manager) setStateLocked(s State) {
	s.Since = m.clock.Now()
	m.state = s
	m.pending = append(m.pending, s)
}

// flush delivers queued transitions outside the lock. Only one goroutine
// delivers at a time, so handlers observe transitions in order and may call
// back into the Manager.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		s := m.pending[0]
		m.pending = m.pending[1:]
		handlers := append([]func(State){}, m.stateHandlers...)
		m.mu.Unlock()
		for _, h := range handlers {
			h(s)
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

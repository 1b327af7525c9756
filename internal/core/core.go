// Package core assembles the connection manager, alert engine, activity
// tracker and idle detector into one operational-awareness core. The
// components only talk through callbacks registered here.
package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/activity"
	"github.com/vigilcore/vigil/internal/alerter"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/config"
	"github.com/vigilcore/vigil/internal/connection"
	"github.com/vigilcore/vigil/internal/session"
	"github.com/vigilcore/vigil/internal/types"
)

// Hooks are the host callbacks. Any of them may be nil.
type Hooks struct {
	OnIdle                   func()
	OnActive                 func()
	OnExpired                func()
	OnAlertsChanged          func(snapshot []types.Alert)
	OnConnectionStateChanged func(state connection.State)
	OnEscalate               func(alert types.Alert)
}

// Options tune every component of the core.
type Options struct {
	Connection       connection.Options
	Alerts           alerter.Options
	ActivityDebounce time.Duration
	Session          session.Options
}

// OptionsFromConfig converts the millisecond based configuration section.
func OptionsFromConfig(c config.CoreConfig) Options {
	return Options{
		Connection: connection.Options{
			HeartbeatInterval:  c.HeartbeatInterval(),
			HeartbeatTimeout:   c.HeartbeatTimeout(),
			BackoffBase:        c.BackoffBase(),
			BackoffMax:         c.BackoffMax(),
			StabilityThreshold: c.StabilityThreshold(),
			DialTimeout:        c.DialTimeout(),
			Jitter:             c.BackoffJitter,
			FlapThreshold:      c.FlapThreshold,
			FlapWindow:         c.FlapWindow(),
		},
		Alerts: alerter.Options{
			RetentionMax:    c.RetentionMax,
			RetentionMaxAge: c.RetentionMaxAge(),
			SweepInterval:   c.SweepInterval(),
			EscalationDelay: c.EscalationDelay(),
		},
		ActivityDebounce: c.ActivityDebounce(),
		Session: session.Options{
			Timeout: c.IdleTimeout(),
			Grace:   c.SessionGrace(),
		},
	}
}

// Status is the combined view served on status pages.
type Status struct {
	Connection connection.State  `json:"connection"`
	Health     connection.Health `json:"health"`
	Alerts     alerter.Stats     `json:"alerts"`
	Session    session.Status    `json:"session"`
}

// Core owns one instance of each component.
type Core struct {
	Conn     *connection.Manager
	Alerts   *alerter.Engine
	Activity *activity.Tracker
	Session  *session.Detector

	logger zerolog.Logger

	mu        sync.Mutex
	lastPhase connection.Phase
	started   bool
	closed    bool
	subID     string
	hooks     Hooks
}

// New builds and wires the components. Nothing runs until Start.
func New(opts Options, transport connection.Transport, hooks Hooks, clk clock.Clock, logger zerolog.Logger) *Core {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Core{
		logger:    logger.With().Str("component", "core").Logger(),
		lastPhase: connection.PhaseDisconnected,
		hooks:     hooks,
	}

	c.Conn = connection.NewManager(transport, opts.Connection, clk, logger)
	c.Alerts = alerter.NewEngine(opts.Alerts, c.Conn, clk, logger)
	c.Activity = activity.NewTracker(opts.ActivityDebounce, clk, logger)
	c.Session = session.NewDetector(opts.Session, c.Activity, clk, logger)

	c.Conn.OnMessage(func(raw []byte) {
		// Malformed frames are counted and logged by the engine.
		_ = c.Alerts.HandleMessage(raw)
	})
	c.Conn.OnStateChange(c.connectionChanged)
	c.Activity.OnActivity(c.Session.Observe)

	if hooks.OnIdle != nil {
		c.Session.OnIdle(hooks.OnIdle)
	}
	if hooks.OnActive != nil {
		c.Session.OnActive(hooks.OnActive)
	}
	if hooks.OnExpired != nil {
		c.Session.OnExpired(hooks.OnExpired)
	}
	if hooks.OnEscalate != nil {
		c.Alerts.OnEscalate(hooks.OnEscalate)
	}
	return c
}

// connectionChanged runs for every connection transition. Each time the
// channel comes (back) up the engine asks for the full backlog, which flows
// through the same ingest path as live alerts.
func (c *Core) connectionChanged(s connection.State) {
	c.mu.Lock()
	prev := c.lastPhase
	c.lastPhase = s.Phase
	hook := c.hooks.OnConnectionStateChanged
	c.mu.Unlock()

	if s.Phase == connection.PhaseConnected && prev != connection.PhaseConnected {
		if err := c.Alerts.Reconcile(); err != nil {
			c.logger.Warn().Err(err).Msg("Backlog request failed, waiting for live alerts")
		}
	}
	if hook != nil {
		hook(s)
	}
}

// Start begins sweeping, idle detection and connecting.
func (c *Core) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	onAlerts := c.hooks.OnAlertsChanged
	c.mu.Unlock()

	if onAlerts != nil {
		id := c.Alerts.Subscribe(alerter.SnapshotFunc(onAlerts))
		c.mu.Lock()
		c.subID = id
		c.mu.Unlock()
	}
	c.Alerts.Start()
	c.Session.Start()
	c.Conn.Connect()
	c.logger.Info().Msg("Core started")
}

// Close cancels every timer and tears down the channel. Retained alerts
// stay readable.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subID := c.subID
	c.mu.Unlock()

	err := c.Conn.Close()
	c.Alerts.Stop()
	if subID != "" {
		c.Alerts.Unsubscribe(subID)
	}
	c.Session.Stop()
	c.Activity.Close()
	c.logger.Info().Int("retained", c.Alerts.Stats().Retained).Msg("Core closed")
	return err
}

// RecordActivity forwards a qualifying input event.
func (c *Core) RecordActivity() {
	c.Activity.RecordActivity()
}

// ResetSession forces the session Active after an explicit state-clearing action.
func (c *Core) ResetSession() {
	c.Session.Reset()
}

// Acknowledge acknowledges an alert on behalf of actorID.
func (c *Core) Acknowledge(alertID, actorID string) error {
	return c.Alerts.Acknowledge(alertID, actorID)
}

// Resolve resolves an alert on behalf of actorID.
func (c *Core) Resolve(alertID, actorID string) error {
	return c.Alerts.Resolve(alertID, actorID)
}

// Snapshot returns the ordered retained alerts.
func (c *Core) Snapshot() []types.Alert {
	return c.Alerts.Snapshot()
}

// Alert returns one retained alert.
func (c *Core) Alert(alertID string) (types.Alert, error) {
	return c.Alerts.Get(alertID)
}

// Subscribe registers fn for alert changes; it receives a snapshot first.
func (c *Core) Subscribe(fn func(alerter.Change)) string {
	return c.Alerts.Subscribe(fn)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (c *Core) Unsubscribe(id string) {
	c.Alerts.Unsubscribe(id)
}

// Status returns the combined component status.
func (c *Core) Status() Status {
	return Status{
		Connection: c.Conn.State(),
		Health:     c.Conn.Health(),
		Alerts:     c.Alerts.Stats(),
		Session:    c.Session.Snapshot(),
	}
}

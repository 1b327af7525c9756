package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
)

const defaultTimeout = 5 * time.Minute

// State of the operator session.
type State string

const (
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateExpired State = "expired"
)

// ActivitySource reports when the operator was last active.
type ActivitySource interface {
	LastActivity() time.Time
}

// Options configure the detector.
type Options struct {
	// Timeout is the allowed inactivity before the session goes idle.
	Timeout time.Duration
	// Grace is how long an idle session lasts before it expires. Zero
	// disables expiry.
	Grace time.Duration
}

// Status is a point-in-time view for status pages and countdowns.
type Status struct {
	State        State         `json:"state"`
	LastActivity time.Time     `json:"lastActivity"`
	IdleSince    time.Time     `json:"idleSince,omitempty"`
	Remaining    time.Duration `json:"-"`
	RemainingMs  int64         `json:"remainingMs"`
}

type event int

const (
	eventIdle event = iota
	eventActive
	eventExpired
)

// Detector turns activity timestamps into Active, Idle and Expired
// transitions. It keeps at most one timer armed and derives every decision
// from the clock and the newest activity timestamp, so bursts of activity
// never create extra timers.
type Detector struct {
	opts   Options
	source ActivitySource
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	running   bool
	resetAt   time.Time
	seen      time.Time
	idleSince time.Time
	timer     clock.Timer
	gen       uint64
	onIdle    []func()
	onActive  []func()
	onExpired []func()
	queue     []event
	flushing  bool
}

// NewDetector creates a detector in the Active state. source may be nil when
// activity is only reported through Observe.
func NewDetector(opts Options, source ActivitySource, clk clock.Clock, logger zerolog.Logger) *Detector {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	return &Detector{
		opts:   opts,
		source: source,
		clock:  clk,
		logger: logger.With().Str("component", "session").Logger(),
		state:  StateActive,
	}
}

// OnIdle registers a callback fired once per Active to Idle transition.
func (d *Detector) OnIdle(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdle = append(d.onIdle, fn)
}

// OnActive registers a callback fired when an idle or expired session sees
// activity again or is reset.
func (d *Detector) OnActive(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onActive = append(d.onActive, fn)
}

// OnExpired registers a callback fired once when an idle session passes the
// grace period.
func (d *Detector) OnExpired(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExpired = append(d.onExpired, fn)
}

// Start arms the detector. The inactivity window starts now unless the
// source already reports later activity.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.resetAt = d.clock.Now()
	d.state = StateActive
	d.idleSince = time.Time{}
	d.armLocked(d.opts.Timeout)
	d.mu.Unlock()
	d.logger.Debug().Dur("timeout", d.opts.Timeout).Dur("grace", d.opts.Grace).Msg("Idle detector started")
}

// Stop disarms the detector. State is kept.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.disarmLocked()
}

// Reset forces the session Active with a fresh deadline.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.resetAt = d.clock.Now()
	d.activateLocked("reset")
	if d.running {
		d.armLocked(d.opts.Timeout)
	}
	d.mu.Unlock()
	d.flush()
}

// Observe reports activity at the given time. An idle or expired session
// becomes Active immediately.
func (d *Detector) Observe(at time.Time) {
	d.mu.Lock()
	if at.After(d.seen) {
		d.seen = at
	}
	if d.state != StateActive && !at.Before(d.idleSince) {
		d.activateLocked("activity")
		if d.running {
			d.armLocked(d.remainingLocked(d.clock.Now()))
		}
	}
	d.mu.Unlock()
	d.flush()
}

// State returns the current session state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// GetRemainingTime returns how long until the session goes idle. It is zero
// once idle and never changes detector state.
func (d *Detector) GetRemainingTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateActive {
		return 0
	}
	return d.remainingLocked(d.clock.Now())
}

// Snapshot returns the current status.
func (d *Detector) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		State:        d.state,
		LastActivity: d.lastLocked(),
		IdleSince:    d.idleSince,
	}
	if d.state == StateActive {
		st.Remaining = d.remainingLocked(d.clock.Now())
		st.RemainingMs = st.Remaining.Milliseconds()
	}
	return st
}

// lastLocked is the newest of source activity, observed activity and reset.
func (d *Detector) lastLocked() time.Time {
	last := d.resetAt
	if d.seen.After(last) {
		last = d.seen
	}
	if d.source != nil {
		if t := d.source.LastActivity(); t.After(last) {
			last = t
		}
	}
	return last
}

func (d *Detector) remainingLocked(now time.Time) time.Duration {
	rem := d.opts.Timeout - now.Sub(d.lastLocked())
	if rem < 0 {
		return 0
	}
	return rem
}

func (d *Detector) activateLocked(reason string) {
	if d.state == StateActive {
		return
	}
	d.logger.Info().Str("from", string(d.state)).Str("reason", reason).Msg("Session active")
	d.state = StateActive
	d.idleSince = time.Time{}
	d.queue = append(d.queue, eventActive)
}

func (d *Detector) armLocked(after time.Duration) {
	d.disarmLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(after, func() { d.check(gen) })
}

func (d *Detector) disarmLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Detector) check(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.running {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	now := d.clock.Now()
	last := d.lastLocked()

	switch d.state {
	case StateActive:
		idleFor := now.Sub(last)
		if idleFor < d.opts.Timeout {
			d.armLocked(d.opts.Timeout - idleFor)
			break
		}
		d.state = StateIdle
		d.idleSince = now
		d.queue = append(d.queue, eventIdle)
		d.logger.Info().Time("last_activity", last).Dur("idle_for", idleFor).Msg("Session idle")
		if d.opts.Grace > 0 {
			d.armLocked(d.opts.Grace)
		}

	case StateIdle:
		if last.After(d.idleSince) {
			d.activateLocked("activity")
			d.armLocked(d.remainingLocked(now))
			break
		}
		if d.opts.Grace <= 0 {
			break
		}
		if wait := d.opts.Grace - now.Sub(d.idleSince); wait > 0 {
			d.armLocked(wait)
			break
		}
		d.state = StateExpired
		d.queue = append(d.queue, eventExpired)
		d.logger.Warn().Time("idle_since", d.idleSince).Msg("Session expired")
	}
	d.mu.Unlock()
	d.flush()
}

func (d *Detector) flush() {
	d.mu.Lock()
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		var fns []func()
		switch ev {
		case eventIdle:
			fns = append(fns, d.onIdle...)
		case eventActive:
			fns = append(fns, d.onActive...)
		case eventExpired:
			fns = append(fns, d.onExpired...)
		}
		d.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		d.mu.Lock()
	}
	d.flushing = false
	d.mu.Unlock()
}

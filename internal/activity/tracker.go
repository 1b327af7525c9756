package activity

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
)

const defaultDebounce = 250 * time.Millisecond

// Tracker records raw input events and publishes debounced activity
// timestamps. The first event after a quiet period is published at once;
// further events inside the same window collapse into one trailing update.
type Tracker struct {
	debounce time.Duration
	clock    clock.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	last     time.Time
	pending  time.Time
	timer    clock.Timer
	raw      uint64
	updates  uint64
	handlers []func(time.Time)
	queue    []time.Time
	flushing bool
	closed   bool
}

// NewTracker creates a tracker. A negative debounce disables coalescing;
// zero selects the default window.
func NewTracker(debounce time.Duration, clk clock.Clock, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if debounce == 0 {
		debounce = defaultDebounce
	}
	if debounce < 0 {
		debounce = 0
	}
	return &Tracker{
		debounce: debounce,
		clock:    clk,
		logger:   logger.With().Str("component", "activity").Logger(),
	}
}

// OnActivity registers h to receive every published activity timestamp.
func (t *Tracker) OnActivity(h func(at time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// RecordActivity notes one qualifying input event.
func (t *Tracker) RecordActivity() {
	now := t.clock.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.raw++
	if t.timer != nil {
		t.pending = now
		t.mu.Unlock()
		return
	}
	t.publishLocked(now)
	if t.debounce > 0 {
		t.timer = t.clock.AfterFunc(t.debounce, t.trailing)
	}
	t.mu.Unlock()
	t.flush()
}

// trailing closes a debounce window, publishing the newest coalesced event
// and opening another window if one was pending.
func (t *Tracker) trailing() {
	t.mu.Lock()
	if t.closed || t.pending.IsZero() {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	at := t.pending
	t.pending = time.Time{}
	t.publishLocked(at)
	t.timer = t.clock.AfterFunc(t.debounce, t.trailing)
	t.mu.Unlock()
	t.flush()
}

func (t *Tracker) publishLocked(at time.Time) {
	if at.After(t.last) {
		t.last = at
	}
	t.updates++
	t.queue = append(t.queue, at)
}

// LastActivity returns the most recently published activity time, or the
// zero time if nothing was recorded yet.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Counts returns the number of raw events seen and updates published.
func (t *Tracker) Counts() (raw, published uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raw, t.updates
}

// Close cancels the debounce timer. Later events are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = time.Time{}
}

func (t *Tracker) flush() {
	t.mu.Lock()
	if t.flushing {
		t.mu.Unlock()
		return
	}
	t.flushing = true
	for len(t.queue) > 0 {
		at := t.queue[0]
		t.queue = t.queue[1:]
		handlers := append([]func(time.Time){}, t.handlers...)
		t.mu.Unlock()
		t.logger.Debug().Time("at", at).Msg("Activity published")
		for _, h := range handlers {
			h(at)
		}
		t.mu.Lock()
	}
	t.flushing = false
	t.mu.Unlock()
}

package alerter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/types"
)

// EscalateFunc is called when an alert stays unacknowledged for too long.
type EscalateFunc func(alert types.Alert)

// EscalationManager keeps one timer per unacknowledged alert and fires the
// escalation callback when it expires.
type EscalationManager struct {
	log        zerolog.Logger
	clock      clock.Clock
	delay      time.Duration
	onEscalate EscalateFunc
	mu         sync.Mutex
	timers     map[string]clock.Timer // alert id -> pending timer
}

// NewEscalationManager creates a new escalation manager. A zero delay
// disables escalation.
func NewEscalationManager(log zerolog.Logger, clk clock.Clock, delay time.Duration, onEscalate EscalateFunc) *EscalationManager {
	return &EscalationManager{
		log:        log.With().Str("component", "escalation").Logger(),
		clock:      clk,
		delay:      delay,
		onEscalate: onEscalate,
		timers:     make(map[string]clock.Timer),
	}
}

// StartEscalation (re)arms the timer for alert.
func (m *EscalationManager) StartEscalation(alert types.Alert) {
	if m.delay <= 0 || m.onEscalate == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[alert.ID]; ok {
		t.Stop()
	}

	var timer clock.Timer
	timer = m.clock.AfterFunc(m.delay, func() {
		m.mu.Lock()
		if m.timers[alert.ID] != timer {
			m.mu.Unlock()
			return
		}
		delete(m.timers, alert.ID)
		m.mu.Unlock()

		m.log.Debug().Str("alert_id", alert.ID).Msg("escalation timer expired")
		m.onEscalate(alert)
	})
	m.timers[alert.ID] = timer

	m.log.Debug().
		Str("alert_id", alert.ID).
		Dur("delay", m.delay).
		Msg("escalation timer started")
}

// CancelEscalation cancels the pending escalation for an alert, if any.
func (m *EscalationManager) CancelEscalation(alertID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[alertID]; ok {
		t.Stop()
		delete(m.timers, alertID)
		m.log.Debug().Str("alert_id", alertID).Msg("escalation cancelled")
	}
}

// Pending returns the number of armed timers.
func (m *EscalationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels all pending escalation timers.
func (m *EscalationManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

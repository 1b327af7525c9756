package connection

import (
	"fmt"
	"time"
)

// Phase is the coarse connection state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseBackoff      Phase = "backoff"
)

// State is owned by the Manager and handed out by value.
type State struct {
	Phase Phase `json:"phase"`
	// Attempt counts consecutive failed attempts since the last reset.
	Attempt int `json:"attempt,omitempty"`
	// NextRetryAt is set in PhaseBackoff.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	Since       time.Time `json:"since"`
}

func (s State) String() string {
	if s.Phase == PhaseBackoff {
		return fmt.Sprintf("%s(attempt=%d, next=%s)", s.Phase, s.Attempt, s.NextRetryAt.Format(time.RFC3339))
	}
	return string(s.Phase)
}

// Connected reports whether the channel is usable.
func (s State) Connected() bool {
	return s.Phase == PhaseConnected
}

package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
)

// FlapDetector tracks how often the link drops and marks it flapping once
// the number of drops inside the window reaches the threshold.
type FlapDetector struct {
	log       zerolog.Logger
	clock     clock.Clock
	threshold int
	window    time.Duration
	mu        sync.Mutex
	history   []time.Time
	flapping  bool
}

// NewFlapDetector creates a new flap detector.
func NewFlapDetector(log zerolog.Logger, clk clock.Clock, threshold int, window time.Duration) *FlapDetector {
	return &FlapDetector{
		log:       log.With().Str("component", "flap-detector").Logger(),
		clock:     clk,
		threshold: threshold,
		window:    window,
	}
}

// RecordChange records a drop. If flapping just started, returns (true, true).
// If already flapping, returns (true, false). Otherwise (false, false).
func (f *FlapDetector) RecordChange() (flapping bool, justStarted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history = append(f.pruneLocked(), f.clock.Now())
	if len(f.history) >= f.threshold {
		wasFlapping := f.flapping
		f.flapping = true
		if !wasFlapping {
			f.log.Warn().Int("changes", len(f.history)).Dur("window", f.window).Msg("flapping detected")
			return true, true
		}
		return true, false
	}
	return false, false
}

// IsFlapping reports whether the link is still flapping. A flapping link
// that has seen fewer drops than the threshold within the window is cleared.
func (f *FlapDetector) IsFlapping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history = f.pruneLocked()
	if f.flapping && len(f.history) < f.threshold {
		f.flapping = false
		f.log.Info().Msg("flapping stopped")
	}
	return f.flapping
}

func (f *FlapDetector) pruneLocked() []time.Time {
	cutoff := f.clock.Now().Add(-f.window)
	pruned := f.history[:0]
	for _, ts := range f.history {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	return pruned
}

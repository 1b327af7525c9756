package mock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/types"
)

type template struct {
	category types.Category
	priority types.Priority
	title    string
	desc     string
}

var templates = []template{
	{types.CategoryEmergency, types.PriorityHigh, "Medical emergency reported", "Caller reports a person collapsed near the main entrance."},
	{types.CategoryEmergency, types.PriorityHigh, "Fire alarm triggered", "Smoke detector activated, evacuation protocol engaged."},
	{types.CategoryIncident, types.PriorityMedium, "Unattended baggage", "Security staff requested to inspect an unattended bag."},
	{types.CategoryIncident, types.PriorityMedium, "Crowd density rising", "Occupancy sensors report density above the comfort threshold."},
	{types.CategoryIncident, types.PriorityLow, "Lift out of service", "Lift 2 reported a door fault."},
	{types.CategoryInformation, types.PriorityLow, "Weather advisory", "Strong winds expected within the next two hours."},
	{types.CategoryInformation, types.PriorityLow, "Shift handover", "Control room shift change scheduled."},
}

var places = []types.Location{
	{Lat: 52.3791, Lon: 4.9003, Label: "Central hall"},
	{Lat: 52.3786, Lon: 4.8998, Label: "Platform 4"},
	{Lat: 52.3795, Lon: 4.9011, Label: "East entrance"},
	{Lat: 52.3789, Lon: 4.9020, Label: "Ticket office"},
}

// Simulator publishes randomly generated alerts to a Source on a fixed
// interval and occasionally resolves an older one.
type Simulator struct {
	source   *Source
	clock    clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	timer  clock.Timer
	active bool
}

// NewSimulator creates a simulator; it does nothing until Start.
func NewSimulator(source *Source, clk clock.Clock, interval time.Duration, seed int64, logger zerolog.Logger) *Simulator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Simulator{
		source:   source,
		clock:    clk,
		interval: interval,
		logger:   logger.With().Str("component", "simulator").Logger(),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Start begins publishing.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.timer = s.clock.AfterFunc(s.interval, s.tick)
}

// Stop cancels the pending tick.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Next publishes one random alert immediately and returns it.
func (s *Simulator) Next() types.Alert {
	s.mu.Lock()
	tpl := templates[s.rng.Intn(len(templates))]
	loc := places[s.rng.Intn(len(places))]
	resolveOld := s.rng.Intn(4) == 0
	s.mu.Unlock()

	a := types.Alert{
		ID:          uuid.NewString(),
		Category:    tpl.category,
		Priority:    tpl.priority,
		Title:       tpl.title,
		Description: tpl.desc,
		Location:    &loc,
		CreatedAt:   s.clock.Now(),
		Status:      types.StatusNew,
	}
	if err := s.source.Publish(a); err != nil {
		s.logger.Error().Err(err).Str("alert_id", a.ID).Msg("Failed to publish simulated alert")
	}

	if resolveOld {
		s.resolveOldest()
	}
	return a
}

func (s *Simulator) resolveOldest() {
	for _, old := range s.source.Alerts() {
		if old.Status == types.StatusResolved {
			continue
		}
		old.Status = types.StatusResolved
		if err := s.source.Publish(old); err != nil {
			s.logger.Error().Err(err).Str("alert_id", old.ID).Msg("Failed to publish resolution")
		}
		s.logger.Debug().Str("alert_id", old.ID).Str("title", old.Title).Msg("Simulated resolution")
		return
	}
}

func (s *Simulator) tick() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	a := s.Next()
	s.logger.Debug().Str("alert_id", a.ID).Str("priority", string(a.Priority)).Msg("Simulated alert published")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.timer = s.clock.AfterFunc(s.interval, s.tick)
	}
}

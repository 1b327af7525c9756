package alerter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
	"github.com/vigilcore/vigil/internal/types"
	"github.com/vigilcore/vigil/internal/vigilerr"
	"github.com/vigilcore/vigil/internal/wire"
)

const (
	defaultRetentionMax    = 500
	defaultRetentionMaxAge = 24 * time.Hour
	defaultSweepInterval   = time.Minute
	minTombstones          = 1024
)

// Sender delivers best-effort control messages to the remote source.
type Sender interface {
	Send(msg []byte) error
}

// Options bound the retained window and control escalation.
type Options struct {
	// RetentionMax caps the number of retained alerts. Zero disables the cap.
	RetentionMax int
	// RetentionMaxAge evicts alerts whose createdAt is older. Zero disables it.
	RetentionMaxAge time.Duration
	SweepInterval   time.Duration
	// EscalationDelay is how long a new alert may stay unacknowledged before
	// the escalation hook fires. Zero disables escalation.
	EscalationDelay time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		RetentionMax:    defaultRetentionMax,
		RetentionMaxAge: defaultRetentionMaxAge,
		SweepInterval:   defaultSweepInterval,
	}
}

// Stats counts engine activity for status pages.
type Stats struct {
	Retained  int    `json:"retained"`
	Ingested  uint64 `json:"ingested"`
	Ignored   uint64 `json:"ignored"`
	Evicted   uint64 `json:"evicted"`
	Malformed uint64 `json:"malformed"`
	Escalated uint64 `json:"escalated"`
}

type subscription struct {
	id     string
	fn     func(Change)
	closed atomic.Bool
}

type delivery struct {
	change  Change
	targets []*subscription
}

// Engine is the single source of truth for alerts. It deduplicates and
// merges delivered copies, tracks the acknowledgement lifecycle and fans
// changes out to subscribers.
type Engine struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
	sender Sender

	mu         sync.RWMutex
	alerts     map[string]types.Alert
	tombstones map[string]struct{}
	tombOrder  []string
	seq        uint64
	subs       map[string]*subscription
	queue      []delivery
	flushing   bool
	sweepTimer clock.Timer
	running    bool
	stats      Stats
	onEscalate func(types.Alert)
	escalation *EscalationManager
}

// NewEngine creates an engine. sender may be nil, in which case local
// transitions are not reported upstream.
func NewEngine(opts Options, sender Sender, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	e := &Engine{
		opts:       opts,
		clock:      clk,
		logger:     logger.With().Str("component", "alerter").Logger(),
		sender:     sender,
		alerts:     make(map[string]types.Alert),
		tombstones: make(map[string]struct{}),
		subs:       make(map[string]*subscription),
	}
	e.escalation = NewEscalationManager(logger, clk, opts.EscalationDelay, e.escalate)
	return e
}

// SetSender replaces the upstream sender.
func (e *Engine) SetSender(s Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = s
}

// OnEscalate registers the hook fired for alerts left unacknowledged past
// the escalation delay.
func (e *Engine) OnEscalate(fn func(types.Alert)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEscalate = fn
}

// Start schedules periodic retention sweeps.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.sweepTimer = e.clock.AfterFunc(e.opts.SweepInterval, e.sweepTick)
}

// Stop cancels the sweep timer and pending escalations. Retained alerts are kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	if e.sweepTimer != nil {
		e.sweepTimer.Stop()
		e.sweepTimer = nil
	}
	e.mu.Unlock()
	e.escalation.Stop()
}

func (e *Engine) sweepTick() {
	e.Sweep()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.sweepTimer = e.clock.AfterFunc(e.opts.SweepInterval, e.sweepTick)
	}
}

// HandleMessage decodes a raw inbound frame and ingests every alert it
// carries. Malformed frames are logged and dropped.
func (e *Engine) HandleMessage(raw []byte) error {
	frame, err := wire.Decode(raw)
	if err != nil {
		e.mu.Lock()
		e.stats.Malformed++
		e.mu.Unlock()
		e.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed message")
		return err
	}

	switch frame.Type {
	case wire.TypeBacklog:
		if frame.Dropped > 0 {
			e.mu.Lock()
			e.stats.Malformed += uint64(frame.Dropped)
			e.mu.Unlock()
			e.logger.Warn().Int("dropped", frame.Dropped).Msg("Skipping backlog items without id")
		}
		changed := 0
		for _, a := range frame.Alerts {
			if e.Ingest(a) {
				changed++
			}
		}
		e.logger.Info().
			Int("received", len(frame.Alerts)).
			Int("changed", changed).
			Msg("Backlog reconciled")
	case wire.TypeAlert:
		for _, a := range frame.Alerts {
			e.Ingest(a)
		}
	}
	return nil
}

// Ingest applies a delivered alert and reports whether the retained set
// changed. Unknown ids are inserted; known ids only accept copies whose
// status is equal or later, so redelivery never moves an alert backwards.
// Fields a redelivered copy leaves empty keep their retained values. An
// alert without createdAt is stamped with its receive time.
func (e *Engine) Ingest(a types.Alert) bool {
	if !a.Valid() {
		e.logger.Warn().Msg("Ignoring alert without id")
		return false
	}
	a = a.Clone()
	a.Status = a.Status.Normalize()
	now := e.clock.Now()

	e.mu.Lock()
	e.stats.Ingested++
	existing, ok := e.alerts[a.ID]
	switch {
	case !ok:
		if _, evicted := e.tombstones[a.ID]; evicted {
			e.stats.Ignored++
			e.mu.Unlock()
			e.logger.Debug().Str("alert_id", a.ID).Msg("Ignoring redelivery of evicted alert")
			return false
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if e.tooOld(a, now) {
			e.stats.Ignored++
			e.mu.Unlock()
			e.logger.Debug().Str("alert_id", a.ID).Time("created_at", a.CreatedAt).Msg("Ignoring alert older than retention")
			return false
		}
		e.alerts[a.ID] = a
		e.enqueueLocked(Change{Kind: ChangeAdded, Alert: alertPtr(a)})
		if a.Status == types.StatusNew {
			e.escalation.StartEscalation(a)
		}
		e.evictLocked(now)
		e.logger.Info().
			Str("alert_id", a.ID).
			Str("category", string(a.Category)).
			Str("priority", string(a.Priority)).
			Str("status", string(a.Status)).
			Msg("Alert received")

	case a.Status.Rank() < existing.Status.Rank():
		e.stats.Ignored++
		e.mu.Unlock()
		e.logger.Debug().
			Str("alert_id", a.ID).
			Str("status", string(a.Status)).
			Str("retained_status", string(existing.Status)).
			Msg("Ignoring stale redelivery")
		return false

	default:
		a = merge(existing, a)
		if a.Equal(existing) {
			e.stats.Ignored++
			e.mu.Unlock()
			return false
		}
		e.alerts[a.ID] = a
		e.enqueueLocked(Change{Kind: ChangeUpdated, Alert: alertPtr(a)})
		if a.Status != types.StatusNew {
			e.escalation.CancelEscalation(a.ID)
		}
		e.logger.Info().
			Str("alert_id", a.ID).
			Str("status", string(a.Status)).
			Str("assignee", a.Assignee).
			Msg("Alert updated from source")
	}
	e.mu.Unlock()
	e.flush()
	return true
}

// Acknowledge moves a New alert to Acknowledged and records the actor. Local
// state is authoritative: a failed upstream notification is returned as a
// NotifyFailed error but the transition is kept.
func (e *Engine) Acknowledge(alertID, actorID string) error {
	e.mu.Lock()
	a, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return vigilerr.New(vigilerr.CodeNotFound, fmt.Sprintf("alert %s", alertID), nil)
	}
	if a.Status != types.StatusNew {
		e.mu.Unlock()
		return vigilerr.New(vigilerr.CodeInvalidTransition, fmt.Sprintf("alert %s is already %s", alertID, a.Status), nil)
	}
	a.Status = types.StatusAcknowledged
	a.Assignee = actorID
	e.alerts[alertID] = a
	e.enqueueLocked(Change{Kind: ChangeUpdated, Alert: alertPtr(a)})
	e.escalation.CancelEscalation(alertID)
	e.mu.Unlock()
	e.flush()

	e.logger.Info().Str("alert_id", alertID).Str("actor", actorID).Msg("Alert acknowledged")
	return e.notify(wire.TypeAcknowledge, alertID, actorID)
}

// Resolve closes an alert. Resolving directly from New is allowed and marks
// a locally closed false alarm.
func (e *Engine) Resolve(alertID, actorID string) error {
	e.mu.Lock()
	a, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return vigilerr.New(vigilerr.CodeNotFound, fmt.Sprintf("alert %s", alertID), nil)
	}
	if a.Status == types.StatusResolved {
		e.mu.Unlock()
		return vigilerr.New(vigilerr.CodeInvalidTransition, fmt.Sprintf("alert %s is already resolved", alertID), nil)
	}
	falseAlarm := a.Status == types.StatusNew
	a.Status = types.StatusResolved
	e.alerts[alertID] = a
	e.enqueueLocked(Change{Kind: ChangeUpdated, Alert: alertPtr(a)})
	e.escalation.CancelEscalation(alertID)
	e.mu.Unlock()
	e.flush()

	e.logger.Info().
		Str("alert_id", alertID).
		Str("actor", actorID).
		Bool("false_alarm", falseAlarm).
		Msg("Alert resolved")
	return e.notify(wire.TypeResolve, alertID, actorID)
}

func (e *Engine) notify(kind, alertID, actorID string) error {
	e.mu.RLock()
	sender := e.sender
	e.mu.RUnlock()
	if sender == nil {
		return nil
	}

	msg, err := wire.EncodeControl(wire.Control{Type: kind, AlertID: alertID, ActorID: actorID, At: e.clock.Now()})
	if err != nil {
		return vigilerr.New(vigilerr.CodeNotifyFailed, "encode control message", err)
	}
	if err := sender.Send(msg); err != nil {
		e.logger.Warn().
			Err(err).
			Str("alert_id", alertID).
			Str("type", kind).
			Msg("Failed to notify source, local state kept")
		return vigilerr.New(vigilerr.CodeNotifyFailed, fmt.Sprintf("notify source of %s for %s", kind, alertID), err)
	}
	return nil
}

// Reconcile asks the source for its full backlog. Replies flow through
// HandleMessage like any live message.
func (e *Engine) Reconcile() error {
	e.mu.RLock()
	sender := e.sender
	retained := len(e.alerts)
	e.mu.RUnlock()
	if sender == nil {
		return nil
	}
	e.logger.Info().Int("retained", retained).Msg("Requesting backlog from source")
	if err := sender.Send(wire.SyncRequest(e.clock.Now())); err != nil {
		return fmt.Errorf("request backlog: %w", err)
	}
	return nil
}

// Get returns a single retained alert.
func (e *Engine) Get(alertID string) (types.Alert, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.alerts[alertID]
	if !ok {
		return types.Alert{}, vigilerr.New(vigilerr.CodeNotFound, fmt.Sprintf("alert %s", alertID), nil)
	}
	return a.Clone(), nil
}

// Snapshot returns the retained set ordered by priority desc, createdAt desc.
func (e *Engine) Snapshot() []types.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() []types.Alert {
	out := make([]types.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return types.Less(out[i], out[j]) })
	return out
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.stats
	s.Retained = len(e.alerts)
	return s
}

// Subscribe registers fn and immediately queues a full snapshot for it.
// Every later change is delivered after that snapshot, in apply order.
func (e *Engine) Subscribe(fn func(Change)) string {
	sub := &subscription{id: uuid.NewString(), fn: fn}

	e.mu.Lock()
	e.subs[sub.id] = sub
	e.queue = append(e.queue, delivery{
		change:  Change{Kind: ChangeSnapshot, Seq: e.seq, Alerts: e.snapshotLocked()},
		targets: []*subscription{sub},
	})
	e.mu.Unlock()

	e.logger.Debug().Str("subscription", sub.id).Msg("Subscriber added")
	e.flush()
	return sub.id
}

// Unsubscribe removes a subscriber. Unknown or already removed ids are ignored.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		sub.closed.Store(true)
		delete(e.subs, id)
	}
	e.mu.Unlock()
	if ok {
		e.logger.Debug().Str("subscription", id).Msg("Subscriber removed")
	}
}

// Sweep applies the retention bounds now.
func (e *Engine) Sweep() {
	e.mu.Lock()
	e.evictLocked(e.clock.Now())
	e.mu.Unlock()
	e.flush()
}

func (e *Engine) tooOld(a types.Alert, now time.Time) bool {
	return e.opts.RetentionMaxAge > 0 && now.Sub(a.CreatedAt) > e.opts.RetentionMaxAge
}

// merge overlays a delivered copy on the retained alert. Status comes from
// the copy; every other field only replaces the retained one when set.
func merge(existing, delivered types.Alert) types.Alert {
	out := existing.Clone()
	out.Status = delivered.Status
	if delivered.Category != "" {
		out.Category = delivered.Category
	}
	if delivered.Priority != "" {
		out.Priority = delivered.Priority
	}
	if delivered.Title != "" {
		out.Title = delivered.Title
	}
	if delivered.Description != "" {
		out.Description = delivered.Description
	}
	if delivered.Location != nil {
		out.Location = delivered.Location
	}
	if !delivered.CreatedAt.IsZero() {
		out.CreatedAt = delivered.CreatedAt
	}
	if delivered.Assignee != "" {
		out.Assignee = delivered.Assignee
	}
	return out
}

// evictLocked drops alerts past the age bound, then trims to the count
// bound. Resolved alerts always go first, oldest first.
func (e *Engine) evictLocked(now time.Time) {
	var expired []types.Alert
	for _, a := range e.alerts {
		if e.tooOld(a, now) {
			expired = append(expired, a)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return evictBefore(expired[i], expired[j]) })
	for _, a := range expired {
		e.evictOneLocked(a, "age")
	}

	if e.opts.RetentionMax <= 0 || len(e.alerts) <= e.opts.RetentionMax {
		return
	}
	candidates := make([]types.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool { return evictBefore(candidates[i], candidates[j]) })
	for _, a := range candidates {
		if len(e.alerts) <= e.opts.RetentionMax {
			break
		}
		e.evictOneLocked(a, "count")
	}
}

func evictBefore(a, b types.Alert) bool {
	ar, br := a.Status == types.StatusResolved, b.Status == types.StatusResolved
	if ar != br {
		return ar
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (e *Engine) evictOneLocked(a types.Alert, reason string) {
	delete(e.alerts, a.ID)
	e.escalation.CancelEscalation(a.ID)
	e.tombstones[a.ID] = struct{}{}
	e.tombOrder = append(e.tombOrder, a.ID)
	limit := 2 * e.opts.RetentionMax
	if limit < minTombstones {
		limit = minTombstones
	}
	for len(e.tombOrder) > limit {
		delete(e.tombstones, e.tombOrder[0])
		e.tombOrder = e.tombOrder[1:]
	}
	e.stats.Evicted++
	e.enqueueLocked(Change{Kind: ChangeEvicted, Alert: alertPtr(a)})

	level := e.logger.Debug()
	if a.Status != types.StatusResolved {
		level = e.logger.Warn()
	}
	level.Str("alert_id", a.ID).Str("status", string(a.Status)).Str("reason", reason).Msg("Alert evicted")
}

// escalate runs from the escalation timer; it only fires the hook when the
// alert is still retained and unacknowledged.
func (e *Engine) escalate(alert types.Alert) {
	e.mu.Lock()
	current, ok := e.alerts[alert.ID]
	hook := e.onEscalate
	if !ok || current.Status != types.StatusNew || hook == nil {
		e.mu.Unlock()
		return
	}
	e.stats.Escalated++
	e.mu.Unlock()

	e.logger.Warn().
		Str("alert_id", current.ID).
		Str("priority", string(current.Priority)).
		Msg("Alert unacknowledged past escalation delay")
	hook(current.Clone())
}

func (e *Engine) enqueueLocked(c Change) {
	e.seq++
	c.Seq = e.seq
	targets := make([]*subscription, 0, len(e.subs))
	for _, s := range e.subs {
		targets = append(targets, s)
	}
	e.queue = append(e.queue, delivery{change: c, targets: targets})
}

// flush delivers queued changes outside the lock. A single goroutine
// delivers at a time so each subscriber sees changes in apply order, and
// callbacks may call back into the engine.
func (e *Engine) flush() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	for len(e.queue) > 0 {
		d := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		for _, sub := range d.targets {
			if sub.closed.Load() {
				continue
			}
			e.deliver(sub, d.change)
		}
		e.mu.Lock()
	}
	e.flushing = false
	e.mu.Unlock()
}

func (e *Engine) deliver(sub *subscription, c Change) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("subscription", sub.id).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()
	sub.fn(c)
}

func alertPtr(a types.Alert) *types.Alert {
	c := a.Clone()
	return &c
}

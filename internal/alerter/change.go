package alerter

import (
	"sort"
	"sync"

	"github.com/vigilcore/vigil/internal/types"
)

// ChangeKind identifies what a Change carries.
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeAdded    ChangeKind = "added"
	ChangeUpdated  ChangeKind = "updated"
	ChangeEvicted  ChangeKind = "evicted"
)

// Change is delivered to subscribers. A snapshot carries Alerts; every
// other kind carries the affected Alert. Seq increases with every change
// the engine applies; a snapshot carries the Seq of the last change it
// already includes.
type Change struct {
	Seq    uint64        `json:"seq"`
	Kind   ChangeKind    `json:"kind"`
	Alert  *types.Alert  `json:"alert,omitempty"`
	Alerts []types.Alert `json:"alerts,omitempty"`
}

// View is a subscriber-side copy of the retained set built from Changes.
type View struct {
	mu     sync.RWMutex
	alerts map[string]types.Alert
	seq    uint64
}

// NewView returns an empty view.
func NewView() *View {
	return &View{alerts: make(map[string]types.Alert)}
}

// Apply folds c into the view.
func (v *View) Apply(c Change) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch c.Kind {
	case ChangeSnapshot:
		v.alerts = make(map[string]types.Alert, len(c.Alerts))
		for _, a := range c.Alerts {
			v.alerts[a.ID] = a.Clone()
		}
	case ChangeAdded, ChangeUpdated:
		if c.Alert != nil {
			v.alerts[c.Alert.ID] = c.Alert.Clone()
		}
	case ChangeEvicted:
		if c.Alert != nil {
			delete(v.alerts, c.Alert.ID)
		}
	}
	v.seq = c.Seq
}

// Alerts returns the view ordered like Engine.Snapshot.
func (v *View) Alerts() []types.Alert {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]types.Alert, 0, len(v.alerts))
	for _, a := range v.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return types.Less(out[i], out[j]) })
	return out
}

// Seq returns the sequence number of the last applied change.
func (v *View) Seq() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seq
}

// SnapshotFunc adapts a full-snapshot callback into a subscriber: fn
// receives the complete ordered set after every change.
func SnapshotFunc(fn func([]types.Alert)) func(Change) {
	view := NewView()
	return func(c Change) {
		view.Apply(c)
		fn(view.Alerts())
	}
}

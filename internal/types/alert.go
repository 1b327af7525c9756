package types

import "time"

// Category classifies an alert. Unknown values from the source are kept
// verbatim and rank below every known category.
type Category string

const (
	CategoryEmergency   Category = "emergency"
	CategoryIncident    Category = "incident"
	CategoryInformation Category = "information"
)

// Rank orders categories; higher is more urgent.
func (c Category) Rank() int {
	switch c {
	case CategoryEmergency:
		return 3
	case CategoryIncident:
		return 2
	case CategoryInformation:
		return 1
	default:
		return 0
	}
}

// Priority of an alert. Unknown values rank below Low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Status is the alert lifecycle state. It only ever moves forward:
// new -> acknowledged -> resolved.
type Status string

const (
	StatusNew          Status = "new"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank as new.
func (s Status) Rank() int {
	switch s {
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	default:
		return 0
	}
}

// Normalize maps unknown or empty statuses to StatusNew.
func (s Status) Normalize() Status {
	switch s {
	case StatusNew, StatusAcknowledged, StatusResolved:
		return s
	default:
		return StatusNew
	}
}

// Location is an optional coordinate attached to an alert.
type Location struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Label string  `json:"label,omitempty"`
}

// Alert is the unit of operational information tracked by the engine.
type Alert struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Priority    Priority  `json:"priority"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    *Location `json:"location,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      Status    `json:"status"`
	Assignee    string    `json:"assignee,omitempty"`
}

// Valid reports whether the alert can be retained.
func (a Alert) Valid() bool {
	return a.ID != ""
}

// Clone returns a deep copy so callers never share the Location pointer.
func (a Alert) Clone() Alert {
	if a.Location != nil {
		loc := *a.Location
		a.Location = &loc
	}
	return a
}

// Equal reports whether two alerts carry identical content.
func (a Alert) Equal(b Alert) bool {
	if a.ID != b.ID || a.Category != b.Category || a.Priority != b.Priority ||
		a.Title != b.Title || a.Description != b.Description ||
		!a.CreatedAt.Equal(b.CreatedAt) || a.Status != b.Status || a.Assignee != b.Assignee {
		return false
	}
	if (a.Location == nil) != (b.Location == nil) {
		return false
	}
	return a.Location == nil || *a.Location == *b.Location
}

// Less orders alerts by priority desc, then createdAt desc, then id for a
// stable result.
func Less(a, b Alert) bool {
	if pa, pb := a.Priority.Rank(), b.Priority.Rank(); pa != pb {
		return pa > pb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

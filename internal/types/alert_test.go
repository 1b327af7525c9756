package types

import (
	"sort"
	"testing"
	"time"
)

func TestRanks(t *testing.T) {
	cases := []struct {
		name string
		got  int
		want int
	}{
		{"priority_high", PriorityHigh.Rank(), 3},
		{"priority_low", PriorityLow.Rank(), 1},
		{"priority_unknown_below_low", Priority("critical-plus").Rank(), 0},
		{"category_emergency", CategoryEmergency.Rank(), 3},
		{"category_unknown", Category("weather").Rank(), 0},
		{"status_resolved", StatusResolved.Rank(), 2},
		{"status_unknown_as_new", Status("pending").Rank(), 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Errorf("got %d, want %d", c.got, c.want)
			}
		})
	}
}

func TestStatusNormalize(t *testing.T) {
	if got := Status("").Normalize(); got != StatusNew {
		t.Errorf("empty: got %q, want %q", got, StatusNew)
	}
	if got := StatusAcknowledged.Normalize(); got != StatusAcknowledged {
		t.Errorf("acknowledged: got %q", got)
	}
}

func TestLessOrdering(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alerts := []Alert{
		{ID: "low", Priority: PriorityLow, CreatedAt: base},
		{ID: "high-old", Priority: PriorityHigh, CreatedAt: base},
		{ID: "medium", Priority: PriorityMedium, CreatedAt: base},
		{ID: "high-new", Priority: PriorityHigh, CreatedAt: base.Add(time.Minute)},
		{ID: "odd", Priority: Priority("x"), CreatedAt: base.Add(time.Hour)},
	}
	sort.Slice(alerts, func(i, j int) bool { return Less(alerts[i], alerts[j]) })

	want := []string{"high-new", "high-old", "medium", "low", "odd"}
	for i, id := range want {
		if alerts[i].ID != id {
			t.Fatalf("position %d: got %q, want %q", i, alerts[i].ID, id)
		}
	}
}

func TestCloneAndEqual(t *testing.T) {
	a := Alert{ID: "A1", Location: &Location{Lat: 1, Lon: 2, Label: "Gate 3"}}
	b := a.Clone()
	if !a.Equal(b) {
		t.Fatal("clone should be equal")
	}
	b.Location.Label = "Gate 4"
	if a.Location.Label != "Gate 3" {
		t.Error("clone shares Location with original")
	}
	if a.Equal(b) {
		t.Error("expected location change to break equality")
	}
}

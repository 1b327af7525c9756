package activity

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/clock"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, debounce time.Duration) (*Tracker, *clock.Fake, *[]time.Time) {
	t.Helper()
	clk := clock.NewFake(epoch)
	tr := NewTracker(debounce, clk, zerolog.Nop())
	var published []time.Time
	tr.OnActivity(func(at time.Time) { published = append(published, at) })
	t.Cleanup(tr.Close)
	return tr, clk, &published
}

func TestFirstEventIsPublishedImmediately(t *testing.T) {
	tr, _, published := newTracker(t, 500*time.Millisecond)

	if !tr.LastActivity().IsZero() {
		t.Fatalf("last activity before any event: got %v, want zero", tr.LastActivity())
	}
	tr.RecordActivity()
	if got := tr.LastActivity(); !got.Equal(epoch) {
		t.Errorf("last activity: got %v, want %v", got, epoch)
	}
	if len(*published) != 1 {
		t.Errorf("published: got %d, want 1", len(*published))
	}
}

func TestBurstCollapsesIntoTrailingUpdate(t *testing.T) {
	tr, clk, published := newTracker(t, 500*time.Millisecond)

	tr.RecordActivity()
	for i := 0; i < 20; i++ {
		clk.Advance(10 * time.Millisecond)
		tr.RecordActivity()
	}
	if got := tr.LastActivity(); !got.Equal(epoch) {
		t.Fatalf("last activity inside window: got %v, want %v", got, epoch)
	}

	clk.Advance(300 * time.Millisecond)
	want := epoch.Add(200 * time.Millisecond)
	if got := tr.LastActivity(); !got.Equal(want) {
		t.Errorf("last activity after window: got %v, want %v", got, want)
	}
	if len(*published) != 2 {
		t.Errorf("published: got %d, want 2", len(*published))
	}
	raw, updates := tr.Counts()
	if raw != 21 || updates != 2 {
		t.Errorf("counts: got raw=%d updates=%d, want 21 and 2", raw, updates)
	}
}

func TestQuietWindowClosesWithoutUpdate(t *testing.T) {
	tr, clk, published := newTracker(t, 500*time.Millisecond)

	tr.RecordActivity()
	clk.Advance(time.Second)
	if len(*published) != 1 {
		t.Fatalf("published: got %d, want 1", len(*published))
	}
	if got := clk.Pending(); got != 0 {
		t.Errorf("pending timers after quiet window: got %d, want 0", got)
	}

	tr.RecordActivity()
	if got := tr.LastActivity(); !got.Equal(epoch.Add(time.Second)) {
		t.Errorf("leading edge after quiet window: got %v", got)
	}
}

func TestUpdateRateIsBounded(t *testing.T) {
	tr, clk, _ := newTracker(t, 100*time.Millisecond)

	for i := 0; i < 1000; i++ {
		tr.RecordActivity()
		clk.Advance(time.Millisecond)
	}
	clk.Advance(time.Second)

	_, updates := tr.Counts()
	if updates > 11 {
		t.Errorf("updates: got %d, want at most 11 for one second of input", updates)
	}
	if got, want := tr.LastActivity(), epoch.Add(999*time.Millisecond); !got.Equal(want) {
		t.Errorf("last activity: got %v, want %v", got, want)
	}
}

func TestNegativeDebouncePublishesEveryEvent(t *testing.T) {
	tr, clk, published := newTracker(t, -1)
	for i := 0; i < 3; i++ {
		tr.RecordActivity()
		clk.Advance(time.Millisecond)
	}
	if len(*published) != 3 {
		t.Errorf("published: got %d, want 3", len(*published))
	}
}

func TestCloseStopsPublishing(t *testing.T) {
	tr, clk, published := newTracker(t, 500*time.Millisecond)
	tr.RecordActivity()
	tr.RecordActivity()
	tr.Close()
	clk.Advance(time.Second)
	tr.RecordActivity()

	if len(*published) != 1 {
		t.Errorf("published: got %d, want 1", len(*published))
	}
}

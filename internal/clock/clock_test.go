package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var order []string

	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("got %v, want [a b]", order)
	}
	if c.Pending() != 1 {
		t.Errorf("pending: got %d, want 1", c.Pending())
	}

	c.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("got %v, want [a b c]", order)
	}
}

func TestFakeCallbackSeesItsDeadline(t *testing.T) {
	c := NewFake(epoch)
	var seen time.Time
	c.AfterFunc(1500*time.Millisecond, func() { seen = c.Now() })

	c.Advance(10 * time.Second)
	if want := epoch.Add(1500 * time.Millisecond); !seen.Equal(want) {
		t.Errorf("callback time: got %v, want %v", seen, want)
	}
	if want := epoch.Add(10 * time.Second); !c.Now().Equal(want) {
		t.Errorf("now: got %v, want %v", c.Now(), want)
	}
}

func TestFakeRescheduleWithinWindow(t *testing.T) {
	c := NewFake(epoch)
	fired := 0
	var tick func()
	tick = func() {
		fired++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(5 * time.Second)
	if fired != 5 {
		t.Errorf("fired: got %d, want 5", fired)
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected first Stop to report true")
	}
	if timer.Stop() {
		t.Error("expected second Stop to report false")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

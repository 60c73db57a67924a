package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("expected no fire before deadline, got %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected 1 fire at deadline, got %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected 0 pending timers, got %d", c.PendingCount())
	}
}

func TestFakeChainedTimersSeeScheduledTime(t *testing.T) {
	c := Fake(epoch)
	var seen []time.Duration

	var tick func()
	tick = func() {
		seen = append(seen, c.Now().Sub(epoch))
		if len(seen) < 3 {
			c.AfterFunc(100*time.Millisecond, tick)
		}
	}
	c.AfterFunc(100*time.Millisecond, tick)

	c.Advance(time.Second)

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(seen) != len(want) {
		t.Fatalf("expected %d ticks, got %d", len(want), len(seen))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("tick %d: expected %v, got %v", i, want[i], seen[i])
		}
	}
	if got := c.Now().Sub(epoch); got != time.Second {
		t.Errorf("expected clock at 1s, got %v", got)
	}
}

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })

	c.Advance(time.Second)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected [a b c], got %v", order)
	}
}

func TestFakeAdvanceFromCallbackNeverRewinds(t *testing.T) {
	c := Fake(epoch)
	c.AfterFunc(90*time.Millisecond, func() { c.Advance(50 * time.Millisecond) })

	c.Advance(100 * time.Millisecond)
	if got := c.Now().Sub(epoch); got != 140*time.Millisecond {
		t.Errorf("expected clock at 140ms, got %v", got)
	}
}

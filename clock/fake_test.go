package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_NowStandsStill(t *testing.T) {
	c := Fake(epoch)
	if !c.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", c.Now(), epoch)
	}
	c.Advance(3 * time.Second)
	if got := c.Now().Sub(epoch); got != 3*time.Second {
		t.Errorf("Now() advanced by %v, want 3s", got)
	}
}

func TestFakeClock_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	select {
	case <-c.Registered():
	default:
		t.Fatal("Expected registration notification")
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("Waiter fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, epoch.Add(5*time.Second))
		}
	default:
		t.Fatal("Waiter did not fire at its deadline")
	}

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeClock_AfterNonPositiveIsImmediate(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
	select {
	case <-c.Registered():
		t.Fatal("After(0) should not register a waiter")
	default:
	}
}

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	late := c.After(10 * time.Second)
	early := c.After(2 * time.Second)

	c.Advance(time.Second)
	if c.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", c.Pending())
	}

	c.Advance(time.Second)
	select {
	case <-early:
	default:
		t.Fatal("early waiter should have fired")
	}
	select {
	case <-late:
		t.Fatal("late waiter fired too soon")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-late:
	default:
		t.Fatal("late waiter should have fired")
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	if c.Now().Before(before) {
		t.Error("Real().Now() went backwards")
	}
	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("Real().After did not fire")
	}
}

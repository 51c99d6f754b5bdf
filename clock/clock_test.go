package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	timer := c.NewTimer(5 * time.Second)

	select {
	case <-timer.C():
		t.Fatal("timer fired before advance")
	default:
	}

	c.Advance(3 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(2 * time.Second)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after deadline reached")
	}
}

func TestFakeAdvanceFiresMultipleTimers(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	late := c.NewTimer(10 * time.Second)
	early := c.NewTimer(2 * time.Second)

	c.Advance(20 * time.Second)

	select {
	case <-early.C():
	default:
		t.Fatal("early timer should have fired")
	}
	select {
	case <-late.C():
	default:
		t.Fatal("late timer should have fired")
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	timer := c.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("Stop on an active timer should return true")
	}

	c.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer must not fire")
	default:
	}
}

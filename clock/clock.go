// Package clock provides an injectable, monotonic time source so that
// scheduler tests can advance virtual time deterministically instead of
// sleeping on the wall clock. The future and limiter packages do not take
// a Clock: their timed waits run on the wall clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used throughout the scheduler. Now returns a
// monotonic instant; NewTimer produces a timer whose fire time is computed
// against that instant, so a Fake clock can control both.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer the scheduler needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// System is the production Clock, backed directly by the time package.
type System struct{}

// New returns the production Clock.
func New() Clock { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) C() <-chan time.Time      { return s.t.C }
func (s *systemTimer) Stop() bool               { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }

// Fake is a manually-advanced Clock for deterministic tests. Zero value is
// ready to use, starting at the zero time.Time (January 1, year 1, UTC).
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake returns a Fake clock set to the given start time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{c: make(chan time.Time, 1), fireAt: f.now.Add(d), active: true}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves virtual time forward by d, firing any timers whose fireAt
// has been reached, in fireAt order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	pending := f.timers[:0:0]
	remaining := f.timers[:0]
	for _, t := range f.timers {
		if t.active && !t.fireAt.After(now) {
			pending = append(pending, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	f.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].fireAt.Before(pending[j].fireAt) })
	for _, t := range pending {
		t.fire(now)
	}
}

type fakeTimer struct {
	mu     sync.Mutex
	c      chan time.Time
	fireAt time.Time
	active bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) fire(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.active = false
	select {
	case t.c <- at:
	default:
	}
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := t.active
	t.active = false
	return wasActive
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	wasActive := t.active
	t.active = true
	t.mu.Unlock()
	return wasActive
}

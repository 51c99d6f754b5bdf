package limiter

import "sync/atomic"

// waitEntry is a queued admission, carrying the Handle a caller can
// later pass to Remove plus the trampoline that actually submits the
// payload to the backing scheduler once a slot frees up.
type waitEntry struct {
	handle Handle
	admit  func()
}

// container is the per-key gate state, guarded by its owning stripe's
// mutex (never its own lock: the stripe lock already serializes access
// to every container the stripe holds; only fields safe to read outside
// that lock, like handlingTasks and removable, are atomic).
type container struct {
	maxConcurrency int
	active         int
	waiting        []waitEntry

	// handlingTasks counts active + waiting + scheduled-but-not-yet-ready
	// submissions for this key; it drives eviction.
	handlingTasks atomic.Int64

	// removable is a two-phase tentative-eviction marker: set when
	// handlingTasks drops to zero, checked (and acted on) only at the
	// next lookup of this key, never immediately, so a delete racing a
	// fresh submission can't drop live state (spec §9).
	removable atomic.Bool
}

func newContainer(maxConcurrency int) *container {
	return &container{maxConcurrency: maxConcurrency}
}

// admitOrQueueEntry reserves a free concurrency slot for entry if one is
// available, otherwise appends it to waiting. It never calls entry.admit
// itself and must be called under the owning stripe's lock; the returned
// admitNow tells the caller to run entry.admit once that lock is released.
// admit may submit to the backing scheduler and, on failure, call back into
// finishActive/decrementHandling — both of which re-lock this same stripe,
// so running admit while still holding the lock here would self-deadlock.
func (c *container) admitOrQueueEntry(entry waitEntry) (admitNow bool) {
	if c.active < c.maxConcurrency {
		c.active++
		return true
	}
	c.waiting = append(c.waiting, entry)
	return false
}

// release is called when a submitted wrapper finishes (success, failure,
// or cancellation). It frees the key's slot and, if anything is
// waiting, pops the front entry for the caller to admit — outside the
// stripe lock, since admit may itself submit to the backing scheduler.
// Must be called under the owning stripe's lock.
func (c *container) release() (next waitEntry, ok bool) {
	c.active--
	if len(c.waiting) == 0 {
		return waitEntry{}, false
	}
	next = c.waiting[0]
	c.waiting = c.waiting[1:]
	c.active++
	return next, true
}

// removeWaitingAt deletes the waiting entry at index i. Must be called
// under the owning stripe's lock.
func (c *container) removeWaitingAt(i int) {
	c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
}

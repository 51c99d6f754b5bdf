// Package limiter implements the keyed concurrency limiter: a gate in
// front of a *scheduler.PriorityScheduler that bounds how many
// in-flight tasks may share the same user-chosen key at once, queuing
// the rest rather than blocking the submitter.
package limiter

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shreyask/prioq/future"
	"github.com/shreyask/prioq/logx"
	"github.com/shreyask/prioq/scheduler"
)

// ErrBadArgument mirrors scheduler.ErrBadArgument for a nil payload.
var ErrBadArgument = errors.New("limiter: bad argument")

// DefaultStripeCount is the default number of stripes a KeyedLimiter
// shards its key space across, matching the "4 to 64 stripes" range
// threadly's expectedParallelism constructor documents.
const DefaultStripeCount = 16

// Handle identifies a submission still waiting for an admission slot.
// Distinct from scheduler.Handle: a waiting entry has not yet been
// handed to the backing scheduler, so it has no scheduler-assigned
// identity yet.
type Handle struct{ id uint64 }

// Option configures a KeyedLimiter at construction.
type Option func(*config)

type config struct {
	stripeCount int
	log         *logx.Logger
}

func defaultConfig() *config {
	return &config{stripeCount: DefaultStripeCount}
}

// WithStripeCount overrides the number of shards the key space is split
// across; rounded up to a power of two. Governs contention, not
// correctness.
func WithStripeCount(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.stripeCount = n
		}
	}
}

// WithLogger attaches a logger for swallowed-callback-panic diagnostics,
// forwarded to every future this limiter creates.
func WithLogger(l *logx.Logger) Option {
	return func(c *config) { c.log = l }
}

// KeyedLimiter bounds concurrent executions per key on top of a shared
// backing scheduler. The zero value is not usable; construct with New.
type KeyedLimiter struct {
	sched          *scheduler.PriorityScheduler
	maxConcurrency int
	stripes        []*stripe
	log            *logx.Logger
	ids            atomic.Uint64
}

// New constructs a KeyedLimiter enforcing maxConcurrencyPerKey concurrent
// executions per key, submitting admitted work to sched.
func New(sched *scheduler.PriorityScheduler, maxConcurrencyPerKey int, opts ...Option) *KeyedLimiter {
	if maxConcurrencyPerKey < 1 {
		maxConcurrencyPerKey = 1
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return &KeyedLimiter{
		sched:          sched,
		maxConcurrency: maxConcurrencyPerKey,
		stripes:        newStripes(cfg.stripeCount),
		log:            cfg.log,
	}
}

func (l *KeyedLimiter) nextID() uint64 { return l.ids.Add(1) }

// Scheduler returns the backing scheduler admitted work is ultimately
// submitted to. Exposed so executor.Service can delegate lifecycle
// calls (Shutdown, AwaitTermination, ...) through a limiter-backed
// Service to the single scheduler every key actually shares.
func (l *KeyedLimiter) Scheduler() *scheduler.PriorityScheduler { return l.sched }

// Execute runs action exactly once under key's admission gate, with no
// future.
func (l *KeyedLimiter) Execute(key string, action func(context.Context), priority scheduler.Priority) error {
	if action == nil {
		return ErrBadArgument
	}
	_, err := submitInternal[struct{}](l, key, func(ctx context.Context) (struct{}, error) {
		action(ctx)
		return struct{}{}, nil
	}, 0, priority)
	return err
}

// Submit admits fn under key's concurrency gate as soon as a slot is
// free, queuing it (not blocking the caller) if the key is saturated.
func Submit[T any](l *KeyedLimiter, key string, fn func(context.Context) (T, error), priority scheduler.Priority) (*future.Future[T], error) {
	return submitInternal[T](l, key, fn, 0, priority)
}

// Schedule is Submit with a minimum delay before the key-admission gate
// is even consulted: the delay is honored by the backing scheduler's own
// delay queue, via a zero-cost trampoline task.
func Schedule[T any](l *KeyedLimiter, key string, fn func(context.Context) (T, error), delay time.Duration, priority scheduler.Priority) (*future.Future[T], error) {
	if delay < 0 {
		return nil, ErrBadArgument
	}
	return submitInternal[T](l, key, fn, delay, priority)
}

func submitInternal[T any](l *KeyedLimiter, key string, fn func(context.Context) (T, error), delay time.Duration, priority scheduler.Priority) (*future.Future[T], error) {
	if fn == nil {
		return nil, ErrBadArgument
	}

	st := l.stripeFor(key)
	st.mu.Lock()
	c := st.getOrCreate(key, l.maxConcurrency)
	c.handlingTasks.Add(1)
	st.mu.Unlock()

	fut := future.New[T](l.log)
	h := Handle{id: l.nextID()}
	var sfHolder atomic.Pointer[future.Future[T]]
	var tfHolder atomic.Pointer[future.Future[struct{}]]

	// submitNow submits fn to the backing scheduler and wires its completion
	// back to fut, then frees the key's slot (and admits the next
	// waiter, if any) once the backing scheduler reports the run
	// finished — success, failure, or cancellation alike. If the backing
	// scheduler rejects fn, fut is failed, the slot is freed at once, and
	// the rejection is returned.
	submitNow := func() error {
		sf, err := scheduler.Submit(l.sched, fn, priority)
		if err != nil {
			fut.Fail(err)
			l.finishActive(key, c)
			return err
		}
		sfHolder.Store(sf)
		sf.OnComplete(func(r future.Result[T]) {
			defer l.finishActive(key, c)
			switch {
			case r.Cancelled:
				fut.Cancel(false)
			case r.Err != nil:
				fut.Fail(unwrapCause(r.Err))
			default:
				fut.Complete(r.Value)
			}
		})
		return nil
	}
	admit := func() { _ = submitNow() }

	enqueue := func() error {
		st.mu.Lock()
		entry := waitEntry{handle: h, admit: admit}
		admitNow := c.admitOrQueueEntry(entry)
		st.mu.Unlock()
		if admitNow {
			return submitNow()
		}
		return nil
	}

	if delay > 0 {
		trampoline := func(ctx context.Context) (struct{}, error) {
			_ = enqueue()
			return struct{}{}, nil
		}
		tf, err := scheduler.Schedule(l.sched, trampoline, delay, priority)
		if err != nil {
			l.decrementHandling(c)
			return nil, err
		}
		tfHolder.Store(tf)
	} else if err := enqueue(); err != nil {
		return nil, err
	}

	// Three phases a submission with delay > 0 passes through: (1) still
	// waiting on the scheduler's own delay queue for the trampoline to
	// fire, (2) the trampoline has fired and fn is queued in this key's
	// container, (3) sfHolder set once fn itself has been submitted.
	// RemoveFromQueue checks them latest first: sfHolder, then tfHolder,
	// then the container's waiting list. Without phase 1,
	// cancelling during the delay window would find nothing in the
	// container's waiting list yet and silently let fn run anyway.
	fut.BindControl(future.Control{
		IsRunning: func() bool {
			if sf := sfHolder.Load(); sf != nil {
				_, _, ready := sf.TryGet()
				return !ready
			}
			return false
		},
		Interrupt: func() {
			if sf := sfHolder.Load(); sf != nil {
				sf.Cancel(true)
			}
		},
		RemoveFromQueue: func() bool {
			if sf := sfHolder.Load(); sf != nil {
				return sf.Cancel(false)
			}
			if tf := tfHolder.Load(); tf != nil {
				if tf.Cancel(false) {
					l.decrementHandling(c)
					return true
				}
			}
			return l.removeWaiting(key, h)
		},
	})

	return fut, nil
}

// finishActive releases c's active slot and decrements its handling
// count, admitting the next waiter (if any) outside the stripe's lock.
// Only for a submission that actually occupied a slot (admitOrQueueEntry
// reserved one for it, or release popped it off waiting) — c is the
// exact container captured at submission time, so this never races a
// concurrent tentative-eviction of the same key.
func (l *KeyedLimiter) finishActive(key string, c *container) {
	st := l.stripeFor(key)
	st.mu.Lock()
	next, ok := c.release()
	st.mu.Unlock()
	if ok {
		next.admit()
	}
	l.decrementHandling(c)
}

// decrementHandling drops c's handling count for a submission that never
// occupied an active slot (still waiting, or failed before being
// queued), marking c tentatively removable once the count reaches zero.
// Must not be paired with container.release: that's finishActive's job.
func (l *KeyedLimiter) decrementHandling(c *container) {
	if c.handlingTasks.Add(-1) == 0 {
		c.removable.Store(true)
	}
}

// removeWaiting removes the waiting entry matching h, if still present.
func (l *KeyedLimiter) removeWaiting(key string, h Handle) bool {
	st := l.stripeFor(key)
	st.mu.Lock()
	c, ok := st.containers[key]
	if !ok {
		st.mu.Unlock()
		return false
	}
	for i, e := range c.waiting {
		if e.handle == h {
			c.removeWaitingAt(i)
			st.mu.Unlock()
			l.decrementHandling(c)
			return true
		}
	}
	st.mu.Unlock()
	return false
}

// Remove cancels a still-waiting submission across every stripe,
// returning whether any container's waiting queue held it.
func (l *KeyedLimiter) Remove(h Handle) bool {
	for _, st := range l.stripes {
		st.mu.Lock()
		for _, c := range st.containers {
			for i, e := range c.waiting {
				if e.handle == h {
					c.removeWaitingAt(i)
					st.mu.Unlock()
					l.decrementHandling(c)
					return true
				}
			}
		}
		st.mu.Unlock()
	}
	return false
}

func unwrapCause(err error) error {
	var ee *future.ExecutionError
	if errors.As(err, &ee) {
		return ee.Cause
	}
	return err
}

// KeyBoundLimiter is a projection of a KeyedLimiter pre-bound to one
// key, not a separate pool.
type KeyBoundLimiter struct {
	l   *KeyedLimiter
	key string
}

// ForKey returns a view of l pre-bound to key.
func (l *KeyedLimiter) ForKey(key string) *KeyBoundLimiter {
	return &KeyBoundLimiter{l: l, key: key}
}

func (k *KeyBoundLimiter) Execute(action func(context.Context), priority scheduler.Priority) error {
	return k.l.Execute(k.key, action, priority)
}

// Scheduler returns the backing scheduler shared by every key on k's
// KeyedLimiter. See KeyedLimiter.Scheduler.
func (k *KeyBoundLimiter) Scheduler() *scheduler.PriorityScheduler { return k.l.Scheduler() }

// SubmitBound mirrors the package-level Submit, pre-bound to k's key.
func SubmitBound[T any](k *KeyBoundLimiter, fn func(context.Context) (T, error), priority scheduler.Priority) (*future.Future[T], error) {
	return Submit(k.l, k.key, fn, priority)
}

// ScheduleBound mirrors the package-level Schedule, pre-bound to k's key.
func ScheduleBound[T any](k *KeyBoundLimiter, fn func(context.Context) (T, error), delay time.Duration, priority scheduler.Priority) (*future.Future[T], error) {
	return Schedule(k.l, k.key, fn, delay, priority)
}

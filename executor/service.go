// Package executor projects the scheduler and limiter packages behind
// one "scheduled executor service" surface, letting callers depend on a
// single Service type regardless of whether work ultimately lands on a
// plain *scheduler.PriorityScheduler or a key-gated
// *limiter.KeyBoundLimiter.
package executor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shreyask/prioq/future"
	"github.com/shreyask/prioq/limiter"
	"github.com/shreyask/prioq/scheduler"
)

// ErrBadArgument is returned for a nil action or a nil element in a
// batch passed to InvokeAll.
var ErrBadArgument = errors.New("executor: bad argument")

// ErrUnsupported is returned by a recurring-schedule call when the
// backing submitter has no notion of ready-at ordering (a
// limiter.KeyBoundLimiter queues by admission order, not delay).
var ErrUnsupported = errors.New("executor: unsupported by this backing")

// submitter is the minimal contract both a *scheduler.PriorityScheduler
// and a *limiter.KeyBoundLimiter satisfy. Submit/Schedule dispatch on
// the concrete type instead of living on this interface, since Go
// methods cannot be generic.
type submitter interface {
	Execute(action func(context.Context), priority scheduler.Priority) error
}

// schedulerOwner is implemented by any submitter that can name the
// single *scheduler.PriorityScheduler it (or every key it manages)
// ultimately shares, letting Service delegate lifecycle calls even when
// backed by a limiter.
type schedulerOwner interface {
	Scheduler() *scheduler.PriorityScheduler
}

// Option configures a Service at construction.
type Option func(*config)

type config struct {
	defaultPriority scheduler.Priority
}

func defaultConfig() *config {
	return &config{defaultPriority: scheduler.Low}
}

// WithDefaultPriority sets the priority every Service submission uses
// (Execute, Submit, SubmitValue, Schedule, the recurring schedules and
// InvokeAll; none of them takes a priority argument). Defaults to
// scheduler.Low.
func WithDefaultPriority(p scheduler.Priority) Option {
	return func(c *config) { c.defaultPriority = p }
}

// Service is a thin adapter over a submitter, matching the shape of a
// classic scheduled executor service: Execute/Submit/Schedule plus
// batch (InvokeAll) and lifecycle (Shutdown family) operations. The
// zero value is not usable; construct with New.
type Service struct {
	backing         submitter
	life            *scheduler.PriorityScheduler
	defaultPriority scheduler.Priority
}

// New wraps backing (a *scheduler.PriorityScheduler or a
// *limiter.KeyBoundLimiter) in a Service. Lifecycle calls (Shutdown,
// AwaitTermination, ...) resolve to the scheduler backing ultimately
// shares, even when backing is a KeyBoundLimiter view onto one.
func New(backing submitter, opts ...Option) *Service {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	s := &Service{backing: backing, defaultPriority: cfg.defaultPriority}
	switch b := backing.(type) {
	case *scheduler.PriorityScheduler:
		s.life = b
	case schedulerOwner:
		s.life = b.Scheduler()
	}
	return s
}

// Execute runs action exactly once, at the Service's default priority,
// with no future.
func (s *Service) Execute(action func(context.Context)) error {
	if action == nil {
		return ErrBadArgument
	}
	return s.backing.Execute(action, s.defaultPriority)
}

// Submit dispatches fn to s's backing, returning its future.
func Submit[T any](s *Service, fn func(context.Context) (T, error)) (*future.Future[T], error) {
	return dispatch(s, fn, 0)
}

// SubmitValue mirrors Submit for actions with no meaningful return value.
func SubmitValue(s *Service, action func(context.Context) error) (*future.Future[struct{}], error) {
	if action == nil {
		return nil, ErrBadArgument
	}
	return Submit(s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
}

// Schedule is Submit with a minimum delay before fn becomes eligible to
// run (and, for a limiter-backed Service, before its key-admission gate
// is even consulted).
func Schedule[T any](s *Service, fn func(context.Context) (T, error), delay time.Duration) (*future.Future[T], error) {
	if delay < 0 {
		return nil, ErrBadArgument
	}
	return dispatch(s, fn, delay)
}

func dispatch[T any](s *Service, fn func(context.Context) (T, error), delay time.Duration) (*future.Future[T], error) {
	if fn == nil {
		return nil, ErrBadArgument
	}
	switch b := s.backing.(type) {
	case *scheduler.PriorityScheduler:
		if delay > 0 {
			return scheduler.Schedule(b, fn, delay, s.defaultPriority)
		}
		return scheduler.Submit(b, fn, s.defaultPriority)
	case *limiter.KeyBoundLimiter:
		if delay > 0 {
			return limiter.ScheduleBound(b, fn, delay, s.defaultPriority)
		}
		return limiter.SubmitBound(b, fn, s.defaultPriority)
	default:
		return nil, ErrUnsupported
	}
}

// ScheduleWithFixedDelay runs action repeatedly, re-queuing with
// ready-at = completion_time + delay after each run. Only supported when
// the Service is backed directly by a *scheduler.PriorityScheduler: a
// key-gated backing has no single ready-at ordering to recur against.
func (s *Service) ScheduleWithFixedDelay(action func(context.Context) error, initial, delay time.Duration) (*future.Future[struct{}], error) {
	sched, ok := s.backing.(*scheduler.PriorityScheduler)
	if !ok {
		return nil, ErrUnsupported
	}
	return sched.ScheduleWithFixedDelay(action, initial, delay, s.defaultPriority)
}

// ScheduleAtFixedRate runs action repeatedly at a drift-free cadence.
// Same backing restriction as ScheduleWithFixedDelay.
func (s *Service) ScheduleAtFixedRate(action func(context.Context) error, initial, period time.Duration) (*future.Future[struct{}], error) {
	sched, ok := s.backing.(*scheduler.PriorityScheduler)
	if !ok {
		return nil, ErrUnsupported
	}
	return sched.ScheduleAtFixedRate(action, initial, period, s.defaultPriority)
}

// InvokeAll submits every task in order, then blocks until all complete or
// the first task fails, whichever comes first. Unlike the teacher's
// WorkerPool.Process, which fans a task slice out over a bounded worker
// set and joins raw results, this joins already-submitted futures: every
// task is handed to the backing submitter up front (subject to its own
// admission/concurrency limits), and errgroup here only supplies the
// fail-fast join and context propagation.
func InvokeAll[T any](ctx context.Context, s *Service, tasks []func(context.Context) (T, error)) ([]*future.Future[T], error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	futs := make([]*future.Future[T], len(tasks))
	for i, task := range tasks {
		if task == nil {
			return nil, ErrBadArgument
		}
		fut, err := Submit(s, task)
		if err != nil {
			return nil, err
		}
		futs[i] = fut
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fut := range futs {
		fut := fut
		g.Go(func() error {
			_, err := fut.Get(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return futs, err
	}
	return futs, nil
}

// Shutdown initiates an orderly shutdown of the backing scheduler:
// already-submitted work still runs, new submissions are rejected.
// A no-op if the Service's backing has no scheduler to shut down.
func (s *Service) Shutdown() {
	if s.life != nil {
		s.life.Shutdown()
	}
}

// ShutdownNow stops the backing scheduler immediately, returning
// handles for tasks that were still pending. Returns nil if the
// Service's backing has no scheduler to shut down.
func (s *Service) ShutdownNow() []scheduler.Handle {
	if s.life == nil {
		return nil
	}
	return s.life.ShutdownNow()
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (s *Service) IsShutdown() bool {
	return s.life != nil && s.life.IsShutdown()
}

// IsTerminated reports whether every worker has exited after shutdown.
func (s *Service) IsTerminated() bool {
	return s.life != nil && s.life.IsTerminated()
}

// AwaitTermination blocks until the backing scheduler terminates or
// timeout elapses, returning whether it terminated in time.
func (s *Service) AwaitTermination(timeout time.Duration) bool {
	if s.life == nil {
		return true
	}
	return s.life.AwaitTermination(timeout)
}

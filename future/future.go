// Package future implements ListenableFuture[T], the completion handle
// returned from every scheduler and limiter submission. It supports
// blocking and timed gets, cooperative cancellation, and callback
// registration with at-most-once delivery.
package future

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/shreyask/prioq/logx"
)

// state is the future's lifecycle. Transitions are monotonic: pending may
// move to completed, failed, or cancelled; once terminal, state never
// changes again.
type state int32

const (
	pending state = iota
	completed
	failed
	cancelled
)

// ErrCancelled is returned by Get/GetTimeout when the future was cancelled
// before it completed.
var ErrCancelled = errors.New("future: cancelled")

// ErrTimeout is returned by GetTimeout when the deadline elapses while the
// future is still pending.
var ErrTimeout = errors.New("future: timed out waiting for completion")

// ErrBadArgument is returned by GetTimeout for a negative timeout.
var ErrBadArgument = errors.New("future: bad argument")

// ExecutionError wraps the error returned by a failed payload, matching
// spec's ExecutionFailure(cause).
type ExecutionError struct {
	Cause error
}

func (e *ExecutionError) Error() string { return "future: execution failed: " + e.Cause.Error() }
func (e *ExecutionError) Unwrap() error { return e.Cause }

// Result is what a registered callback receives: exactly one of Value or
// Err is meaningful, distinguished by Cancelled/Err.
type Result[T any] struct {
	Value     T
	Err       error
	Cancelled bool
}

// Future is a one-shot completion handle. The zero value is not usable;
// construct with New.
type Future[T any] struct {
	mu    sync.Mutex
	st    state
	value T
	err   error

	done chan struct{}
	cbs  []func(Result[T])

	ctrl *Control

	log *logx.Logger
}

// Control is how a scheduler wires a Future to the task record it belongs
// to, without the future needing to know the scheduler's (non-generic)
// task type. IsRunning distinguishes "still queued" from "currently
// executing" so Cancel can choose between definitive removal and
// cooperative interruption; Interrupt delivers the latter; RemoveFromQueue
// performs the former. All three may be called concurrently with the
// payload's own execution.
type Control struct {
	IsRunning       func() bool
	Interrupt       func()
	RemoveFromQueue func() bool
}

// New returns a pending Future. log may be nil (logging disabled).
func New[T any](log *logx.Logger) *Future[T] {
	return &Future[T]{done: make(chan struct{}), log: log}
}

// BindControl attaches the scheduler's task hooks. Called once, before the
// future is returned to the caller; not meant for use outside a scheduler
// implementation.
func (f *Future[T]) BindControl(c Control) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctrl = &c
}

// Complete publishes a successful result. Returns false if the future was
// already terminal (a no-op in that case). Meant for use by schedulers
// that own this future, not by ordinary callers.
func (f *Future[T]) Complete(v T) bool {
	return f.finish(completed, v, nil)
}

// Fail publishes a failed result, later surfaced via Get as an
// ExecutionError wrapping err. Meant for use by schedulers that own this
// future, not by ordinary callers.
func (f *Future[T]) Fail(err error) bool {
	return f.finish(failed, *new(T), err)
}

func (f *Future[T]) finish(st state, v T, err error) bool {
	f.mu.Lock()
	if f.st != pending {
		f.mu.Unlock()
		return false
	}
	f.st = st
	f.value = v
	f.err = err
	cbs := f.cbs
	f.cbs = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		f.invoke(cb)
	}
	return true
}

// Cancel marks the future cancelled if its task is still pending (not yet
// running) and removes it from its delay queue, returning true. If the
// task is currently running and interruptRunning is true, delivers
// cooperative interruption and returns true, though the action may still
// run to completion. If the task is running and interruptRunning is
// false, or the future is already terminal, returns false.
func (f *Future[T]) Cancel(interruptRunning bool) bool {
	f.mu.Lock()
	if f.st != pending {
		f.mu.Unlock()
		return false
	}
	ctrl := f.ctrl
	f.mu.Unlock()

	if ctrl != nil && ctrl.IsRunning != nil && ctrl.IsRunning() {
		if !interruptRunning {
			return false
		}
		if ctrl.Interrupt != nil {
			ctrl.Interrupt()
		}
		return true
	}

	f.mu.Lock()
	if f.st != pending {
		f.mu.Unlock()
		return false
	}
	f.st = cancelled
	cbs := f.cbs
	f.cbs = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		f.invoke(cb)
	}
	if ctrl != nil && ctrl.RemoveFromQueue != nil {
		ctrl.RemoveFromQueue()
	}
	return true
}

// Get blocks until the future is terminal or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.read()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns immediately: (value, err, true) if terminal, or
// (zero, nil, false) if still pending.
func (f *Future[T]) TryGet() (T, error, bool) {
	select {
	case <-f.done:
		v, err := f.read()
		return v, err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// GetTimeout blocks up to timeout for the future to terminate, returning
// ErrTimeout if it does not. timeout == 0 behaves like TryGet: a single
// non-blocking probe that returns ErrTimeout immediately if still pending.
// A negative timeout returns ErrBadArgument instead.
func (f *Future[T]) GetTimeout(timeout time.Duration) (T, error) {
	if timeout < 0 {
		var zero T
		return zero, ErrBadArgument
	}
	if timeout == 0 {
		v, err, ready := f.TryGet()
		if ready {
			return v, err
		}
		var zero T
		return zero, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.read()
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

func (f *Future[T]) read() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.st {
	case completed:
		return f.value, nil
	case failed:
		if _, ok := f.err.(*ExecutionError); ok {
			return f.value, f.err
		}
		return f.value, &ExecutionError{Cause: f.err}
	case cancelled:
		return f.value, ErrCancelled
	default:
		var zero T
		return zero, nil
	}
}

// Done returns a channel closed exactly once the future reaches a
// terminal state.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsReady reports whether the future has reached a terminal state.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// OnComplete registers cb to be invoked exactly once with the terminal
// Result. If the future is already terminal, cb runs synchronously on the
// calling goroutine; otherwise it runs on the goroutine that completes the
// future, after the future's internal lock has been released. Panics from
// cb are recovered and logged, never propagated.
func (f *Future[T]) OnComplete(cb func(Result[T])) {
	f.mu.Lock()
	if f.st == pending {
		f.cbs = append(f.cbs, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.invoke(cb)
}

func (f *Future[T]) invoke(cb func(Result[T])) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			f.log.Debug("future: callback panicked",
				logx.String("panic", toString(r)),
				logx.Stack(string(buf[:n])))
		}
	}()

	f.mu.Lock()
	st := f.st
	v := f.value
	err := f.err
	f.mu.Unlock()

	switch st {
	case completed:
		cb(Result[T]{Value: v})
	case failed:
		if ee, ok := err.(*ExecutionError); ok {
			cb(Result[T]{Err: ee})
		} else {
			cb(Result[T]{Err: &ExecutionError{Cause: err}})
		}
	case cancelled:
		cb(Result[T]{Err: ErrCancelled, Cancelled: true})
	}
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "panic"
}

package scheduler

import (
	"context"
	"sync/atomic"
)

type taskState int32

const (
	taskPending taskState = iota
	taskRunning
	taskDone
	taskCancelled
)

type recurrenceKind int

const (
	oneShot recurrenceKind = iota
	fixedDelay
	fixedRate
)

// Handle identifies a submitted task for Remove, independent of its
// concrete result type (Go generics are monomorphic, so Remove cannot be
// generic over T; Handle is the type-erased identity every task carries).
type Handle struct {
	id uint64
}

// task is the scheduler's internal, type-erased task record. Heterogeneous
// result types are represented by closing over a concretely-typed
// *future.Future[T] inside execute; the scheduler itself never needs to
// know T.
type task struct {
	id       uint64
	priority Priority
	readyAt  int64 // clock milliseconds
	sequence uint64

	recurrence recurrenceKind
	periodMs   int64

	state atomic.Int32

	// execute runs the payload for one cycle. On error it has already
	// failed the task's future. On success a one-shot task's future has
	// already been completed by the closure; a recurring task's future
	// stays pending, and onRecur below computes the next run.
	execute func(ctx context.Context) error

	// cancelFn interrupts a currently-running invocation of execute; runTask
	// sets it to the cancel func of that run's own context.
	cancelFn func()

	// failFut fails the task's own future with err. Only invoked by
	// runTask when execute panics past runPayload's recovery (a
	// scheduler-internal invariant violation), so a future is never left
	// pending forever because its worker died.
	failFut func(error)

	// index is maintained by container/heap for O(log n) removal by
	// identity.
	index int

	// onRecur, set only for recurring tasks, computes the next task to
	// re-offer after a successful run. It is nil for one-shot tasks.
	onRecur func(prev *task, ranAt int64) *task
}

func (t *task) getState() taskState   { return taskState(t.state.Load()) }
func (t *task) setState(s taskState)  { t.state.Store(int32(s)) }
func (t *task) compareAndSwapState(from, to taskState) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

func (t *task) handle() Handle { return Handle{id: t.id} }

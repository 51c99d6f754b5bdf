package scheduler

import "errors"

// ErrBadArgument is returned for nil payloads, negative delays, or
// non-positive periods. No scheduler call takes a timeout it rejects:
// AwaitTermination accepts any timeout.
var ErrBadArgument = errors.New("scheduler: bad argument")

// ErrPoolClosed is returned when submitting to a scheduler that is shut
// down or shutting down.
var ErrPoolClosed = errors.New("scheduler: pool closed")

// ErrInterrupted is returned from blocking calls interrupted by shutdown.
var ErrInterrupted = errors.New("scheduler: interrupted by shutdown")

var errAlreadyStarted = errors.New("scheduler: already started")

// errWorkerPanic is the internal error returned from a task's execute when
// an invariant violation panics inside it. runTask fails the task's own
// future with it, so Get reports it wrapped in a future.ExecutionError.
var errWorkerPanic = errors.New("scheduler: worker panic recovered")

// Package scheduler implements the PriorityScheduler: a fixed/elastic
// worker pool dispatching across three priority-ordered delay queues, with
// worker keep-alive/shutdown semantics and the ListenableFuture completion
// model from the sibling future package.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shreyask/prioq/clock"
	"github.com/shreyask/prioq/future"
	"github.com/shreyask/prioq/logx"
)

// poolState's zero value is notStarted, so a freshly constructed
// PriorityScheduler's atomic.Int32 defaults correctly without extra
// initialization.
type poolState int32

const (
	notStarted poolState = iota
	running
	shuttingDown
	terminated
)

// PriorityScheduler owns three priority-ordered delay queues and a set of
// worker goroutines that dispatch from them under a starvation-fair
// policy. The zero value is not usable; construct with New.
type PriorityScheduler struct {
	cfg *config
	clk clock.Clock

	queues [3]*delayQueue

	dispatchMu      sync.Mutex
	consecutiveHigh int
	wake            chan struct{}

	tasksMu sync.Mutex
	tasks   map[uint64]*task

	workersMu   sync.Mutex
	workerCount int

	state        atomic.Int32
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq atomic.Uint64
	ids atomic.Uint64

	log *logx.Logger
}

// New constructs a PriorityScheduler with the given options. The scheduler
// accepts submissions only after Start.
func New(opts ...Option) *PriorityScheduler {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	s := &PriorityScheduler{
		cfg:        cfg,
		clk:        clock.New(),
		wake:       make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		tasks:      make(map[uint64]*task),
		log:        cfg.log,
	}
	for i := range s.queues {
		q := newDelayQueue(s.clk)
		q.onOffer = s.signalDispatch
		s.queues[i] = q
	}
	return s
}

// WithClock overrides the scheduler's time source; intended for tests
// using clock.Fake. Must be called before Start.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) { cfg.clockOverride = c }
}

func (s *PriorityScheduler) signalDispatch() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start begins accepting submissions and launches corePoolSize workers.
// It is an error to call Start twice.
func (s *PriorityScheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(notStarted), int32(running)) {
		if poolState(s.state.Load()) == running {
			return errAlreadyStarted
		}
		return ErrPoolClosed
	}
	if s.cfg.clockOverride != nil {
		s.clk = s.cfg.clockOverride
		for _, q := range s.queues {
			q.clk = s.clk
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	for range s.cfg.corePoolSize {
		s.spawnWorker()
	}
	return nil
}

func (s *PriorityScheduler) spawnWorker() {
	s.workersMu.Lock()
	s.workerCount++
	s.workersMu.Unlock()

	s.wg.Add(1)
	go s.runWorker()
}

func (s *PriorityScheduler) workerExited() {
	s.workersMu.Lock()
	s.workerCount--
	s.workersMu.Unlock()
	s.wg.Done()
}

// maybeSpawnForNewTask starts a new worker when a task is queued and either
// fewer than corePoolSize workers exist, or all are presumably busy and
// worker count is below maxPoolSize. The pool has no direct "all busy"
// signal without extra bookkeeping, so it conservatively spawns up to
// maxPoolSize whenever there is more queued work than workers — the
// teacher's pool sizing (see DESIGN.md) does the analogous thing via its
// buffered task channel.
func (s *PriorityScheduler) maybeSpawnForNewTask() {
	s.workersMu.Lock()
	n := s.workerCount
	s.workersMu.Unlock()

	if n < s.cfg.corePoolSize {
		s.spawnWorker()
		return
	}
	if n < s.cfg.maxPoolSize && s.pendingCount() > n {
		s.spawnWorker()
	}
}

func (s *PriorityScheduler) pendingCount() int {
	total := 0
	for _, q := range s.queues {
		total += q.size()
	}
	return total
}

func (s *PriorityScheduler) runWorker() {
	defer s.workerExited()

	for {
		t, err := s.nextTask(s.ctx)
		if err != nil {
			return
		}
		if t == nil {
			// keepAlive elapsed (or the queue drained during a graceful
			// shutdown) with nothing imminently runnable: exit if this
			// worker is above corePoolSize, or the pool is shutting down
			// and has nothing left queued. Otherwise a core worker keeps
			// waiting.
			s.workersMu.Lock()
			above := s.workerCount > s.cfg.corePoolSize
			s.workersMu.Unlock()
			drained := poolState(s.state.Load()) == shuttingDown && s.pendingCount() == 0
			if above || drained {
				return
			}
			continue
		}
		s.runTask(t)
	}
}

// nextTask blocks until a task is ready to run, ctx is done, or keepAlive
// elapses with nothing imminently runnable (returning nil, nil so the
// caller can decide whether to exit or keep waiting).
func (s *PriorityScheduler) nextTask(ctx context.Context) (*task, error) {
	for {
		now := s.clk.Now().UnixMilli()
		if t := s.pickReady(now); t != nil {
			return t, nil
		}

		wait := s.cfg.keepAlive
		earliest, ok := s.earliestReadyAt()
		cappedByEarliest := false
		if ok {
			d := time.Duration(earliest-now) * time.Millisecond
			if d < 0 {
				d = 0
			}
			if d < wait {
				wait = d
				cappedByEarliest = true
			}
		}

		// Only wire in the shutdown wake when the queue is truly empty
		// (!ok): a nil channel disables its select case forever, so when
		// there's still delayed work to drain, a graceful shutdown must
		// not cut that wait short. Wiring it whenever the queue is empty
		// (not just once shutdown has already started) means a worker
		// already parked in this select gets woken the instant shutdownCh
		// closes, instead of leaving it asleep for up to keepAlive.
		var shutdownWake <-chan struct{}
		if !ok {
			shutdownWake = s.shutdownCh
		}

		timer := s.clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.wake:
			timer.Stop()
			continue
		case <-shutdownWake:
			timer.Stop()
			return nil, nil
		case <-timer.C():
			if cappedByEarliest {
				continue
			}
			return nil, nil
		}
	}
}

func (s *PriorityScheduler) earliestReadyAt() (int64, bool) {
	found := false
	var earliest int64
	for _, q := range s.queues {
		if h := q.peek(); h != nil {
			if !found || h.readyAt < earliest {
				earliest = h.readyAt
				found = true
			}
		}
	}
	return earliest, found
}

// pickReady implements the dispatch policy from spec §4.2: service High
// unless a configurable number of consecutive High dispatches have
// happened and Low has ready work, in which case force Low and reset the
// counter; Starvable only runs when both High and Low are empty-or-not-ready.
func (s *PriorityScheduler) pickReady(now int64) *task {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	highHead := s.queues[High].peek()
	lowHead := s.queues[Low].peek()
	starHead := s.queues[Starvable].peek()

	highReady := highHead != nil && highHead.readyAt <= now
	lowReady := lowHead != nil && lowHead.readyAt <= now
	starReady := starHead != nil && starHead.readyAt <= now

	forceLow := highReady && lowReady && s.consecutiveHigh >= s.cfg.highBurstLimit

	if highReady && !forceLow {
		if t := s.queues[High].takeReady(now); t != nil {
			s.consecutiveHigh++
			s.untrack(t)
			return t
		}
	}
	if lowReady {
		if t := s.queues[Low].takeReady(now); t != nil {
			s.consecutiveHigh = 0
			s.untrack(t)
			return t
		}
	}
	if starReady && !highReady && !lowReady {
		if t := s.queues[Starvable].takeReady(now); t != nil {
			s.untrack(t)
			return t
		}
	}
	return nil
}

func (s *PriorityScheduler) track(t *task) {
	s.tasksMu.Lock()
	s.tasks[t.id] = t
	s.tasksMu.Unlock()
}

func (s *PriorityScheduler) untrack(t *task) {
	s.tasksMu.Lock()
	delete(s.tasks, t.id)
	s.tasksMu.Unlock()
}

// runPayload recovers a panic from a user-supplied fn, converting it to an
// error so the payload's failure stays isolated to its own future. Same
// granularity as processWithRecovery. A panicking payload never reaches
// runTask's own recover and so never restarts a worker; only a panic
// raised inside t.execute outside runPayload (while publishing to the
// future) does that. onRecur and the re-offer run after that recovered
// section, so a panic there is not recovered by runTask.
func runPayload[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %s", panicString(r))
		}
	}()
	return fn()
}

func (s *PriorityScheduler) runTask(t *task) {
	if !t.compareAndSwapState(taskPending, taskRunning) {
		return // cancelled between dequeue and run
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	t.cancelFn = cancel
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = s.fatalWorkerPanic(r)
			}
		}()
		defer cancel()
		return t.execute(runCtx)
	}()

	if err == errWorkerPanic {
		if t.failFut != nil {
			t.failFut(err)
		}
		// Fatal to this worker: fatalWorkerPanic has already arranged a
		// replacement, so end this goroutine (runWorker's deferred
		// workerExited still runs).
		t.setState(taskDone)
		runtime.Goexit()
	}

	if err != nil && t.onRecur != nil {
		// A recurring action's error cancels the recurrence: execute has
		// already failed the future, so mark the task done and do not
		// reschedule.
		t.setState(taskDone)
		return
	}

	if t.onRecur != nil && t.getState() == taskRunning {
		next := t.onRecur(t, s.clk.Now().UnixMilli())
		if next != nil {
			t.setState(taskDone)
			s.offer(next)
			return
		}
	}

	t.compareAndSwapState(taskRunning, taskDone)
}

// fatalWorkerPanic is invoked when t.execute panics despite runPayload's
// recovery: the panic came from the scheduler's own code inside execute
// (publishing to the future), not the user payload, which runPayload
// already isolated. This is fatal to the worker but never to the pool:
// runTask ends the worker's goroutine, and a replacement worker is started
// after the restart backoff's first delay (NextDelay(0)), to avoid a
// thundering herd if the violation is systemic.
func (s *PriorityScheduler) fatalWorkerPanic(r any) error {
	s.log.Warn("scheduler: worker panic, restarting worker",
		logx.String("panic", panicString(r)))

	delay := s.cfg.restartBackoff.NextDelay(0, nil)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		select {
		case <-s.ctx.Done():
		default:
			s.spawnWorker()
		}
	}()
	return errWorkerPanic
}

func panicString(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic"
}

func (s *PriorityScheduler) nextSequence() uint64 { return s.seq.Add(1) }
func (s *PriorityScheduler) nextID() uint64       { return s.ids.Add(1) }

func (s *PriorityScheduler) offer(t *task) {
	t.setState(taskPending)
	s.track(t)
	s.queues[t.priority].offer(t)
}

// Execute runs action exactly once, at priority, with no future.
func (s *PriorityScheduler) Execute(action func(context.Context), priority Priority) error {
	if action == nil {
		return ErrBadArgument
	}
	_, err := submitInternal[struct{}](s, func(ctx context.Context) (struct{}, error) {
		action(ctx)
		return struct{}{}, nil
	}, 0, priority, oneShot, 0)
	return err
}

// Submit schedules fn to run as soon as a worker is free, returning its
// future. fn's error, if non-nil, fails the future with an ExecutionError.
func Submit[T any](s *PriorityScheduler, fn func(context.Context) (T, error), priority Priority) (*future.Future[T], error) {
	return submitInternal[T](s, fn, 0, priority, oneShot, 0)
}

// Schedule schedules fn to run no earlier than now+delay.
func Schedule[T any](s *PriorityScheduler, fn func(context.Context) (T, error), delay time.Duration, priority Priority) (*future.Future[T], error) {
	if delay < 0 {
		return nil, ErrBadArgument
	}
	return submitInternal[T](s, fn, delay, priority, oneShot, 0)
}

func submitInternal[T any](s *PriorityScheduler, fn func(context.Context) (T, error), delay time.Duration, priority Priority, rec recurrenceKind, periodMs int64) (*future.Future[T], error) {
	if fn == nil {
		return nil, ErrBadArgument
	}
	if s.cfg.rateLimiter != nil {
		if err := s.cfg.rateLimiter.Wait(s.ctxOrBackground()); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, ErrInterrupted
			}
			return nil, err
		}
	}

	st := poolState(s.state.Load())
	if st != running {
		return nil, ErrPoolClosed
	}

	// Round a delayed ready-at up to the next whole millisecond so the task
	// never becomes eligible before now+delay.
	readyTime := s.clk.Now().Add(delay)
	readyAt := readyTime.UnixMilli()
	if delay > 0 && readyTime.Nanosecond()%int(time.Millisecond) != 0 {
		readyAt++
	}

	fut := future.New[T](s.log)
	t := &task{
		id:         s.nextID(),
		priority:   priority,
		readyAt:    readyAt,
		sequence:   s.nextSequence(),
		recurrence: rec,
		periodMs:   periodMs,
	}
	t.execute = func(ctx context.Context) error {
		v, err := runPayload(func() (T, error) { return fn(ctx) })
		if err != nil {
			fut.Fail(err)
			return err
		}
		fut.Complete(v)
		return nil
	}
	t.failFut = func(err error) { fut.Fail(err) }
	fut.BindControl(future.Control{
		IsRunning: func() bool { return t.getState() == taskRunning },
		Interrupt: func() {
			if t.cancelFn != nil {
				t.cancelFn()
			}
		},
		RemoveFromQueue: func() bool { return s.Remove(t.handle()) },
	})

	s.offer(t)
	s.maybeSpawnForNewTask()
	return fut, nil
}

func (s *PriorityScheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// ScheduleWithFixedDelay runs action repeatedly, re-queuing with
// ready-at = completion_time + delay after each successful run. Any error
// returned by action cancels the recurrence and fails the returned future.
func (s *PriorityScheduler) ScheduleWithFixedDelay(action func(context.Context) error, initial, delay time.Duration, priority Priority) (*future.Future[struct{}], error) {
	if action == nil {
		return nil, ErrBadArgument
	}
	if initial < 0 || delay < 0 {
		return nil, ErrBadArgument
	}
	return s.scheduleRecurring(action, initial, delay, priority, fixedDelay)
}

// ScheduleAtFixedRate runs action repeatedly at a drift-free cadence: the
// n-th ready-at equals the first ready-at plus n*period, regardless of
// execution time. If a run overruns one period, immediately-following runs
// fire back-to-back until the schedule catches up (non-coalescing, per
// spec §9's resolved open question).
func (s *PriorityScheduler) ScheduleAtFixedRate(action func(context.Context) error, initial, period time.Duration, priority Priority) (*future.Future[struct{}], error) {
	if action == nil {
		return nil, ErrBadArgument
	}
	if initial < 0 || period <= 0 {
		return nil, ErrBadArgument
	}
	return s.scheduleRecurring(action, initial, period, priority, fixedRate)
}

func (s *PriorityScheduler) scheduleRecurring(action func(context.Context) error, initial, period time.Duration, priority Priority, rec recurrenceKind) (*future.Future[struct{}], error) {
	st := poolState(s.state.Load())
	if st != running {
		return nil, ErrPoolClosed
	}

	fut := future.New[struct{}](s.log)
	periodMs := period.Milliseconds()

	// current tracks whichever generation of the recurring task is
	// presently pending or running, so the future's Control (bound once,
	// below) always interrupts/removes the right one.
	var currentMu sync.Mutex
	var current *task

	var buildTask func(readyAt int64) *task
	buildTask = func(readyAt int64) *task {
		t := &task{
			id:         s.nextID(),
			priority:   priority,
			readyAt:    readyAt,
			sequence:   s.nextSequence(),
			recurrence: rec,
			periodMs:   periodMs,
		}
		t.execute = func(ctx context.Context) error {
			_, err := runPayload(func() (struct{}, error) { return struct{}{}, action(ctx) })
			if err != nil {
				fut.Fail(err)
				return err
			}
			return nil
		}
		t.failFut = func(err error) { fut.Fail(err) }
		t.onRecur = func(prev *task, ranAt int64) *task {
			if fut.IsReady() {
				return nil // cancelled mid-flight
			}
			var next int64
			if rec == fixedRate {
				next = prev.readyAt + periodMs
			} else {
				next = ranAt + periodMs
			}
			nt := buildTask(next)
			currentMu.Lock()
			current = nt
			currentMu.Unlock()
			return nt
		}
		return t
	}

	first := buildTask(s.clk.Now().UnixMilli() + initial.Milliseconds())
	current = first

	fut.BindControl(future.Control{
		IsRunning: func() bool {
			currentMu.Lock()
			t := current
			currentMu.Unlock()
			return t.getState() == taskRunning
		},
		Interrupt: func() {
			currentMu.Lock()
			t := current
			currentMu.Unlock()
			if t.cancelFn != nil {
				t.cancelFn()
			}
		},
		RemoveFromQueue: func() bool {
			currentMu.Lock()
			t := current
			currentMu.Unlock()
			return s.Remove(t.handle())
		},
	})

	s.offer(first)
	s.maybeSpawnForNewTask()
	return fut, nil
}

// Remove removes the task identified by h if it is still pending. Returns
// whether it was found.
func (s *PriorityScheduler) Remove(h Handle) bool {
	s.tasksMu.Lock()
	t, ok := s.tasks[h.id]
	s.tasksMu.Unlock()
	if !ok {
		return false
	}
	if !t.compareAndSwapState(taskPending, taskCancelled) {
		return false
	}
	removed := s.queues[t.priority].remove(t)
	s.untrack(t)
	return removed
}

// Shutdown stops accepting new submissions; already-queued work continues
// to drain.
func (s *PriorityScheduler) Shutdown() {
	s.state.CompareAndSwap(int32(running), int32(shuttingDown))
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	go func() {
		s.wg.Wait()
		s.state.Store(int32(terminated))
	}()
}

// ShutdownNow stops accepting new submissions, cancels all pending tasks,
// interrupts running workers, and returns the handles of every task that
// was pending at the moment of the call.
func (s *PriorityScheduler) ShutdownNow() []Handle {
	s.state.Store(int32(shuttingDown))
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	var handles []Handle
	for _, q := range s.queues {
		for _, t := range q.drainTo() {
			t.setState(taskCancelled)
			handles = append(handles, t.handle())
			s.untrack(t)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	go func() {
		s.wg.Wait()
		s.state.Store(int32(terminated))
	}()
	return handles
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (s *PriorityScheduler) IsShutdown() bool {
	st := poolState(s.state.Load())
	return st == shuttingDown || st == terminated
}

// IsTerminated reports whether every worker has exited after shutdown.
func (s *PriorityScheduler) IsTerminated() bool {
	return poolState(s.state.Load()) == terminated
}

// AwaitTermination blocks until the pool terminates or timeout elapses,
// returning whether it terminated in time. The wait runs on the wall
// clock, not the configured Clock. A zero or negative timeout is not
// rejected: the call returns without waiting beyond an immediate check.
func (s *PriorityScheduler) AwaitTermination(timeout time.Duration) bool {
	if s.IsTerminated() {
		return true
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.state.Store(int32(terminated))
		return true
	case <-time.After(timeout):
		return s.IsTerminated()
	}
}

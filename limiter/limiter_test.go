package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shreyask/prioq/scheduler"
)

func startTestLimiter(t *testing.T, maxConcurrencyPerKey int, opts ...Option) (*KeyedLimiter, *scheduler.PriorityScheduler) {
	t.Helper()
	s := scheduler.New(scheduler.WithCorePoolSize(16), scheduler.WithMaxPoolSize(16))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.ShutdownNow() })
	return New(s, maxConcurrencyPerKey, opts...), s
}

// TestKeyedLimiter_PerKeyCap is the spec's literal "Keyed cap" scenario:
// pool size 16, maxConcurrencyPerKey 2, 100 tasks on key "A" each
// sleeping 50ms. Active concurrent tasks for "A" must never exceed 2,
// and the whole run must take at least 100/2 * 50ms.
func TestKeyedLimiter_PerKeyCap(t *testing.T) {
	l, _ := startTestLimiter(t, 2)

	const (
		n         = 100
		sleepTime = 50 * time.Millisecond
	)

	var active atomic.Int32
	var maxObserved atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)

	start := time.Now()
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			fut, err := Submit(l, "A", func(ctx context.Context) (struct{}, error) {
				cur := active.Add(1)
				for {
					prev := maxObserved.Load()
					if cur <= prev || maxObserved.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(sleepTime)
				active.Add(-1)
				return struct{}{}, nil
			}, scheduler.Low)
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if _, err := fut.Get(context.Background()); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if got := maxObserved.Load(); got > 2 {
		t.Fatalf("observed %d concurrent tasks for key A, want <= 2", got)
	}
	wantMin := time.Duration(n/2) * sleepTime
	if elapsed < wantMin {
		t.Fatalf("run finished in %v, want >= %v given the per-key cap", elapsed, wantMin)
	}
}

// TestKeyedLimiter_IndependentKeysRunConcurrently checks that the gate is
// per-key: two distinct keys, each capped at 1, run their work in
// parallel rather than serializing against each other.
func TestKeyedLimiter_IndependentKeysRunConcurrently(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	release := make(chan struct{})
	started := make(chan string, 2)

	run := func(key string) <-chan struct{} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			fut, err := Submit(l, key, func(ctx context.Context) (struct{}, error) {
				started <- key
				<-release
				return struct{}{}, nil
			}, scheduler.High)
			if err != nil {
				t.Errorf("Submit(%s): %v", key, err)
				return
			}
			if _, err := fut.Get(context.Background()); err != nil {
				t.Errorf("Get(%s): %v", key, err)
			}
		}()
		return done
	}

	doneA := run("A")
	doneB := run("B")

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case k := <-started:
			seen[k] = true
		case <-deadline:
			t.Fatal("timed out waiting for both keys to start concurrently")
		}
	}
	if !seen["A"] || !seen["B"] {
		t.Fatalf("expected both keys to start, got %v", seen)
	}

	close(release)
	<-doneA
	<-doneB
}

// TestKeyedLimiter_QueuedTaskRunsAfterSlotFrees checks that a saturated
// key's second submission is queued, not rejected, and runs once the
// first finishes.
func TestKeyedLimiter_QueuedTaskRunsAfterSlotFrees(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var secondStarted atomic.Bool

	firstFut, err := Submit(l, "K", func(ctx context.Context) (struct{}, error) {
		close(firstStarted)
		<-release
		return struct{}{}, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}

	secondFut, err := Submit(l, "K", func(ctx context.Context) (struct{}, error) {
		secondStarted.Store(true)
		return struct{}{}, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	<-firstStarted
	time.Sleep(20 * time.Millisecond)
	if secondStarted.Load() {
		t.Fatal("second task ran while key was saturated")
	}

	close(release)
	if _, err := firstFut.Get(context.Background()); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := secondFut.Get(context.Background()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !secondStarted.Load() {
		t.Fatal("second task never ran after slot freed")
	}
}

// TestKeyedLimiter_Remove_PreventsQueuedTaskFromRunning checks that a
// waiting (not yet admitted) submission can be cancelled via its
// control, and never runs.
func TestKeyedLimiter_Remove_PreventsQueuedTaskFromRunning(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var secondRan atomic.Bool

	firstFut, err := Submit(l, "K", func(ctx context.Context) (struct{}, error) {
		close(firstStarted)
		<-release
		return struct{}{}, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}

	secondFut, err := Submit(l, "K", func(ctx context.Context) (struct{}, error) {
		secondRan.Store(true)
		return struct{}{}, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	<-firstStarted
	if !secondFut.Cancel(false) {
		t.Fatal("expected Cancel of a still-queued submission to succeed")
	}

	close(release)
	if _, err := firstFut.Get(context.Background()); err != nil {
		t.Fatalf("first Get: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if secondRan.Load() {
		t.Fatal("cancelled queued submission ran anyway")
	}
}

// TestKeyedLimiter_SubmitAfterContainerEvictable checks that a key whose
// container became eligible for eviction (handlingTasks dropped to zero)
// still accepts and runs a later submission: the next lookup replaces the
// evictable container with a fresh one, so no stale state carries over.
func TestKeyedLimiter_SubmitAfterContainerEvictable(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	fut1, err := Submit(l, "K", func(ctx context.Context) (int, error) {
		return 1, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if v, err := fut1.Get(context.Background()); err != nil || v != 1 {
		t.Fatalf("Get 1: v=%d err=%v", v, err)
	}

	time.Sleep(10 * time.Millisecond) // let finishActive's decrement land

	fut2, err := Submit(l, "K", func(ctx context.Context) (int, error) {
		return 2, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	v, err := fut2.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
}

// TestKeyedLimiter_ForKey checks that a KeyBoundLimiter submits under the
// key it was bound to.
func TestKeyedLimiter_ForKey(t *testing.T) {
	l, _ := startTestLimiter(t, 1)
	bound := l.ForKey("bound-key")

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	var secondStarted atomic.Bool

	firstFut, err := SubmitBound(bound, func(ctx context.Context) (struct{}, error) {
		close(firstStarted)
		<-release
		return struct{}{}, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("SubmitBound first: %v", err)
	}

	secondFut, err := SubmitBound(bound, func(ctx context.Context) (struct{}, error) {
		secondStarted.Store(true)
		return struct{}{}, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("SubmitBound second: %v", err)
	}

	<-firstStarted
	time.Sleep(20 * time.Millisecond)
	if secondStarted.Load() {
		t.Fatal("bound second task ran while key was saturated")
	}

	close(release)
	if _, err := firstFut.Get(context.Background()); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := secondFut.Get(context.Background()); err != nil {
		t.Fatalf("second Get: %v", err)
	}
}

// TestKeyedLimiter_Execute_NoFuture checks Execute runs under the gate
// without needing a future.
func TestKeyedLimiter_Execute_NoFuture(t *testing.T) {
	l, _ := startTestLimiter(t, 1)
	done := make(chan struct{})
	if err := l.Execute("X", func(ctx context.Context) { close(done) }, scheduler.High); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute's action never ran")
	}
}

// TestKeyedLimiter_Schedule_RespectsDelay checks that Schedule does not
// even enqueue the admission attempt before delay has elapsed.
func TestKeyedLimiter_Schedule_RespectsDelay(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	start := time.Now()
	fut, err := Schedule(l, "D", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	}, 80*time.Millisecond, scheduler.High)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := fut.Get(context.Background()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("fn ran after %v, expected to wait out the 80ms delay", elapsed)
	}
}

// TestKeyedLimiter_Schedule_CancelBeforeDelayElapses checks that
// cancelling during the pre-admission delay window actually prevents fn
// from running (the gap closed by wiring tfHolder into Control).
func TestKeyedLimiter_Schedule_CancelBeforeDelayElapses(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	var ran atomic.Bool
	fut, err := Schedule(l, "D", func(ctx context.Context) (struct{}, error) {
		ran.Store(true)
		return struct{}{}, nil
	}, 200*time.Millisecond, scheduler.High)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if !fut.Cancel(false) {
		t.Fatal("expected Cancel during the delay window to succeed")
	}

	time.Sleep(300 * time.Millisecond)
	if ran.Load() {
		t.Fatal("fn ran despite being cancelled before its delay elapsed")
	}
}

// TestKeyedLimiter_Submit_BackingSchedulerRejected checks that a fresh
// key with a free slot does not deadlock when the backing scheduler
// itself rejects the admission (e.g. already shut down): admit's error
// path must release the stripe lock before finishActive tries to
// re-acquire it.
func TestKeyedLimiter_Submit_BackingSchedulerRejected(t *testing.T) {
	l, sched := startTestLimiter(t, 2)
	sched.ShutdownNow()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := Submit(l, "fresh-key", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		}, scheduler.High); err == nil {
			t.Error("expected Submit to report the backing scheduler's rejection")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit deadlocked re-locking the stripe from admit's error path")
	}
}

// TestKeyedLimiter_PayloadErrorPropagates checks a failing payload fails
// the future, and still frees the key's slot for the next waiter.
func TestKeyedLimiter_PayloadErrorPropagates(t *testing.T) {
	l, _ := startTestLimiter(t, 1)

	sentinel := context.Canceled
	fut1, err := Submit(l, "E", func(ctx context.Context) (int, error) {
		return 0, sentinel
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := fut1.Get(context.Background()); err == nil {
		t.Fatal("expected error from failing payload")
	}

	fut2, err := Submit(l, "E", func(ctx context.Context) (int, error) {
		return 7, nil
	}, scheduler.High)
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	v, err := fut2.Get(context.Background())
	if err != nil {
		t.Fatalf("Get 2: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
}

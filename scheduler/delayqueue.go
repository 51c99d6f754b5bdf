package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/shreyask/prioq/clock"
)

// taskHeap is a min-heap over (readyAt, sequence), implementing
// container/heap.Interface. Swap keeps each task's index field current so
// the owning delayQueue can remove or fix any element in O(log n), the
// same approach changkun-sched's itemHeap uses for its priority.Time item.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].readyAt != h[j].readyAt {
		return h[i].readyAt < h[j].readyAt
	}
	return h[i].sequence < h[j].sequence
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// delayQueue is a blocking priority queue over (readyAt, sequence).
// take() blocks until the head is ready, waking either on a timer or on a
// new insertion that preempts the current wait — the wake-channel idiom
// mirrors the teacher's workerSignal (internal/scheduler/helpers.go).
type delayQueue struct {
	mu   sync.Mutex
	heap taskHeap
	clk  clock.Clock
	wake chan struct{}

	// onOffer, when set, is invoked on every successful offer (regardless
	// of whether it became the new head) so an owning scheduler combining
	// several delayQueues can wake its own cross-queue dispatch wait.
	onOffer func()
}

func newDelayQueue(clk clock.Clock) *delayQueue {
	return &delayQueue{clk: clk, wake: make(chan struct{}, 1)}
}

func (q *delayQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// offer inserts t. If t is now the earliest ready-at in the queue, any
// blocked take() is woken so it can re-evaluate against the new head.
func (q *delayQueue) offer(t *task) {
	q.mu.Lock()
	heap.Push(&q.heap, t)
	isHead := q.heap[0] == t
	q.mu.Unlock()

	if isHead {
		q.signal()
	}
	if q.onOffer != nil {
		q.onOffer()
	}
}

// peek returns the current head without removing it, or nil if empty.
func (q *delayQueue) peek() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// takeReady pops and returns the head iff it is ready now; otherwise
// returns nil without modifying the queue.
func (q *delayQueue) takeReady(nowMs int64) *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 || q.heap[0].readyAt > nowMs {
		return nil
	}
	return heap.Pop(&q.heap).(*task)
}

// take blocks until a ready task exists or ctx is done.
func (q *delayQueue) take(ctx context.Context) (*task, error) {
	for {
		now := q.clk.Now().UnixMilli()
		if t := q.takeReady(now); t != nil {
			return t, nil
		}

		head := q.peek()
		var waitC <-chan time.Time
		var timer clock.Timer
		if head != nil {
			d := time.Duration(head.readyAt-now) * time.Millisecond
			if d < 0 {
				d = 0
			}
			timer = q.clk.NewTimer(d)
			waitC = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
			// A new (possibly earlier) task arrived, or a removal
			// happened; re-evaluate from the top.
			continue
		case <-waitC:
			continue
		}
	}
}

// remove deletes t from the queue if it is still present, by its heap
// index. Returns whether it was found.
func (q *delayQueue) remove(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.index < 0 || t.index >= len(q.heap) || q.heap[t.index] != t {
		return false
	}
	heap.Remove(&q.heap, t.index)
	return true
}

// drainTo removes and returns every remaining task, in heap order.
func (q *delayQueue) drainTo() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task, 0, len(q.heap))
	for len(q.heap) > 0 {
		out = append(out, heap.Pop(&q.heap).(*task))
	}
	return out
}

func (q *delayQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

package corofiber

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a scheduled callback keyed by deadline (spec §3, §4.B). A
// "local" timer is bound to a fiber and is cancelled in bulk when that
// fiber exits; a "global" timer is not bound to any fiber.
type Timer struct {
	id       uint64
	seq      uint64 // insertion order, for stable tie-breaks
	deadline time.Time
	cb       func()
	fiber    *Fiber // nil for a global timer

	cancelled atomic.Bool
	index     int // position in the heap, maintained by container/heap
}

var timerSeq atomic.Uint64

// timerHeap is a container/heap min-heap ordered by deadline, ties
// broken by insertion order — modeled directly on the teacher's
// timedHeap in watcher.go.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerWheel owns the timer heap for one Hub. Fiber-originated calls
// reach it only from the hub's baton-protected region (see fiber.go), so
// the channel hand-off in Fiber.suspend/Hub's switchTo already
// establishes the happens-before edges the Go memory model needs between
// a fiber scheduling a timer and the hub observing it on its next tick.
// But Hub.Kill and Hub.ScheduleCallGlobal are documented as callable
// from any goroutine, not just a fiber's — a supervisor goroutine or a
// tpool.Bridge.Shutdown call can reach schedule/cancel/nextDeadline
// concurrently with the hub goroutine's own expireReady, so the heap
// itself needs a real mutex, mirroring the discipline Event already
// applies to its own state for the same reason (see event.go).
type timerWheel struct {
	mu sync.Mutex
	h  timerHeap
}

func newTimerWheel() *timerWheel {
	w := &timerWheel{}
	heap.Init(&w.h)
	return w
}

// schedule installs cb to fire after delay. If fiber is non-nil the
// timer is "local" and registered for bulk cancellation when that fiber
// exits (spec §3 Timer lifecycle, invariant 6).
func (w *timerWheel) schedule(delay time.Duration, cb func(), fiber *Fiber) *Timer {
	t := &Timer{
		id:       timerSeq.Add(1),
		seq:      timerSeq.Load(),
		deadline: time.Now().Add(delay),
		cb:       cb,
		fiber:    fiber,
	}
	w.mu.Lock()
	heap.Push(&w.h, t)
	w.mu.Unlock()
	if fiber != nil {
		fiber.registerLocalTimer(t)
	}
	return t
}

// cancel marks t cancelled. It is idempotent and safe to call on an
// already-fired or already-cancelled timer (spec §4.B, §5). t.cancelled
// is itself an atomic.Bool, so this needs no heap lock.
func (w *timerWheel) cancel(t *Timer) {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	if t.fiber != nil {
		t.fiber.forgetLocalTimer(t)
	}
}

// nextDeadline returns the earliest pending (non-cancelled) deadline,
// skipping cancelled nodes that have not yet been popped.
func (w *timerWheel) nextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.h.Len() > 0 {
		t := w.h[0]
		if t.cancelled.Load() {
			heap.Pop(&w.h)
			continue
		}
		return t.deadline, true
	}
	return time.Time{}, false
}

// expireReady invokes every non-cancelled timer whose deadline had
// passed at the moment this call started, in non-decreasing deadline
// order (ties by insertion order). It collects the ready set under the
// heap lock first and invokes callbacks afterward, with the lock
// released: a callback that resumes a fiber may itself call schedule/
// cancel synchronously (e.g. Hub.Kill re-entering via a zero-delay
// timer), which would deadlock against a lock held across the callback.
// This also keeps a zero-delay timer scheduled by one of these callbacks
// from firing within this same pass, rather than on the hub's next tick
// (spec §8).
func (w *timerWheel) expireReady(now time.Time) {
	w.mu.Lock()
	var ready []*Timer
	for w.h.Len() > 0 {
		t := w.h[0]
		if t.cancelled.Load() {
			heap.Pop(&w.h)
			continue
		}
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&w.h)
		ready = append(ready, t)
	}
	w.mu.Unlock()

	for _, t := range ready {
		if t.fiber != nil {
			t.fiber.forgetLocalTimer(t)
		}
		t.cb()
	}
}

func (w *timerWheel) empty() bool {
	_, ok := w.nextDeadline()
	return !ok
}

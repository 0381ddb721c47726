package corofiber

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// poolJob is the (result-event, callable) tuple a FiberPool worker
// receives through its inbox (spec §4.I "tuple (result-event, fn,
// args)"; args is folded into fn as a closure, idiomatic for Go).
type poolJob struct {
	result *Event
	fn     func(context.Context) (any, error)
}

// poolWorker is a reusable worker fiber: its own inbox Event plus the
// fiber running its main loop (spec §4.I "create()").
type poolWorker struct {
	fiber *Fiber
	inbox *Event
}

// FiberPool is the bounded, reusable worker pool of spec §4.I. Worker
// admission up to maxSize is gated by a semaphore.Weighted (Expansion 3);
// callers blocked past that capacity wait cooperatively on a private
// Event per waiter, never on an OS-level primitive, since get() may be
// called while holding the hub's baton.
type FiberPool struct {
	hub       *Hub
	ctx       context.Context
	admission *semaphore.Weighted
	maxSize   int

	mu      sync.Mutex
	idle    []*poolWorker
	waiters []*Event
}

// NewFiberPool builds a FiberPool bound to hub, pre-spawning minSize
// worker fibers and admitting at most maxSize concurrently-alive workers
// (spec §4.I, §6 FiberPool(min_size, max_size)). ctx must carry no fiber
// (workers are spawned the same way Hub.Spawn spawns any other fiber).
func NewFiberPool(ctx context.Context, hub *Hub, minSize, maxSize int) *FiberPool {
	p := &FiberPool{
		hub:       hub,
		ctx:       ctx,
		admission: semaphore.NewWeighted(int64(maxSize)),
		maxSize:   maxSize,
	}
	for i := 0; i < minSize; i++ {
		if w := p.create(); w != nil {
			p.idle = append(p.idle, w)
		}
	}
	return p
}

func (p *FiberPool) create() *poolWorker {
	if !p.admission.TryAcquire(1) {
		return nil
	}
	w := &poolWorker{inbox: NewEvent(p.hub)}
	w.fiber = p.hub.Spawn(p.ctx, func(ctx context.Context) {
		p.workerMainLoop(ctx, w)
	})
	return w
}

// workerMainLoop is the internal loop of spec §4.I "create()": wait on
// the private inbox, run the job, deliver the result, cancel the
// worker's own pending local timers, and return itself to the pool.
func (p *FiberPool) workerMainLoop(ctx context.Context, w *poolWorker) {
	fiber := CurrentFiber(ctx)
	for {
		v, err := w.inbox.Wait(ctx)
		if err != nil {
			if IsFiberExit(err) {
				return
			}
			p.hub.squelchException("pool-worker-inbox", err)
			continue
		}
		job, ok := v.(*poolJob)
		if !ok {
			continue
		}
		if resetErr := w.inbox.Reset(); resetErr != nil {
			p.hub.squelchException("pool-worker-reset", resetErr)
		}

		result, jobErr := job.fn(ctx)
		if job.result != nil {
			job.result.Send(result, jobErr)
		}

		// Expansion 4: mirrors coros.py's _main_loop cancelling the
		// worker fiber's own pending local timers before it is handed
		// back, so a job's leftover Sleep/Trampoline timer can't fire
		// against whatever the worker picks up next.
		fiber.cancelLocalTimers()

		p.put(w)
	}
}

// get acquires a free worker, creating one if the pool has not reached
// maxSize, else suspending the caller until one is returned via put
// (spec §4.I "get() ... blocking cooperatively if none available and
// the pool is at capacity").
func (p *FiberPool) get(ctx context.Context) (*poolWorker, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()

	if w := p.create(); w != nil {
		return w, nil
	}

	ev := NewEvent(p.hub)
	p.mu.Lock()
	p.waiters = append(p.waiters, ev)
	p.mu.Unlock()

	v, err := ev.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return v.(*poolWorker), nil
}

// put returns w to the free list, or hands it directly to the
// longest-waiting caller of get (spec §4.I "put(worker)").
func (p *FiberPool) put(w *poolWorker) {
	p.mu.Lock()
	if n := len(p.waiters); n > 0 {
		ev := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ev.Send(w, nil)
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// Execute acquires a worker, hands it fn paired with a fresh result
// Event, and returns that Event (spec §4.I, §6 "execute(fn, args) →
// Event"). The caller is free to Wait on it or not.
func (p *FiberPool) Execute(ctx context.Context, fn func(context.Context) (any, error)) (*Event, error) {
	w, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	result := NewEvent(p.hub)
	w.inbox.Send(&poolJob{result: result, fn: fn}, nil)
	return result, nil
}

// ExecuteAsync is Execute without a result Event — fire-and-forget
// (spec §4.I, §6 "execute_async").
func (p *FiberPool) ExecuteAsync(ctx context.Context, fn func(context.Context) (any, error)) error {
	w, err := p.get(ctx)
	if err != nil {
		return err
	}
	w.inbox.Send(&poolJob{fn: fn}, nil)
	return nil
}

// Free returns the number of idle workers (spec §6 "free()").
func (p *FiberPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Waiting returns the number of callers currently blocked in get (spec
// §6 "waiting()").
func (p *FiberPool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

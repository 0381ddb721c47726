package corofiber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// resumeMsg is what switchTo/throwInto hand to a suspended fiber: either
// a value to return from its current suspension point, or an error to
// raise there instead (spec §4.A "throw_into").
type resumeMsg struct {
	value any
	err   error
}

// Fiber is a cooperatively-scheduled task with its own goroutine,
// resumed only via the owning Hub's baton hand-off (see SPEC_FULL.md
// Expansion 1). It never runs concurrently with any other fiber of the
// same hub.
type Fiber struct {
	id   uint64
	uuid string
	hub  *Hub

	resumeCh chan resumeMsg
	dead     atomic.Bool

	mu          sync.Mutex
	localTimers map[uint64]*Timer // timers bound to this fiber, for bulk-cancel on exit
}

var fiberSeq atomic.Uint64

func newFiber(hub *Hub) *Fiber {
	return &Fiber{
		id:          fiberSeq.Add(1),
		uuid:        uuid.NewString(),
		hub:         hub,
		resumeCh:    make(chan resumeMsg),
		localTimers: make(map[uint64]*Timer),
	}
}

// ID returns a process-local sequential identity, stable for the life
// of the fiber and suitable as a map key.
func (f *Fiber) ID() uint64 { return f.id }

// UUID returns a globally-unique identity suitable for log correlation
// across processes (e.g. when a tpool request crosses threads).
func (f *Fiber) UUID() string { return f.uuid }

// Dead reports whether the fiber's entry function has returned, raised
// an uncaught error, or been killed.
func (f *Fiber) Dead() bool { return f.dead.Load() }

func (f *Fiber) String() string { return fmt.Sprintf("fiber(%d)", f.id) }

// registerLocalTimer/forgetLocalTimer/cancelLocalTimers implement the
// "local" half of spec §3's Timer lifecycle: a timer bound to a fiber
// must not outlive it (invariant 6).
func (f *Fiber) registerLocalTimer(t *Timer) {
	f.mu.Lock()
	f.localTimers[t.id] = t
	f.mu.Unlock()
}

func (f *Fiber) forgetLocalTimer(t *Timer) {
	f.mu.Lock()
	delete(f.localTimers, t.id)
	f.mu.Unlock()
}

// cancelLocalTimers cancels every timer still bound to f. Called by the
// hub when f exits (return, panic, or kill) and, per Expansion 4, by a
// FiberPool worker's main loop after each job it runs.
func (f *Fiber) cancelLocalTimers() {
	f.mu.Lock()
	timers := make([]*Timer, 0, len(f.localTimers))
	for _, t := range f.localTimers {
		timers = append(timers, t)
	}
	f.localTimers = make(map[uint64]*Timer)
	f.mu.Unlock()

	for _, t := range timers {
		f.hub.timers.cancel(t)
	}
}

// suspend hands control back to the hub goroutine and blocks until the
// hub resumes this fiber via switchTo or throwInto. It must only be
// called from this fiber's own goroutine.
func (f *Fiber) suspend() (any, error) {
	f.hub.yielded <- struct{}{}
	msg := <-f.resumeCh
	return msg.value, msg.err
}

// bootstrap is the goroutine body every spawned fiber runs in. It waits
// for the first switchTo (delivered from the hub's spawn bootstrap
// timer), then runs fn to completion, recovering panics the way spec
// §4.A requires ("logged via a pluggable reporter ... must not crash
// the hub").
func (f *Fiber) bootstrap(parentCtx context.Context, fn func(context.Context)) {
	msg := <-f.resumeCh
	if msg.err != nil {
		f.finish(msg.err)
		return
	}

	ctx := withFiber(parentCtx, f.hub, f)
	err := f.runGuarded(ctx, fn)
	f.finish(err)
}

func (f *Fiber) runGuarded(ctx context.Context, fn func(context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FiberExit); ok {
				err = fe
				return
			}
			f.hub.reportPanic(f, r)
			err = fmt.Errorf("corofiber: fiber %d panicked: %v", f.id, r)
		}
	}()
	fn(ctx)
	return nil
}

// finish marks the fiber dead, releases its local timers, and returns
// control to the hub goroutine exactly once (mirroring the final
// yielded send every suspend performs).
func (f *Fiber) finish(err error) {
	f.dead.Store(true)
	f.cancelLocalTimers()
	if err != nil && !IsFiberExit(err) {
		f.hub.reportError(f, err)
	}
	f.hub.yielded <- struct{}{}
}

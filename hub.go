// Package corofiber is a cooperative concurrency runtime: a
// single-threaded event loop (Hub) that multiplexes many logical tasks
// (Fibers), each on its own goroutine, by handing a single baton between
// them at explicit suspension points (Trampoline, Event.Wait, Sleep,
// Timeout).
//
// Exactly one Fiber runs at a time per Hub; concurrency comes from
// cooperative suspension, not preemption or parallel Fiber execution.
// Parallelism across OS threads exists only in the tpool subpackage,
// which offloads blocking work without stalling the Hub.
package corofiber

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the Hub run-loop state machine (spec §4.E).
type State int32

const (
	Stopped State = iota
	Running
	Aborting
)

// Hub is the event-loop kernel: it owns the timer heap, the readiness
// registry, and the backend, and is the only goroutine allowed to
// mutate any of them directly or call switchTo/throwInto (spec §2, §4.E,
// §5 "Hub-owned structures... mutated only on the hub fiber").
type Hub struct {
	name     string
	backend  Backend
	registry *registry
	timers   *timerWheel

	// yielded is the baton-return channel: whichever fiber currently
	// holds control sends here exactly once, when it suspends or exits.
	yielded chan struct{}

	state    atomic.Int32
	aborting atomic.Bool

	logger atomic.Pointer[zap.Logger]

	mu           sync.Mutex
	activeFibers map[uint64]*Fiber
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithLogger overrides the Hub's zap logger at construction time (spec
// §7 "configurable squelch_exception sink"). See SetLogger to swap it
// after construction.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.SetLogger(l) }
}

// defaultLogger is the out-of-the-box squelch_exception sink (spec §7
// "default: log traceback"): a production zap.Logger, falling back to a
// no-op logger only if zap itself fails to build one.
func defaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewHub constructs a Hub driven by backend. Use NewDefaultBackend to
// pick a backend per spec §6's selection policy.
func NewHub(name string, backend Backend, opts ...Option) *Hub {
	h := &Hub{
		name:         name,
		backend:      backend,
		registry:     newRegistry(),
		timers:       newTimerWheel(),
		yielded:      make(chan struct{}),
		activeFibers: make(map[uint64]*Fiber),
	}
	h.logger.Store(defaultLogger())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetLogger swaps the Hub's zap logger at any time, from any goroutine
// (spec §7's sink is "configurable", not fixed at construction).
func (h *Hub) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	h.logger.Store(l)
}

func (h *Hub) log() *zap.Logger { return h.logger.Load() }

// State reports the current run-loop state.
func (h *Hub) State() State { return State(h.state.Load()) }

// Current returns the Fiber running on ctx, or nil if ctx belongs to the
// hub fiber itself (spec §6 current_fiber()).
func (h *Hub) Current(ctx context.Context) *Fiber { return CurrentFiber(ctx) }

// reportPanic is the pluggable reporter for an unhandled panic escaping
// a fiber's entry function (spec §4.A).
func (h *Hub) reportPanic(f *Fiber, r any) {
	h.log().Error("fiber panicked", zap.Uint64("fiber", f.id), zap.Any("recovered", r))
}

func (h *Hub) reportError(f *Fiber, err error) {
	h.log().Warn("fiber exited with error", zap.Uint64("fiber", f.id), zap.Error(err))
}

// squelchException is the configurable sink for errors escaping a timer
// or readiness callback (spec §4.E, §7). The loop always continues
// after calling it.
func (h *Hub) squelchException(source string, err error) {
	h.log().Error("squelched exception", zap.String("source", source), zap.Error(err))
}

// wrapCallback returns cb guarded with panic/error recovery, so that a
// timer or readiness callback can never crash the hub (spec §7
// "Propagation policy").
func (h *Hub) wrapCallback(source string, cb func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				h.squelchException(source, panicToError(r))
			}
		}()
		cb()
	}
}

// Spawn creates a new Fiber running fn and registers it to start on the
// next hub tick (spec §4.A "spawning does not run the new fiber
// immediately"). fn receives a context carrying the new fiber and this
// hub, retrievable via CurrentFiber/CurrentHub.
func (h *Hub) Spawn(ctx context.Context, fn func(context.Context)) *Fiber {
	return h.spawnAfter(ctx, 0, fn)
}

// SpawnAfter is like Spawn but the fiber's first switch-in is delayed by
// d (spec §6 spawn_after).
func (h *Hub) SpawnAfter(ctx context.Context, d time.Duration, fn func(context.Context)) *Fiber {
	return h.spawnAfter(ctx, d, fn)
}

func (h *Hub) spawnAfter(ctx context.Context, d time.Duration, fn func(context.Context)) *Fiber {
	f := newFiber(h)

	h.mu.Lock()
	h.activeFibers[f.id] = f
	h.mu.Unlock()

	go f.bootstrap(ctx, fn)

	h.timers.schedule(d, h.wrapCallback("spawn", func() {
		h.switchTo(f, nil)
	}), nil)

	return f
}

// ScheduleCall schedules cb to fire after delay, bound to the fiber
// running on ctx (if any), so it is cancelled in bulk if that fiber
// exits first (spec §6 schedule_call).
func (h *Hub) ScheduleCall(ctx context.Context, delay time.Duration, cb func()) *Timer {
	fiber := CurrentFiber(ctx)
	return h.timers.schedule(delay, h.wrapCallback("schedule_call", cb), fiber)
}

// ScheduleCallGlobal schedules cb to fire after delay, not bound to any
// fiber (spec §6 schedule_call_global).
func (h *Hub) ScheduleCallGlobal(delay time.Duration, cb func()) *Timer {
	return h.timers.schedule(delay, h.wrapCallback("schedule_call_global", cb), nil)
}

// CancelTimer cancels t; idempotent (spec §4.B).
func (h *Hub) CancelTimer(t *Timer) { h.timers.cancel(t) }

// switchTo resumes f with value as the return of its current suspension
// point. Must only be invoked from the hub goroutine (i.e. from within
// Run's dispatch of a timer/readiness callback) — see fiber.go and
// SPEC_FULL.md Expansion 1 for why this precondition is safe to assume
// everywhere it's called in this package.
func (h *Hub) switchTo(f *Fiber, value any) {
	if f == nil || f.dead.Load() {
		return
	}
	f.resumeCh <- resumeMsg{value: value}
	<-h.yielded
}

// throwInto resumes f by delivering err from its current suspension
// point instead of a value. Same goroutine precondition as switchTo.
func (h *Hub) throwInto(f *Fiber, err error) {
	if f == nil || f.dead.Load() {
		return
	}
	f.resumeCh <- resumeMsg{err: err}
	<-h.yielded
}

// addListener installs cb as fd's listener in direction dir, and makes
// sure the backend is watching fd for the resulting interest set (spec
// §4.C "add(direction, fd, cb)").
func (h *Hub) addListener(fd int, dir Direction, cb func()) (*Listener, error) {
	l, err := h.registry.add(fd, dir, cb)
	if err != nil {
		return nil, err
	}
	read, write := h.registry.interest(fd)
	if err := h.backend.Watch(fd, read, write); err != nil {
		h.registry.remove(l)
		return nil, err
	}
	return l, nil
}

// removeListener drops l and shrinks or clears the backend's interest
// in its fd accordingly (spec §4.C "remove(listener)").
func (h *Hub) removeListener(l *Listener) {
	if l == nil {
		return
	}
	fd := l.fd
	h.registry.remove(l)
	if h.registry.registered(fd) {
		read, write := h.registry.interest(fd)
		h.backend.Watch(fd, read, write)
		return
	}
	h.backend.Unwatch(fd)
}

// RemoveDescriptor drops both directions for fd at once (spec §4.C
// remove_descriptor).
func (h *Hub) RemoveDescriptor(fd int) {
	h.registry.removeDescriptor(fd)
	h.backend.Unwatch(fd)
}

// Kill causes f to terminate: a FiberExit is delivered at f's next
// switch-in (spec §4.A, §5). Safe to call from any fiber or from
// outside the hub, since it always funnels the actual throwInto through
// a zero-delay global timer run on the hub goroutine.
func (h *Hub) Kill(f *Fiber) {
	h.ScheduleCallGlobal(0, func() {
		h.throwInto(f, &FiberExit{Fiber: f.id})
	})
}

// Abort requests the run loop stop after the current tick (spec §4.E,
// §6 abort()). Safe to call from any goroutine.
func (h *Hub) Abort() {
	h.aborting.Store(true)
	h.backend.Abort()
}

// Run drains ready timers and fd callbacks until aborted or until there
// is nothing left to wait for (spec §4.E).
func (h *Hub) Run() error {
	h.state.Store(int32(Running))
	defer h.state.Store(int32(Stopped))

	for {
		if h.aborting.Load() {
			break
		}
		if h.registry.empty() && h.timers.empty() {
			break
		}

		var timeout *time.Duration
		if dl, ok := h.timers.nextDeadline(); ok {
			d := time.Until(dl)
			if d < 0 {
				d = 0
			}
			timeout = &d
		}

		events, err := h.backend.Wait(timeout)
		if err != nil {
			if _, isInterrupt := err.(ErrInterrupted); isInterrupt {
				return err
			}
			h.squelchException("backend.Wait", err)
			continue
		}

		for _, e := range events {
			fd := e.Fd
			ev := e
			h.wrapCallback("readiness", func() {
				h.registry.dispatch(fd, ev.Read, ev.Write, ev.Exc)
			})()
		}

		h.timers.expireReady(time.Now())

		if h.aborting.Load() {
			break
		}
	}
	return nil
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return usageErrorf("panic: %v", r)
}

package corofiber

import (
	"context"
	"sync"
)

type eventState int

const (
	eventFresh eventState = iota
	eventTriggered
)

// Event is the one-shot multi-waiter rendezvous of spec §3/§4.G. Like
// gaio's watcher (which guards pendingCreate/results with a mutex
// despite having a single loop goroutine, because external callers run
// on their own goroutines), Event guards its state with a mutex: Wait,
// Send, Reset and Cancel can each be called from a different fiber's
// goroutine, and only the hub's baton guarantees they don't literally
// overlap in time — the lock makes that guarantee explicit rather than
// implicit.
type Event struct {
	hub *Hub

	mu      sync.Mutex
	state   eventState
	value   any
	err     error
	waiters map[uint64]*Fiber
}

// NewEvent creates a FRESH Event bound to hub (spec §6 Event()).
func NewEvent(hub *Hub) *Event {
	return &Event{hub: hub, waiters: make(map[uint64]*Fiber)}
}

// Wait blocks the calling fiber until another fiber calls Send, unless
// the Event is already TRIGGERED, in which case it returns immediately
// (spec §4.G).
func (e *Event) Wait(ctx context.Context) (any, error) {
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return nil, usageErrorf("Event.Wait: must not be called from the hub fiber")
	}

	e.mu.Lock()
	if e.state == eventTriggered {
		value, err := e.value, e.err
		e.mu.Unlock()
		return value, err
	}
	e.waiters[fiber.id] = fiber
	e.mu.Unlock()

	return fiber.suspend()
}

// Send transitions a FRESH Event to TRIGGERED, storing value or err, and
// schedules every waiter present at this moment to resume with it (spec
// §4.G). Sending twice on a TRIGGERED Event is a UsageError (spec §7).
func (e *Event) Send(value any, err error) error {
	e.mu.Lock()
	if e.state == eventTriggered {
		e.mu.Unlock()
		return usageErrorf("Event.Send: already triggered")
	}
	e.state = eventTriggered
	e.value = value
	e.err = err

	waiters := make([]*Fiber, 0, len(e.waiters))
	for _, f := range e.waiters {
		waiters = append(waiters, f)
	}
	// Expansion 5 decision 1: send wins over a concurrent Cancel —
	// clearing the waiter set here, before any Cancel can observe it,
	// is what makes that decision hold.
	e.waiters = make(map[uint64]*Fiber)
	e.mu.Unlock()

	for _, f := range waiters {
		waiter := f
		if err != nil {
			e.hub.ScheduleCallGlobal(0, func() { e.hub.throwInto(waiter, err) })
		} else {
			e.hub.ScheduleCallGlobal(0, func() { e.hub.switchTo(waiter, value) })
		}
	}
	return nil
}

// Reset returns a TRIGGERED Event to FRESH so it can be Send-ed again.
// Calling Reset on a FRESH Event is a UsageError (spec §3, §4.G).
func (e *Event) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != eventTriggered {
		return usageErrorf("Event.Reset: cannot re-reset a fresh event")
	}
	e.state = eventFresh
	e.value = nil
	e.err = nil
	e.waiters = make(map[uint64]*Fiber)
	return nil
}

// Cancel removes waiter from the FRESH waiter set and schedules it to
// resume with a Cancelled error. It has no effect if waiter is not
// currently waiting, or if the Event is no longer FRESH (spec §4.G,
// Expansion 5 decision 1).
func (e *Event) Cancel(waiter *Fiber) {
	e.mu.Lock()
	if e.state != eventFresh {
		e.mu.Unlock()
		return
	}
	if _, ok := e.waiters[waiter.id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.waiters, waiter.id)
	e.mu.Unlock()

	e.hub.ScheduleCallGlobal(0, func() {
		e.hub.throwInto(waiter, &Cancelled{Waiter: waiter.id})
	})
}

// Ready reports whether the Event is TRIGGERED (spec §6 ready()).
func (e *Event) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == eventTriggered
}

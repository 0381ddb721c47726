package corofiber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TimeoutError is the default exception a Timeout injects into its
// bound fiber when it fires (spec §4.H "default self-identifying
// class"). Two TimeoutErrors never compare equal across scopes: each
// embeds the *Timeout pointer that produced it, so nested-scope
// identity matching (spec §4.H "Nesting") is a pointer comparison, not
// a type comparison.
type TimeoutError struct {
	Scope *Timeout
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("corofiber: timeout (scope %p)", e.Scope)
}

// suppressMarker is the sentinel second argument (spec's "special
// sentinel false") selected via the package-level SuppressTimeout value.
type suppressMarker struct{}

// SuppressTimeout, passed as excOrFactory to NewTimeout, causes the
// scoped Run to catch its own TimeoutError silently instead of
// propagating it (spec §4.H).
var SuppressTimeout = suppressMarker{}

type timeoutState int

const (
	timeoutInactive timeoutState = iota
	timeoutPending
	timeoutFired
	timeoutCancelled
)

// Timeout is the scoped deadline of spec §3/§4.H: schedule-on-enter,
// cancel-on-exit, inject-on-fire.
type Timeout struct {
	seconds  *time.Duration // nil => permanently-inactive, no-op scope
	injected error
	suppress bool

	mu    sync.Mutex
	state timeoutState
	fiber *Fiber
	hub   *Hub
	timer *Timer
}

// NewTimeout builds a Timeout that fires after seconds elapse (nil
// seconds makes it a permanent no-op, spec §4.H). excOrFactory selects
// the injected exception:
//
//   - nil: the default self-identifying *TimeoutError
//   - SuppressTimeout: the default *TimeoutError, caught silently at
//     the scope's own exit (spec's "false" sentinel)
//   - an error value: that exact instance is what's injected
//   - a func() error "factory": invoked once, at construction, standing
//     in for spec's "exception class, instantiated on fire"
func NewTimeout(seconds *time.Duration, excOrFactory any) *Timeout {
	t := &Timeout{seconds: seconds}
	switch v := excOrFactory.(type) {
	case nil:
		t.injected = &TimeoutError{Scope: t}
	case suppressMarker:
		t.injected = &TimeoutError{Scope: t}
		t.suppress = true
	case func() error:
		t.injected = v()
	case error:
		t.injected = v
	default:
		t.injected = &TimeoutError{Scope: t}
	}
	return t
}

// Start schedules this Timeout's timer against the fiber running on
// ctx, transitioning INACTIVE→PENDING (spec §4.H). A nil-seconds
// Timeout is a permanent no-op and Start never schedules anything.
func (t *Timeout) Start(ctx context.Context) error {
	if t.seconds == nil {
		return nil
	}
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return usageErrorf("Timeout.Start: must be called from within a fiber")
	}
	hub := CurrentHub(ctx)

	t.mu.Lock()
	if t.state != timeoutInactive {
		t.mu.Unlock()
		return usageErrorf("Timeout.Start: already started")
	}
	t.state = timeoutPending
	t.fiber = fiber
	t.hub = hub
	t.mu.Unlock()

	t.timer = hub.ScheduleCallGlobal(*t.seconds, func() {
		t.mu.Lock()
		if t.state != timeoutPending {
			t.mu.Unlock()
			return
		}
		t.state = timeoutFired
		t.mu.Unlock()
		hub.throwInto(fiber, t.injected)
	})
	return nil
}

// Cancel cancels the pending timer, transitioning PENDING→CANCELLED.
// It is a no-op on an already-fired, already-cancelled, or never-started
// Timeout (spec §4.H, §5).
func (t *Timeout) Cancel() {
	t.mu.Lock()
	if t.state != timeoutPending {
		t.mu.Unlock()
		return
	}
	t.state = timeoutCancelled
	timer := t.timer
	hub := t.hub
	t.mu.Unlock()
	if hub != nil {
		hub.CancelTimer(timer)
	}
}

// Pending reports whether the timer is still scheduled (spec §6
// .pending).
func (t *Timeout) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == timeoutPending
}

// matches reports whether err is this Timeout's own injected exception
// (spec §4.H "identity match").
func (t *Timeout) matches(err error) bool {
	return err != nil && errors.Is(err, t.injected)
}

// Run is the scoped guard form: Start on entry, Cancel on every exit
// path including an error return (spec §4.H "scoped form"). If body
// returns this scope's own injected error, Run either suppresses it
// (when built with SuppressTimeout) or returns it; any other error
// — including a *different* Timeout's error from an outer scope firing
// while this one's body was running — passes through unchanged, which
// is what makes nested-timeout identity matching (spec §4.H "Nesting")
// fall out of ordinary Go error propagation instead of needing special
// unwinding.
func (t *Timeout) Run(ctx context.Context, body func(context.Context) error) error {
	if err := t.Start(ctx); err != nil {
		return err
	}
	err := body(ctx)
	t.Cancel()

	if t.matches(err) {
		if t.suppress {
			return nil
		}
		return err
	}
	return err
}

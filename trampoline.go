package corofiber

import (
	"context"
	"time"
)

// DefaultTimeoutError is used by Trampoline when no timeoutErr is given
// (spec §4.F mirrors eventlet's `timeout_exc=timeout.Timeout` default).
func DefaultTimeoutError() error { return &TimeoutError{} }

// Trampoline suspends the calling fiber until fd is ready in the
// requested direction, or timeout elapses (spec §4.F). Exactly one of
// read/write must be true. If timeout is nil the call blocks
// indefinitely on fd readiness. On every return path — normal,
// timed-out, or any other injected error (e.g. Kill) — the installed
// listener is removed and the timeout timer is cancelled before
// Trampoline returns or propagates (spec §8 property 4).
func Trampoline(ctx context.Context, fd int, read, write bool, timeout *time.Duration, timeoutErr error) (any, error) {
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return nil, usageErrorf("trampoline: must not be called from the hub fiber")
	}
	if read == write {
		return nil, usageErrorf("trampoline: exactly one of read or write must be true")
	}

	hub := CurrentHub(ctx)
	if timeoutErr == nil {
		timeoutErr = DefaultTimeoutError()
	}

	dir := Read
	if write {
		dir = Write
	}

	var timer *Timer
	if timeout != nil {
		timer = hub.ScheduleCallGlobal(*timeout, func() {
			hub.throwInto(fiber, timeoutErr)
		})
	}

	listener, err := hub.addListener(fd, dir, func() {
		hub.switchTo(fiber, nil)
	})
	if err != nil {
		if timer != nil {
			hub.CancelTimer(timer)
		}
		return nil, err
	}

	value, waitErr := fiber.suspend()

	hub.removeListener(listener)
	if timer != nil {
		hub.CancelTimer(timer)
	}

	return value, waitErr
}

package corofiber

import "time"

// ReadyEvent is one (fd, direction) readiness report from a Backend.
type ReadyEvent struct {
	Fd    int
	Read  bool
	Write bool
	Exc   bool
}

// Backend is the readiness-multiplexing collaborator a Hub drives (spec
// §1 "explicitly out of scope... with only their interfaces mentioned",
// §6 "Backend adapter interface"). corofiber treats concrete backends as
// pluggable infrastructure: the Hub never reaches into backend
// internals, only through this interface.
//
// Unlike the libevent/twisted-reactor style hubs spec.md generalizes
// over, an epoll/poll/select backend has no native notion of a timer:
// the Hub computes the next deadline from its own timer heap and passes
// it as Wait's timeout, so Backend carries no add_timer/cancel_timer
// hooks — there is nothing for them to do against this family of
// backends.
type Backend interface {
	// Watch starts monitoring fd for the given directions. Calling it
	// again for an fd already being watched updates the interest set.
	Watch(fd int, read, write bool) error

	// Unwatch stops monitoring fd entirely.
	Unwatch(fd int) error

	// Wait blocks until at least one watched fd is ready, or timeout
	// elapses. A nil timeout means block indefinitely (no pending
	// timers); a zero timeout means return immediately after one poll.
	Wait(timeout *time.Duration) ([]ReadyEvent, error)

	// Abort unblocks a concurrent Wait call without waiting for a fd
	// event or the timeout, used by Hub.Abort (spec §4.E).
	Abort()

	// Close releases OS resources held by the backend (epoll fd, etc).
	Close() error
}

// SYSTEM errors unwind the hub loop instead of being squelched (spec
// §4.E "Signal handling", §7 "SYSTEM exceptions"). ErrInterrupted is
// what a backend's Wait returns when Abort woke it. The backends install
// no signal handling of their own; a SIGINT reaches the hub only if the
// program itself calls Hub.Abort on it.
type ErrInterrupted struct{}

func (ErrInterrupted) Error() string { return "corofiber: interrupted" }

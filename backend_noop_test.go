package corofiber

import (
	"sync"
	"time"
)

// noopBackend is a minimal in-memory Backend double used by tests that
// only exercise the timer heap, fiber switching, or higher-level
// primitives and don't need a real fd multiplexer. Wait blocks until
// Abort is called or the given timeout elapses, reporting no events —
// Hub.Run only needs fd reports for Trampoline-style tests, which use
// a real backend instead (see trampoline_test.go).
type noopBackend struct {
	mu      sync.Mutex
	aborted chan struct{}
	once    sync.Once
}

func (b *noopBackend) init() {
	b.once.Do(func() { b.aborted = make(chan struct{}) })
}

func (b *noopBackend) Watch(fd int, read, write bool) error { return nil }
func (b *noopBackend) Unwatch(fd int) error                  { return nil }

func (b *noopBackend) Wait(timeout *time.Duration) ([]ReadyEvent, error) {
	b.init()
	if timeout == nil {
		<-b.aborted
		return nil, ErrInterrupted{}
	}
	select {
	case <-b.aborted:
		return nil, ErrInterrupted{}
	case <-time.After(*timeout):
		return nil, nil
	}
}

func (b *noopBackend) Abort() {
	b.init()
	select {
	case <-b.aborted:
	default:
		close(b.aborted)
	}
}

func (b *noopBackend) Close() error { return nil }

//go:build !linux

package corofiber

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// selectBackend is the portable Backend fallback for platforms without
// epoll (spec §6: "one of epoll/poll/select/libevent/twisted"). It
// trades O(1) readiness reporting for working everywhere syscall.Select
// does, which is exactly the tradeoff the hub-selection policy in spec
// §6 describes ("epoll if available, else poll, else select").
type selectBackend struct {
	abortR, abortW int

	mu    sync.Mutex
	read  map[int]bool
	write map[int]bool
}

// NewSelectBackend creates a select(2)-based Backend.
func NewSelectBackend() (Backend, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, &BackendError{Err: err}
	}
	return &selectBackend{
		abortR: fds[0],
		abortW: fds[1],
		read:   make(map[int]bool),
		write:  make(map[int]bool),
	}, nil
}

func (b *selectBackend) Watch(fd int, read, write bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if read {
		b.read[fd] = true
	} else {
		delete(b.read, fd)
	}
	if write {
		b.write[fd] = true
	} else {
		delete(b.write, fd)
	}
	return nil
}

func (b *selectBackend) Unwatch(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.read, fd)
	delete(b.write, fd)
	return nil
}

func (b *selectBackend) Wait(timeout *time.Duration) ([]ReadyEvent, error) {
	b.mu.Lock()
	var rset, wset unix.FdSet
	maxFd := b.abortR
	rset.Set(b.abortR)
	for fd := range b.read {
		rset.Set(fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	for fd := range b.write {
		wset.Set(fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	b.mu.Unlock()

	var tv *unix.Timeval
	if timeout != nil {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	_, err := unix.Select(maxFd+1, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, &BackendError{Err: err}
	}

	if rset.IsSet(b.abortR) {
		drainSelfPipe(b.abortR)
		return nil, ErrInterrupted{}
	}

	var ready []ReadyEvent
	b.mu.Lock()
	for fd := range b.read {
		if rset.IsSet(fd) {
			ready = append(ready, ReadyEvent{Fd: fd, Read: true})
		}
	}
	for fd := range b.write {
		if wset.IsSet(fd) {
			ready = append(ready, ReadyEvent{Fd: fd, Write: true})
		}
	}
	b.mu.Unlock()
	return ready, nil
}

func drainSelfPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (b *selectBackend) Abort() {
	var one [1]byte
	unix.Write(b.abortW, one[:])
}

func (b *selectBackend) Close() error {
	unix.Close(b.abortR)
	return unix.Close(b.abortW)
}

// newPlatformBackend is the non-Linux resolution of the hub-selection
// policy in spec §6 ("... else poll, else select"): select is the only
// backend compiled in here, so every BackendName value maps to it.
func newPlatformBackend(cfg Config) (Backend, error) {
	return NewSelectBackend()
}

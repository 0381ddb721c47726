//go:build linux

package corofiber

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the default Backend on Linux. Its shape (a single
// epoll fd, a self-pipe for Abort, batch Wait reporting) follows the
// teacher's watcher.go poller usage, translated from gaio's hand-rolled
// syscall.Read/Write loop onto golang.org/x/sys/unix, the ecosystem's
// standard epoll wrapper (see DESIGN.md).
type epollBackend struct {
	epfd int

	abortR, abortW int // self-pipe, woken by Abort

	mu      sync.Mutex
	watched map[int]uint32 // fd -> current epoll event mask
}

// NewEpollBackend creates a Linux epoll-based Backend.
func NewEpollBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &BackendError{Err: err}
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, &BackendError{Err: err}
	}

	b := &epollBackend{
		epfd:    epfd,
		abortR:  fds[0],
		abortW:  fds[1],
		watched: make(map[int]uint32),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.abortR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.abortR),
	}); err != nil {
		b.Close()
		return nil, &BackendError{Err: err}
	}

	return b, nil
}

func maskFor(read, write bool) uint32 {
	var mask uint32
	if read {
		mask |= unix.EPOLLIN
	}
	if write {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (b *epollBackend) Watch(fd int, read, write bool) error {
	mask := maskFor(read, write)

	b.mu.Lock()
	defer b.mu.Unlock()

	ev := &unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if _, ok := b.watched[fd]; ok {
		if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
			return &BackendError{Err: err}
		}
	} else {
		if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			return &BackendError{Err: err}
		}
	}
	b.watched[fd] = mask
	return nil
}

func (b *epollBackend) Unwatch(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.watched[fd]; !ok {
		return nil
	}
	delete(b.watched, fd)
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return &BackendError{Err: err}
	}
	return nil
}

func (b *epollBackend) Wait(timeout *time.Duration) ([]ReadyEvent, error) {
	ms := -1
	if timeout != nil {
		ms = int(timeout.Milliseconds())
		if ms < 0 {
			ms = 0
		}
	}

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, &BackendError{Err: err}
	}

	var ready []ReadyEvent
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == b.abortR {
			drainSelfPipe(b.abortR)
			return nil, ErrInterrupted{}
		}
		mask := events[i].Events
		ready = append(ready, ReadyEvent{
			Fd:    fd,
			Read:  mask&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			Write: mask&unix.EPOLLOUT != 0,
			Exc:   mask&unix.EPOLLERR != 0,
		})
	}
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

func (b *epollBackend) Abort() {
	var one [1]byte
	unix.Write(b.abortW, one[:])
}

func (b *epollBackend) Close() error {
	unix.Close(b.abortR)
	unix.Close(b.abortW)
	return unix.Close(b.epfd)
}

// newPlatformBackend is the Linux resolution of the hub-selection policy
// in spec §6 ("epoll if available..."): epoll is always available here,
// so every BackendName value maps to it.
func newPlatformBackend(cfg Config) (Backend, error) {
	return NewEpollBackend()
}

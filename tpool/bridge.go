// Package tpool is the native-thread offload bridge of spec §4.K: a way
// for code running on a corofiber Hub to invoke an arbitrary blocking
// Go function without freezing the cooperative world, by handing it to
// a fixed set of worker goroutines standing in for the source's native
// OS threads (a worker goroutine never touches hub state directly,
// which is the property spec §4.K actually requires — true OS-thread
// pinning buys nothing extra here).
package tpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/corofiber/corofiber"
)

// request is the (result-event, callable) tuple spec §3 names "tpool
// Request".
type request struct {
	id     string
	result *corofiber.Event
	fn     func() (any, error)
}

// response is spec §3's "tpool Response": (result-event, result-or-exc).
type response struct {
	result *corofiber.Event
	value  any
	err    error
}

// reqQueue is the thread-safe unbounded request queue of spec §4.K.
// Worker goroutines block-pop from it; a nil item is the shutdown
// sentinel.
type reqQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*request
}

func newReqQueue() *reqQueue {
	q := &reqQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *reqQueue) push(r *request) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.cond.Signal()
	q.mu.Unlock()
}

// pop blocks until an item is available (spec §4.K "block-pop from
// request queue").
func (q *reqQueue) pop() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r
}

// respQueue is the thread-safe unbounded response queue. The bridge
// fiber only ever drains it non-blockingly (spec §4.K "Bridge fiber
// loop").
type respQueue struct {
	mu    sync.Mutex
	items []*response
}

func (q *respQueue) push(r *response) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
}

func (q *respQueue) drain() []*response {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Bridge is the tpool of spec §4.K: two queues, a fixed worker-goroutine
// set, a self-pipe, and a dedicated bridge fiber that is the pipe's only
// reader.
type Bridge struct {
	hub     *corofiber.Hub
	rootCtx context.Context
	threads int
	logger  *zap.Logger

	reqQ  *reqQueue
	respQ *respQueue

	wakeR, wakeW int

	group *errgroup.Group

	mu          sync.Mutex
	started     bool
	bridgeFiber *corofiber.Fiber
	workerErrs  []error
}

// New builds a Bridge bound to hub, running threads worker goroutines.
// rootCtx is used only to spawn the bridge fiber and is not tied to any
// particular caller fiber (spec §6 "Global tpool singletons... expose an
// explicit shutdown").
func New(rootCtx context.Context, hub *corofiber.Hub, threads int, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		hub:     hub,
		rootCtx: rootCtx,
		threads: threads,
		logger:  logger,
		reqQ:    newReqQueue(),
		respQ:   &respQueue{},
	}
}

// Execute runs fn on a worker goroutine and returns its result (or
// re-raises its error) in the caller's fiber (spec §4.K, §6 "execute(fn,
// args)"). The bridge is lazily initialized on first call.
func (b *Bridge) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.ensureStarted(); err != nil {
		return nil, err
	}

	result := corofiber.NewEvent(b.hub)
	b.reqQ.push(&request{id: uuid.NewString(), result: result, fn: fn})
	return result.Wait(ctx)
}

func (b *Bridge) ensureStarted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return fmt.Errorf("tpool: creating wake pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return fmt.Errorf("tpool: setting wake pipe nonblocking: %w", err)
	}
	b.wakeR, b.wakeW = fds[0], fds[1]

	b.group, _ = errgroup.WithContext(context.Background())
	for i := 0; i < b.threads; i++ {
		b.group.Go(func() error {
			err := b.workerLoop()
			if err != nil {
				b.mu.Lock()
				b.workerErrs = append(b.workerErrs, err)
				b.mu.Unlock()
			}
			return err
		})
	}

	b.bridgeFiber = b.hub.Spawn(b.rootCtx, b.bridgeLoop)
	b.started = true
	return nil
}

// workerLoop is spec §4.K's "Worker thread loop": block-pop, invoke,
// capture outcome (recovering a panic the way Go surfaces what Python
// would raise as an exception, e.g. an integer division by zero),
// publish the response, wake the bridge fiber.
func (b *Bridge) workerLoop() (err error) {
	for {
		req := b.reqQ.pop()
		if req == nil {
			return nil
		}
		value, callErr := b.invoke(req.fn)
		b.logger.Debug("tpool: request completed", zap.String("request_id", req.id), zap.Error(callErr))
		b.respQ.push(&response{result: req.result, value: value, err: callErr})
		b.wake()
	}
}

func (b *Bridge) invoke(fn func() (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tpool: callable panicked: %v", r)
		}
	}()
	return fn()
}

func (b *Bridge) wake() {
	var one [1]byte
	if _, err := unix.Write(b.wakeW, one[:]); err != nil {
		b.logger.Warn("tpool: wake pipe write failed", zap.Error(err))
	}
}

// bridgeLoop is spec §4.K's "Bridge fiber loop": the wake pipe read is
// its only suspension point; once woken it drains every pending
// response non-blockingly and sends each to its result Event.
func (b *Bridge) bridgeLoop(ctx context.Context) {
	for {
		_, err := corofiber.Trampoline(ctx, b.wakeR, true, false, nil, nil)
		if err != nil {
			if corofiber.IsFiberExit(err) {
				return
			}
			b.logger.Warn("tpool: bridge fiber trampoline error", zap.Error(err))
			continue
		}
		drainWakePipe(b.wakeR)
		for _, resp := range b.respQ.drain() {
			if sendErr := resp.result.Send(resp.value, resp.err); sendErr != nil {
				b.logger.Warn("tpool: delivering response", zap.Error(sendErr))
			}
		}
	}
}

func drainWakePipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Shutdown implements spec §4.K's killall: enqueue N null sentinels,
// join all worker goroutines (aggregating every join error instead of
// letting errgroup drop all but the first), kill the bridge fiber, and
// close the wake pipe.
func (b *Bridge) Shutdown() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	for i := 0; i < b.threads; i++ {
		b.reqQ.push(nil)
	}
	// group.Wait's own return value is only the first worker error;
	// the full set accumulated in workerErrs is what gets combined below.
	_ = b.group.Wait()

	b.hub.Kill(b.bridgeFiber)
	unix.Close(b.wakeR)
	unix.Close(b.wakeW)

	b.mu.Lock()
	errs := b.workerErrs
	b.workerErrs = nil
	b.started = false
	b.mu.Unlock()

	return multierr.Combine(errs...)
}

package corofiber

import "context"

// ctxKey namespaces values corofiber stores on a context.Context, so a
// fiber body can recover the hub and fiber it is running on without a
// package-level thread-local.
type ctxKey int

const (
	ctxKeyFiber ctxKey = iota
	ctxKeyHub
)

// withFiber returns a context carrying fiber as the current fiber, and
// hub as its owning hub. Every fiber entry point is wrapped with this
// before its body runs.
func withFiber(parent context.Context, hub *Hub, fiber *Fiber) context.Context {
	ctx := context.WithValue(parent, ctxKeyHub, hub)
	ctx = context.WithValue(ctx, ctxKeyFiber, fiber)
	return ctx
}

// CurrentFiber returns the Fiber running on ctx, or nil if ctx was never
// derived from a spawned fiber (e.g. it belongs to the hub goroutine
// itself, or to code that never entered corofiber).
func CurrentFiber(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKeyFiber).(*Fiber)
	return f
}

// CurrentHub returns the Hub associated with ctx.
func CurrentHub(ctx context.Context) *Hub {
	h, _ := ctx.Value(ctxKeyHub).(*Hub)
	return h
}

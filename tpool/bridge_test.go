package tpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corofiber/corofiber"
)

func newTestHub(t *testing.T) *corofiber.Hub {
	t.Helper()
	backend, err := corofiber.NewEpollBackend()
	require.NoError(t, err)
	return corofiber.NewHub("tpool-test", backend)
}

func runHubUntilDone(t *testing.T, hub *corofiber.Hub) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		hub.Abort()
		t.Fatal("hub did not finish within the test deadline")
	}
}

// Every test below must shut the bridge down from within the fiber that
// observes the job finish, before relying on runHubUntilDone to return:
// bridgeLoop keeps a permanent Trampoline listener installed on the wake
// pipe for the bridge fiber's whole life, so Hub.Run never returns on
// its own while a Bridge is still running — Shutdown (which kills the
// bridge fiber) is what lets the registry go empty.

func TestBridgeExecuteReturnsValue(t *testing.T) {
	hub := newTestHub(t)
	bridge := New(context.Background(), hub, 2, nil)

	var got any
	var gotErr error

	hub.Spawn(context.Background(), func(ctx context.Context) {
		got, gotErr = bridge.Execute(ctx, func() (any, error) {
			return 7 * 6, nil
		})
		require.NoError(t, bridge.Shutdown())
	})

	runHubUntilDone(t, hub)

	assert.NoError(t, gotErr)
	assert.Equal(t, 42, got)
}

// TestBridgeExecutePropagatesError is the tpool-exception scenario: a
// worker-side error surfaces unchanged in the calling fiber.
func TestBridgeExecutePropagatesError(t *testing.T) {
	hub := newTestHub(t)
	bridge := New(context.Background(), hub, 1, nil)

	boom := errors.New("division by zero")
	var gotErr error

	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = bridge.Execute(ctx, func() (any, error) {
			return nil, boom
		})
		require.NoError(t, bridge.Shutdown())
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	assert.Same(t, boom, gotErr)
}

func TestBridgeExecuteRecoversWorkerPanic(t *testing.T) {
	hub := newTestHub(t)
	bridge := New(context.Background(), hub, 1, nil)

	var gotErr error

	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = bridge.Execute(ctx, func() (any, error) {
			var xs []int
			_ = xs[0] // index out of range panic
			return nil, nil
		})
		require.NoError(t, bridge.Shutdown())
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "panicked")
}

func TestBridgeExecuteServesConcurrentCallers(t *testing.T) {
	hub := newTestHub(t)
	bridge := New(context.Background(), hub, 4, nil)

	results := make([]int, 4)
	done := 0

	for i := 0; i < 4; i++ {
		i := i
		hub.Spawn(context.Background(), func(ctx context.Context) {
			v, err := bridge.Execute(ctx, func() (any, error) {
				return i * i, nil
			})
			require.NoError(t, err)
			results[i] = v.(int)

			// Fibers never run concurrently with each other (baton
			// model), so this plain counter needs no lock: exactly one
			// of the four will observe done == 4 and shut the bridge
			// down.
			done++
			if done == 4 {
				require.NoError(t, bridge.Shutdown())
			}
		})
	}

	runHubUntilDone(t, hub)

	assert.Equal(t, []int{0, 1, 4, 9}, results)
}

func TestBridgeShutdownIsIdempotent(t *testing.T) {
	hub := newTestHub(t)
	bridge := New(context.Background(), hub, 2, nil)

	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, _ = bridge.Execute(ctx, func() (any, error) { return nil, nil })
		require.NoError(t, bridge.Shutdown())
	})
	runHubUntilDone(t, hub)

	assert.NoError(t, bridge.Shutdown())
}

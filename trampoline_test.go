package corofiber

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipeBackedHub(t *testing.T) (*Hub, int, int) {
	t.Helper()
	backend, err := NewEpollBackend()
	require.NoError(t, err)
	hub := NewHub("trampoline-test", backend)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return hub, fds[0], fds[1]
}

func TestTrampolineResumesOnReadReady(t *testing.T) {
	hub, r, w := newPipeBackedHub(t)

	var gotErr error
	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = Trampoline(ctx, r, true, false, nil, nil)
	})

	hub.SpawnAfter(context.Background(), 5*time.Millisecond, func(ctx context.Context) {
		unix.Write(w, []byte("x"))
	})

	runHubUntilDone(t, hub)
	assert.NoError(t, gotErr)
}

func TestTrampolineTimesOutWithDefaultError(t *testing.T) {
	hub, r, _ := newPipeBackedHub(t)

	var gotErr error
	d := 5 * time.Millisecond
	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = Trampoline(ctx, r, true, false, &d, nil)
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	var te *TimeoutError
	assert.ErrorAs(t, gotErr, &te)
}

func TestTrampolineTimesOutWithCustomError(t *testing.T) {
	hub, r, _ := newPipeBackedHub(t)

	custom := &UsageError{Msg: "custom trampoline timeout"}
	var gotErr error
	d := 5 * time.Millisecond
	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = Trampoline(ctx, r, true, false, &d, custom)
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	assert.Same(t, custom, gotErr)
}

func TestTrampolineRejectsBothDirections(t *testing.T) {
	hub, r, _ := newPipeBackedHub(t)

	var gotErr error
	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = Trampoline(ctx, r, true, true, nil, nil)
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	var usageErr *UsageError
	assert.ErrorAs(t, gotErr, &usageErr)
}

func TestTrampolineRejectsNeitherDirection(t *testing.T) {
	hub, r, _ := newPipeBackedHub(t)

	var gotErr error
	hub.Spawn(context.Background(), func(ctx context.Context) {
		_, gotErr = Trampoline(ctx, r, false, false, nil, nil)
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	var usageErr *UsageError
	assert.ErrorAs(t, gotErr, &usageErr)
}

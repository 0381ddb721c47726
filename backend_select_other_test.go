//go:build !linux

package corofiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSelectBackendReportsReadReady(t *testing.T) {
	backend, err := NewSelectBackend()
	require.NoError(t, err)
	defer backend.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, backend.Watch(fds[0], true, false))
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	timeout := 500 * time.Millisecond
	events, err := backend.Wait(&timeout)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fds[0], events[0].Fd)
	assert.True(t, events[0].Read)
}

func TestSelectBackendWaitTimesOutWithNoEvents(t *testing.T) {
	backend, err := NewSelectBackend()
	require.NoError(t, err)
	defer backend.Close()

	timeout := 10 * time.Millisecond
	events, err := backend.Wait(&timeout)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSelectBackendAbortInterruptsWait(t *testing.T) {
	backend, err := NewSelectBackend()
	require.NoError(t, err)
	defer backend.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		backend.Abort()
	}()

	_, err = backend.Wait(nil)
	require.Error(t, err)
	_, isInterrupted := err.(ErrInterrupted)
	assert.True(t, isInterrupted)
}

func TestSelectBackendUnwatchStopsReporting(t *testing.T) {
	backend, err := NewSelectBackend()
	require.NoError(t, err)
	defer backend.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, backend.Watch(fds[0], true, false))
	require.NoError(t, backend.Unwatch(fds[0]))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	timeout := 10 * time.Millisecond
	events, err := backend.Wait(&timeout)
	require.NoError(t, err)
	assert.Empty(t, events)
}

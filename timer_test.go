package corofiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerWheelOrdersByDeadlineThenInsertion(t *testing.T) {
	w := newTimerWheel()

	var fired []string
	now := time.Now()

	// Two timers with the same computed deadline (delay 0) must fire in
	// insertion order.
	t1 := w.schedule(0, func() { fired = append(fired, "a") }, nil)
	t2 := w.schedule(0, func() { fired = append(fired, "b") }, nil)
	require.NotNil(t, t1)
	require.NotNil(t, t2)

	w.expireReady(now.Add(time.Millisecond))
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestTimerWheelCancelIsIdempotentAndSkipsFire(t *testing.T) {
	w := newTimerWheel()
	fired := false
	timer := w.schedule(0, func() { fired = true }, nil)

	w.cancel(timer)
	w.cancel(timer) // second cancel: no-op, must not panic

	w.expireReady(time.Now().Add(time.Millisecond))
	assert.False(t, fired)
}

func TestTimerWheelNextDeadlineSkipsCancelledHeadNodes(t *testing.T) {
	w := newTimerWheel()
	early := w.schedule(time.Millisecond, func() {}, nil)
	w.schedule(time.Hour, func() {}, nil)

	w.cancel(early)

	_, ok := w.nextDeadline()
	require.True(t, ok)
	assert.True(t, w.empty() == false)
}

func TestTimerWheelEmpty(t *testing.T) {
	w := newTimerWheel()
	assert.True(t, w.empty())

	timer := w.schedule(time.Hour, func() {}, nil)
	assert.False(t, w.empty())

	w.cancel(timer)
	assert.True(t, w.empty())
}

func TestLocalTimerCancelledWhenFiberExits(t *testing.T) {
	hub := NewHub("test", &noopBackend{})
	f := newFiber(hub)

	fired := false
	timer := hub.timers.schedule(time.Hour, func() { fired = true }, f)
	assert.Len(t, f.localTimers, 1)

	f.cancelLocalTimers()
	assert.Empty(t, f.localTimers)
	assert.True(t, timer.cancelled.Load())
	assert.False(t, fired)
}

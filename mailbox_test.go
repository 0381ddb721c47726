package corofiber

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStopMailbox = errors.New("stop")

func TestMailboxDeliversInOrder(t *testing.T) {
	hub := NewHub("test", &noopBackend{})
	mb := NewMailbox(hub)

	var got []int

	hub.Spawn(context.Background(), func(ctx context.Context) {
		_ = mb.RunForever(ctx, func(ctx context.Context, msg any) error {
			got = append(got, msg.(int))
			if len(got) == 3 {
				return errStopMailbox
			}
			return nil
		})
	})

	hub.SpawnAfter(context.Background(), 0, func(ctx context.Context) {
		mb.Cast(1)
		mb.Cast(2)
		mb.Cast(3)
	})

	runHubUntilDone(t, hub)

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestMailboxRunForeverStopsOnReceivedError(t *testing.T) {
	hub := NewHub("test", &noopBackend{})
	mb := NewMailbox(hub)

	var gotErr error

	hub.Spawn(context.Background(), func(ctx context.Context) {
		gotErr = mb.RunForever(ctx, func(ctx context.Context, msg any) error {
			return errStopMailbox
		})
	})

	hub.SpawnAfter(context.Background(), 0, func(ctx context.Context) {
		mb.Cast("wake")
	})

	runHubUntilDone(t, hub)

	require.Error(t, gotErr)
	assert.Same(t, errStopMailbox, gotErr)
}

func TestMailboxCastWakesWaitingOwner(t *testing.T) {
	hub := NewHub("test", &noopBackend{})
	mb := NewMailbox(hub)

	var received bool

	hub.Spawn(context.Background(), func(ctx context.Context) {
		_ = mb.RunForever(ctx, func(ctx context.Context, msg any) error {
			received = true
			return errStopMailbox
		})
	})

	// Owner starts with an empty mailbox and must block on inbox.Wait
	// until Cast is called from a different fiber.
	hub.SpawnAfter(context.Background(), 0, func(ctx context.Context) {
		mb.Cast("wake")
	})

	runHubUntilDone(t, hub)

	assert.True(t, received)
}

func TestMailboxLenReflectsQueuedMessages(t *testing.T) {
	hub := NewHub("test", &noopBackend{})
	mb := NewMailbox(hub)

	mb.Cast("a")
	mb.Cast("b")
	require.Equal(t, 2, mb.Len())
}

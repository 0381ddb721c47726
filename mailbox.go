package corofiber

import (
	"context"
	"sync"
)

// Mailbox is the single-consumer actor queue of spec §3/§4.J: an
// unbounded FIFO drained by an owning fiber blocked on an internal Event
// when empty.
type Mailbox struct {
	hub *Hub

	mu    sync.Mutex
	queue []any
	inbox *Event
}

// NewMailbox creates an empty Mailbox bound to hub.
func NewMailbox(hub *Hub) *Mailbox {
	return &Mailbox{hub: hub, inbox: NewEvent(hub)}
}

// Cast appends msg to the FIFO. If the FIFO was empty, it wakes the
// owner by sending the internal Event (spec §4.J "cast(msg)"). Safe to
// call from any fiber.
func (m *Mailbox) Cast(msg any) {
	m.mu.Lock()
	wasEmpty := len(m.queue) == 0
	m.queue = append(m.queue, msg)
	inbox := m.inbox
	m.mu.Unlock()

	if wasEmpty {
		inbox.Send(nil, nil)
	}
}

// Len reports the number of messages still queued, including the one
// currently being handled by received (if any).
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// RunForever is the owner loop of spec §4.J: while the FIFO is
// non-empty, invoke received(front), then pop; when empty, reset the
// inbox and wait on it. received is called exactly once per enqueued
// message, in enqueue order, and is never reentered — the head message
// is left in the queue until received returns, so a Cast racing with an
// in-flight received never retriggers the inbox. RunForever returns the
// first error received returns, or the error surfacing from the inbox
// wait (e.g. a Kill-injected FiberExit).
func (m *Mailbox) RunForever(ctx context.Context, received func(context.Context, any) error) error {
	if CurrentFiber(ctx) == nil {
		return usageErrorf("Mailbox.RunForever: must be called from within a fiber")
	}
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			if m.inbox.Ready() {
				if err := m.inbox.Reset(); err != nil {
					m.hub.squelchException("mailbox-reset", err)
				}
			}
			inbox := m.inbox
			m.mu.Unlock()

			if _, err := inbox.Wait(ctx); err != nil {
				return err
			}
			continue
		}
		msg := m.queue[0]
		m.mu.Unlock()

		if err := received(ctx, msg); err != nil {
			return err
		}

		m.mu.Lock()
		m.queue = m.queue[1:]
		m.mu.Unlock()
	}
}

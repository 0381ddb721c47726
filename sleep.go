package corofiber

import (
	"context"
	"time"
)

// Sleep suspends the calling fiber for d (spec §6 "sleep(seconds)"). It
// is implemented the same way every other suspension point is: a local
// timer whose callback switches the caller back in, cancelled
// unconditionally once suspend returns so a Kill or Timeout firing
// first can never leave a stray wakeup pointed at whatever the fiber
// does next (the same discipline Trampoline uses for its listener and
// timer).
func Sleep(ctx context.Context, d time.Duration) error {
	fiber := CurrentFiber(ctx)
	if fiber == nil {
		return usageErrorf("Sleep: must not be called from the hub fiber")
	}
	hub := CurrentHub(ctx)

	timer := hub.ScheduleCall(ctx, d, func() {
		hub.switchTo(fiber, nil)
	})
	_, err := fiber.suspend()
	hub.CancelTimer(timer)
	return err
}

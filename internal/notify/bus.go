// Package notify carries operator-facing events off the hot execution path
// onto a buffered channel, the way the teacher's internal/bot channel_helpers.go
// does for its dashboard and websocket fan-out (tryEnqueueNotification). This
// system has neither a dashboard nor a websocket hub, so the one consumer is
// internal/engine's own logging loop, but the non-blocking-send discipline —
// drop under backpressure, count the drop, never block a trading decision on
// a slow reader — carries over unchanged.
package notify

import (
	"kimpbot/internal/metrics"
	"kimpbot/internal/models"
)

// Bus is a single-producer-friendly fan-out point for models.Notification
// events. A nil *Bus is valid and Emit on it is a no-op, so callers that are
// constructed without one (tests, RunExitOnly's recovery path with no
// interested reader) never need a nil check of their own.
type Bus struct {
	ch chan models.Notification
}

// NewBus allocates a Bus with the given channel capacity. Sized the same as
// the teacher's notificationChan (100): enough to absorb a burst of slices
// across every open symbol between consumer wake-ups without blocking.
func NewBus(capacity int) *Bus {
	return &Bus{ch: make(chan models.Notification, capacity)}
}

// Emit enqueues n, dropping and counting the drop if the bus is full rather
// than blocking the caller's execution loop on a slow or absent consumer.
func (b *Bus) Emit(n models.Notification) {
	if b == nil {
		return
	}
	select {
	case b.ch <- n:
	default:
		metrics.RecordNotificationOverflow(n.Type)
	}
}

// C returns the receive side of the bus for a consumer loop to range over.
func (b *Bus) C() <-chan models.Notification {
	if b == nil {
		return nil
	}
	return b.ch
}

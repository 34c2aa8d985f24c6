// ABOUTME: Wires the event bus into the buffer manager and outbox watcher
// ABOUTME: No component owns another; this is the single place dependencies meet

package bot

import (
	"context"
	"log/slog"

	"github.com/2389/warelay/internal/buffer"
	"github.com/2389/warelay/internal/event"
	"github.com/2389/warelay/internal/outbox"
)

// Run pumps supervisor events into the bot pipeline until ctx is
// cancelled: inbound messages feed the buffer manager, lifecycle events
// drive the outbox watcher, and session teardown drops buffers.
func Run(ctx context.Context, bus *event.Bus, buffers *buffer.Manager, watcher *outbox.Watcher, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bot")

	events, _ := bus.Subscribe(ctx)
	logger.Info("bot pipeline attached")

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}

			watcher.HandleEvent(ctx, evt)

			switch evt.Type {
			case event.TypeStopped, event.TypeDestroyed:
				buffers.DropSession(evt.AccountID, evt.SessionID)
			case event.TypeMessage:
				buffers.Push(ctx, evt)
			}
		}
	}
}

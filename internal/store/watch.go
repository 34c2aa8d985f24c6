// ABOUTME: Live query over ready turns for one session
// ABOUTME: Seed list plus change feed, with a slow poll to catch external writers

package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultWatchPoll is the fallback poll interval for WatchReadyTurns.
// The change feed covers in-process writes instantly; the poll picks up
// turns flipped to ready by the external AI worker.
const DefaultWatchPoll = 5 * time.Second

// TurnWatchSource is the slice of the store the live query reads.
type TurnWatchSource interface {
	ListReadyTurns(ctx context.Context, accountID, label string) ([]*Turn, error)
	Changes() *Notifier
}

// WatchReadyTurns yields every turn that is (or becomes) ready for the
// given session until ctx is cancelled. Duplicates are possible across
// the seed, feed and poll paths; the claim transaction makes them
// harmless. The channel closes when ctx is done.
func WatchReadyTurns(ctx context.Context, s TurnWatchSource, accountID, label string, poll time.Duration) <-chan *Turn {
	if poll <= 0 {
		poll = DefaultWatchPoll
	}
	out := make(chan *Turn, changeBufferSize)
	changes, _ := s.Changes().Subscribe(ctx)
	logger := slog.Default().With("component", "turn-watch",
		"account_id", accountID, "session_id", label)

	go func() {
		defer close(out)

		emit := func(t *Turn) bool {
			select {
			case out <- t:
				return true
			case <-ctx.Done():
				return false
			}
		}

		seed, err := s.ListReadyTurns(ctx, accountID, label)
		if err != nil {
			logger.Error("seed query failed", "error", err)
			return
		}
		for _, t := range seed {
			if !emit(t) {
				return
			}
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case c, ok := <-changes:
				if !ok {
					return
				}
				if c.Kind != ChangeTurn || c.AccountID != accountID || c.Label != label {
					continue
				}
				if c.Turn == nil || c.Turn.Status != TurnStatusReady {
					continue
				}
				if !emit(c.Turn) {
					return
				}

			case <-ticker.C:
				polled, err := s.ListReadyTurns(ctx, accountID, label)
				if err != nil {
					logger.Warn("poll query failed", "error", err)
					continue
				}
				for _, t := range polled {
					if !emit(t) {
						return
					}
				}
			}
		}
	}()

	return out
}

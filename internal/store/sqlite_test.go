// ABOUTME: Tests for the SQLite document store
// ABOUTME: Covers sessions, ACL, thread settings, turn lifecycle and the claim race

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "warelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func makeTurn(aid, label, chatID string, openedAt int64) *Turn {
	windowID := WindowID(aid, label, chatID, openedAt)
	return &Turn{
		WindowID: windowID,
		Status:   TurnStatusPending,
		OpenedAt: openedAt,
		ClosedAt: openedAt + 9000,
		Meta:     TurnMeta{AccountID: aid, Label: label, ChatID: chatID, WindowID: windowID},
		Hints:    TurnHints{LastInbound: ItemTypeText, Lang: "es-MX"},
		Items: []TurnItem{
			{TS: openedAt, Type: ItemTypeText, Text: "hola"},
		},
	}
}

func TestSessionUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &SessionDoc{
		AccountID: "acct-1",
		Label:     "main",
		Status:    SessionStatusStarting,
		CreatedAt: time.Now().UnixMilli(),
		Bot:       BotConfig{Enabled: boolPtr(true), Mode: BotModeAll},
	}
	require.NoError(t, s.UpsertSession(ctx, doc))

	got, err := s.GetSession(ctx, "acct-1", "main")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusStarting, got.Status)
	require.NotNil(t, got.Bot.Enabled)
	assert.True(t, *got.Bot.Enabled)

	_, err = s.GetSession(ctx, "acct-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSessionStatusStampsLastReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateSessionStatus(ctx, "acct-1", "main", SessionStatusStarting, ""))
	got, err := s.GetSession(ctx, "acct-1", "main")
	require.NoError(t, err)
	assert.Zero(t, got.LastReadyAt)

	require.NoError(t, s.UpdateSessionStatus(ctx, "acct-1", "main", SessionStatusReady, "521234@c.us"))
	got, err = s.GetSession(ctx, "acct-1", "main")
	require.NoError(t, err)
	assert.Equal(t, "521234@c.us", got.WaID)
	assert.NotZero(t, got.LastReadyAt)

	// Leaving ready keeps the waId and the lastReadyAt stamp.
	require.NoError(t, s.UpdateSessionStatus(ctx, "acct-1", "main", SessionStatusStopped, ""))
	got, err = s.GetSession(ctx, "acct-1", "main")
	require.NoError(t, err)
	assert.Equal(t, "521234@c.us", got.WaID)
	assert.NotZero(t, got.LastReadyAt)
}

func TestACLDefaultsToEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessions, err := s.GetACL(ctx, "acct-1", "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	require.NoError(t, s.SetACL(ctx, "acct-1", "user-1", []string{"main", "alt"}))
	sessions, err = s.GetACL(ctx, "acct-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "alt"}, sessions)
}

func TestMemberRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetMemberRole(ctx, "acct-1", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMemberRole(ctx, "acct-1", "user-1", RoleAdministrator))
	role, err := s.GetMemberRole(ctx, "acct-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, RoleAdministrator, role)
}

func TestThreadSettingsPrefersSettingsDoc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unknown chat: zero-value view.
	settings, err := s.GetThreadSettings(ctx, "acct-1", "main", "5255@c.us")
	require.NoError(t, err)
	assert.Nil(t, settings.BotEnabled)

	require.NoError(t, s.SetThreadSettings(ctx, "acct-1", "main", "5255@c.us",
		ThreadSettings{BotEnabled: boolPtr(false), PreferredModality: "voice"}))

	settings, err = s.GetThreadSettings(ctx, "acct-1", "main", "5255@c.us")
	require.NoError(t, err)
	require.NotNil(t, settings.BotEnabled)
	assert.False(t, *settings.BotEnabled)
	assert.Equal(t, "voice", settings.PreferredModality)
}

func TestTurnLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turn := makeTurn("acct-1", "main", "5255@c.us", 1000)
	require.NoError(t, s.CreateTurn(ctx, turn))

	got, err := s.GetTurn(ctx, turn.WindowID)
	require.NoError(t, err)
	assert.Equal(t, TurnStatusPending, got.Status)
	assert.Equal(t, "hola", got.Items[0].Text)
	assert.Equal(t, turn.WindowID, got.Meta.WindowID)

	// Worker answers: pending -> ready.
	require.NoError(t, s.SetTurnResponse(ctx, turn.WindowID,
		&TurnResponse{Modality: "text", Text: "hola!"}))

	ready, err := s.ListReadyTurns(ctx, "acct-1", "main")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "hola!", ready[0].Response.Text)

	// Claim: ready -> sending.
	require.NoError(t, s.ClaimTurn(ctx, turn.WindowID, 2000))

	// A second claim aborts.
	assert.ErrorIs(t, s.ClaimTurn(ctx, turn.WindowID, 2001), ErrClaimConflict)

	// Deliver: sending -> delivered.
	require.NoError(t, s.MarkTurnDelivered(ctx, turn.WindowID, 3000, "wa-msg-1"))
	got, err = s.GetTurn(ctx, turn.WindowID)
	require.NoError(t, err)
	assert.Equal(t, TurnStatusDelivered, got.Status)
	assert.Equal(t, "wa-msg-1", got.WaMessageID)
	assert.Nil(t, got.Error)

	// Terminal: no further claims.
	assert.ErrorIs(t, s.ClaimTurn(ctx, turn.WindowID, 4000), ErrClaimConflict)
}

func TestTurnSkippedAndError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	skip := makeTurn("acct-1", "main", "111@c.us", 1000)
	require.NoError(t, s.CreateTurn(ctx, skip))
	require.NoError(t, s.SetTurnResponse(ctx, skip.WindowID, &TurnResponse{Modality: "text", Text: "x"}))
	require.NoError(t, s.ClaimTurn(ctx, skip.WindowID, 2000))
	require.NoError(t, s.MarkTurnSkipped(ctx, skip.WindowID, 2500))

	got, err := s.GetTurn(ctx, skip.WindowID)
	require.NoError(t, err)
	assert.Equal(t, TurnStatusSkipped, got.Status)
	assert.Empty(t, got.WaMessageID)

	fail := makeTurn("acct-1", "main", "222@c.us", 1000)
	require.NoError(t, s.CreateTurn(ctx, fail))
	require.NoError(t, s.SetTurnResponse(ctx, fail.WindowID, &TurnResponse{Modality: "text", Text: "x"}))
	require.NoError(t, s.ClaimTurn(ctx, fail.WindowID, 2000))
	require.NoError(t, s.MarkTurnError(ctx, fail.WindowID, "send", "boom"))

	got, err = s.GetTurn(ctx, fail.WindowID)
	require.NoError(t, err)
	assert.Equal(t, TurnStatusError, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "send", got.Error.Stage)
	assert.Equal(t, "boom", got.Error.Detail)
}

func TestClaimRace_ExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turn := makeTurn("acct-1", "main", "5255@c.us", 1000)
	require.NoError(t, s.CreateTurn(ctx, turn))
	require.NoError(t, s.SetTurnResponse(ctx, turn.WindowID, &TurnResponse{Modality: "text", Text: "x"}))

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ClaimTurn(ctx, turn.WindowID, time.Now().UnixMilli()); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimant must win")
}

func TestWatchReadyTurns(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pre-existing ready turn is seeded.
	seeded := makeTurn("acct-1", "main", "111@c.us", 1000)
	require.NoError(t, s.CreateTurn(context.Background(), seeded))
	require.NoError(t, s.SetTurnResponse(context.Background(), seeded.WindowID,
		&TurnResponse{Modality: "text", Text: "seed"}))

	ch := WatchReadyTurns(ctx, s, "acct-1", "main", time.Hour)

	select {
	case turn := <-ch:
		assert.Equal(t, seeded.WindowID, turn.WindowID)
	case <-time.After(time.Second):
		t.Fatal("seeded ready turn not delivered")
	}

	// A turn flipped to ready after the watch starts arrives via the feed.
	live := makeTurn("acct-1", "main", "222@c.us", 2000)
	require.NoError(t, s.CreateTurn(context.Background(), live))
	require.NoError(t, s.SetTurnResponse(context.Background(), live.WindowID,
		&TurnResponse{Modality: "text", Text: "live"}))

	select {
	case turn := <-ch:
		assert.Equal(t, live.WindowID, turn.WindowID)
	case <-time.After(time.Second):
		t.Fatal("live ready turn not delivered")
	}

	// Other sessions' turns never flow.
	other := makeTurn("acct-1", "alt", "333@c.us", 3000)
	require.NoError(t, s.CreateTurn(context.Background(), other))
	require.NoError(t, s.SetTurnResponse(context.Background(), other.WindowID,
		&TurnResponse{Modality: "text", Text: "other"}))

	select {
	case turn := <-ch:
		t.Fatalf("unexpected turn %s for another session", turn.WindowID)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed on cancellation")
	}
}

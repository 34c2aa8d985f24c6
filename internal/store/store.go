// ABOUTME: Store interface and document types for warelay persistence
// ABOUTME: Defines Turn, SessionDoc, ACL and thread-settings shapes plus the Store contract

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimConflict is returned when a turn claim loses the race: the turn
// is no longer ready or already carries a platform message id.
var ErrClaimConflict = errors.New("turn already claimed")

// Turn status values. Transitions only advance along
// pending -> ready -> sending -> {delivered | error | skipped}.
const (
	TurnStatusPending   = "pending"
	TurnStatusReady     = "ready"
	TurnStatusSending   = "sending"
	TurnStatusDelivered = "delivered"
	TurnStatusSkipped   = "skipped"
	TurnStatusError     = "error"
)

// Session status values, driven by the platform client lifecycle.
const (
	SessionStatusStarting     = "starting"
	SessionStatusScanning     = "scanning"
	SessionStatusReady        = "ready"
	SessionStatusDisconnected = "disconnected"
	SessionStatusAuthFailure  = "auth_failure"
	SessionStatusError        = "error"
	SessionStatusStopped      = "stopped"
)

// RoleAdministrator sees every session label in its account.
const RoleAdministrator = "Administrator"

// Bot policy modes.
const (
	BotModeAll       = "all"
	BotModeAllowlist = "allowlist"
	BotModeBlocklist = "blocklist"
)

// Turn item types.
const (
	ItemTypeText  = "text"
	ItemTypeVoice = "voice"
)

// TurnMeta identifies the session and chat a turn belongs to.
type TurnMeta struct {
	AccountID string `json:"accountId"`
	Label     string `json:"label"`
	ChatID    string `json:"chatId"`
	WindowID  string `json:"windowId"`
}

// TurnHints carries modality and language hints derived at assembly time.
type TurnHints struct {
	LastInbound string `json:"lastInbound,omitempty"` // "text" | "voice"
	Explicit    string `json:"explicit,omitempty"`    // "voice" | "text" | ""
	Lang        string `json:"lang,omitempty"`
}

// TurnItem is one aggregated element of a turn window.
type TurnItem struct {
	TS          int64  `json:"ts"`
	Type        string `json:"type"` // "text" | "voice"
	Text        string `json:"text,omitempty"`
	GcsURI      string `json:"gcsUri,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// TurnAudio is a synthesized audio reply reference.
type TurnAudio struct {
	URL string `json:"url"`
}

// TurnResponse is the AI worker's answer to a turn.
type TurnResponse struct {
	Modality string     `json:"modality"` // "text" | "voice"
	Text     string     `json:"text,omitempty"`
	Audio    *TurnAudio `json:"audio,omitempty"`
}

// TurnError records the stage and detail of a terminal failure.
type TurnError struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// Turn is the durable conversational window document. WindowID is the
// idempotency key; once WaMessageID is set the turn is terminal.
type Turn struct {
	WindowID    string        `json:"windowId"`
	Status      string        `json:"status"`
	OpenedAt    int64         `json:"openedAt"`
	ClosedAt    int64         `json:"closedAt"`
	Meta        TurnMeta      `json:"meta"`
	Hints       TurnHints     `json:"hints"`
	Items       []TurnItem    `json:"items"`
	Response    *TurnResponse `json:"response,omitempty"`
	ClaimedAt   int64         `json:"claimedAt,omitempty"`
	DeliveredAt int64         `json:"deliveredAt,omitempty"`
	SkippedAt   int64         `json:"skippedAt,omitempty"`
	WaMessageID string        `json:"waMessageId,omitempty"`
	Error       *TurnError    `json:"error,omitempty"`
}

// WindowID builds the canonical turn document id.
func WindowID(accountID, label, chatID string, openedAt int64) string {
	return fmt.Sprintf("%s.%s.%s.%d", accountID, label, chatID, openedAt)
}

// BotConfig is the per-session bot policy. Nil pointers mean "not set":
// Enabled defaults to true, ReceiveFromBots to false, Mode to "all".
type BotConfig struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	ReceiveFromBots *bool    `json:"receiveFromBots,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	Allowlist       []string `json:"allowlist,omitempty"`
	Blocklist       []string `json:"blocklist,omitempty"`
}

// SessionDoc is the durable session document under an account.
type SessionDoc struct {
	AccountID   string    `json:"accountId"`
	Label       string    `json:"label"`
	WaID        string    `json:"waId,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   int64     `json:"createdAt"`
	LastReadyAt int64     `json:"lastReadyAt,omitempty"`
	Bot         BotConfig `json:"bot"`
}

// ThreadSettings is the per-chat override of the bot policy. A nil
// BotEnabled inherits the session setting.
type ThreadSettings struct {
	BotEnabled        *bool  `json:"botEnabled,omitempty"`
	PreferredModality string `json:"preferredModality,omitempty"`
}

// Store is the durable document store. It is the single source of truth
// for turns, sessions, membership and ACLs; the claim operation is the
// system's at-most-once delivery guarantee.
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, doc *SessionDoc) error
	GetSession(ctx context.Context, accountID, label string) (*SessionDoc, error)
	ListAccountSessions(ctx context.Context, accountID string) ([]*SessionDoc, error)
	UpdateSessionStatus(ctx context.Context, accountID, label, status, waID string) error
	SetSessionBot(ctx context.Context, accountID, label string, bot BotConfig) error

	// Membership and ACL
	SetMemberRole(ctx context.Context, accountID, uid, role string) error
	GetMemberRole(ctx context.Context, accountID, uid string) (string, error)
	SetACL(ctx context.Context, accountID, uid string, sessions []string) error
	GetACL(ctx context.Context, accountID, uid string) ([]string, error)

	// Thread settings
	SetThreadSettings(ctx context.Context, accountID, label, chatID string, settings ThreadSettings) error
	GetThreadSettings(ctx context.Context, accountID, label, chatID string) (*ThreadSettings, error)

	// Turns
	CreateTurn(ctx context.Context, turn *Turn) error
	GetTurn(ctx context.Context, windowID string) (*Turn, error)
	SetTurnResponse(ctx context.Context, windowID string, resp *TurnResponse) error
	ClaimTurn(ctx context.Context, windowID string, claimedAt int64) error
	MarkTurnDelivered(ctx context.Context, windowID string, deliveredAt int64, waMessageID string) error
	MarkTurnSkipped(ctx context.Context, windowID string, skippedAt int64) error
	MarkTurnError(ctx context.Context, windowID, stage, detail string) error
	ListReadyTurns(ctx context.Context, accountID, label string) ([]*Turn, error)

	// Changes exposes the committed-write change feed.
	Changes() *Notifier

	// Close releases any resources held by the store.
	Close() error
}

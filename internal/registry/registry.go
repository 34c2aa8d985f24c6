// ABOUTME: Thin persistence helper for session metadata
// ABOUTME: Mirrors supervisor lifecycle transitions into the document store

package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/warelay/internal/store"
)

// Registry persists session status, waId, createdAt and lastReadyAt.
// Failures are logged, never fatal: the in-memory supervisor state stays
// authoritative for a running process.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a registry. Pass nil logger for default.
func New(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, logger: logger.With("component", "registry")}
}

// Ensure creates the session document if it does not exist yet.
func (r *Registry) Ensure(ctx context.Context, accountID, label string) {
	_, err := r.store.GetSession(ctx, accountID, label)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("session lookup failed", "account_id", accountID, "session_id", label, "error", err)
		return
	}

	doc := &store.SessionDoc{
		AccountID: accountID,
		Label:     label,
		Status:    store.SessionStatusStarting,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := r.store.UpsertSession(ctx, doc); err != nil {
		r.logger.Warn("session create failed", "account_id", accountID, "session_id", label, "error", err)
	}
}

// SetStatus records a status transition. waID may be empty.
func (r *Registry) SetStatus(ctx context.Context, accountID, label, status, waID string) {
	if err := r.store.UpdateSessionStatus(ctx, accountID, label, status, waID); err != nil {
		r.logger.Warn("session status update failed",
			"account_id", accountID, "session_id", label, "status", status, "error", err)
	}
}

// List returns the persisted session documents for an account.
func (r *Registry) List(ctx context.Context, accountID string) ([]*store.SessionDoc, error) {
	return r.store.ListAccountSessions(ctx, accountID)
}

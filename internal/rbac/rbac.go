// ABOUTME: Role and ACL resolution for subscriber and admin authorization
// ABOUTME: One home for the shared predicate: Administrator, or label in acl[uid].sessions

package rbac

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/2389/warelay/internal/store"
)

// ErrNoRole indicates the uid has no membership in the account.
var ErrNoRole = errors.New("no role in account")

// View is a user's resolved access within one account. For
// Administrators, Sessions is the dynamic set of all account labels.
type View struct {
	Role     string
	Sessions []string
}

// Allows is the single authorization predicate shared by the hub and the
// admin surface.
func (v *View) Allows(label string) bool {
	if v == nil {
		return false
	}
	return v.Role == store.RoleAdministrator || slices.Contains(v.Sessions, label)
}

// Service resolves roles and allowed session labels against the store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an rbac service. Pass nil logger for default.
func New(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger.With("component", "rbac")}
}

// Resolve returns the user's view of an account. Administrators see
// every session label; other roles see their ACL document. A uid without
// a member role gets ErrNoRole.
func (r *Service) Resolve(ctx context.Context, accountID, uid string) (*View, error) {
	role, err := r.store.GetMemberRole(ctx, accountID, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRole
	}
	if err != nil {
		return nil, err
	}

	if role == store.RoleAdministrator {
		docs, err := r.store.ListAccountSessions(ctx, accountID)
		if err != nil {
			return nil, err
		}
		labels := make([]string, 0, len(docs))
		for _, doc := range docs {
			labels = append(labels, doc.Label)
		}
		return &View{Role: role, Sessions: labels}, nil
	}

	sessions, err := r.store.GetACL(ctx, accountID, uid)
	if err != nil {
		return nil, err
	}
	return &View{Role: role, Sessions: sessions}, nil
}

// SubscribeAllowed yields the user's view, then a fresh view after every
// role, ACL or session-set change that can affect it. The channel closes
// when ctx is cancelled. A revoked role yields a nil-role empty view so
// the consumer can close with a policy code.
func (r *Service) SubscribeAllowed(ctx context.Context, accountID, uid string) (<-chan *View, error) {
	initial, err := r.Resolve(ctx, accountID, uid)
	if err != nil && !errors.Is(err, ErrNoRole) {
		return nil, err
	}
	if initial == nil {
		initial = &View{}
	}

	out := make(chan *View, 8)
	changes, _ := r.store.Changes().Subscribe(ctx)

	go func() {
		defer close(out)

		emit := func(v *View) bool {
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(initial) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				if c.AccountID != accountID {
					continue
				}
				switch c.Kind {
				case store.ChangeRole, store.ChangeACL:
					if c.UID != uid {
						continue
					}
				case store.ChangeSession:
					// Only affects Administrators' dynamic label set.
				default:
					continue
				}

				view, err := r.Resolve(ctx, accountID, uid)
				if errors.Is(err, ErrNoRole) {
					view = &View{}
				} else if err != nil {
					r.logger.Warn("re-resolving allowed set failed",
						"account_id", accountID, "uid", uid, "error", err)
					continue
				}
				if !emit(view) {
					return
				}
			}
		}
	}()

	return out, nil
}

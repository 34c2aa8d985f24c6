// ABOUTME: Typed session event records shared by the supervisor, hub and bot pipeline
// ABOUTME: Loosely-typed platform payloads are validated into these at the boundary

package event

// Type discriminates the event variants emitted on the session stream.
type Type string

const (
	TypeQR           Type = "qr"
	TypeReady        Type = "ready"
	TypeMessage      Type = "message"
	TypeSent         Type = "sent"
	TypeDisconnected Type = "disconnected"
	TypeAuthFailure  Type = "auth_failure"
	TypeError        Type = "error"
	TypeStopped      Type = "stopped"
	TypeDestroyed    Type = "destroyed"
)

// Event is a discriminated session event. Type selects which of the
// optional fields are meaningful; the common fields are always set.
type Event struct {
	Type      Type   `json:"type"`
	TS        int64  `json:"ts"`
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId"`
	WaID      string `json:"waId,omitempty"`

	// qr
	QR string `json:"qr,omitempty"`

	// ready
	Self string `json:"self,omitempty"`

	// disconnected / auth_failure / error
	Reason string `json:"reason,omitempty"`
	Err    string `json:"err,omitempty"`

	// message / sent
	MessageID    string `json:"id,omitempty"`
	ChatID       string `json:"chatId,omitempty"`
	Author       string `json:"author,omitempty"`
	FromMe       bool   `json:"fromMe,omitempty"`
	Body         string `json:"body,omitempty"`
	MessageType  string `json:"messageType,omitempty"`
	HasMedia     bool   `json:"hasMedia,omitempty"`
	WaTimestamp  int64  `json:"waTimestamp,omitempty"`
	MediaURLPath string `json:"mediaUrlPath,omitempty"`
}

// IsTerminalForSession reports whether the event means the session left the
// ready state and any per-session watchers should be torn down.
func (e Event) IsTerminalForSession() bool {
	switch e.Type {
	case TypeStopped, TypeDisconnected, TypeDestroyed, TypeAuthFailure, TypeError:
		return true
	}
	return false
}

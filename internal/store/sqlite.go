// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Document-per-row persistence with automatic schema creation and a change feed

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	notifier *Notifier
	logger   *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Concurrent claim transactions retry instead of failing fast
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		notifier: NewNotifier(logger),
		logger:   logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS members (
			account_id TEXT NOT NULL,
			uid        TEXT NOT NULL,
			role       TEXT NOT NULL,

			PRIMARY KEY (account_id, uid)
		);

		CREATE TABLE IF NOT EXISTS acl (
			account_id    TEXT NOT NULL,
			uid           TEXT NOT NULL,
			sessions_json TEXT NOT NULL DEFAULT '[]',

			PRIMARY KEY (account_id, uid)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			account_id    TEXT NOT NULL,
			label         TEXT NOT NULL,
			wa_id         TEXT,
			status        TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			last_ready_at INTEGER,
			bot_json      TEXT NOT NULL DEFAULT '{}',

			PRIMARY KEY (account_id, label)
		);

		CREATE TABLE IF NOT EXISTS threads (
			account_id         TEXT NOT NULL,
			label              TEXT NOT NULL,
			chat_id            TEXT NOT NULL,
			bot_enabled        INTEGER,
			preferred_modality TEXT,

			PRIMARY KEY (account_id, label, chat_id)
		);

		CREATE TABLE IF NOT EXISTS thread_settings (
			account_id         TEXT NOT NULL,
			label              TEXT NOT NULL,
			chat_id            TEXT NOT NULL,
			bot_enabled        INTEGER,
			preferred_modality TEXT,

			PRIMARY KEY (account_id, label, chat_id)
		);

		CREATE TABLE IF NOT EXISTS turns (
			window_id     TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL,
			label         TEXT NOT NULL,
			chat_id       TEXT NOT NULL,
			status        TEXT NOT NULL,
			opened_at     INTEGER NOT NULL,
			closed_at     INTEGER NOT NULL,
			hints_json    TEXT NOT NULL DEFAULT '{}',
			items_json    TEXT NOT NULL DEFAULT '[]',
			response_json TEXT,
			claimed_at    INTEGER,
			delivered_at  INTEGER,
			skipped_at    INTEGER,
			wa_message_id TEXT,
			error_json    TEXT,

			CHECK (status IN ('pending', 'ready', 'sending', 'delivered', 'skipped', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session_status
			ON turns(account_id, label, status);

		CREATE INDEX IF NOT EXISTS idx_turns_chat
			ON turns(account_id, label, chat_id, opened_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Changes exposes the committed-write change feed.
func (s *SQLiteStore) Changes() *Notifier {
	return s.notifier
}

// Close releases the database handle and the change feed.
func (s *SQLiteStore) Close() error {
	s.notifier.Close()
	return s.db.Close()
}

// --- Sessions ---

// UpsertSession writes a full session document.
func (s *SQLiteStore) UpsertSession(ctx context.Context, doc *SessionDoc) error {
	botJSON, err := json.Marshal(doc.Bot)
	if err != nil {
		return fmt.Errorf("marshaling bot config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (account_id, label, wa_id, status, created_at, last_ready_at, bot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, label) DO UPDATE SET
			wa_id = excluded.wa_id,
			status = excluded.status,
			last_ready_at = excluded.last_ready_at,
			bot_json = excluded.bot_json`,
		doc.AccountID, doc.Label, doc.WaID, doc.Status, doc.CreatedAt, doc.LastReadyAt, string(botJSON))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	s.notifier.Publish(Change{Kind: ChangeSession, AccountID: doc.AccountID, Label: doc.Label})
	return nil
}

// GetSession returns a session document, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, accountID, label string) (*SessionDoc, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, label, wa_id, status, created_at, last_ready_at, bot_json
		FROM sessions WHERE account_id = ? AND label = ?`, accountID, label)
	return scanSession(row)
}

// ListAccountSessions returns all session documents for an account.
func (s *SQLiteStore) ListAccountSessions(ctx context.Context, accountID string) ([]*SessionDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, label, wa_id, status, created_at, last_ready_at, bot_json
		FROM sessions WHERE account_id = ? ORDER BY label`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var docs []*SessionDoc
	for rows.Next() {
		doc, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateSessionStatus updates status (and waID when non-empty), stamping
// last_ready_at on transitions to ready. The row is created if missing.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, accountID, label, status, waID string) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (account_id, label, wa_id, status, created_at, last_ready_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, CASE WHEN ? = 'ready' THEN ? ELSE NULL END)
		ON CONFLICT(account_id, label) DO UPDATE SET
			status = excluded.status,
			wa_id = COALESCE(excluded.wa_id, sessions.wa_id),
			last_ready_at = CASE WHEN excluded.status = 'ready' THEN ? ELSE sessions.last_ready_at END`,
		accountID, label, waID, status, now, status, now, now)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	s.notifier.Publish(Change{Kind: ChangeSession, AccountID: accountID, Label: label})
	return nil
}

// SetSessionBot replaces the session's bot policy.
func (s *SQLiteStore) SetSessionBot(ctx context.Context, accountID, label string, bot BotConfig) error {
	botJSON, err := json.Marshal(bot)
	if err != nil {
		return fmt.Errorf("marshaling bot config: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET bot_json = ? WHERE account_id = ? AND label = ?`,
		string(botJSON), accountID, label)
	if err != nil {
		return fmt.Errorf("setting session bot config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.notifier.Publish(Change{Kind: ChangeSession, AccountID: accountID, Label: label})
	return nil
}

// --- Membership and ACL ---

// SetMemberRole assigns a member role within an account.
func (s *SQLiteStore) SetMemberRole(ctx context.Context, accountID, uid, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (account_id, uid, role) VALUES (?, ?, ?)
		ON CONFLICT(account_id, uid) DO UPDATE SET role = excluded.role`,
		accountID, uid, role)
	if err != nil {
		return fmt.Errorf("setting member role: %w", err)
	}

	s.notifier.Publish(Change{Kind: ChangeRole, AccountID: accountID, UID: uid})
	return nil
}

// GetMemberRole returns a member's role, or ErrNotFound.
func (s *SQLiteStore) GetMemberRole(ctx context.Context, accountID, uid string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM members WHERE account_id = ? AND uid = ?`, accountID, uid).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting member role: %w", err)
	}
	return role, nil
}

// SetACL replaces a user's allowed session labels.
func (s *SQLiteStore) SetACL(ctx context.Context, accountID, uid string, sessions []string) error {
	if sessions == nil {
		sessions = []string{}
	}
	sessionsJSON, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshaling acl sessions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO acl (account_id, uid, sessions_json) VALUES (?, ?, ?)
		ON CONFLICT(account_id, uid) DO UPDATE SET sessions_json = excluded.sessions_json`,
		accountID, uid, string(sessionsJSON))
	if err != nil {
		return fmt.Errorf("setting acl: %w", err)
	}

	s.notifier.Publish(Change{Kind: ChangeACL, AccountID: accountID, UID: uid})
	return nil
}

// GetACL returns a user's allowed session labels. A missing doc is an
// empty list, not an error.
func (s *SQLiteStore) GetACL(ctx context.Context, accountID, uid string) ([]string, error) {
	var sessionsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT sessions_json FROM acl WHERE account_id = ? AND uid = ?`, accountID, uid).Scan(&sessionsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting acl: %w", err)
	}

	var sessions []string
	if err := json.Unmarshal([]byte(sessionsJSON), &sessions); err != nil {
		return nil, fmt.Errorf("parsing acl sessions: %w", err)
	}
	return sessions, nil
}

// --- Thread settings ---

// SetThreadSettings writes the preferred per-chat settings document.
func (s *SQLiteStore) SetThreadSettings(ctx context.Context, accountID, label, chatID string, settings ThreadSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_settings (account_id, label, chat_id, bot_enabled, preferred_modality)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, label, chat_id) DO UPDATE SET
			bot_enabled = excluded.bot_enabled,
			preferred_modality = excluded.preferred_modality`,
		accountID, label, chatID, boolPtrToNull(settings.BotEnabled), nullIfEmpty(settings.PreferredModality))
	if err != nil {
		return fmt.Errorf("setting thread settings: %w", err)
	}

	s.notifier.Publish(Change{Kind: ChangeThread, AccountID: accountID, Label: label, ChatID: chatID})
	return nil
}

// GetThreadSettings reads the per-chat settings, preferring the settings
// document and falling back to fields on the thread document itself.
// A missing chat yields zero-value settings, not an error.
func (s *SQLiteStore) GetThreadSettings(ctx context.Context, accountID, label, chatID string) (*ThreadSettings, error) {
	for _, table := range []string{"thread_settings", "threads"} {
		var botEnabled sql.NullBool
		var modality sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT bot_enabled, preferred_modality FROM `+table+`
			 WHERE account_id = ? AND label = ? AND chat_id = ?`,
			accountID, label, chatID).Scan(&botEnabled, &modality)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting thread settings: %w", err)
		}

		settings := &ThreadSettings{PreferredModality: modality.String}
		if botEnabled.Valid {
			v := botEnabled.Bool
			settings.BotEnabled = &v
		}
		return settings, nil
	}
	return &ThreadSettings{}, nil
}

// --- Turns ---

// CreateTurn writes a turn document with set-merge semantics: an existing
// document keeps its response and claim fields.
func (s *SQLiteStore) CreateTurn(ctx context.Context, turn *Turn) error {
	hintsJSON, err := json.Marshal(turn.Hints)
	if err != nil {
		return fmt.Errorf("marshaling hints: %w", err)
	}
	itemsJSON, err := json.Marshal(turn.Items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (window_id, account_id, label, chat_id, status, opened_at, closed_at, hints_json, items_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_id) DO UPDATE SET
			closed_at = excluded.closed_at,
			hints_json = excluded.hints_json,
			items_json = excluded.items_json`,
		turn.WindowID, turn.Meta.AccountID, turn.Meta.Label, turn.Meta.ChatID,
		turn.Status, turn.OpenedAt, turn.ClosedAt, string(hintsJSON), string(itemsJSON))
	if err != nil {
		return fmt.Errorf("creating turn: %w", err)
	}

	s.publishTurnChange(ctx, turn.WindowID)
	return nil
}

// GetTurn returns a turn document, or ErrNotFound.
func (s *SQLiteStore) GetTurn(ctx context.Context, windowID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, selectTurn+` WHERE window_id = ?`, windowID)
	return scanTurn(row)
}

// SetTurnResponse records the worker's answer and flips the turn to ready.
// In production the external AI worker performs this write; the method
// also serves the admin surface and tests.
func (s *SQLiteStore) SetTurnResponse(ctx context.Context, windowID string, resp *TurnResponse) error {
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE turns SET response_json = ?, status = 'ready'
		WHERE window_id = ? AND status = 'pending'`,
		string(respJSON), windowID)
	if err != nil {
		return fmt.Errorf("setting turn response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.publishTurnChange(ctx, windowID)
	return nil
}

// ClaimTurn performs the atomic ready->sending transition. In a single
// transaction the document is re-read; if it is no longer ready, or a
// platform message id is already recorded, the claim aborts with
// ErrClaimConflict.
func (s *SQLiteStore) ClaimTurn(ctx context.Context, windowID string, claimedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var waMessageID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, wa_message_id FROM turns WHERE window_id = ?`, windowID).
		Scan(&status, &waMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading turn for claim: %w", err)
	}

	if status != TurnStatusReady || (waMessageID.Valid && waMessageID.String != "") {
		return ErrClaimConflict
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE turns SET status = 'sending', claimed_at = ? WHERE window_id = ? AND status = 'ready'`,
		claimedAt, windowID)
	if err != nil {
		return fmt.Errorf("claiming turn: %w", err)
	}
	// A concurrent claimant can commit between our snapshot read and the
	// update; the guarded update is the authoritative check.
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing claim: %w", err)
	}

	s.publishTurnChange(ctx, windowID)
	return nil
}

// MarkTurnDelivered finalizes a sent turn.
func (s *SQLiteStore) MarkTurnDelivered(ctx context.Context, windowID string, deliveredAt int64, waMessageID string) error {
	return s.finalizeTurn(ctx, windowID, `
		UPDATE turns SET status = 'delivered', delivered_at = ?, wa_message_id = ?, error_json = NULL
		WHERE window_id = ? AND status = 'sending'`,
		deliveredAt, waMessageID, windowID)
}

// MarkTurnSkipped finalizes a policy-denied turn.
func (s *SQLiteStore) MarkTurnSkipped(ctx context.Context, windowID string, skippedAt int64) error {
	return s.finalizeTurn(ctx, windowID, `
		UPDATE turns SET status = 'skipped', skipped_at = ?, error_json = NULL
		WHERE window_id = ? AND status = 'sending'`,
		skippedAt, windowID)
}

// MarkTurnError records a terminal failure on the turn document.
func (s *SQLiteStore) MarkTurnError(ctx context.Context, windowID, stage, detail string) error {
	errJSON, err := json.Marshal(&TurnError{Stage: stage, Detail: detail})
	if err != nil {
		return fmt.Errorf("marshaling turn error: %w", err)
	}
	return s.finalizeTurn(ctx, windowID, `
		UPDATE turns SET status = 'error', error_json = ?
		WHERE window_id = ? AND status = 'sending'`,
		string(errJSON), windowID)
}

func (s *SQLiteStore) finalizeTurn(ctx context.Context, windowID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("finalizing turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.publishTurnChange(ctx, windowID)
	return nil
}

// ListReadyTurns returns the turns currently in ready for one session.
// Served by the (account_id, label, status) index.
func (s *SQLiteStore) ListReadyTurns(ctx context.Context, accountID, label string) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, selectTurn+`
		WHERE account_id = ? AND label = ? AND status = 'ready'
		ORDER BY opened_at`, accountID, label)
	if err != nil {
		return nil, fmt.Errorf("listing ready turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// publishTurnChange re-reads a turn and emits it on the change feed.
func (s *SQLiteStore) publishTurnChange(ctx context.Context, windowID string) {
	turn, err := s.GetTurn(ctx, windowID)
	if err != nil {
		s.logger.Warn("failed to load turn for change feed", "window_id", windowID, "error", err)
		return
	}
	s.notifier.Publish(Change{
		Kind:      ChangeTurn,
		AccountID: turn.Meta.AccountID,
		Label:     turn.Meta.Label,
		ChatID:    turn.Meta.ChatID,
		Turn:      turn,
	})
}

// --- row scanning helpers ---

const selectTurn = `
	SELECT window_id, account_id, label, chat_id, status, opened_at, closed_at,
	       hints_json, items_json, response_json, claimed_at, delivered_at,
	       skipped_at, wa_message_id, error_json
	FROM turns`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*Turn, error) {
	var t Turn
	var hintsJSON, itemsJSON string
	var respJSON, errJSON, waMessageID sql.NullString
	var claimedAt, deliveredAt, skippedAt sql.NullInt64

	err := row.Scan(&t.WindowID, &t.Meta.AccountID, &t.Meta.Label, &t.Meta.ChatID,
		&t.Status, &t.OpenedAt, &t.ClosedAt, &hintsJSON, &itemsJSON,
		&respJSON, &claimedAt, &deliveredAt, &skippedAt, &waMessageID, &errJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning turn: %w", err)
	}

	t.Meta.WindowID = t.WindowID
	if err := json.Unmarshal([]byte(hintsJSON), &t.Hints); err != nil {
		return nil, fmt.Errorf("parsing hints: %w", err)
	}
	if err := json.Unmarshal([]byte(itemsJSON), &t.Items); err != nil {
		return nil, fmt.Errorf("parsing items: %w", err)
	}
	if respJSON.Valid && respJSON.String != "" {
		if err := json.Unmarshal([]byte(respJSON.String), &t.Response); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		if err := json.Unmarshal([]byte(errJSON.String), &t.Error); err != nil {
			return nil, fmt.Errorf("parsing error: %w", err)
		}
	}
	t.ClaimedAt = claimedAt.Int64
	t.DeliveredAt = deliveredAt.Int64
	t.SkippedAt = skippedAt.Int64
	t.WaMessageID = waMessageID.String
	return &t, nil
}

func scanSession(row scanner) (*SessionDoc, error) {
	var doc SessionDoc
	var waID sql.NullString
	var lastReadyAt sql.NullInt64
	var botJSON string

	err := row.Scan(&doc.AccountID, &doc.Label, &waID, &doc.Status,
		&doc.CreatedAt, &lastReadyAt, &botJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	doc.WaID = waID.String
	doc.LastReadyAt = lastReadyAt.Int64
	if err := json.Unmarshal([]byte(botJSON), &doc.Bot); err != nil {
		return nil, fmt.Errorf("parsing bot config: %w", err)
	}
	return &doc, nil
}

func boolPtrToNull(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

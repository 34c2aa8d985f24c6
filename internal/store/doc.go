// Package store provides persistent storage for the bridge using SQLite.
//
// # Architecture
//
// One Store interface covers the document surface the bridge needs:
//
//   - Sessions: per-(account, label) documents with status and bot policy
//   - Membership/ACL: member roles and per-user allowed session labels
//   - Thread settings: per-chat bot toggles, with a preferred settings
//     document taking precedence over fields on the thread itself
//   - Turns: the durable conversational windows driven by the bot pipeline
//
// SQLiteStore implements the whole interface; consumers declare their own
// narrow slices (see policy.Reader, outbox.TurnStore).
//
// # Turn lifecycle
//
// Turns move along pending -> ready -> sending -> {delivered, skipped,
// error}. ClaimTurn performs the ready -> sending transition inside a
// single transaction and is the system's at-most-once delivery guarantee:
// concurrent claimants race on a guarded update and all but one abort
// with ErrClaimConflict.
//
// # Change feed
//
// Every committed write publishes a Change on the store's Notifier. The
// WatchReadyTurns helper composes a seed query, the change feed and a
// slow poll (for writers in other processes) into the live query the
// outbox watcher consumes. Duplicate observations are harmless; the
// claim absorbs them.
//
// # SQLite configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// A composite index on (account_id, label, status) serves the per-session
// ready-turn query.
package store

// Package outbox delivers worker responses back to their chats.
//
// One live query per ready session observes turns in the ready status.
// Each observation is claimed atomically in the store, policy-checked,
// dispatched through the supervisor and finalized as delivered, skipped
// or error. All outcomes are terminal; a crash between claim and
// finalize leaves the turn in sending for an operator to resolve.
package outbox

// Package policy caches per-session and per-chat bot toggles, allow/block
// lists and the account's own platform ids used for loop prevention.
package policy

// Package auth verifies bearer tokens for stream subscribers and the
// admin surface.
package auth

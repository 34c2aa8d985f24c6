// Package media persists inbound voice notes to blob storage.
package media

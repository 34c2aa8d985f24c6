// Package buffer aggregates bursts of inbound messages into turns.
//
// Each (account, label, chat) key owns one in-memory buffer. Every
// inbound message re-arms the debounce timer; a finalizer phrase flushes
// immediately. On flush the buffer is removed from the map before the
// store write so a racing push opens a fresh window with a new openedAt.
//
// Assemble is the pure half: it orders items by timestamp, merges runs
// of short texts, derives the window id and the modality/language hints.
//
// Buffers idle longer than the GC window are swept every minute; their
// contents are discarded without a flush.
package buffer

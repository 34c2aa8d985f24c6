// ABOUTME: Thread-safe TTL cache holding inbound media references per (account, label, message)
// ABOUTME: Lets media be fetched after the fact and uploaded to blob storage before the hold expires

package mediacache

import (
	"sync"
	"time"

	"github.com/2389/warelay/internal/platform"
)

const (
	// DefaultTTL is how long a media reference stays fetchable.
	DefaultTTL = 15 * time.Minute

	// sweepInterval is how often expired entries are removed.
	sweepInterval = time.Minute
)

// entry stores a media reference and its expiry.
type entry struct {
	ref       platform.MessageRef
	mimetype  string
	filename  string
	expiresAt time.Time
}

// Cache is a thread-safe, TTL-based hold of inbound media references.
// A background goroutine sweeps expired entries every minute.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	done    chan struct{}
	closed  bool
}

// New creates a media cache with the given TTL. Pass 0 for the default.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func key(accountID, label, messageID string) string {
	return accountID + "\x00" + label + "\x00" + messageID
}

// Put stores a media reference for later download.
func (c *Cache) Put(accountID, label, messageID string, ref platform.MessageRef, mimetype, filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(accountID, label, messageID)] = &entry{
		ref:       ref,
		mimetype:  mimetype,
		filename:  filename,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Get returns the stored reference if it is still within its TTL.
func (c *Cache) Get(accountID, label, messageID string) (platform.MessageRef, string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(accountID, label, messageID)]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, "", "", false
	}
	return e.ref, e.mimetype, e.filename, true
}

// DropSession removes every entry belonging to one (account, label).
func (c *Cache) DropSession(accountID, label string) {
	prefix := accountID + "\x00" + label + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweepLoop runs in a background goroutine, removing expired entries.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes all expired entries.
func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

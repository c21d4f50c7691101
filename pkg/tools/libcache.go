package tools

import (
	"log/slog"
	"sync"
	"time"
)

// LibraryCache maps well-known library names to canonical identifiers so
// repeated lookups skip the LLM. Entries expire after a TTL; hit and miss
// counts are exposed for traces and metrics.
type LibraryCache struct {
	mu      sync.Mutex
	entries map[string]libEntry
	ttl     time.Duration

	hits   int64
	misses int64

	logger *slog.Logger
}

type libEntry struct {
	identifier string
	expires    time.Time
}

// NewLibraryCache creates a cache with the given entry TTL.
func NewLibraryCache(ttl time.Duration) *LibraryCache {
	return &LibraryCache{
		entries: make(map[string]libEntry),
		ttl:     ttl,
		logger:  slog.Default().With("component", "tools"),
	}
}

// Lookup returns the cached canonical identifier for a library name.
func (c *LibraryCache) Lookup(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok || time.Now().After(e.expires) {
		if ok {
			delete(c.entries, name)
		}
		c.misses++
		return "", false
	}
	c.hits++
	c.logger.Debug("Library cache hit", "library", name, "identifier", e.identifier)
	return e.identifier, true
}

// Store records a resolved identifier.
func (c *LibraryCache) Store(name, identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = libEntry{identifier: identifier, expires: time.Now().Add(c.ttl)}
}

// Stats returns the cumulative hit and miss counts.
func (c *LibraryCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"pipeweaver/internal/fingerprint"
)

// LRUCache is a bounded in-memory cache that evicts the least recently used
// entry once Size entries are stored.
type LRUCache struct {
	entries *lru.Cache[fingerprint.Fingerprint, CacheEntry]
}

// NewLRUCache creates a cache holding at most size entries.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("lru cache size must be > 0 (got %d)", size)
	}
	l, err := lru.New[fingerprint.Fingerprint, CacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("creating lru cache: %w", err)
	}
	return &LRUCache{entries: l}, nil
}

// Get retrieves an entry and marks it recently used.
func (c *LRUCache) Get(_ context.Context, key fingerprint.Fingerprint) (*CacheEntry, error) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Put stores an entry, possibly evicting the oldest one.
func (c *LRUCache) Put(_ context.Context, entry *CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	c.entries.Add(entry.Key, *entry)
	return nil
}

// Clear removes every entry.
func (c *LRUCache) Clear(_ context.Context) error {
	c.entries.Purge()
	return nil
}

// Len reports the number of entries.
func (c *LRUCache) Len(_ context.Context) (int, error) {
	return c.entries.Len(), nil
}

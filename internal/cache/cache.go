// Package cache stores memoized stage outputs keyed by fingerprint.
//
// Every implementation supports the same get/put/clear contract and is safe
// for concurrent use. Concurrent misses on the same key may both compute and
// both Put; the last write wins and both values are equal by construction.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pipeweaver/internal/fingerprint"
)

// ErrNilEntry is returned by Put when given a nil entry.
var ErrNilEntry = errors.New("cache entry is nil")

// CacheEntry is one memoized stage output.
type CacheEntry struct {
	// Key is the stage fingerprint: stage identity, effective params and input.
	Key fingerprint.Fingerprint

	// Stage is the name of the stage that produced Value. Informational only.
	Stage string

	// Value is the stage output. Callers must treat it as immutable.
	Value any
}

// Cache provides storage and retrieval of stage outputs.
type Cache interface {
	// Get retrieves an entry by key.
	// Returns a nil entry and nil error when the key is absent.
	Get(ctx context.Context, key fingerprint.Fingerprint) (*CacheEntry, error)

	// Put stores an entry, replacing any entry with the same key.
	Put(ctx context.Context, entry *CacheEntry) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Len reports the number of stored entries.
	Len(ctx context.Context) (int, error)
}

func validateEntry(entry *CacheEntry) error {
	if entry == nil {
		return ErrNilEntry
	}
	if entry.Key == "" {
		return fmt.Errorf("cache entry for stage %q has no key", entry.Stage)
	}
	return nil
}

// MemoryCache implements Cache using in-memory storage.
// Useful for tests and for caches that live as long as one process.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[fingerprint.Fingerprint]CacheEntry
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[fingerprint.Fingerprint]CacheEntry),
	}
}

// Get retrieves an entry.
func (c *MemoryCache) Get(_ context.Context, key fingerprint.Fingerprint) (*CacheEntry, error) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return nil, nil
	}
	// Return a copy of the envelope so callers cannot rekey the stored entry.
	return &entry, nil
}

// Put stores an entry.
func (c *MemoryCache) Put(_ context.Context, entry *CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[entry.Key] = *entry
	c.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[fingerprint.Fingerprint]CacheEntry)
	c.mu.Unlock()
	return nil
}

// Len reports the number of entries.
func (c *MemoryCache) Len(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

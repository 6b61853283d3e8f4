package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pipeweaver/internal/fingerprint"
)

const blobSuffix = ".bin"

// FileCache implements Cache using the filesystem.
//
// Structure:
//
//	{Dir}/
//	  {key[0:2]}/
//	    {key}.bin   (gob record: key, stage, codec-encoded value)
//
// Writes go to a temp file that is renamed into place, so a crash never
// leaves a partial entry at the canonical path.
type FileCache struct {
	// Dir is the root directory for cache storage.
	Dir string

	// Codec serializes values. Defaults to GobCodec.
	Codec Codec

	// clearMu keeps Clear from racing with in-flight reads and writes.
	clearMu sync.RWMutex
}

// NewFileCache creates a new filesystem-based cache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir, Codec: GobCodec{}}
}

func (c *FileCache) codec() Codec {
	if c.Codec == nil {
		return GobCodec{}
	}
	return c.Codec
}

// Get retrieves an entry by key.
func (c *FileCache) Get(_ context.Context, key fingerprint.Fingerprint) (*CacheEntry, error) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	entry, err := decodeRecord(c.codec(), data)
	if err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", key.Short(), err)
	}
	if entry.Key != key {
		return nil, fmt.Errorf("cache entry %s: stored key mismatch", key.Short())
	}
	return entry, nil
}

// Put stores an entry.
func (c *FileCache) Put(_ context.Context, entry *CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	data, err := encodeRecord(c.codec(), entry)
	if err != nil {
		return err
	}

	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	path := c.entryPath(entry.Key)
	// Ensure parent exists so the temp file is created on the same filesystem.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry by deleting the cache directory.
func (c *FileCache) Clear(_ context.Context) error {
	c.clearMu.Lock()
	defer c.clearMu.Unlock()

	if err := os.RemoveAll(c.Dir); err != nil {
		return fmt.Errorf("clearing cache directory: %w", err)
	}
	return nil
}

// Len counts stored entries.
func (c *FileCache) Len(_ context.Context) (int, error) {
	c.clearMu.RLock()
	defer c.clearMu.RUnlock()

	n := 0
	err := filepath.WalkDir(c.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == c.Dir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), blobSuffix) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting cache entries: %w", err)
	}
	return n, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// entryPath returns the file path for a cache entry.
// Uses the first 2 characters of the key as a prefix directory to avoid
// having too many entries in a single directory.
func (c *FileCache) entryPath(key fingerprint.Fingerprint) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(c.Dir, k+blobSuffix)
	}
	return filepath.Join(c.Dir, k[:2], k+blobSuffix)
}

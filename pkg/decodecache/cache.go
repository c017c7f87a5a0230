// Package decodecache memoizes decode results in an otter cache, with
// optional gob persistence between runs.
package decodecache

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

const fileName = "decode-cache.gob"

// Entry is one cached value.
type Entry[V any] struct {
	ExpiresAt time.Time
	Value     V
}

// Cache is a size-bounded, expiring cache keyed by the sha256 of a raw key.
type Cache[V any] struct {
	cache  *otter.Cache[string, Entry[V]]
	logger *slog.Logger
	dir    string
	ttl    time.Duration
	mu     sync.Mutex
}

// New returns an in-memory cache holding up to size entries for ttl.
func New[V any](size int, ttl time.Duration, logger *slog.Logger) *Cache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 10_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache[V]{
		cache: otter.Must(&otter.Options[string, Entry[V]]{
			MaximumSize:      size,
			InitialCapacity:  min(size, 1_000),
			ExpiryCalculator: otter.ExpiryWriting[string, Entry[V]](ttl),
		}),
		logger: logger,
		ttl:    ttl,
	}
}

// Open returns a cache persisted under dir, loading unexpired entries left
// by a previous Close. A corrupt cache file is logged and ignored.
func Open[V any](dir string, size int, ttl time.Duration, logger *slog.Logger) (*Cache[V], error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	c := New[V](size, ttl, logger)
	c.dir = dir
	if err := c.load(); err != nil {
		c.logger.Warn("failed to load decode cache from disk", "error", err)
	}
	c.logger.Info("decode cache initialized", "dir", dir, "entries_loaded", c.cache.EstimatedSize())
	return c, nil
}

// Key hashes a raw key.
func Key(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Get returns the value stored under raw.
func (c *Cache[V]) Get(raw string) (V, bool) {
	key := Key(raw)
	e, ok := c.cache.GetIfPresent(key)
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.ExpiresAt) {
		c.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Set stores v under raw.
func (c *Cache[V]) Set(raw string, v V) {
	c.cache.Set(Key(raw), Entry[V]{Value: v, ExpiresAt: time.Now().Add(c.ttl)})
}

// Invalidate drops the value stored under raw.
func (c *Cache[V]) Invalidate(raw string) {
	c.cache.Invalidate(Key(raw))
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	var keys []string
	for k := range c.cache.All() {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.cache.Invalidate(k)
	}
}

// Len returns the approximate number of entries.
func (c *Cache[V]) Len() int {
	return c.cache.EstimatedSize()
}

func (c *Cache[V]) path() string {
	return filepath.Join(c.dir, fileName)
}

func (c *Cache[V]) load() error {
	f, err := os.Open(c.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening cache file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			c.logger.Debug("failed to close cache file", "error", closeErr)
		}
	}()

	var entries map[string]Entry[V]
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return fmt.Errorf("decoding cache file: %w", err)
	}
	now := time.Now()
	valid := 0
	for k, e := range entries {
		if now.Before(e.ExpiresAt) {
			c.cache.Set(k, e)
			valid++
		}
	}
	c.logger.Debug("loaded decode cache", "path", c.path(), "total", len(entries), "valid", valid)
	return nil
}

// Save writes unexpired entries to disk. It is a no-op for in-memory caches.
func (c *Cache[V]) Save() error {
	if c.dir == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make(map[string]Entry[V])
	now := time.Now()
	for k, e := range c.cache.All() {
		if now.Before(e.ExpiresAt) {
			entries[k] = e
		}
	}

	tmp := c.path() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	defer func() {
		if removeErr := os.Remove(tmp); removeErr != nil && !os.IsNotExist(removeErr) {
			c.logger.Debug("failed to remove temp file", "error", removeErr)
		}
	}()

	if err := gob.NewEncoder(f).Encode(entries); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("encoding cache to file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close() //nolint:errcheck // already failing
		return fmt.Errorf("syncing cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Rename(tmp, c.path()); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}
	c.logger.Info("decode cache saved", "entries", len(entries), "path", c.path())
	return nil
}

// Close persists the cache.
func (c *Cache[V]) Close() error {
	return c.Save()
}

// Package diskcache is a size-bounded directory of completed downloads with an
// SQLite index used for LRU eviction.
package diskcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"lukechampine.com/blake3"

	"github.com/italolelis/resource_fetcher/internal/logctx"
	"github.com/italolelis/resource_fetcher/internal/storage"
	"github.com/italolelis/resource_fetcher/internal/telemetry"
)

const evictBatch = 16

// ErrBusy is returned when a cache file is being written and cannot be removed.
var ErrBusy = errors.New("cache file is being written")

// Busy reports whether a cache path is currently being written.
type Busy interface {
	Contains(path string) bool
}

type Cache struct {
	dir       string
	maxSize   int64
	repo      storage.EntryRepository
	busy      Busy
	telemetry *telemetry.Telemetry

	// mu serializes reservations so two evictions never race over the same entries.
	mu sync.Mutex
}

// New creates a cache rooted at dir holding at most maxSize bytes. busy may be nil.
func New(dir string, maxSize int64, repo storage.EntryRepository, busy Busy, tel *telemetry.Telemetry) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Cache{
		dir:       dir,
		maxSize:   maxSize,
		repo:      repo,
		busy:      busy,
		telemetry: tel,
	}, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// ResolveCachePath maps key to <dir>/<h[0:2]>/<h> where h is the hex BLAKE3 digest of key.
func (c *Cache) ResolveCachePath(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	sum := blake3.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])

	return filepath.Join(c.dir, h[:2], h), true
}

// ReserveSpace reports whether size bytes fit, evicting least recently used
// entries that are not being written until they do.
func (c *Cache) ReserveSpace(ctx context.Context, size int64) bool {
	logger := logctx.LoggerFromContext(ctx)

	if size <= 0 || size > c.maxSize {
		logger.DebugContext(ctx, "cache reservation declined", "size", humanize.Bytes(uint64(max(size, 0))), "max", humanize.Bytes(uint64(c.maxSize)))

		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	used, err := c.repo.TotalSize(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read cache usage", "err", err)

		return false
	}

	limit := evictBatch

	for used+size > c.maxSize {
		entries, err := c.repo.LeastRecentlyUsed(ctx, limit)
		if err != nil {
			logger.ErrorContext(ctx, "failed to list cache entries", "err", err)

			return false
		}

		evicted := false

		for _, e := range entries {
			if used+size <= c.maxSize {
				break
			}

			if c.isBusy(e.Path) {
				continue
			}

			if err := c.remove(ctx, e, "space"); err != nil {
				logger.ErrorContext(ctx, "failed to evict cache entry", "cache_path", e.Path, "err", err)

				continue
			}

			used -= e.Size
			evicted = true
		}

		if !evicted {
			if len(entries) < limit {
				logger.WarnContext(ctx, "cache full of files being written",
					"used", humanize.Bytes(uint64(used)), "size", humanize.Bytes(uint64(size)))

				return false
			}

			limit += evictBatch
		}
	}

	return true
}

// Committed indexes a completed cache file.
func (c *Cache) Committed(ctx context.Context, key, path string, size int64) {
	now := time.Now()

	err := c.repo.PutEntry(ctx, storage.CacheEntry{
		Key:        key,
		Path:       path,
		Size:       size,
		CreatedAt:  now,
		AccessedAt: now,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to index cache file", "cache_path", path, "err", err)
	}
}

// Hit reports whether key is indexed at path with size bytes and refreshes its
// access time. A file on disk without a matching entry, such as one left
// half-written by a killed process, is not a hit.
func (c *Cache) Hit(ctx context.Context, key, path string, size int64) bool {
	logger := logctx.LoggerFromContext(ctx)

	e, err := c.repo.GetEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.ErrorContext(ctx, "failed to read cache entry", "cache_path", path, "err", err)
		}

		return false
	}

	if e.Path != path || e.Size != size {
		logger.WarnContext(ctx, "cache file does not match its index entry",
			"cache_path", path, "indexed_size", e.Size, "size", size)

		return false
	}

	if err := c.repo.TouchEntry(ctx, key, time.Now()); err != nil {
		logger.ErrorContext(ctx, "failed to touch cache entry", "cache_path", path, "err", err)
	}

	return true
}

// Forget removes the file and index entry for key.
func (c *Cache) Forget(ctx context.Context, key string) error {
	path, ok := c.ResolveCachePath(key)
	if !ok {
		return storage.ErrNotFound
	}

	if c.isBusy(path) {
		return ErrBusy
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.repo.GetEntry(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return storage.ErrNotFound
			}

			return fmt.Errorf("failed to remove cache file: %w", err)
		}

		return nil
	}

	if err != nil {
		return err
	}

	return c.remove(ctx, e, "forget")
}

// Expire removes e unless it is being written. It reports whether e was removed.
func (c *Cache) Expire(ctx context.Context, e storage.CacheEntry) (bool, error) {
	if c.isBusy(e.Path) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.remove(ctx, e, "expired"); err != nil {
		return false, err
	}

	return true, nil
}

// Usage returns the indexed bytes and entry count.
func (c *Cache) Usage(ctx context.Context) (int64, int, error) {
	entries, err := c.repo.Entries(ctx)
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	return total, len(entries), nil
}

func (c *Cache) isBusy(path string) bool {
	return c.busy != nil && c.busy.Contains(path)
}

// remove deletes the file then the row. A file already gone still drops the row.
func (c *Cache) remove(ctx context.Context, e storage.CacheEntry, reason string) error {
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}

	if err := c.repo.DeleteEntry(ctx, e.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	c.telemetry.RecordEviction(ctx, reason, e.Size)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "removed cache file",
		"cache_path", e.Path, "reason", reason, "bytes", humanize.Bytes(uint64(e.Size)))

	return nil
}

package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/resource_fetcher/internal/logctx"
	"github.com/italolelis/resource_fetcher/internal/storage"
)

// Expirer removes a cache entry unless its file is being written.
type Expirer interface {
	Expire(ctx context.Context, e storage.CacheEntry) (bool, error)
}

// Busy reports whether a cache path is currently being written.
type Busy interface {
	Contains(path string) bool
}

// DeleteExpiredEntries removes entries not accessed within keepFor. It returns
// the number of entries removed.
func DeleteExpiredEntries(ctx context.Context, repo storage.EntryRepository, cache Expirer, keepFor time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := repo.Entries(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-keepFor)
	removed := 0

	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		if !e.AccessedAt.Before(cutoff) {
			continue
		}

		ok, err := cache.Expire(ctx, e)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to delete expired file", "file", e.Path, "err", err)

			continue
		}

		if ok {
			removed++

			logger.InfoContext(ctx, "Deleted expired file", "file", e.Path)
		}
	}

	return removed, nil
}

// RemoveOrphans deletes files under dir that have no index entry and are not
// being written. These are half-written files left behind by a crashed process.
// Files modified after the sweep started are left alone.
//
// A fetch commits its index entry before it stops being in-flight, so candidates
// that were not busy are checked against a second index snapshot before removal.
func RemoveOrphans(ctx context.Context, dir string, repo storage.EntryRepository, busy Busy) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	started := time.Now()

	indexed, err := indexedPaths(ctx, repo)
	if err != nil {
		return 0, err
	}

	var candidates []string

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if _, ok := indexed[filepath.Clean(path)]; ok {
			return nil
		}

		if isBusy(busy, path) {
			return nil
		}

		candidates = append(candidates, path)

		return nil
	})
	if err != nil || len(candidates) == 0 {
		return 0, err
	}

	indexed, err = indexedPaths(ctx, repo)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, path := range candidates {
		if _, ok := indexed[filepath.Clean(path)]; ok || isBusy(busy, path) {
			continue
		}

		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(started) {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.ErrorContext(ctx, "Failed to delete orphaned file", "file", path, "err", err)

			continue
		}

		removed++

		logger.InfoContext(ctx, "Deleted orphaned file", "file", path)
	}

	return removed, nil
}

func indexedPaths(ctx context.Context, repo storage.EntryRepository) (map[string]struct{}, error) {
	entries, err := repo.Entries(ctx)
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		indexed[filepath.Clean(e.Path)] = struct{}{}
	}

	return indexed, nil
}

func isBusy(busy Busy, path string) bool {
	return busy != nil && busy.Contains(path)
}

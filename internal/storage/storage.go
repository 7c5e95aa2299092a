package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a cache entry does not exist.
var ErrNotFound = errors.New("cache entry not found")

// CacheEntry represents a completed file in the disk cache.
type CacheEntry struct {
	Key        string
	Path       string
	Size       int64
	CreatedAt  time.Time
	AccessedAt time.Time
}

// EntryRepository is the index of the disk cache.
type EntryRepository interface {
	// PutEntry inserts or replaces the entry for e.Key.
	PutEntry(ctx context.Context, e CacheEntry) error
	GetEntry(ctx context.Context, key string) (CacheEntry, error)
	TouchEntry(ctx context.Context, key string, at time.Time) error
	DeleteEntry(ctx context.Context, key string) error
	// LeastRecentlyUsed returns up to limit entries, oldest access first.
	LeastRecentlyUsed(ctx context.Context, limit int) ([]CacheEntry, error)
	Entries(ctx context.Context) ([]CacheEntry, error)
	TotalSize(ctx context.Context) (int64, error)
}

package downloader

import "context"

// CachePort is the disk cache as seen by the downloader. It is an independent
// authority: the downloader asks for space and paths but never assumes exclusive
// access to the cache's capacity.
type CachePort interface {
	// ReserveSpace reports whether size bytes can be written, evicting if needed.
	ReserveSpace(ctx context.Context, size int64) bool

	// ResolveCachePath returns the target file for key, or false if the key is
	// not cacheable.
	ResolveCachePath(key string) (string, bool)
}

// CacheRecorder is implemented by caches that keep an index of their files.
type CacheRecorder interface {
	Committed(ctx context.Context, key, path string, size int64)

	// Hit reports whether path was committed for key with size bytes, and if
	// so refreshes its access time. A file the index does not vouch for is
	// never served.
	Hit(ctx context.Context, key, path string, size int64) bool
}

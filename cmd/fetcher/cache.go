package main

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/italolelis/resource_fetcher/internal/config"
	"github.com/italolelis/resource_fetcher/internal/diskcache"
	"github.com/italolelis/resource_fetcher/internal/downloader"
	"github.com/italolelis/resource_fetcher/internal/logctx"
	"github.com/italolelis/resource_fetcher/internal/storage"
	"github.com/italolelis/resource_fetcher/internal/storage/sqlite"
	"github.com/italolelis/resource_fetcher/internal/telemetry"
)

// stack is the wired cache and downloader shared by every command.
type stack struct {
	db         *sql.DB
	repo       storage.EntryRepository
	cache      *diskcache.Cache
	downloader *downloader.Downloader
}

func (s *stack) Close() error {
	return s.db.Close()
}

func buildStack(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*stack, error) {
	logger := logctx.LoggerFromContext(ctx)

	maxBytes, err := cfg.CacheMaxBytes()
	if err != nil {
		return nil, err
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("DB error: %w", err)
	}

	repo := sqlite.NewInstrumentedEntryRepository(database, tel)
	inflight := downloader.NewInFlight()

	// =========================================================================
	// Start Disk Cache
	cache, err := diskcache.New(filepath.Join(cfg.CacheDir, "files"), maxBytes, repo, inflight, tel)
	if err != nil {
		database.Close()

		return nil, err
	}

	// =========================================================================
	// Start Downloader
	opts := cfg.DownloaderOptions()
	opts.InFlight = inflight

	logger.DebugContext(ctx, "cache ready",
		"cache_dir", cache.Dir(),
		"db_path", cfg.DBPath,
		"max_size", cfg.CacheMaxSize,
		"max_retries", opts.MaxRetries,
		"timeout", opts.Timeout.String(),
	)

	return &stack{
		db:         database,
		repo:       repo,
		cache:      cache,
		downloader: downloader.New(cache, opts, tel),
	}, nil
}

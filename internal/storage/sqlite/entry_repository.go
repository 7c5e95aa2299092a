package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/resource_fetcher/internal/storage"
)

type EntryRepository struct {
	db *sql.DB
}

func NewEntryRepository(dbConn *sql.DB) *EntryRepository {
	return &EntryRepository{db: dbConn}
}

const entryColumns = `cache_key, file_path, size, created_at, accessed_at`

func (r *EntryRepository) PutEntry(ctx context.Context, e storage.CacheEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	if e.AccessedAt.IsZero() {
		e.AccessedAt = e.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO cache_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			file_path = excluded.file_path,
			size = excluded.size,
			created_at = excluded.created_at,
			accessed_at = excluded.accessed_at`,
		e.Key, e.Path, e.Size, e.CreatedAt.UnixNano(), e.AccessedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}

	return nil
}

func (r *EntryRepository) GetEntry(ctx context.Context, key string) (storage.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE cache_key = ?`, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CacheEntry{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.CacheEntry{}, fmt.Errorf("failed to get cache entry: %w", err)
	}

	return e, nil
}

func (r *EntryRepository) TouchEntry(ctx context.Context, key string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE cache_entries SET accessed_at = ? WHERE cache_key = ?`, at.UnixNano(), key)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}

	return requireAffected(res)
}

func (r *EntryRepository) DeleteEntry(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	return requireAffected(res)
}

func (r *EntryRepository) LeastRecentlyUsed(ctx context.Context, limit int) ([]storage.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries ORDER BY accessed_at ASC, cache_key ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query least recently used entries: %w", err)
	}

	return collectEntries(rows)
}

func (r *EntryRepository) Entries(ctx context.Context) ([]storage.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries ORDER BY cache_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}

	return collectEntries(rows)
}

func (r *EntryRepository) TotalSize(ctx context.Context) (int64, error) {
	var total int64

	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_entries`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cache entries: %w", err)
	}

	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (storage.CacheEntry, error) {
	var (
		e                 storage.CacheEntry
		created, accessed int64
	)

	if err := s.Scan(&e.Key, &e.Path, &e.Size, &created, &accessed); err != nil {
		return storage.CacheEntry{}, err
	}

	e.CreatedAt = time.Unix(0, created)
	e.AccessedAt = time.Unix(0, accessed)

	return e, nil
}

func collectEntries(rows *sql.Rows) ([]storage.CacheEntry, error) {
	defer rows.Close()

	var entries []storage.CacheEntry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return storage.ErrNotFound
	}

	return nil
}

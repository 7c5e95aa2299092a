package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/resource_fetcher/internal/storage"
	"github.com/italolelis/resource_fetcher/internal/telemetry"
)

// InstrumentedEntryRepository wraps EntryRepository with telemetry.
type InstrumentedEntryRepository struct {
	repo      *EntryRepository
	telemetry *telemetry.Telemetry
}

var _ storage.EntryRepository = (*InstrumentedEntryRepository)(nil)

// NewInstrumentedEntryRepository creates a new instrumented entry repository.
func NewInstrumentedEntryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedEntryRepository {
	return &InstrumentedEntryRepository{
		repo:      NewEntryRepository(dbConn),
		telemetry: tel,
	}
}

// instrument runs fn as a DB operation. A missing row is an answer, not a
// failed operation, so it is reported as success and returned to the caller.
func (r *InstrumentedEntryRepository) instrument(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var notFound bool

	err := r.telemetry.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			notFound = true

			return nil
		}

		return err
	})

	if notFound {
		return storage.ErrNotFound
	}

	return err
}

func (r *InstrumentedEntryRepository) PutEntry(ctx context.Context, e storage.CacheEntry) error {
	return r.instrument(ctx, "put_entry", func(ctx context.Context) error {
		return r.repo.PutEntry(ctx, e)
	})
}

func (r *InstrumentedEntryRepository) GetEntry(ctx context.Context, key string) (storage.CacheEntry, error) {
	var result storage.CacheEntry

	err := r.instrument(ctx, "get_entry", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetEntry(ctx, key)

		return err
	})

	return result, err
}

func (r *InstrumentedEntryRepository) TouchEntry(ctx context.Context, key string, at time.Time) error {
	return r.instrument(ctx, "touch_entry", func(ctx context.Context) error {
		return r.repo.TouchEntry(ctx, key, at)
	})
}

func (r *InstrumentedEntryRepository) DeleteEntry(ctx context.Context, key string) error {
	return r.instrument(ctx, "delete_entry", func(ctx context.Context) error {
		return r.repo.DeleteEntry(ctx, key)
	})
}

func (r *InstrumentedEntryRepository) LeastRecentlyUsed(ctx context.Context, limit int) ([]storage.CacheEntry, error) {
	var result []storage.CacheEntry

	err := r.instrument(ctx, "least_recently_used", func(ctx context.Context) error {
		var err error

		result, err = r.repo.LeastRecentlyUsed(ctx, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedEntryRepository) Entries(ctx context.Context) ([]storage.CacheEntry, error) {
	var result []storage.CacheEntry

	err := r.instrument(ctx, "entries", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Entries(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedEntryRepository) TotalSize(ctx context.Context) (int64, error) {
	var result int64

	err := r.instrument(ctx, "total_size", func(ctx context.Context) error {
		var err error

		result, err = r.repo.TotalSize(ctx)

		return err
	})

	return result, err
}

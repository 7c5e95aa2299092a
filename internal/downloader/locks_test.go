package downloader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLockTable_MutualExclusion(t *testing.T) {
	table := NewLockTable()
	ctx := context.Background()

	var active, maxActive atomic.Int32

	g, ctx := errgroup.WithContext(ctx)

	for range 16 {
		g.Go(func() error {
			h, err := table.Acquire(ctx, "http://example.com/a")
			if err != nil {
				return err
			}
			defer h.Release()

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}

			time.Sleep(time.Millisecond)
			active.Add(-1)

			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Zero(t, table.Len(), "entries are reclaimed once unused")
}

func TestLockTable_DistinctKeysDoNotBlock(t *testing.T) {
	table := NewLockTable()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := table.Acquire(ctx, "a")
	require.NoError(t, err)
	defer a.Release()

	b, err := table.Acquire(ctx, "b")
	require.NoError(t, err)
	defer b.Release()

	assert.Equal(t, 2, table.Len())
}

func TestLockTable_AcquireHonorsContext(t *testing.T) {
	table := NewLockTable()

	held, err := table.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = table.Acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, table.Len(), "a timed-out waiter drops its reference")

	held.Release()
	assert.Zero(t, table.Len())
}

func TestLockHandle_ReleaseIsIdempotent(t *testing.T) {
	table := NewLockTable()

	h, err := table.Acquire(context.Background(), "a")
	require.NoError(t, err)

	h.Release()
	h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	again, err := table.Acquire(ctx, "a")
	require.NoError(t, err)
	again.Release()

	assert.Zero(t, table.Len())
}

func TestInFlight(t *testing.T) {
	s := NewInFlight()

	assert.False(t, s.Contains("/cache/a"))
	assert.True(t, s.Mark("/cache/a"))
	assert.False(t, s.Mark("/cache/a"), "already marked")
	assert.True(t, s.Contains("/cache/a"))
	assert.Equal(t, 1, s.Len())

	s.Unmark("/cache/a")
	assert.False(t, s.Contains("/cache/a"))
	assert.Zero(t, s.Len())
}

package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var body1000 = bytes.Repeat([]byte("0123456789"), 100)

// fakeCache is an unbounded cache rooted in a temp dir.
type fakeCache struct {
	dir     string
	decline bool

	mu        sync.Mutex
	reserved  []int64
	committed map[string]int64
	hits      int
}

func newFakeCache(t *testing.T) *fakeCache {
	return &fakeCache{dir: t.TempDir(), committed: make(map[string]int64)}
}

func (c *fakeCache) ReserveSpace(_ context.Context, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reserved = append(c.reserved, size)

	return !c.decline
}

func (c *fakeCache) ResolveCachePath(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	sum := sha256.Sum256([]byte(key))

	return filepath.Join(c.dir, hex.EncodeToString(sum[:])), true
}

func (c *fakeCache) Committed(_ context.Context, key, _ string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.committed[key] = size
}

func (c *fakeCache) Hit(_ context.Context, key, _ string, size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if got, ok := c.committed[key]; !ok || got != size {
		return false
	}

	c.hits++

	return true
}

// files lists everything left in the cache dir.
func (c *fakeCache) files(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(c.dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T, handler func(n int32, w http.ResponseWriter, r *http.Request)) *upstream {
	t.Helper()

	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(u.hits.Add(1), w, r)
	}))
	t.Cleanup(u.Close)

	return u
}

func serveBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

// stall blocks until the client goes away.
func stall(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

func newTestDownloader(cache CachePort, mutate func(*Options)) *Downloader {
	opts := DefaultOptions()
	opts.Timeout = 2 * time.Second

	if mutate != nil {
		mutate(&opts)
	}

	return New(cache, opts, nil)
}

func TestFetch_DurableFile(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, nil)

	var (
		mu    sync.Mutex
		calls []progressCall
	)

	req := NewRequest(up.URL + "/a.png")
	req.Progress = func(total, written int64) {
		mu.Lock()
		defer mu.Unlock()

		calls = append(calls, progressCall{total, written})
	}

	out, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, OutcomeFile, out.Kind)
	assert.False(t, out.FromCache)
	assert.Equal(t, int64(1000), out.Size)

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, body1000, data)

	assert.False(t, d.IsDownloading(out.Path))
	assert.Equal(t, []int64{1000}, cache.reserved)
	assert.Equal(t, int64(1000), cache.committed[req.CacheKey])

	require.NotEmpty(t, calls)
	assert.LessOrEqual(t, len(calls), 10)

	for i := 1; i < len(calls); i++ {
		assert.Greater(t, calls[i].written, calls[i-1].written, "progress is monotonic")
	}

	assert.Equal(t, progressCall{1000, 1000}, calls[len(calls)-1])
}

func TestFetch_CacheHitShortCircuits(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, nil)

	first, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))
	require.NoError(t, err)

	second, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeFile, second.Kind)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, int32(1), up.hits.Load(), "no network round for a complete cache file")
	assert.Equal(t, 1, cache.hits)
}

func TestFetch_BufferWithoutCacheKey(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, nil)

	req := NewRequest(up.URL + "/a")
	req.CacheKey = ""

	out, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeBuffer, out.Kind)
	assert.Equal(t, body1000, out.Data)
	assert.Empty(t, cache.reserved)
	assert.Empty(t, cache.files(t))
}

func TestFetch_NilCacheBuffers(t *testing.T) {
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(nil, nil)

	out, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeBuffer, out.Kind)
	assert.Equal(t, int64(1000), out.Size)
}

func TestFetch_ReservationDeclinedBuffers(t *testing.T) {
	cache := newFakeCache(t)
	cache.decline = true

	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, nil)

	out, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeBuffer, out.Kind)
	assert.Equal(t, body1000, out.Data)
	assert.Empty(t, cache.files(t), "no cache file created")
	assert.Empty(t, cache.committed)
}

func TestFetch_CacheFileCreateFailureBuffers(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, nil)

	req := NewRequest(up.URL + "/a")

	// A directory squatting on the cache path makes the file impossible to create.
	path, _ := cache.ResolveCachePath(req.CacheKey)
	require.NoError(t, os.MkdirAll(path, 0o755))

	out, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeBuffer, out.Kind)
	assert.False(t, d.IsDownloading(path))
}

func TestFetch_LeftoverFileIsRefetched(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, nil)

	req := NewRequest(up.URL + "/a")

	// A file cut short by a killed process, never committed.
	path, _ := cache.ResolveCachePath(req.CacheKey)
	require.NoError(t, os.WriteFile(path, body1000[:300], 0o644))

	out, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFile, out.Kind)
	assert.False(t, out.FromCache)
	assert.Equal(t, int64(1000), out.Size)
	assert.Equal(t, int32(1), up.hits.Load())
	assert.Zero(t, cache.hits)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body1000, data)
	assert.Equal(t, int64(1000), cache.committed[req.CacheKey])
}

func TestFetch_CacheWriteFailureIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"fails while copying", bytes.Repeat([]byte("x"), 64*1024)},
		{"fails on final flush", body1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newFakeCache(t)
			up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
				serveBody(w, tt.body)
			})
			d := newTestDownloader(cache, func(o *Options) { o.MaxRetries = 3 })

			// The file exists on disk but every write to it fails.
			d.createFile = func(path string) (*os.File, error) {
				f, err := createCacheFile(path)
				if err != nil {
					return nil, err
				}

				return f, f.Close()
			}

			req := NewRequest(up.URL + "/a")
			path, _ := cache.ResolveCachePath(req.CacheKey)

			out, err := d.Fetch(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, out)

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, 1, fetchErr.Attempts, "cache write failures are not retried")

			var cacheErr *CacheWriteError
			require.ErrorAs(t, err, &cacheErr)
			assert.Equal(t, path, cacheErr.Path)
			assert.ErrorIs(t, err, os.ErrClosed)
			assert.False(t, IsTransient(err))

			assert.Equal(t, int32(1), up.hits.Load())
			assert.NoFileExists(t, path, "failed cache file is deleted")
			assert.False(t, d.IsDownloading(path))
			assert.Empty(t, cache.committed)
		})
	}
}

func TestFetch_BufferLimit(t *testing.T) {
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})

	t.Run("buffered body over the limit", func(t *testing.T) {
		d := newTestDownloader(nil, func(o *Options) {
			o.MaxBufferSize = 999
			o.MaxRetries = 2
		})

		before := up.hits.Load()

		_, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))

		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Contains(t, protoErr.Reason, "exceeds the in-memory limit")
		assert.Equal(t, before+1, up.hits.Load(), "not retried")
	})

	t.Run("durable body ignores the limit", func(t *testing.T) {
		d := newTestDownloader(newFakeCache(t), func(o *Options) { o.MaxBufferSize = 10 })

		out, err := d.Fetch(context.Background(), NewRequest(up.URL+"/b"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeFile, out.Kind)
	})

	t.Run("buffered body at the limit", func(t *testing.T) {
		d := newTestDownloader(nil, func(o *Options) { o.MaxBufferSize = 1000 })

		out, err := d.Fetch(context.Background(), NewRequest(up.URL+"/c"))
		require.NoError(t, err)
		assert.Equal(t, body1000, out.Data)
	})
}

func TestFetch_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(w http.ResponseWriter)
		wantStatus int
	}{
		{
			name:       "not found",
			handler:    func(w http.ResponseWriter) { http.NotFound(w, nil) },
			wantStatus: http.StatusNotFound,
		},
		{
			name: "not modified",
			handler: func(w http.ResponseWriter) {
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusNotModified)
			},
			wantStatus: http.StatusNotModified,
		},
		{
			name: "missing content length",
			handler: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusOK)
				w.(http.Flusher).Flush()
				_, _ = w.Write(body1000)
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newFakeCache(t)
			up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
				tt.handler(w)
			})
			d := newTestDownloader(cache, func(o *Options) { o.MaxRetries = 3 })

			out, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))
			assert.Nil(t, out)

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, 1, fetchErr.Attempts, "protocol errors are not retried")

			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, tt.wantStatus, protoErr.StatusCode)

			assert.Equal(t, int32(1), up.hits.Load())
			assert.Empty(t, cache.files(t))
		})
	}
}

func TestFetch_RetryBound(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
	}{
		{"no retries", 0},
		{"one retry", 1},
		{"three retries", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := newFakeCache(t)
			up := newUpstream(t, func(_ int32, _ http.ResponseWriter, r *http.Request) {
				stall(r)
			})
			d := newTestDownloader(cache, func(o *Options) {
				o.MaxRetries = tt.maxRetries
				o.Timeout = 50 * time.Millisecond
			})

			_, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, tt.maxRetries+1, fetchErr.Attempts)
			assert.True(t, IsTransient(err))

			assert.Equal(t, int32(tt.maxRetries+1), up.hits.Load())
			assert.Empty(t, cache.files(t))
		})
	}
}

func TestFetch_ReadTimeoutRollsBack(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(body1000[:300])
		w.(http.Flusher).Flush()
		stall(r)
	})
	d := newTestDownloader(cache, func(o *Options) {
		o.MaxRetries = 0
		o.Timeout = 100 * time.Millisecond
	})

	req := NewRequest(up.URL + "/a")
	path, _ := cache.ResolveCachePath(req.CacheKey)

	_, err := d.Fetch(context.Background(), req)

	var transErr *TransientError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "read", transErr.Op)
	assert.ErrorIs(t, err, errReadTimeout)

	assert.NoFileExists(t, path, "partial cache file is deleted")
	assert.False(t, d.IsDownloading(path))
	assert.Empty(t, cache.committed)
}

func TestFetch_TransientThenSuccess(t *testing.T) {
	cache := newFakeCache(t)
	up := newUpstream(t, func(n int32, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			stall(r)

			return
		}

		serveBody(w, body1000)
	})
	d := newTestDownloader(cache, func(o *Options) {
		o.MaxRetries = 1
		o.Timeout = 100 * time.Millisecond
	})

	out, err := d.Fetch(context.Background(), NewRequest(up.URL+"/a"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeFile, out.Kind)
	assert.Equal(t, int32(2), up.hits.Load())
}

func TestFetch_CanceledBeforeStart(t *testing.T) {
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(newFakeCache(t), nil)

	req := NewRequest(up.URL + "/a")
	req.Cancel()

	out, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, out.Empty())
	assert.Zero(t, up.hits.Load())
}

func TestFetch_CanceledMidStream(t *testing.T) {
	cache := newFakeCache(t)
	release := make(chan struct{})

	up := newUpstream(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(body1000[:500])
		w.(http.Flusher).Flush()

		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	d := newTestDownloader(cache, func(o *Options) { o.Timeout = 5 * time.Second })

	req := NewRequest(up.URL + "/a")
	req.Progress = func(_, written int64) {
		if written >= 100 {
			req.Cancel()
		}
	}

	path, _ := cache.ResolveCachePath(req.CacheKey)

	out, err := d.Fetch(context.Background(), req)
	require.NoError(t, err, "cancellation is not an error")

	assert.True(t, out.Empty())
	assert.NoFileExists(t, path, "partial cache file is deleted")
	assert.False(t, d.IsDownloading(path))
	assert.Empty(t, cache.committed)
	assert.Equal(t, int32(1), up.hits.Load())
}

func TestFetch_CancellationBeatsRetry(t *testing.T) {
	up := newUpstream(t, func(_ int32, _ http.ResponseWriter, r *http.Request) {
		stall(r)
	})
	d := newTestDownloader(newFakeCache(t), func(o *Options) {
		o.MaxRetries = 5
		o.Timeout = 5 * time.Second
	})

	req := NewRequest(up.URL + "/a")
	time.AfterFunc(50*time.Millisecond, req.Cancel)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out, err := d.Fetch(ctx, req)
	require.NoError(t, err)

	assert.True(t, out.Empty())
	assert.Equal(t, int32(1), up.hits.Load(), "a canceled fetch is never retried")
}

func TestFetch_CanceledWhileWaitingForLock(t *testing.T) {
	up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		serveBody(w, body1000)
	})
	d := newTestDownloader(newFakeCache(t), nil)

	req := NewRequest(up.URL + "/a")

	held, err := d.locks.Acquire(context.Background(), req.ResourceID)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := d.Fetch(ctx, req)
	require.NoError(t, err)

	assert.True(t, out.Empty())
	assert.Zero(t, up.hits.Load())
}

func TestFetch_MutualExclusion(t *testing.T) {
	tests := []struct {
		name      string
		cacheable bool
		wantHits  int32
	}{
		{"cacheable waiters reuse the first file", true, 1},
		{"uncacheable waiters fetch one at a time", false, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var active, maxActive atomic.Int32

			up := newUpstream(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
				n := active.Add(1)
				defer active.Add(-1)

				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}

				time.Sleep(10 * time.Millisecond)
				serveBody(w, body1000)
			})
			d := newTestDownloader(newFakeCache(t), nil)

			g, ctx := errgroup.WithContext(context.Background())

			for range 8 {
				g.Go(func() error {
					req := NewRequest(up.URL + "/a")
					if !tt.cacheable {
						req.CacheKey = ""
					}

					out, err := d.Fetch(ctx, req)
					if err != nil {
						return err
					}

					if out.Empty() || out.Size != 1000 {
						return errors.New("incomplete outcome")
					}

					return nil
				})
			}

			require.NoError(t, g.Wait())
			assert.Equal(t, int32(1), maxActive.Load(), "never two fetches of one resource at once")
			assert.Equal(t, tt.wantHits, up.hits.Load())
			assert.Zero(t, d.locks.Len())
		})
	}
}

func TestOutcome_Open(t *testing.T) {
	_, err := emptyOutcome().Open()
	require.ErrorIs(t, err, ErrEmptyOutcome)

	rc, err := (&Outcome{Kind: OutcomeBuffer, Data: []byte("abc")}).Open()
	require.NoError(t, err)
	defer rc.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc", buf.String())
}

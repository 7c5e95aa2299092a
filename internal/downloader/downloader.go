package downloader

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/italolelis/resource_fetcher/internal/logctx"
	"github.com/italolelis/resource_fetcher/internal/telemetry"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultChunkSize = 4 * 1024
	maxBackoff       = 30 * time.Second
)

// Options configures the downloader. They are fixed once New returns.
type Options struct {
	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries int

	// Timeout bounds connecting (through response headers) and every single read.
	Timeout time.Duration

	// RetryBackoff is the initial delay before a retry; 0 retries immediately.
	RetryBackoff time.Duration

	// MaxParallel bounds concurrent fetches across all resources; 0 is unbounded.
	MaxParallel int

	// ChunkSize is the copy buffer size.
	ChunkSize int

	// MaxBufferSize refuses bodies larger than this when they would be held in
	// memory; 0 is unbounded.
	MaxBufferSize int64

	// HTTPClient overrides the default client. Timeout is still enforced.
	HTTPClient *http.Client

	// InFlight lets other components share the in-flight set (e.g. the disk
	// cache, to never evict a file being written). A new set is used if nil.
	InFlight *InFlight
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  1,
		Timeout:     defaultTimeout,
		MaxParallel: 5,
		ChunkSize:   defaultChunkSize,
	}
}

// Downloader fetches remote resources, deduplicating concurrent fetches of the
// same resource and streaming bodies into the disk cache or memory.
type Downloader struct {
	opts      Options
	client    *http.Client
	cache     CachePort
	locks     *LockTable
	inflight  *InFlight
	slots     *semaphore.Weighted
	telemetry *telemetry.Telemetry

	createFile func(path string) (*os.File, error)
}

// New creates a downloader. cache may be nil, in which case every body is
// buffered in memory. tel may be nil.
func New(cache CachePort, opts Options, tel *telemetry.Telemetry) *Downloader {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	if opts.InFlight == nil {
		opts.InFlight = NewInFlight()
	}

	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient(opts.Timeout)
	}

	d := &Downloader{
		opts:      opts,
		client:    client,
		cache:     cache,
		locks:     NewLockTable(),
		inflight:  opts.InFlight,
		telemetry: tel,

		createFile: createCacheFile,
	}

	if opts.MaxParallel > 0 {
		d.slots = semaphore.NewWeighted(int64(opts.MaxParallel))
	}

	return d
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// The body must reach the cache byte for byte and keep its Content-Length.
		DisableCompression: true,
	}

	return &http.Client{Transport: otelhttp.NewTransport(transport)}
}

// IsDownloading reports whether the cache file at path is being written.
func (d *Downloader) IsDownloading(path string) bool {
	return d.inflight.Contains(path)
}

// InFlight exposes the set of cache paths being written.
func (d *Downloader) InFlight() *InFlight {
	return d.inflight
}

// CachePath resolves the cache file a request would use.
func (d *Downloader) CachePath(req *Request) (string, bool) {
	if d.cache == nil || req.CacheKey == "" {
		return "", false
	}

	return d.cache.ResolveCachePath(req.CacheKey)
}

// Fetch downloads req.ResourceID. It returns a complete file or buffer, an empty
// outcome when the request or ctx is canceled, or a *FetchError.
func (d *Downloader) Fetch(ctx context.Context, req *Request) (*Outcome, error) {
	ctx, _ = logctx.With(ctx, "resource", req.DisplayName())

	var out *Outcome

	err := d.telemetry.InstrumentFetch(ctx, func(ctx context.Context) (string, error) {
		var err error

		out, err = d.fetch(ctx, req)

		return outcomeLabel(out, err), err
	})

	return out, err
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Empty():
		return "canceled"
	case out.FromCache:
		return "hit"
	default:
		return out.Kind.String()
	}
}

func (d *Downloader) fetch(ctx context.Context, req *Request) (*Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)

	lock, err := d.locks.Acquire(ctx, req.ResourceID)
	if err != nil {
		logger.Debug("canceled while waiting for resource lock")

		return emptyOutcome(), nil
	}
	defer lock.Release()

	if d.slots != nil {
		if err := d.slots.Acquire(ctx, 1); err != nil {
			logger.Debug("canceled while waiting for a download slot")

			return emptyOutcome(), nil
		}
		defer d.slots.Release(1)
	}

	retryDelay := d.newBackOff()

	for attempt := 1; ; attempt++ {
		if canceled(ctx, req) {
			logger.Debug("fetch canceled", "attempt", attempt)

			return emptyOutcome(), nil
		}

		if out, ok := d.cached(ctx, req); ok {
			logger.Debug("serving completed cache file", "cache_path", out.Path)

			return out, nil
		}

		out, st, err := d.attempt(ctx, req, attempt)
		d.telemetry.RecordFetchAttempt(ctx, attemptResult(st, err))

		if err == nil {
			if st == stageCanceled {
				logger.Debug("fetch canceled", "attempt", attempt)

				return emptyOutcome(), nil
			}

			return out, nil
		}

		// An error surfaced by an aborted call after cancellation is still a cancellation.
		if canceled(ctx, req) {
			logger.Debug("fetch canceled", "attempt", attempt, "err", err)

			return emptyOutcome(), nil
		}

		if IsTransient(err) && attempt <= d.opts.MaxRetries {
			logger.Warn("transient failure, retrying", "attempt", attempt, "max_retries", d.opts.MaxRetries, "err", err)
			d.telemetry.RecordRetry(ctx)

			if !sleep(ctx, retryDelay.NextBackOff()) {
				return emptyOutcome(), nil
			}

			continue
		}

		logger.Error("fetch failed", "attempt", attempt, "err", err)

		return nil, &FetchError{ResourceID: req.ResourceID, Attempts: attempt, Err: err}
	}
}

func attemptResult(st stage, err error) string {
	switch {
	case err != nil && IsTransient(err):
		return "transient"
	case err != nil:
		return "error"
	case st == stageCanceled:
		return "canceled"
	default:
		return "success"
	}
}

func (d *Downloader) newBackOff() backoff.BackOff {
	if d.opts.RetryBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryBackoff
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

func sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// cached returns the request's cache file when a complete one already exists.
func (d *Downloader) cached(ctx context.Context, req *Request) (*Outcome, bool) {
	path, ok := d.CachePath(req)
	if !ok || d.inflight.Contains(path) {
		return nil, false
	}

	info, err := statCacheFile(path)
	if err != nil {
		return nil, false
	}

	// An indexed cache only trusts files it committed with this exact size.
	if rec, ok := d.cache.(CacheRecorder); ok && !rec.Hit(ctx, req.CacheKey, path, info.Size()) {
		logger := logctx.LoggerFromContext(ctx)
		logger.Debug("ignoring unindexed cache file", "cache_path", path, "size", info.Size())

		return nil, false
	}

	d.telemetry.RecordCacheHit(ctx)

	return &Outcome{Kind: OutcomeFile, Path: path, Size: info.Size(), FromCache: true}, true
}

// attempt performs one network round. Every resource it opens is released
// before it returns, and a cache file it created survives only on success.
func (d *Downloader) attempt(ctx context.Context, req *Request, n int) (*Outcome, stage, error) {
	ctx, logger := logctx.With(ctx, "attempt", n)

	if canceled(ctx, req) {
		return nil, stageCanceled, nil
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.ResourceID, http.NoBody)
	if err != nil {
		return nil, stageComplete, &ProtocolError{URL: req.ResourceID, Reason: "invalid request: " + err.Error()}
	}

	connectWatch := startWatchdog(d.opts.Timeout, cancel, errConnectTimeout)
	resp, err := d.client.Do(httpReq)
	connectWatch.stop()

	if err != nil {
		return nil, stageComplete, classify(attemptCtx, "connect", d.opts.Timeout, err)
	}
	defer resp.Body.Close()

	if canceled(ctx, req) {
		return nil, stageCanceled, nil
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, stageComplete, &ProtocolError{URL: req.ResourceID, StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	total := resp.ContentLength
	if total <= 0 {
		return nil, stageComplete, &ProtocolError{URL: req.ResourceID, StatusCode: resp.StatusCode, Reason: "missing or non-positive Content-Length"}
	}

	s := d.openSink(ctx, req, total)
	if s.durable() {
		defer d.inflight.Unmark(s.path)
	} else if d.opts.MaxBufferSize > 0 && total > d.opts.MaxBufferSize {
		return nil, stageComplete, &ProtocolError{
			URL:        req.ResourceID,
			StatusCode: resp.StatusCode,
			Reason: fmt.Sprintf("Content-Length %s exceeds the in-memory limit of %s",
				humanize.Bytes(uint64(total)), humanize.Bytes(uint64(d.opts.MaxBufferSize))),
		}
	}

	committed := false

	defer func() {
		if !committed {
			s.discard(logger)
		}
	}()

	if canceled(ctx, req) {
		return nil, stageCanceled, nil
	}

	// Armed by every Read of the body.
	readWatch := newIdleWatchdog(d.opts.Timeout, cancel, errReadTimeout)
	defer readWatch.stop()

	body := &timeoutReader{r: resp.Body, wd: readWatch}

	if canceled(ctx, req) {
		return nil, stageCanceled, nil
	}

	logger.Debug("streaming body", "mode", s.mode(), "size", humanize.Bytes(uint64(total)))

	written, st, err := copyStream(ctx, req, s, body, total, d.opts.ChunkSize)
	if err != nil {
		return nil, stageComplete, classify(attemptCtx, "read", d.opts.Timeout, err)
	}

	if st == stageCanceled || canceled(ctx, req) {
		return nil, stageCanceled, nil
	}

	if written != total {
		logger.Warn("copied length differs from Content-Length", "written", written, "content_length", total)
	}

	// finish closes the file, so the mode is read first.
	durable, mode := s.durable(), s.mode()

	out, err := s.finish(written)
	if err != nil {
		return nil, stageComplete, err
	}

	committed = true

	if rec, ok := d.cache.(CacheRecorder); ok && durable {
		rec.Committed(ctx, req.CacheKey, s.path, written)
	}

	d.telemetry.RecordBytes(ctx, mode, written)
	logger.Info("fetched resource", "mode", mode, "size", humanize.Bytes(uint64(written)))

	return out, stageComplete, nil
}

// openSink picks durable mode only when a cache slot resolves, the cache grants
// space for total bytes, and the file can be created. Otherwise it buffers.
func (d *Downloader) openSink(ctx context.Context, req *Request, total int64) *sink {
	logger := logctx.LoggerFromContext(ctx)

	path, ok := d.CachePath(req)
	if !ok {
		return newBufferSink(total)
	}

	if !d.cache.ReserveSpace(ctx, total) {
		logger.Debug("disk cache declined reservation, buffering in memory", "size", humanize.Bytes(uint64(total)))

		return newBufferSink(total)
	}

	// Another resource id mapped to the same cache key is writing this file.
	if !d.inflight.Mark(path) {
		logger.Debug("cache file already being written, buffering in memory", "cache_path", path)

		return newBufferSink(total)
	}

	s, err := newFileSink(path, d.createFile)
	if err != nil {
		d.inflight.Unmark(path)
		logger.Warn("cannot create cache file, buffering in memory", "cache_path", path, "err", err)

		return newBufferSink(total)
	}

	return s
}

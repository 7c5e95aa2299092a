package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/italolelis/resource_fetcher/internal/diskcache"
	"github.com/italolelis/resource_fetcher/internal/downloader"
	"github.com/italolelis/resource_fetcher/internal/logctx"
	"github.com/italolelis/resource_fetcher/internal/storage"
)

const (
	CacheHeader = "X-Cache"
	ModeHeader  = "X-Fetch-Mode"
)

// Fetcher is the part of the downloader the handler needs.
type Fetcher interface {
	Fetch(ctx context.Context, req *downloader.Request) (*downloader.Outcome, error)
	CachePath(req *downloader.Request) (string, bool)
	IsDownloading(path string) bool
}

// Forgetter drops a cached resource.
type Forgetter interface {
	Forget(ctx context.Context, key string) error
}

// ResourceStatus is the body of GET /resources/status.
type ResourceStatus struct {
	URL         string `json:"url"`
	CachePath   string `json:"cache_path,omitempty"`
	Cached      bool   `json:"cached"`
	Downloading bool   `json:"downloading"`
	Size        int64  `json:"size,omitempty"`
}

type ResourceHandler struct {
	fetcher Fetcher
	cache   Forgetter
}

// NewResourceHandler creates a handler serving resources through fetcher. cache may be nil.
func NewResourceHandler(fetcher Fetcher, cache Forgetter) *ResourceHandler {
	return &ResourceHandler{fetcher: fetcher, cache: cache}
}

func (h *ResourceHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/resources", h.HandleGet)
	r.Get("/resources/status", h.HandleStatus)
	r.Delete("/resources", h.HandleDelete)

	return r
}

// HandleGet fetches the resource named by ?url= and streams it back. The
// request context is the fetch context, so a client disconnect cancels it.
func (h *ResourceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx, logger := logctx.With(r.Context(), "handler", "resources")

	target, ok := resourceURL(w, r)
	if !ok {
		return
	}

	req := downloader.NewRequest(target)

	if cache, err := strconv.ParseBool(r.URL.Query().Get("cache")); err == nil && !cache {
		req.CacheKey = ""
	}

	out, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		status := statusForError(err)
		logger.ErrorContext(ctx, "failed to fetch resource", "url", target, "status", status, "err", err)
		http.Error(w, http.StatusText(status), status)

		return
	}

	if out.Empty() {
		logger.DebugContext(ctx, "fetch canceled", "url", target)
		w.WriteHeader(http.StatusNoContent)

		return
	}

	w.Header().Set(ModeHeader, out.Kind.String())

	if out.FromCache {
		w.Header().Set(CacheHeader, "HIT")
	} else {
		w.Header().Set(CacheHeader, "MISS")
	}

	switch out.Kind {
	case downloader.OutcomeFile:
		serveFile(ctx, w, r, out.Path)
	default:
		w.Header().Set("Content-Type", mimetype.Detect(out.Data).String())
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(out.Data))
	}
}

func serveFile(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) {
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		// Evicted between the fetch and this read.
		logger.ErrorContext(ctx, "failed to open cache file", "cache_path", path, "err", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)

		return
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		logger.ErrorContext(ctx, "failed to sniff cache file", "cache_path", path, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	var modTime time.Time
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}

	w.Header().Set("Content-Type", mtype.String())
	http.ServeContent(w, r, "", modTime, f)
}

// HandleStatus reports where ?url= would be cached and whether it is complete
// or still being written.
func (h *ResourceHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	target, ok := resourceURL(w, r)
	if !ok {
		return
	}

	status := ResourceStatus{URL: target}

	if path, ok := h.fetcher.CachePath(downloader.NewRequest(target)); ok {
		status.CachePath = path
		status.Downloading = h.fetcher.IsDownloading(path)

		if info, err := os.Stat(path); err == nil && !status.Downloading && info.Mode().IsRegular() && info.Size() > 0 {
			status.Cached = true
			status.Size = info.Size()
		}
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(status); err != nil {
		logger.ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// HandleDelete drops the cached copy of ?url=.
func (h *ResourceHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	target, ok := resourceURL(w, r)
	if !ok {
		return
	}

	if h.cache == nil {
		http.Error(w, "cache disabled", http.StatusNotFound)

		return
	}

	err := h.cache.Forget(ctx, target)

	switch {
	case err == nil:
		logger.InfoContext(ctx, "forgot cached resource", "url", target)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not cached", http.StatusNotFound)
	case errors.Is(err, diskcache.ErrBusy):
		http.Error(w, "resource is being downloaded", http.StatusConflict)
	default:
		logger.ErrorContext(ctx, "failed to forget cached resource", "url", target, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// resourceURL validates ?url= and writes a 400 when it is unusable.
func resourceURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)

		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "url must be an absolute http or https URL", http.StatusBadRequest)

		return "", false
	}

	return raw, true
}

// statusForError maps a fetch failure onto the response status.
func statusForError(err error) int {
	var protoErr *downloader.ProtocolError
	if errors.As(err, &protoErr) {
		return http.StatusBadGateway
	}

	var cacheErr *downloader.CacheWriteError
	if errors.As(err, &cacheErr) {
		return http.StatusInternalServerError
	}

	if downloader.IsTransient(err) {
		return http.StatusGatewayTimeout
	}

	return http.StatusBadGateway
}

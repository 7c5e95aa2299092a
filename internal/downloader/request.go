package downloader

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/italolelis/resource_fetcher/internal/downloader/progress"
)

// Request describes one fetch. It is owned by the caller; the downloader only
// reads it. Cancel may be called from any goroutine at any time.
type Request struct {
	// ResourceID is the URI to fetch. It keys mutual exclusion between fetches.
	ResourceID string

	// CacheKey selects the durable cache slot. Empty means the result is never
	// written to the disk cache.
	CacheKey string

	// Name is used in logs only. Defaults to ResourceID.
	Name string

	// Progress, when set, receives at most ten notifications per attempt.
	Progress progress.Func

	canceled atomic.Bool
}

// NewRequest returns a cacheable request keyed by its own resource id.
func NewRequest(resourceID string) *Request {
	return &Request{ResourceID: resourceID, CacheKey: resourceID}
}

// Cancel marks the request as canceled. It is never reset.
func (r *Request) Cancel() {
	r.canceled.Store(true)
}

func (r *Request) IsCanceled() bool {
	return r.canceled.Load()
}

func (r *Request) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}

	return r.ResourceID
}

func canceled(ctx context.Context, r *Request) bool {
	return r.IsCanceled() || ctx.Err() != nil
}

// OutcomeKind tells which of the result shapes an Outcome carries.
type OutcomeKind int

const (
	// OutcomeEmpty is returned for canceled fetches.
	OutcomeEmpty OutcomeKind = iota
	// OutcomeFile points at a complete cache file.
	OutcomeFile
	// OutcomeBuffer holds the body in memory.
	OutcomeBuffer
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFile:
		return "file"
	case OutcomeBuffer:
		return "buffer"
	default:
		return "empty"
	}
}

// Outcome is either a complete cache file, a complete in-memory body, or empty.
// It never describes partial data.
type Outcome struct {
	Kind      OutcomeKind
	Path      string // set for OutcomeFile
	Data      []byte // set for OutcomeBuffer
	Size      int64
	FromCache bool // the file existed before the fetch started
}

func emptyOutcome() *Outcome {
	return &Outcome{Kind: OutcomeEmpty}
}

func (o *Outcome) Empty() bool {
	return o == nil || o.Kind == OutcomeEmpty
}

// Open returns a reader over the outcome's bytes.
func (o *Outcome) Open() (io.ReadCloser, error) {
	switch {
	case o.Empty():
		return nil, ErrEmptyOutcome
	case o.Kind == OutcomeFile:
		return os.Open(o.Path)
	default:
		return io.NopCloser(bytes.NewReader(o.Data)), nil
	}
}

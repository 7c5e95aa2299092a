package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	// ErrEmptyOutcome is returned when opening an outcome that carries no data.
	ErrEmptyOutcome = errors.New("downloader: outcome has no data")

	errConnectTimeout = errors.New("connect timed out")
	errReadTimeout    = errors.New("read timed out")
)

// FetchError is the terminal failure of a fetch: retries were exhausted or the
// failure was not retryable. Err holds the classified cause.
type FetchError struct {
	ResourceID string // Resource that could not be fetched
	Attempts   int    // Number of network attempts made
	Err        error  // TransientError, ProtocolError, CacheWriteError or another cause
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.ResourceID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransientError represents network failures plausibly caused by momentary
// conditions: connect or read timeouts and interrupted connections.
type TransientError struct {
	Op  string // "connect" or "read"
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ProtocolError represents responses the downloader refuses to stream: statuses
// of 300 and above, or a missing or non-positive Content-Length.
type ProtocolError struct {
	URL        string
	StatusCode int    // 0 when the request never produced a response
	Reason     string // Human-readable explanation
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("protocol error for %s (HTTP %d): %s", e.URL, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("protocol error for %s: %s", e.URL, e.Reason)
}

// CacheWriteError represents a failure writing, flushing or closing a cache file.
// The partial file has already been removed when this error is returned.
type CacheWriteError struct {
	Path string
	Op   string // "write", "flush", "sync" or "close"
	Err  error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache %s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth another network attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var (
		protoErr *ProtocolError
		cacheErr *CacheWriteError
		transErr *TransientError
	)

	switch {
	case errors.As(err, &protoErr), errors.As(err, &cacheErr):
		return false
	case errors.As(err, &transErr):
		return true
	case errors.Is(err, errConnectTimeout), errors.Is(err, errReadTimeout):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EINTR):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// classify turns a raw attempt error into the taxonomy above. The watchdog cause
// on attemptCtx wins over whatever error the aborted call surfaced.
func classify(attemptCtx context.Context, op string, timeout time.Duration, err error) error {
	if cause := context.Cause(attemptCtx); errors.Is(cause, errConnectTimeout) || errors.Is(cause, errReadTimeout) {
		return &TransientError{Op: op, Err: fmt.Errorf("%w after %s", cause, timeout)}
	}

	var (
		protoErr *ProtocolError
		cacheErr *CacheWriteError
	)
	if errors.As(err, &protoErr) || errors.As(err, &cacheErr) {
		return err
	}

	if IsTransient(err) {
		return &TransientError{Op: op, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}

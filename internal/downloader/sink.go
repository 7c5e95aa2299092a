package downloader

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	fileBufferSize    = 32 * 1024
	maxBufferPrealloc = 8 * 1024 * 1024
)

// sink is where an attempt writes the body: a cache file (durable) or memory.
type sink struct {
	path string
	file *os.File
	bw   *bufio.Writer
	buf  *bytes.Buffer
}

func newBufferSink(total int64) *sink {
	return &sink{buf: bytes.NewBuffer(make([]byte, 0, min(total, maxBufferPrealloc)))}
}

// createCacheFile creates (or truncates) the cache file at path.
func createCacheFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
}

func newFileSink(path string, create func(string) (*os.File, error)) (*sink, error) {
	f, err := create(path)
	if err != nil {
		return nil, err
	}

	s := &sink{path: path, file: f}
	s.bw = bufio.NewWriterSize(&cacheFileWriter{f: f, path: path}, fileBufferSize)

	return s, nil
}

func (s *sink) durable() bool {
	return s.file != nil
}

func (s *sink) mode() string {
	if s.durable() {
		return "durable"
	}

	return "buffered"
}

func (s *sink) Write(p []byte) (int, error) {
	if s.durable() {
		return s.bw.Write(p)
	}

	return s.buf.Write(p)
}

// finish flushes and closes the sink and returns the outcome. Any failure here
// leaves the file for discard to delete: a file whose flush or close failed is
// not trusted even if every byte was copied.
func (s *sink) finish(size int64) (*Outcome, error) {
	if !s.durable() {
		return &Outcome{Kind: OutcomeBuffer, Data: s.buf.Bytes(), Size: size}, nil
	}

	if err := s.bw.Flush(); err != nil {
		return nil, asCacheWriteError(s.path, "flush", err)
	}

	if err := s.file.Sync(); err != nil {
		return nil, &CacheWriteError{Path: s.path, Op: "sync", Err: err}
	}

	err := s.file.Close()
	s.file = nil

	if err != nil {
		return nil, &CacheWriteError{Path: s.path, Op: "close", Err: err}
	}

	return &Outcome{Kind: OutcomeFile, Path: s.path, Size: size}, nil
}

// discard closes the cache file, if still open, and removes it. Failures are
// logged and never replace the error that caused the rollback.
func (s *sink) discard(logger *slog.Logger) {
	if s.path == "" {
		return
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			logger.Debug("failed to close partial cache file", "cache_path", s.path, "err", err)
		}

		s.file = nil
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logger.Error("failed to delete partial cache file", "cache_path", s.path, "err", err)

		return
	}

	logger.Debug("deleted partial cache file", "cache_path", s.path)
}

// cacheFileWriter tags file write errors so they are classified as cache failures.
type cacheFileWriter struct {
	f    *os.File
	path string
}

func (w *cacheFileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &CacheWriteError{Path: w.path, Op: "write", Err: err}
	}

	return n, nil
}

func asCacheWriteError(path, op string, err error) error {
	var cacheErr *CacheWriteError
	if errors.As(err, &cacheErr) {
		return err
	}

	return &CacheWriteError{Path: path, Op: op, Err: err}
}

// statCacheFile succeeds only for a non-empty regular file. Content-Length is
// always positive, so an empty file can never be a complete body.
func statCacheFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, os.ErrNotExist
	}

	return info, nil
}

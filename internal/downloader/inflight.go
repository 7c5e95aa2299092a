package downloader

import "sync"

// InFlight is the set of cache file paths currently being written. A path is a
// member from just before its file is created until the write succeeds, fails
// or is canceled, so readers can tell "being written" apart from "complete".
type InFlight struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func NewInFlight() *InFlight {
	return &InFlight{paths: make(map[string]struct{})}
}

// Mark adds path and reports whether it was absent.
func (s *InFlight) Mark(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[path]; ok {
		return false
	}

	s.paths[path] = struct{}{}

	return true
}

func (s *InFlight) Unmark(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.paths, path)
}

func (s *InFlight) Contains(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.paths[path]

	return ok
}

func (s *InFlight) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.paths)
}

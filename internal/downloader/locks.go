package downloader

import (
	"context"
	"sync"
)

// LockTable grants one holder per resource id. Entries are reference counted
// and dropped once nobody holds or waits for them.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*resourceLock
}

type resourceLock struct {
	sem  chan struct{}
	refs int
}

// LockHandle is a held resource lock. Release is idempotent.
type LockHandle struct {
	table *LockTable
	key   string
	lock  *resourceLock
	once  sync.Once
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*resourceLock)}
}

// Acquire blocks until the lock for key is free or ctx is done.
func (t *LockTable) Acquire(ctx context.Context, key string) (*LockHandle, error) {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &resourceLock{sem: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return &LockHandle{table: t, key: key, lock: l}, nil
	case <-ctx.Done():
		t.unref(key, l)

		return nil, ctx.Err()
	}
}

func (h *LockHandle) Release() {
	h.once.Do(func() {
		<-h.lock.sem
		h.table.unref(h.key, h.lock)
	})
}

// Len returns the number of resource ids currently held or waited on.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.locks)
}

func (t *LockTable) unref(key string, l *resourceLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, key)
	}
}

package lock

import (
	"context"
	"sync"
)

// LocalLock is a NamedLock that only excludes callers within the current process.
// Used by the standalone in-memory mode.
type LocalLock struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[int64]bool)}
}

func (l *LocalLock) TryAcquire(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	return true, nil
}

func (l *LocalLock) Release(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	return nil
}

package usecase

import (
	"context"
	"sync"
)

// ThreadLocker provides in-process, non-blocking mutual exclusion per thread.
// A thread is held from a successful TryLock until its release function runs.
type ThreadLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// NewThreadLocker creates a new thread locker.
func NewThreadLocker() *ThreadLocker {
	return &ThreadLocker{held: make(map[string]uint64)}
}

// TryLock acquires threadID if it is free. It never blocks. ok is false when
// another execution holds the thread. The release function is idempotent.
func (tl *ThreadLocker) TryLock(ctx context.Context, threadID string) (release func(), ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if _, busy := tl.held[threadID]; busy {
		return nil, false, nil
	}
	tl.next++
	owner := tl.next
	tl.held[threadID] = owner

	var once sync.Once
	return func() {
		once.Do(func() {
			tl.mu.Lock()
			if tl.held[threadID] == owner {
				delete(tl.held, threadID)
			}
			tl.mu.Unlock()
		})
	}, true, nil
}

// ActiveCount returns the number of threads currently held.
// Intended for testing.
func (tl *ThreadLocker) ActiveCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.held)
}

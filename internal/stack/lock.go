package stack

import (
	"context"
	"time"
)

// nameLock is a mutex whose waiters are served in arrival order: goroutines
// blocked sending on a channel are queued FIFO by the runtime.
type nameLock struct {
	ch   chan struct{}
	refs int // holders and waiters, guarded by Registry.mu
}

func newNameLock() *nameLock {
	return &nameLock{ch: make(chan struct{}, 1)}
}

// acquire blocks until the lock is held, ctx is done, or timeout elapses.
// A non-positive timeout waits indefinitely.
func (l *nameLock) acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case l.ch <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrLockTimeout
	}
}

// tryAcquire takes the lock only if it is free.
func (l *nameLock) tryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *nameLock) release() {
	<-l.ch
}

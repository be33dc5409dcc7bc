package broker

import (
	"context"
	"sync"
)

// fifoLock is the signing lock: mutual exclusion with strict first-come,
// first-served granting, so task B's signing operation cannot begin until
// task A's has fully completed, including the registry write that advances
// lastNonce. A plain sync.Mutex does not promise wakeup order.
type fifoLock struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Acquire blocks until the lock is granted or ctx is done.
func (l *fifoLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.locked {
		l.locked = true
		l.mu.Unlock()
		return nil
	}
	grant := make(chan struct{}, 1)
	l.waiters = append(l.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation: take it and hand it on.
		<-grant
		l.Release()
		return ctx.Err()
	}
}

// Release grants the lock to the oldest waiter, or frees it.
func (l *fifoLock) Release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		next <- struct{}{}
		return
	}
	l.locked = false
	l.mu.Unlock()
}

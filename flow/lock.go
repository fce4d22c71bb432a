package flow

import (
	"context"
	"sync"
)

// fifoLock is a context-aware mutex that serves waiters in arrival order.
// sync.Mutex makes no fairness guarantee, but channel serialization must:
// messages admitted while another is processing have to run in admission
// order or retry records and state histories interleave unpredictably.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock acquires the lock, blocking behind earlier waiters. On context
// cancellation the waiter withdraws; if the lock was handed to it in the same
// instant it is passed on, so no handoff is ever lost.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ready {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()
	// Unlock already picked this waiter; hand the lock to the next one.
	<-ready
	l.Unlock()
	return ctx.Err()
}

// Unlock releases the lock, handing it directly to the oldest waiter if any.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	if len(l.waiters) == 0 {
		l.held = false
		l.mu.Unlock()
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	close(next)
}

package snes

import (
	"context"
	"sync"
)

// requestLock serializes protocol exchanges. The protocol allows at
// most one outstanding request per connection and matches replies by
// arrival order, so this lock is a correctness requirement, not a
// throughput knob. Waiters are granted the lock strictly in FIFO
// order; a caller whose context expires leaves the queue.
type requestLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (l *requestLock) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, q := range l.waiters {
			if q == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The lock was handed over between ctx firing and dequeue;
		// pass it along so the queue keeps moving.
		l.release()
		return ctx.Err()
	}
}

func (l *requestLock) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		close(w)
		return
	}
	l.held = false
	l.mu.Unlock()
}

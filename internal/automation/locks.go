package automation

import (
	"context"
	"sync"
)

// deviceLocks serialises work per device id. Waiters are granted the lock
// in the order they asked for it, so commands reach a device in arrival
// order regardless of which rule sent them.
type deviceLocks struct {
	mu     sync.Mutex
	queues map[string]*lockQueue
}

type lockQueue struct {
	held    bool
	waiters []*lockWaiter
}

type lockWaiter struct {
	ready   chan struct{}
	granted bool
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{queues: make(map[string]*lockQueue)}
}

// Lock blocks until the caller owns deviceID or ctx is done. The returned
// unlock func is idempotent.
func (l *deviceLocks) Lock(ctx context.Context, deviceID string) (func(), error) {
	l.mu.Lock()
	q, ok := l.queues[deviceID]
	if !ok {
		q = &lockQueue{}
		l.queues[deviceID] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return l.unlocker(deviceID, q), nil
	}
	w := &lockWaiter{ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return l.unlocker(deviceID, q), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Handed the lock while cancelling; pass it on.
			l.mu.Unlock()
			l.release(deviceID, q)
			return nil, ctx.Err()
		}
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (l *deviceLocks) unlocker(deviceID string, q *lockQueue) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(deviceID, q) })
	}
}

func (l *deviceLocks) release(deviceID string, q *lockQueue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		next.granted = true
		close(next.ready)
		return
	}
	q.held = false
	delete(l.queues, deviceID)
}

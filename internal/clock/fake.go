package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only when Advance or Set
// is called; waiters whose deadline is reached fire in deadline order.
//
// AfterFunc callbacks run synchronously inside Advance. A callback may
// register new timers; they fire in the same Advance if already due.
// Calling Advance from inside a callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*waiter
	changed *sync.Cond
	advance sync.Mutex
}

type waiter struct {
	deadline time.Time
	seq      uint64
	ch       chan time.Time
	fn       func()
	done     bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers f to run when the clock passes now+d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.addLocked(w)
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.done {
			return false
		}
		w.done = true
		c.removeLocked(w)
		return true
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(w *waiter) {
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d and fires every due waiter.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t, firing due waiters in deadline order. Moving
// backwards only changes Now.
func (c *FakeClock) Set(t time.Time) {
	c.advance.Lock()
	defer c.advance.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(t)
		if next == nil {
			c.now = t
			c.mu.Unlock()
			return
		}
		// Time passes in steps so callbacks observe their own deadline.
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		next.done = true
		c.removeLocked(next)
		now := c.now
		c.mu.Unlock()

		if next.fn != nil {
			next.fn()
		} else {
			next.ch <- now
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *waiter {
	due := make([]*waiter, 0, len(c.waiters))
	for _, w := range c.waiters {
		if !w.deadline.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

// WaitForTimers blocks until at least n waiters are pending. It closes the
// race between a goroutine registering a timer and the test advancing time.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered, unfired waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

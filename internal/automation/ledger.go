package automation

import (
	"sync"
	"sync/atomic"
	"time"
)

// Entry is the ledger record of one rule.
//
// The in-flight flag is a lock-free compare-and-set so the firing pipeline
// never holds a mutex while it evaluates or executes.
type Entry struct {
	ruleID   string
	inFlight atomic.Bool
	skipped  atomic.Int64

	// removed is set when the rule is deleted mid-run; the entry leaves
	// the ledger once that run finishes. Guarded by Ledger.mu.
	removed bool

	mu            sync.Mutex
	firedKey      string
	lastTriggered time.Time
	count         int64
}

// TryAcquire marks the rule in flight. It returns false when an execution
// is already running.
func (e *Entry) TryAcquire() bool {
	if e.inFlight.CompareAndSwap(false, true) {
		return true
	}
	e.skipped.Add(1)
	return false
}

// Release clears the in-flight flag.
func (e *Entry) Release() {
	e.inFlight.Store(false)
}

// InFlight reports whether an execution is running.
func (e *Entry) InFlight() bool {
	return e.inFlight.Load()
}

// FiredKey returns the dedup key of the last periodic firing.
func (e *Entry) FiredKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firedKey
}

// markFired stores key unless it is already the last fired key. It
// returns the key it replaced so a firing that could not be queued can be
// rolled back.
func (e *Entry) markFired(key string) (previous string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firedKey == key {
		return e.firedKey, false
	}
	previous = e.firedKey
	e.firedKey = key
	return previous, true
}

// unmarkFired restores previous if key is still the last fired key.
func (e *Entry) unmarkFired(key, previous string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firedKey == key {
		e.firedKey = previous
	}
}

func (e *Entry) recordRun(at time.Time) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTriggered = at
	e.count++
	return e.count
}

// EntrySnapshot is a point-in-time copy of an Entry.
type EntrySnapshot struct {
	InFlight        bool
	FiredKey        string
	LastTriggered   time.Time
	ExecutionCount  int64
	SkippedInFlight int64
}

func (e *Entry) snapshot() EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntrySnapshot{
		InFlight:        e.inFlight.Load(),
		FiredKey:        e.firedKey,
		LastTriggered:   e.lastTriggered,
		ExecutionCount:  e.count,
		SkippedInFlight: e.skipped.Load(),
	}
}

// Ledger is the Execution Ledger: per-rule in-flight status, last fired
// time, execution count and periodic dedup key.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*Entry)}
}

// Entry returns the rule's entry, creating it on first use.
func (l *Ledger) Entry(ruleID string) *Entry {
	l.mu.RLock()
	e, ok := l.entries[ruleID]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[ruleID]; ok {
		return e
	}
	e = &Entry{ruleID: ruleID}
	l.entries[ruleID] = e
	return e
}

// Restore seeds an entry from a stored rule. An existing entry keeps its
// in-flight state and dedup key, and a pending removal is cancelled.
func (l *Ledger) Restore(r *Rule) {
	e := l.Entry(r.ID)
	l.mu.Lock()
	e.removed = false
	l.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.LastTriggered != nil && r.LastTriggered.After(e.lastTriggered) {
		e.lastTriggered = *r.LastTriggered
	}
	if r.ExecutionCount > e.count {
		e.count = r.ExecutionCount
	}
}

// Remove drops a deleted rule's entry. An entry whose rule is still
// executing stays until Finish, so a rule re-created under the same id
// cannot start a second concurrent run.
func (l *Ledger) Remove(ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[ruleID]
	if !ok {
		return
	}
	if e.InFlight() {
		e.removed = true
		return
	}
	delete(l.entries, ruleID)
}

// Finish releases e and drops it if its rule was removed while it ran.
func (l *Ledger) Finish(e *Entry) {
	e.Release()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.removed && l.entries[e.ruleID] == e {
		delete(l.entries, e.ruleID)
	}
}

// Current reports whether e is still the ledger's entry for its rule.
func (l *Ledger) Current(e *Entry) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return !e.removed && l.entries[e.ruleID] == e
}

// Snapshot returns a copy of the rule's entry.
func (l *Ledger) Snapshot(ruleID string) (EntrySnapshot, bool) {
	l.mu.RLock()
	e, ok := l.entries[ruleID]
	l.mu.RUnlock()
	if !ok {
		return EntrySnapshot{}, false
	}
	return e.snapshot(), true
}

// InFlight returns how many rules are currently executing.
func (l *Ledger) InFlight() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if e.InFlight() {
			n++
		}
	}
	return n
}

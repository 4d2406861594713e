package device

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/clock"
)

// Logger defines the logging interface used by the device package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const shardCount = 16

type shard struct {
	mu      sync.RWMutex
	devices map[string]*Snapshot
}

// Cache is the process-wide Device State Cache.
//
// Devices are spread over shards by ID so readers of one device never wait
// on writers of another. Stored snapshots are never mutated in place: a
// write builds a new copy and swaps it in, and reads return deep copies.
//
// Subscribers are called after the shard lock is released, in the writer's
// goroutine, in the order writes were applied.
type Cache struct {
	shards [shardCount]*shard
	clock  clock.Clock
	logger Logger

	listenersMu sync.RWMutex
	listeners   map[int]func(Change)
	nextID      int
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock sets the time source used when a report carries no timestamp.
func WithClock(c clock.Clock) CacheOption {
	return func(cache *Cache) { cache.clock = c }
}

// WithLogger sets the cache logger.
func WithLogger(l Logger) CacheOption {
	return func(cache *Cache) { cache.logger = l }
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		clock:     clock.Real(),
		logger:    noopLogger{},
		listeners: make(map[int]func(Change)),
	}
	for i := range c.shards {
		c.shards[i] = &shard{devices: make(map[string]*Snapshot)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.shards[h.Sum32()%shardCount]
}

// Subscribe registers fn for every applied change and returns a function
// that removes it.
func (c *Cache) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Cache) emit(change Change) {
	c.listenersMu.RLock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Get returns a copy of the device snapshot.
func (c *Cache) Get(id string) (*Snapshot, bool) {
	s := c.shardFor(id)
	s.mu.RLock()
	snap, ok := s.devices[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return snap.DeepCopy(), true
}

// Value returns one property of one device without copying the whole snapshot.
func (c *Cache) Value(id, path string) (any, bool) {
	s := c.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.devices[id]
	if !ok {
		return nil, false
	}
	v, ok := snap.State.Lookup(path)
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Supports reports whether the device exists and declares the property.
// The second result is false when the device is unknown.
func (c *Cache) Supports(id, path string) (supported, known bool) {
	s := c.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.devices[id]
	if !ok {
		return false, false
	}
	return snap.Supports(path), true
}

// List returns copies of every cached device sorted by ID.
func (c *Cache) List() []Snapshot {
	var out []Snapshot
	for _, s := range c.shards {
		s.mu.RLock()
		for _, snap := range s.devices {
			out = append(out, *snap.DeepCopy())
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// Upsert registers a device or replaces its metadata. Existing state is
// kept unless snap carries state of its own. A new device emits
// device_added.
func (c *Cache) Upsert(snap Snapshot) error {
	if snap.ID == "" {
		return ErrInvalidDevice
	}
	now := c.clock.Now().UTC()

	s := c.shardFor(snap.ID)
	s.mu.Lock()
	existing, exists := s.devices[snap.ID]
	next := snap.DeepCopy()
	if exists {
		if next.State == nil {
			next.State = State(deepCopyMap(existing.State))
			next.propertyUpdated = existing.DeepCopy().propertyUpdated
			next.LastUpdated = existing.LastUpdated
		}
	}
	if next.State == nil {
		next.State = State{}
	}
	if next.LastUpdated.IsZero() {
		next.LastUpdated = now
	}
	s.devices[snap.ID] = next
	s.mu.Unlock()

	if !exists {
		c.logger.Info("device registered", "device_id", snap.ID, "type", snap.Type)
		c.emit(Change{Kind: ChangeAdded, DeviceID: snap.ID, Timestamp: now})
	}
	return nil
}

// Remove drops a device and emits device_removed.
func (c *Cache) Remove(id string) bool {
	s := c.shardFor(id)
	s.mu.Lock()
	_, ok := s.devices[id]
	delete(s.devices, id)
	s.mu.Unlock()

	if ok {
		c.logger.Info("device removed", "device_id", id)
		c.emit(Change{Kind: ChangeRemoved, DeviceID: id, Timestamp: c.clock.Now().UTC()})
	}
	return ok
}

// SetOnline records reachability. Only transitions emit
// device_online/device_offline.
func (c *Cache) SetOnline(id string, online bool) error {
	s := c.shardFor(id)
	s.mu.Lock()
	snap, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	if snap.Online == online {
		s.mu.Unlock()
		return nil
	}
	next := snap.DeepCopy()
	next.Online = online
	s.devices[id] = next
	s.mu.Unlock()

	kind := ChangeOffline
	if online {
		kind = ChangeOnline
	}
	c.emit(Change{Kind: kind, DeviceID: id, Timestamp: c.clock.Now().UTC()})
	return nil
}

// Apply merges a state report into the cache and notifies subscribers.
//
// Properties are last-writer-wins by report timestamp: a property whose
// stored value is newer than the report is left alone. Properties the
// device does not declare are dropped. An unknown device is registered on
// its first report. The returned bool is false when nothing was applied.
func (c *Cache) Apply(sc StateChange) (Change, bool) {
	if sc.DeviceID == "" || len(sc.Properties) == 0 {
		return Change{}, false
	}
	ts := sc.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	ts = ts.UTC()

	s := c.shardFor(sc.DeviceID)
	s.mu.Lock()
	current, known := s.devices[sc.DeviceID]
	var next *Snapshot
	if known {
		next = current.DeepCopy()
	} else {
		next = &Snapshot{ID: sc.DeviceID, State: State{}, Online: true}
	}
	if next.propertyUpdated == nil {
		next.propertyUpdated = make(map[string]time.Time)
	}

	applied := State{}
	previous := State{}
	var dropped []string
	for prop, value := range sc.Properties {
		if !next.Supports(prop) {
			dropped = append(dropped, prop)
			continue
		}
		if last, ok := next.propertyUpdated[prop]; ok && last.After(ts) {
			continue
		}
		if old, ok := next.State[prop]; ok {
			previous[prop] = old
		}
		next.State[prop] = deepCopyValue(value)
		next.propertyUpdated[prop] = ts
		applied[prop] = deepCopyValue(value)
	}

	if len(applied) == 0 {
		s.mu.Unlock()
		if len(dropped) > 0 {
			c.logger.Debug("state report ignored", "device_id", sc.DeviceID, "unsupported", dropped)
		}
		return Change{}, false
	}

	if ts.After(next.LastUpdated) {
		next.LastUpdated = ts
	}
	s.devices[sc.DeviceID] = next
	s.mu.Unlock()

	if !known {
		c.logger.Info("device registered from state report", "device_id", sc.DeviceID)
	}
	if len(dropped) > 0 {
		c.logger.Debug("unsupported properties dropped", "device_id", sc.DeviceID, "properties", dropped)
	}

	change := Change{
		Kind:       ChangeState,
		DeviceID:   sc.DeviceID,
		Source:     sc.Source,
		Properties: applied,
		Previous:   previous,
		Timestamp:  ts,
	}
	c.emit(change)
	return change, true
}

package node

import (
	"math"
	"reflect"
	"sync"
	"sync/atomic"
)

// defaultSubscriptionBuffer is the channel depth handed to subscribers that
// pass buf <= 0.
const defaultSubscriptionBuffer = 64

// Dispatcher fans state updates out to subscribers keyed by (kind, key) and
// tracks the per-node availability flag.
//
// A per-key cache suppresses updates whose value is unchanged, except when
// the key is marked stale: after a disconnect every known key is stale, so
// the first update per key after reconnect always dispatches even when the
// device reports the same value as before. Updates for keys without
// subscribers are cached and otherwise dropped silently.
//
// Sends to subscribers never block: a subscriber that cannot keep up loses
// updates, which are counted in Dropped.
type Dispatcher struct {
	mu    sync.Mutex
	state map[StateKey]StateUpdate
	stale map[StateKey]struct{}
	subs  map[StateKey][]*Subscription
	all   []*Subscription

	connected bool
	deepSleep bool

	dispatched atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
}

// NewDispatcher returns an empty dispatcher with availability false.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		state: make(map[StateKey]StateUpdate),
		stale: make(map[StateKey]struct{}),
		subs:  make(map[StateKey][]*Subscription),
	}
}

// Subscription is one subscriber's receive handle. Cancel releases it;
// the channel is closed on Cancel and when the subscribed key is removed.
type Subscription struct {
	d      *Dispatcher
	key    *StateKey // nil subscribes to every key
	ch     chan StateUpdate
	closed bool // guarded by d.mu
}

// C returns the update channel.
func (s *Subscription) C() <-chan StateUpdate { return s.ch }

// Cancel detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.removeLocked(s)
}

// Subscribe registers for updates of a single (kind, key). buf <= 0 selects
// the default channel depth.
func (d *Dispatcher) Subscribe(key StateKey, buf int) *Subscription {
	sub := d.newSubscription(&key, buf)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[key] = append(d.subs[key], sub)
	return sub
}

// SubscribeAll registers for every state update of this node.
func (d *Dispatcher) SubscribeAll(buf int) *Subscription {
	sub := d.newSubscription(nil, buf)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.all = append(d.all, sub)
	return sub
}

func (d *Dispatcher) newSubscription(key *StateKey, buf int) *Subscription {
	if buf <= 0 {
		buf = defaultSubscriptionBuffer
	}
	return &Subscription{d: d, key: key, ch: make(chan StateUpdate, buf)}
}

// Update ingests one state payload from the device. It returns true when the
// update was dispatched and false when it was suppressed as an unchanged
// value. The update's Fields map must not be modified by the caller after
// Update returns.
func (d *Dispatcher) Update(u StateUpdate) bool {
	u = normalizeUpdate(u)
	key := u.StateKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, seen := d.state[key]
	_, isStale := d.stale[key]
	d.state[key] = u
	delete(d.stale, key)

	if seen && !isStale && statesEqual(prev, u) {
		d.suppressed.Add(1)
		return false
	}

	d.dispatched.Add(1)
	for _, sub := range d.subs[key] {
		d.sendLocked(sub, u)
	}
	for _, sub := range d.all {
		d.sendLocked(sub, u)
	}
	return true
}

// sendLocked pushes without blocking; slow subscribers lose updates.
func (d *Dispatcher) sendLocked(sub *Subscription, u StateUpdate) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- u:
	default:
		d.dropped.Add(1)
	}
}

// MarkAllStale flags every cached key so the next update per key dispatches
// even if its value is identical. Called from the disconnect pipeline.
func (d *Dispatcher) MarkAllStale() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.state {
		d.stale[key] = struct{}{}
	}
}

// RemoveKeys forgets cached state, staleness and per-key subscriptions for
// entities that disappeared from the device's listing.
func (d *Dispatcher) RemoveKeys(keys []StateKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range keys {
		delete(d.state, key)
		delete(d.stale, key)
		for _, sub := range d.subs[key] {
			sub.closed = true
			close(sub.ch)
		}
		delete(d.subs, key)
	}
}

// State returns the cached update for a key.
func (d *Dispatcher) State(key StateKey) (StateUpdate, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.state[key]
	return u, ok
}

// SetConnected flips the per-node connection flag all entities read for
// availability.
func (d *Dispatcher) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
}

// SetDeepSleep marks the node as one that intentionally disconnects to
// sleep.
func (d *Dispatcher) SetDeepSleep(deepSleep bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deepSleep = deepSleep
}

// Connected returns the raw connection flag.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Available reports node-level availability: connected, or asleep with at
// least one state heard. Deep-sleep devices stay available while their
// connection is down.
func (d *Dispatcher) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return true
	}
	return d.deepSleep && len(d.state) > 0
}

// EntityAvailable reports availability for one entity. For deep-sleep nodes
// an entity is available once it has a cached state; for everything else the
// connection flag decides.
func (d *Dispatcher) EntityAvailable(key StateKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deepSleep {
		_, ok := d.state[key]
		return ok
	}
	return d.connected
}

// DispatcherStats is a point-in-time snapshot of fan-out counters.
type DispatcherStats struct {
	Dispatched uint64 `json:"dispatched"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"dropped"`
	CachedKeys int    `json:"cached_keys"`
	StaleKeys  int    `json:"stale_keys"`
}

// Stats returns the current fan-out counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	cached := len(d.state)
	stale := len(d.stale)
	d.mu.Unlock()

	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Suppressed: d.suppressed.Load(),
		Dropped:    d.dropped.Load(),
		CachedKeys: cached,
		StaleKeys:  stale,
	}
}

func (d *Dispatcher) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	if sub.key == nil {
		d.all = removeSub(d.all, sub)
		return
	}
	remaining := removeSub(d.subs[*sub.key], sub)
	if len(remaining) == 0 {
		delete(d.subs, *sub.key)
	} else {
		d.subs[*sub.key] = remaining
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// normalizeUpdate strips non-finite float fields, which some firmwares emit
// for sensors without a reading. An update left with no fields is treated as
// missing. NaN never compares equal to itself, so leaving it in place would
// defeat change suppression.
func normalizeUpdate(u StateUpdate) StateUpdate {
	var droppedField bool
	for name, value := range u.Fields {
		f, ok := value.(float64)
		if !ok {
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			delete(u.Fields, name)
			droppedField = true
		}
	}
	if droppedField && len(u.Fields) == 0 {
		u.Missing = true
		u.Fields = nil
	}
	return u
}

func statesEqual(a, b StateUpdate) bool {
	if a.Missing != b.Missing || len(a.Fields) != len(b.Fields) {
		return false
	}
	for name, av := range a.Fields {
		bv, ok := b.Fields[name]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// valuesEqual compares state field values. The common scalar cases avoid
// reflection; slices and nested maps fall back to DeepEqual.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case int:
		bv, ok := b.(int)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}

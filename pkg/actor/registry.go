package actor

import (
	"sync"
	"time"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
)

// connRegistry holds one actor's connections and its event-subscription
// index. It carries its own lock so transports and late-running handlers can
// read it without holding the actor's top-level lock; all structural
// mutations come from the owning instance.
type connRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	order []string

	// events maps event name → set of subscribed connection ids.
	events map[string]map[string]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		conns:  make(map[string]*Connection),
		events: make(map[string]map[string]struct{}),
	}
}

// get returns the connection for an id.
func (r *connRegistry) get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// add registers a connection. Duplicate connection ids are rejected; ids are
// unique for the lifetime of the actor's persisted state.
func (r *connRegistry) add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID]; exists {
		return false
	}
	r.conns[c.ID] = c
	r.order = append(r.order, c.ID)
	for event := range c.subscriptions {
		r.indexLocked(event, c.ID)
	}
	return true
}

// remove drops a connection and its subscription index entries.
func (r *connRegistry) remove(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for event := range c.subscriptions {
		r.unindexLocked(event, connID)
	}
	return c, true
}

// subscribe adds an event subscription (set semantics; a duplicate is a
// no-op). It reports whether the subscription set changed.
func (r *connRegistry) subscribe(connID, event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, exists := c.subscriptions[event]; exists {
		return false
	}
	c.subscriptions[event] = struct{}{}
	r.indexLocked(event, connID)
	return true
}

// unsubscribe removes an event subscription.
func (r *connRegistry) unsubscribe(connID, event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, exists := c.subscriptions[event]; !exists {
		return false
	}
	delete(c.subscriptions, event)
	r.unindexLocked(event, connID)
	return true
}

func (r *connRegistry) indexLocked(event, connID string) {
	set, ok := r.events[event]
	if !ok {
		set = make(map[string]struct{})
		r.events[event] = set
	}
	set[connID] = struct{}{}
}

func (r *connRegistry) unindexLocked(event, connID string) {
	set, ok := r.events[event]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.events, event)
	}
}

// subscribers snapshots the connections subscribed to an event, in connection
// insertion order, so sends happen outside the lock.
func (r *connRegistry) subscribers(event string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.events[event]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, id := range r.order {
		if _, subscribed := set[id]; subscribed {
			out = append(out, r.conns[id])
		}
	}
	return out
}

// all snapshots every connection in insertion order.
func (r *connRegistry) all() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// connectedCount returns the number of connections with a bound socket.
func (r *connRegistry) connectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if c.Status() == StatusConnected {
			n++
		}
	}
	return n
}

// sweepStale removes socketless connections idle past timeout and returns
// them so the instance can fire onDisconnect and persist.
func (r *connRegistry) sweepStale(now time.Time, timeout time.Duration) []*Connection {
	r.mu.RLock()
	var stale []string
	for _, id := range r.order {
		c := r.conns[id]
		c.mu.Lock()
		socketless := c.socket == nil
		idle := now.Sub(c.lastSeen) > timeout
		c.mu.Unlock()
		if socketless && idle {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var removed []*Connection
	for _, id := range stale {
		if c, ok := r.remove(id); ok {
			removed = append(removed, c)
		}
	}
	return removed
}

// snapshot captures the persisted form of every connection, in insertion
// order, validating each connection's state as it goes.
func (r *connRegistry) snapshot() ([]protocol.PersistedConn, map[string]uint64, error) {
	conns := r.all()
	out := make([]protocol.PersistedConn, 0, len(conns))
	versions := make(map[string]uint64, len(conns))
	for _, c := range conns {
		stateBytes, version, err := c.state.snapshot()
		if err != nil {
			return nil, nil, err
		}

		r.mu.RLock()
		subs := make([]string, 0, len(c.subscriptions))
		for event := range c.subscriptions {
			subs = append(subs, event)
		}
		r.mu.RUnlock()

		out = append(out, protocol.PersistedConn{
			ConnID:        c.ID,
			Token:         c.Token,
			Params:        c.Params,
			State:         stateBytes,
			Subscriptions: subs,
			LastSeen:      c.LastSeen().UnixMilli(),
		})
		versions[c.ID] = version
	}
	return out, versions, nil
}

// markSaved records flushed state versions after a successful write.
func (r *connRegistry) markSaved(versions map[string]uint64) {
	for id, version := range versions {
		if c, ok := r.get(id); ok {
			c.state.markSaved(version)
		}
	}
}

// dirty reports whether any connection's state changed since the last flush.
func (r *connRegistry) dirty() bool {
	for _, c := range r.all() {
		if c.state.Dirty() {
			return true
		}
	}
	return false
}

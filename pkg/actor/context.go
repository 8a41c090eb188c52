package actor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// Context is the handle user handlers and hooks receive. It exposes the
// actor's identity, its state view, its connections, broadcasting, and
// scheduling. A Context stays valid for the life of the instance; connection
// scope (Conn) is set only for connection hooks.
type Context struct {
	inst *Instance
	conn *Connection
}

// ActorID returns the actor's globally unique id.
func (c *Context) ActorID() string { return c.inst.actorID }

// Name returns the definition name.
func (c *Context) Name() string { return c.inst.def.Name }

// Key returns the actor's user-supplied key.
func (c *Context) Key() rivet.Key { return c.inst.key }

// Log returns a logger scoped to this actor.
func (c *Context) Log() *slog.Logger { return c.inst.log }

// Done is the actor's abort signal, fired when the actor stops.
func (c *Context) Done() <-chan struct{} { return c.inst.ctx.Done() }

// State returns the persisted state value, or nil when state is disabled.
func (c *Context) State() any { return c.inst.state.Get() }

// SetState replaces the persisted state wholesale. Fails with
// state/invalid_type for non-serializable values and actor/state_not_enabled
// for stateless definitions.
func (c *Context) SetState(v any) error { return c.inst.state.Set(v) }

// MarkStateChanged flags an in-place mutation so the throttled writer picks
// it up. Call it after mutating the value returned by State.
func (c *Context) MarkStateChanged() { c.inst.state.MarkChanged() }

// Vars returns the ephemeral per-load values built by CreateVars.
func (c *Context) Vars() any { return c.inst.vars }

// Conn returns the connection in scope, or nil outside connection hooks and
// connection-bound actions.
func (c *Context) Conn() *Connection { return c.conn }

// Conns snapshots the actor's current connections.
func (c *Context) Conns() []*Connection { return c.inst.registry.all() }

// Broadcast sends a named event to every subscribed connection, serializing
// at most once per encoding.
func (c *Context) Broadcast(name string, args any) error {
	return c.inst.Broadcast(name, args)
}

// Schedule defers an action invocation to an absolute time. Args are
// CBOR-encoded now; the action runs with them when the alarm fires.
func (c *Context) Schedule(at time.Time, action string, args any) error {
	data, err := protocol.MarshalCBOR(args)
	if err != nil {
		return rivet.WrapInternal(err)
	}
	return c.inst.ScheduleEvent(protocol.ScheduledEvent{
		EventID:   uuid.New().String(),
		Timestamp: at.UnixMilli(),
		Kind:      protocol.ScheduledKind{ActionName: action, Args: data},
	})
}

// ScheduleAfter defers an action invocation by a relative duration.
func (c *Context) ScheduleAfter(d time.Duration, action string, args any) error {
	return c.Schedule(c.inst.clock.Now().Add(d), action, args)
}

// SaveState flushes dirty state. With immediate it writes now instead of
// waiting for the throttle interval; an immediate save with nothing dirty is
// a no-op.
func (c *Context) SaveState(immediate bool) {
	c.inst.SaveState(immediate)
}

// WaitUntil runs fn in the background and keeps the actor from completing its
// stop sequence until fn returns (bounded by the wait-until timeout). The
// passed context is the actor abort signal.
func (c *Context) WaitUntil(fn func(ctx context.Context) error) {
	c.inst.waitUntil(fn)
}

// withConn returns a copy of the context scoped to a connection.
func (c *Context) withConn(conn *Connection) *Context {
	return &Context{inst: c.inst, conn: conn}
}

package actor

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// invokeAction runs one named action against the actor with the configured
// per-action deadline. The handler runs in its own goroutine raced against
// the clock; on timeout the caller gets action/timed_out while the handler is
// left to finish against the cancelled context. Output is transformed by
// OnBeforeActionResponse when defined, then CBOR-encoded. The throttled
// persist writer is armed on every return, timeouts included.
func (a *Instance) invokeAction(c *Context, name string, args []byte) ([]byte, error) {
	handler, ok := a.def.Actions[name]
	if !ok {
		return nil, rivet.ActionNotFound(name)
	}

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("Action panicked",
					"action", name, "panic", r, "stack", string(debug.Stack()))
				done <- result{err: rivet.WrapInternal(fmt.Errorf("action %q panicked: %v", name, r))}
			}
		}()
		out, err := handler(ctx, c, args)
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-a.clock.After(a.cfg.ActionTimeout):
		cancel()
		a.armThrottledSave()
		return nil, rivet.ActionTimedOut(name)
	}
	a.armThrottledSave()
	a.notifyStateChanged()

	if res.err != nil {
		return nil, rivet.WrapInternal(res.err)
	}

	out := res.out
	if a.def.OnBeforeActionResponse != nil {
		transformed, err := a.def.OnBeforeActionResponse(ctx, c, name, out)
		if err != nil {
			return nil, rivet.WrapInternal(err)
		}
		out = transformed
	}

	data, err := protocol.MarshalCBOR(out)
	if err != nil {
		return nil, rivet.WrapInternal(fmt.Errorf("encode action output: %w", err))
	}
	return data, nil
}

// runScheduled dispatches one due scheduled event. Errors never propagate;
// they are logged so later events still fire.
func (a *Instance) runScheduled(ev protocol.ScheduledEvent) {
	handler, ok := a.def.Actions[ev.Kind.ActionName]
	if !ok {
		a.log.Warn("Scheduled event targets unknown action",
			"actor_id", a.actorID, "action", ev.Kind.ActionName, "event_id", ev.EventID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Scheduled event panicked",
				"actor_id", a.actorID, "action", ev.Kind.ActionName, "panic", r)
		}
	}()
	if _, err := handler(a.ctx, a.rootCtx, ev.Kind.Args); err != nil {
		a.log.Error("Scheduled event failed",
			"actor_id", a.actorID, "action", ev.Kind.ActionName,
			"event_id", ev.EventID, "error", err)
	}
	a.notifyStateChanged()
}

// wireError converts any error to the protocol Error frame, redacting
// non-public errors unless the runner exposes them.
func wireError(err error, expose bool, actionID *uint64) protocol.Error {
	e := rivet.WrapInternal(err).ForWire(expose)
	var meta []byte
	if len(e.Metadata) > 0 {
		meta, _ = protocol.MarshalCBOR(e.Metadata)
	}
	return protocol.Error{
		Group:    e.Group,
		Code:     e.Code,
		Message:  e.Message,
		Metadata: meta,
		ActionID: actionID,
	}
}

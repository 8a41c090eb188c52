// Package actor implements the runtime core: actor definitions, the instance
// lifecycle, the persisted state view, the connection registry with
// reconnection and liveness sweeping, the scheduler, the action dispatcher,
// and the transport socket adapters.
package actor

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/coder/websocket"
)

// Action is a user-registered handler invoked by name. Args arrive
// CBOR-encoded; the returned value is CBOR-encoded by the dispatcher. Handlers
// run on the actor's execution context and may touch state freely. ctx carries
// the per-action deadline and the actor abort signal.
type Action func(ctx context.Context, c *Context, args []byte) (any, error)

// Definition declares one actor type: its name, action handlers, lifecycle
// hooks, and state constructors. All hooks are optional except CreateState,
// which also decides whether state is enabled at all.
type Definition struct {
	Name string

	// Actions maps action names to handlers.
	Actions map[string]Action

	// CreateState produces the initial persisted state on first load. When
	// nil, state is disabled and Context.State fails.
	CreateState func(ctx context.Context, c *Context, input []byte) (any, error)

	// StatePrototype returns a fresh pointer the persisted state is decoded
	// into on load. When nil, state decodes as map[string]any.
	StatePrototype func() any

	// CreateVars rebuilds ephemeral per-load values on every start.
	CreateVars func(ctx context.Context, c *Context) (any, error)

	// CreateConnState produces per-connection state during a fresh handshake.
	CreateConnState func(ctx context.Context, c *Context, params []byte) (any, error)

	// ConnStatePrototype returns a fresh pointer connection state is decoded
	// into on load. When nil, it decodes as map[string]any.
	ConnStatePrototype func() any

	// Lifecycle hooks.
	OnCreate      func(ctx context.Context, c *Context, input []byte) error
	OnStart       func(ctx context.Context, c *Context) error
	OnStop        func(ctx context.Context, c *Context) error
	OnStateChange func(c *Context)

	// Connection hooks. OnBeforeConnect runs before the connection exists and
	// may reject the handshake; OnConnect runs after the connection is
	// persisted; OnDisconnect runs when a connection is removed.
	OnBeforeConnect func(ctx context.Context, c *Context, params []byte) error
	OnConnect       func(ctx context.Context, c *Context, conn *Connection) error
	OnDisconnect    func(c *Context, conn *Connection)

	// OnBeforeActionResponse transforms an action's output before it is
	// encoded for the client.
	OnBeforeActionResponse func(ctx context.Context, c *Context, name string, output any) (any, error)

	// Raw handlers. Requests under /raw/http and /raw/websocket are handed
	// here with the prefix stripped from the path.
	OnFetch     func(c *Context, w http.ResponseWriter, r *http.Request) error
	OnWebSocket func(c *Context, ws *websocket.Conn, r *http.Request) error
}

// StateEnabled reports whether this definition carries persisted state.
func (d *Definition) StateEnabled() bool { return d.CreateState != nil }

// Registry holds the actor definitions a runner serves, keyed by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Duplicate names are rejected.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("actor definition has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("actor definition %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition for a name.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered actor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

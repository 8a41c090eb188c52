package actor

import (
	"sync"
	"time"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
)

// ReadyState describes a transport socket's lifecycle position.
type ReadyState int

const (
	ReadyStateConnecting ReadyState = iota
	ReadyStateOpen
	ReadyStateClosing
	ReadyStateClosed
	ReadyStateUnknown
)

// ConnSocket is the transport contract every adapter (WebSocket, SSE, HTTP)
// implements. Send never blocks on the actor's execution context; Disconnect
// returns once the peer has been closed.
type ConnSocket interface {
	Send(msg *protocol.CachedSerializer) error
	Disconnect(reason string) error
	ReadyState() ReadyState
}

// ConnStatus derives from socket presence.
type ConnStatus string

const (
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
)

// Connection pairs one persisted connection with at most one live socket.
// When the socket drops non-cleanly the persisted half survives for the
// liveness window so a client presenting the same (id, token) can rebind.
//
// The embedded lock covers the socket binding and lastSeen; the persisted
// identity (ID, Token, Params) is immutable after creation. Subscriptions are
// mutated only by the registry under its own lock.
type Connection struct {
	ID     string
	Token  string
	Params []byte

	state *StateView

	mu       sync.Mutex
	socket   ConnSocket
	socketID string
	encoding protocol.Encoding
	lastSeen time.Time
	initSent bool

	// subscriptions is owned by the registry.
	subscriptions map[string]struct{}
}

// Status reports connected when a socket is bound, reconnecting otherwise.
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		return StatusConnected
	}
	return StatusReconnecting
}

// State returns the per-connection user state.
func (c *Connection) State() any { return c.state.Get() }

// SetState replaces the per-connection user state.
func (c *Connection) SetState(v any) error { return c.state.Set(v) }

// MarkStateChanged flags an in-place mutation of connection state.
func (c *Connection) MarkStateChanged() { c.state.MarkChanged() }

// Encoding returns the negotiated wire encoding, valid while a socket is
// bound.
func (c *Connection) Encoding() protocol.Encoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoding
}

// LastSeen returns the last socket-activity timestamp.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// touch stamps socket activity.
func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// bind attaches a socket, returning the previous socket (if any) so the
// caller can detach it.
func (c *Connection) bind(socket ConnSocket, socketID string, enc protocol.Encoding, now time.Time) ConnSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.socket
	c.socket, c.socketID, c.encoding, c.lastSeen = socket, socketID, enc, now
	c.initSent = false
	return old
}

// sendInit writes the Init frame and opens the socket for event delivery.
// Init is the first frame on every socket, fresh or rebound.
func (c *Connection) sendInit(msg *protocol.CachedSerializer) {
	c.mu.Lock()
	socket := c.socket
	c.initSent = true
	c.mu.Unlock()
	if socket != nil {
		_ = socket.Send(msg)
	}
}

// detach drops the socket binding if socketID still matches. It reports
// whether the event was current; a stale socketID means a newer reconnect
// already rebound the connection.
func (c *Connection) detach(socketID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socketID != socketID {
		return false
	}
	c.socket, c.socketID = nil, ""
	c.lastSeen = now
	return true
}

// currentSocket returns the bound socket, or nil.
func (c *Connection) currentSocket() (ConnSocket, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket, c.socketID
}

// send writes a frame to the bound socket, if any. Frames are suppressed
// until the socket's Init has gone out. Send failures are the transport's
// problem; the read loop observes the broken socket and reports the
// disconnect.
func (c *Connection) send(msg *protocol.CachedSerializer) {
	c.mu.Lock()
	socket := c.socket
	ready := c.initSent
	c.mu.Unlock()
	if socket == nil || !ready {
		return
	}
	_ = socket.Send(msg)
}

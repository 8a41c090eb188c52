package actor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
)

// socketWriteTimeout bounds a single frame write so one stalled client cannot
// wedge a broadcast.
const socketWriteTimeout = 5 * time.Second

// ssePingInterval keeps intermediaries from closing idle event streams.
const ssePingInterval = time.Second

// --- WebSocket ---

type wsSocket struct {
	conn *websocket.Conn
	enc  protocol.Encoding

	mu     sync.Mutex
	state  ReadyState
	closed chan struct{}
}

func newWSSocket(conn *websocket.Conn, enc protocol.Encoding) *wsSocket {
	return &wsSocket{conn: conn, enc: enc, state: ReadyStateOpen, closed: make(chan struct{})}
}

func (s *wsSocket) Send(msg *protocol.CachedSerializer) error {
	data, err := msg.Serialize(s.enc)
	if err != nil {
		return err
	}
	msgType := websocket.MessageText
	if s.enc.IsBinary() {
		msgType = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(context.Background(), socketWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, msgType, data)
}

func (s *wsSocket) Disconnect(reason string) error {
	s.mu.Lock()
	if s.state == ReadyStateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = ReadyStateClosing
	s.mu.Unlock()

	// Close runs the close handshake and waits briefly for the peer's ack.
	err := s.conn.Close(websocket.StatusNormalClosure, truncateCloseReason(reason))
	s.markClosed()
	return err
}

func (s *wsSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *wsSocket) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ReadyStateClosed {
		s.state = ReadyStateClosed
		close(s.closed)
	}
}

// truncateCloseReason keeps close reasons inside the 123-byte control-frame
// limit.
func truncateCloseReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}

// RunWebSocket drives one WebSocket connection: handshake, read loop,
// disconnect reporting. It blocks until the socket closes. A handshake error
// is returned so the caller can surface it in-stream.
func RunWebSocket(ctx context.Context, inst *Instance, wsConn *websocket.Conn, req *ConnectRequest) error {
	socket := newWSSocket(wsConn, req.Encoding)
	conn, socketID, err := inst.CreateConn(socket, req)
	if err != nil {
		return err
	}

	for {
		_, data, err := wsConn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			clean := status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
			socket.markClosed()
			inst.ConnDisconnected(conn, clean, socketID)
			return nil
		}
		inst.ProcessMessage(conn, data)
	}
}

// --- SSE ---

type sseSocket struct {
	enc   protocol.Encoding
	w     http.ResponseWriter
	flush http.Flusher

	mu        sync.Mutex
	state     ReadyState
	done      chan struct{}
	closeOnce sync.Once
}

func newSSESocket(w http.ResponseWriter, flush http.Flusher, enc protocol.Encoding) *sseSocket {
	return &sseSocket{enc: enc, w: w, flush: flush, state: ReadyStateOpen, done: make(chan struct{})}
}

func (s *sseSocket) Send(msg *protocol.CachedSerializer) error {
	payload, err := msg.Serialize(s.enc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ReadyStateOpen {
		return fmt.Errorf("sse stream closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", s.enc.EncodeSSEData(payload)); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

func (s *sseSocket) Disconnect(reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = ReadyStateClosed
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (s *sseSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *sseSocket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ReadyStateOpen {
		return fmt.Errorf("sse stream closed")
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// RunSSE drives one server-sent-events stream: handshake, ping loop, abort
// detection. Client→actor messages for this connection arrive separately via
// POST /connections/message. Blocks until the stream ends. A handshake error
// is returned so the caller can surface it in-stream.
func RunSSE(ctx context.Context, inst *Instance, w http.ResponseWriter, flush http.Flusher, req *ConnectRequest) error {
	socket := newSSESocket(w, flush, req.Encoding)
	conn, socketID, err := inst.CreateConn(socket, req)
	if err != nil {
		return err
	}

	ticker := inst.clock.NewTicker(ssePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Client abort tears the stream down non-cleanly; the persisted
			// connection survives for the liveness window.
			_ = socket.Disconnect("client aborted")
			inst.ConnDisconnected(conn, false, socketID)
			return nil
		case <-socket.done:
			return nil
		case <-ticker.Chan():
			if err := socket.ping(); err != nil {
				inst.ConnDisconnected(conn, false, socketID)
				return nil
			}
		}
	}
}

// --- HTTP one-shot ---

// httpSocket backs an ephemeral single-action connection. There is nothing to
// send to and nothing to close; the HTTP response is the reply channel.
type httpSocket struct{}

func newHTTPSocket() *httpSocket { return &httpSocket{} }

func (*httpSocket) Send(*protocol.CachedSerializer) error { return nil }
func (*httpSocket) Disconnect(string) error               { return nil }
func (*httpSocket) ReadyState() ReadyState                { return ReadyStateOpen }

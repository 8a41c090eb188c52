package manager

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/rivetkit/rivetkit-go/pkg/actor"
	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// resolveInstance loads the instance addressed by the x-rivet-actor header (a
// bare actorId) or the x-rivet-actor-query header (a JSON query).
func (s *Server) resolveInstance(c *echo.Context) (*actor.Instance, error) {
	ctx := c.Request().Context()
	if actorID := c.Request().Header.Get(rivet.HeaderActor); actorID != "" {
		return s.sup.InstanceByID(ctx, actorID)
	}
	raw := c.Request().Header.Get(rivet.HeaderActorQuery)
	if raw == "" {
		return nil, rivet.InvalidParams("request must carry x-rivet-actor or x-rivet-actor-query")
	}
	query, err := ParseActorQuery([]byte(raw))
	if err != nil {
		return nil, err
	}
	rec, _, err := query.Resolve(ctx, s.mgr)
	if err != nil {
		return nil, err
	}
	return s.sup.Instance(ctx, rec)
}

// requestEncoding negotiates the wire encoding from the x-rivet-encoding
// header, defaulting to json.
func requestEncoding(c *echo.Context) (protocol.Encoding, error) {
	raw := c.Request().Header.Get(rivet.HeaderEncoding)
	if raw == "" {
		return protocol.EncodingJSON, nil
	}
	return protocol.ParseEncoding(raw)
}

// actionHandler handles POST /action/:name, the one-shot HTTP action call.
func (s *Server) actionHandler(c *echo.Context) error {
	if s.proxy != nil {
		return s.proxy.ForwardHTTP(c)
	}
	enc, err := requestEncoding(c)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}

	inst, err := s.resolveInstance(c)
	if err != nil {
		return writeActorError(c, enc, err, s.cfg.Actors.ExposeInternalError)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeActorError(c, enc, rivet.MalformedMessage(err), s.cfg.Actors.ExposeInternalError)
	}
	req, err := enc.DecodeHTTPActionRequest(body, s.cfg.Actors.MaxIncomingMessageSize)
	if err != nil {
		return writeActorError(c, enc, err, s.cfg.Actors.ExposeInternalError)
	}

	params := []byte(c.Request().Header.Get(rivet.HeaderConnParams))
	output, err := inst.Action(c.Param("name"), req.Args, params, enc)
	if err != nil {
		return writeActorError(c, enc, err, s.cfg.Actors.ExposeInternalError)
	}
	resp, err := enc.EncodeHTTPActionResponse(&protocol.HTTPActionResponse{Output: output})
	if err != nil {
		return writeActorError(c, enc, err, s.cfg.Actors.ExposeInternalError)
	}
	return c.Blob(http.StatusOK, enc.ContentType(), resp)
}

// connectionMessageHandler handles POST /connections/message: injecting a
// protocol frame into an open connection over plain HTTP. The response frames
// travel over the connection's own transport, not this request.
func (s *Server) connectionMessageHandler(c *echo.Context) error {
	if s.proxy != nil {
		return s.proxy.ForwardHTTP(c)
	}
	enc, err := requestEncoding(c)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}

	inst, err := s.resolveInstance(c)
	if err != nil {
		return writeActorError(c, enc, err, s.cfg.Actors.ExposeInternalError)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeActorError(c, enc, rivet.MalformedMessage(err), s.cfg.Actors.ExposeInternalError)
	}

	connID := c.Request().Header.Get(rivet.HeaderConnID)
	connToken := c.Request().Header.Get(rivet.HeaderConnToken)
	if err := inst.HandleConnectionMessage(connID, connToken, body); err != nil {
		return writeActorError(c, enc, err, s.cfg.Actors.ExposeInternalError)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// connectSSEHandler handles GET /connect/sse. The stream is committed before
// the actor resolves, so setup failures are delivered in-stream as an Error
// frame rather than an HTTP status.
func (s *Server) connectSSEHandler(c *echo.Context) error {
	if s.proxy != nil {
		return s.proxy.ForwardHTTP(c)
	}
	enc, err := requestEncoding(c)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}

	w := http.ResponseWriter(c.Response())
	flush, ok := w.(http.Flusher)
	if !ok {
		return mapManagerError(c, rivet.WrapInternal(fmt.Errorf("response writer does not support flushing")), s.cfg.Actors.ExposeInternalError)
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flush.Flush()

	inst, err := s.resolveInstance(c)
	if err != nil {
		writeSSEError(w, flush, enc, err, s.cfg.Actors.ExposeInternalError)
		return nil
	}
	req := &actor.ConnectRequest{
		Encoding:  enc,
		Params:    []byte(c.Request().Header.Get(rivet.HeaderConnParams)),
		ConnID:    c.Request().Header.Get(rivet.HeaderConnID),
		ConnToken: c.Request().Header.Get(rivet.HeaderConnToken),
	}
	if err := actor.RunSSE(c.Request().Context(), inst, w, flush, req); err != nil {
		writeSSEError(w, flush, enc, err, s.cfg.Actors.ExposeInternalError)
	}
	return nil
}

func writeSSEError(w io.Writer, flush http.Flusher, enc protocol.Encoding, err error, expose bool) {
	payload, encErr := enc.EncodeToClient(errorFrame(err, expose))
	if encErr != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", enc.EncodeSSEData(payload))
	flush.Flush()
}

// wsHandshake is the metadata parsed from the Sec-WebSocket-Protocol entries
// of a connect or raw WebSocket upgrade.
type wsHandshake struct {
	actorID    string
	actorQuery string
	encoding   protocol.Encoding
	params     []byte
	connID     string
	connToken  string
	token      string
}

// parseWSHandshake extracts the rivet_* tagged entries. Connection params are
// URL-escaped JSON in the subprotocol entry.
func parseWSHandshake(r *http.Request) (*wsHandshake, error) {
	hs := &wsHandshake{encoding: protocol.EncodingJSON}
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, entry := range strings.Split(header, ",") {
			entry = strings.TrimSpace(entry)
			switch {
			case strings.HasPrefix(entry, rivet.WSProtocolActor):
				hs.actorID = strings.TrimPrefix(entry, rivet.WSProtocolActor)
			case strings.HasPrefix(entry, rivet.WSProtocolTarget):
				hs.actorQuery = strings.TrimPrefix(entry, rivet.WSProtocolTarget)
			case strings.HasPrefix(entry, rivet.WSProtocolEncoding):
				enc, err := protocol.ParseEncoding(strings.TrimPrefix(entry, rivet.WSProtocolEncoding))
				if err != nil {
					return nil, err
				}
				hs.encoding = enc
			case strings.HasPrefix(entry, rivet.WSProtocolConnParams):
				raw, err := url.QueryUnescape(strings.TrimPrefix(entry, rivet.WSProtocolConnParams))
				if err != nil {
					return nil, rivet.InvalidParams("connection params entry is not valid URL encoding")
				}
				hs.params = []byte(raw)
			case strings.HasPrefix(entry, rivet.WSProtocolConnToken):
				hs.connToken = strings.TrimPrefix(entry, rivet.WSProtocolConnToken)
			case strings.HasPrefix(entry, rivet.WSProtocolConnID):
				hs.connID = strings.TrimPrefix(entry, rivet.WSProtocolConnID)
			case strings.HasPrefix(entry, rivet.WSProtocolToken):
				hs.token = strings.TrimPrefix(entry, rivet.WSProtocolToken)
			}
		}
	}
	return hs, nil
}

// resolveWSInstance loads the actor a WebSocket handshake addresses, falling
// back to the x-rivet-actor headers when no subprotocol entry carried it.
func (s *Server) resolveWSInstance(c *echo.Context, hs *wsHandshake) (*actor.Instance, error) {
	ctx := c.Request().Context()
	if hs.actorID != "" {
		return s.sup.InstanceByID(ctx, hs.actorID)
	}
	if hs.actorQuery != "" {
		raw, err := url.QueryUnescape(hs.actorQuery)
		if err != nil {
			return nil, rivet.InvalidParams("actor query entry is not valid URL encoding")
		}
		query, err := ParseActorQuery([]byte(raw))
		if err != nil {
			return nil, err
		}
		rec, _, err := query.Resolve(ctx, s.mgr)
		if err != nil {
			return nil, err
		}
		return s.sup.Instance(ctx, rec)
	}
	return s.resolveInstance(c)
}

// connectWebSocketHandler handles GET /connect/websocket. The upgrade is
// accepted first; authentication and actor resolution failures are sent as an
// Error frame, then the socket closes 1011 with the error code as reason.
func (s *Server) connectWebSocketHandler(c *echo.Context) error {
	if s.proxy != nil {
		return s.proxy.ForwardWebSocket(c)
	}
	hs, hsErr := parseWSHandshake(c.Request())
	if hs == nil {
		hs = &wsHandshake{encoding: protocol.EncodingJSON}
	}

	wsConn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		Subprotocols:       []string{rivet.WSProtocolStandard},
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	setupErr := hsErr
	if setupErr == nil {
		setupErr = s.checkToken(hs.token)
	}
	var inst *actor.Instance
	if setupErr == nil {
		inst, setupErr = s.resolveWSInstance(c, hs)
	}
	if setupErr != nil {
		s.closeWSWithError(c, wsConn, hs.encoding, setupErr)
		return nil
	}

	req := &actor.ConnectRequest{
		Encoding:  hs.encoding,
		Params:    hs.params,
		ConnID:    hs.connID,
		ConnToken: hs.connToken,
	}
	if err := actor.RunWebSocket(c.Request().Context(), inst, wsConn, req); err != nil {
		s.closeWSWithError(c, wsConn, hs.encoding, err)
	}
	return nil
}

func (s *Server) closeWSWithError(c *echo.Context, wsConn *websocket.Conn, enc protocol.Encoding, err error) {
	expose := s.cfg.Actors.ExposeInternalError
	wire := rivet.WrapInternal(err).ForWire(expose)
	if payload, encErr := enc.EncodeToClient(errorFrame(err, expose)); encErr == nil {
		msgType := websocket.MessageText
		if enc.IsBinary() {
			msgType = websocket.MessageBinary
		}
		_ = wsConn.Write(c.Request().Context(), msgType, payload)
	}
	_ = wsConn.Close(websocket.StatusInternalError, wire.FullCode())
}

// errorFrame builds the in-stream Error frame for setup failures.
func errorFrame(err error, expose bool) *protocol.ToClient {
	wire := rivet.WrapInternal(err).ForWire(expose)
	var meta []byte
	if len(wire.Metadata) > 0 {
		meta, _ = protocol.MarshalCBOR(wire.Metadata)
	}
	return &protocol.ToClient{Body: protocol.Error{
		Group:    wire.Group,
		Code:     wire.Code,
		Message:  wire.Message,
		Metadata: meta,
	}}
}

// rawHTTPHandler handles ALL /raw/http/*, rewriting the path before handing
// the request to the actor's fetch handler.
func (s *Server) rawHTTPHandler(c *echo.Context) error {
	if s.proxy != nil {
		return s.proxy.ForwardHTTP(c)
	}
	inst, err := s.resolveInstance(c)
	if err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}
	r := rewriteRawPath(c.Request(), "/raw/http")
	if err := inst.HandleFetch(c.Response(), r); err != nil {
		return mapManagerError(c, err, s.cfg.Actors.ExposeInternalError)
	}
	return nil
}

// rawWebSocketHandler handles GET /raw/websocket/*. Auth rides the rivet_token
// subprotocol entry like the connect endpoint.
func (s *Server) rawWebSocketHandler(c *echo.Context) error {
	if s.proxy != nil {
		return s.proxy.ForwardWebSocket(c)
	}
	hs, hsErr := parseWSHandshake(c.Request())
	if hs == nil {
		hs = &wsHandshake{encoding: protocol.EncodingJSON}
	}

	wsConn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		Subprotocols:       []string{rivet.WSProtocolStandard},
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	setupErr := hsErr
	if setupErr == nil {
		setupErr = s.checkToken(hs.token)
	}
	var inst *actor.Instance
	if setupErr == nil {
		inst, setupErr = s.resolveWSInstance(c, hs)
	}
	if setupErr != nil {
		s.closeWSWithError(c, wsConn, hs.encoding, setupErr)
		return nil
	}

	r := rewriteRawPath(c.Request(), "/raw/websocket")
	if err := inst.HandleRawWebSocket(wsConn, r); err != nil {
		wire := rivet.WrapInternal(err).ForWire(s.cfg.Actors.ExposeInternalError)
		_ = wsConn.Close(websocket.StatusInternalError, wire.FullCode())
		return nil
	}
	_ = wsConn.Close(websocket.StatusNormalClosure, "")
	return nil
}

// rewriteRawPath clones the request with the raw surface prefix stripped, so
// the actor handler sees the path the client addressed underneath it.
func rewriteRawPath(r *http.Request, prefix string) *http.Request {
	r2 := r.Clone(r.Context())
	path := strings.TrimPrefix(r2.URL.Path, prefix)
	if path == "" {
		path = "/"
	}
	r2.URL.Path = path
	r2.URL.RawPath = ""
	return r2
}

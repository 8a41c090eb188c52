package rivet

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the error type surfaced across every runtime boundary: action
// dispatch, connection handshakes, the codec, and the manager API.
//
// Public errors marshal to clients verbatim. Non-public errors are replaced
// with a generic internal error at the wire unless the runner is configured
// to expose them.
type Error struct {
	Group    string
	Code     string
	Message  string
	Metadata map[string]any
	Public   bool

	// cause is the wrapped underlying error, if any.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Group, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Group, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// FullCode returns the "group/code" identifier, e.g. "action/timed_out".
func (e *Error) FullCode() string { return e.Group + "/" + e.Code }

// StatusCode maps the error to an HTTP status. Public errors default to 400;
// a handful of codes carry their own status.
func (e *Error) StatusCode() int {
	switch e.FullCode() {
	case "auth/unauthorized":
		return http.StatusUnauthorized
	case "auth/forbidden":
		return http.StatusForbidden
	case "actor/not_found", "connection/not_found":
		return http.StatusNotFound
	case "handler/fetch_not_defined", "handler/websocket_not_defined":
		return http.StatusNotImplemented
	case "connection/params_too_long":
		return http.StatusUnprocessableEntity
	}
	if e.Public {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ForWire returns the error that should cross the wire: the error itself when
// public, otherwise a redacted internal error (or the original, verbatim but
// flagged internal, when expose is set).
func (e *Error) ForWire(expose bool) *Error {
	if e.Public {
		return e
	}
	if expose {
		return &Error{Group: "actor", Code: "internal_error", Message: e.Error(), Metadata: e.Metadata}
	}
	return InternalError()
}

// newPublic builds a client-visible error.
func newPublic(group, code, message string) *Error {
	return &Error{Group: group, Code: code, Message: message, Public: true}
}

// --- Lookup / configuration ---

func ActorNotFound(actorID string) *Error {
	e := newPublic("actor", "not_found", "actor not found")
	e.Metadata = map[string]any{"actorId": actorID}
	return e
}

func ActorAlreadyExists(name string, key []string) *Error {
	e := newPublic("actor", "already_exists", "actor already exists")
	e.Metadata = map[string]any{"name": name, "key": key}
	return e
}

func StateNotEnabled() *Error {
	return newPublic("actor", "state_not_enabled", "actor state is not enabled for this actor definition")
}

// --- Handshake / message injection ---

func ConnectionNotFound(connID string) *Error {
	e := newPublic("connection", "not_found", "connection not found")
	e.Metadata = map[string]any{"connectionId": connID}
	return e
}

func IncorrectConnectionToken() *Error {
	return newPublic("connection", "incorrect_token", "incorrect connection token")
}

func ConnectionParamsTooLong(size, max int) *Error {
	e := newPublic("connection", "params_too_long", fmt.Sprintf("connection parameters exceed %d bytes", max))
	e.Metadata = map[string]any{"size": size, "max": max}
	return e
}

func InvalidParams(reason string) *Error {
	return newPublic("params", "invalid", reason)
}

// --- Action dispatch ---

func ActionNotFound(name string) *Error {
	e := newPublic("action", "not_found", fmt.Sprintf("action %q not found", name))
	e.Metadata = map[string]any{"name": name}
	return e
}

func ActionTimedOut(name string) *Error {
	e := newPublic("action", "timed_out", fmt.Sprintf("action %q timed out", name))
	e.Metadata = map[string]any{"name": name}
	return e
}

func InvalidActionRequest(reason string) *Error {
	return newPublic("action", "invalid_request", reason)
}

// --- Codec ---

func InvalidEncoding(name string) *Error {
	e := newPublic("encoding", "invalid", fmt.Sprintf("invalid encoding %q", name))
	e.Metadata = map[string]any{"encoding": name}
	return e
}

func MessageTooLong(size, max int) *Error {
	e := newPublic("message", "too_long", fmt.Sprintf("message exceeds %d bytes", max))
	e.Metadata = map[string]any{"size": size, "max": max}
	return e
}

func MalformedMessage(cause error) *Error {
	e := newPublic("message", "malformed", "malformed message")
	e.cause = cause
	return e
}

// --- State ---

func InvalidStateType(path string, cause error) *Error {
	e := newPublic("state", "invalid_type", fmt.Sprintf("state value at %q is not serializable", path))
	e.Metadata = map[string]any{"path": path}
	e.cause = cause
	return e
}

// --- Raw handlers ---

func FetchNotDefined() *Error {
	return newPublic("handler", "fetch_not_defined", "onFetch handler is not defined for this actor")
}

func WebSocketNotDefined() *Error {
	return newPublic("handler", "websocket_not_defined", "onWebSocket handler is not defined for this actor")
}

func InvalidFetchResponse(reason string) *Error {
	return newPublic("handler", "invalid_fetch_response", reason)
}

// --- Auth ---

func Unauthorized() *Error {
	return newPublic("auth", "unauthorized", "unauthorized")
}

func Forbidden() *Error {
	return newPublic("auth", "forbidden", "forbidden")
}

// --- Catch-all ---

// InternalError is the redacted catch-all surfaced for non-public errors.
func InternalError() *Error {
	return &Error{Group: "actor", Code: "internal_error", Message: "internal error"}
}

// WrapInternal wraps an arbitrary error as a non-public internal error,
// preserving the cause for logs. An *Error anywhere in the chain is returned
// as-is so public errors keep their identity through hook wrapping.
func WrapInternal(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Group: "actor", Code: "internal_error", Message: "internal error", cause: err}
}

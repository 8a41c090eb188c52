// Package protocol implements the wire codec shared by every transport:
// tagged message unions, the three negotiated encodings (json, cbor, bare),
// the JSON type-extension scheme, per-encoding serialization caching, and the
// versioned persistence envelope.
package protocol

// ToServer is the envelope for client→actor messages.
type ToServer struct {
	Body ToServerBody
}

// ToServerBody is the tagged union of client→actor message bodies.
type ToServerBody interface{ toServerBody() }

// ActionRequest invokes a named action. Args are CBOR-encoded by the client.
type ActionRequest struct {
	ID   uint64
	Name string
	Args []byte
}

// SubscriptionRequest subscribes or unsubscribes the connection to an event.
type SubscriptionRequest struct {
	EventName string
	Subscribe bool
}

func (ActionRequest) toServerBody()       {}
func (SubscriptionRequest) toServerBody() {}

// ToClient is the envelope for actor→client messages.
type ToClient struct {
	Body ToClientBody
}

// ToClientBody is the tagged union of actor→client message bodies.
type ToClientBody interface{ toClientBody() }

// Init is the first frame on every connection, fresh or reconnected.
type Init struct {
	ActorID         string
	ConnectionID    string
	ConnectionToken string
}

// Error carries a client-visible error, optionally tied to an action id.
type Error struct {
	Group    string
	Code     string
	Message  string
	Metadata []byte
	ActionID *uint64
}

// ActionResponse carries the CBOR-encoded result of an ActionRequest.
type ActionResponse struct {
	ID     uint64
	Output []byte
}

// Event is a named broadcast with CBOR-encoded args.
type Event struct {
	Name string
	Args []byte
}

func (Init) toClientBody()           {}
func (Error) toClientBody()          {}
func (ActionResponse) toClientBody() {}
func (Event) toClientBody()          {}

// HTTPActionRequest frames a one-shot HTTP action call.
type HTTPActionRequest struct {
	Args []byte
}

// HTTPActionResponse frames a one-shot HTTP action result.
type HTTPActionResponse struct {
	Output []byte
}

// HTTPResponseError is the error body for HTTP responses, encoded in the
// request's negotiated encoding.
type HTTPResponseError struct {
	Group    string
	Code     string
	Message  string
	Metadata []byte
}

// Message tags shared by the JSON and CBOR wire schemas.
const (
	tagActionRequest       = "ActionRequest"
	tagSubscriptionRequest = "SubscriptionRequest"
	tagInit                = "Init"
	tagError               = "Error"
	tagActionResponse      = "ActionResponse"
	tagEvent               = "Event"
)

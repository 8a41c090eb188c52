package protocol

import (
	"fmt"

	"git.sr.ht/~sircmpwn/go-bare"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// BARE wire schema. Unions are tagged by member index; field layout mirrors
// the other encodings. Union tags are part of the wire contract — append-only.

type bareToServerBody interface{ bare.Union }

type bareActionRequest struct {
	ID   uint64
	Name string
	Args []byte
}

type bareSubscriptionRequest struct {
	EventName string
	Subscribe bool
}

func (bareActionRequest) IsUnion()       {}
func (bareSubscriptionRequest) IsUnion() {}

type bareToServer struct {
	Body bareToServerBody
}

type bareToClientBody interface{ bare.Union }

type bareInit struct {
	ActorID         string
	ConnectionID    string
	ConnectionToken string
}

type bareError struct {
	Group    string
	Code     string
	Message  string
	Metadata *[]byte
	ActionID *uint64
}

type bareActionResponse struct {
	ID     uint64
	Output []byte
}

type bareEvent struct {
	Name string
	Args []byte
}

func (bareInit) IsUnion()           {}
func (bareError) IsUnion()          {}
func (bareActionResponse) IsUnion() {}
func (bareEvent) IsUnion()          {}

type bareToClient struct {
	Body bareToClientBody
}

func init() {
	bare.RegisterUnion((*bareToServerBody)(nil)).
		Member(bareActionRequest{}, 0).
		Member(bareSubscriptionRequest{}, 1)
	bare.RegisterUnion((*bareToClientBody)(nil)).
		Member(bareInit{}, 0).
		Member(bareError{}, 1).
		Member(bareActionResponse{}, 2).
		Member(bareEvent{}, 3)
}

func encodeBAREToServer(m *ToServer) ([]byte, error) {
	var out bareToServer
	switch body := m.Body.(type) {
	case ActionRequest:
		out.Body = bareActionRequest{ID: body.ID, Name: body.Name, Args: body.Args}
	case SubscriptionRequest:
		out.Body = bareSubscriptionRequest{EventName: body.EventName, Subscribe: body.Subscribe}
	default:
		return nil, fmt.Errorf("unknown ToServer body %T", m.Body)
	}
	return bare.Marshal(&out)
}

func decodeBAREToServer(data []byte) (*ToServer, error) {
	var env bareToServer
	if err := bare.Unmarshal(data, &env); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	switch body := env.Body.(type) {
	case *bareActionRequest:
		return &ToServer{Body: ActionRequest{ID: body.ID, Name: body.Name, Args: body.Args}}, nil
	case *bareSubscriptionRequest:
		return &ToServer{Body: SubscriptionRequest{EventName: body.EventName, Subscribe: body.Subscribe}}, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown ToServer union member %T", env.Body))
	}
}

func encodeBAREToClient(m *ToClient) ([]byte, error) {
	var out bareToClient
	switch body := m.Body.(type) {
	case Init:
		out.Body = bareInit{ActorID: body.ActorID, ConnectionID: body.ConnectionID, ConnectionToken: body.ConnectionToken}
	case Error:
		v := bareError{Group: body.Group, Code: body.Code, Message: body.Message, ActionID: body.ActionID}
		if body.Metadata != nil {
			md := body.Metadata
			v.Metadata = &md
		}
		out.Body = v
	case ActionResponse:
		out.Body = bareActionResponse{ID: body.ID, Output: body.Output}
	case Event:
		out.Body = bareEvent{Name: body.Name, Args: body.Args}
	default:
		return nil, fmt.Errorf("unknown ToClient body %T", m.Body)
	}
	return bare.Marshal(&out)
}

func decodeBAREToClient(data []byte) (*ToClient, error) {
	var env bareToClient
	if err := bare.Unmarshal(data, &env); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	switch body := env.Body.(type) {
	case *bareInit:
		return &ToClient{Body: Init{ActorID: body.ActorID, ConnectionID: body.ConnectionID, ConnectionToken: body.ConnectionToken}}, nil
	case *bareError:
		out := Error{Group: body.Group, Code: body.Code, Message: body.Message, ActionID: body.ActionID}
		if body.Metadata != nil {
			out.Metadata = *body.Metadata
		}
		return &ToClient{Body: out}, nil
	case *bareActionResponse:
		return &ToClient{Body: ActionResponse{ID: body.ID, Output: body.Output}}, nil
	case *bareEvent:
		return &ToClient{Body: Event{Name: body.Name, Args: body.Args}}, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown ToClient union member %T", env.Body))
	}
}

func bareMarshal(v any) ([]byte, error)      { return bare.Marshal(v) }
func bareUnmarshal(data []byte, v any) error { return bare.Unmarshal(data, v) }

type bareHTTPActionRequest struct {
	Args []byte
}

type bareHTTPActionResponse struct {
	Output []byte
}

type bareHTTPResponseError struct {
	Group    string
	Code     string
	Message  string
	Metadata *[]byte
}

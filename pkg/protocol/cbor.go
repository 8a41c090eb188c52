package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// CBOR wire schema. Same tag/val envelope as JSON; byte fields are carried
// natively.

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core Deterministic Encoding so identical messages byte-compare equal
	// across runners (persist snapshots rely on this for dirty comparison).
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		// Persist blobs and action args are bounded by config limits well
		// below these; they only guard against pathological nesting.
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalCBOR encodes a value with the runtime's deterministic encoder. Used
// for user state, action args/results, and the persist blob body.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// UnmarshalCBOR decodes CBOR produced by MarshalCBOR or by a client.
func UnmarshalCBOR(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

type cborEnvelope struct {
	Body cborTagged `cbor:"body"`
}

type cborTagged struct {
	Tag string          `cbor:"tag"`
	Val cbor.RawMessage `cbor:"val"`
}

type cborActionRequest struct {
	ID   uint64 `cbor:"id"`
	Name string `cbor:"name"`
	Args []byte `cbor:"args"`
}

type cborSubscriptionRequest struct {
	EventName string `cbor:"eventName"`
	Subscribe bool   `cbor:"subscribe"`
}

type cborInit struct {
	ActorID         string `cbor:"actorId"`
	ConnectionID    string `cbor:"connectionId"`
	ConnectionToken string `cbor:"connectionToken"`
}

type cborError struct {
	Group    string  `cbor:"group"`
	Code     string  `cbor:"code"`
	Message  string  `cbor:"message"`
	Metadata []byte  `cbor:"metadata,omitempty"`
	ActionID *uint64 `cbor:"actionId,omitempty"`
}

type cborActionResponse struct {
	ID     uint64 `cbor:"id"`
	Output []byte `cbor:"output"`
}

type cborEvent struct {
	Name string `cbor:"name"`
	Args []byte `cbor:"args"`
}

func encodeCBORToServer(m *ToServer) ([]byte, error) {
	var tagged cborTagged
	var err error
	switch body := m.Body.(type) {
	case ActionRequest:
		tagged.Tag = tagActionRequest
		tagged.Val, err = MarshalCBOR(cborActionRequest{ID: body.ID, Name: body.Name, Args: body.Args})
	case SubscriptionRequest:
		tagged.Tag = tagSubscriptionRequest
		tagged.Val, err = MarshalCBOR(cborSubscriptionRequest{EventName: body.EventName, Subscribe: body.Subscribe})
	default:
		return nil, fmt.Errorf("unknown ToServer body %T", m.Body)
	}
	if err != nil {
		return nil, err
	}
	return MarshalCBOR(cborEnvelope{Body: tagged})
}

func decodeCBORToServer(data []byte) (*ToServer, error) {
	var env cborEnvelope
	if err := UnmarshalCBOR(data, &env); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	switch env.Body.Tag {
	case tagActionRequest:
		var v cborActionRequest
		if err := UnmarshalCBOR(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToServer{Body: ActionRequest{ID: v.ID, Name: v.Name, Args: v.Args}}, nil
	case tagSubscriptionRequest:
		var v cborSubscriptionRequest
		if err := UnmarshalCBOR(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToServer{Body: SubscriptionRequest{EventName: v.EventName, Subscribe: v.Subscribe}}, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown ToServer tag %q", env.Body.Tag))
	}
}

func encodeCBORToClient(m *ToClient) ([]byte, error) {
	var tagged cborTagged
	var err error
	switch body := m.Body.(type) {
	case Init:
		tagged.Tag = tagInit
		tagged.Val, err = MarshalCBOR(cborInit{ActorID: body.ActorID, ConnectionID: body.ConnectionID, ConnectionToken: body.ConnectionToken})
	case Error:
		tagged.Tag = tagError
		tagged.Val, err = MarshalCBOR(cborError{Group: body.Group, Code: body.Code, Message: body.Message, Metadata: body.Metadata, ActionID: body.ActionID})
	case ActionResponse:
		tagged.Tag = tagActionResponse
		tagged.Val, err = MarshalCBOR(cborActionResponse{ID: body.ID, Output: body.Output})
	case Event:
		tagged.Tag = tagEvent
		tagged.Val, err = MarshalCBOR(cborEvent{Name: body.Name, Args: body.Args})
	default:
		return nil, fmt.Errorf("unknown ToClient body %T", m.Body)
	}
	if err != nil {
		return nil, err
	}
	return MarshalCBOR(cborEnvelope{Body: tagged})
}

func decodeCBORToClient(data []byte) (*ToClient, error) {
	var env cborEnvelope
	if err := UnmarshalCBOR(data, &env); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	switch env.Body.Tag {
	case tagInit:
		var v cborInit
		if err := UnmarshalCBOR(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: Init{ActorID: v.ActorID, ConnectionID: v.ConnectionID, ConnectionToken: v.ConnectionToken}}, nil
	case tagError:
		var v cborError
		if err := UnmarshalCBOR(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: Error{Group: v.Group, Code: v.Code, Message: v.Message, Metadata: v.Metadata, ActionID: v.ActionID}}, nil
	case tagActionResponse:
		var v cborActionResponse
		if err := UnmarshalCBOR(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: ActionResponse{ID: v.ID, Output: v.Output}}, nil
	case tagEvent:
		var v cborEvent
		if err := UnmarshalCBOR(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: Event{Name: v.Name, Args: v.Args}}, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown ToClient tag %q", env.Body.Tag))
	}
}

type cborHTTPActionRequest struct {
	Args []byte `cbor:"args"`
}

type cborHTTPActionResponse struct {
	Output []byte `cbor:"output"`
}

type cborHTTPResponseError struct {
	Group    string `cbor:"group"`
	Code     string `cbor:"code"`
	Message  string `cbor:"message"`
	Metadata []byte `cbor:"metadata,omitempty"`
}

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// JSON wire schema. Envelopes are {"body":{"tag":<name>,"val":{...}}};
// binary fields ride the $bytes escape.

type jsonEnvelope struct {
	Body jsonTagged `json:"body"`
}

type jsonTagged struct {
	Tag string          `json:"tag"`
	Val json.RawMessage `json:"val"`
}

type jsonActionRequest struct {
	ID   uint64    `json:"id"`
	Name string    `json:"name"`
	Args jsonBytes `json:"args"`
}

type jsonSubscriptionRequest struct {
	EventName string `json:"eventName"`
	Subscribe bool   `json:"subscribe"`
}

type jsonInit struct {
	ActorID         string `json:"actorId"`
	ConnectionID    string `json:"connectionId"`
	ConnectionToken string `json:"connectionToken"`
}

type jsonError struct {
	Group    string     `json:"group"`
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	Metadata *jsonBytes `json:"metadata,omitempty"`
	ActionID *uint64    `json:"actionId,omitempty"`
}

type jsonActionResponse struct {
	ID     uint64    `json:"id"`
	Output jsonBytes `json:"output"`
}

type jsonEvent struct {
	Name string    `json:"name"`
	Args jsonBytes `json:"args"`
}

func encodeJSONToServer(m *ToServer) ([]byte, error) {
	var tagged jsonTagged
	var err error
	switch body := m.Body.(type) {
	case ActionRequest:
		tagged.Tag = tagActionRequest
		tagged.Val, err = json.Marshal(jsonActionRequest{ID: body.ID, Name: body.Name, Args: body.Args})
	case SubscriptionRequest:
		tagged.Tag = tagSubscriptionRequest
		tagged.Val, err = json.Marshal(jsonSubscriptionRequest{EventName: body.EventName, Subscribe: body.Subscribe})
	default:
		return nil, fmt.Errorf("unknown ToServer body %T", m.Body)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{Body: tagged})
}

func decodeJSONToServer(data []byte) (*ToServer, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	switch env.Body.Tag {
	case tagActionRequest:
		var v jsonActionRequest
		if err := json.Unmarshal(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToServer{Body: ActionRequest{ID: v.ID, Name: v.Name, Args: v.Args}}, nil
	case tagSubscriptionRequest:
		var v jsonSubscriptionRequest
		if err := json.Unmarshal(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToServer{Body: SubscriptionRequest{EventName: v.EventName, Subscribe: v.Subscribe}}, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown ToServer tag %q", env.Body.Tag))
	}
}

func encodeJSONToClient(m *ToClient) ([]byte, error) {
	var tagged jsonTagged
	var err error
	switch body := m.Body.(type) {
	case Init:
		tagged.Tag = tagInit
		tagged.Val, err = json.Marshal(jsonInit{ActorID: body.ActorID, ConnectionID: body.ConnectionID, ConnectionToken: body.ConnectionToken})
	case Error:
		tagged.Tag = tagError
		v := jsonError{Group: body.Group, Code: body.Code, Message: body.Message, ActionID: body.ActionID}
		if body.Metadata != nil {
			md := jsonBytes(body.Metadata)
			v.Metadata = &md
		}
		tagged.Val, err = json.Marshal(v)
	case ActionResponse:
		tagged.Tag = tagActionResponse
		tagged.Val, err = json.Marshal(jsonActionResponse{ID: body.ID, Output: body.Output})
	case Event:
		tagged.Tag = tagEvent
		tagged.Val, err = json.Marshal(jsonEvent{Name: body.Name, Args: body.Args})
	default:
		return nil, fmt.Errorf("unknown ToClient body %T", m.Body)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{Body: tagged})
}

func decodeJSONToClient(data []byte) (*ToClient, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, rivet.MalformedMessage(err)
	}
	switch env.Body.Tag {
	case tagInit:
		var v jsonInit
		if err := json.Unmarshal(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: Init{ActorID: v.ActorID, ConnectionID: v.ConnectionID, ConnectionToken: v.ConnectionToken}}, nil
	case tagError:
		var v jsonError
		if err := json.Unmarshal(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		out := Error{Group: v.Group, Code: v.Code, Message: v.Message, ActionID: v.ActionID}
		if v.Metadata != nil {
			out.Metadata = *v.Metadata
		}
		return &ToClient{Body: out}, nil
	case tagActionResponse:
		var v jsonActionResponse
		if err := json.Unmarshal(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: ActionResponse{ID: v.ID, Output: v.Output}}, nil
	case tagEvent:
		var v jsonEvent
		if err := json.Unmarshal(env.Body.Val, &v); err != nil {
			return nil, rivet.MalformedMessage(err)
		}
		return &ToClient{Body: Event{Name: v.Name, Args: v.Args}}, nil
	default:
		return nil, rivet.MalformedMessage(fmt.Errorf("unknown ToClient tag %q", env.Body.Tag))
	}
}

type jsonHTTPActionRequest struct {
	Args jsonBytes `json:"args"`
}

type jsonHTTPActionResponse struct {
	Output jsonBytes `json:"output"`
}

type jsonHTTPResponseError struct {
	Group    string     `json:"group"`
	Code     string     `json:"code"`
	Message  string     `json:"message"`
	Metadata *jsonBytes `json:"metadata,omitempty"`
}

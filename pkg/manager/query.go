// Package manager implements the gateway in front of the actor runtime:
// query resolution, the manager HTTP API, the actor connection surface
// (WebSocket, SSE, one-shot actions, raw handlers), and the proxy mode used
// when actors live on another runner.
package manager

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// ActorQuery is the tagged union a client uses to address an actor. Exactly
// one variant must be set.
type ActorQuery struct {
	GetForID          *QueryGetForID    `json:"getForId,omitempty"`
	GetForKey         *QueryGetForKey   `json:"getForKey,omitempty"`
	GetOrCreateForKey *QueryGetOrCreate `json:"getOrCreateForKey,omitempty"`
	Create            *QueryCreate      `json:"create,omitempty"`
}

// QueryGetForID looks an actor up by id. The name must agree with the stored
// record.
type QueryGetForID struct {
	Name    string `json:"name"`
	ActorID string `json:"actorId"`
}

// QueryGetForKey looks an actor up by (name, key).
type QueryGetForKey struct {
	Name string    `json:"name"`
	Key  rivet.Key `json:"key"`
}

// QueryGetOrCreate returns the existing actor for (name, key) or creates it.
// Input is base64-encoded CBOR in the JSON form. Region is accepted for wire
// compatibility; a single runner has nowhere else to place the actor.
type QueryGetOrCreate struct {
	Name   string    `json:"name"`
	Key    rivet.Key `json:"key"`
	Input  []byte    `json:"input,omitempty"`
	Region string    `json:"region,omitempty"`
}

// QueryCreate always creates. A missing key gets a random uuid entry.
type QueryCreate struct {
	Name   string    `json:"name"`
	Key    rivet.Key `json:"key,omitempty"`
	Input  []byte    `json:"input,omitempty"`
	Region string    `json:"region,omitempty"`
}

// ParseActorQuery decodes the JSON form carried in the x-rivet-actor-query
// header or a request body.
func ParseActorQuery(raw []byte) (*ActorQuery, error) {
	var q ActorQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, rivet.InvalidParams("actor query must be valid JSON")
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

func (q *ActorQuery) validate() error {
	set := 0
	if q.GetForID != nil {
		set++
	}
	if q.GetForKey != nil {
		set++
	}
	if q.GetOrCreateForKey != nil {
		set++
	}
	if q.Create != nil {
		set++
	}
	if set != 1 {
		return rivet.InvalidParams("actor query must set exactly one variant")
	}
	return nil
}

// Resolve runs the query against the manager driver. The bool reports whether
// a new actor was created.
func (q *ActorQuery) Resolve(ctx context.Context, drv driver.ManagerDriver) (*driver.ActorRecord, bool, error) {
	switch {
	case q.GetForID != nil:
		rec, err := drv.GetForID(ctx, q.GetForID.Name, q.GetForID.ActorID)
		return rec, false, err

	case q.GetForKey != nil:
		if err := q.GetForKey.Key.Validate(); err != nil {
			return nil, false, err
		}
		rec, err := drv.GetForKey(ctx, q.GetForKey.Name, q.GetForKey.Key)
		return rec, false, err

	case q.GetOrCreateForKey != nil:
		v := q.GetOrCreateForKey
		if err := v.Key.Validate(); err != nil {
			return nil, false, err
		}
		return drv.GetOrCreateForKey(ctx, v.Name, v.Key, v.Input)

	case q.Create != nil:
		v := q.Create
		key := v.Key
		if len(key) == 0 {
			key = rivet.Key{uuid.New().String()}
		}
		if err := key.Validate(); err != nil {
			return nil, false, err
		}
		rec, err := drv.Create(ctx, v.Name, key, v.Input)
		return rec, true, err
	}
	return nil, false, rivet.InvalidParams("actor query must set exactly one variant")
}

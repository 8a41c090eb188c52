package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Persisted blob schema. One opaque byte array per actor: a three-byte
// version prefix followed by a CBOR body. Upgraders for older versions run at
// load time; data from an unknown future version fails closed.

var persistMagic = [2]byte{'R', 'K'}

// PersistVersion is the current persist schema generation.
const PersistVersion byte = 1

// PersistedActor is the durable snapshot of one actor.
type PersistedActor struct {
	HasInitiated    bool             `cbor:"hasInitiated"`
	Input           []byte           `cbor:"input,omitempty"`
	State           cbor.RawMessage  `cbor:"state,omitempty"`
	Connections     []PersistedConn  `cbor:"connections,omitempty"`
	ScheduledEvents []ScheduledEvent `cbor:"scheduledEvents,omitempty"`
}

// PersistedConn is a connection that survives transport drops and actor
// sleep. LastSeen is epoch milliseconds, updated on any socket activity.
type PersistedConn struct {
	ConnID        string          `cbor:"connId"`
	Token         string          `cbor:"token"`
	Params        []byte          `cbor:"params,omitempty"`
	State         cbor.RawMessage `cbor:"state,omitempty"`
	Subscriptions []string        `cbor:"subscriptions,omitempty"`
	LastSeen      int64           `cbor:"lastSeen"`
}

// ScheduledEvent is a deferred action invocation. Timestamp is epoch
// milliseconds; the containing slice is kept sorted ascending.
type ScheduledEvent struct {
	EventID   string        `cbor:"eventId"`
	Timestamp int64         `cbor:"timestamp"`
	Kind      ScheduledKind `cbor:"kind"`
}

// ScheduledKind names the action to run and its CBOR-encoded args.
type ScheduledKind struct {
	ActionName string `cbor:"actionName"`
	Args       []byte `cbor:"args,omitempty"`
}

// EncodePersisted serializes a snapshot with the current version prefix.
func EncodePersisted(p *PersistedActor) ([]byte, error) {
	body, err := MarshalCBOR(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 3+len(body))
	out = append(out, persistMagic[0], persistMagic[1], PersistVersion)
	return append(out, body...), nil
}

// DecodePersisted parses a persisted blob, dispatching by version.
func DecodePersisted(data []byte) (*PersistedActor, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("persist blob too short (%d bytes)", len(data))
	}
	if data[0] != persistMagic[0] || data[1] != persistMagic[1] {
		return nil, fmt.Errorf("persist blob has invalid magic %x", data[:2])
	}
	switch version := data[2]; version {
	case 1:
		var p PersistedActor
		if err := UnmarshalCBOR(data[3:], &p); err != nil {
			return nil, fmt.Errorf("decode persist v1: %w", err)
		}
		return &p, nil
	default:
		// Future version — never guess at its layout.
		return nil, fmt.Errorf("persist blob version %d is newer than supported version %d", version, PersistVersion)
	}
}

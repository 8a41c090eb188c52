// Package driver defines the storage and manager driver contracts the
// runtime core depends on, plus the built-in memory and postgres drivers.
package driver

import (
	"context"
	"time"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// ActorRecord is the manager-level identity of one actor. Name and Key are
// immutable after creation; Input is the CBOR-encoded creation input handed
// to the actor on first load.
type ActorRecord struct {
	ActorID string
	Name    string
	Key     rivet.Key
	Input   []byte
}

// ListQuery filters ListActors. Exactly one of ActorIDs or Key may be set.
type ListQuery struct {
	Name     string
	ActorIDs []string
	Key      rivet.Key
}

// ManagerDriver resolves and creates actors by id or key.
type ManagerDriver interface {
	// GetForID looks an actor up by id. Missing actor, or an actor whose
	// name disagrees, fails with actor/not_found.
	GetForID(ctx context.Context, name, actorID string) (*ActorRecord, error)

	// GetForKey looks an actor up by (name, key). A missing actor fails
	// with actor/not_found.
	GetForKey(ctx context.Context, name string, key rivet.Key) (*ActorRecord, error)

	// GetOrCreateForKey returns the existing actor or creates one. The bool
	// reports whether a new actor was created. Concurrent calls with the
	// same (name, key) return the same actor.
	GetOrCreateForKey(ctx context.Context, name string, key rivet.Key, input []byte) (*ActorRecord, bool, error)

	// Create always creates; an existing (name, key) fails with
	// actor/already_exists.
	Create(ctx context.Context, name string, key rivet.Key, input []byte) (*ActorRecord, error)

	// ListActors returns actors matching the query.
	ListActors(ctx context.Context, q ListQuery) ([]*ActorRecord, error)
}

// ActorDriver is the per-actor storage surface: one opaque blob and one
// alarm timestamp per actor. The runtime serializes WriteBlob and SetAlarm
// calls per actor; drivers never see two in flight for the same id.
type ActorDriver interface {
	// ReadBlob returns the persisted blob, or (nil, nil) before the first
	// write.
	ReadBlob(ctx context.Context, actorID string) ([]byte, error)

	// WriteBlob atomically overwrites the persisted blob.
	WriteBlob(ctx context.Context, actorID string, data []byte) error

	// SetAlarm arms the single per-actor alarm. A zero time disarms it.
	SetAlarm(ctx context.Context, actorID string, at time.Time) error
}

// AlarmHandler is invoked by a driver when an actor's alarm fires.
type AlarmHandler func(actorID string)

// AlarmNotifier is implemented by drivers that fire alarms themselves
// (memory timers, postgres polling). The handler must be registered before
// any alarm is armed.
type AlarmNotifier interface {
	SetAlarmHandler(h AlarmHandler)
}

// Sleeper is an optional driver capability invoked when an actor begins its
// sleep transition, before the runtime unloads it.
type Sleeper interface {
	Sleep(ctx context.Context, actorID string) error
}

package driver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// MemoryDriver implements both driver contracts in process memory. It backs
// tests and single-node deployments without external storage.
type MemoryDriver struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	actors  map[string]*memoryActor // actorID → actor
	byKey   map[string]string       // name + "\x00" + key.String() → actorID
	handler AlarmHandler

	// getOrCreate collapses concurrent calls for the same (name, key).
	getOrCreate singleflight.Group
}

type memoryActor struct {
	record *ActorRecord
	blob   []byte

	alarmAt    time.Time
	alarmTimer clockwork.Timer
}

// NewMemoryDriver builds a memory driver on the real clock.
func NewMemoryDriver() *MemoryDriver {
	return NewMemoryDriverWithClock(clockwork.NewRealClock())
}

// NewMemoryDriverWithClock builds a memory driver on an injected clock so
// tests can advance alarms without sleeping.
func NewMemoryDriverWithClock(clock clockwork.Clock) *MemoryDriver {
	return &MemoryDriver{
		clock:  clock,
		actors: make(map[string]*memoryActor),
		byKey:  make(map[string]string),
	}
}

// SetAlarmHandler registers the alarm callback.
func (d *MemoryDriver) SetAlarmHandler(h AlarmHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func keyIndex(name string, key rivet.Key) string {
	return name + "\x00" + key.String()
}

// --- ManagerDriver ---

func (d *MemoryDriver) GetForID(_ context.Context, name, actorID string) (*ActorRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[actorID]
	if !ok || a.record.Name != name {
		return nil, rivet.ActorNotFound(actorID)
	}
	return a.record, nil
}

func (d *MemoryDriver) GetForKey(_ context.Context, name string, key rivet.Key) (*ActorRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byKey[keyIndex(name, key)]
	if !ok {
		return nil, rivet.ActorNotFound("")
	}
	return d.actors[id].record, nil
}

func (d *MemoryDriver) GetOrCreateForKey(ctx context.Context, name string, key rivet.Key, input []byte) (*ActorRecord, bool, error) {
	type result struct {
		record  *ActorRecord
		created bool
	}
	v, err, _ := d.getOrCreate.Do(keyIndex(name, key), func() (any, error) {
		if rec, err := d.GetForKey(ctx, name, key); err == nil {
			return result{record: rec}, nil
		}
		rec, err := d.Create(ctx, name, key, input)
		if err != nil {
			return nil, err
		}
		return result{record: rec, created: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.record, r.created, nil
}

func (d *MemoryDriver) Create(_ context.Context, name string, key rivet.Key, input []byte) (*ActorRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := keyIndex(name, key)
	if _, exists := d.byKey[idx]; exists {
		return nil, rivet.ActorAlreadyExists(name, key)
	}

	rec := &ActorRecord{
		ActorID: uuid.New().String(),
		Name:    name,
		Key:     key,
		Input:   input,
	}
	d.actors[rec.ActorID] = &memoryActor{record: rec}
	d.byKey[idx] = rec.ActorID
	return rec, nil
}

func (d *MemoryDriver) ListActors(_ context.Context, q ListQuery) ([]*ActorRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(q.ActorIDs) > 0 {
		out := make([]*ActorRecord, 0, len(q.ActorIDs))
		for _, id := range q.ActorIDs {
			if a, ok := d.actors[id]; ok && (q.Name == "" || a.record.Name == q.Name) {
				out = append(out, a.record)
			}
		}
		return out, nil
	}

	if q.Key != nil {
		if id, ok := d.byKey[keyIndex(q.Name, q.Key)]; ok {
			return []*ActorRecord{d.actors[id].record}, nil
		}
		return nil, nil
	}

	var out []*ActorRecord
	for _, a := range d.actors {
		if q.Name == "" || a.record.Name == q.Name {
			out = append(out, a.record)
		}
	}
	return out, nil
}

// --- ActorDriver ---

func (d *MemoryDriver) ReadBlob(_ context.Context, actorID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[actorID]
	if !ok || a.blob == nil {
		return nil, nil
	}
	// Callers keep decoded copies; hand out a copy so later writes can't
	// alias.
	out := make([]byte, len(a.blob))
	copy(out, a.blob)
	return out, nil
}

func (d *MemoryDriver) WriteBlob(_ context.Context, actorID string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[actorID]
	if !ok {
		return rivet.ActorNotFound(actorID)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	a.blob = buf
	return nil
}

func (d *MemoryDriver) SetAlarm(_ context.Context, actorID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[actorID]
	if !ok {
		return rivet.ActorNotFound(actorID)
	}

	if a.alarmTimer != nil {
		a.alarmTimer.Stop()
		a.alarmTimer = nil
	}
	a.alarmAt = at
	if at.IsZero() {
		return nil
	}

	delay := at.Sub(d.clock.Now())
	if delay < 0 {
		delay = 0
	}
	a.alarmTimer = d.clock.AfterFunc(delay, func() {
		d.mu.RLock()
		h := d.handler
		d.mu.RUnlock()
		if h != nil {
			h(actorID)
		}
	})
	return nil
}

// Sleep is accepted and ignored; the in-process supervisor unloads the
// instance itself.
func (d *MemoryDriver) Sleep(context.Context, string) error { return nil }

var (
	_ ManagerDriver = (*MemoryDriver)(nil)
	_ ActorDriver   = (*MemoryDriver)(nil)
	_ AlarmNotifier = (*MemoryDriver)(nil)
	_ Sleeper       = (*MemoryDriver)(nil)
)

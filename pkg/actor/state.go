package actor

import (
	"sync"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// StateView holds a state value behind a version counter. Handlers read and
// replace the value through the instance Context; the runtime compares the
// counter before and after each handler to decide whether a persist is due.
//
// The view carries its own lock so a handler that outlives its deadline can
// keep mutating without racing the persist snapshot.
type StateView struct {
	enabled bool
	path    string

	mu      sync.Mutex
	value   any
	version uint64
	saved   uint64
}

func newStateView(path string, enabled bool) *StateView {
	return &StateView{enabled: enabled, path: path}
}

// Enabled reports whether this view carries state at all.
func (v *StateView) Enabled() bool { return v.enabled }

// Get returns the current value.
func (v *StateView) Get() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the value wholesale. The new value is validated as
// CBOR-serializable before it is accepted; a non-serializable value fails with
// state/invalid_type and leaves the prior value intact.
func (v *StateView) Set(value any) error {
	if !v.enabled {
		return rivet.StateNotEnabled()
	}
	if _, err := protocol.MarshalCBOR(value); err != nil {
		return rivet.InvalidStateType(v.path, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	v.version++
	return nil
}

// MarkChanged flags an in-place mutation of the current value.
func (v *StateView) MarkChanged() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.version++
}

// Dirty reports whether the value changed since the last flushed snapshot.
func (v *StateView) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version != v.saved
}

// restore loads a value from persistence without marking it dirty.
func (v *StateView) restore(value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = value
	v.version = 0
	v.saved = 0
}

// snapshot serializes the current value for persistence and returns the
// version it captured. A non-serializable in-place mutation is detected here;
// the prior persisted snapshot stays valid because nothing is written.
func (v *StateView) snapshot() ([]byte, uint64, error) {
	v.mu.Lock()
	value, version := v.value, v.version
	v.mu.Unlock()

	if !v.enabled {
		return nil, version, nil
	}
	data, err := protocol.MarshalCBOR(value)
	if err != nil {
		return nil, 0, rivet.InvalidStateType(v.path, err)
	}
	return data, version, nil
}

// markSaved records that the snapshot at version has been flushed. A newer
// mutation keeps the view dirty.
func (v *StateView) markSaved(version uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.saved < version {
		v.saved = version
	}
}

// versionNow returns the current version counter.
func (v *StateView) versionNow() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

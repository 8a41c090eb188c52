package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
)

func testConn(id string, subs ...string) *Connection {
	c := &Connection{
		ID:            id,
		Token:         "token-" + id,
		state:         newStateView("connState", false),
		subscriptions: make(map[string]struct{}),
	}
	for _, s := range subs {
		c.subscriptions[s] = struct{}{}
	}
	return c
}

func TestRegistryAddRemove(t *testing.T) {
	r := newConnRegistry()

	c1 := testConn("c1")
	require.True(t, r.add(c1))
	assert.False(t, r.add(testConn("c1")), "duplicate id rejected")

	got, ok := r.get("c1")
	require.True(t, ok)
	assert.Same(t, c1, got)

	removed, ok := r.remove("c1")
	require.True(t, ok)
	assert.Same(t, c1, removed)

	_, ok = r.get("c1")
	assert.False(t, ok)
	_, ok = r.remove("c1")
	assert.False(t, ok)
}

func TestRegistrySubscribeSetSemantics(t *testing.T) {
	r := newConnRegistry()
	require.True(t, r.add(testConn("c1")))

	assert.True(t, r.subscribe("c1", "tick"))
	assert.False(t, r.subscribe("c1", "tick"), "duplicate subscription is a no-op")
	assert.Len(t, r.subscribers("tick"), 1)

	assert.True(t, r.unsubscribe("c1", "tick"))
	assert.False(t, r.unsubscribe("c1", "tick"), "already unsubscribed")
	assert.Empty(t, r.subscribers("tick"))

	assert.False(t, r.subscribe("nope", "tick"), "unknown connection")
	assert.False(t, r.unsubscribe("nope", "tick"))
}

func TestRegistrySubscribersInsertionOrder(t *testing.T) {
	r := newConnRegistry()
	for _, id := range []string{"c3", "c1", "c2"} {
		require.True(t, r.add(testConn(id)))
	}
	r.subscribe("c2", "tick")
	r.subscribe("c3", "tick")
	r.subscribe("c1", "tick")

	var got []string
	for _, c := range r.subscribers("tick") {
		got = append(got, c.ID)
	}
	assert.Equal(t, []string{"c3", "c1", "c2"}, got, "fan-out follows connection insertion order")
}

func TestRegistryAddIndexesExistingSubscriptions(t *testing.T) {
	r := newConnRegistry()
	require.True(t, r.add(testConn("c1", "tick", "tock")))

	assert.Len(t, r.subscribers("tick"), 1)
	assert.Len(t, r.subscribers("tock"), 1)

	r.remove("c1")
	assert.Empty(t, r.subscribers("tick"))
	assert.Empty(t, r.subscribers("tock"))
}

func TestRegistryConnectedCount(t *testing.T) {
	r := newConnRegistry()
	bound := testConn("c1")
	bound.bind(newHTTPSocket(), "s1", protocol.EncodingJSON, time.Now())
	require.True(t, r.add(bound))
	require.True(t, r.add(testConn("c2")))

	assert.Equal(t, 1, r.connectedCount())
}

func TestRegistrySweepStale(t *testing.T) {
	r := newConnRegistry()
	now := time.Now()

	idle := testConn("idle")
	idle.lastSeen = now.Add(-2 * time.Minute)
	require.True(t, r.add(idle))

	fresh := testConn("fresh")
	fresh.lastSeen = now.Add(-time.Second)
	require.True(t, r.add(fresh))

	live := testConn("live")
	live.bind(newHTTPSocket(), "s1", protocol.EncodingJSON, now.Add(-2*time.Minute))
	require.True(t, r.add(live))

	removed := r.sweepStale(now, time.Minute)
	require.Len(t, removed, 1)
	assert.Equal(t, "idle", removed[0].ID)

	_, ok := r.get("idle")
	assert.False(t, ok)
	_, ok = r.get("fresh")
	assert.True(t, ok)
	_, ok = r.get("live")
	assert.True(t, ok, "a bound socket is never stale")
}

func TestRegistrySnapshotAndMarkSaved(t *testing.T) {
	r := newConnRegistry()

	c1 := testConn("c1", "tick")
	c1.state = newStateView("connState", true)
	require.NoError(t, c1.state.Set(map[string]any{"n": 1}))
	c1.lastSeen = time.UnixMilli(5000)
	require.True(t, r.add(c1))

	require.True(t, r.dirty())

	conns, versions, err := r.snapshot()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "c1", conns[0].ConnID)
	assert.Equal(t, c1.Token, conns[0].Token)
	assert.Equal(t, []string{"tick"}, conns[0].Subscriptions)
	assert.EqualValues(t, 5000, conns[0].LastSeen)
	assert.NotEmpty(t, conns[0].State)

	r.markSaved(versions)
	assert.False(t, r.dirty())
}

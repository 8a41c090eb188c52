package actor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// testSocket captures outbound frames in memory.
type testSocket struct {
	mu     sync.Mutex
	frames []*protocol.ToClient
	closed bool
	reason string
}

func (s *testSocket) Send(msg *protocol.CachedSerializer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg.Message())
	return nil
}

func (s *testSocket) Disconnect(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
	return nil
}

func (s *testSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ReadyStateClosed
	}
	return ReadyStateOpen
}

func (s *testSocket) allFrames() []*protocol.ToClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.ToClient(nil), s.frames...)
}

func (s *testSocket) events(name string) []protocol.Event {
	var out []protocol.Event
	for _, f := range s.allFrames() {
		if ev, ok := f.Body.(protocol.Event); ok && ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (s *testSocket) actionResponses() []protocol.ActionResponse {
	var out []protocol.ActionResponse
	for _, f := range s.allFrames() {
		if r, ok := f.Body.(protocol.ActionResponse); ok {
			out = append(out, r)
		}
	}
	return out
}

func (s *testSocket) errorFrames() []protocol.Error {
	var out []protocol.Error
	for _, f := range s.allFrames() {
		if e, ok := f.Body.(protocol.Error); ok {
			out = append(out, e)
		}
	}
	return out
}

type counterState struct {
	Count int64 `json:"count"`
}

// counterDef is the canonical stateful definition used across these tests:
// increment bumps the count by the decoded argument and broadcasts the new
// value on countChanged.
func counterDef() *Definition {
	return &Definition{
		Name: "counter",
		CreateState: func(context.Context, *Context, []byte) (any, error) {
			return &counterState{}, nil
		},
		StatePrototype: func() any { return &counterState{} },
		Actions: map[string]Action{
			"increment": func(ctx context.Context, c *Context, args []byte) (any, error) {
				var by int64
				if err := protocol.UnmarshalCBOR(args, &by); err != nil {
					return nil, err
				}
				st := c.State().(*counterState)
				st.Count += by
				c.MarkStateChanged()
				if err := c.Broadcast("countChanged", st.Count); err != nil {
					return nil, err
				}
				return st.Count, nil
			},
			"getCount": func(ctx context.Context, c *Context, args []byte) (any, error) {
				return c.State().(*counterState).Count, nil
			},
			"noop": func(ctx context.Context, c *Context, args []byte) (any, error) {
				return nil, nil
			},
		},
	}
}

func cborArgs(t *testing.T, v any) []byte {
	t.Helper()
	data, err := protocol.MarshalCBOR(v)
	require.NoError(t, err)
	return data
}

func decodeInt(t *testing.T, data []byte) int64 {
	t.Helper()
	var n int64
	require.NoError(t, protocol.UnmarshalCBOR(data, &n))
	return n
}

func encodeFrame(t *testing.T, body protocol.ToServerBody) []byte {
	t.Helper()
	data, err := protocol.EncodingCBOR.EncodeToServer(&protocol.ToServer{Body: body})
	require.NoError(t, err)
	return data
}

func requireRivetCode(t *testing.T, err error, fullCode string) {
	t.Helper()
	var re *rivet.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, fullCode, re.FullCode())
}

// newTestInstance wires a definition to a memory driver on the given clock.
// Sleep is disabled unless the mutator turns it back on.
func newTestInstance(t *testing.T, def *Definition, clock clockwork.Clock, mutate func(*config.ActorConfig)) (*Instance, *driver.MemoryDriver, *driver.ActorRecord) {
	t.Helper()
	drv := driver.NewMemoryDriverWithClock(clock)
	rec, err := drv.Create(context.Background(), def.Name, rivet.Key{"main"}, nil)
	require.NoError(t, err)

	cfg := config.DefaultActorConfig()
	cfg.NoSleep = true
	if mutate != nil {
		mutate(cfg)
	}
	inst := New(Options{
		Definition: def,
		Config:     cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clock,
	})
	t.Cleanup(func() { inst.Stop(context.Background()) })
	return inst, drv, rec
}

func connect(t *testing.T, inst *Instance) (*Connection, string, *testSocket) {
	t.Helper()
	sock := &testSocket{}
	conn, socketID, err := inst.CreateConn(sock, &ConnectRequest{Encoding: protocol.EncodingCBOR})
	require.NoError(t, err)
	return conn, socketID, sock
}

func TestInstanceCounterLifecycle(t *testing.T) {
	def := counterDef()
	createCalls := 0
	inner := def.CreateState
	def.CreateState = func(ctx context.Context, c *Context, input []byte) (any, error) {
		createCalls++
		return inner(ctx, c, input)
	}

	inst, drv, rec := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	out, err := inst.Action("increment", cborArgs(t, int64(5)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 5, decodeInt(t, out))

	out, err = inst.Action("increment", cborArgs(t, int64(3)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 8, decodeInt(t, out))

	inst.Stop(context.Background())

	// A fresh instance over the same record resumes the persisted count and
	// does not run creation again.
	reloaded := New(Options{
		Definition: def,
		Config:     inst.cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clockwork.NewRealClock(),
	})
	require.NoError(t, reloaded.Start(context.Background()))
	defer reloaded.Stop(context.Background())

	out, err = reloaded.Action("getCount", cborArgs(t, int64(0)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 8, decodeInt(t, out))
	assert.Equal(t, 1, createCalls)
}

func TestInstanceActionNotFound(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	_, err := inst.Action("nope", cborArgs(t, int64(0)), nil, protocol.EncodingCBOR)
	requireRivetCode(t, err, "action/not_found")
}

func TestInstanceActionTimeout(t *testing.T) {
	def := counterDef()
	released := make(chan struct{})
	def.Actions["slow"] = func(ctx context.Context, c *Context, args []byte) (any, error) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			close(released)
			return nil, ctx.Err()
		}
		return nil, nil
	}

	inst, _, _ := newTestInstance(t, def, clockwork.NewRealClock(), func(cfg *config.ActorConfig) {
		cfg.ActionTimeout = 50 * time.Millisecond
	})
	require.NoError(t, inst.Start(context.Background()))

	start := time.Now()
	_, err := inst.Action("slow", cborArgs(t, int64(0)), nil, protocol.EncodingCBOR)
	requireRivetCode(t, err, "action/timed_out")
	assert.Less(t, time.Since(start), 200*time.Millisecond, "caller is released at the deadline")

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("handler never observed the cancelled context")
	}

	// The actor is still usable after a timeout.
	out, err := inst.Action("increment", cborArgs(t, int64(1)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeInt(t, out))
}

func TestInstanceSubscriptionFanOut(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn1, _, sock1 := connect(t, inst)
	conn2, _, sock2 := connect(t, inst)

	inst.ProcessMessage(conn1, encodeFrame(t, protocol.SubscriptionRequest{
		EventName: "countChanged", Subscribe: true,
	}))

	inst.ProcessMessage(conn2, encodeFrame(t, protocol.ActionRequest{
		ID: 1, Name: "increment", Args: cborArgs(t, int64(2)),
	}))

	require.Len(t, sock1.events("countChanged"), 1, "subscriber receives the broadcast")
	assert.EqualValues(t, 2, decodeInt(t, sock1.events("countChanged")[0].Args))
	assert.Empty(t, sock2.events("countChanged"), "sender is not subscribed")

	responses := sock2.actionResponses()
	require.Len(t, responses, 1)
	assert.EqualValues(t, 1, responses[0].ID)
	assert.EqualValues(t, 2, decodeInt(t, responses[0].Output))

	inst.ProcessMessage(conn1, encodeFrame(t, protocol.SubscriptionRequest{
		EventName: "countChanged", Subscribe: false,
	}))
	inst.ProcessMessage(conn2, encodeFrame(t, protocol.ActionRequest{
		ID: 2, Name: "increment", Args: cborArgs(t, int64(1)),
	}))
	assert.Len(t, sock1.events("countChanged"), 1, "no events after unsubscribe")
}

func TestInstanceFirstFrameIsInit(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, _, sock := connect(t, inst)
	frames := sock.allFrames()
	require.NotEmpty(t, frames)
	init, ok := frames[0].Body.(protocol.Init)
	require.True(t, ok, "Init precedes everything else")
	assert.Equal(t, inst.ActorID(), init.ActorID)
	assert.Equal(t, conn.ID, init.ConnectionID)
	assert.Equal(t, conn.Token, init.ConnectionToken)
}

func TestInstanceReconnect(t *testing.T) {
	def := counterDef()
	connStateCalls := 0
	def.CreateConnState = func(context.Context, *Context, []byte) (any, error) {
		connStateCalls++
		return map[string]any{"joined": true}, nil
	}

	inst, _, _ := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, socketID, _ := connect(t, inst)
	inst.ProcessMessage(conn, encodeFrame(t, protocol.SubscriptionRequest{
		EventName: "countChanged", Subscribe: true,
	}))

	inst.ConnDisconnected(conn, false, socketID)
	assert.Equal(t, StatusReconnecting, conn.Status())
	_, ok := inst.ConnByID(conn.ID)
	assert.True(t, ok, "unclean close leaves the connection for the liveness window")

	sock2 := &testSocket{}
	rebound, _, err := inst.CreateConn(sock2, &ConnectRequest{
		Encoding:  protocol.EncodingCBOR,
		ConnID:    conn.ID,
		ConnToken: conn.Token,
	})
	require.NoError(t, err)
	assert.Same(t, conn, rebound, "matching (id, token) rebinds the surviving connection")
	assert.Equal(t, 1, connStateCalls, "no handshake hooks on rebind")

	frames := sock2.allFrames()
	require.NotEmpty(t, frames)
	init, ok := frames[0].Body.(protocol.Init)
	require.True(t, ok)
	assert.Equal(t, conn.ID, init.ConnectionID)
	assert.Equal(t, conn.Token, init.ConnectionToken)

	require.NoError(t, inst.Broadcast("countChanged", int64(9)))
	assert.Len(t, sock2.events("countChanged"), 1, "subscriptions survive the reconnect")

	_, _, err = inst.CreateConn(&testSocket{}, &ConnectRequest{
		Encoding:  protocol.EncodingCBOR,
		ConnID:    conn.ID,
		ConnToken: "wrong",
	})
	requireRivetCode(t, err, "connection/incorrect_token")

	fresh, _, err := inst.CreateConn(&testSocket{}, &ConnectRequest{
		Encoding:  protocol.EncodingCBOR,
		ConnID:    "long-gone",
		ConnToken: "anything",
	})
	require.NoError(t, err, "a swept id falls through to a fresh handshake")
	assert.NotEqual(t, "long-gone", fresh.ID)
}

func TestInstanceConnectionParamsTooLong(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), func(cfg *config.ActorConfig) {
		cfg.MaxConnParamsSize = 8
	})
	require.NoError(t, inst.Start(context.Background()))

	_, _, err := inst.CreateConn(&testSocket{}, &ConnectRequest{
		Encoding: protocol.EncodingCBOR,
		Params:   []byte("way past the configured limit"),
	})
	requireRivetCode(t, err, "connection/params_too_long")
}

func TestInstanceHandleConnectionMessage(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, _, sock := connect(t, inst)
	frame := encodeFrame(t, protocol.ActionRequest{ID: 7, Name: "increment", Args: cborArgs(t, int64(1))})

	err := inst.HandleConnectionMessage("missing", "token", frame)
	requireRivetCode(t, err, "connection/not_found")

	err = inst.HandleConnectionMessage(conn.ID, "wrong", frame)
	requireRivetCode(t, err, "connection/incorrect_token")
	assert.Empty(t, sock.actionResponses())

	require.NoError(t, inst.HandleConnectionMessage(conn.ID, conn.Token, frame))
	responses := sock.actionResponses()
	require.Len(t, responses, 1)
	assert.EqualValues(t, 7, responses[0].ID)
}

func TestInstanceMalformedAndOversizedMessages(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), func(cfg *config.ActorConfig) {
		cfg.MaxIncomingMessageSize = 64
	})
	require.NoError(t, inst.Start(context.Background()))

	conn, _, sock := connect(t, inst)

	inst.ProcessMessage(conn, []byte{0xff, 0x00, 0x13})
	errs := sock.errorFrames()
	require.Len(t, errs, 1)
	assert.Equal(t, "message", errs[0].Group)
	assert.Equal(t, "malformed", errs[0].Code)

	inst.ProcessMessage(conn, make([]byte, 128))
	errs = sock.errorFrames()
	require.Len(t, errs, 2)
	assert.Equal(t, "too_long", errs[1].Code)
}

func TestInstanceActionErrorCarriesActionID(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, _, sock := connect(t, inst)
	inst.ProcessMessage(conn, encodeFrame(t, protocol.ActionRequest{ID: 42, Name: "nope"}))

	errs := sock.errorFrames()
	require.Len(t, errs, 1)
	assert.Equal(t, "action", errs[0].Group)
	assert.Equal(t, "not_found", errs[0].Code)
	require.NotNil(t, errs[0].ActionID)
	assert.EqualValues(t, 42, *errs[0].ActionID)
}

func TestInstanceOnStateChange(t *testing.T) {
	def := counterDef()
	changes := 0
	def.OnStateChange = func(c *Context) { changes++ }

	inst, _, _ := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	_, err := inst.Action("increment", cborArgs(t, int64(1)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.Equal(t, 1, changes)

	_, err = inst.Action("noop", cborArgs(t, int64(0)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.Equal(t, 1, changes, "unchanged state does not fire the hook")

	_, err = inst.Action("increment", cborArgs(t, int64(1)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.Equal(t, 2, changes)
}

func TestInstanceOnBeforeActionResponse(t *testing.T) {
	def := counterDef()
	def.OnBeforeActionResponse = func(ctx context.Context, c *Context, name string, output any) (any, error) {
		return map[string]any{"action": name, "result": output}, nil
	}

	inst, _, _ := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	out, err := inst.Action("increment", cborArgs(t, int64(4)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)

	var wrapped map[string]any
	require.NoError(t, protocol.UnmarshalCBOR(out, &wrapped))
	assert.Equal(t, "increment", wrapped["action"])
	assert.EqualValues(t, 4, wrapped["result"])
}

func TestInstanceScheduledEventsRunInOrder(t *testing.T) {
	clk := clockwork.NewFakeClock()

	var mu sync.Mutex
	var ran []string
	def := &Definition{
		Name: "recorder",
		Actions: map[string]Action{
			"record": func(ctx context.Context, c *Context, args []byte) (any, error) {
				var label string
				if err := protocol.UnmarshalCBOR(args, &label); err != nil {
					return nil, err
				}
				mu.Lock()
				ran = append(ran, label)
				mu.Unlock()
				return nil, nil
			},
		},
	}

	inst, drv, _ := newTestInstance(t, def, clk, nil)
	drv.SetAlarmHandler(func(string) { inst.OnAlarm() })
	require.NoError(t, inst.Start(context.Background()))

	base := clk.Now()
	schedule := func(label string, at time.Time) {
		require.NoError(t, inst.ScheduleEvent(protocol.ScheduledEvent{
			EventID:   label,
			Timestamp: at.UnixMilli(),
			Kind:      protocol.ScheduledKind{ActionName: "record", Args: cborArgs(t, label)},
		}))
	}
	schedule("a", base.Add(time.Second))
	schedule("c", base.Add(3*time.Second))
	schedule("b", base.Add(2*time.Second))

	recorded := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ran...)
	}
	advance := func(d time.Duration, want []string) {
		// Alarm arming is asynchronous; wait for the queue to settle so the
		// driver timer exists before the clock moves.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, inst.persister.Drain(ctx))
		clk.Advance(d)
		require.Eventually(t, func() bool {
			got := recorded()
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		}, 2*time.Second, 5*time.Millisecond)
	}

	advance(1100*time.Millisecond, []string{"a"})
	advance(time.Second, []string{"a", "b"})
	advance(time.Second, []string{"a", "b", "c"})
}

func TestInstanceScheduledUnknownActionSkipped(t *testing.T) {
	clk := clockwork.NewFakeClock()
	inst, drv, _ := newTestInstance(t, counterDef(), clk, nil)
	drv.SetAlarmHandler(func(string) { inst.OnAlarm() })
	require.NoError(t, inst.Start(context.Background()))

	require.NoError(t, inst.ScheduleEvent(protocol.ScheduledEvent{
		EventID:   "bad",
		Timestamp: clk.Now().Add(time.Second).UnixMilli(),
		Kind:      protocol.ScheduledKind{ActionName: "vanished"},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, inst.persister.Drain(ctx))
	clk.Advance(1100 * time.Millisecond)

	require.Eventually(t, func() bool {
		return inst.sched.size() == 0
	}, 2*time.Second, 5*time.Millisecond, "the dead event is spliced out, not retried")
}

func TestInstanceSleepAfterIdle(t *testing.T) {
	clk := clockwork.NewFakeClock()
	def := counterDef()

	unloaded := make(chan string, 1)
	drv := driver.NewMemoryDriverWithClock(clk)
	rec, err := drv.Create(context.Background(), def.Name, rivet.Key{"main"}, nil)
	require.NoError(t, err)

	cfg := config.DefaultActorConfig()
	inst := New(Options{
		Definition: def,
		Config:     cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clk,
		OnUnload:   func(actorID string) { unloaded <- actorID },
	})
	require.NoError(t, inst.Start(context.Background()))

	out, err := inst.Action("increment", cborArgs(t, int64(1)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeInt(t, out))

	clk.Advance(cfg.SleepTimeout + time.Second)
	select {
	case id := <-unloaded:
		assert.Equal(t, inst.ActorID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("idle actor never slept")
	}

	// Waking up is just a fresh start over the persisted record.
	woken := New(Options{
		Definition: def,
		Config:     cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clockwork.NewRealClock(),
	})
	require.NoError(t, woken.Start(context.Background()))
	defer woken.Stop(context.Background())

	out, err = woken.Action("getCount", cborArgs(t, int64(0)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeInt(t, out))
}

func TestInstanceConnectedConnectionBlocksSleep(t *testing.T) {
	clk := clockwork.NewFakeClock()
	def := counterDef()

	unloaded := make(chan string, 1)
	drv := driver.NewMemoryDriverWithClock(clk)
	rec, err := drv.Create(context.Background(), def.Name, rivet.Key{"main"}, nil)
	require.NoError(t, err)

	cfg := config.DefaultActorConfig()
	inst := New(Options{
		Definition: def,
		Config:     cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clk,
		OnUnload:   func(actorID string) { unloaded <- actorID },
	})
	require.NoError(t, inst.Start(context.Background()))
	defer inst.Stop(context.Background())

	connect(t, inst)
	clk.Advance(cfg.SleepTimeout + time.Second)

	select {
	case <-unloaded:
		t.Fatal("actor slept with a live connection")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestInstanceRawFetchBlocksSleep(t *testing.T) {
	clk := clockwork.NewFakeClock()
	def := counterDef()
	entered := make(chan struct{})
	release := make(chan struct{})
	def.OnFetch = func(c *Context, w http.ResponseWriter, r *http.Request) error {
		close(entered)
		<-release
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	unloaded := make(chan string, 1)
	drv := driver.NewMemoryDriverWithClock(clk)
	rec, err := drv.Create(context.Background(), def.Name, rivet.Key{"main"}, nil)
	require.NoError(t, err)

	cfg := config.DefaultActorConfig()
	inst := New(Options{
		Definition: def,
		Config:     cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clk,
		OnUnload:   func(actorID string) { unloaded <- actorID },
	})
	require.NoError(t, inst.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodGet, "/hold", nil)
		_ = inst.HandleFetch(httptest.NewRecorder(), req)
	}()
	<-entered

	inst.beginSleep()
	clk.Advance(cfg.SleepTimeout + time.Second)
	select {
	case <-unloaded:
		t.Fatal("actor slept with an in-flight fetch")
	case <-time.After(250 * time.Millisecond):
	}

	close(release)
	<-done

	clk.Advance(cfg.SleepTimeout + time.Second)
	select {
	case <-unloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("actor never slept after the fetch finished")
	}
}

func TestInstanceRawWebSocketBlocksSleep(t *testing.T) {
	clk := clockwork.NewFakeClock()
	def := counterDef()
	entered := make(chan struct{})
	release := make(chan struct{})
	def.OnWebSocket = func(c *Context, ws *websocket.Conn, r *http.Request) error {
		close(entered)
		<-release
		return nil
	}

	unloaded := make(chan string, 1)
	drv := driver.NewMemoryDriverWithClock(clk)
	rec, err := drv.Create(context.Background(), def.Name, rivet.Key{"main"}, nil)
	require.NoError(t, err)

	cfg := config.DefaultActorConfig()
	inst := New(Options{
		Definition: def,
		Config:     cfg,
		Driver:     drv,
		Record:     rec,
		Clock:      clk,
		OnUnload:   func(actorID string) { unloaded <- actorID },
	})
	require.NoError(t, inst.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodGet, "/hold", nil)
		_ = inst.HandleRawWebSocket(nil, req)
	}()
	<-entered

	inst.beginSleep()
	clk.Advance(cfg.SleepTimeout + time.Second)
	select {
	case <-unloaded:
		t.Fatal("actor slept with an open raw websocket")
	case <-time.After(250 * time.Millisecond):
	}

	close(release)
	<-done

	clk.Advance(cfg.SleepTimeout + time.Second)
	select {
	case <-unloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("actor never slept after the raw websocket closed")
	}
}

func TestInstanceBeforeConnectRejectionKeepsCode(t *testing.T) {
	def := counterDef()
	def.OnBeforeConnect = func(ctx context.Context, c *Context, params []byte) error {
		return rivet.Unauthorized()
	}

	inst, _, _ := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	sock := &testSocket{}
	_, _, err := inst.CreateConn(sock, &ConnectRequest{Encoding: protocol.EncodingCBOR})
	requireRivetCode(t, err, "auth/unauthorized")
	assert.Equal(t, "auth/unauthorized", rivet.WrapInternal(err).ForWire(false).FullCode(),
		"the rejection must reach the wire, not a redacted internal error")
}

func TestInstanceLivenessSweep(t *testing.T) {
	clk := clockwork.NewFakeClock()
	def := counterDef()
	var disconnectMu sync.Mutex
	disconnected := []string{}
	def.OnDisconnect = func(c *Context, conn *Connection) {
		disconnectMu.Lock()
		disconnected = append(disconnected, conn.ID)
		disconnectMu.Unlock()
	}

	inst, _, _ := newTestInstance(t, def, clk, nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, socketID, _ := connect(t, inst)
	inst.ConnDisconnected(conn, false, socketID)
	_, ok := inst.ConnByID(conn.ID)
	require.True(t, ok)

	clk.Advance(inst.cfg.ConnectionLivenessInterval + time.Second)
	require.Eventually(t, func() bool {
		_, ok := inst.ConnByID(conn.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "sweep reaps the reconnecting connection")

	disconnectMu.Lock()
	assert.Equal(t, []string{conn.ID}, disconnected)
	disconnectMu.Unlock()
}

func TestInstanceSweepSurvivesOnDisconnectPanic(t *testing.T) {
	clk := clockwork.NewFakeClock()
	def := counterDef()
	def.OnDisconnect = func(c *Context, conn *Connection) {
		panic("boom")
	}

	inst, _, _ := newTestInstance(t, def, clk, nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, socketID, _ := connect(t, inst)
	inst.ConnDisconnected(conn, false, socketID)

	clk.Advance(inst.cfg.ConnectionLivenessInterval + time.Second)
	require.Eventually(t, func() bool {
		_, ok := inst.ConnByID(conn.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "the stale connection is still reaped")

	// The instance keeps serving after the hook panic.
	out, err := inst.Action("increment", cborArgs(t, int64(1)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeInt(t, out))
}

func TestInstanceCleanCloseRemovesConnection(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, socketID, _ := connect(t, inst)
	inst.ConnDisconnected(conn, true, socketID)

	_, ok := inst.ConnByID(conn.ID)
	assert.False(t, ok)
}

func TestInstanceStaleSocketIDIgnored(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	conn, oldSocketID, _ := connect(t, inst)
	inst.ConnDisconnected(conn, false, oldSocketID)

	sock2 := &testSocket{}
	_, _, err := inst.CreateConn(sock2, &ConnectRequest{
		Encoding:  protocol.EncodingCBOR,
		ConnID:    conn.ID,
		ConnToken: conn.Token,
	})
	require.NoError(t, err)

	// The old transport reports its close after the rebind; the newer socket
	// must survive it.
	inst.ConnDisconnected(conn, true, oldSocketID)
	_, ok := inst.ConnByID(conn.ID)
	assert.True(t, ok)
	assert.Equal(t, StatusConnected, conn.Status())
}

func TestInstanceOnConnectFailureRemovesConnection(t *testing.T) {
	def := counterDef()
	def.OnConnect = func(ctx context.Context, c *Context, conn *Connection) error {
		return context.Canceled
	}

	inst, _, _ := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	sock := &testSocket{}
	_, _, err := inst.CreateConn(sock, &ConnectRequest{Encoding: protocol.EncodingCBOR})
	require.Error(t, err)
	assert.Empty(t, inst.registry.all(), "failed handshake leaves nothing behind")
	require.Eventually(t, func() bool {
		return sock.ReadyState() == ReadyStateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestInstanceStopDisconnectsAndPersists(t *testing.T) {
	def := counterDef()
	stopCalled := false
	def.OnStop = func(ctx context.Context, c *Context) error {
		stopCalled = true
		return nil
	}

	inst, drv, rec := newTestInstance(t, def, clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))

	_, _, sock := connect(t, inst)
	_, err := inst.Action("increment", cborArgs(t, int64(6)), nil, protocol.EncodingCBOR)
	require.NoError(t, err)

	inst.Stop(context.Background())
	assert.True(t, stopCalled)
	assert.Equal(t, ReadyStateClosed, sock.ReadyState())

	blob, err := drv.ReadBlob(context.Background(), rec.ActorID)
	require.NoError(t, err)
	persisted, err := protocol.DecodePersisted(blob)
	require.NoError(t, err)
	assert.True(t, persisted.HasInitiated)

	var st counterState
	require.NoError(t, protocol.UnmarshalCBOR(persisted.State, &st))
	assert.EqualValues(t, 6, st.Count)
}

func TestInstanceRejectsTrafficAfterStop(t *testing.T) {
	inst, _, _ := newTestInstance(t, counterDef(), clockwork.NewRealClock(), nil)
	require.NoError(t, inst.Start(context.Background()))
	inst.Stop(context.Background())

	_, _, err := inst.CreateConn(&testSocket{}, &ConnectRequest{Encoding: protocol.EncodingCBOR})
	require.Error(t, err)
}

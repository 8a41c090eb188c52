package actor

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// disconnectAllTimeout bounds the stop-sequence race against connections that
// never acknowledge their close.
const disconnectAllTimeout = 1500 * time.Millisecond

// Options configures a new Instance.
type Options struct {
	Definition *Definition
	Config     *config.ActorConfig
	Driver     driver.ActorDriver
	Record     *driver.ActorRecord
	Clock      clockwork.Clock
	Log        *slog.Logger

	// OnUnload is invoked after the instance finishes stopping on its own
	// (sleep), so the owner can drop it from the live set.
	OnUnload func(actorID string)
}

// Instance composes one running actor: its state view, connection registry,
// scheduler, persist queues, and lifecycle. At most one Instance exists per
// actorId within a runner process.
//
// A top-level mutex serializes external operations; the registry, state view,
// and scheduler carry their own locks so handlers that outlive their deadline
// cannot race the structures.
type Instance struct {
	log   *slog.Logger
	def   *Definition
	cfg   *config.ActorConfig
	drv   driver.ActorDriver
	clock clockwork.Clock

	actorID string
	key     rivet.Key
	input   []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	hasInitiated bool
	vars         any

	ready    atomic.Bool
	stopping atomic.Bool
	sleeping atomic.Bool

	state     *StateView
	registry  *connRegistry
	sched     *scheduler
	persister *persister
	rootCtx   *Context

	stateChangeMu sync.Mutex
	inStateChange bool
	notifiedVer   uint64

	saveMu      sync.Mutex
	saveArmed   bool
	saveTimer   clockwork.Timer

	sleepMu       sync.Mutex
	sleepTimer    clockwork.Timer
	rawFetches    int
	rawWebSockets int

	tasks sync.WaitGroup

	stopOnce sync.Once
	onUnload func(actorID string)
}

// New builds an Instance for a resolved actor record. Call Start before
// routing any traffic to it.
func New(opts Options) *Instance {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("actor", opts.Definition.Name, "actor_id", opts.Record.ActorID)

	ctx, cancel := context.WithCancel(context.Background())
	a := &Instance{
		log:     log,
		def:     opts.Definition,
		cfg:     opts.Config,
		drv:     opts.Driver,
		clock:   clock,
		actorID: opts.Record.ActorID,
		key:     opts.Record.Key,
		input:   opts.Record.Input,
		ctx:     ctx,
		cancel:  cancel,

		state:    newStateView("state", opts.Definition.StateEnabled()),
		registry: newConnRegistry(),
		sched:    &scheduler{},
		onUnload: opts.OnUnload,
	}
	a.persister = newPersister(opts.Driver, a.actorID, log)
	a.rootCtx = &Context{inst: a}
	return a
}

// ActorID returns the actor's id.
func (a *Instance) ActorID() string { return a.actorID }

// Definition returns the actor's definition.
func (a *Instance) Definition() *Definition { return a.def }

// Start loads the persisted snapshot, runs creation on first load, rebuilds
// vars, rearms the alarm, and starts the liveness sweeper. The actor accepts
// no traffic until Start returns.
func (a *Instance) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	blob, err := a.drv.ReadBlob(ctx, a.actorID)
	if err != nil {
		return fmt.Errorf("read persisted blob: %w", err)
	}
	persisted := &protocol.PersistedActor{Input: a.input}
	if blob != nil {
		persisted, err = protocol.DecodePersisted(blob)
		if err != nil {
			return fmt.Errorf("decode persisted blob: %w", err)
		}
	}
	a.hasInitiated = persisted.HasInitiated
	if persisted.Input != nil {
		a.input = persisted.Input
	}
	if err := a.restore(persisted); err != nil {
		return err
	}

	if !a.hasInitiated {
		if err := a.initiate(ctx); err != nil {
			return err
		}
	}

	if a.def.CreateVars != nil {
		err := a.runHook("createVars", a.cfg.CreateVarsTimeout, func(hctx context.Context) error {
			vars, err := a.def.CreateVars(hctx, a.rootCtx)
			if err != nil {
				return err
			}
			a.vars = vars
			return nil
		})
		if err != nil {
			return err
		}
	}

	if a.def.OnStart != nil {
		if err := a.def.OnStart(ctx, a.rootCtx); err != nil {
			return fmt.Errorf("onStart: %w", err)
		}
	}

	// Rearm the alarm for the earliest pending event surviving the reload.
	if ts := a.sched.head(); ts != nil {
		a.persister.EnqueueAlarm(time.UnixMilli(*ts))
	}

	go a.sweepLoop()

	a.ready.Store(true)
	a.resetSleepTimer()
	a.log.Info("Actor started",
		"connections", len(a.registry.all()), "scheduled_events", a.sched.size())
	return nil
}

// restore rebuilds in-memory structures from a persisted snapshot.
func (a *Instance) restore(p *protocol.PersistedActor) error {
	if a.def.StateEnabled() && p.HasInitiated {
		value, err := decodePrototype(a.def.StatePrototype, p.State)
		if err != nil {
			return fmt.Errorf("decode persisted state: %w", err)
		}
		a.state.restore(value)
	}

	for _, pc := range p.Connections {
		value, err := decodePrototype(a.def.ConnStatePrototype, pc.State)
		if err != nil {
			return fmt.Errorf("decode state for connection %s: %w", pc.ConnID, err)
		}
		view := newStateView("connState", a.def.CreateConnState != nil)
		view.restore(value)

		conn := &Connection{
			ID:            pc.ConnID,
			Token:         pc.Token,
			Params:        pc.Params,
			state:         view,
			lastSeen:      time.UnixMilli(pc.LastSeen),
			subscriptions: make(map[string]struct{}, len(pc.Subscriptions)),
		}
		for _, event := range pc.Subscriptions {
			conn.subscriptions[event] = struct{}{}
		}
		if !a.registry.add(conn) {
			return fmt.Errorf("duplicate persisted connection id %s", pc.ConnID)
		}
	}

	a.sched.restore(p.ScheduledEvents)
	return nil
}

// initiate runs first-load creation and flips hasInitiated before the actor
// accepts connections.
func (a *Instance) initiate(ctx context.Context) error {
	if a.def.StateEnabled() {
		initial, err := a.def.CreateState(ctx, a.rootCtx, a.input)
		if err != nil {
			return fmt.Errorf("createState: %w", err)
		}
		a.state.restore(initial)
	}
	if a.def.OnCreate != nil {
		if err := a.def.OnCreate(ctx, a.rootCtx, a.input); err != nil {
			return fmt.Errorf("onCreate: %w", err)
		}
	}
	a.hasInitiated = true
	return a.flushPersist()
}

func decodePrototype(proto func() any, raw []byte) (any, error) {
	if proto != nil {
		value := proto()
		if raw != nil {
			if err := protocol.UnmarshalCBOR(raw, value); err != nil {
				return nil, err
			}
		}
		return value, nil
	}
	if raw == nil {
		return nil, nil
	}
	var value any
	if err := protocol.UnmarshalCBOR(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// assertReadyLocked enforces the readiness invariant on external entry
// points. Stop-path persists bypass it explicitly.
func (a *Instance) assertReadyLocked() error {
	if !a.ready.Load() || a.stopping.Load() || a.sleeping.Load() {
		return rivet.WrapInternal(fmt.Errorf("actor %s is not accepting requests", a.actorID))
	}
	return nil
}

// --- Connections ---

// ConnectRequest carries the handshake metadata a transport extracted from
// subprotocols or headers.
type ConnectRequest struct {
	Encoding  protocol.Encoding
	Params    []byte
	ConnID    string
	ConnToken string
}

// CreateConn performs the connection handshake. A matching (id, token) pair
// rebinds the surviving connection (no hooks, Init resent with existing ids);
// an existing id with a wrong token is rejected; anything else creates a
// fresh connection.
func (a *Instance) CreateConn(socket ConnSocket, req *ConnectRequest) (*Connection, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.assertReadyLocked(); err != nil {
		return nil, "", err
	}
	if len(req.Params) > a.cfg.MaxConnParamsSize {
		return nil, "", rivet.ConnectionParamsTooLong(len(req.Params), a.cfg.MaxConnParamsSize)
	}

	now := a.clock.Now()
	socketID := uuid.New().String()

	if req.ConnID != "" {
		if existing, ok := a.registry.get(req.ConnID); ok {
			if !tokenMatches(existing.Token, req.ConnToken) {
				return nil, "", rivet.IncorrectConnectionToken()
			}
			old := existing.bind(socket, socketID, req.Encoding, now)
			if old != nil {
				go func() { _ = old.Disconnect("replaced by reconnect") }()
			}
			existing.sendInit(a.initFrame(existing))
			a.resetSleepTimer()
			a.log.Debug("Connection rebound", "conn_id", existing.ID)
			return existing, socketID, nil
		}
		// The connection was swept; fall through to a fresh handshake.
	}

	if a.def.OnBeforeConnect != nil {
		err := a.runHook("onBeforeConnect", a.cfg.OnConnectTimeout, func(hctx context.Context) error {
			return a.def.OnBeforeConnect(hctx, a.rootCtx, req.Params)
		})
		if err != nil {
			return nil, "", rivet.WrapInternal(err)
		}
	}

	view := newStateView("connState", a.def.CreateConnState != nil)
	if a.def.CreateConnState != nil {
		err := a.runHook("createConnState", a.cfg.CreateConnStateTimeout, func(hctx context.Context) error {
			connState, err := a.def.CreateConnState(hctx, a.rootCtx, req.Params)
			if err != nil {
				return err
			}
			view.restore(connState)
			return nil
		})
		if err != nil {
			return nil, "", rivet.WrapInternal(err)
		}
	}

	conn := &Connection{
		ID:            uuid.New().String(),
		Token:         rivet.NewConnToken(),
		Params:        req.Params,
		state:         view,
		subscriptions: make(map[string]struct{}),
	}
	conn.bind(socket, socketID, req.Encoding, now)
	if !a.registry.add(conn) {
		return nil, "", rivet.WrapInternal(fmt.Errorf("duplicate connection id %s", conn.ID))
	}
	if err := a.flushPersist(); err != nil {
		a.registry.remove(conn.ID)
		return nil, "", err
	}

	if a.def.OnConnect != nil {
		err := a.runHook("onConnect", a.cfg.OnConnectTimeout, func(hctx context.Context) error {
			return a.def.OnConnect(hctx, a.rootCtx.withConn(conn), conn)
		})
		if err != nil {
			a.log.Warn("onConnect failed, removing connection",
				"conn_id", conn.ID, "error", err)
			a.removeConnLocked(conn)
			go func() { _ = socket.Disconnect("onConnect failed") }()
			return nil, "", rivet.WrapInternal(err)
		}
	}

	conn.sendInit(a.initFrame(conn))
	a.resetSleepTimer()
	a.log.Debug("Connection established", "conn_id", conn.ID)
	return conn, socketID, nil
}

func (a *Instance) initFrame(conn *Connection) *protocol.CachedSerializer {
	return protocol.NewCachedSerializer(&protocol.ToClient{Body: protocol.Init{
		ActorID:         a.actorID,
		ConnectionID:    conn.ID,
		ConnectionToken: conn.Token,
	}})
}

// ConnDisconnected reports a socket close. A stale socketID (a newer
// reconnect already rebound the connection) is ignored. A clean close removes
// the connection; an unclean close leaves the persisted half for the liveness
// window.
func (a *Instance) ConnDisconnected(conn *Connection, wasClean bool, socketID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !conn.detach(socketID, a.clock.Now()) {
		return
	}
	if wasClean {
		a.removeConnLocked(conn)
	}
	a.resetSleepTimer()
}

// Disconnect force-closes a connection from the server side and removes it.
func (a *Instance) Disconnect(conn *Connection, reason string) {
	a.mu.Lock()
	socket, _ := conn.currentSocket()
	a.removeConnLocked(conn)
	a.resetSleepTimer()
	a.mu.Unlock()
	if socket != nil {
		_ = socket.Disconnect(reason)
	}
}

// removeConnLocked drops the persisted connection, fires onDisconnect, and
// persists. Caller holds a.mu.
func (a *Instance) removeConnLocked(conn *Connection) {
	if _, ok := a.registry.remove(conn.ID); !ok {
		return
	}
	if a.def.OnDisconnect != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("onDisconnect panicked", "conn_id", conn.ID, "panic", r)
				}
			}()
			a.def.OnDisconnect(a.rootCtx.withConn(conn), conn)
		}()
	}
	if err := a.flushPersist(); err != nil {
		a.log.Error("Persist after connection removal failed", "error", err)
	}
	a.log.Debug("Connection removed", "conn_id", conn.ID)
}

// ConnByID returns a live or reconnecting connection.
func (a *Instance) ConnByID(connID string) (*Connection, bool) {
	return a.registry.get(connID)
}

// HandleConnectionMessage injects a ToServer frame over HTTP for an existing
// connection (the SSE return path). The (connId, token) pair is the sole
// authentication.
func (a *Instance) HandleConnectionMessage(connID, token string, data []byte) error {
	conn, ok := a.registry.get(connID)
	if !ok {
		return rivet.ConnectionNotFound(connID)
	}
	if !tokenMatches(conn.Token, token) {
		return rivet.IncorrectConnectionToken()
	}
	a.ProcessMessage(conn, data)
	return nil
}

// sweepLoop reaps socketless connections past the liveness window. It runs
// once immediately on start so connections stuck reconnecting across a sleep
// cycle are reaped right away.
func (a *Instance) sweepLoop() {
	a.sweepOnce()
	ticker := a.clock.NewTicker(a.cfg.ConnectionLivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.Chan():
			a.sweepOnce()
		}
	}
}

func (a *Instance) sweepOnce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping.Load() {
		return
	}
	stale := a.registry.sweepStale(a.clock.Now(), a.cfg.ConnectionLivenessTimeout)
	if len(stale) == 0 {
		return
	}
	for _, conn := range stale {
		if a.def.OnDisconnect != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.log.Error("onDisconnect panicked", "conn_id", conn.ID, "panic", r)
					}
				}()
				a.def.OnDisconnect(a.rootCtx.withConn(conn), conn)
			}()
		}
		a.log.Debug("Reaped stale connection", "conn_id", conn.ID)
	}
	if err := a.flushPersist(); err != nil {
		a.log.Error("Persist after liveness sweep failed", "error", err)
	}
	a.resetSleepTimer()
}

// --- Messages ---

// ProcessMessage handles one inbound frame from a connection. Messages from
// one connection are processed in arrival order; replies and errors travel
// back over the same socket.
func (a *Instance) ProcessMessage(conn *Connection, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.assertReadyLocked(); err != nil {
		a.sendError(conn, err, nil)
		return
	}
	conn.touch(a.clock.Now())

	msg, err := conn.Encoding().DecodeToServer(data, a.cfg.MaxIncomingMessageSize)
	if err != nil {
		a.sendError(conn, err, nil)
		return
	}

	switch body := msg.Body.(type) {
	case protocol.ActionRequest:
		output, err := a.invokeAction(a.rootCtx.withConn(conn), body.Name, body.Args)
		if err != nil {
			id := body.ID
			a.sendError(conn, err, &id)
			return
		}
		conn.send(protocol.NewCachedSerializer(&protocol.ToClient{
			Body: protocol.ActionResponse{ID: body.ID, Output: output},
		}))

	case protocol.SubscriptionRequest:
		changed := false
		if body.Subscribe {
			changed = a.registry.subscribe(conn.ID, body.EventName)
		} else {
			changed = a.registry.unsubscribe(conn.ID, body.EventName)
		}
		if changed {
			if err := a.flushPersist(); err != nil {
				a.log.Error("Persist after subscription change failed", "error", err)
			}
		}

	default:
		a.sendError(conn, rivet.MalformedMessage(fmt.Errorf("unhandled message body %T", body)), nil)
	}
}

func (a *Instance) sendError(conn *Connection, err error, actionID *uint64) {
	frame := wireError(err, a.cfg.ExposeInternalError, actionID)
	conn.send(protocol.NewCachedSerializer(&protocol.ToClient{Body: frame}))
}

// Action runs a one-shot HTTP action: a full connection handshake with an
// ephemeral HTTP socket, the action itself, then a clean disconnect.
func (a *Instance) Action(name string, args, params []byte, enc protocol.Encoding) ([]byte, error) {
	socket := newHTTPSocket()
	conn, socketID, err := a.CreateConn(socket, &ConnectRequest{Encoding: enc, Params: params})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	output, err := a.invokeAction(a.rootCtx.withConn(conn), name, args)
	a.mu.Unlock()

	a.ConnDisconnected(conn, true, socketID)
	return output, err
}

// Broadcast fans a named event out to every subscribed connection,
// serializing at most once per encoding.
func (a *Instance) Broadcast(name string, args any) error {
	data, err := protocol.MarshalCBOR(args)
	if err != nil {
		return rivet.WrapInternal(fmt.Errorf("encode event args: %w", err))
	}
	msg := protocol.NewCachedSerializer(&protocol.ToClient{
		Body: protocol.Event{Name: name, Args: data},
	})
	for _, conn := range a.registry.subscribers(name) {
		conn.send(msg)
	}
	return nil
}

// --- Scheduling ---

// ScheduleEvent inserts a deferred invocation and persists. A new head (or
// first event) rearms the driver alarm.
func (a *Instance) ScheduleEvent(ev protocol.ScheduledEvent) error {
	if a.sched.insert(ev) {
		a.persister.EnqueueAlarm(time.UnixMilli(ev.Timestamp))
	}
	return a.flushPersist()
}

// OnAlarm is invoked by the driver when the actor's alarm fires. Due events
// run in timestamp order; an early fire rearms and returns. Idempotent.
func (a *Instance) OnAlarm() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping.Load() || a.sleeping.Load() {
		return
	}

	now := a.clock.Now().UnixMilli()
	due, next := a.sched.splice(now)
	if len(due) == 0 {
		if next != nil {
			a.persister.EnqueueAlarm(time.UnixMilli(*next))
		}
		return
	}

	if err := a.flushPersist(); err != nil {
		a.log.Error("Persist after alarm splice failed", "error", err)
	}
	if next != nil {
		a.persister.EnqueueAlarm(time.UnixMilli(*next))
	}

	for _, ev := range due {
		a.runScheduled(ev)
	}
	a.armThrottledSave()
	a.resetSleepTimer()
}

// --- Persistence ---

// SaveState flushes dirty state immediately, or arms the throttled writer.
// An immediate save with nothing dirty is a no-op.
func (a *Instance) SaveState(immediate bool) {
	if !immediate {
		a.armThrottledSave()
		return
	}
	if a.state.Dirty() || a.registry.dirty() {
		if err := a.flushPersist(); err != nil {
			a.log.Error("Immediate save failed", "error", err)
		}
	}
}

// flushPersist snapshots the actor and enqueues the write. Snapshot errors
// (non-serializable state) abort the write and leave the prior persisted
// snapshot intact.
func (a *Instance) flushPersist() error {
	stateBytes, stateVer, err := a.state.snapshot()
	if err != nil {
		return err
	}
	conns, connVers, err := a.registry.snapshot()
	if err != nil {
		return err
	}
	blob, err := protocol.EncodePersisted(&protocol.PersistedActor{
		HasInitiated:    a.hasInitiated,
		Input:           a.input,
		State:           stateBytes,
		Connections:     conns,
		ScheduledEvents: a.sched.snapshot(),
	})
	if err != nil {
		return rivet.WrapInternal(err)
	}
	a.persister.EnqueueWrite(blob, func(err error) {
		if err == nil {
			a.state.markSaved(stateVer)
			a.registry.markSaved(connVers)
		}
	})
	return nil
}

// armThrottledSave schedules a flush at the save interval unless one is
// already pending.
func (a *Instance) armThrottledSave() {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	if a.saveArmed {
		return
	}
	a.saveArmed = true
	a.saveTimer = a.clock.AfterFunc(a.cfg.StateSaveInterval, func() {
		a.saveMu.Lock()
		a.saveArmed = false
		a.saveMu.Unlock()
		a.SaveState(true)
	})
}

// notifyStateChanged fires the onStateChange hook when the state version
// moved, with a reentrancy guard so mutations inside the hook do not
// re-trigger it.
func (a *Instance) notifyStateChanged() {
	if a.def.OnStateChange == nil {
		return
	}
	version := a.state.versionNow()
	a.stateChangeMu.Lock()
	if a.inStateChange || version == a.notifiedVer {
		a.stateChangeMu.Unlock()
		return
	}
	a.inStateChange = true
	a.stateChangeMu.Unlock()

	a.def.OnStateChange(a.rootCtx)

	a.stateChangeMu.Lock()
	a.inStateChange = false
	a.notifiedVer = a.state.versionNow()
	a.stateChangeMu.Unlock()
}

// --- Raw handlers ---

// HandleFetch serves a request under /raw/http via the OnFetch handler. An
// in-flight fetch keeps the actor from sleeping.
func (a *Instance) HandleFetch(w http.ResponseWriter, r *http.Request) error {
	if a.def.OnFetch == nil {
		return rivet.FetchNotDefined()
	}
	a.mu.Lock()
	if err := a.assertReadyLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	a.rawStarted(&a.rawFetches)
	defer a.rawEnded(&a.rawFetches)
	return a.def.OnFetch(a.rootCtx, w, r)
}

// HandleRawWebSocket serves a socket under /raw/websocket via the
// OnWebSocket handler. An open raw socket keeps the actor from sleeping.
func (a *Instance) HandleRawWebSocket(ws *websocket.Conn, r *http.Request) error {
	if a.def.OnWebSocket == nil {
		return rivet.WebSocketNotDefined()
	}
	a.mu.Lock()
	if err := a.assertReadyLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	a.rawStarted(&a.rawWebSockets)
	defer a.rawEnded(&a.rawWebSockets)
	return a.def.OnWebSocket(a.rootCtx, ws, r)
}

func (a *Instance) rawStarted(counter *int) {
	a.sleepMu.Lock()
	*counter++
	a.sleepMu.Unlock()
	a.resetSleepTimer()
}

func (a *Instance) rawEnded(counter *int) {
	a.sleepMu.Lock()
	*counter--
	a.sleepMu.Unlock()
	a.resetSleepTimer()
}

// --- Sleep & stop ---

// resetSleepTimer restarts the idle countdown. The timer is armed only while
// the can-sleep predicate holds: no connected connections, no raw activity,
// sleep not disabled.
func (a *Instance) resetSleepTimer() {
	a.sleepMu.Lock()
	defer a.sleepMu.Unlock()
	if a.sleepTimer != nil {
		a.sleepTimer.Stop()
		a.sleepTimer = nil
	}
	if a.cfg.NoSleep || a.stopping.Load() || a.sleeping.Load() {
		return
	}
	if a.rawFetches > 0 || a.rawWebSockets > 0 || a.registry.connectedCount() > 0 {
		return
	}
	a.sleepTimer = a.clock.AfterFunc(a.cfg.SleepTimeout, a.beginSleep)
}

// beginSleep transitions an idle actor out of memory: driver sleep, then the
// full stop sequence, then the unload callback.
func (a *Instance) beginSleep() {
	a.mu.Lock()
	if !a.ready.Load() || a.stopping.Load() || a.sleeping.Load() {
		a.mu.Unlock()
		return
	}
	a.sleepMu.Lock()
	busy := a.rawFetches > 0 || a.rawWebSockets > 0
	a.sleepMu.Unlock()
	if busy || a.registry.connectedCount() > 0 {
		a.mu.Unlock()
		return
	}
	a.sleeping.Store(true)
	a.mu.Unlock()

	a.log.Info("Actor sleeping")
	if sleeper, ok := a.drv.(driver.Sleeper); ok {
		ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
		if err := sleeper.Sleep(ctx, a.actorID); err != nil {
			a.log.Error("Driver sleep failed", "error", err)
		}
		cancel()
	}
	a.stop()
	if a.onUnload != nil {
		a.onUnload(a.actorID)
	}
}

// Stop shuts the actor down: abort signal, onStop, disconnect all, drain
// background tasks, final persist, drain the persist queues.
func (a *Instance) Stop(ctx context.Context) {
	a.stop()
}

func (a *Instance) stop() {
	a.stopOnce.Do(func() {
		a.stopping.Store(true)

		a.sleepMu.Lock()
		if a.sleepTimer != nil {
			a.sleepTimer.Stop()
			a.sleepTimer = nil
		}
		a.sleepMu.Unlock()
		a.saveMu.Lock()
		if a.saveTimer != nil {
			a.saveTimer.Stop()
		}
		a.saveMu.Unlock()

		a.cancel()

		if a.def.OnStop != nil {
			err := a.runHook("onStop", a.cfg.OnStopTimeout, func(hctx context.Context) error {
				return a.def.OnStop(hctx, a.rootCtx)
			})
			if err != nil {
				a.log.Warn("onStop failed", "error", err)
			}
		}

		a.disconnectAll()
		a.drainTasks()

		a.mu.Lock()
		if err := a.flushPersist(); err != nil {
			a.log.Error("Final persist failed", "error", err)
		}
		a.mu.Unlock()

		drainCtx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
		defer cancel()
		if err := a.persister.Drain(drainCtx); err != nil {
			a.log.Warn("Persist queues did not drain before deadline", "error", err)
		}
		a.log.Info("Actor stopped")
	})
}

// disconnectAll closes every bound socket, racing slow closes against a short
// deadline so stop cannot hang on an unresponsive peer.
func (a *Instance) disconnectAll() {
	var wg sync.WaitGroup
	for _, conn := range a.registry.all() {
		socket, _ := conn.currentSocket()
		if socket == nil {
			continue
		}
		wg.Add(1)
		go func(s ConnSocket) {
			defer wg.Done()
			_ = s.Disconnect("actor stopped")
		}(socket)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-a.clock.After(disconnectAllTimeout):
		a.log.Warn("Disconnect race lost, continuing stop")
	}
}

// waitUntil tracks a background task the stop sequence must drain.
func (a *Instance) waitUntil(fn func(ctx context.Context) error) {
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		if err := fn(a.ctx); err != nil {
			a.log.Warn("Background task failed", "error", err)
		}
	}()
}

func (a *Instance) drainTasks() {
	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-a.clock.After(a.cfg.WaitUntilTimeout):
		a.log.Warn("Background tasks did not finish before deadline")
	}
}

// tokenMatches compares connection tokens in constant time.
func tokenMatches(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// runHook races a lifecycle hook against its configured timeout. The hook
// receives a context cancelled on timeout; one that ignores it keeps running
// detached.
func (a *Instance) runHook(name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("Hook panicked", "hook", name, "panic", r)
				done <- fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	case <-a.clock.After(timeout):
		cancel()
		return fmt.Errorf("%s timed out after %s", name, timeout)
	}
}

package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rivetkit/rivetkit-go/pkg/actor"
	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/rivet"
)

// alarmWakeTimeout bounds loading a sleeping actor to deliver its alarm.
const alarmWakeTimeout = 30 * time.Second

// Supervisor owns the live actor instances of this runner: at most one
// instance per actorId, loaded on demand and dropped when the instance sleeps.
// Driver alarms route through it so a sleeping actor is woken to run its due
// events.
type Supervisor struct {
	log      *slog.Logger
	registry *actor.Registry
	mgr      driver.ManagerDriver
	drv      driver.ActorDriver
	cfg      *config.ActorConfig
	clock    clockwork.Clock

	mu        sync.Mutex
	instances map[string]*actor.Instance

	// load collapses concurrent loads of the same actorId.
	load singleflight.Group
}

// NewSupervisor wires a supervisor over the given registry and drivers. When
// the actor driver fires its own alarms, the supervisor registers itself as
// the handler.
func NewSupervisor(registry *actor.Registry, mgr driver.ManagerDriver, drv driver.ActorDriver, cfg *config.ActorConfig, clock clockwork.Clock, log *slog.Logger) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		log:       log,
		registry:  registry,
		mgr:       mgr,
		drv:       drv,
		cfg:       cfg,
		clock:     clock,
		instances: make(map[string]*actor.Instance),
	}
	if notifier, ok := drv.(driver.AlarmNotifier); ok {
		notifier.SetAlarmHandler(s.handleAlarm)
	}
	return s
}

// Instance returns the running instance for a resolved record, loading and
// starting it if needed. Concurrent calls for the same actorId share one load.
func (s *Supervisor) Instance(ctx context.Context, rec *driver.ActorRecord) (*actor.Instance, error) {
	if inst := s.lookup(rec.ActorID); inst != nil {
		return inst, nil
	}
	v, err, _ := s.load.Do(rec.ActorID, func() (any, error) {
		if inst := s.lookup(rec.ActorID); inst != nil {
			return inst, nil
		}
		def, ok := s.registry.Lookup(rec.Name)
		if !ok {
			return nil, rivet.InvalidParams("unknown actor name " + rec.Name)
		}
		inst := actor.New(actor.Options{
			Definition: def,
			Config:     s.cfg,
			Driver:     s.drv,
			Record:     rec,
			Clock:      s.clock,
			Log:        s.log,
			OnUnload:   s.unload,
		})
		if err := inst.Start(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.instances[rec.ActorID] = inst
		s.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*actor.Instance), nil
}

// InstanceByID resolves the record for a bare actorId and loads it.
func (s *Supervisor) InstanceByID(ctx context.Context, actorID string) (*actor.Instance, error) {
	if inst := s.lookup(actorID); inst != nil {
		return inst, nil
	}
	recs, err := s.mgr.ListActors(ctx, driver.ListQuery{ActorIDs: []string{actorID}})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, rivet.ActorNotFound(actorID)
	}
	return s.Instance(ctx, recs[0])
}

// LoadedCount reports how many instances are live.
func (s *Supervisor) LoadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *Supervisor) lookup(actorID string) *actor.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[actorID]
}

// unload drops a slept instance from the live set.
func (s *Supervisor) unload(actorID string) {
	s.mu.Lock()
	delete(s.instances, actorID)
	s.mu.Unlock()
	s.log.Debug("Actor unloaded", "actor_id", actorID)
}

// handleAlarm delivers a driver alarm, waking the actor if it slept since the
// alarm was armed.
func (s *Supervisor) handleAlarm(actorID string) {
	if inst := s.lookup(actorID); inst != nil {
		inst.OnAlarm()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alarmWakeTimeout)
	defer cancel()
	inst, err := s.InstanceByID(ctx, actorID)
	if err != nil {
		s.log.Error("Failed to wake actor for alarm", "actor_id", actorID, "error", err)
		return
	}
	inst.OnAlarm()
}

// Shutdown stops every live instance, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	instances := make([]*actor.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.instances = make(map[string]*actor.Instance)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *actor.Instance) {
			defer wg.Done()
			inst.Stop(ctx)
		}(inst)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Supervisor shutdown deadline exceeded")
	}
}

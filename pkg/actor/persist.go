package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rivetkit/rivetkit-go/pkg/driver"
)

// driverCallTimeout bounds a single WriteBlob or SetAlarm driver call.
const driverCallTimeout = 10 * time.Second

// persister serializes an actor's WriteBlob and SetAlarm driver calls through
// per-actor coalescing queues: at most one call of each kind is in flight, and
// anything enqueued while one runs collapses into a single subsequent call
// carrying the newest value. The driver never sees two concurrent calls for
// the same actor.
type persister struct {
	drv     driver.ActorDriver
	actorID string
	log     *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	writeRunning bool
	writePending bool
	pendingBlob  []byte
	pendingDone  func(err error)

	alarmRunning bool
	alarmPending bool
	pendingAlarm time.Time
}

func newPersister(drv driver.ActorDriver, actorID string, log *slog.Logger) *persister {
	p := &persister{drv: drv, actorID: actorID, log: log}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// EnqueueWrite schedules a blob write. A write already in flight coalesces:
// only the newest blob is written afterwards, and only its done callback runs.
func (p *persister) EnqueueWrite(blob []byte, done func(err error)) {
	p.mu.Lock()
	p.pendingBlob = blob
	p.pendingDone = done
	if p.writeRunning {
		p.writePending = true
		p.mu.Unlock()
		return
	}
	p.writeRunning = true
	p.mu.Unlock()
	go p.writeLoop()
}

func (p *persister) writeLoop() {
	for {
		p.mu.Lock()
		blob, done := p.pendingBlob, p.pendingDone
		p.pendingBlob, p.pendingDone = nil, nil
		p.writePending = false
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
		err := p.drv.WriteBlob(ctx, p.actorID, blob)
		cancel()
		if err != nil {
			p.log.Error("Persist write failed", "actor_id", p.actorID, "error", err)
		}
		if done != nil {
			done(err)
		}

		p.mu.Lock()
		if !p.writePending {
			p.writeRunning = false
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// EnqueueAlarm schedules an alarm arm (zero time disarms). Last write wins:
// an arm enqueued behind a running one replaces any not-yet-written value.
func (p *persister) EnqueueAlarm(at time.Time) {
	p.mu.Lock()
	p.pendingAlarm = at
	if p.alarmRunning {
		p.alarmPending = true
		p.mu.Unlock()
		return
	}
	p.alarmRunning = true
	p.mu.Unlock()
	go p.alarmLoop()
}

func (p *persister) alarmLoop() {
	for {
		p.mu.Lock()
		at := p.pendingAlarm
		p.alarmPending = false
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), driverCallTimeout)
		err := p.drv.SetAlarm(ctx, p.actorID, at)
		cancel()
		if err != nil {
			p.log.Error("Alarm arm failed", "actor_id", p.actorID, "error", err)
		}

		p.mu.Lock()
		if !p.alarmPending {
			p.alarmRunning = false
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// Drain blocks until both queues are idle, or ctx expires.
func (p *persister) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.writeRunning || p.alarmRunning {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

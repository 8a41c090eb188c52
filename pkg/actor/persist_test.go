package actor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingDriver records writes and alarms and can hold a write open so
// coalescing is observable.
type blockingDriver struct {
	mu      sync.Mutex
	writes  [][]byte
	alarms  []time.Time
	release chan struct{}
}

func newBlockingDriver() *blockingDriver {
	return &blockingDriver{release: make(chan struct{})}
}

func (d *blockingDriver) ReadBlob(context.Context, string) ([]byte, error) { return nil, nil }

func (d *blockingDriver) WriteBlob(_ context.Context, _ string, data []byte) error {
	d.mu.Lock()
	first := len(d.writes) == 0
	d.writes = append(d.writes, append([]byte(nil), data...))
	d.mu.Unlock()
	if first {
		<-d.release
	}
	return nil
}

func (d *blockingDriver) SetAlarm(_ context.Context, _ string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alarms = append(d.alarms, at)
	return nil
}

func (d *blockingDriver) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func (d *blockingDriver) lastWrite() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.writes) == 0 {
		return nil
	}
	return d.writes[len(d.writes)-1]
}

func TestPersisterCoalescesWrites(t *testing.T) {
	drv := newBlockingDriver()
	p := newPersister(drv, "a1", slog.Default())

	var doneMu sync.Mutex
	var completed []string
	done := func(tag string) func(error) {
		return func(error) {
			doneMu.Lock()
			completed = append(completed, tag)
			doneMu.Unlock()
		}
	}

	p.EnqueueWrite([]byte("w1"), done("w1"))
	// The first write blocks inside the driver; these pile up behind it and
	// collapse into a single write of the newest blob.
	require.Eventually(t, func() bool { return drv.writeCount() == 1 }, time.Second, time.Millisecond)
	p.EnqueueWrite([]byte("w2"), done("w2"))
	p.EnqueueWrite([]byte("w3"), done("w3"))
	close(drv.release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, 2, drv.writeCount(), "w2 coalesced into w3")
	assert.Equal(t, []byte("w3"), drv.lastWrite())
	doneMu.Lock()
	assert.Equal(t, []string{"w1", "w3"}, completed, "only the written blobs complete")
	doneMu.Unlock()
}

func TestPersisterAlarmLastWriteWins(t *testing.T) {
	drv := newBlockingDriver()
	close(drv.release)
	p := newPersister(drv, "a1", slog.Default())

	t1 := time.UnixMilli(1000)
	t2 := time.UnixMilli(2000)
	p.EnqueueAlarm(t1)
	p.EnqueueAlarm(t2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	drv.mu.Lock()
	last := drv.alarms[len(drv.alarms)-1]
	drv.mu.Unlock()
	assert.True(t, last.Equal(t2), "newest requested timestamp wins")
}

func TestPersisterDrainIdle(t *testing.T) {
	drv := newBlockingDriver()
	close(drv.release)
	p := newPersister(drv, "a1", slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx), "drain with nothing in flight returns immediately")
}

func TestPersisterDrainTimeout(t *testing.T) {
	drv := newBlockingDriver()
	p := newPersister(drv, "a1", slog.Default())
	p.EnqueueWrite([]byte("w1"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Drain(ctx), "blocked write holds the queue open")
	close(drv.release)
}

package actor

import (
	"sort"
	"sync"

	"github.com/rivetkit/rivetkit-go/pkg/protocol"
)

// scheduler keeps one actor's deferred action invocations sorted by
// timestamp. The driver alarm is always armed for the head event's timestamp,
// or disarmed when the list is empty; the owning instance performs the actual
// arming so the persist queue sees it.
type scheduler struct {
	mu     sync.Mutex
	events []protocol.ScheduledEvent
}

// restore loads persisted events, re-sorting defensively in case an older
// runner wrote an unsorted snapshot.
func (s *scheduler) restore(events []protocol.ScheduledEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]protocol.ScheduledEvent(nil), events...)
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].Timestamp < s.events[j].Timestamp
	})
}

// insert places an event at its sorted position, ties breaking by insertion
// order. It reports whether the event became the new head (or the list was
// empty), which means the alarm must be rearmed.
func (s *scheduler) insert(ev protocol.ScheduledEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp > ev.Timestamp
	})
	s.events = append(s.events, protocol.ScheduledEvent{})
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
	return idx == 0
}

// splice removes and returns every event with timestamp ≤ now, in order, plus
// the head timestamp remaining afterwards (nil when empty). When nothing is
// due it returns the current head so the caller can rearm an early alarm.
func (s *scheduler) splice(now int64) (due []protocol.ScheduledEvent, next *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(s.events) && s.events[n].Timestamp <= now {
		n++
	}
	due = append([]protocol.ScheduledEvent(nil), s.events[:n]...)
	s.events = append(s.events[:0], s.events[n:]...)
	if len(s.events) > 0 {
		ts := s.events[0].Timestamp
		next = &ts
	}
	return due, next
}

// head returns the earliest pending timestamp, or nil.
func (s *scheduler) head() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	ts := s.events[0].Timestamp
	return &ts
}

// snapshot copies the pending events for persistence.
func (s *scheduler) snapshot() []protocol.ScheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ScheduledEvent(nil), s.events...)
}

// size returns the number of pending events.
func (s *scheduler) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

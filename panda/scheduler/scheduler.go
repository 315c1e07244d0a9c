package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
)

// ErrCorrupt reports a broken queue invariant. It is never recoverable.
var ErrCorrupt = errors.New("scheduler queue corrupted")

// Kind identifies what a scheduled event is for. Each kind has exactly one handler.
type Kind uint8

const (
	VBlank Kind = iota
	ThreadWakeup
	TimeSlice
	IPCReply
	TimerFire
	DeviceInterrupt
	numKinds
)

func (k Kind) String() string {
	switch k {
	case VBlank:
		return "VBlank"
	case ThreadWakeup:
		return "ThreadWakeup"
	case TimeSlice:
		return "TimeSlice"
	case IPCReply:
		return "IPCReply"
	case TimerFire:
		return "TimerFire"
	case DeviceInterrupt:
		return "DeviceInterrupt"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Handle identifies a scheduled event. The zero Handle never refers to an event.
type Handle uint64

// HandlerFunc is invoked when an event fires. late is how many cycles past its
// fire time the event was dispatched.
type HandlerFunc func(payload uint64, late uint64) error

type event struct {
	at      uint64
	seq     uint64
	kind    Kind
	payload uint64
	index   int
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

// Scheduler is the virtual-time authority of the emulator. Every timed action
// (VBlank, thread timeouts, timers, IPC replies) is an event in its queue.
type Scheduler struct {
	now      uint64
	seq      uint64
	queue    eventQueue
	pending  map[Handle]*event
	handlers [numKinds]HandlerFunc
}

// New creates an empty scheduler at cycle 0.
func New() *Scheduler {
	return &Scheduler{
		pending: make(map[Handle]*event),
	}
}

// Handle registers the handler for a kind, replacing any previous one.
func (s *Scheduler) Handle(kind Kind, fn HandlerFunc) {
	s.handlers[kind] = fn
}

// Now returns the current virtual time in cycles.
func (s *Scheduler) Now() uint64 {
	return s.now
}

// Schedule queues an event delay cycles from now.
func (s *Scheduler) Schedule(delay uint64, kind Kind, payload uint64) Handle {
	return s.ScheduleAt(s.now+delay, kind, payload)
}

// ScheduleAt queues an event at an absolute cycle. A time in the past makes the
// event overdue, it fires on the next AdvanceTo.
func (s *Scheduler) ScheduleAt(at uint64, kind Kind, payload uint64) Handle {
	s.seq++
	ev := &event{at: at, seq: s.seq, kind: kind, payload: payload}
	heap.Push(&s.queue, ev)
	h := Handle(ev.seq)
	s.pending[h] = ev
	return h
}

// Cancel removes a pending event. Cancelling a fired, cancelled or unknown
// event does nothing.
func (s *Scheduler) Cancel(h Handle) {
	ev, ok := s.pending[h]
	if !ok {
		return
	}
	delete(s.pending, h)
	if ev.index >= 0 {
		heap.Remove(&s.queue, ev.index)
	}
}

// IsPending reports whether h is still waiting to fire.
func (s *Scheduler) IsPending(h Handle) bool {
	_, ok := s.pending[h]
	return ok
}

// FireTime returns the absolute fire time of a pending event.
func (s *Scheduler) FireTime(h Handle) (uint64, bool) {
	ev, ok := s.pending[h]
	if !ok {
		return 0, false
	}
	return ev.at, true
}

// Pending returns the number of queued events.
func (s *Scheduler) Pending() int {
	return len(s.pending)
}

// NextEventTime returns the fire time of the earliest queued event.
func (s *Scheduler) NextEventTime() (uint64, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0].at, true
}

// AdvanceTo moves virtual time forward to now and fires every event due at or
// before it, ordered by fire time and then by insertion order. Each event is
// removed before its handler runs, and events queued while firing wait for the
// next call even if they are already due.
func (s *Scheduler) AdvanceTo(now uint64) error {
	target := max(now, s.now)
	limit := s.seq

	var deferred []*event
	defer func() {
		for _, ev := range deferred {
			// a later handler of the same pass may have cancelled it
			if _, ok := s.pending[Handle(ev.seq)]; ok {
				heap.Push(&s.queue, ev)
			}
		}
		s.now = target
	}()

	for len(s.queue) > 0 {
		ev := s.queue[0]
		if ev.at > target {
			break
		}

		heap.Pop(&s.queue)
		if ev.seq > limit {
			deferred = append(deferred, ev)
			continue
		}

		if _, ok := s.pending[Handle(ev.seq)]; !ok {
			return fmt.Errorf("%w: fired event %d was not pending", ErrCorrupt, ev.seq)
		}
		delete(s.pending, Handle(ev.seq))

		handler := s.handlers[ev.kind]
		if handler == nil {
			return fmt.Errorf("%w: no handler for %s", ErrCorrupt, ev.kind)
		}

		// handlers observe the time their event was due, so periodic events
		// rescheduling themselves stay drift free.
		if ev.at > s.now {
			s.now = ev.at
		}
		late := s.now - ev.at
		if err := handler(ev.payload, late); err != nil {
			return fmt.Errorf("handling %s event: %w", ev.kind, err)
		}
	}

	return nil
}

// Reset drops every pending event and rewinds time to 0. Handlers stay registered.
func (s *Scheduler) Reset() {
	s.now = 0
	s.seq = 0
	s.queue = s.queue[:0]
	clear(s.pending)
}

// EventState is the serialized form of a pending event.
type EventState struct {
	Handle   Handle
	Relative int64 // fire time minus the saved current time
	Kind     Kind
	Payload  uint64
}

// State is the serialized form of the scheduler.
type State struct {
	Now    uint64
	Seq    uint64
	Events []EventState
}

// Snapshot captures the pending queue, in firing order.
func (s *Scheduler) Snapshot() State {
	sorted := make(eventQueue, len(s.queue))
	copy(sorted, s.queue)
	// a copy of the heap sorted by heap order would be enough, but keep the
	// serialized form stable regardless of the heap layout.
	sortEvents(sorted)

	st := State{Now: s.now, Seq: s.seq, Events: make([]EventState, 0, len(sorted))}
	for _, ev := range sorted {
		st.Events = append(st.Events, EventState{
			Handle:   Handle(ev.seq),
			Relative: int64(ev.at - s.now),
			Kind:     ev.kind,
			Payload:  ev.payload,
		})
	}
	return st
}

// Restore replaces the queue with a snapshot.
func (s *Scheduler) Restore(st State) error {
	s.Reset()
	s.now = st.Now
	s.seq = st.Seq

	for _, es := range st.Events {
		if es.Kind >= numKinds {
			return fmt.Errorf("%w: unknown event kind %d in snapshot", ErrCorrupt, es.Kind)
		}
		if uint64(es.Handle) > st.Seq {
			return fmt.Errorf("%w: event %d newer than sequence %d", ErrCorrupt, es.Handle, st.Seq)
		}
		ev := &event{
			at:      uint64(int64(st.Now) + es.Relative),
			seq:     uint64(es.Handle),
			kind:    es.Kind,
			payload: es.Payload,
		}
		heap.Push(&s.queue, ev)
		s.pending[es.Handle] = ev
	}

	slog.Debug("Scheduler restored", "now", st.Now, "events", len(st.Events))
	return nil
}

func sortEvents(evs eventQueue) {
	// insertion sort, queues are short
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && evs.Less(j, j-1); j-- {
			evs[j], evs[j-1] = evs[j-1], evs[j]
		}
	}
}

package kernel

import (
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

// Mutex is a lock owned by at most one thread. Released mutexes are handed
// to the longest waiting thread.
type Mutex struct {
	header

	process   *Process
	owner     *Thread
	lockCount int
	recursive bool
	waiters   waitQueue
}

// Owner returns the thread holding the mutex.
func (m *Mutex) Owner() *Thread { return m.owner }

// LockCount returns how many times the owner locked the mutex.
func (m *Mutex) LockCount() int { return m.lockCount }

func (m *Mutex) queue() *waitQueue { return &m.waiters }

func (m *Mutex) ready(t *Thread) bool {
	return m.owner == nil || (m.owner == t && m.recursive)
}

func (m *Mutex) acquire(t *Thread) result.Code {
	if m.owner == t {
		m.lockCount++
		return result.Success
	}
	m.owner = t
	m.lockCount = 1
	t.held = append(t.held, m)
	return result.Success
}

func (k *Kernel) createMutex(t *Thread, locked bool) (*Mutex, error) {
	p := t.owner
	if err := k.charge(p, KindMutex); err != nil {
		return nil, err
	}
	m := &Mutex{process: p, recursive: k.cfg.MutexRecursion}
	k.register(m, KindMutex, "mutex")
	if locked {
		m.acquire(t)
	}
	return m, nil
}

func (k *Kernel) releaseMutex(m *Mutex, t *Thread) error {
	if m.owner != t {
		return resourceErr("release mutex", result.WrongLockingThread)
	}
	m.lockCount--
	if m.lockCount > 0 {
		return nil
	}
	m.owner = nil
	for i, h := range t.held {
		if h == m {
			t.held = append(t.held[:i], t.held[i+1:]...)
			break
		}
	}
	k.signal(m)
	return nil
}

// Semaphore is a counting semaphore.
type Semaphore struct {
	header

	process *Process
	count   int32
	max     int32
	waiters waitQueue
}

// Count returns the available count.
func (s *Semaphore) Count() int32 { return s.count }

func (s *Semaphore) queue() *waitQueue { return &s.waiters }

func (s *Semaphore) ready(*Thread) bool { return s.count > 0 }

func (s *Semaphore) acquire(*Thread) result.Code {
	s.count--
	return result.Success
}

func (k *Kernel) createSemaphore(p *Process, initial, max int32) (*Semaphore, error) {
	if initial < 0 || max < 0 || initial > max {
		return nil, resourceErr("create semaphore", result.OutOfRange)
	}
	if err := k.charge(p, KindSemaphore); err != nil {
		return nil, err
	}
	s := &Semaphore{process: p, count: initial, max: max}
	k.register(s, KindSemaphore, "semaphore")
	return s, nil
}

// releaseSemaphore adds count and wakes up to that many waiters. It returns
// the count before the release.
func (k *Kernel) releaseSemaphore(s *Semaphore, count int32) (int32, error) {
	if count < 0 || int64(s.count)+int64(count) > int64(s.max) {
		return 0, resourceErr("release semaphore", result.OutOfRange)
	}
	prev := s.count
	s.count += count
	k.signal(s)
	return prev, nil
}

// Event is a signalable flag whose reset type decides who consumes it.
type Event struct {
	header

	process  *Process
	reset    ipc.ResetType
	signaled bool
	waiters  waitQueue
}

// Signaled reports whether the event is set.
func (e *Event) Signaled() bool { return e.signaled }

func (e *Event) queue() *waitQueue { return &e.waiters }

func (e *Event) ready(*Thread) bool { return e.signaled }

func (e *Event) acquire(*Thread) result.Code {
	if e.reset == ipc.OneShot {
		e.signaled = false
	}
	return result.Success
}

func (k *Kernel) createEvent(p *Process, reset ipc.ResetType, name string) (*Event, error) {
	if reset > ipc.Pulse {
		return nil, resourceErr("create event", result.InvalidEnumValue)
	}
	if err := k.charge(p, KindEvent); err != nil {
		return nil, err
	}
	e := &Event{process: p, reset: reset}
	k.register(e, KindEvent, name)
	return e, nil
}

func (k *Kernel) signalEvent(e *Event) {
	e.signaled = true
	k.signal(e)
	if e.reset == ipc.Pulse {
		e.signaled = false
	}
}

// Timer is an event signaled by the scheduler, once or periodically.
type Timer struct {
	header

	process  *Process
	reset    ipc.ResetType
	signaled bool
	initial  int64
	interval int64
	event    scheduler.Handle
	waiters  waitQueue
}

// Signaled reports whether the timer fired and was not consumed yet.
func (tm *Timer) Signaled() bool { return tm.signaled }

func (tm *Timer) queue() *waitQueue { return &tm.waiters }

func (tm *Timer) ready(*Thread) bool { return tm.signaled }

func (tm *Timer) acquire(*Thread) result.Code {
	if tm.reset == ipc.OneShot {
		tm.signaled = false
	}
	return result.Success
}

func (k *Kernel) createTimer(p *Process, reset ipc.ResetType) (*Timer, error) {
	if reset > ipc.Pulse {
		return nil, resourceErr("create timer", result.InvalidEnumValue)
	}
	if err := k.charge(p, KindTimer); err != nil {
		return nil, err
	}
	tm := &Timer{process: p, reset: reset}
	k.register(tm, KindTimer, "timer")
	return tm, nil
}

func (k *Kernel) setTimer(tm *Timer, initial, interval int64) error {
	if initial < 0 || interval < 0 {
		return resourceErr("set timer", result.OutOfRange)
	}
	k.sched.Cancel(tm.event)
	tm.initial = initial
	tm.interval = interval
	tm.event = k.sched.ScheduleAt(k.Now()+nsToCycles(initial), scheduler.TimerFire, uint64(tm.id))
	return nil
}

func (k *Kernel) cancelTimer(tm *Timer) {
	k.sched.Cancel(tm.event)
	tm.event = 0
}

func (k *Kernel) fireTimer(tm *Timer) {
	tm.event = 0
	tm.signaled = true
	k.signal(tm)
	if tm.reset == ipc.Pulse {
		tm.signaled = false
	}
	if tm.interval > 0 {
		tm.event = k.sched.Schedule(nsToCycles(tm.interval), scheduler.TimerFire, uint64(tm.id))
	}
}

// ArbitrationType selects what ArbitrateAddress does.
type ArbitrationType uint32

const (
	ArbitrationSignal ArbitrationType = iota
	ArbitrationWaitIfLessThan
	ArbitrationDecrementAndWaitIfLessThan
	ArbitrationWaitIfLessThanTimeout
	ArbitrationDecrementAndWaitIfLessThanTimeout
)

// AddressArbiter lets threads wait on the value of a word in memory.
type AddressArbiter struct {
	header

	process *Process
	waiters []*Thread
}

func (a *AddressArbiter) remove(t *Thread) {
	for i, w := range a.waiters {
		if w == t {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

func (k *Kernel) createArbiter(p *Process) (*AddressArbiter, error) {
	if err := k.charge(p, KindAddressArbiter); err != nil {
		return nil, err
	}
	a := &AddressArbiter{process: p}
	k.register(a, KindAddressArbiter, "arbiter")
	return a, nil
}

func (k *Kernel) arbitrate(t *Thread, a *AddressArbiter, addr uint32, typ ArbitrationType, value int32, timeoutNs int64) error {
	switch typ {
	case ArbitrationSignal:
		woken := 0
		for _, w := range append([]*Thread(nil), a.waiters...) {
			if value >= 0 && woken >= int(value) {
				break
			}
			if w.arbiterAddr != addr {
				continue
			}
			k.wake(w, result.Success, 0)
			woken++
		}
		return nil

	case ArbitrationWaitIfLessThan, ArbitrationDecrementAndWaitIfLessThan,
		ArbitrationWaitIfLessThanTimeout, ArbitrationDecrementAndWaitIfLessThanTimeout:
		word, err := t.owner.space.Read32(addr)
		if err != nil {
			return resourceErr("arbitrate address", result.InvalidAddress)
		}
		if int32(word) >= value {
			return nil
		}
		if typ == ArbitrationDecrementAndWaitIfLessThan || typ == ArbitrationDecrementAndWaitIfLessThanTimeout {
			if err := t.owner.space.Write32(addr, word-1); err != nil {
				return resourceErr("arbitrate address", result.InvalidAddress)
			}
		}
		if typ == ArbitrationWaitIfLessThan || typ == ArbitrationDecrementAndWaitIfLessThan {
			timeoutNs = -1
		}
		if timeoutNs == 0 {
			return result.Timeout
		}
		k.block(t, WaitArbiter, nil, timeoutNs)
		t.arbiter = a
		t.arbiterAddr = addr
		a.waiters = append(a.waiters, t)
		return nil

	default:
		slog.Warn("Unknown arbitration type", "type", uint32(typ))
		return resourceErr("arbitrate address", result.InvalidEnumValue)
	}
}

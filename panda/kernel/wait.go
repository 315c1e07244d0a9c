package kernel

import (
	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

// nsToCycles converts a guest timeout in nanoseconds to CPU cycles.
func nsToCycles(ns int64) uint64 {
	if ns <= 0 {
		return 0
	}
	hi := uint64(ns) / 1_000_000_000
	lo := uint64(ns) % 1_000_000_000
	return hi*config.ClockRate + lo*config.ClockRate/1_000_000_000
}

func timeoutResult(reason WaitReason) result.Code {
	if reason == WaitSleep {
		return result.Success
	}
	return result.Timeout
}

// block puts the current thread to sleep. A positive timeout schedules the
// wake-up event racing the signal path; whichever comes first cancels the
// other.
func (k *Kernel) block(t *Thread, reason WaitReason, objs []waitable, timeoutNs int64) {
	t.status = StatusWaiting
	t.waitReason = reason
	t.waitObjects = objs
	for _, o := range objs {
		o.queue().add(t)
	}
	if timeoutNs > 0 {
		t.timeout = k.sched.ScheduleAt(k.Now()+nsToCycles(timeoutNs), scheduler.ThreadWakeup, uint64(t.id))
	}
}

// cancelWait detaches a waiting thread from everything it waits on.
func (k *Kernel) cancelWait(t *Thread) {
	for _, o := range t.waitObjects {
		o.queue().remove(t)
	}
	t.waitObjects = nil
	if t.timeout != 0 {
		k.sched.Cancel(t.timeout)
		t.timeout = 0
	}
	if t.arbiter != nil {
		t.arbiter.remove(t)
		t.arbiter = nil
	}
	if t.ipc != nil {
		t.ipc.removePending(t)
		if t.ipc.active == t {
			t.ipc.active = nil
		}
		t.ipc = nil
	}
	t.waitReason = WaitNone
}

// wake ends the wait of t. code lands in r0 and, for object waits, index in r1.
func (k *Kernel) wake(t *Thread, code result.Code, index int) {
	reason := t.waitReason
	k.cancelWait(t)
	t.ctx.R[0] = uint32(code)
	if reason == WaitSync || reason == WaitReceive {
		t.ctx.R[1] = uint32(index)
	}
	k.makeReady(t)
}

// signal wakes the waiters of o that can make progress now, oldest first.
// Exclusive objects stop being ready once a waiter acquired them, so exactly
// one waiter gets a mutex while every waiter sees a sticky event.
func (k *Kernel) signal(o waitable) {
	for _, t := range o.queue().snapshot() {
		if t.status != StatusWaiting {
			continue
		}
		if t.waitReason == WaitSyncAll {
			if !allReady(t, t.waitObjects) {
				continue
			}
			for _, w := range t.waitObjects {
				w.acquire(t)
			}
			k.wake(t, result.Success, 0)
			continue
		}
		if !o.ready(t) {
			continue
		}
		code := o.acquire(t)
		k.wake(t, code, indexOf(t.waitObjects, o))
	}
}

func allReady(t *Thread, objs []waitable) bool {
	for _, w := range objs {
		if !w.ready(t) {
			return false
		}
	}
	return true
}

func indexOf(objs []waitable, o waitable) int {
	for i, w := range objs {
		if w == o {
			return i
		}
	}
	return 0
}

// waitSync implements WaitSynchronization for the current thread. A zero
// timeout polls, a negative one waits forever. Waiting for all of no objects
// succeeds at once, waiting for any of them is out of range.
func (k *Kernel) waitSync(t *Thread, objs []waitable, all bool, reason WaitReason, timeoutNs int64) error {
	if len(objs) == 0 {
		if all {
			return nil
		}
		return resourceErr("wait synchronization", result.OutOfRange)
	}

	for _, o := range objs {
		if m, ok := o.(*Mutex); ok && m.owner == t && !m.recursive {
			return resourceErr("wait on owned mutex", result.WrongLockingThread)
		}
	}

	if all {
		if allReady(t, objs) {
			for _, o := range objs {
				o.acquire(t)
			}
			return nil
		}
		reason = WaitSyncAll
	} else {
		for i, o := range objs {
			if o.ready(t) {
				k.cpu.R[1] = uint32(i)
				if code := o.acquire(t); code != result.Success {
					return code
				}
				return nil
			}
		}
	}

	if timeoutNs == 0 {
		return result.Timeout
	}
	k.block(t, reason, objs, timeoutNs)
	return nil
}

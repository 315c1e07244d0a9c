package kernel

import (
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/cpu"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

// Status is the scheduling state of a thread.
type Status uint8

const (
	StatusReady Status = iota
	StatusRunning
	StatusWaiting
	StatusDormant
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusWaiting:
		return "waiting"
	case StatusDormant:
		return "dormant"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// WaitReason tells what a waiting thread is blocked on.
type WaitReason uint8

const (
	WaitNone WaitReason = iota
	WaitSync
	WaitSyncAll
	WaitSleep
	WaitArbiter
	WaitIPC
	WaitReceive
	WaitReply
)

func (r WaitReason) String() string {
	switch r {
	case WaitNone:
		return "none"
	case WaitSync:
		return "sync"
	case WaitSyncAll:
		return "sync-all"
	case WaitSleep:
		return "sleep"
	case WaitArbiter:
		return "arbiter"
	case WaitIPC:
		return "ipc"
	case WaitReceive:
		return "receive"
	case WaitReply:
		return "reply"
	default:
		return fmt.Sprintf("WaitReason(%d)", uint8(r))
	}
}

const (
	// Priorities go from 0, the highest, to 63.
	PriorityHighest = 0
	PriorityLowest  = 63
	// MainThreadPriority is the priority of the first thread of an application.
	MainThreadPriority = 0x30

	// offsets inside the thread local storage
	tlsHandlerOffset = 0x40
	tlsCommandBuffer = 0x80
	tlsStaticBuffers = 0x180
)

// Thread is a guest thread. While it is not running its registers live in
// ctx; while running they live in the CPU.
type Thread struct {
	header

	tid       uint32
	owner     *Process
	priority  int32
	processor int32
	status    Status
	ctx       cpu.State
	tls       uint32
	readySeq  uint64

	waitReason  WaitReason
	waitObjects []waitable
	timeout     scheduler.Handle
	arbiter     *AddressArbiter
	arbiterAddr uint32
	ipc         *session
	reply       *pendingReply

	held    []*Mutex
	waiters waitQueue
}

// pendingReply is an HLE reply waiting for its delivery event.
type pendingReply struct {
	command uint16
	resp    *ipc.Response
}

// TID returns the thread id.
func (t *Thread) TID() uint32 { return t.tid }

// Status returns the scheduling state.
func (t *Thread) Status() Status { return t.status }

// WaitReason returns what a waiting thread is blocked on.
func (t *Thread) WaitReason() WaitReason { return t.waitReason }

// Priority returns the thread priority.
func (t *Thread) Priority() int32 { return t.priority }

// TLS returns the address of the thread local storage.
func (t *Thread) TLS() uint32 { return t.tls }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.owner }

// Context returns the saved registers. For the running thread use the CPU.
func (t *Thread) Context() cpu.State { return t.ctx }

func (t *Thread) queue() *waitQueue { return &t.waiters }

func (t *Thread) ready(*Thread) bool { return t.status == StatusTerminated }

func (t *Thread) acquire(*Thread) result.Code { return result.Success }

// createThread creates a ready thread in p. The returned thread carries the
// creation reference.
func (k *Kernel) createThread(p *Process, name string, entry, arg, stackTop uint32, priority, processor int32) (*Thread, error) {
	if priority < PriorityHighest || priority > PriorityLowest {
		return nil, resourceErr("create thread", result.OutOfRange)
	}
	if err := k.charge(p, KindThread); err != nil {
		return nil, err
	}
	tls, ok := p.allocTLS()
	if !ok {
		p.counts[KindThread]--
		return nil, resourceErr("create thread", result.OutOfMemory)
	}

	t := &Thread{
		owner:     p,
		priority:  priority,
		processor: processor,
		tls:       tls,
		ctx:       cpu.NewState(),
	}
	k.register(t, KindThread, name)
	k.retain(p)
	k.nextTID++
	t.tid = k.nextTID

	// a live thread holds a reference on itself until it terminates
	k.retain(t)
	p.threads = append(p.threads, t)

	t.ctx.R[0] = arg
	t.ctx.R[cpu.SP] = stackTop
	t.ctx.R[cpu.PC] = entry &^ 1
	t.ctx.T = entry&1 != 0
	t.ctx.TPIDRURO = tls

	if err := p.space.WriteBytes(tls, make([]byte, 0x200)); err != nil {
		return nil, fmt.Errorf("%w: clearing tls of thread %d: %w", ErrFatal, t.tid, err)
	}

	slog.Debug("Thread created", "tid", t.tid, "name", name, "entry", fmt.Sprintf("0x%08X", entry),
		"priority", priority, "tls", fmt.Sprintf("0x%08X", tls))

	k.makeReady(t)
	return t, nil
}

// makeReady queues a thread for execution. During a syscall the queueing is
// deferred until the syscall has returned.
func (k *Kernel) makeReady(t *Thread) {
	t.status = StatusReady
	if k.inSyscall {
		k.deferred = append(k.deferred, t)
		return
	}
	k.enqueue(t)
}

func (k *Kernel) enqueue(t *Thread) {
	k.readySeq++
	t.readySeq = k.readySeq
	i := len(k.ready)
	for j, r := range k.ready {
		if t.priority < r.priority {
			i = j
			break
		}
	}
	k.ready = append(k.ready, nil)
	copy(k.ready[i+1:], k.ready[i:])
	k.ready[i] = t
}

func (k *Kernel) dequeue(t *Thread) {
	for i, r := range k.ready {
		if r == t {
			k.ready = append(k.ready[:i], k.ready[i+1:]...)
			return
		}
	}
}

func (k *Kernel) queued(t *Thread) bool {
	for _, r := range k.ready {
		if r == t {
			return true
		}
	}
	return false
}

// bestReady returns the highest priority ready thread, oldest first.
func (k *Kernel) bestReady() *Thread {
	if len(k.ready) == 0 {
		return nil
	}
	return k.ready[0]
}

// reschedule saves the current thread if it stopped running and switches to
// the best ready thread. With nothing to run the CPU halts.
func (k *Kernel) reschedule() {
	cur := k.current
	if cur != nil && cur.status == StatusRunning {
		return
	}
	if cur != nil {
		cur.ctx = k.cpu.Snapshot()
		k.current = nil
	}

	next := k.bestReady()
	if next == nil {
		k.cpu.Halt()
		k.sched.Cancel(k.slice)
		return
	}
	k.dispatch(next)
}

// preempt moves the running thread behind the ready threads of equal or
// higher priority.
func (k *Kernel) preempt() {
	cur := k.current
	if cur == nil || cur.status != StatusRunning {
		return
	}
	next := k.bestReady()
	if next == nil || next.priority > cur.priority {
		k.startSlice(cur)
		return
	}
	cur.status = StatusReady
	k.enqueue(cur)
	k.reschedule()
}

// dispatch loads t into the CPU. The switch is an explicit copy of the
// register file, never an alias.
func (k *Kernel) dispatch(t *Thread) {
	k.dequeue(t)
	t.status = StatusRunning
	k.current = t

	state := t.ctx
	state.ExclusiveValid = false
	state.TPIDRURO = t.tls
	k.cpu.SetSnapshot(state)
	k.cpu.SetMemory(t.owner.space)
	k.cpu.Resume()
	k.startSlice(t)

	slog.Debug("Thread dispatched", "tid", t.tid, "pc", fmt.Sprintf("0x%08X", state.R[cpu.PC]))
}

func (k *Kernel) startSlice(t *Thread) {
	k.sched.Cancel(k.slice)
	k.slice = k.sched.ScheduleAt(k.Now()+k.cfg.TimeSliceCycles, scheduler.TimeSlice, uint64(t.id))
}

// terminate stops a thread for good: owned mutexes are abandoned, waiters on
// the thread are signaled and its TLS slot is released.
func (k *Kernel) terminate(t *Thread, reason string) {
	if t.status == StatusTerminated {
		return
	}
	switch t.status {
	case StatusReady:
		k.dequeue(t)
		k.undefer(t)
	case StatusWaiting:
		k.cancelWait(t)
	}
	if t == k.current {
		t.ctx = k.cpu.Snapshot()
	}
	t.status = StatusTerminated
	if t.reply != nil {
		k.dropReply(t)
	}

	for _, m := range append([]*Mutex(nil), t.held...) {
		m.owner = nil
		m.lockCount = 0
		k.signal(m)
	}
	t.held = nil
	t.owner.freeTLS(t.tls)

	slog.Debug("Thread terminated", "tid", t.tid, "reason", reason)
	k.signal(t)

	p := t.owner
	if !p.exited && p.liveThreads() == 0 {
		p.exited = true
		slog.Info("Process exited", "pid", p.pid, "reason", reason)
		k.signal(p)
	}
	k.release(t)
}

func (k *Kernel) undefer(t *Thread) {
	for i, d := range k.deferred {
		if d == t {
			k.deferred = append(k.deferred[:i], k.deferred[i+1:]...)
			return
		}
	}
}

// setPriority changes the priority of a thread, keeping the ready order valid.
func (k *Kernel) setPriority(t *Thread, priority int32) {
	t.priority = priority
	if t.status == StatusReady && k.queued(t) {
		k.dequeue(t)
		k.enqueue(t)
	}
}

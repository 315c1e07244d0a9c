// Package kernel emulates the Horizon kernel at a high level: kernel objects
// and handles, cooperative thread scheduling, synchronization primitives,
// memory management and IPC. It implements the environment the CPU raises
// syscalls and exceptions into.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/cpu"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

// Services dispatches requests sent to HLE services.
type Services interface {
	// Has reports whether an HLE service is registered under name.
	Has(name string) bool
	// HandleRequest runs a request. It never fails: errors are replies.
	HandleRequest(host ipc.Host, name string, req *ipc.Request) *ipc.Response
}

// Kernel owns every kernel object and decides which guest thread runs.
type Kernel struct {
	cfg      config.KernelConfig
	system   config.SystemConfig
	sched    *scheduler.Scheduler
	cpu      *cpu.CPU
	blocks   *memory.Blocks
	services Services

	objects map[ObjectID]Object
	nextID  ObjectID
	nextPID uint32
	nextTID uint32

	app        *Process
	processes  []*Process
	current    *Thread
	ready      []*Thread
	readySeq   uint64
	slice      scheduler.Handle
	namedPorts map[string]*ClientPort
	registered map[string]*ClientPort

	sessions    map[uint32]*session
	nextSession uint32

	running   bool
	inSyscall bool
	deferred  []*Thread

	configPage *memory.Block
	sharedPage *memory.Block

	debug    *DebugSink
	fatalErr error
}

// New creates a kernel driving its own CPU. Time is taken from sched, whose
// ThreadWakeup, TimeSlice, IPCReply and TimerFire events the kernel handles.
func New(cfg config.EmulatorConfig, sched *scheduler.Scheduler, services Services) *Kernel {
	sink := NewDebugSink(WithLogger(slog.Default().With("source", "guest")), WithHistory(cfg.Log.DebugHistory))
	k := &Kernel{
		cfg:      cfg.Kernel,
		system:   cfg.System,
		sched:    sched,
		services: services,
		debug:    sink,
	}
	k.cpu = cpu.New(memory.NewAddressSpace(), k)
	k.init()

	sched.Handle(scheduler.ThreadWakeup, k.onWakeup)
	sched.Handle(scheduler.TimeSlice, k.onTimeSlice)
	sched.Handle(scheduler.IPCReply, k.onIPCReply)
	sched.Handle(scheduler.TimerFire, k.onTimer)
	return k
}

func (k *Kernel) init() {
	k.blocks = memory.NewBlocks()
	k.objects = make(map[ObjectID]Object)
	k.nextID = 0
	k.nextPID = 0
	k.nextTID = 0
	k.app = nil
	k.processes = nil
	k.current = nil
	k.ready = nil
	k.readySeq = 0
	k.slice = 0
	k.namedPorts = make(map[string]*ClientPort)
	k.registered = make(map[string]*ClientPort)
	k.sessions = make(map[uint32]*session)
	k.nextSession = 0
	k.inSyscall = false
	k.deferred = nil
	k.fatalErr = nil
	k.configPage = k.blocks.Alloc(memory.PageSize)
	k.sharedPage = k.blocks.Alloc(memory.PageSize)
	k.cpu.Reset()
	k.cpu.Halt()
	k.debug.Reset()
}

// Reset destroys every object and process. Scheduler events are left to the
// owner of the scheduler to reset.
func (k *Kernel) Reset() {
	k.init()
}

// SetConfig applies new settings. They take effect on the next object or
// time slice that uses them.
func (k *Kernel) SetConfig(cfg config.EmulatorConfig) {
	k.cfg = cfg.Kernel
	k.system = cfg.System
	k.debug.Configure(WithHistory(cfg.Log.DebugHistory))
	k.updateSharedPage()
}

// CPU returns the CPU the kernel schedules threads on.
func (k *Kernel) CPU() *cpu.CPU { return k.cpu }

// Blocks returns the table of memory blocks backing guest RAM.
func (k *Kernel) Blocks() *memory.Blocks { return k.blocks }

// DebugOutput returns the sink receiving svcOutputDebugString text.
func (k *Kernel) DebugOutput() *DebugSink { return k.debug }

// Now returns the current virtual time, including the cycles the running
// slice has consumed so far.
func (k *Kernel) Now() uint64 {
	if k.running {
		return k.sched.Now() + k.cpu.Elapsed()
	}
	return k.sched.Now()
}

// Process returns the application process, nil before Boot.
func (k *Kernel) Process() *Process { return k.app }

// Current returns the running thread, nil when idle.
func (k *Kernel) Current() *Thread { return k.current }

// ReadyCount returns the number of threads waiting for the CPU.
func (k *Kernel) ReadyCount() int { return len(k.ready) }

// Idle reports whether no thread can run until an event fires.
func (k *Kernel) Idle() bool { return k.current == nil }

// Exited reports whether the application process has terminated.
func (k *Kernel) Exited() bool { return k.app != nil && k.app.exited }

// Err returns the fatal error that stopped the kernel, if any.
func (k *Kernel) Err() error { return k.fatalErr }

// RunSlice runs the current thread for at most budget cycles and returns the
// cycles consumed. Threads may switch inside the slice at syscalls.
func (k *Kernel) RunSlice(budget uint64) (uint64, error) {
	if k.fatalErr != nil {
		return 0, k.fatalErr
	}
	k.running = true
	n, err := k.cpu.RunSlice(budget)
	k.running = false
	if err != nil {
		return n, err
	}
	return n, k.fatalErr
}

// Step runs a single instruction of the current thread.
func (k *Kernel) Step() (uint64, error) {
	if k.fatalErr != nil {
		return 0, k.fatalErr
	}
	k.running = true
	n, err := k.cpu.Step()
	k.running = false
	if err != nil {
		return n, err
	}
	return n, k.fatalErr
}

// Syscall implements cpu.Env. Every syscall is atomic: threads it wakes are
// queued only once its results are in the registers.
func (k *Kernel) Syscall(c *cpu.CPU, number uint32) error {
	t := k.current
	if t == nil {
		return fmt.Errorf("%w: svc 0x%02X with no current thread", ErrFatal, number)
	}
	nextBefore, hadNext := k.sched.NextEventTime()

	k.inSyscall = true
	raw, err := k.dispatchSVC(t, number)
	k.inSyscall = false

	if errors.Is(err, ErrFatal) {
		k.fatal(err)
		return k.fatalErr
	}
	if !raw && t == k.current && t.status != StatusWaiting && t.status != StatusTerminated {
		c.R[0] = uint32(codeOf(err))
	}

	k.finishSyscall()

	if next, ok := k.sched.NextEventTime(); ok && (!hadNext || next < nextBefore || next <= k.Now()) {
		c.EndSlice()
	}
	return k.fatalErr
}

// finishSyscall applies the wake-ups a syscall caused and switches threads
// if the caller stopped running.
func (k *Kernel) finishSyscall() {
	deferred := k.deferred
	k.deferred = nil
	for _, t := range deferred {
		if t.status == StatusReady {
			k.enqueue(t)
		}
	}
	k.reschedule()
}

// Wake picks a thread to run when the CPU is idle. The orchestrator calls it
// after firing events.
func (k *Kernel) Wake() {
	if k.current == nil {
		k.reschedule()
	}
}

func (k *Kernel) onWakeup(payload uint64, _ uint64) error {
	t, ok := k.thread(ObjectID(payload))
	if !ok || t.status != StatusWaiting {
		return nil
	}
	t.timeout = 0
	code := timeoutResult(t.waitReason)
	k.wake(t, code, 0)
	k.Wake()
	return k.fatalErr
}

func (k *Kernel) onTimeSlice(payload uint64, _ uint64) error {
	k.slice = 0
	if k.current == nil || uint64(k.current.id) != payload {
		return nil
	}
	k.preempt()
	return k.fatalErr
}

func (k *Kernel) onIPCReply(payload uint64, _ uint64) error {
	t, ok := k.thread(ObjectID(payload))
	if !ok || t.status != StatusWaiting || t.waitReason != WaitReply || t.reply == nil {
		return nil
	}
	k.deliverReply(t)
	k.Wake()
	return k.fatalErr
}

func (k *Kernel) onTimer(payload uint64, _ uint64) error {
	o, ok := k.objects[ObjectID(payload)]
	if !ok {
		return nil
	}
	if tm, ok := o.(*Timer); ok {
		k.fireTimer(tm)
	}
	k.Wake()
	return k.fatalErr
}

func (k *Kernel) thread(id ObjectID) (*Thread, bool) {
	o, ok := k.objects[id]
	if !ok {
		return nil, false
	}
	t, ok := o.(*Thread)
	return t, ok
}

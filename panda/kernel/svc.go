package kernel

import (
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/cpu"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// maxWaitObjects bounds WaitSynchronizationN and ReplyAndReceive.
const maxWaitObjects = 256

// svc describes a supervisor call. Handlers read their arguments from the
// CPU registers and store outputs from r1 up; the result code goes to r0
// unless raw is set, in which case the handler owns r0 too.
type svc struct {
	name string
	fn   func(k *Kernel, t *Thread, r *[16]uint32) error
	raw  bool
}

var svcTable = map[uint32]svc{
	0x01: {name: "ControlMemory", fn: svcControlMemory},
	0x02: {name: "QueryMemory", fn: svcQueryMemory},
	0x03: {name: "ExitProcess", fn: svcExitProcess},
	0x08: {name: "CreateThread", fn: svcCreateThread},
	0x09: {name: "ExitThread", fn: svcExitThread},
	0x0A: {name: "SleepThread", fn: svcSleepThread},
	0x0B: {name: "GetThreadPriority", fn: svcGetThreadPriority},
	0x0C: {name: "SetThreadPriority", fn: svcSetThreadPriority},
	0x13: {name: "CreateMutex", fn: svcCreateMutex},
	0x14: {name: "ReleaseMutex", fn: svcReleaseMutex},
	0x15: {name: "CreateSemaphore", fn: svcCreateSemaphore},
	0x16: {name: "ReleaseSemaphore", fn: svcReleaseSemaphore},
	0x17: {name: "CreateEvent", fn: svcCreateEvent},
	0x18: {name: "SignalEvent", fn: svcSignalEvent},
	0x19: {name: "ClearEvent", fn: svcClearEvent},
	0x1A: {name: "CreateTimer", fn: svcCreateTimer},
	0x1B: {name: "SetTimer", fn: svcSetTimer},
	0x1C: {name: "CancelTimer", fn: svcCancelTimer},
	0x1D: {name: "ClearTimer", fn: svcClearTimer},
	0x1E: {name: "CreateMemoryBlock", fn: svcCreateMemoryBlock},
	0x1F: {name: "MapMemoryBlock", fn: svcMapMemoryBlock},
	0x20: {name: "UnmapMemoryBlock", fn: svcUnmapMemoryBlock},
	0x21: {name: "CreateAddressArbiter", fn: svcCreateAddressArbiter},
	0x22: {name: "ArbitrateAddress", fn: svcArbitrateAddress},
	0x23: {name: "CloseHandle", fn: svcCloseHandle},
	0x24: {name: "WaitSynchronization1", fn: svcWaitSynchronization1},
	0x25: {name: "WaitSynchronizationN", fn: svcWaitSynchronizationN},
	0x27: {name: "DuplicateHandle", fn: svcDuplicateHandle},
	0x28: {name: "GetSystemTick", fn: svcGetSystemTick, raw: true},
	0x2A: {name: "GetSystemInfo", fn: svcGetSystemInfo},
	0x2B: {name: "GetProcessInfo", fn: svcGetProcessInfo},
	0x2D: {name: "ConnectToPort", fn: svcConnectToPort},
	0x32: {name: "SendSyncRequest", fn: svcSendSyncRequest},
	0x35: {name: "GetProcessId", fn: svcGetProcessID},
	0x36: {name: "GetProcessIdOfThread", fn: svcGetProcessIDOfThread},
	0x37: {name: "GetThreadId", fn: svcGetThreadID},
	0x38: {name: "GetResourceLimit", fn: svcGetResourceLimit},
	0x39: {name: "GetResourceLimitLimitValues", fn: svcGetResourceLimitLimitValues},
	0x3A: {name: "GetResourceLimitCurrentValues", fn: svcGetResourceLimitCurrentValues},
	0x3C: {name: "Break", fn: svcBreak},
	0x3D: {name: "OutputDebugString", fn: svcOutputDebugString},
	0x47: {name: "CreatePort", fn: svcCreatePort},
	0x48: {name: "CreateSessionToPort", fn: svcCreateSessionToPort},
	0x49: {name: "CreateSession", fn: svcCreateSession},
	0x4A: {name: "AcceptSession", fn: svcAcceptSession},
	0x4F: {name: "ReplyAndReceive", fn: svcReplyAndReceive},
}

// SVCName returns the name of a supervisor call, for tracing.
func SVCName(number uint32) string {
	if s, ok := svcTable[number]; ok {
		return s.name
	}
	return fmt.Sprintf("svc 0x%02X", number)
}

func (k *Kernel) dispatchSVC(t *Thread, number uint32) (bool, error) {
	s, ok := svcTable[number]
	if !ok {
		slog.Warn("Unimplemented SVC", "svc", fmt.Sprintf("0x%02X", number), "tid", t.tid,
			"pc", fmt.Sprintf("0x%08X", k.cpu.R[cpu.PC]))
		return false, resourceErr("svc", result.NotImplementedKernel)
	}
	err := s.fn(k, t, &k.cpu.R)
	if err != nil {
		slog.Debug("SVC failed", "svc", s.name, "tid", t.tid, "error", err)
	}
	return s.raw, err
}

// publish gives t a handle to a freshly created object. The handle takes
// over the creation reference.
func (k *Kernel) publish(t *Thread, o Object) (Handle, error) {
	h, err := k.addHandle(t.owner, o)
	k.release(o)
	return h, err
}

func waitableOf(o Object) (waitable, bool) {
	w, ok := o.(waitable)
	return w, ok
}

func svcControlMemory(k *Kernel, t *Thread, r *[16]uint32) error {
	addr, err := k.controlMemory(t.owner, r[0], r[1], r[2], r[3], r[4])
	if err != nil {
		return err
	}
	r[1] = addr
	return nil
}

func svcQueryMemory(k *Kernel, t *Thread, r *[16]uint32) error {
	info := k.queryMemory(t.owner, r[2])
	r[1] = info.Base
	r[2] = info.Size
	r[3] = uint32(info.Perm)
	r[4] = uint32(info.State)
	r[5] = 0
	return nil
}

// terminateProcess ends every thread of p, the caller last.
func (k *Kernel) terminateProcess(p *Process, caller *Thread, reason string) {
	for _, th := range p.Threads() {
		if th != caller {
			k.terminate(th, reason)
		}
	}
	if caller != nil {
		k.terminate(caller, reason)
	}
}

func svcExitProcess(k *Kernel, t *Thread, _ *[16]uint32) error {
	k.terminateProcess(t.owner, t, "ExitProcess")
	return nil
}

func svcCreateThread(k *Kernel, t *Thread, r *[16]uint32) error {
	priority := int32(r[0])
	processor := int32(r[4])
	if priority < PriorityHighest || priority > PriorityLowest {
		return resourceErr("create thread", result.OutOfRange)
	}
	if lim := t.owner.limit; lim != nil && int64(priority) < lim.max[LimitPriority] {
		return resourceErr("create thread", result.NotAuthorized)
	}
	if processor < -3 || processor > 3 {
		return resourceErr("create thread", result.OutOfRange)
	}
	th, err := k.createThread(t.owner, "thread", r[1], r[2], r[3]&^7, priority, processor)
	if err != nil {
		return err
	}
	h, err := k.publish(t, th)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcExitThread(k *Kernel, t *Thread, _ *[16]uint32) error {
	k.terminate(t, "ExitThread")
	return nil
}

func svcSleepThread(k *Kernel, t *Thread, r *[16]uint32) error {
	ns := int64(uint64(r[1])<<32 | uint64(r[0]))
	if ns > 0 {
		k.block(t, WaitSleep, nil, ns)
		return nil
	}
	// yield to threads of the same or higher priority
	if next := k.bestReady(); next != nil && next.priority <= t.priority {
		k.makeReady(t)
	}
	return nil
}

func svcGetThreadPriority(k *Kernel, _ *Thread, r *[16]uint32) error {
	th, err := resolveAs[*Thread](k, Handle(r[1]))
	if err != nil {
		return err
	}
	r[1] = uint32(th.priority)
	return nil
}

func svcSetThreadPriority(k *Kernel, _ *Thread, r *[16]uint32) error {
	th, err := resolveAs[*Thread](k, Handle(r[0]))
	if err != nil {
		return err
	}
	priority := int32(r[1])
	if priority < PriorityHighest || priority > PriorityLowest {
		return resourceErr("set thread priority", result.OutOfRange)
	}
	k.setPriority(th, priority)
	return nil
}

func svcCreateMutex(k *Kernel, t *Thread, r *[16]uint32) error {
	m, err := k.createMutex(t, r[1] != 0)
	if err != nil {
		return err
	}
	h, err := k.publish(t, m)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcReleaseMutex(k *Kernel, t *Thread, r *[16]uint32) error {
	m, err := resolveAs[*Mutex](k, Handle(r[0]))
	if err != nil {
		return err
	}
	return k.releaseMutex(m, t)
}

func svcCreateSemaphore(k *Kernel, t *Thread, r *[16]uint32) error {
	s, err := k.createSemaphore(t.owner, int32(r[1]), int32(r[2]))
	if err != nil {
		return err
	}
	h, err := k.publish(t, s)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcReleaseSemaphore(k *Kernel, _ *Thread, r *[16]uint32) error {
	s, err := resolveAs[*Semaphore](k, Handle(r[1]))
	if err != nil {
		return err
	}
	prev, err := k.releaseSemaphore(s, int32(r[2]))
	if err != nil {
		return err
	}
	r[1] = uint32(prev)
	return nil
}

func svcCreateEvent(k *Kernel, t *Thread, r *[16]uint32) error {
	e, err := k.createEvent(t.owner, ipc.ResetType(r[1]), "event")
	if err != nil {
		return err
	}
	h, err := k.publish(t, e)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcSignalEvent(k *Kernel, _ *Thread, r *[16]uint32) error {
	e, err := resolveAs[*Event](k, Handle(r[0]))
	if err != nil {
		return err
	}
	k.signalEvent(e)
	return nil
}

func svcClearEvent(k *Kernel, _ *Thread, r *[16]uint32) error {
	e, err := resolveAs[*Event](k, Handle(r[0]))
	if err != nil {
		return err
	}
	e.signaled = false
	return nil
}

func svcCreateTimer(k *Kernel, t *Thread, r *[16]uint32) error {
	tm, err := k.createTimer(t.owner, ipc.ResetType(r[1]))
	if err != nil {
		return err
	}
	h, err := k.publish(t, tm)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcSetTimer(k *Kernel, _ *Thread, r *[16]uint32) error {
	tm, err := resolveAs[*Timer](k, Handle(r[0]))
	if err != nil {
		return err
	}
	initial := int64(uint64(r[3])<<32 | uint64(r[2]))
	interval := int64(uint64(r[4])<<32 | uint64(r[1]))
	return k.setTimer(tm, initial, interval)
}

func svcCancelTimer(k *Kernel, _ *Thread, r *[16]uint32) error {
	tm, err := resolveAs[*Timer](k, Handle(r[0]))
	if err != nil {
		return err
	}
	k.cancelTimer(tm)
	return nil
}

func svcClearTimer(k *Kernel, _ *Thread, r *[16]uint32) error {
	tm, err := resolveAs[*Timer](k, Handle(r[0]))
	if err != nil {
		return err
	}
	tm.signaled = false
	return nil
}

func svcCreateMemoryBlock(k *Kernel, t *Thread, r *[16]uint32) error {
	s, err := k.createSharedMemory(t.owner, r[1], r[2], toPerm(r[3]), toPerm(r[0]), "memory block")
	if err != nil {
		return err
	}
	h, err := k.publish(t, s)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcMapMemoryBlock(k *Kernel, t *Thread, r *[16]uint32) error {
	s, err := resolveAs[*SharedMemory](k, Handle(r[0]))
	if err != nil {
		return err
	}
	_, err = k.mapSharedMemory(t.owner, s, r[1], r[2])
	return err
}

func svcUnmapMemoryBlock(k *Kernel, t *Thread, r *[16]uint32) error {
	s, err := resolveAs[*SharedMemory](k, Handle(r[0]))
	if err != nil {
		return err
	}
	return k.unmapSharedMemory(t.owner, s, r[1])
}

func svcCreateAddressArbiter(k *Kernel, t *Thread, r *[16]uint32) error {
	a, err := k.createArbiter(t.owner)
	if err != nil {
		return err
	}
	h, err := k.publish(t, a)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcArbitrateAddress(k *Kernel, t *Thread, r *[16]uint32) error {
	a, err := resolveAs[*AddressArbiter](k, Handle(r[0]))
	if err != nil {
		return err
	}
	ns := int64(uint64(r[5])<<32 | uint64(r[4]))
	return k.arbitrate(t, a, r[1], ArbitrationType(r[2]), int32(r[3]), ns)
}

func svcCloseHandle(k *Kernel, t *Thread, r *[16]uint32) error {
	return k.closeHandle(t.owner, Handle(r[0]))
}

func svcWaitSynchronization1(k *Kernel, t *Thread, r *[16]uint32) error {
	o, err := resolveAs[Object](k, Handle(r[0]))
	if err != nil {
		return err
	}
	w, ok := waitableOf(o)
	if !ok {
		return resourceErr("wait synchronization", result.InvalidHandle)
	}
	ns := int64(uint64(r[3])<<32 | uint64(r[2]))
	return k.waitSync(t, []waitable{w}, false, WaitSync, ns)
}

// readWaitables reads count handles at addr and resolves them.
func (k *Kernel) readWaitables(t *Thread, addr uint32, count int32) ([]waitable, error) {
	if count < 0 || count > maxWaitObjects {
		return nil, resourceErr("wait synchronization", result.OutOfRange)
	}
	objs := make([]waitable, 0, count)
	for i := int32(0); i < count; i++ {
		h, err := t.owner.space.Read32(addr + uint32(i)*4)
		if err != nil {
			return nil, err
		}
		o, ok := k.resolve(t.owner, t, Handle(h))
		if !ok {
			return nil, resourceErr("wait synchronization", result.InvalidHandle)
		}
		w, ok := waitableOf(o)
		if !ok {
			return nil, resourceErr("wait synchronization", result.InvalidHandle)
		}
		objs = append(objs, w)
	}
	return objs, nil
}

func svcWaitSynchronizationN(k *Kernel, t *Thread, r *[16]uint32) error {
	objs, err := k.readWaitables(t, r[1], int32(r[2]))
	if err != nil {
		return err
	}
	ns := int64(uint64(r[4])<<32 | uint64(r[0]))
	return k.waitSync(t, objs, r[3] != 0, WaitSync, ns)
}

func svcDuplicateHandle(k *Kernel, t *Thread, r *[16]uint32) error {
	o, err := resolveAs[Object](k, Handle(r[1]))
	if err != nil {
		return err
	}
	h, err := k.addHandle(t.owner, o)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcGetSystemTick(k *Kernel, _ *Thread, r *[16]uint32) error {
	now := k.Now()
	r[0] = uint32(now)
	r[1] = uint32(now >> 32)
	return nil
}

const (
	systemInfoMemory       = 0
	systemInfoKernelSpawns = 26

	processInfoPrivateMemory = 0
	processInfoUsedMemory    = 2
	processInfoLinearOffset  = 20
)

func svcGetSystemInfo(k *Kernel, t *Thread, r *[16]uint32) error {
	switch r[1] {
	case systemInfoMemory:
		r[1] = t.owner.memoryUsed
		r[2] = 0
	case systemInfoKernelSpawns:
		r[1] = 5
		r[2] = 0
	default:
		slog.Warn("Unknown GetSystemInfo type", "type", r[1], "param", r[2])
		return resourceErr("get system info", result.InvalidEnumValue)
	}
	return nil
}

func svcGetProcessInfo(k *Kernel, _ *Thread, r *[16]uint32) error {
	p, err := resolveAs[*Process](k, Handle(r[1]))
	if err != nil {
		return err
	}
	switch r[2] {
	case processInfoPrivateMemory, processInfoUsedMemory:
		r[1] = p.memoryUsed
		r[2] = 0
	case processInfoLinearOffset:
		r[1] = memory.FCRAMPhysicalBase - memory.LinearHeapBase
		r[2] = 0
	default:
		slog.Warn("Unknown GetProcessInfo type", "type", r[2])
		return resourceErr("get process info", result.InvalidEnumValue)
	}
	return nil
}

func (k *Kernel) readPortName(t *Thread, addr uint32) (string, error) {
	name, err := t.owner.space.ReadCString(addr, maxPortName+1)
	if err != nil {
		return "", err
	}
	if len(name) > maxPortName {
		return "", resourceErr("port name", result.PortNameTooLong)
	}
	return name, nil
}

func svcConnectToPort(k *Kernel, t *Thread, r *[16]uint32) error {
	name, err := k.readPortName(t, r[1])
	if err != nil {
		return err
	}
	cs, err := k.connectToPort(name)
	if err != nil {
		return err
	}
	h, err := k.publish(t, cs)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcSendSyncRequest(k *Kernel, t *Thread, r *[16]uint32) error {
	cs, err := resolveAs[*ClientSession](k, Handle(r[0]))
	if err != nil {
		return err
	}
	return k.sendSyncRequest(t, cs)
}

func svcGetProcessID(k *Kernel, _ *Thread, r *[16]uint32) error {
	p, err := resolveAs[*Process](k, Handle(r[1]))
	if err != nil {
		return err
	}
	r[1] = p.pid
	return nil
}

func svcGetProcessIDOfThread(k *Kernel, _ *Thread, r *[16]uint32) error {
	th, err := resolveAs[*Thread](k, Handle(r[1]))
	if err != nil {
		return err
	}
	r[1] = th.owner.pid
	return nil
}

func svcGetThreadID(k *Kernel, _ *Thread, r *[16]uint32) error {
	th, err := resolveAs[*Thread](k, Handle(r[1]))
	if err != nil {
		return err
	}
	r[1] = th.tid
	return nil
}

func svcGetResourceLimit(k *Kernel, t *Thread, r *[16]uint32) error {
	p, err := resolveAs[*Process](k, Handle(r[1]))
	if err != nil {
		return err
	}
	if p.limit == nil {
		return resourceErr("get resource limit", result.NotFound)
	}
	h, err := k.addHandle(t.owner, p.limit)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

// limitValues writes one 64 bit value per requested category.
func (k *Kernel) limitValues(t *Thread, r *[16]uint32, value func(LimitCategory) int64) error {
	space := t.owner.space
	for i := uint32(0); i < r[3]; i++ {
		name, err := space.Read32(r[2] + i*4)
		if err != nil {
			return err
		}
		v := int64(0)
		if LimitCategory(name) < numLimits {
			v = value(LimitCategory(name))
		}
		if err := space.Write64(r[0]+i*8, uint64(v)); err != nil {
			return err
		}
	}
	return nil
}

func svcGetResourceLimitLimitValues(k *Kernel, t *Thread, r *[16]uint32) error {
	lim, err := resolveAs[*ResourceLimit](k, Handle(r[1]))
	if err != nil {
		return err
	}
	return k.limitValues(t, r, lim.Max)
}

func svcGetResourceLimitCurrentValues(k *Kernel, t *Thread, r *[16]uint32) error {
	if _, err := resolveAs[*ResourceLimit](k, Handle(r[1])); err != nil {
		return err
	}
	return k.limitValues(t, r, func(c LimitCategory) int64 {
		return k.limitCurrent(t.owner, c)
	})
}

func svcBreak(k *Kernel, t *Thread, r *[16]uint32) error {
	slog.Error("Guest called Break", "reason", r[0], "tid", t.tid,
		"pc", fmt.Sprintf("0x%08X", r[cpu.PC]), "lr", fmt.Sprintf("0x%08X", r[cpu.LR]))
	k.terminateProcess(t.owner, t, "Break")
	return nil
}

func svcOutputDebugString(k *Kernel, t *Thread, r *[16]uint32) error {
	buf := make([]byte, min(r[1], 0x1000))
	if err := t.owner.space.ReadBytes(r[0], buf); err != nil {
		return err
	}
	_, err := k.debug.Write(append(buf, '\n'))
	return err
}

func svcCreatePort(k *Kernel, t *Thread, r *[16]uint32) error {
	name := ""
	if r[2] != 0 {
		var err error
		if name, err = k.readPortName(t, r[2]); err != nil {
			return err
		}
		if _, ok := k.namedPorts[name]; ok {
			return resourceErr("create port "+name, result.ServiceAlreadyExists)
		}
	}
	sp, cp := k.createPort(name, int(int32(r[3])))
	server, err := k.publish(t, sp)
	if err != nil {
		k.release(cp)
		return err
	}
	r[1] = uint32(server)
	if name != "" {
		// the port table keeps the creation reference of named ports
		cp.named = name
		k.namedPorts[name] = cp
		r[2] = 0
		return nil
	}
	client, err := k.publish(t, cp)
	if err != nil {
		return err
	}
	r[2] = uint32(client)
	return nil
}

func svcCreateSessionToPort(k *Kernel, t *Thread, r *[16]uint32) error {
	cp, err := resolveAs[*ClientPort](k, Handle(r[1]))
	if err != nil {
		return err
	}
	cs, err := k.connect(cp)
	if err != nil {
		return err
	}
	h, err := k.publish(t, cs)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcCreateSession(k *Kernel, t *Thread, r *[16]uint32) error {
	ss, cs := k.newSession("session", "", nil)
	server, err := k.publish(t, ss)
	if err != nil {
		k.release(cs)
		return err
	}
	client, err := k.publish(t, cs)
	if err != nil {
		return err
	}
	r[1] = uint32(server)
	r[2] = uint32(client)
	return nil
}

func svcAcceptSession(k *Kernel, t *Thread, r *[16]uint32) error {
	sp, err := resolveAs[*ServerPort](k, Handle(r[1]))
	if err != nil {
		return err
	}
	ss, err := k.acceptSession(sp)
	if err != nil {
		return err
	}
	h, err := k.publish(t, ss)
	if err != nil {
		return err
	}
	r[1] = uint32(h)
	return nil
}

func svcReplyAndReceive(k *Kernel, t *Thread, r *[16]uint32) error {
	objs, err := k.readWaitables(t, r[1], int32(r[2]))
	if err != nil {
		return err
	}
	var target *ServerSession
	if r[3] != 0 {
		if target, err = resolveAs[*ServerSession](k, Handle(r[3])); err != nil {
			return err
		}
	}
	return k.replyAndReceive(t, objs, target)
}

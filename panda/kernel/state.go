package kernel

import (
	"fmt"
	"sort"

	"github.com/jonian/libretro-panda3ds/panda/cpu"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

// HandleState is one entry of a saved handle table.
type HandleState struct {
	Handle Handle
	Object ObjectID
}

// ReplyState is a saved undelivered HLE reply.
type ReplyState struct {
	Command  uint16
	Response ipc.Response
}

// ObjectState is the serialized form of any kernel object. Only the fields
// of its kind are used; references to other objects are ids.
type ObjectState struct {
	ID      ObjectID
	Kind    Kind
	Refs    int
	Name    string
	Process ObjectID
	Waiters []ObjectID

	// process
	PID        uint32
	Space      memory.SpaceState
	Handles    []HandleState
	NextHandle Handle
	Threads    []ObjectID
	Limit      ObjectID
	Counts     map[Kind]int
	TLSSlots   []bool
	MemoryUsed uint32
	Exited     bool

	// thread
	TID         uint32
	Priority    int32
	Processor   int32
	Status      Status
	Context     cpu.State
	TLS         uint32
	ReadySeq    uint64
	WaitReason  WaitReason
	WaitObjects []ObjectID
	Timeout     scheduler.Handle
	Arbiter     ObjectID
	ArbiterAddr uint32
	Reply       *ReplyState
	Held        []ObjectID

	// mutex
	Owner     ObjectID
	LockCount int
	Recursive bool

	// semaphore
	Count int32
	Max   int32

	// event and timer
	Reset    ipc.ResetType
	Signaled bool
	Initial  int64
	Interval int64
	Event    scheduler.Handle

	// shared memory
	Block     memory.BlockID
	Offset    uint32
	Size      uint32
	OwnerPerm memory.Perm
	OtherPerm memory.Perm
	Owned     bool
	Mapped    int

	// ports and sessions
	Peer        ObjectID
	Pending     []ObjectID
	Sessions    int
	MaxSessions int
	Named       string
	Registered  string
	Session     uint32

	// resource limit
	Limits []int64
}

// SessionState is a saved session.
type SessionState struct {
	ID           uint32
	HLE          string
	Server       ObjectID
	Client       ObjectID
	Port         ObjectID
	Pending      []ObjectID
	Active       ObjectID
	ClientClosed bool
	ServerClosed bool
	Ended        bool
}

// State is a complete snapshot of the kernel, CPU registers of the running
// thread included. Scheduler handles stay valid across a scheduler restore.
type State struct {
	NextID      ObjectID
	NextPID     uint32
	NextTID     uint32
	NextSession uint32
	ReadySeq    uint64

	Blocks     memory.BlocksState
	ConfigPage memory.BlockID
	SharedPage memory.BlockID

	Objects    []ObjectState
	Sessions   []SessionState
	Processes  []ObjectID
	App        ObjectID
	Current    ObjectID
	Ready      []ObjectID
	Slice      scheduler.Handle
	NamedPorts map[string]ObjectID
	Registered map[string]ObjectID

	CPU       cpu.State
	CPUHalted bool
}

func threadIDs(ts []*Thread) []ObjectID {
	ids := make([]ObjectID, len(ts))
	for i, t := range ts {
		ids[i] = t.id
	}
	return ids
}

// Snapshot serializes every object, handle table and queue. deviceName
// names the MMIO devices mapped in process address spaces.
func (k *Kernel) Snapshot(deviceName func(memory.Device) string) State {
	st := State{
		NextID:      k.nextID,
		NextPID:     k.nextPID,
		NextTID:     k.nextTID,
		NextSession: k.nextSession,
		ReadySeq:    k.readySeq,
		Blocks:      k.blocks.Snapshot(),
		ConfigPage:  k.configPage.ID(),
		SharedPage:  k.sharedPage.ID(),
		Ready:       threadIDs(k.ready),
		Slice:       k.slice,
		NamedPorts:  make(map[string]ObjectID, len(k.namedPorts)),
		Registered:  make(map[string]ObjectID, len(k.registered)),
		CPU:         k.cpu.Snapshot(),
		CPUHalted:   k.cpu.Halted(),
	}
	if k.app != nil {
		st.App = k.app.id
	}
	if k.current != nil {
		st.Current = k.current.id
	}
	for _, p := range k.processes {
		st.Processes = append(st.Processes, p.id)
	}
	for name, cp := range k.namedPorts {
		st.NamedPorts[name] = cp.id
	}
	for name, cp := range k.registered {
		st.Registered[name] = cp.id
	}

	ids := make([]ObjectID, 0, len(k.objects))
	for id := range k.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		st.Objects = append(st.Objects, k.snapshotObject(k.objects[id], deviceName))
	}

	sids := make([]uint32, 0, len(k.sessions))
	for id := range k.sessions {
		sids = append(sids, id)
	}
	sort.Slice(sids, func(i, j int) bool { return sids[i] < sids[j] })
	for _, id := range sids {
		s := k.sessions[id]
		ss := SessionState{
			ID: s.id, HLE: s.hle, Pending: threadIDs(s.pending),
			ClientClosed: s.clientClosed, ServerClosed: s.serverClosed, Ended: s.ended,
		}
		if s.server != nil {
			ss.Server = s.server.id
		}
		if s.client != nil {
			ss.Client = s.client.id
		}
		if s.port != nil {
			ss.Port = s.port.id
		}
		if s.active != nil {
			ss.Active = s.active.id
		}
		st.Sessions = append(st.Sessions, ss)
	}
	return st
}

func (k *Kernel) snapshotObject(o Object, deviceName func(memory.Device) string) ObjectState {
	h := o.hdr()
	rec := ObjectState{ID: h.id, Kind: h.kind, Refs: h.refs, Name: h.name}
	if p := k.creator(o); p != nil {
		rec.Process = p.id
	}
	if w, ok := o.(waitable); ok {
		rec.Waiters = w.queue().ids()
	}

	switch obj := o.(type) {
	case *Process:
		rec.PID = obj.pid
		rec.Space = obj.space.Snapshot(deviceName)
		rec.NextHandle = obj.handles.next
		for hv, target := range obj.handles.entries {
			rec.Handles = append(rec.Handles, HandleState{Handle: hv, Object: target.hdr().id})
		}
		sort.Slice(rec.Handles, func(i, j int) bool { return rec.Handles[i].Handle < rec.Handles[j].Handle })
		rec.Threads = threadIDs(obj.threads)
		if obj.limit != nil {
			rec.Limit = obj.limit.id
		}
		rec.Counts = make(map[Kind]int, len(obj.counts))
		for kind, n := range obj.counts {
			rec.Counts[kind] = n
		}
		rec.TLSSlots = append([]bool(nil), obj.tlsSlots...)
		rec.MemoryUsed = obj.memoryUsed
		rec.Exited = obj.exited
	case *Thread:
		rec.TID = obj.tid
		rec.Priority = obj.priority
		rec.Processor = obj.processor
		rec.Status = obj.status
		rec.Context = obj.ctx
		rec.TLS = obj.tls
		rec.ReadySeq = obj.readySeq
		rec.WaitReason = obj.waitReason
		for _, w := range obj.waitObjects {
			rec.WaitObjects = append(rec.WaitObjects, w.hdr().id)
		}
		rec.Timeout = obj.timeout
		if obj.arbiter != nil {
			rec.Arbiter = obj.arbiter.id
		}
		rec.ArbiterAddr = obj.arbiterAddr
		if obj.ipc != nil {
			rec.Session = obj.ipc.id
		}
		if obj.reply != nil {
			rec.Reply = &ReplyState{Command: obj.reply.command, Response: *obj.reply.resp}
		}
		for _, m := range obj.held {
			rec.Held = append(rec.Held, m.id)
		}
	case *Mutex:
		if obj.owner != nil {
			rec.Owner = obj.owner.id
		}
		rec.LockCount = obj.lockCount
		rec.Recursive = obj.recursive
	case *Semaphore:
		rec.Count = obj.count
		rec.Max = obj.max
	case *Event:
		rec.Reset = obj.reset
		rec.Signaled = obj.signaled
	case *Timer:
		rec.Reset = obj.reset
		rec.Signaled = obj.signaled
		rec.Initial = obj.initial
		rec.Interval = obj.interval
		rec.Event = obj.event
	case *AddressArbiter:
		rec.Waiters = threadIDs(obj.waiters)
	case *SharedMemory:
		rec.Block = obj.block.ID()
		rec.Offset = obj.offset
		rec.Size = obj.size
		rec.OwnerPerm = obj.ownerPerm
		rec.OtherPerm = obj.otherPerm
		rec.Owned = obj.owned
		rec.Mapped = obj.mapped
	case *ServerPort:
		if obj.client != nil {
			rec.Peer = obj.client.id
		}
		for _, ss := range obj.pending {
			rec.Pending = append(rec.Pending, ss.id)
		}
	case *ClientPort:
		if obj.server != nil {
			rec.Peer = obj.server.id
		}
		rec.Sessions = obj.sessions
		rec.MaxSessions = obj.maxSessions
		rec.Named = obj.named
		rec.Registered = obj.registered
	case *ServerSession:
		rec.Session = obj.sess.id
	case *ClientSession:
		rec.Session = obj.sess.id
	case *ResourceLimit:
		rec.Limits = append([]int64(nil), obj.max[:]...)
	}
	return rec
}

// Restore replaces the kernel state with a snapshot. device resolves the
// MMIO devices named in the saved address spaces.
func (k *Kernel) Restore(st State, device func(name string) (memory.Device, bool)) error {
	blocks := memory.NewBlocks()
	if err := blocks.Restore(st.Blocks); err != nil {
		return fmt.Errorf("restoring blocks: %w", err)
	}
	configPage, ok := blocks.Get(st.ConfigPage)
	if !ok {
		return fmt.Errorf("restoring kernel: missing config page block %d", st.ConfigPage)
	}
	sharedPage, ok := blocks.Get(st.SharedPage)
	if !ok {
		return fmt.Errorf("restoring kernel: missing shared page block %d", st.SharedPage)
	}

	objects := make(map[ObjectID]Object, len(st.Objects))
	for _, rec := range st.Objects {
		o, err := newObject(rec.Kind)
		if err != nil {
			return err
		}
		h := o.hdr()
		h.id, h.kind, h.refs, h.name = rec.ID, rec.Kind, rec.Refs, rec.Name
		objects[rec.ID] = o
	}

	sessions := make(map[uint32]*session, len(st.Sessions))
	for _, ss := range st.Sessions {
		sessions[ss.ID] = &session{id: ss.ID, hle: ss.HLE, clientClosed: ss.ClientClosed,
			serverClosed: ss.ServerClosed, ended: ss.Ended}
	}

	r := &restorer{objects: objects, sessions: sessions}
	for _, rec := range st.Objects {
		if err := r.fill(k, objects[rec.ID], rec, blocks, device); err != nil {
			return fmt.Errorf("restoring %s %d: %w", rec.Kind, rec.ID, err)
		}
	}
	for _, ss := range st.Sessions {
		s := sessions[ss.ID]
		s.server, _ = r.object(ss.Server).(*ServerSession)
		s.client, _ = r.object(ss.Client).(*ClientSession)
		s.port, _ = r.object(ss.Port).(*ClientPort)
		s.pending = r.threads(ss.Pending)
		s.active, _ = r.object(ss.Active).(*Thread)
	}
	if r.err != nil {
		return r.err
	}

	k.blocks = blocks
	k.configPage = configPage
	k.sharedPage = sharedPage
	k.objects = objects
	k.sessions = sessions
	k.nextID = st.NextID
	k.nextPID = st.NextPID
	k.nextTID = st.NextTID
	k.nextSession = st.NextSession
	k.readySeq = st.ReadySeq
	k.slice = st.Slice
	k.ready = r.threads(st.Ready)
	k.processes = nil
	for _, id := range st.Processes {
		if p, ok := r.object(id).(*Process); ok {
			k.processes = append(k.processes, p)
		}
	}
	k.app, _ = r.object(st.App).(*Process)
	k.current, _ = r.object(st.Current).(*Thread)
	k.namedPorts = make(map[string]*ClientPort, len(st.NamedPorts))
	for name, id := range st.NamedPorts {
		if cp, ok := r.object(id).(*ClientPort); ok {
			k.namedPorts[name] = cp
		}
	}
	k.registered = make(map[string]*ClientPort, len(st.Registered))
	for name, id := range st.Registered {
		if cp, ok := r.object(id).(*ClientPort); ok {
			k.registered[name] = cp
		}
	}
	k.inSyscall = false
	k.deferred = nil
	k.fatalErr = nil

	k.cpu.SetSnapshot(st.CPU)
	if k.current != nil {
		k.cpu.SetMemory(k.current.owner.space)
	}
	if st.CPUHalted {
		k.cpu.Halt()
	} else {
		k.cpu.Resume()
	}
	return r.err
}

func newObject(kind Kind) (Object, error) {
	switch kind {
	case KindProcess:
		return &Process{}, nil
	case KindThread:
		return &Thread{}, nil
	case KindMutex:
		return &Mutex{}, nil
	case KindSemaphore:
		return &Semaphore{}, nil
	case KindEvent:
		return &Event{}, nil
	case KindTimer:
		return &Timer{}, nil
	case KindSharedMemory:
		return &SharedMemory{}, nil
	case KindAddressArbiter:
		return &AddressArbiter{}, nil
	case KindServerPort:
		return &ServerPort{}, nil
	case KindClientPort:
		return &ClientPort{}, nil
	case KindServerSession:
		return &ServerSession{}, nil
	case KindClientSession:
		return &ClientSession{}, nil
	case KindResourceLimit:
		return &ResourceLimit{}, nil
	default:
		return nil, fmt.Errorf("restoring kernel: unknown object kind %d", kind)
	}
}

// restorer resolves saved ids to the objects being rebuilt. The first
// dangling id is kept in err.
type restorer struct {
	objects  map[ObjectID]Object
	sessions map[uint32]*session
	err      error
}

func (r *restorer) object(id ObjectID) Object {
	if id == 0 {
		return nil
	}
	o, ok := r.objects[id]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("restoring kernel: dangling object id %d", id)
	}
	return o
}

func (r *restorer) threads(ids []ObjectID) []*Thread {
	var ts []*Thread
	for _, id := range ids {
		if t, ok := r.object(id).(*Thread); ok {
			ts = append(ts, t)
		}
	}
	return ts
}

func (r *restorer) queue(ids []ObjectID) waitQueue {
	return waitQueue{threads: r.threads(ids)}
}

func (r *restorer) session(id uint32) *session {
	s, ok := r.sessions[id]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("restoring kernel: dangling session %d", id)
	}
	return s
}

func (r *restorer) fill(k *Kernel, o Object, rec ObjectState, blocks *memory.Blocks, device func(string) (memory.Device, bool)) error {
	owner, _ := r.object(rec.Process).(*Process)

	switch obj := o.(type) {
	case *Process:
		obj.pid = rec.PID
		obj.space = memory.NewAddressSpace()
		if err := obj.space.Restore(rec.Space, blocks, device); err != nil {
			return err
		}
		obj.handles = handleTable{entries: make(map[Handle]Object, len(rec.Handles)), next: rec.NextHandle}
		for _, hs := range rec.Handles {
			if target := r.object(hs.Object); target != nil {
				obj.handles.entries[hs.Handle] = target
			}
		}
		obj.threads = r.threads(rec.Threads)
		obj.limit, _ = r.object(rec.Limit).(*ResourceLimit)
		obj.counts = make(map[Kind]int, len(rec.Counts))
		for kind, n := range rec.Counts {
			obj.counts[kind] = n
		}
		obj.tlsSlots = append([]bool(nil), rec.TLSSlots...)
		obj.memoryUsed = rec.MemoryUsed
		obj.exited = rec.Exited
		obj.waiters = r.queue(rec.Waiters)
	case *Thread:
		obj.owner = owner
		obj.tid = rec.TID
		obj.priority = rec.Priority
		obj.processor = rec.Processor
		obj.status = rec.Status
		obj.ctx = rec.Context
		obj.tls = rec.TLS
		obj.readySeq = rec.ReadySeq
		obj.waitReason = rec.WaitReason
		for _, id := range rec.WaitObjects {
			if w, ok := r.object(id).(waitable); ok {
				obj.waitObjects = append(obj.waitObjects, w)
			}
		}
		obj.timeout = rec.Timeout
		obj.arbiter, _ = r.object(rec.Arbiter).(*AddressArbiter)
		obj.arbiterAddr = rec.ArbiterAddr
		if rec.Session != 0 {
			obj.ipc = r.session(rec.Session)
		}
		if rec.Reply != nil {
			resp := rec.Reply.Response
			obj.reply = &pendingReply{command: rec.Reply.Command, resp: &resp}
		}
		for _, id := range rec.Held {
			if m, ok := r.object(id).(*Mutex); ok {
				obj.held = append(obj.held, m)
			}
		}
		obj.waiters = r.queue(rec.Waiters)
	case *Mutex:
		obj.process = owner
		obj.owner, _ = r.object(rec.Owner).(*Thread)
		obj.lockCount = rec.LockCount
		obj.recursive = rec.Recursive
		obj.waiters = r.queue(rec.Waiters)
	case *Semaphore:
		obj.process = owner
		obj.count = rec.Count
		obj.max = rec.Max
		obj.waiters = r.queue(rec.Waiters)
	case *Event:
		obj.process = owner
		obj.reset = rec.Reset
		obj.signaled = rec.Signaled
		obj.waiters = r.queue(rec.Waiters)
	case *Timer:
		obj.process = owner
		obj.reset = rec.Reset
		obj.signaled = rec.Signaled
		obj.initial = rec.Initial
		obj.interval = rec.Interval
		obj.event = rec.Event
		obj.waiters = r.queue(rec.Waiters)
	case *AddressArbiter:
		obj.process = owner
		obj.waiters = r.threads(rec.Waiters)
	case *SharedMemory:
		obj.process = owner
		b, ok := blocks.Get(rec.Block)
		if !ok {
			return fmt.Errorf("unknown block %d", rec.Block)
		}
		obj.block = b
		obj.offset = rec.Offset
		obj.size = rec.Size
		obj.ownerPerm = rec.OwnerPerm
		obj.otherPerm = rec.OtherPerm
		obj.owned = rec.Owned
		obj.mapped = rec.Mapped
	case *ServerPort:
		obj.client, _ = r.object(rec.Peer).(*ClientPort)
		for _, id := range rec.Pending {
			if ss, ok := r.object(id).(*ServerSession); ok {
				obj.pending = append(obj.pending, ss)
			}
		}
		obj.waiters = r.queue(rec.Waiters)
	case *ClientPort:
		obj.server, _ = r.object(rec.Peer).(*ServerPort)
		obj.sessions = rec.Sessions
		obj.maxSessions = rec.MaxSessions
		obj.named = rec.Named
		obj.registered = rec.Registered
	case *ServerSession:
		obj.k = k
		obj.sess = r.session(rec.Session)
		obj.waiters = r.queue(rec.Waiters)
	case *ClientSession:
		obj.sess = r.session(rec.Session)
	case *ResourceLimit:
		copy(obj.max[:], rec.Limits)
	}
	return nil
}

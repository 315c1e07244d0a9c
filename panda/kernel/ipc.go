package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

// maxPortName is the longest name ConnectToPort and CreatePort accept.
const maxPortName = 11

// session is the shared state of a client/server session pair. HLE sessions
// have no server side: requests go straight to the service named hle.
type session struct {
	id     uint32
	hle    string
	server *ServerSession
	client *ClientSession
	port   *ClientPort

	// pending clients wait for a server to receive their request, active is
	// the client whose request the server is processing.
	pending []*Thread
	active  *Thread

	clientClosed bool
	serverClosed bool
	ended        bool
}

func (s *session) removePending(t *Thread) {
	for i, p := range s.pending {
		if p == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// ServerSession is the receiving end of a session.
type ServerSession struct {
	header

	k       *Kernel
	sess    *session
	waiters waitQueue
}

func (s *ServerSession) queue() *waitQueue { return &s.waiters }

func (s *ServerSession) ready(*Thread) bool {
	return len(s.sess.pending) > 0 || s.sess.clientClosed
}

// acquire receives the oldest pending request when t waits in
// ReplyAndReceive. A plain wait only observes the session.
func (s *ServerSession) acquire(t *Thread) result.Code {
	if len(s.sess.pending) == 0 {
		return result.SessionClosed
	}
	if t.waitReason != WaitReceive {
		return result.Success
	}
	return codeOf(s.k.receive(s, t))
}

// ClientSession is the sending end of a session.
type ClientSession struct {
	header

	sess *session
}

// Service returns the HLE service name the session talks to, empty for
// sessions served by guest code.
func (c *ClientSession) Service() string { return c.sess.hle }

// ServerPort accepts incoming sessions.
type ServerPort struct {
	header

	client  *ClientPort
	pending []*ServerSession
	waiters waitQueue
}

func (p *ServerPort) queue() *waitQueue { return &p.waiters }

func (p *ServerPort) ready(*Thread) bool { return len(p.pending) > 0 }

func (p *ServerPort) acquire(*Thread) result.Code { return result.Success }

// ClientPort creates sessions to a server port.
type ClientPort struct {
	header

	server      *ServerPort
	sessions    int
	maxSessions int
	// named is set for ports published by CreatePort, registered for
	// services announced to srv:.
	named      string
	registered string
}

func (k *Kernel) createPort(name string, maxSessions int) (*ServerPort, *ClientPort) {
	sp := &ServerPort{}
	cp := &ClientPort{server: sp, maxSessions: maxSessions}
	sp.client = cp
	k.register(sp, KindServerPort, name)
	k.register(cp, KindClientPort, name)
	return sp, cp
}

// newSession creates a session pair. Both objects carry their creation
// reference. port, when set, is charged one connection.
func (k *Kernel) newSession(name, hle string, port *ClientPort) (*ServerSession, *ClientSession) {
	k.nextSession++
	s := &session{id: k.nextSession, hle: hle, port: port}
	if hle == "" {
		ss := &ServerSession{k: k, sess: s}
		k.register(ss, KindServerSession, name)
		s.server = ss
	}
	cs := &ClientSession{sess: s}
	k.register(cs, KindClientSession, name)
	s.client = cs
	if port != nil {
		port.sessions++
	}
	k.sessions[s.id] = s
	return s.server, cs
}

// endSession gives the connection back to the port once either side closes.
func (k *Kernel) endSession(s *session) {
	if !s.ended {
		s.ended = true
		if s.port != nil {
			s.port.sessions--
		}
	}
	if s.clientClosed && (s.server == nil || s.serverClosed) {
		delete(k.sessions, s.id)
	}
}

// connect opens a session to a port. The server side is queued on the port
// until a server accepts it.
func (k *Kernel) connect(cp *ClientPort) (*ClientSession, error) {
	sp := cp.server
	if sp == nil {
		return nil, resourceErr("connect to port", result.SessionClosed)
	}
	if cp.maxSessions > 0 && cp.sessions >= cp.maxSessions {
		return nil, resourceErr("connect to port", result.MaxConnections)
	}
	ss, cs := k.newSession(cp.name, "", cp)
	sp.pending = append(sp.pending, ss)
	k.signal(sp)
	return cs, nil
}

// connectToPort resolves a named port. Names without a guest port fall back
// to the HLE services.
func (k *Kernel) connectToPort(name string) (*ClientSession, error) {
	if len(name) > maxPortName {
		return nil, resourceErr("connect to port", result.PortNameTooLong)
	}
	if cp, ok := k.namedPorts[name]; ok {
		return k.connect(cp)
	}
	if k.services != nil && k.services.Has(name) {
		_, cs := k.newSession(name, name, nil)
		return cs, nil
	}
	return nil, resourceErr("connect to port "+name, result.NotFound)
}

// connectService opens a session to a service announced through srv:.
func (k *Kernel) connectService(name string) (*ClientSession, error) {
	if cp, ok := k.registered[name]; ok {
		return k.connect(cp)
	}
	if k.services != nil && k.services.Has(name) {
		_, cs := k.newSession(name, name, nil)
		return cs, nil
	}
	return nil, resourceErr("connect to service "+name, result.ServiceNotRegistered)
}

func (k *Kernel) acceptSession(sp *ServerPort) (*ServerSession, error) {
	if len(sp.pending) == 0 {
		return nil, resourceErr("accept session", result.NoPendingSessions)
	}
	ss := sp.pending[0]
	sp.pending = sp.pending[1:]
	return ss, nil
}

func (k *Kernel) closeServerPort(sp *ServerPort) {
	for _, ss := range sp.pending {
		k.release(ss)
	}
	sp.pending = nil
	if sp.client != nil {
		sp.client.server = nil
	}
}

// closeServerSession fails every request sent to the session.
func (k *Kernel) closeServerSession(ss *ServerSession) {
	s := ss.sess
	s.serverClosed = true
	if s.active != nil && s.active.status == StatusWaiting {
		k.wake(s.active, result.SessionClosed, 0)
	}
	s.active = nil
	for _, t := range append([]*Thread(nil), s.pending...) {
		if t.status == StatusWaiting {
			k.wake(t, result.SessionClosed, 0)
		}
	}
	s.pending = nil
	k.endSession(s)
}

// closeClientSession tells servers waiting on the session that it is gone.
func (k *Kernel) closeClientSession(cs *ClientSession) {
	s := cs.sess
	s.clientClosed = true
	if s.active != nil && s.active.status == StatusWaiting {
		k.wake(s.active, result.SessionClosed, 0)
	}
	s.active = nil
	for _, t := range append([]*Thread(nil), s.pending...) {
		if t.status == StatusWaiting {
			k.wake(t, result.SessionClosed, 0)
		}
	}
	s.pending = nil
	if s.server != nil && !s.serverClosed {
		k.signal(s.server)
	}
	k.endSession(s)
}

// readCommand reads the command buffer in the TLS of t.
func (k *Kernel) readCommand(t *Thread) ([]uint32, error) {
	space := t.owner.space
	base := t.tls + tlsCommandBuffer
	first, err := space.Read32(base)
	if err != nil {
		return nil, err
	}
	h := ipc.Header(first)
	if h.Words() > ipc.MaxWords {
		return nil, &ipc.ProtocolError{Header: h, Reason: fmt.Sprintf("%d words exceed the command buffer", h.Words())}
	}
	msg := make([]uint32, h.Words())
	msg[0] = first
	for i := 1; i < len(msg); i++ {
		if msg[i], err = space.Read32(base + uint32(i)*4); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (k *Kernel) writeCommand(t *Thread, msg []uint32) error {
	base := t.tls + tlsCommandBuffer
	for i, w := range msg {
		if err := t.owner.space.Write32(base+uint32(i)*4, w); err != nil {
			return err
		}
	}
	return nil
}

func protocolResult(err error) error {
	var pe *ipc.ProtocolError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: %w", err, pe.Result())
	}
	return err
}

// translate copies the command buffer of src into dst, moving handles
// between the handle tables, stamping the sender pid and copying static
// buffers into the receive buffers of dst.
func (k *Kernel) translate(src, dst *Thread) error {
	msg, err := k.readCommand(src)
	if err != nil {
		return protocolResult(err)
	}
	descs, err := ipc.Descriptors(msg)
	if err != nil {
		return protocolResult(err)
	}

	for _, d := range descs {
		switch d.Kind {
		case ipc.DescCopyHandles, ipc.DescMoveHandles:
			for i := 0; i < d.Count; i++ {
				w := d.At + 1 + i
				h := Handle(msg[w])
				if h == 0 {
					continue
				}
				o, ok := k.resolve(src.owner, src, h)
				if !ok {
					return resourceErr("translate handle", result.InvalidHandle)
				}
				nh, err := k.addHandle(dst.owner, o)
				if err != nil {
					return err
				}
				msg[w] = uint32(nh)
				if d.Kind == ipc.DescMoveHandles && h != CurrentThread && h != CurrentProcess {
					_ = k.closeHandle(src.owner, h)
				}
			}
		case ipc.DescCallingPID:
			msg[d.At+1] = src.owner.pid
		case ipc.DescStatic:
			addr, err := k.copyStatic(src, dst, d, msg[d.At+1])
			if err != nil {
				return err
			}
			msg[d.At+1] = addr
		}
	}
	return k.writeCommand(dst, msg)
}

// copyStatic copies a static buffer into the receive buffer dst set up at
// the same index and returns the receive address.
func (k *Kernel) copyStatic(src, dst *Thread, d ipc.Descriptor, addr uint32) (uint32, error) {
	slot := dst.tls + tlsStaticBuffers + uint32(d.Index)*8
	desc, err := dst.owner.space.Read32(slot)
	if err != nil {
		return 0, err
	}
	target, err := dst.owner.space.Read32(slot + 4)
	if err != nil {
		return 0, err
	}
	if target == 0 {
		return 0, resourceErr("copy static buffer", result.InvalidBufferDesc)
	}
	buf := make([]byte, min(d.Size, desc>>14))
	if err := src.owner.space.ReadBytes(addr, buf); err != nil {
		return 0, err
	}
	if err := dst.owner.space.WriteBytes(target, buf); err != nil {
		return 0, err
	}
	return target, nil
}

// sendSyncRequest sends the command buffer of t over a session and blocks t
// until the reply arrives.
func (k *Kernel) sendSyncRequest(t *Thread, cs *ClientSession) error {
	s := cs.sess
	if s.hle != "" {
		return k.sendHLE(t, s)
	}
	if s.serverClosed {
		return resourceErr("send sync request", result.SessionClosed)
	}
	s.pending = append(s.pending, t)
	k.block(t, WaitIPC, nil, -1)
	t.ipc = s
	k.signal(s.server)
	return nil
}

// sendHLE runs the request against the service right away and schedules
// the delivery of the reply.
func (k *Kernel) sendHLE(t *Thread, s *session) error {
	msg, err := k.readCommand(t)
	if err != nil {
		return protocolResult(err)
	}
	cmd := ipc.Header(msg[0]).Command()

	req, err := ipc.ParseRequest(msg)
	var resp *ipc.Response
	if err != nil {
		var pe *ipc.ProtocolError
		if !errors.As(err, &pe) {
			return err
		}
		slog.Warn("Malformed IPC request", "service", s.hle, "error", err)
		resp = ipc.Error(pe.Result())
	} else {
		if err := k.resolveRequest(t, req); err != nil {
			return err
		}
		slog.Debug("IPC request", "service", s.hle, "command", fmt.Sprintf("0x%04X", cmd))
		resp = k.services.HandleRequest(&host{k: k, caller: t}, s.hle, req)
		if resp == nil {
			resp = ipc.Error(result.NotImplemented)
		}
	}

	t.reply = &pendingReply{command: cmd, resp: resp}
	k.block(t, WaitReply, nil, -1)
	k.sched.ScheduleAt(k.Now()+k.cfg.IPCLatencyCycles, scheduler.IPCReply, uint64(t.id))
	return nil
}

// resolveRequest replaces the sender's handles in req by object ids. Moved
// handles leave the sender's table once the request is delivered.
func (k *Kernel) resolveRequest(t *Thread, req *ipc.Request) error {
	resolve := func(words []uint32) error {
		for i, w := range words {
			if w == 0 {
				continue
			}
			o, ok := k.resolve(t.owner, t, Handle(w))
			if !ok {
				return resourceErr("translate handle", result.InvalidHandle)
			}
			words[i] = uint32(o.hdr().id)
		}
		return nil
	}
	if err := resolve(req.CopyHandles); err != nil {
		return err
	}
	moved := append([]uint32(nil), req.MoveHandles...)
	if err := resolve(req.MoveHandles); err != nil {
		return err
	}
	for _, h := range moved {
		if Handle(h) != CurrentThread && Handle(h) != CurrentProcess && h != 0 {
			_ = k.closeHandle(t.owner, Handle(h))
		}
	}
	if req.HasPID {
		req.PID = t.owner.pid
	}
	return nil
}

// deliverReply writes an HLE reply into the command buffer of its client,
// installs the returned handles and then runs the reply actions.
func (k *Kernel) deliverReply(t *Thread) {
	pr := t.reply
	t.reply = nil
	resp := pr.resp

	installed := func(ids []uint32, move bool) []uint32 {
		handles := make([]uint32, len(ids))
		for i, id := range ids {
			o, ok := k.objects[ObjectID(id)]
			if !ok {
				continue
			}
			h, err := k.addHandle(t.owner, o)
			if err != nil {
				slog.Warn("Dropping reply handle", "tid", t.tid, "error", err)
			} else {
				handles[i] = uint32(h)
			}
			if move {
				k.release(o)
			}
		}
		return handles
	}

	out := *resp
	out.CopyHandles = installed(resp.CopyHandles, false)
	out.MoveHandles = installed(resp.MoveHandles, true)
	out.Statics = k.receiveStatics(t, resp.Statics)
	if err := k.writeCommand(t, out.Encode(pr.command)); err != nil {
		k.fatal(fmt.Errorf("writing reply of thread %d: %w", t.tid, err))
		return
	}
	k.wake(t, result.Success, 0)
	k.runActions(resp.Actions)
}

// receiveStatics copies the static buffers of a reply into the receive
// buffers of t. Buffers without a receive buffer are dropped.
func (k *Kernel) receiveStatics(t *Thread, statics []ipc.StaticData) []ipc.StaticData {
	var out []ipc.StaticData
	for _, st := range statics {
		slot := t.tls + tlsStaticBuffers + uint32(st.Index)*8
		desc, err := t.owner.space.Read32(slot)
		if err != nil {
			continue
		}
		target, err := t.owner.space.Read32(slot + 4)
		if err != nil || target == 0 {
			slog.Warn("Reply static buffer has no receive buffer", "tid", t.tid, "index", st.Index)
			continue
		}
		data := st.Data[:min(len(st.Data), int(desc>>14))]
		if err := t.owner.space.WriteBytes(target, data); err != nil {
			slog.Warn("Writing reply static buffer", "tid", t.tid, "error", err)
			continue
		}
		out = append(out, ipc.StaticData{Index: st.Index, Data: data, Addr: target})
	}
	return out
}

// dropReply discards an undelivered reply, releasing what it transferred.
func (k *Kernel) dropReply(t *Thread) {
	pr := t.reply
	t.reply = nil
	for _, id := range pr.resp.MoveHandles {
		if o, ok := k.objects[ObjectID(id)]; ok {
			k.release(o)
		}
	}
	k.runActions(pr.resp.Actions)
}

func (k *Kernel) runActions(actions []ipc.Action) {
	for _, a := range actions {
		o, ok := k.objects[ObjectID(a.Object)]
		if !ok {
			continue
		}
		switch a.Kind {
		case ipc.SignalEvent:
			if e, ok := o.(*Event); ok {
				k.signalEvent(e)
			}
		case ipc.ClearEvent:
			if e, ok := o.(*Event); ok {
				e.signaled = false
			}
		case ipc.ReleaseObject:
			k.release(o)
		}
	}
}

// receive hands the oldest pending request of s to the server thread.
func (k *Kernel) receive(s *ServerSession, server *Thread) error {
	sess := s.sess
	client := sess.pending[0]
	sess.pending = sess.pending[1:]
	sess.active = client
	if err := k.translate(client, server); err != nil {
		sess.active = nil
		k.wake(client, codeOf(err), 0)
		return err
	}
	return nil
}

// replyAndReceive answers the active request of the reply target, if any,
// then waits for the next request on any of objs.
func (k *Kernel) replyAndReceive(t *Thread, objs []waitable, target *ServerSession) error {
	if target != nil {
		sess := target.sess
		client := sess.active
		if client == nil {
			slog.Debug("Reply with no active request", "session", target.id)
		} else {
			sess.active = nil
			if err := k.translate(t, client); err != nil {
				k.wake(client, codeOf(err), 0)
				return err
			}
			k.wake(client, result.Success, 0)
		}
	}
	if len(objs) == 0 {
		return nil
	}

	for i, o := range objs {
		if !o.ready(t) {
			continue
		}
		t.waitReason = WaitReceive
		code := o.acquire(t)
		t.waitReason = WaitNone
		k.cpu.R[1] = uint32(i)
		if code != result.Success {
			return code
		}
		return nil
	}
	k.block(t, WaitReceive, objs, -1)
	return nil
}

// host is the kernel as seen by an HLE service.
type host struct {
	k      *Kernel
	caller *Thread
}

// Host returns the service view of the kernel outside of a request, used
// for interrupts. The caller is the application process.
func (k *Kernel) Host() ipc.Host {
	return &host{k: k}
}

func (h *host) process() *Process {
	if h.caller != nil {
		return h.caller.owner
	}
	return h.k.app
}

func (h *host) Now() uint64 { return h.k.Now() }

func (h *host) CallerPID() uint32 {
	if p := h.process(); p != nil {
		return p.pid
	}
	return 0
}

func (h *host) ReadMemory(addr uint32, buf []byte) error {
	p := h.process()
	if p == nil {
		return fmt.Errorf("read 0x%08X: no process", addr)
	}
	return p.space.ReadBytes(addr, buf)
}

func (h *host) WriteMemory(addr uint32, data []byte) error {
	p := h.process()
	if p == nil {
		return fmt.Errorf("write 0x%08X: no process", addr)
	}
	return p.space.WriteBytes(addr, data)
}

func (h *host) CreateEvent(name string, reset ipc.ResetType) (uint32, error) {
	e, err := h.k.createEvent(nil, reset, name)
	if err != nil {
		return 0, err
	}
	return uint32(e.id), nil
}

func (h *host) SignalEvent(id uint32) error {
	o, ok := h.k.objects[ObjectID(id)]
	if !ok {
		return resourceErr("signal event", result.InvalidHandle)
	}
	e, ok := o.(*Event)
	if !ok {
		return resourceErr("signal event", result.InvalidHandle)
	}
	h.k.signalEvent(e)
	return nil
}

func (h *host) CreateSharedMemory(name string, size uint32) (uint32, error) {
	s, err := h.k.createSharedMemory(nil, 0, size, memory.PermRW, memory.PermRW, name)
	if err != nil {
		return 0, err
	}
	return uint32(s.id), nil
}

func (h *host) SharedMemory(id uint32) ([]byte, bool) {
	o, ok := h.k.objects[ObjectID(id)]
	if !ok {
		return nil, false
	}
	s, ok := o.(*SharedMemory)
	if !ok {
		return nil, false
	}
	return s.Bytes(), true
}

func (h *host) RetainObject(id uint32) {
	if o, ok := h.k.objects[ObjectID(id)]; ok {
		h.k.retain(o)
	}
}

func (h *host) ReleaseObject(id uint32) {
	if o, ok := h.k.objects[ObjectID(id)]; ok {
		h.k.release(o)
	}
}

func (h *host) ConnectService(name string) (uint32, error) {
	cs, err := h.k.connectService(name)
	if err != nil {
		return 0, err
	}
	return uint32(cs.id), nil
}

func (h *host) RegisterService(name string, maxSessions int) (uint32, error) {
	if _, ok := h.k.registered[name]; ok {
		return 0, resourceErr("register service "+name, result.ServiceAlreadyExists)
	}
	sp, cp := h.k.createPort(name, maxSessions)
	cp.registered = name
	h.k.registered[name] = cp
	// the registry holds the creation reference of the client port
	return uint32(sp.id), nil
}

func (h *host) UnregisterService(name string) error {
	cp, ok := h.k.registered[name]
	if !ok {
		return resourceErr("unregister service "+name, result.ServiceNotRegistered)
	}
	delete(h.k.registered, name)
	cp.registered = ""
	h.k.release(cp)
	return nil
}

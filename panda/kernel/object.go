package kernel

import (
	"fmt"

	"github.com/jonian/libretro-panda3ds/panda/result"
)

// ObjectID identifies a kernel object for its whole life. Ids are never
// reused, so a stale id simply fails to resolve.
type ObjectID uint32

// Kind is the type of a kernel object.
type Kind uint8

const (
	KindProcess Kind = iota + 1
	KindThread
	KindMutex
	KindSemaphore
	KindEvent
	KindTimer
	KindSharedMemory
	KindAddressArbiter
	KindServerPort
	KindClientPort
	KindServerSession
	KindClientSession
	KindResourceLimit
)

func (k Kind) String() string {
	switch k {
	case KindProcess:
		return "Process"
	case KindThread:
		return "Thread"
	case KindMutex:
		return "Mutex"
	case KindSemaphore:
		return "Semaphore"
	case KindEvent:
		return "Event"
	case KindTimer:
		return "Timer"
	case KindSharedMemory:
		return "SharedMemory"
	case KindAddressArbiter:
		return "AddressArbiter"
	case KindServerPort:
		return "ServerPort"
	case KindClientPort:
		return "ClientPort"
	case KindServerSession:
		return "ServerSession"
	case KindClientSession:
		return "ClientSession"
	case KindResourceLimit:
		return "ResourceLimit"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Object is any kernel object. Every object embeds a header holding its id,
// kind, name and reference count.
type Object interface {
	hdr() *header
}

type header struct {
	id   ObjectID
	kind Kind
	refs int
	name string
}

func (h *header) hdr() *header { return h }

// ID returns the object id.
func (h *header) ID() ObjectID { return h.id }

// Kind returns the object kind.
func (h *header) Kind() Kind { return h.kind }

// Name returns the debug name given at creation.
func (h *header) Name() string { return h.name }

// Refs returns the current reference count.
func (h *header) Refs() int { return h.refs }

// waitable objects can be waited on with WaitSynchronization.
type waitable interface {
	Object
	queue() *waitQueue
	// ready reports whether t could acquire the object now.
	ready(t *Thread) bool
	// acquire consumes the signal on behalf of t and returns the result t
	// wakes up with.
	acquire(t *Thread) result.Code
}

// waitQueue holds the threads waiting on an object, oldest first.
type waitQueue struct {
	threads []*Thread
}

func (q *waitQueue) add(t *Thread) { q.threads = append(q.threads, t) }

func (q *waitQueue) remove(t *Thread) {
	for i, w := range q.threads {
		if w == t {
			q.threads = append(q.threads[:i], q.threads[i+1:]...)
			return
		}
	}
}

func (q *waitQueue) len() int { return len(q.threads) }

// snapshot returns the waiters in FIFO order.
func (q *waitQueue) snapshot() []*Thread {
	return append([]*Thread(nil), q.threads...)
}

func (q *waitQueue) ids() []ObjectID {
	ids := make([]ObjectID, len(q.threads))
	for i, t := range q.threads {
		ids[i] = t.id
	}
	return ids
}

// register creates an object with one kernel reference held by the caller.
func (k *Kernel) register(o Object, kind Kind, name string) {
	h := o.hdr()
	k.nextID++
	h.id = k.nextID
	h.kind = kind
	h.name = name
	h.refs = 1
	k.objects[h.id] = o
}

// retain adds a reference.
func (k *Kernel) retain(o Object) {
	o.hdr().refs++
}

// release drops a reference and destroys the object when none is left.
func (k *Kernel) release(o Object) {
	h := o.hdr()
	h.refs--
	if h.refs > 0 {
		return
	}
	if h.refs < 0 {
		k.fatal(fmt.Errorf("%s %d released more times than retained", h.kind, h.id))
		return
	}
	delete(k.objects, h.id)
	k.destroy(o)
}

// Lookup returns the object with the given id.
func (k *Kernel) Lookup(id ObjectID) (Object, bool) {
	o, ok := k.objects[id]
	return o, ok
}

// ObjectCount returns the number of live objects.
func (k *Kernel) ObjectCount() int { return len(k.objects) }

// destroy runs kind specific teardown once the last reference is gone.
func (k *Kernel) destroy(o Object) {
	switch obj := o.(type) {
	case *Timer:
		k.sched.Cancel(obj.event)
	case *SharedMemory:
		k.freeSharedMemory(obj)
	case *ServerPort:
		k.closeServerPort(obj)
	case *ClientPort:
		if obj.server != nil {
			obj.server.client = nil
		}
		if obj.named != "" {
			delete(k.namedPorts, obj.named)
		}
		if obj.registered != "" {
			delete(k.registered, obj.registered)
		}
	case *ServerSession:
		k.closeServerSession(obj)
	case *ClientSession:
		k.closeClientSession(obj)
	case *Process:
		if obj.limit != nil {
			k.release(obj.limit)
		}
	case *Thread:
		if obj.owner != nil {
			k.release(obj.owner)
		}
	}
	if p := k.creator(o); p != nil {
		p.counts[o.hdr().kind]--
	}
}

func (k *Kernel) creator(o Object) *Process {
	switch obj := o.(type) {
	case *Thread:
		return obj.owner
	case *Mutex:
		return obj.process
	case *Semaphore:
		return obj.process
	case *Event:
		return obj.process
	case *Timer:
		return obj.process
	case *SharedMemory:
		return obj.process
	case *AddressArbiter:
		return obj.process
	}
	return nil
}

package kernel

import (
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// Handle is the per-process name of a kernel object.
type Handle uint32

const (
	// CurrentThread always refers to the calling thread.
	CurrentThread Handle = 0xFFFF8000
	// CurrentProcess always refers to the calling process.
	CurrentProcess Handle = 0xFFFF8001

	firstHandle = 0x00000020
	maxHandles  = 0x1000
)

// handleTable maps handles to objects for one process. Every entry holds a
// reference on its object.
type handleTable struct {
	entries map[Handle]Object
	next    Handle
}

func newHandleTable() handleTable {
	return handleTable{entries: make(map[Handle]Object), next: firstHandle}
}

// add installs o and takes a reference on it. Handle values are never reused.
func (k *Kernel) addHandle(p *Process, o Object) (Handle, error) {
	if len(p.handles.entries) >= maxHandles {
		return 0, resourceErr("add handle", result.OutOfHandles)
	}
	h := p.handles.next
	p.handles.next++
	p.handles.entries[h] = o
	k.retain(o)
	return h, nil
}

// closeHandle removes a handle and drops its reference.
func (k *Kernel) closeHandle(p *Process, h Handle) error {
	o, ok := p.handles.entries[h]
	if !ok {
		return resourceErr("close handle", result.InvalidHandle)
	}
	delete(p.handles.entries, h)
	k.release(o)
	return nil
}

// resolve looks a handle up in the current context, pseudo-handles included.
func (k *Kernel) resolve(p *Process, t *Thread, h Handle) (Object, bool) {
	switch h {
	case CurrentThread:
		return t, t != nil
	case CurrentProcess:
		return p, p != nil
	}
	o, ok := p.handles.entries[h]
	return o, ok
}

// resolveAs resolves a handle and checks its kind.
func resolveAs[T Object](k *Kernel, h Handle) (T, error) {
	var zero T
	t := k.current
	o, ok := k.resolve(t.owner, t, h)
	if !ok {
		return zero, resourceErr("resolve handle", result.InvalidHandle)
	}
	v, ok := o.(T)
	if !ok {
		return zero, resourceErr("resolve handle", result.InvalidHandle)
	}
	return v, nil
}

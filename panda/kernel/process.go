package kernel

import (
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// Process is a guest process: an address space, a handle table and the
// threads running in it.
type Process struct {
	header

	pid     uint32
	space   *memory.AddressSpace
	handles handleTable
	threads []*Thread
	limit   *ResourceLimit
	counts  map[Kind]int
	waiters waitQueue

	tlsSlots   []bool
	memoryUsed uint32
	exited     bool
}

// PID returns the process id.
func (p *Process) PID() uint32 { return p.pid }

// Space returns the address space of the process.
func (p *Process) Space() *memory.AddressSpace { return p.space }

// Exited reports whether every thread of the process has terminated.
func (p *Process) Exited() bool { return p.exited }

// MemoryUsed returns the bytes of heap committed by the process.
func (p *Process) MemoryUsed() uint32 { return p.memoryUsed }

// HandleCount returns the number of open handles.
func (p *Process) HandleCount() int { return len(p.handles.entries) }

// Threads returns the threads created in the process, terminated ones included.
func (p *Process) Threads() []*Thread { return append([]*Thread(nil), p.threads...) }

func (p *Process) queue() *waitQueue { return &p.waiters }

func (p *Process) ready(*Thread) bool { return p.exited }

func (p *Process) acquire(*Thread) result.Code { return result.Success }

// allocTLS reserves a thread local storage slot and returns its address.
func (p *Process) allocTLS() (uint32, bool) {
	for i, used := range p.tlsSlots {
		if !used {
			p.tlsSlots[i] = true
			return memory.TLSBase + uint32(i)*memory.TLSSize, true
		}
	}
	return 0, false
}

func (p *Process) freeTLS(addr uint32) {
	i := (addr - memory.TLSBase) / memory.TLSSize
	if int(i) < len(p.tlsSlots) {
		p.tlsSlots[i] = false
	}
}

func (p *Process) liveThreads() int {
	n := 0
	for _, t := range p.threads {
		if t.status != StatusTerminated {
			n++
		}
	}
	return n
}

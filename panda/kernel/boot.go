package kernel

import (
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/bit"
	"github.com/jonian/libretro-panda3ds/panda/memory"
)

// DefaultStackSize is the main thread stack of executables that do not
// declare one.
const DefaultStackSize = 0x4000

// Boot creates the application process from an executable image and makes
// its main thread ready at entry.
func (k *Kernel) Boot(name string, entry uint32, segments []Segment, stackSize uint32) (*Process, error) {
	if k.app != nil {
		return nil, fmt.Errorf("%w: application already booted", ErrFatal)
	}
	p, err := k.createProcess(name)
	if err != nil {
		return nil, err
	}

	for _, s := range segments {
		state := memory.StatePrivate
		if s.Perm&memory.PermExec != 0 {
			state = memory.StateCode
		}
		if err := k.mapSegment(p, s, state); err != nil {
			return nil, err
		}
	}

	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	stackSize = bit.AlignUp(stackSize, memory.PageSize)
	stack := Segment{Name: "stack", Addr: memory.StackTop - stackSize, MemSize: stackSize, Perm: memory.PermRW}
	if err := k.mapSegment(p, stack, memory.StateLocked); err != nil {
		return nil, err
	}

	k.app = p
	mt, err := k.createThread(p, "main", entry, 0, memory.StackTop, MainThreadPriority, -2)
	if err != nil {
		return nil, err
	}
	// the self reference keeps the main thread alive until it exits
	k.release(mt)

	slog.Info("Process booted", "name", name, "pid", p.pid, "entry", fmt.Sprintf("0x%08X", entry),
		"segments", len(segments))

	k.reschedule()
	return p, nil
}

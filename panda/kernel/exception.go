package kernel

import (
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/cpu"
)

// Exception implements cpu.Env. Guest exceptions go to the user handler
// registered in the thread's TLS; without one the thread dies and the rest
// of the process keeps running.
func (k *Kernel) Exception(c *cpu.CPU, e cpu.Exception) error {
	t := k.current
	if t == nil {
		return fmt.Errorf("%w: %s with no current thread", ErrFatal, e)
	}

	handler, err := t.owner.space.Read32(t.tls + tlsHandlerOffset)
	if err == nil && handler != 0 && e.Kind != cpu.Breakpoint {
		slog.Debug("Dispatching guest exception", "tid", t.tid, "kind", e.Kind.String(),
			"handler", fmt.Sprintf("0x%08X", handler))
		c.R[0] = uint32(e.Kind)
		c.R[1] = e.Addr
		c.R[cpu.LR] = e.PC
		c.R[cpu.PC] = handler &^ 1
		c.T = handler&1 != 0
		return nil
	}

	slog.Warn("Unhandled guest exception, terminating thread", "tid", t.tid, "exception", e.String())
	k.terminate(t, e.Kind.String())
	k.finishSyscall()
	c.EndSlice()
	return k.fatalErr
}

package cpu

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/memory"
)

// Memory is the guest memory as seen by the CPU.
type Memory interface {
	Read8(addr uint32) (uint8, error)
	Read16(addr uint32) (uint16, error)
	Read32(addr uint32) (uint32, error)
	Write8(addr uint32, value uint8) error
	Write16(addr uint32, value uint16) error
	Write32(addr uint32, value uint32) error
	Fetch16(addr uint32) (uint16, error)
	Fetch32(addr uint32) (uint32, error)
}

// Env is the environment the CPU runs under, the kernel. It is called
// synchronously from the fetch loop; by the time a call returns, the state in
// the CPU is whatever thread context the kernel wants to continue with.
type Env interface {
	Syscall(c *CPU, number uint32) error
	Exception(c *CPU, e Exception) error
}

// Tracer receives every executed instruction when tracing is enabled.
type Tracer func(pc uint32, opcode uint32, thumb bool)

// CPU is an interpreter for the ARM11 MPCore application core, user mode only.
type CPU struct {
	State

	mem Memory
	env Env

	halted      bool
	interrupted bool
	endSlice    bool

	// per instruction bookkeeping
	curPC    uint32
	opcode   uint32
	fault    *memory.Fault
	undef    bool
	svc      bool
	svcNum   uint32
	bkpt     bool
	instrCyc uint64

	slice  uint64
	cycles uint64

	trace Tracer
}

// New returns a CPU in user mode with all registers cleared.
func New(mem Memory, env Env) *CPU {
	return &CPU{
		State: NewState(),
		mem:   mem,
		env:   env,
	}
}

// SetTracer installs a per-instruction trace hook, nil disables tracing.
func (c *CPU) SetTracer(t Tracer) { c.trace = t }

// SetMemory swaps the address space the CPU executes in.
func (c *CPU) SetMemory(mem Memory) { c.mem = mem }

// Reset clears the register file and run flags.
func (c *CPU) Reset() {
	c.State = NewState()
	c.halted = false
	c.interrupted = false
	c.endSlice = false
	c.slice = 0
	c.cycles = 0
}

// Halt stops the fetch loop, there is nothing to run.
func (c *CPU) Halt() { c.halted = true }

// Resume clears the halted flag.
func (c *CPU) Resume() { c.halted = false }

// Halted reports whether the CPU is idle.
func (c *CPU) Halted() bool { return c.halted }

// Interrupt raises the external interrupt flag. The running slice stops
// before the next instruction.
func (c *CPU) Interrupt() { c.interrupted = true }

// EndSlice makes the running slice return after the current instruction.
func (c *CPU) EndSlice() { c.endSlice = true }

// Elapsed returns the cycles consumed so far by the running slice.
func (c *CPU) Elapsed() uint64 { return c.slice }

// Cycles returns the total cycles executed since reset.
func (c *CPU) Cycles() uint64 { return c.cycles }

// Snapshot returns a copy of the register file.
func (c *CPU) Snapshot() State { return c.State }

// SetSnapshot replaces the register file.
func (c *CPU) SetSnapshot(s State) { c.State = s }

// RunSlice executes instructions until budget cycles are consumed, the CPU
// halts, an interrupt is raised or a syscall asks for the slice to end. It
// returns the cycles consumed. An error is always fatal to emulation.
func (c *CPU) RunSlice(budget uint64) (uint64, error) {
	c.slice = 0
	c.endSlice = false

	for c.slice < budget && !c.halted {
		if c.interrupted {
			c.interrupted = false
			break
		}
		if err := c.step(); err != nil {
			return c.slice, err
		}
		if c.endSlice {
			break
		}
	}

	return c.slice, nil
}

// Step executes exactly one instruction and returns the cycles it took.
func (c *CPU) Step() (uint64, error) {
	c.slice = 0
	c.endSlice = false
	if c.halted {
		return 0, nil
	}
	err := c.step()
	return c.slice, err
}

func (c *CPU) step() error {
	pc := c.R[PC]
	c.curPC = pc
	c.fault = nil
	c.undef = false
	c.svc = false
	c.bkpt = false
	c.instrCyc = 1

	if c.T {
		op, err := c.mem.Fetch16(pc)
		if err != nil {
			return c.prefetchAbort(pc, err)
		}
		c.opcode = uint32(op)
		if c.trace != nil {
			c.trace(pc, c.opcode, true)
		}
		c.R[PC] = pc + 2
		c.execThumb(op)
	} else {
		op, err := c.mem.Fetch32(pc)
		if err != nil {
			return c.prefetchAbort(pc, err)
		}
		c.opcode = op
		if c.trace != nil {
			c.trace(pc, op, false)
		}
		c.R[PC] = pc + 4
		c.execARM(op)
	}

	c.account(c.instrCyc)

	switch {
	case c.fault != nil:
		c.R[PC] = pc
		return c.raise(Exception{Kind: DataAbort, PC: pc, Addr: c.fault.Addr, Thumb: c.T, Err: c.fault})
	case c.undef:
		c.R[PC] = pc
		return c.raise(Exception{Kind: Undefined, PC: pc, Thumb: c.T,
			Err: &DecodeFault{PC: pc, Opcode: c.opcode, Thumb: c.T}})
	case c.bkpt:
		c.R[PC] = pc
		return c.raise(Exception{Kind: Breakpoint, PC: pc, Thumb: c.T})
	case c.svc:
		if err := c.env.Syscall(c, c.svcNum); err != nil {
			return fmt.Errorf("svc 0x%02X at 0x%08X: %w", c.svcNum, pc, err)
		}
	}
	return nil
}

func (c *CPU) account(n uint64) {
	c.slice += n
	c.cycles += n
}

func (c *CPU) prefetchAbort(pc uint32, err error) error {
	c.account(1)
	e := Exception{Kind: PrefetchAbort, PC: pc, Addr: pc, Thumb: c.T, Err: err}
	var fault *memory.Fault
	if !errors.As(err, &fault) {
		return fmt.Errorf("fetch at 0x%08X: %w", pc, err)
	}
	return c.raise(e)
}

func (c *CPU) raise(e Exception) error {
	slog.Debug("Guest exception", "kind", e.Kind.String(), "pc", fmt.Sprintf("0x%08X", e.PC),
		"addr", fmt.Sprintf("0x%08X", e.Addr))
	if err := c.env.Exception(c, e); err != nil {
		return fmt.Errorf("%s: %w", e, err)
	}
	return nil
}

// reg reads a register as an operand. Reading the PC yields the address of
// the current instruction plus 8 in ARM state or plus 4 in Thumb state.
func (c *CPU) reg(n uint32) uint32 {
	if n == PC {
		if c.T {
			return c.curPC + 4
		}
		return c.curPC + 8
	}
	return c.R[n]
}

// setReg writes a register. Writes to the PC branch without changing state.
func (c *CPU) setReg(n uint32, v uint32) {
	if n == PC {
		c.branchTo(v)
		return
	}
	c.R[n] = v
}

// setRegInterwork writes a register. Writes to the PC select ARM or Thumb
// state from bit 0, as loads into the PC do.
func (c *CPU) setRegInterwork(n uint32, v uint32) {
	if n == PC {
		c.branchExchange(v)
		return
	}
	c.R[n] = v
}

func (c *CPU) branchTo(addr uint32) {
	if c.T {
		c.R[PC] = addr &^ 1
	} else {
		c.R[PC] = addr &^ 3
	}
	c.instrCyc += 2
}

func (c *CPU) branchExchange(addr uint32) {
	c.T = addr&1 != 0
	c.branchTo(addr)
}

func (c *CPU) undefined() {
	c.undef = true
}

// memory helpers record the first fault of an instruction and return zero.
// Callers check c.fault before committing register state.

func (c *CPU) memFault(err error) {
	if c.fault != nil {
		return
	}
	var fault *memory.Fault
	if errors.As(err, &fault) {
		c.fault = fault
		return
	}
	c.fault = &memory.Fault{Reason: memory.FaultUnmapped}
}

func (c *CPU) alignFault(addr uint32, size int, access memory.Access) {
	if c.fault == nil {
		c.fault = &memory.Fault{Addr: addr, Size: size, Access: access, Reason: memory.FaultAlignment}
	}
}

func (c *CPU) read8(addr uint32) uint32 {
	if c.fault != nil {
		return 0
	}
	c.instrCyc++
	v, err := c.mem.Read8(addr)
	if err != nil {
		c.memFault(err)
		return 0
	}
	return uint32(v)
}

func (c *CPU) read16(addr uint32) uint32 {
	if c.fault != nil {
		return 0
	}
	c.instrCyc++
	v, err := c.mem.Read16(addr)
	if err != nil {
		c.memFault(err)
		return 0
	}
	return uint32(v)
}

func (c *CPU) read32(addr uint32) uint32 {
	if c.fault != nil {
		return 0
	}
	c.instrCyc++
	v, err := c.mem.Read32(addr)
	if err != nil {
		c.memFault(err)
		return 0
	}
	return v
}

func (c *CPU) write8(addr uint32, v uint32) {
	if c.fault != nil {
		return
	}
	c.instrCyc++
	if err := c.mem.Write8(addr, uint8(v)); err != nil {
		c.memFault(err)
	}
}

func (c *CPU) write16(addr uint32, v uint32) {
	if c.fault != nil {
		return
	}
	c.instrCyc++
	if err := c.mem.Write16(addr, uint16(v)); err != nil {
		c.memFault(err)
	}
}

func (c *CPU) write32(addr uint32, v uint32) {
	if c.fault != nil {
		return
	}
	c.instrCyc++
	if err := c.mem.Write32(addr, v); err != nil {
		c.memFault(err)
	}
}

func (c *CPU) clearExclusive() {
	c.ExclusiveValid = false
}

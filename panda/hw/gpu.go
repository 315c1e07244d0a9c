package hw

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/bit"
	"github.com/jonian/libretro-panda3ds/panda/memory"
)

const (
	gpuSize = 0x2000

	fillBusy     = 0
	fillFinished = 1

	gpuTopFramebuffers    = 0x468
	gpuTopSelect          = 0x478
	gpuBottomFramebuffers = 0x568
	gpuBottomSelect       = 0x578
)

// GPU register offsets.
const (
	GPUFill0 = 0x010
	GPUFill1 = 0x020
	// memory fill unit registers, relative to its base
	FillStart   = 0x0
	FillEnd     = 0x4
	FillValue   = 0x8
	FillControl = 0xC

	GPUTransferInput   = 0xC00
	GPUTransferOutput  = 0xC04
	GPUTransferTrigger = 0xC18

	// PICA command buffer registers, 0x1000 + register index * 4
	GPUCmdBufSize  = 0x18E0
	GPUCmdBufAddr  = 0x18E8
	GPUCmdBufJump0 = 0x18F0
)

// Latencies, in CPU cycles, of the operations that finish with an interrupt.
const (
	FillLatency     = 2_000
	TransferLatency = 10_000
	P3DLatency      = 20_000
)

// Memory is the guest memory the GPU writes to.
type Memory interface {
	WriteBytes(addr uint32, data []byte) error
}

// PhysToVirt maps a physical VRAM or FCRAM address to the application's
// virtual address.
func PhysToVirt(addr uint32) (uint32, bool) {
	switch {
	case addr >= memory.VRAMPhysicalBase && addr-memory.VRAMPhysicalBase < memory.VRAMSize:
		return addr - memory.VRAMPhysicalBase + memory.VRAMBase, true
	case addr >= memory.FCRAMPhysicalBase && addr-memory.FCRAMPhysicalBase < memory.LinearHeapEnd-memory.LinearHeapBase:
		return addr - memory.FCRAMPhysicalBase + memory.LinearHeapBase, true
	default:
		return 0, false
	}
}

// VirtToPhys is the inverse of PhysToVirt.
func VirtToPhys(addr uint32) (uint32, bool) {
	switch {
	case addr >= memory.VRAMBase && addr-memory.VRAMBase < memory.VRAMSize:
		return addr - memory.VRAMBase + memory.VRAMPhysicalBase, true
	case addr >= memory.LinearHeapBase && addr < memory.LinearHeapEnd:
		return addr - memory.LinearHeapBase + memory.FCRAMPhysicalBase, true
	default:
		return 0, false
	}
}

// CommandList is a submitted PICA command buffer.
type CommandList struct {
	Addr uint32
	Size uint32
}

// GPU is the GPU control register block. Register writes take effect at
// once; the operations they start finish with an interrupt raised later.
type GPU struct {
	regs  registers
	irq   Raiser
	mem   Memory
	lists []CommandList
}

// GPUState is the saved state of the GPU registers.
type GPUState struct {
	Regs  []uint32
	Lists []CommandList
}

// NewGPU returns a GPU raising its interrupts through irq.
func NewGPU(irq Raiser) *GPU {
	return &GPU{regs: make(registers, gpuSize/4), irq: irq}
}

// SetMemory sets the memory memory fills write to.
func (g *GPU) SetMemory(m Memory) { g.mem = m }

func (g *GPU) Name() string { return "gpu" }
func (g *GPU) Size() uint32 { return gpuSize }

func (g *GPU) Reset() {
	clear(g.regs)
	g.lists = nil
}

func (g *GPU) Read(offset uint32, size int) uint32 {
	return g.regs.read(offset, size)
}

func (g *GPU) Write(offset uint32, size int, value uint32) {
	if offset >= gpuSize {
		return
	}
	v := g.regs.merge(offset, size, value)
	g.regs[offset/4] = v

	switch offset &^ 3 {
	case GPUFill0 + FillControl:
		g.memoryFill(GPUFill0, InterruptPSC0)
	case GPUFill1 + FillControl:
		g.memoryFill(GPUFill1, InterruptPSC1)
	case GPUTransferTrigger:
		if bit.IsSet(0, v) {
			g.regs[GPUTransferTrigger/4] = bit.Clear(0, v)
			g.raise(InterruptPPF, TransferLatency)
		}
	case GPUCmdBufJump0:
		list := CommandList{Addr: g.regs[GPUCmdBufAddr/4] << 3, Size: g.regs[GPUCmdBufSize/4] << 3}
		g.lists = append(g.lists, list)
		slog.Debug("GPU command list submitted", "addr", fmt.Sprintf("0x%08X", list.Addr), "size", list.Size)
		g.raise(InterruptP3D, P3DLatency)
	}
}

func (g *GPU) raise(irq Interrupt, delay uint64) {
	if g.irq != nil {
		g.irq.RaiseInterrupt(irq, delay)
	}
}

// memoryFill runs the fill unit at base if its start bit is set.
func (g *GPU) memoryFill(base uint32, irq Interrupt) {
	ctl := g.regs[(base+FillControl)/4]
	if !bit.IsSet(fillBusy, ctl) {
		return
	}
	start := g.regs[(base+FillStart)/4] << 3
	end := g.regs[(base+FillEnd)/4] << 3
	value := g.regs[(base+FillValue)/4]
	width := 2 + int(bit.ExtractBits(ctl, 9, 8))
	if width > 4 {
		width = 4
	}

	if err := g.fill(start, end, value, width); err != nil {
		slog.Warn("GPU memory fill failed", "start", fmt.Sprintf("0x%08X", start),
			"end", fmt.Sprintf("0x%08X", end), "error", err)
	}
	g.regs[(base+FillControl)/4] = bit.Set(fillFinished, bit.Clear(fillBusy, ctl))
	g.raise(irq, FillLatency)
}

func (g *GPU) fill(start, end, value uint32, width int) error {
	if end <= start {
		return nil
	}
	addr, ok := PhysToVirt(start)
	if !ok {
		return fmt.Errorf("address 0x%08X is not VRAM or FCRAM", start)
	}
	if g.mem == nil {
		return fmt.Errorf("no memory attached")
	}
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], value)
	buf := make([]byte, end-start)
	for i := range buf {
		buf[i] = pattern[i%width]
	}
	return g.mem.WriteBytes(addr, buf)
}

// Framebuffer returns the address of the framebuffer being displayed on s.
func (g *GPU) Framebuffer(s Screen) uint32 {
	fbs, sel := uint32(gpuTopFramebuffers), uint32(gpuTopSelect)
	if s == ScreenBottom {
		fbs, sel = gpuBottomFramebuffers, gpuBottomSelect
	}
	return g.regs[fbs/4+g.regs[sel/4]&1]
}

// CommandLists returns the command lists submitted since reset.
func (g *GPU) CommandLists() []CommandList {
	return append([]CommandList(nil), g.lists...)
}

// Snapshot returns the register state.
func (g *GPU) Snapshot() GPUState {
	return GPUState{Regs: append([]uint32(nil), g.regs...), Lists: g.CommandLists()}
}

// Restore loads a state returned by Snapshot.
func (g *GPU) Restore(st GPUState) {
	clear(g.regs)
	copy(g.regs, st.Regs)
	g.lists = append([]CommandList(nil), st.Lists...)
}

package services

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/hw"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// gsp::Gpu command ids.
const (
	gspWriteHWRegs                   = 0x0001
	gspWriteHWRegsWithMask           = 0x0002
	gspReadHWRegs                    = 0x0004
	gspSetLcdForceBlack              = 0x000B
	gspTriggerCmdReqQueue            = 0x000C
	gspRegisterInterruptRelayQueue   = 0x0013
	gspUnregisterInterruptRelayQueue = 0x0014
	gspAcquireRight                  = 0x0016
	gspReleaseRight                  = 0x0017
)

// GSP command queue entries.
const (
	gxRequestDMA         = 0
	gxProcessCommandList = 1
	gxMemoryFill         = 2
	gxDisplayTransfer    = 3
	gxTextureCopy        = 4
	gxFlushCacheRegions  = 5
)

// Shared memory layout, for the single GSP client thread.
const (
	gspSharedMemSize = 0x1000

	interruptQueue      = 0x000
	interruptQueueSlots = 0x34
	interruptEntries    = 0x00C

	commandQueue     = 0x800
	commandEntries   = 0x020
	commandSize      = 0x20
	maxQueuedCommand = 15

	maxRegisterWrite = 0x80
)

// GSP is the GPU service, gsp::Gpu. Register accesses go through the IO bus;
// interrupts are relayed to the registered client through a queue in shared
// memory and an event.
type GSP struct {
	bus *hw.Bus
	lcd *hw.LCD

	state gspState
}

type gspState struct {
	Registered bool
	Event      uint32
	SharedMem  uint32
	Right      bool
}

// NewGSP returns gsp::Gpu driving the registers on bus and the LCD.
func NewGSP(bus *hw.Bus, lcd *hw.LCD) *GSP {
	return &GSP{bus: bus, lcd: lcd}
}

func (g *GSP) Name() string { return "gsp::Gpu" }

func (g *GSP) Reset() { g.state = gspState{} }

func (g *GSP) SaveState() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g.state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *GSP) LoadState(data []byte) error {
	var st gspState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}
	g.state = st
	return nil
}

func (g *GSP) HandleRequest(host ipc.Host, req *ipc.Request) *ipc.Response {
	switch req.Command() {
	case gspWriteHWRegs:
		return g.writeHWRegs(host, req, false)
	case gspWriteHWRegsWithMask:
		return g.writeHWRegs(host, req, true)
	case gspReadHWRegs:
		return g.readHWRegs(req)
	case gspSetLcdForceBlack:
		g.lcd.SetForceBlack(req.Param(0)&1 != 0)
		return ipc.Reply(result.Success)
	case gspTriggerCmdReqQueue:
		return g.triggerCmdReqQueue(host)
	case gspRegisterInterruptRelayQueue:
		return g.registerInterruptRelayQueue(host, req)
	case gspUnregisterInterruptRelayQueue:
		g.unregister(host)
		return ipc.Reply(result.Success)
	case gspAcquireRight:
		g.state.Right = true
		return ipc.Reply(result.Success)
	case gspReleaseRight:
		g.state.Right = false
		return ipc.Reply(result.Success)
	default:
		return nil
	}
}

func checkRegisterRange(offset, size uint32) result.Code {
	if offset&3 != 0 {
		return result.GSPMisalignedRegister
	}
	if size&3 != 0 || size > maxRegisterWrite {
		return result.GSPInvalidSize
	}
	return result.Success
}

func (g *GSP) writeHWRegs(host ipc.Host, req *ipc.Request, masked bool) *ipc.Response {
	offset, size := req.Param(0), req.Param(1)
	if code := checkRegisterRange(offset, size); code != result.Success {
		return ipc.Error(code)
	}
	want := 1
	if masked {
		want = 2
	}
	if len(req.Statics) < want {
		return ipc.Error(result.InvalidBufferDesc)
	}

	data := make([]byte, size)
	if err := host.ReadMemory(req.Statics[0].Addr, data); err != nil {
		return ipc.Error(result.InvalidPointer)
	}
	var mask []byte
	if masked {
		mask = make([]byte, size)
		if err := host.ReadMemory(req.Statics[1].Addr, mask); err != nil {
			return ipc.Error(result.InvalidPointer)
		}
	}

	for i := uint32(0); i < size; i += 4 {
		addr := hw.GSPRegisterBase + offset + i
		v := binary.LittleEndian.Uint32(data[i:])
		if masked {
			m := binary.LittleEndian.Uint32(mask[i:])
			old, _ := g.bus.Read32(addr)
			v = old&^m | v&m
		}
		g.bus.Write32(addr, v)
	}
	return ipc.Reply(result.Success)
}

func (g *GSP) readHWRegs(req *ipc.Request) *ipc.Response {
	offset, size := req.Param(0), req.Param(1)
	if code := checkRegisterRange(offset, size); code != result.Success {
		return ipc.Error(code)
	}
	data := make([]byte, size)
	for i := uint32(0); i < size; i += 4 {
		v, _ := g.bus.Read32(hw.GSPRegisterBase + offset + i)
		binary.LittleEndian.PutUint32(data[i:], v)
	}
	resp := ipc.Reply(result.Success)
	resp.Statics = []ipc.StaticData{{Index: 0, Data: data}}
	return resp
}

func (g *GSP) registerInterruptRelayQueue(host ipc.Host, req *ipc.Request) *ipc.Response {
	if len(req.CopyHandles) == 0 {
		return ipc.Error(result.InvalidBufferDesc)
	}
	if g.state.SharedMem == 0 {
		id, err := host.CreateSharedMemory("gsp", gspSharedMemSize)
		if err != nil {
			return ipc.Error(codeOf(err))
		}
		g.state.SharedMem = id
	}
	if g.state.Registered {
		host.ReleaseObject(g.state.Event)
	}
	event := req.CopyHandles[0]
	host.RetainObject(event)
	g.state.Registered = true
	g.state.Event = event
	slog.Debug("GSP interrupt relay queue registered", "flags", fmt.Sprintf("0x%08X", req.Param(0)))

	// thread index 0, the only client
	resp := ipc.Reply(result.Success, 0)
	resp.CopyHandles = []uint32{g.state.SharedMem}
	return resp
}

func (g *GSP) unregister(host ipc.Host) {
	if !g.state.Registered {
		return
	}
	host.ReleaseObject(g.state.Event)
	g.state.Registered = false
	g.state.Event = 0
}

// Interrupt queues irq for the client and signals its event.
func (g *GSP) Interrupt(host ipc.Host, irq hw.Interrupt) {
	if !g.state.Registered {
		return
	}
	shm, ok := host.SharedMemory(g.state.SharedMem)
	if !ok {
		slog.Warn("GSP shared memory is gone", "id", g.state.SharedMem)
		return
	}
	q := shm[interruptQueue:]
	index, count := q[0], q[1]
	if count >= interruptQueueSlots {
		// the client fell behind, report the missed interrupt
		q[2] = 1
	} else {
		q[interruptEntries+(index+count)%interruptQueueSlots] = byte(irq)
		q[1] = count + 1
		q[2] = 0
	}
	if err := host.SignalEvent(g.state.Event); err != nil {
		slog.Warn("Signaling GSP event", "error", err)
	}
}

// triggerCmdReqQueue runs every command queued in shared memory.
func (g *GSP) triggerCmdReqQueue(host ipc.Host) *ipc.Response {
	if !g.state.Registered {
		return ipc.Reply(result.Success)
	}
	shm, ok := host.SharedMemory(g.state.SharedMem)
	if !ok {
		return ipc.Error(result.InvalidHandle)
	}
	q := shm[commandQueue:]
	count := min(int(q[1]), maxQueuedCommand)
	for i := 0; i < count; i++ {
		raw := q[commandEntries+i*commandSize:][:commandSize]
		var cmd [8]uint32
		for w := range cmd {
			cmd[w] = binary.LittleEndian.Uint32(raw[4*w:])
		}
		g.runCommand(host, cmd)
	}
	q[0], q[1] = 0, 0
	return ipc.Reply(result.Success)
}

func (g *GSP) gpuWrite(offset, value uint32) {
	g.bus.Write32(hw.GPUBase+offset, value)
}

func physical(addr uint32) uint32 {
	if p, ok := hw.VirtToPhys(addr); ok {
		return p
	}
	slog.Warn("GSP address outside VRAM and the linear heap", "addr", fmt.Sprintf("0x%08X", addr))
	return 0
}

func (g *GSP) runCommand(host ipc.Host, cmd [8]uint32) {
	switch cmd[0] & 0xFF {
	case gxRequestDMA:
		src, dst, size := cmd[1], cmd[2], cmd[3]
		buf := make([]byte, size)
		if err := host.ReadMemory(src, buf); err != nil {
			slog.Warn("GSP DMA read failed", "src", fmt.Sprintf("0x%08X", src), "error", err)
			break
		}
		if err := host.WriteMemory(dst, buf); err != nil {
			slog.Warn("GSP DMA write failed", "dst", fmt.Sprintf("0x%08X", dst), "error", err)
			break
		}
		g.Interrupt(host, hw.InterruptDMA)
	case gxProcessCommandList:
		g.gpuWrite(hw.GPUCmdBufSize, cmd[2]>>3)
		g.gpuWrite(hw.GPUCmdBufAddr, physical(cmd[1])>>3)
		g.gpuWrite(hw.GPUCmdBufJump0, 1)
	case gxMemoryFill:
		units := []struct {
			base              uint32
			start, value, end uint32
			control           uint32
		}{
			{hw.GPUFill0, cmd[1], cmd[2], cmd[3], cmd[7] & 0xFFFF},
			{hw.GPUFill1, cmd[4], cmd[5], cmd[6], cmd[7] >> 16},
		}
		for _, u := range units {
			if u.start == 0 {
				continue
			}
			g.gpuWrite(u.base+hw.FillStart, physical(u.start)>>3)
			g.gpuWrite(u.base+hw.FillEnd, physical(u.end)>>3)
			g.gpuWrite(u.base+hw.FillValue, u.value)
			g.gpuWrite(u.base+hw.FillControl, u.control|1)
		}
	case gxDisplayTransfer, gxTextureCopy:
		g.gpuWrite(hw.GPUTransferInput, physical(cmd[1])>>3)
		g.gpuWrite(hw.GPUTransferOutput, physical(cmd[2])>>3)
		g.gpuWrite(hw.GPUTransferTrigger, 1)
	case gxFlushCacheRegions:
	default:
		slog.Warn("Unknown GSP command", "id", cmd[0]&0xFF)
	}
}

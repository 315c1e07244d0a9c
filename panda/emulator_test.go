package panda

import (
	"bytes"
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/cpu/asm"
	"github.com/jonian/libretro-panda3ds/panda/hw"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/loader"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	codeAddr = memory.CodeBase
	dataAddr = 0x00200000
	scratch  = 12
	infinite = 0xFFFFFFFF

	svcCreateThread = 0x08
	svcExitThread   = 0x09
	svcSleepThread  = 0x0A
	svcCreateMutex  = 0x13
	svcReleaseMutex = 0x14
	svcCreateEvent  = 0x17
	svcWaitSync1    = 0x24
)

func testConfig() config.EmulatorConfig {
	cfg := config.Default()
	cfg.Frame.LimitSpeed = false
	return cfg
}

// programSegments places code at codeAddr and a zeroed page at dataAddr.
func programSegments(code []byte) []loader.Segment {
	return []loader.Segment{
		{Name: "code", Addr: codeAddr, Data: code, Perm: memory.PermRX},
		{Name: "data", Addr: dataAddr, MemSize: memory.PageSize, Perm: memory.PermRW},
	}
}

func load(t *testing.T, e *Emulator, prog *asm.Program) {
	t.Helper()
	code, err := prog.Assemble()
	require.NoError(t, err)
	require.NoError(t, e.LoadExecutable(codeAddr, programSegments(code)))
}

func newTestEmulator(t *testing.T, prog *asm.Program) *Emulator {
	t.Helper()
	e := New(testConfig())
	load(t, e, prog)
	return e
}

func word(t *testing.T, e *Emulator, off uint32) uint32 {
	t.Helper()
	v, err := e.Memory().Read32(dataAddr + off)
	require.NoError(t, err)
	return v
}

func st(p *asm.Program, reg, off uint32) *asm.Program {
	return p.MovImm(scratch, dataAddr).Str(reg, scratch, int32(off))
}

func ld(p *asm.Program, reg, off uint32) *asm.Program {
	return p.MovImm(scratch, dataAddr).Ldr(reg, scratch, int32(off))
}

func spin(p *asm.Program) *asm.Program {
	return p.Label("spin").B(asm.AL, "spin")
}

func exitProgram(value uint32) *asm.Program {
	prog := asm.New(codeAddr).MovImm(0, value)
	st(prog, 0, 0)
	return prog.Svc(svcExitThread)
}

// counterProgram runs two threads bumping a shared counter under a mutex,
// sleeping between increments. The counter ends at 2*iterations.
func counterProgram(iterations uint32) *asm.Program {
	prog := asm.New(codeAddr).B(asm.AL, "main")
	prog.Label("worker").MovImm(5, iterations)
	prog.Label("loop")
	ld(prog, 0, 0).MovImm(2, infinite).MovImm(3, infinite).Svc(svcWaitSync1)
	ld(prog, 6, 4).AddImm(6, 6, 1)
	st(prog, 6, 4)
	ld(prog, 0, 0).Svc(svcReleaseMutex)
	prog.MovImm(0, 20_000).MovImm(1, 0).Svc(svcSleepThread)
	prog.SubsImm(5, 5, 1).B(asm.NE, "loop")
	prog.Svc(svcExitThread)

	prog.Label("main").MovImm(1, 0).Svc(svcCreateMutex)
	st(prog, 1, 0)
	prog.MovImm(0, 0x30).MovImm(1, prog.Addr("worker")).MovImm(2, 0).
		MovImm(3, memory.StackTop-0x2000).MovImm(4, 0xFFFFFFFE).Svc(svcCreateThread)
	return prog.B(asm.AL, "worker")
}

// irqRecorder is a service listening to every interrupt.
type irqRecorder struct {
	irqs []hw.Interrupt
}

func (r *irqRecorder) Name() string { return "irq:rec" }

func (r *irqRecorder) HandleRequest(ipc.Host, *ipc.Request) *ipc.Response { return nil }

func (r *irqRecorder) Interrupt(_ ipc.Host, irq hw.Interrupt) { r.irqs = append(r.irqs, irq) }

// scratchDevice records writes and reads back a fixed value.
type scratchDevice struct {
	writes map[uint32]uint32
}

func (d *scratchDevice) Read(offset uint32, size int) uint32 { return 0xCAFE }

func (d *scratchDevice) Write(offset uint32, size int, value uint32) { d.writes[offset] = value }

func TestRunFrameStopsAtVBlank(t *testing.T) {
	e := newTestEmulator(t, spin(asm.New(codeAddr)))
	perFrame := e.Config().CyclesPerFrame()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, e.RunFrame())
		assert.Equal(t, i, e.Frames())
		assert.Equal(t, i, e.LCD().Frames())
		assert.GreaterOrEqual(t, e.Ticks(), i*perFrame)
		assert.Less(t, e.Ticks(), i*perFrame+16)
	}
	assert.True(t, e.Running())
}

func TestRunFrameSkipsIdleTime(t *testing.T) {
	prog := asm.New(codeAddr).MovImm(1, 0).Svc(svcCreateEvent)
	prog.Mov(0, 1).MovImm(2, infinite).MovImm(3, infinite).Svc(svcWaitSync1)
	spin(prog)
	e := newTestEmulator(t, prog)

	require.NoError(t, e.RunFrame())
	assert.Equal(t, e.Config().CyclesPerFrame(), e.Ticks())
	require.NoError(t, e.RunFrame())
	assert.Equal(t, 2*e.Config().CyclesPerFrame(), e.Ticks())
	assert.Equal(t, uint64(2), e.Frames())
}

func TestGuestExit(t *testing.T) {
	e := newTestEmulator(t, exitProgram(7))

	err := e.RunFrame()
	require.ErrorIs(t, err, ErrGuestExited)
	assert.False(t, e.Running())
	assert.Equal(t, uint32(7), word(t, e, 0))
	assert.ErrorIs(t, e.RunFrame(), ErrGuestExited)
	assert.ErrorIs(t, e.Step(), ErrGuestExited)
}

func TestRunWithoutROM(t *testing.T) {
	e := New(testConfig())

	assert.False(t, e.Running())
	assert.ErrorIs(t, e.RunFrame(), ErrNoROM)
	assert.ErrorIs(t, e.Step(), ErrNoROM)
	assert.Nil(t, e.Memory())
}

func TestPauseAndStep(t *testing.T) {
	prog := asm.New(codeAddr).MovImm(0, 5)
	st(prog, 1, 0)
	spin(prog)
	e := newTestEmulator(t, prog)

	e.Pause()
	require.NoError(t, e.RunFrame())
	assert.Zero(t, e.Ticks())
	assert.Zero(t, e.Frames())

	require.NoError(t, e.Step())
	regs := e.GetRegisterSnapshot()
	assert.Equal(t, uint32(5), regs.R[0])
	assert.NotZero(t, e.Ticks())

	regs.R[1] = 0x99
	e.SetRegisterSnapshot(regs)
	require.NoError(t, e.Step())
	require.NoError(t, e.Step())
	assert.Equal(t, uint32(0x99), word(t, e, 0))

	e.TogglePause()
	assert.False(t, e.Paused())
	require.NoError(t, e.RunFrame())
	assert.Equal(t, uint64(1), e.Frames())
}

func TestReset(t *testing.T) {
	e := newTestEmulator(t, exitProgram(7))
	require.ErrorIs(t, e.RunFrame(), ErrGuestExited)

	require.NoError(t, e.Reset(Reload))
	assert.True(t, e.Running())
	assert.Zero(t, e.Ticks())
	assert.Zero(t, e.Frames())
	assert.Zero(t, word(t, e, 0))

	require.ErrorIs(t, e.RunFrame(), ErrGuestExited)
	assert.Equal(t, uint32(7), word(t, e, 0))

	require.NoError(t, e.Reset(NoReload))
	assert.False(t, e.Running())
	assert.ErrorIs(t, e.RunFrame(), ErrNoROM)
}

func TestLoadROM(t *testing.T) {
	dir := t.TempDir()

	prog := asm.New(codeAddr).MovImm(0, 0x1234).MovImm(scratch, codeAddr+0x100).Str(0, scratch, 0)
	spin(prog)
	raw := filepath.Join(dir, "app.bin")
	require.NoError(t, os.WriteFile(raw, prog.MustAssemble(), 0o644))

	container := make([]byte, 0x200)
	copy(container[0x100:], "NCSD")
	cart := filepath.Join(dir, "game.3ds")
	require.NoError(t, os.WriteFile(cart, container, 0o644))

	e := New(testConfig())
	require.ErrorIs(t, e.LoadROM(cart), loader.ErrUnsupportedFormat)
	assert.False(t, e.Running())

	require.NoError(t, e.LoadROM(raw))
	assert.Equal(t, "app.bin", e.name)
	require.NoError(t, e.RunFrame())
	v, err := e.Memory().Read32(codeAddr + 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234), v)
}

func TestDeviceInterrupts(t *testing.T) {
	prog := asm.New(codeAddr).MovImm(0, hw.GPUBase+hw.GPUTransferTrigger).MovImm(1, 1).Str(1, 0, 0)
	spin(prog)
	e := New(testConfig())
	rec := &irqRecorder{}
	require.NoError(t, e.RegisterService(rec))
	load(t, e, prog)

	require.NoError(t, e.RunFrame())
	assert.Equal(t, []hw.Interrupt{hw.InterruptPPF, hw.InterruptVBlankTop, hw.InterruptVBlankBottom}, rec.irqs)

	require.NoError(t, e.InjectInterrupt(hw.InterruptP3D))
	assert.Equal(t, hw.InterruptP3D, rec.irqs[len(rec.irqs)-1])
	assert.Error(t, e.InjectInterrupt(hw.NumInterrupts))
}

func TestMapDevice(t *testing.T) {
	const base = 0x1EC00000
	prog := asm.New(codeAddr).MovImm(0, base).MovImm(1, 0x55).Str(1, 0, 8).Ldr(2, 0, 0)
	st(prog, 2, 0)
	spin(prog)

	e := New(testConfig())
	dev := &scratchDevice{writes: make(map[uint32]uint32)}
	require.NoError(t, e.MapDevice("scratch", base, memory.PageSize, dev))
	assert.Error(t, e.MapDevice("gpu", base+memory.PageSize, memory.PageSize, dev))
	load(t, e, prog)

	require.NoError(t, e.RunFrame())
	assert.Equal(t, uint32(0x55), dev.writes[8])
	assert.Equal(t, uint32(0xCAFE), word(t, e, 0))
}

func TestHIDButtons(t *testing.T) {
	prog := asm.New(codeAddr).MovImm(0, hw.HIDBase).Ldr(1, 0, 0)
	st(prog, 1, 0)
	spin(prog)
	e := newTestEmulator(t, prog)

	e.SetButtons(hw.ButtonA | hw.ButtonStart)
	require.NoError(t, e.RunFrame())
	// the pad register is active low
	assert.Equal(t, uint32(^(hw.ButtonA|hw.ButtonStart))&0xFFF, word(t, e, 0)&0xFFF)
}

func TestFatalErrorStopsEmulation(t *testing.T) {
	e := newTestEmulator(t, spin(asm.New(codeAddr)))
	e.sched.Handle(scheduler.DeviceInterrupt, func(uint64, uint64) error {
		return errors.New("boom")
	})
	e.RaiseInterrupt(hw.InterruptP3D, 10)

	err := e.RunFrame()
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "scheduler", fe.Op)
	assert.ErrorContains(t, err, "boom")
	assert.False(t, e.Running())
	assert.Equal(t, err, e.RunFrame())

	require.NoError(t, e.Reset(Reload))
	assert.True(t, e.Running())
	require.NoError(t, e.RunFrame())
}

func TestReloadSettings(t *testing.T) {
	e := newTestEmulator(t, spin(asm.New(codeAddr)))

	bad := testConfig()
	bad.Frame.FPS = 0
	assert.Error(t, e.ReloadSettings(bad))
	assert.Equal(t, 60, e.Config().Frame.FPS)

	cfg := testConfig()
	cfg.Frame.FPS = 30
	cfg.Log.TraceInstructions = true
	require.NoError(t, e.ReloadSettings(cfg))
	require.NoError(t, e.RunFrame())
	assert.Equal(t, cfg, e.Config())
	assert.GreaterOrEqual(t, e.Ticks(), e.Config().CyclesPerFrame())
}

func TestSaveStateRoundTrip(t *testing.T) {
	const iterations = 3000
	e := newTestEmulator(t, counterProgram(iterations))

	require.NoError(t, e.RunFrame())
	mid := word(t, e, 4)
	require.NotZero(t, mid)
	require.Less(t, mid, uint32(2*iterations))

	var buf bytes.Buffer
	require.NoError(t, e.SaveState(&buf))
	saved := buf.Bytes()
	regs := e.GetRegisterSnapshot()
	ticks := e.Ticks()

	finish := func(e *Emulator) {
		for i := 0; i < 100; i++ {
			if err := e.RunFrame(); err != nil {
				require.ErrorIs(t, err, ErrGuestExited)
				return
			}
		}
		t.Fatal("program did not exit")
	}
	finish(e)
	assert.Equal(t, uint32(2*iterations), word(t, e, 4))

	restored := New(testConfig())
	require.NoError(t, restored.LoadState(bytes.NewReader(saved)))
	assert.True(t, restored.Running())
	assert.Equal(t, mid, word(t, restored, 4))
	assert.Equal(t, ticks, restored.Ticks())
	assert.Equal(t, uint64(1), restored.Frames())
	assert.Equal(t, regs, restored.GetRegisterSnapshot())

	finish(restored)
	assert.Equal(t, uint32(2*iterations), word(t, restored, 4))
	assert.Equal(t, e.Ticks(), restored.Ticks())
	assert.Equal(t, e.Frames(), restored.Frames())
}

func TestLoadStateRejectsBadInput(t *testing.T) {
	testCases := []struct {
		desc string
		data func(t *testing.T) []byte
		want string
	}{
		{
			desc: "garbage",
			data: func(*testing.T) []byte { return []byte("not a save state") },
			want: "decoding save state",
		},
		{
			desc: "wrong version",
			data: func(t *testing.T) []byte {
				var buf bytes.Buffer
				require.NoError(t, gob.NewEncoder(&buf).Encode(&saveState{Version: 99}))
				return buf.Bytes()
			},
			want: "version 99",
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			e := New(testConfig())
			err := e.LoadState(bytes.NewReader(tC.data(t)))
			assert.ErrorContains(t, err, tC.want)
			assert.False(t, e.Running())
		})
	}
}

// Package panda is the emulation core: it owns the scheduler, the kernel,
// the HLE services and the peripherals, and drives them one frame at a time.
package panda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/cpu"
	"github.com/jonian/libretro-panda3ds/panda/disasm"
	"github.com/jonian/libretro-panda3ds/panda/hw"
	"github.com/jonian/libretro-panda3ds/panda/kernel"
	"github.com/jonian/libretro-panda3ds/panda/loader"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
	"github.com/jonian/libretro-panda3ds/panda/services"
	"github.com/jonian/libretro-panda3ds/panda/timing"
)

// ReloadOption tells Reset whether to boot the last executable again.
type ReloadOption uint8

const (
	NoReload ReloadOption = iota
	Reload
)

// deviceMapping is a device mapped into the application address space at boot.
type deviceMapping struct {
	name string
	base uint32
	size uint32
	dev  memory.Device
}

// Emulator runs a 3DS application. It is not safe for concurrent use:
// frontends call it from a single goroutine, between frames.
type Emulator struct {
	cfg      config.EmulatorConfig
	sched    *scheduler.Scheduler
	kernel   *kernel.Kernel
	services *services.Manager
	bus      *hw.Bus
	hid      *hw.HID
	lcd      *hw.LCD
	gpu      *hw.GPU
	devices  []deviceMapping
	limiter  timing.Limiter

	name    string
	image   *loader.Image
	booted  bool
	paused  bool
	exited  bool
	fatal   error
	vblank  scheduler.Handle
	frames  uint64
	frameOK bool
}

// New creates an emulator with every built-in service and peripheral. No
// executable is loaded.
func New(cfg config.EmulatorConfig) *Emulator {
	e := &Emulator{
		cfg:   cfg,
		sched: scheduler.New(),
		bus:   hw.NewBus(),
		hid:   hw.NewHID(),
		lcd:   hw.NewLCD(),
	}
	e.gpu = hw.NewGPU(e)

	for _, m := range []struct {
		base uint32
		dev  hw.Device
	}{
		{hw.HIDBase, e.hid},
		{hw.LCDBase, e.lcd},
		{hw.GPUBase, e.gpu},
	} {
		if err := e.bus.Map(m.base, m.dev); err != nil {
			panic(err)
		}
		e.devices = append(e.devices, deviceMapping{m.dev.Name(), m.base, m.dev.Size(), m.dev})
	}

	e.services = services.NewDefault(cfg.System, e.bus, e.lcd)
	e.kernel = kernel.New(cfg, e.sched, e.services)
	e.sched.Handle(scheduler.VBlank, e.onVBlank)
	e.sched.Handle(scheduler.DeviceInterrupt, e.onDeviceInterrupt)

	e.applySettings()
	return e
}

// Config returns the settings in use.
func (e *Emulator) Config() config.EmulatorConfig { return e.cfg }

// ReloadSettings applies new settings to a running emulator. Timing changes
// take effect from the next frame.
func (e *Emulator) ReloadSettings(cfg config.EmulatorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.kernel.SetConfig(cfg)
	e.services.SetConfig(cfg.System)
	e.applySettings()
	slog.Info("Settings reloaded")
	return nil
}

func (e *Emulator) applySettings() {
	if e.cfg.Frame.LimitSpeed {
		e.limiter = timing.NewFrameLimiter(e.cfg.Frame.FPS)
	} else {
		e.limiter = timing.NewNoOpLimiter()
	}

	if e.cfg.Log.TraceInstructions {
		e.kernel.CPU().SetTracer(traceInstruction)
	} else {
		e.kernel.CPU().SetTracer(nil)
	}
}

func traceInstruction(pc, opcode uint32, thumb bool) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	var line disasm.Line
	if thumb {
		line = disasm.DisassembleThumb(pc, uint16(opcode))
	} else {
		line = disasm.DisassembleARM(pc, opcode)
	}
	slog.Debug("Executing", "pc", fmt.Sprintf("0x%08X", pc), "instr", line.Text)
}

// SetLimiter replaces the frame pacing strategy, e.g. with a no-op limiter
// for headless runs.
func (e *Emulator) SetLimiter(l timing.Limiter) {
	e.limiter = l
	e.limiter.Reset()
}

// LoadROM loads the executable at path and boots it.
func (e *Emulator) LoadROM(path string) error {
	img, err := loader.Load(path)
	if err != nil {
		return err
	}
	e.name = filepath.Base(path)
	return e.LoadExecutable(img.Entry, img.Segments)
}

// LoadExecutable resets the emulator and boots an image already in memory.
func (e *Emulator) LoadExecutable(entry uint32, segments []loader.Segment) error {
	if e.name == "" {
		e.name = "app"
	}
	e.image = &loader.Image{Entry: entry, Segments: segments}
	return e.Reset(Reload)
}

// Reset stops emulation and clears every subsystem. With Reload the last
// executable is booted again.
func (e *Emulator) Reset(opt ReloadOption) error {
	e.sched.Reset()
	e.kernel.Reset()
	e.services.Reset()
	e.bus.Reset()
	e.limiter.Reset()
	e.booted = false
	e.exited = false
	e.fatal = nil
	e.vblank = 0
	e.frames = 0
	e.frameOK = false

	if opt == NoReload || e.image == nil {
		return nil
	}
	return e.boot()
}

func (e *Emulator) boot() error {
	segs := make([]kernel.Segment, len(e.image.Segments))
	for i, s := range e.image.Segments {
		segs[i] = kernel.Segment{Name: s.Name, Addr: s.Addr, Data: s.Data, MemSize: s.MemSize, Perm: s.Perm}
	}
	p, err := e.kernel.Boot(e.name, e.image.Entry, segs, kernel.DefaultStackSize)
	if err != nil {
		return fmt.Errorf("booting %s: %w", e.name, err)
	}

	space := p.Space()
	vram := e.kernel.Blocks().Alloc(memory.VRAMSize)
	if err := space.MapRAM("vram", memory.VRAMBase, memory.VRAMSize, memory.PermRW, memory.StateStatic, vram, 0); err != nil {
		return fmt.Errorf("mapping VRAM: %w", err)
	}
	for _, m := range e.devices {
		if err := space.MapDevice(m.name, m.base, m.size, memory.PermRW, m.dev); err != nil {
			return fmt.Errorf("mapping %s: %w", m.name, err)
		}
	}
	e.gpu.SetMemory(space)

	e.vblank = e.sched.Schedule(e.cfg.CyclesPerFrame(), scheduler.VBlank, 0)
	e.booted = true
	return nil
}

// Running reports whether an application is loaded and can make progress.
func (e *Emulator) Running() bool {
	return e.booted && !e.exited && e.fatal == nil
}

// Pause stops RunFrame from advancing time. Step still works.
func (e *Emulator) Pause() { e.paused = true }

// Resume undoes Pause.
func (e *Emulator) Resume() {
	e.paused = false
	e.limiter.Reset()
}

// TogglePause flips between paused and running.
func (e *Emulator) TogglePause() {
	if e.paused {
		e.Resume()
	} else {
		e.Pause()
	}
}

// Paused reports whether emulation is paused.
func (e *Emulator) Paused() bool { return e.paused }

// Ticks returns the virtual time in CPU cycles.
func (e *Emulator) Ticks() uint64 { return e.kernel.Now() }

// Frames returns the number of VBlanks since boot.
func (e *Emulator) Frames() uint64 { return e.frames }

// check returns the error that prevents running, if any.
func (e *Emulator) check() error {
	switch {
	case e.fatal != nil:
		return e.fatal
	case !e.booted:
		return ErrNoROM
	case e.exited:
		return ErrGuestExited
	}
	return nil
}

func (e *Emulator) fail(op string, err error) error {
	var fe *FatalError
	if !errors.As(err, &fe) {
		fe = &FatalError{Op: op, Err: err}
	}
	e.fatal = fe
	slog.Error("Emulation stopped", "op", op, "ticks", e.sched.Now(), "error", err)
	return fe
}

// RunFrame runs the guest until the next VBlank and then waits for the
// frame limiter. It returns ErrGuestExited once the application is gone.
func (e *Emulator) RunFrame() error {
	if err := e.check(); err != nil {
		return err
	}
	if e.paused {
		return nil
	}

	e.frameOK = false
	for !e.frameOK {
		if _, err := e.RunSlice(e.cfg.CPU.SliceCycles); err != nil {
			return err
		}
		if e.exited {
			return ErrGuestExited
		}
	}
	// flush events that became due at the frame boundary
	if err := e.PollScheduler(); err != nil {
		return err
	}

	e.limiter.WaitForNextFrame()
	return nil
}

// RunSlice runs the guest for at most budget cycles, stopping early at the
// next scheduled event, and fires the events that became due. Idle time is
// skipped: with no runnable thread virtual time jumps to the next event.
func (e *Emulator) RunSlice(budget uint64) (uint64, error) {
	if err := e.check(); err != nil {
		return 0, err
	}

	now := e.sched.Now()
	if next, ok := e.sched.NextEventTime(); ok {
		if next <= now {
			budget = 0
		} else {
			budget = min(budget, next-now)
		}
	}

	n := budget
	if !e.kernel.Idle() {
		var err error
		if n, err = e.kernel.RunSlice(budget); err != nil {
			return n, e.fail("run slice", err)
		}
	}
	if err := e.advance(now + n); err != nil {
		return n, err
	}
	return n, nil
}

// Step runs a single guest instruction. When no thread is runnable it
// advances to the next event instead.
func (e *Emulator) Step() error {
	if err := e.check(); err != nil {
		return err
	}
	if e.kernel.Idle() {
		next, ok := e.sched.NextEventTime()
		if !ok {
			return e.fail("step", errors.New("no runnable thread and no pending event"))
		}
		return e.advance(next)
	}
	n, err := e.kernel.Step()
	if err != nil {
		return e.fail("step", err)
	}
	return e.advance(e.sched.Now() + n)
}

// AdvanceTo runs the guest until virtual time reaches ticks.
func (e *Emulator) AdvanceTo(ticks uint64) error {
	for e.sched.Now() < ticks {
		if _, err := e.RunSlice(ticks - e.sched.Now()); err != nil {
			return err
		}
		if e.exited {
			return ErrGuestExited
		}
	}
	return nil
}

// PollScheduler fires every event due at the current time.
func (e *Emulator) PollScheduler() error {
	if e.fatal != nil {
		return e.fatal
	}
	return e.advance(e.sched.Now())
}

func (e *Emulator) advance(to uint64) error {
	if err := e.sched.AdvanceTo(to); err != nil {
		return e.fail("scheduler", err)
	}
	e.kernel.Wake()
	if err := e.kernel.Err(); err != nil {
		return e.fail("kernel", err)
	}
	if !e.exited && e.kernel.Exited() {
		e.exited = true
		slog.Info("Application exited", "name", e.name, "ticks", e.sched.Now(), "frames", e.frames)
	}
	return nil
}

func (e *Emulator) onVBlank(_ uint64, _ uint64) error {
	e.frames++
	e.frameOK = true
	e.lcd.OnVBlank()
	e.kernel.OnVBlank()
	host := e.kernel.Host()
	e.services.Interrupt(host, hw.InterruptVBlankTop)
	e.services.Interrupt(host, hw.InterruptVBlankBottom)
	e.vblank = e.sched.Schedule(e.cfg.CyclesPerFrame(), scheduler.VBlank, 0)
	return e.kernel.Err()
}

func (e *Emulator) onDeviceInterrupt(payload uint64, _ uint64) error {
	irq := hw.Interrupt(payload)
	if irq >= hw.NumInterrupts {
		return fmt.Errorf("unknown device interrupt %d", payload)
	}
	e.services.Interrupt(e.kernel.Host(), irq)
	return e.kernel.Err()
}

// RaiseInterrupt implements hw.Raiser for the peripherals.
func (e *Emulator) RaiseInterrupt(irq hw.Interrupt, delay uint64) {
	e.sched.Schedule(delay, scheduler.DeviceInterrupt, uint64(irq))
}

// InjectInterrupt delivers a GSP interrupt to the services right away, as
// if the hardware had raised it between two slices.
func (e *Emulator) InjectInterrupt(irq hw.Interrupt) error {
	if irq >= hw.NumInterrupts {
		return fmt.Errorf("unknown interrupt %d", irq)
	}
	e.services.Interrupt(e.kernel.Host(), irq)
	return e.advance(e.sched.Now())
}

// SetButtons sets the pad state read by the guest.
func (e *Emulator) SetButtons(b hw.Buttons) { e.hid.SetButtons(b) }

// GetRegisterSnapshot returns the registers of the running thread.
func (e *Emulator) GetRegisterSnapshot() cpu.State { return e.kernel.CPU().Snapshot() }

// SetRegisterSnapshot overwrites the registers of the running thread.
func (e *Emulator) SetRegisterSnapshot(s cpu.State) { e.kernel.CPU().SetSnapshot(s) }

// RegisterService adds an HLE service. Guest code reaches it through srv:.
func (e *Emulator) RegisterService(s services.Service) error {
	return e.services.Register(s)
}

// MapDevice maps dev into the application address space at base, now if an
// application is running and at every later boot.
func (e *Emulator) MapDevice(name string, base, size uint32, dev memory.Device) error {
	for _, m := range e.devices {
		if m.name == name {
			return fmt.Errorf("device %q already mapped", name)
		}
	}
	if e.booted {
		if err := e.kernel.Process().Space().MapDevice(name, base, size, memory.PermRW, dev); err != nil {
			return err
		}
	}
	e.devices = append(e.devices, deviceMapping{name, base, size, dev})
	return nil
}

// Memory returns the application address space, nil before boot.
func (e *Emulator) Memory() *memory.AddressSpace {
	if p := e.kernel.Process(); p != nil {
		return p.Space()
	}
	return nil
}

// LCD returns the LCD controller.
func (e *Emulator) LCD() *hw.LCD { return e.lcd }

// GPU returns the GPU control registers.
func (e *Emulator) GPU() *hw.GPU { return e.gpu }

// DebugOutput returns the lines the guest printed with svcOutputDebugString.
func (e *Emulator) DebugOutput() []string { return e.kernel.DebugOutput().Lines() }

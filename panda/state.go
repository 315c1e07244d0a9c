package panda

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/hw"
	"github.com/jonian/libretro-panda3ds/panda/kernel"
	"github.com/jonian/libretro-panda3ds/panda/loader"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
)

const saveStateVersion = 1

// saveState is everything needed to resume emulation. Guest memory travels
// inside the kernel state as memory blocks.
type saveState struct {
	Version uint32
	Name    string
	Image   *loader.Image

	Scheduler scheduler.State
	Kernel    kernel.State
	Services  map[string][]byte

	LCD     hw.LCDState
	GPU     hw.GPUState
	Buttons hw.Buttons

	VBlank scheduler.Handle
	Frames uint64
	Exited bool
}

func (e *Emulator) deviceName(dev memory.Device) string {
	for _, m := range e.devices {
		if m.dev == dev {
			return m.name
		}
	}
	return ""
}

func (e *Emulator) deviceByName(name string) (memory.Device, bool) {
	for _, m := range e.devices {
		if m.name == name {
			return m.dev, true
		}
	}
	return nil, false
}

// SaveState writes a snapshot of the whole machine to w. It must be called
// between frames or slices.
func (e *Emulator) SaveState(w io.Writer) error {
	if err := e.check(); err != nil && !errors.Is(err, ErrGuestExited) {
		return err
	}
	svc, err := e.services.SaveState()
	if err != nil {
		return fmt.Errorf("saving services: %w", err)
	}

	st := saveState{
		Version:   saveStateVersion,
		Name:      e.name,
		Image:     e.image,
		Scheduler: e.sched.Snapshot(),
		Kernel:    e.kernel.Snapshot(e.deviceName),
		Services:  svc,
		LCD:       e.lcd.Snapshot(),
		GPU:       e.gpu.Snapshot(),
		Buttons:   e.hid.Buttons(),
		VBlank:    e.vblank,
		Frames:    e.frames,
		Exited:    e.exited,
	}
	if err := gob.NewEncoder(w).Encode(&st); err != nil {
		return fmt.Errorf("encoding save state: %w", err)
	}

	slog.Info("State saved", "name", e.name, "ticks", st.Scheduler.Now, "frames", e.frames)
	return nil
}

// LoadState replaces the machine with a snapshot written by SaveState. On
// error the emulator is reset and must be loaded again.
func (e *Emulator) LoadState(r io.Reader) error {
	var st saveState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("decoding save state: %w", err)
	}
	if st.Version != saveStateVersion {
		return fmt.Errorf("save state version %d, want %d", st.Version, saveStateVersion)
	}

	if err := e.restore(&st); err != nil {
		_ = e.Reset(NoReload)
		return fmt.Errorf("loading save state: %w", err)
	}

	e.limiter.Reset()
	slog.Info("State loaded", "name", e.name, "ticks", st.Scheduler.Now, "frames", e.frames)
	return nil
}

func (e *Emulator) restore(st *saveState) error {
	if err := e.sched.Restore(st.Scheduler); err != nil {
		return err
	}
	if err := e.kernel.Restore(st.Kernel, e.deviceByName); err != nil {
		return err
	}
	if err := e.services.LoadState(st.Services); err != nil {
		return err
	}
	e.lcd.Restore(st.LCD)
	e.gpu.Restore(st.GPU)
	e.hid.SetButtons(st.Buttons)

	p := e.kernel.Process()
	if p == nil {
		return fmt.Errorf("save state has no application process")
	}
	e.gpu.SetMemory(p.Space())

	e.name = st.Name
	e.image = st.Image
	e.vblank = st.VBlank
	e.frames = st.Frames
	e.exited = st.Exited
	e.booted = true
	e.fatal = nil
	e.frameOK = false
	return nil
}

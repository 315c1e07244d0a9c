// Package hw implements the memory mapped peripherals the core emulates:
// the LCD controller, the GPU control registers and the HID pad.
package hw

import (
	"fmt"
	"log/slog"
	"sort"
)

// Device is a block of memory mapped registers. Offsets are relative to the
// start of the device and size is the access width in bytes.
type Device interface {
	Name() string
	Size() uint32
	Read(offset uint32, size int) uint32
	Write(offset uint32, size int, value uint32)
	Reset()
}

// Virtual addresses of the IO registers, as mapped for the GSP module.
const (
	HIDBase = 0x1EC46000
	LCDBase = 0x1ED02000
	GPUBase = 0x1EF00000

	// GSPRegisterBase is the address GSP register offsets are relative to.
	GSPRegisterBase = 0x1EB00000
)

// Interrupt is a GSP interrupt source.
type Interrupt uint8

const (
	InterruptPSC0 Interrupt = iota
	InterruptPSC1
	InterruptVBlankTop
	InterruptVBlankBottom
	InterruptPPF
	InterruptP3D
	InterruptDMA
	NumInterrupts
)

func (i Interrupt) String() string {
	switch i {
	case InterruptPSC0:
		return "PSC0"
	case InterruptPSC1:
		return "PSC1"
	case InterruptVBlankTop:
		return "VBlankTop"
	case InterruptVBlankBottom:
		return "VBlankBottom"
	case InterruptPPF:
		return "PPF"
	case InterruptP3D:
		return "P3D"
	case InterruptDMA:
		return "DMA"
	default:
		return fmt.Sprintf("Interrupt(%d)", uint8(i))
	}
}

// Raiser requests a GSP interrupt delay cycles from now.
type Raiser interface {
	RaiseInterrupt(irq Interrupt, delay uint64)
}

// registers is a plain word addressed register file that merges partial
// writes, the way the hardware latches byte lanes.
type registers []uint32

func (r registers) read(offset uint32, size int) uint32 {
	i := offset / 4
	if int(i) >= len(r) {
		return 0
	}
	shift := (offset & 3) * 8
	v := r[i] >> shift
	switch size {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	default:
		return v
	}
}

// merge returns the word at offset with a write of the given width applied.
func (r registers) merge(offset uint32, size int, value uint32) uint32 {
	i := offset / 4
	if int(i) >= len(r) {
		return 0
	}
	shift := (offset & 3) * 8
	var mask uint32
	switch size {
	case 1:
		mask = 0xFF
	case 2:
		mask = 0xFFFF
	default:
		mask = 0xFFFFFFFF
	}
	return r[i]&^(mask<<shift) | (value&mask)<<shift
}

type mapping struct {
	base uint32
	dev  Device
}

// Bus routes register accesses by virtual address to the mapped devices.
type Bus struct {
	maps []mapping
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Map places dev at base. Overlapping devices are rejected.
func (b *Bus) Map(base uint32, dev Device) error {
	end := uint64(base) + uint64(dev.Size())
	for _, m := range b.maps {
		mEnd := uint64(m.base) + uint64(m.dev.Size())
		if uint64(base) < mEnd && uint64(m.base) < end {
			return fmt.Errorf("mapping %s at 0x%08X: overlaps %s", dev.Name(), base, m.dev.Name())
		}
	}
	b.maps = append(b.maps, mapping{base: base, dev: dev})
	sort.Slice(b.maps, func(i, j int) bool { return b.maps[i].base < b.maps[j].base })
	return nil
}

func (b *Bus) find(addr uint32) (Device, uint32, bool) {
	for _, m := range b.maps {
		if addr >= m.base && addr-m.base < m.dev.Size() {
			return m.dev, addr - m.base, true
		}
	}
	return nil, 0, false
}

// Read32 reads a register word.
func (b *Bus) Read32(addr uint32) (uint32, bool) {
	dev, off, ok := b.find(addr)
	if !ok {
		slog.Warn("Read from unmapped IO register", "addr", fmt.Sprintf("0x%08X", addr))
		return 0, false
	}
	return dev.Read(off, 4), true
}

// Write32 writes a register word.
func (b *Bus) Write32(addr, value uint32) bool {
	dev, off, ok := b.find(addr)
	if !ok {
		slog.Warn("Write to unmapped IO register", "addr", fmt.Sprintf("0x%08X", addr), "value", fmt.Sprintf("0x%08X", value))
		return false
	}
	dev.Write(off, 4, value)
	return true
}

// Devices calls fn for every mapped device in address order.
func (b *Bus) Devices(fn func(base uint32, dev Device)) {
	for _, m := range b.maps {
		fn(m.base, m.dev)
	}
}

// Reset resets every device.
func (b *Bus) Reset() {
	for _, m := range b.maps {
		m.dev.Reset()
	}
}

package hw

import "github.com/jonian/libretro-panda3ds/panda/bit"

// Screen selects one of the two displays.
type Screen uint8

const (
	ScreenTop Screen = iota
	ScreenBottom
)

const (
	lcdSize = 0x1000

	lcdTopFill          = 0x204
	lcdTopBrightness    = 0x240
	lcdBottomFill       = 0xA04
	lcdBottomBrightness = 0xA40

	// fill registers: bits 0-23 color, bit 24 enable
	lcdFillEnable = 24
)

// LCD is the LCD controller. Its color fill registers black out a screen,
// which is what GSP's SetLcdForceBlack does.
type LCD struct {
	regs   registers
	frames uint64
}

// LCDState is the saved state of the LCD controller.
type LCDState struct {
	Regs   []uint32
	Frames uint64
}

// NewLCD returns a controller in its reset state.
func NewLCD() *LCD {
	l := &LCD{regs: make(registers, lcdSize/4)}
	l.Reset()
	return l
}

func (l *LCD) Name() string { return "lcd" }
func (l *LCD) Size() uint32 { return lcdSize }

func (l *LCD) Reset() {
	clear(l.regs)
	l.regs[lcdTopBrightness/4] = 0x8F
	l.regs[lcdBottomBrightness/4] = 0x8F
	l.frames = 0
}

func (l *LCD) Read(offset uint32, size int) uint32 {
	return l.regs.read(offset, size)
}

func (l *LCD) Write(offset uint32, size int, value uint32) {
	if offset >= lcdSize {
		return
	}
	l.regs[offset/4] = l.regs.merge(offset, size, value)
}

func fillRegister(s Screen) uint32 {
	if s == ScreenBottom {
		return lcdBottomFill
	}
	return lcdTopFill
}

// SetForceBlack enables or disables the black color fill of both screens.
func (l *LCD) SetForceBlack(on bool) {
	for _, s := range []Screen{ScreenTop, ScreenBottom} {
		l.regs[fillRegister(s)/4] = bit.SetTo(lcdFillEnable, 0, on)
	}
}

// Filled reports whether screen s shows its fill color instead of the
// framebuffer, and the color.
func (l *LCD) Filled(s Screen) (bool, uint32) {
	v := l.regs[fillRegister(s)/4]
	return bit.IsSet(lcdFillEnable, v), v & 0xFFFFFF
}

// OnVBlank counts a displayed frame.
func (l *LCD) OnVBlank() { l.frames++ }

// Frames returns the number of frames displayed since reset.
func (l *LCD) Frames() uint64 { return l.frames }

// Snapshot returns the controller state.
func (l *LCD) Snapshot() LCDState {
	return LCDState{Regs: append([]uint32(nil), l.regs...), Frames: l.frames}
}

// Restore loads a state returned by Snapshot.
func (l *LCD) Restore(st LCDState) {
	clear(l.regs)
	copy(l.regs, st.Regs)
	l.frames = st.Frames
}

package hw

// Buttons is a set of pad buttons, one bit each, set when pressed.
type Buttons uint32

const (
	ButtonA Buttons = 1 << iota
	ButtonB
	ButtonSelect
	ButtonStart
	ButtonRight
	ButtonLeft
	ButtonUp
	ButtonDown
	ButtonR
	ButtonL
	ButtonX
	ButtonY

	buttonMask Buttons = 1<<12 - 1
)

const hidPadState = 0x000

// HID is the pad register block. The register is active low: a cleared bit
// is a pressed button.
type HID struct {
	pressed Buttons
}

// NewHID returns a pad with nothing pressed.
func NewHID() *HID {
	return &HID{}
}

func (h *HID) Name() string { return "hid" }
func (h *HID) Size() uint32 { return 0x1000 }
func (h *HID) Reset()       { h.pressed = 0 }

func (h *HID) Read(offset uint32, size int) uint32 {
	if offset&^3 != hidPadState {
		return 0
	}
	regs := registers{uint32(^h.pressed & buttonMask)}
	return regs.read(offset, size)
}

// Write ignores writes, the pad register is read only.
func (h *HID) Write(uint32, int, uint32) {}

// SetButtons replaces the set of pressed buttons.
func (h *HID) SetButtons(b Buttons) { h.pressed = b & buttonMask }

// Buttons returns the pressed buttons.
func (h *HID) Buttons() Buttons { return h.pressed }

// Pressed reports whether every button in b is held.
func (h *HID) Pressed(b Buttons) bool {
	return h.pressed&b == b
}

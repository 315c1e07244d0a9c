package cpu

import (
	"math/bits"

	"github.com/jonian/libretro-panda3ds/panda/bit"
)

// condition evaluates an ARM condition code against the current flags.
func (c *CPU) condition(cond uint32) bool {
	switch cond {
	case 0x0: // EQ
		return c.Z
	case 0x1: // NE
		return !c.Z
	case 0x2: // CS
		return c.C
	case 0x3: // CC
		return !c.C
	case 0x4: // MI
		return c.N
	case 0x5: // PL
		return !c.N
	case 0x6: // VS
		return c.V
	case 0x7: // VC
		return !c.V
	case 0x8: // HI
		return c.C && !c.Z
	case 0x9: // LS
		return !c.C || c.Z
	case 0xA: // GE
		return c.N == c.V
	case 0xB: // LT
		return c.N != c.V
	case 0xC: // GT
		return !c.Z && c.N == c.V
	case 0xD: // LE
		return c.Z || c.N != c.V
	default: // AL
		return true
	}
}

// addWithCarry returns a + b + carry together with the carry out and signed
// overflow of the addition.
func addWithCarry(a, b uint32, carry bool) (result uint32, carryOut, overflow bool) {
	var cin uint32
	if carry {
		cin = 1
	}
	sum, cout := bits.Add32(a, b, cin)
	overflow = (a^sum)&(b^sum)&0x80000000 != 0
	return sum, cout != 0, overflow
}

func (c *CPU) setNZ(v uint32) {
	c.N = v&0x80000000 != 0
	c.Z = v == 0
}

// Shift types of the barrel shifter.
const (
	shiftLSL = 0
	shiftLSR = 1
	shiftASR = 2
	shiftROR = 3
)

// shiftImm applies an immediate encoded shift. An amount of zero encodes
// LSR #32, ASR #32 and RRX for the respective types.
func shiftImm(typ uint32, v uint32, amount uint32, carryIn bool) (uint32, bool) {
	switch typ {
	case shiftLSL:
		if amount == 0 {
			return v, carryIn
		}
		return v << amount, v&(1<<(32-amount)) != 0
	case shiftLSR:
		if amount == 0 {
			return 0, v&0x80000000 != 0
		}
		return v >> amount, v&(1<<(amount-1)) != 0
	case shiftASR:
		if amount == 0 {
			if v&0x80000000 != 0 {
				return 0xFFFFFFFF, true
			}
			return 0, false
		}
		return uint32(int32(v) >> amount), v&(1<<(amount-1)) != 0
	default:
		if amount == 0 {
			// RRX
			out := v >> 1
			if carryIn {
				out |= 0x80000000
			}
			return out, v&1 != 0
		}
		return bit.RotateRight(v, uint(amount)), v&(1<<(amount-1)) != 0
	}
}

// shiftReg applies a shift whose amount comes from the bottom byte of a
// register.
func shiftReg(typ uint32, v uint32, amount uint32, carryIn bool) (uint32, bool) {
	amount &= 0xFF
	if amount == 0 {
		return v, carryIn
	}
	switch typ {
	case shiftLSL:
		switch {
		case amount < 32:
			return v << amount, v&(1<<(32-amount)) != 0
		case amount == 32:
			return 0, v&1 != 0
		default:
			return 0, false
		}
	case shiftLSR:
		switch {
		case amount < 32:
			return v >> amount, v&(1<<(amount-1)) != 0
		case amount == 32:
			return 0, v&0x80000000 != 0
		default:
			return 0, false
		}
	case shiftASR:
		if amount >= 32 {
			if v&0x80000000 != 0 {
				return 0xFFFFFFFF, true
			}
			return 0, false
		}
		return uint32(int32(v) >> amount), v&(1<<(amount-1)) != 0
	default:
		rot := amount & 31
		if rot == 0 {
			return v, v&0x80000000 != 0
		}
		return bit.RotateRight(v, uint(rot)), v&(1<<(rot-1)) != 0
	}
}

// expandImm decodes an ARM modified immediate, an 8 bit value rotated right
// by twice the 4 bit rotation field.
func expandImm(imm12 uint32, carryIn bool) (uint32, bool) {
	rot := (imm12 >> 8) * 2
	v := imm12 & 0xFF
	if rot == 0 {
		return v, carryIn
	}
	v = bit.RotateRight(v, uint(rot))
	return v, v&0x80000000 != 0
}

// signed saturation of v to an n bit two's complement range
func signedSat(v int64, n uint) (int64, bool) {
	max := int64(1)<<(n-1) - 1
	min := -(int64(1) << (n - 1))
	switch {
	case v > max:
		return max, true
	case v < min:
		return min, true
	default:
		return v, false
	}
}

// unsigned saturation of v to an n bit range
func unsignedSat(v int64, n uint) (int64, bool) {
	max := int64(1)<<n - 1
	switch {
	case v > max:
		return max, true
	case v < 0:
		return 0, true
	default:
		return v, false
	}
}

package cpu

import (
	"math/bits"

	"github.com/jonian/libretro-panda3ds/panda/bit"
)

// armMedia covers the ARMv6 media instruction space.
func (c *CPU) armMedia(op uint32) {
	switch (op >> 23) & 3 {
	case 0:
		c.armParallel(op)
	case 1:
		c.armPackSatReverse(op)
	case 2:
		c.armSignedMultiply(op)
	case 3:
		if op&0x00F000F0 == 0x00000010 {
			c.armUSAD8(op)
			return
		}
		c.undefined()
	}
}

func (c *CPU) armParallel(op uint32) {
	rn := c.reg((op >> 16) & 0xF)
	rd := (op >> 12) & 0xF
	rm := c.reg(op & 0xF)
	prefix := (op >> 20) & 7
	kind := (op >> 5) & 7

	result, ge, ok := parallelAddSub(prefix, kind, rn, rm)
	if !ok {
		c.undefined()
		return
	}
	c.R[rd] = result
	// only the plain signed and unsigned forms set GE
	if prefix == 1 || prefix == 5 {
		c.GE = ge
	}
}

// parallelAddSub computes one of the SIMD add/subtract instructions. prefix
// selects signed (1), saturating (2), halving (3) and their unsigned
// counterparts (5, 6, 7); kind selects ADD16, ASX, SAX, SUB16, ADD8, SUB8.
func parallelAddSub(prefix, kind, a, b uint32) (uint32, uint8, bool) {
	signed := prefix < 4
	mode := prefix & 3
	if mode == 0 {
		return 0, 0, false
	}

	lane := func(x uint32, i, width uint) int64 {
		v := (x >> (i * width)) & (1<<width - 1)
		if signed {
			return int64(int32(bit.SignExtend(v, width)))
		}
		return int64(v)
	}

	var result uint32
	var ge uint8
	put := func(i, width uint, v int64, sub bool) {
		out := v
		switch mode {
		case 1:
			// GE marks a non negative signed result, an unsigned carry out
			// or the absence of an unsigned borrow
			set := v >= 0
			if !signed && !sub {
				set = v >= 1<<width
			}
			if set {
				if width == 8 {
					ge |= 1 << i
				} else {
					ge |= 3 << (2 * i)
				}
			}
		case 2:
			if signed {
				out, _ = signedSat(v, width)
			} else {
				out, _ = unsignedSat(v, width)
			}
		case 3:
			out = v >> 1
		}
		result |= (uint32(out) & (1<<width - 1)) << (i * width)
	}

	switch kind {
	case 0: // ADD16
		put(0, 16, lane(a, 0, 16)+lane(b, 0, 16), false)
		put(1, 16, lane(a, 1, 16)+lane(b, 1, 16), false)
	case 1: // ASX
		put(0, 16, lane(a, 0, 16)-lane(b, 1, 16), true)
		put(1, 16, lane(a, 1, 16)+lane(b, 0, 16), false)
	case 2: // SAX
		put(0, 16, lane(a, 0, 16)+lane(b, 1, 16), false)
		put(1, 16, lane(a, 1, 16)-lane(b, 0, 16), true)
	case 3: // SUB16
		put(0, 16, lane(a, 0, 16)-lane(b, 0, 16), true)
		put(1, 16, lane(a, 1, 16)-lane(b, 1, 16), true)
	case 4: // ADD8
		for i := uint(0); i < 4; i++ {
			put(i, 8, lane(a, i, 8)+lane(b, i, 8), false)
		}
	case 7: // SUB8
		for i := uint(0); i < 4; i++ {
			put(i, 8, lane(a, i, 8)-lane(b, i, 8), true)
		}
	default:
		return 0, 0, false
	}
	return result, ge, true
}

func (c *CPU) armPackSatReverse(op uint32) {
	rd := (op >> 12) & 0xF
	rm := c.reg(op & 0xF)
	rnIdx := (op >> 16) & 0xF
	op1 := (op >> 20) & 7

	switch {
	case op1 == 0 && op&0x20 == 0:
		// PKHBT, PKHTB
		rn := c.reg(rnIdx)
		amount := (op >> 7) & 0x1F
		if op&0x40 == 0 {
			shifted, _ := shiftImm(shiftLSL, rm, amount, c.C)
			c.R[rd] = rn&0xFFFF | shifted&0xFFFF0000
		} else {
			shifted, _ := shiftImm(shiftASR, rm, amount, c.C)
			c.R[rd] = rn&0xFFFF0000 | shifted&0xFFFF
		}
	case op1&2 == 2 && op&0x20 == 0:
		// SSAT, USAT
		typ := uint32(shiftLSL)
		if op&0x40 != 0 {
			typ = shiftASR
		}
		v, _ := shiftImm(typ, rm, (op>>7)&0x1F, c.C)
		satImm := uint((op >> 16) & 0x1F)
		var r int64
		var sat bool
		if op1&4 == 0 {
			r, sat = signedSat(int64(int32(v)), satImm+1)
		} else {
			r, sat = unsignedSat(int64(int32(v)), satImm)
		}
		if sat {
			c.Q = true
		}
		c.R[rd] = uint32(r)
	case (op1 == 2 || op1 == 6) && (op>>4)&0xF == 0x3:
		// SSAT16, USAT16
		var out uint32
		for i := uint(0); i < 2; i++ {
			h := int64(int16(rm >> (16 * i)))
			var r int64
			var sat bool
			if op1 == 2 {
				r, sat = signedSat(h, uint(rnIdx+1))
			} else {
				r, sat = unsignedSat(h, uint(rnIdx))
			}
			if sat {
				c.Q = true
			}
			out |= (uint32(r) & 0xFFFF) << (16 * i)
		}
		c.R[rd] = out
	case op1 == 0 && (op>>4)&0xF == 0xB:
		// SEL
		rn := c.reg(rnIdx)
		var out uint32
		for i := uint(0); i < 4; i++ {
			m := uint32(0xFF) << (8 * i)
			if c.GE&(1<<i) != 0 {
				out |= rn & m
			} else {
				out |= rm & m
			}
		}
		c.R[rd] = out
	case op1 == 3 && (op>>4)&0xF == 0x3:
		c.R[rd] = bit.ByteSwap(rm)
	case op1 == 3 && (op>>4)&0xF == 0xB:
		c.R[rd] = uint32(bits.ReverseBytes16(uint16(rm>>16)))<<16 | uint32(bits.ReverseBytes16(uint16(rm)))
	case op1 == 7 && (op>>4)&0xF == 0xB:
		c.R[rd] = uint32(int32(int16(bits.ReverseBytes16(uint16(rm)))))
	case (op>>4)&0xF == 0x7:
		c.armExtend(op)
	default:
		c.undefined()
	}
}

// armExtend handles the sign and zero extensions with optional add.
func (c *CPU) armExtend(op uint32) {
	rnIdx := (op >> 16) & 0xF
	rd := (op >> 12) & 0xF
	rot := ((op >> 10) & 3) * 8
	v := bit.RotateRight(c.reg(op&0xF), uint(rot))

	var acc uint32
	if rnIdx != PC {
		acc = c.reg(rnIdx)
	}

	var out uint32
	switch (op >> 20) & 7 {
	case 0: // SXTB16
		lo := uint32(int32(int8(v))) & 0xFFFF
		hi := uint32(int32(int8(v >> 16)))
		out = (acc+lo)&0xFFFF | ((acc>>16)+hi)<<16
	case 2: // SXTB
		out = acc + uint32(int32(int8(v)))
	case 3: // SXTH
		out = acc + uint32(int32(int16(v)))
	case 4: // UXTB16
		out = (acc+v&0xFF)&0xFFFF | ((acc>>16)+(v>>16)&0xFF)<<16
	case 6: // UXTB
		out = acc + v&0xFF
	case 7: // UXTH
		out = acc + v&0xFFFF
	default:
		c.undefined()
		return
	}
	c.R[rd] = out
}

// armSignedMultiply handles the dual 16 bit and most significant word
// multiplies.
func (c *CPU) armSignedMultiply(op uint32) {
	rd := (op >> 16) & 0xF
	raIdx := (op >> 12) & 0xF
	rs := c.reg((op >> 8) & 0xF)
	rm := c.reg(op & 0xF)
	swap := op&(1<<5) != 0
	sub := op&(1<<6) != 0
	c.instrCyc += 2

	if swap {
		rs = bits.RotateLeft32(rs, 16)
	}
	p1 := int64(int16(rm)) * int64(int16(rs))
	p2 := int64(int16(rm>>16)) * int64(int16(rs>>16))

	switch (op >> 20) & 7 {
	case 0:
		// SMLAD, SMUAD, SMLSD, SMUSD
		sum := p1 + p2
		if sub {
			sum = p1 - p2
		}
		if raIdx != PC {
			sum += int64(int32(c.reg(raIdx)))
		}
		if sum != int64(int32(sum)) {
			c.Q = true
		}
		c.R[rd] = uint32(sum)
	case 4:
		// SMLALD, SMLSLD with rd as RdHi and raIdx as RdLo
		sum := p1 + p2
		if sub {
			sum = p1 - p2
		}
		acc := int64(bit.Combine64(c.R[rd], c.R[raIdx])) + sum
		c.R[raIdx] = uint32(acc)
		c.R[rd] = uint32(uint64(acc) >> 32)
	case 5:
		// SMMLA, SMMUL, SMMLS with optional rounding
		product := int64(int32(c.reg(op&0xF))) * int64(int32(c.reg((op>>8)&0xF)))
		var acc int64
		if raIdx != PC {
			acc = int64(int32(c.reg(raIdx))) << 32
		}
		if (op>>6)&3 == 3 {
			product = acc - product
		} else {
			product = acc + product
		}
		if swap {
			product += 0x80000000
		}
		c.R[rd] = uint32(uint64(product) >> 32)
	default:
		c.undefined()
	}
}

func (c *CPU) armUSAD8(op uint32) {
	rd := (op >> 16) & 0xF
	raIdx := (op >> 12) & 0xF
	rs := c.reg((op >> 8) & 0xF)
	rm := c.reg(op & 0xF)

	var sum uint32
	for i := uint(0); i < 4; i++ {
		a := int32((rm >> (8 * i)) & 0xFF)
		b := int32((rs >> (8 * i)) & 0xFF)
		d := a - b
		if d < 0 {
			d = -d
		}
		sum += uint32(d)
	}
	if raIdx != PC {
		sum += c.reg(raIdx)
	}
	c.R[rd] = sum
}

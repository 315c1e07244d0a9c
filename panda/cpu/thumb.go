package cpu

import (
	"math/bits"

	"github.com/jonian/libretro-panda3ds/panda/bit"
)

// execThumb executes one Thumb instruction. The formats follow the ARM7TDMI
// numbering extended with the ARMv6 additions.
func (c *CPU) execThumb(op uint16) {
	o := uint32(op)
	switch {
	case o&0xF800 == 0xF000:
		// format 19, BL and BLX prefix
		c.R[LR] = c.reg(PC) + bit.SignExtend(o&0x7FF, 11)<<12
	case o&0xF800 == 0xF800:
		// format 19, BL suffix
		target := c.R[LR] + (o&0x7FF)<<1
		c.R[LR] = (c.curPC + 2) | 1
		c.branchTo(target)
	case o&0xF800 == 0xE800:
		if o&1 != 0 {
			c.undefined()
			return
		}
		// BLX suffix
		target := (c.R[LR] + (o&0x7FF)<<1) &^ 3
		c.R[LR] = (c.curPC + 2) | 1
		c.T = false
		c.branchTo(target)
	case o&0xF800 == 0xE000:
		// format 18, unconditional branch
		c.branchTo(c.reg(PC) + bit.SignExtend(o&0x7FF, 11)<<1)
	case o&0xFF00 == 0xDF00:
		// format 17, software interrupt
		c.svc = true
		c.svcNum = o & 0xFF
	case o&0xFF00 == 0xDE00:
		c.undefined()
	case o&0xF000 == 0xD000:
		// format 16, conditional branch
		if c.condition((o >> 8) & 0xF) {
			c.branchTo(c.reg(PC) + bit.SignExtend(o&0xFF, 8)<<1)
		}
	case o&0xF000 == 0xC000:
		c.thumbMultipleLoadStore(o)
	case o&0xF000 == 0xB000:
		c.thumbMisc(o)
	case o&0xF000 == 0xA000:
		// format 12, load address
		rd := (o >> 8) & 7
		imm := (o & 0xFF) << 2
		if o&0x0800 != 0 {
			c.R[rd] = c.R[SP] + imm
		} else {
			c.R[rd] = (c.reg(PC) &^ 3) + imm
		}
	case o&0xF000 == 0x9000:
		// format 11, SP-relative load/store
		rd := (o >> 8) & 7
		addr := c.R[SP] + (o&0xFF)<<2
		if o&0x0800 != 0 {
			v := c.read32(addr)
			if c.fault == nil {
				c.R[rd] = v
			}
		} else {
			c.write32(addr, c.R[rd])
		}
	case o&0xF000 == 0x8000:
		// format 10, load/store halfword
		rd := o & 7
		addr := c.R[(o>>3)&7] + ((o>>6)&0x1F)<<1
		if o&0x0800 != 0 {
			v := c.read16(addr)
			if c.fault == nil {
				c.R[rd] = v
			}
		} else {
			c.write16(addr, c.R[rd])
		}
	case o&0xE000 == 0x6000:
		c.thumbLoadStoreImm(o)
	case o&0xF000 == 0x5000:
		c.thumbLoadStoreReg(o)
	case o&0xF800 == 0x4800:
		// format 6, PC-relative load
		rd := (o >> 8) & 7
		v := c.read32((c.reg(PC) &^ 3) + (o&0xFF)<<2)
		if c.fault == nil {
			c.R[rd] = v
		}
	case o&0xFC00 == 0x4400:
		c.thumbHiRegister(o)
	case o&0xFC00 == 0x4000:
		c.thumbALU(o)
	case o&0xE000 == 0x2000:
		c.thumbImmediate(o)
	case o&0xF800 == 0x1800:
		c.thumbAddSubtract(o)
	default:
		// format 1, move shifted register
		rd := o & 7
		v, carry := shiftImm((o>>11)&3, c.R[(o>>3)&7], (o>>6)&0x1F, c.C)
		c.R[rd] = v
		c.setNZ(v)
		c.C = carry
	}
}

func (c *CPU) thumbAddSubtract(o uint32) {
	rd := o & 7
	a := c.R[(o>>3)&7]
	var b uint32
	if o&0x0400 != 0 {
		b = (o >> 6) & 7
	} else {
		b = c.R[(o>>6)&7]
	}

	var r uint32
	if o&0x0200 != 0 {
		r, c.C, c.V = addWithCarry(a, ^b, true)
	} else {
		r, c.C, c.V = addWithCarry(a, b, false)
	}
	c.R[rd] = r
	c.setNZ(r)
}

func (c *CPU) thumbImmediate(o uint32) {
	rd := (o >> 8) & 7
	imm := o & 0xFF
	var r uint32
	switch (o >> 11) & 3 {
	case 0: // MOV
		r = imm
		c.R[rd] = r
	case 1: // CMP
		r, c.C, c.V = addWithCarry(c.R[rd], ^imm, true)
	case 2: // ADD
		r, c.C, c.V = addWithCarry(c.R[rd], imm, false)
		c.R[rd] = r
	case 3: // SUB
		r, c.C, c.V = addWithCarry(c.R[rd], ^imm, true)
		c.R[rd] = r
	}
	c.setNZ(r)
}

func (c *CPU) thumbALU(o uint32) {
	rd := o & 7
	rs := c.R[(o>>3)&7]
	a := c.R[rd]

	var r uint32
	write := true
	switch (o >> 6) & 0xF {
	case 0x0: // AND
		r = a & rs
	case 0x1: // EOR
		r = a ^ rs
	case 0x2: // LSL
		r, c.C = shiftReg(shiftLSL, a, rs, c.C)
	case 0x3: // LSR
		r, c.C = shiftReg(shiftLSR, a, rs, c.C)
	case 0x4: // ASR
		r, c.C = shiftReg(shiftASR, a, rs, c.C)
	case 0x5: // ADC
		r, c.C, c.V = addWithCarry(a, rs, c.C)
	case 0x6: // SBC
		r, c.C, c.V = addWithCarry(a, ^rs, c.C)
	case 0x7: // ROR
		r, c.C = shiftReg(shiftROR, a, rs, c.C)
	case 0x8: // TST
		r = a & rs
		write = false
	case 0x9: // NEG
		r, c.C, c.V = addWithCarry(0, ^rs, true)
	case 0xA: // CMP
		r, c.C, c.V = addWithCarry(a, ^rs, true)
		write = false
	case 0xB: // CMN
		r, c.C, c.V = addWithCarry(a, rs, false)
		write = false
	case 0xC: // ORR
		r = a | rs
	case 0xD: // MUL
		r = a * rs
		c.instrCyc++
	case 0xE: // BIC
		r = a &^ rs
	case 0xF: // MVN
		r = ^rs
	}
	if write {
		c.R[rd] = r
	}
	c.setNZ(r)
}

func (c *CPU) thumbHiRegister(o uint32) {
	rd := o&7 | (o>>4)&8
	rm := (o >> 3) & 0xF

	switch (o >> 8) & 3 {
	case 0: // ADD
		c.setReg(rd, c.reg(rd)+c.reg(rm))
	case 1: // CMP
		r, carry, overflow := addWithCarry(c.reg(rd), ^c.reg(rm), true)
		c.setNZ(r)
		c.C, c.V = carry, overflow
	case 2: // MOV
		c.setReg(rd, c.reg(rm))
	case 3:
		target := c.reg(rm)
		if o&0x80 != 0 {
			// BLX
			c.R[LR] = (c.curPC + 2) | 1
		}
		c.branchExchange(target)
	}
}

func (c *CPU) thumbLoadStoreReg(o uint32) {
	rd := o & 7
	addr := c.R[(o>>3)&7] + c.R[(o>>6)&7]

	var v uint32
	load := true
	switch (o >> 9) & 7 {
	case 0: // STR
		c.write32(addr, c.R[rd])
		load = false
	case 1: // STRH
		c.write16(addr, c.R[rd])
		load = false
	case 2: // STRB
		c.write8(addr, c.R[rd])
		load = false
	case 3: // LDRSB
		v = uint32(int32(int8(c.read8(addr))))
	case 4: // LDR
		v = c.read32(addr)
	case 5: // LDRH
		v = c.read16(addr)
	case 6: // LDRB
		v = c.read8(addr)
	case 7: // LDRSH
		v = uint32(int32(int16(c.read16(addr))))
	}
	if load && c.fault == nil {
		c.R[rd] = v
	}
}

func (c *CPU) thumbLoadStoreImm(o uint32) {
	rd := o & 7
	base := c.R[(o>>3)&7]
	imm := (o >> 6) & 0x1F
	byteAccess := o&0x1000 != 0
	load := o&0x0800 != 0

	if byteAccess {
		addr := base + imm
		if load {
			v := c.read8(addr)
			if c.fault == nil {
				c.R[rd] = v
			}
			return
		}
		c.write8(addr, c.R[rd])
		return
	}

	addr := base + imm<<2
	if load {
		v := c.read32(addr)
		if c.fault == nil {
			c.R[rd] = v
		}
		return
	}
	c.write32(addr, c.R[rd])
}

func (c *CPU) thumbMisc(o uint32) {
	switch {
	case o&0xFF00 == 0xB000:
		// format 13, adjust SP
		imm := (o & 0x7F) << 2
		if o&0x80 != 0 {
			c.R[SP] -= imm
		} else {
			c.R[SP] += imm
		}
	case o&0xFF00 == 0xB200:
		rd := o & 7
		rm := c.R[(o>>3)&7]
		switch (o >> 6) & 3 {
		case 0:
			c.R[rd] = uint32(int32(int16(rm)))
		case 1:
			c.R[rd] = uint32(int32(int8(rm)))
		case 2:
			c.R[rd] = rm & 0xFFFF
		case 3:
			c.R[rd] = rm & 0xFF
		}
	case o&0xFE00 == 0xB400:
		// PUSH
		list := o & 0xFF
		if o&0x100 != 0 {
			list |= 1 << LR
		}
		if list == 0 {
			c.undefined()
			return
		}
		n := uint32(bits.OnesCount32(list))
		start := c.R[SP] - 4*n
		c.transferList(start, list, false, SP, true, start)
	case o&0xFE00 == 0xBC00:
		// POP
		list := o & 0xFF
		if o&0x100 != 0 {
			list |= 1 << PC
		}
		if list == 0 {
			c.undefined()
			return
		}
		n := uint32(bits.OnesCount32(list))
		c.transferList(c.R[SP], list, true, SP, true, c.R[SP]+4*n)
	case o&0xFFF7 == 0xB650:
		// SETEND, little endian only
		if o&0x8 != 0 {
			c.undefined()
		}
	case o&0xFFE8 == 0xB660:
		// CPS, ignored in user mode
	case o&0xFF00 == 0xBA00:
		rd := o & 7
		rm := c.R[(o>>3)&7]
		switch (o >> 6) & 3 {
		case 0:
			c.R[rd] = bit.ByteSwap(rm)
		case 1:
			c.R[rd] = uint32(bits.ReverseBytes16(uint16(rm>>16)))<<16 | uint32(bits.ReverseBytes16(uint16(rm)))
		case 3:
			c.R[rd] = uint32(int32(int16(bits.ReverseBytes16(uint16(rm)))))
		default:
			c.undefined()
		}
	case o&0xFF00 == 0xBE00:
		c.bkpt = true
	default:
		c.undefined()
	}
}

func (c *CPU) thumbMultipleLoadStore(o uint32) {
	rb := (o >> 8) & 7
	list := o & 0xFF
	if list == 0 {
		c.undefined()
		return
	}
	load := o&0x0800 != 0
	n := uint32(bits.OnesCount32(list))
	base := c.R[rb]
	// LDMIA writes back only when the base is not in the list
	c.transferList(base, list, load, rb, !load || list&(1<<rb) == 0, base+4*n)
}

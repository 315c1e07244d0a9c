package cpu

import (
	"math/bits"

	"github.com/jonian/libretro-panda3ds/panda/memory"
)

// armLoadStore handles LDR, STR, LDRB and STRB.
func (c *CPU) armLoadStore(op uint32) {
	pre := op&(1<<24) != 0
	up := op&(1<<23) != 0
	byteAccess := op&(1<<22) != 0
	writeback := op&(1<<21) != 0
	load := op&(1<<20) != 0
	rn := (op >> 16) & 0xF
	rd := (op >> 12) & 0xF

	var offset uint32
	if op&(1<<25) == 0 {
		offset = op & 0xFFF
	} else {
		offset, _ = shiftImm((op>>5)&3, c.reg(op&0xF), (op>>7)&0x1F, c.C)
	}

	base := c.reg(rn)
	addr := base
	next := base + offset
	if !up {
		next = base - offset
	}
	if pre {
		addr = next
	}

	if load {
		var v uint32
		if byteAccess {
			v = c.read8(addr)
		} else {
			v = c.read32(addr)
		}
		if c.fault != nil {
			return
		}
		if (writeback || !pre) && rn != rd {
			c.R[rn] = next
		}
		c.setRegInterwork(rd, v)
		return
	}

	v := c.reg(rd)
	if byteAccess {
		c.write8(addr, v)
	} else {
		c.write32(addr, v)
	}
	if c.fault != nil {
		return
	}
	if writeback || !pre {
		c.R[rn] = next
	}
}

// armExtraLoadStore handles the halfword, signed and doubleword transfers.
func (c *CPU) armExtraLoadStore(op uint32) {
	pre := op&(1<<24) != 0
	up := op&(1<<23) != 0
	writeback := op&(1<<21) != 0
	load := op&(1<<20) != 0
	rn := (op >> 16) & 0xF
	rd := (op >> 12) & 0xF
	sh := (op >> 5) & 3

	var offset uint32
	if op&(1<<22) != 0 {
		offset = (op>>4)&0xF0 | op&0xF
	} else {
		offset = c.reg(op & 0xF)
	}

	base := c.reg(rn)
	addr := base
	next := base + offset
	if !up {
		next = base - offset
	}
	if pre {
		addr = next
	}
	wb := writeback || !pre

	switch {
	case load && sh == 1: // LDRH
		v := c.read16(addr)
		c.finishLoad(rn, rd, next, wb, v)
	case load && sh == 2: // LDRSB
		v := uint32(int32(int8(c.read8(addr))))
		c.finishLoad(rn, rd, next, wb, v)
	case load && sh == 3: // LDRSH
		v := uint32(int32(int16(c.read16(addr))))
		c.finishLoad(rn, rd, next, wb, v)
	case sh == 1: // STRH
		c.write16(addr, c.reg(rd))
		if c.fault == nil && wb {
			c.R[rn] = next
		}
	case sh == 2: // LDRD
		if rd&1 != 0 {
			c.undefined()
			return
		}
		if addr&3 != 0 {
			c.alignFault(addr, 8, memory.AccessRead)
			return
		}
		lo := c.read32(addr)
		hi := c.read32(addr + 4)
		if c.fault != nil {
			return
		}
		if wb && rn != rd && rn != rd+1 {
			c.R[rn] = next
		}
		c.R[rd] = lo
		c.setReg(rd+1, hi)
	case sh == 3: // STRD
		if rd&1 != 0 {
			c.undefined()
			return
		}
		if addr&3 != 0 {
			c.alignFault(addr, 8, memory.AccessWrite)
			return
		}
		c.write32(addr, c.reg(rd))
		c.write32(addr+4, c.reg(rd+1))
		if c.fault == nil && wb {
			c.R[rn] = next
		}
	}
}

func (c *CPU) finishLoad(rn, rd, next uint32, wb bool, v uint32) {
	if c.fault != nil {
		return
	}
	if wb && rn != rd {
		c.R[rn] = next
	}
	c.setReg(rd, v)
}

// armBlockTransfer handles LDM and STM in all four addressing modes.
func (c *CPU) armBlockTransfer(op uint32) {
	pre := op&(1<<24) != 0
	up := op&(1<<23) != 0
	writeback := op&(1<<21) != 0
	load := op&(1<<20) != 0
	rn := (op >> 16) & 0xF
	list := op & 0xFFFF

	if list == 0 {
		c.undefined()
		return
	}

	n := uint32(bits.OnesCount32(list))
	base := c.reg(rn)
	var start, final uint32
	if up {
		start = base
		final = base + 4*n
		if pre {
			start += 4
		}
	} else {
		start = base - 4*n
		final = start
		if !pre {
			start += 4
		}
	}

	c.transferList(start, list, load, rn, writeback, final)
}

// transferList moves the registers in list to or from consecutive words
// starting at addr, lowest register at the lowest address.
func (c *CPU) transferList(addr uint32, list uint32, load bool, rn uint32, writeback bool, final uint32) {
	if addr&3 != 0 {
		access := memory.AccessWrite
		if load {
			access = memory.AccessRead
		}
		c.alignFault(addr, 4, access)
		return
	}

	if load {
		var values [16]uint32
		a := addr
		for r := uint32(0); r < 16; r++ {
			if list&(1<<r) != 0 {
				values[r] = c.read32(a)
				a += 4
			}
		}
		if c.fault != nil {
			return
		}
		if writeback && list&(1<<rn) == 0 {
			c.R[rn] = final
		}
		for r := uint32(0); r < 15; r++ {
			if list&(1<<r) != 0 {
				c.R[r] = values[r]
			}
		}
		if list&(1<<PC) != 0 {
			c.branchExchange(values[PC])
		}
		return
	}

	a := addr
	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) != 0 {
			v := c.reg(r)
			if r == PC {
				v = c.curPC + 8
			}
			c.write32(a, v)
			a += 4
		}
	}
	if c.fault == nil && writeback {
		c.R[rn] = final
	}
}

// armExclusive handles LDREX and STREX with their byte, halfword and
// doubleword forms. The monitor is a single address, cleared by any context
// switch.
func (c *CPU) armExclusive(op uint32) {
	load := op&(1<<20) != 0
	rn := c.reg((op >> 16) & 0xF)
	rd := (op >> 12) & 0xF
	rt := op & 0xF

	size := uint32(4)
	switch (op >> 21) & 3 {
	case 1:
		size = 8
	case 2:
		size = 1
	case 3:
		size = 2
	}
	align := size
	if align == 8 {
		align = 4
	}
	if rn&(align-1) != 0 {
		access := memory.AccessWrite
		if load {
			access = memory.AccessRead
		}
		c.alignFault(rn, int(size), access)
		return
	}

	if load {
		var lo, hi uint32
		switch size {
		case 1:
			lo = c.read8(rn)
		case 2:
			lo = c.read16(rn)
		case 4:
			lo = c.read32(rn)
		case 8:
			lo = c.read32(rn)
			hi = c.read32(rn + 4)
		}
		if c.fault != nil {
			return
		}
		c.R[rd] = lo
		if size == 8 {
			c.R[rd+1] = hi
		}
		c.ExclusiveValid = true
		c.ExclusiveAddr = rn
		return
	}

	if !c.ExclusiveValid || c.ExclusiveAddr != rn {
		c.R[rd] = 1
		return
	}
	switch size {
	case 1:
		c.write8(rn, c.R[rt])
	case 2:
		c.write16(rn, c.R[rt])
	case 4:
		c.write32(rn, c.R[rt])
	case 8:
		c.write32(rn, c.R[rt])
		c.write32(rn+4, c.R[rt+1])
	}
	if c.fault != nil {
		return
	}
	c.R[rd] = 0
	c.clearExclusive()
}

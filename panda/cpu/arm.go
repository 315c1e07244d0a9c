package cpu

import (
	"math/bits"

	"github.com/jonian/libretro-panda3ds/panda/bit"
	"github.com/jonian/libretro-panda3ds/panda/memory"
)

// execARM executes one A32 instruction. The PC already points past it.
func (c *CPU) execARM(op uint32) {
	cond := op >> 28
	if cond == 0xF {
		c.armUnconditional(op)
		return
	}
	if !c.condition(cond) {
		return
	}

	switch (op >> 25) & 7 {
	case 0b000:
		c.armGroup0(op)
	case 0b001:
		c.armGroup1(op)
	case 0b010:
		c.armLoadStore(op)
	case 0b011:
		if op&0x10 != 0 {
			c.armMedia(op)
			return
		}
		c.armLoadStore(op)
	case 0b100:
		c.armBlockTransfer(op)
	case 0b101:
		c.armBranch(op)
	case 0b110:
		c.armCoprocessorTransfer(op)
	case 0b111:
		if op&(1<<24) != 0 {
			c.svc = true
			c.svcNum = op & 0xFF
			return
		}
		c.armCoprocessor(op)
	}
}

func (c *CPU) armUnconditional(op uint32) {
	switch {
	case op&0x0E000000 == 0x0A000000:
		// BLX immediate
		offset := bit.SignExtend(op&0x00FFFFFF, 24) << 2
		if op&(1<<24) != 0 {
			offset += 2
		}
		target := c.reg(PC) + offset
		c.R[LR] = c.curPC + 4
		c.T = true
		c.branchTo(target)
	case op&0x0D70F000 == 0x0550F000:
		// PLD
	case op == 0xF57FF01F:
		c.clearExclusive()
	case op&0x0FF10020 == 0x01000000:
		// CPS, ignored in user mode
	case op&0x0FFFFDFF == 0x01010000:
		// SETEND LE only
		if op&(1<<9) != 0 {
			c.undefined()
		}
	default:
		c.undefined()
	}
}

// armGroup0 covers data processing with register operands, multiplies,
// extra load/stores and the miscellaneous instructions.
func (c *CPU) armGroup0(op uint32) {
	switch {
	case op&0x0FC000F0 == 0x00000090:
		c.armMultiply(op)
	case op&0x0F8000F0 == 0x00800090:
		c.armMultiplyLong(op)
	case op&0x0FF000F0 == 0x00400090:
		c.armMultiplyLong(op)
	case op&0x0FB00FF0 == 0x01000090:
		c.armSwap(op)
	case op&0x0F800FF0 == 0x01800F90:
		c.armExclusive(op)
	case op&0x90 == 0x90 && op&0x60 != 0:
		c.armExtraLoadStore(op)
	case op&0x01900000 == 0x01000000:
		c.armMisc(op)
	default:
		c.armDataProcessing(op)
	}
}

func (c *CPU) armGroup1(op uint32) {
	if op&0x01900000 == 0x01000000 {
		// the compare space without S: MSR immediate, hints, MOVW/MOVT
		switch op & 0x00F00000 {
		case 0x00200000, 0x00600000:
			if op&0x000F0000 == 0 && op&(1<<22) == 0 {
				c.armHint(op)
				return
			}
			imm, _ := expandImm(op&0xFFF, c.C)
			c.msr(op, imm)
		default:
			c.undefined()
		}
		return
	}
	c.armDataProcessing(op)
}

func (c *CPU) armHint(op uint32) {
	switch op & 0xFF {
	case 0, 1: // NOP, YIELD
		if op&0xFF == 1 {
			c.EndSlice()
		}
	case 2, 3, 4: // WFE, WFI, SEV
		c.EndSlice()
	default:
		// remaining hints behave as NOP
	}
}

// Data processing opcodes.
const (
	opAND = iota
	opEOR
	opSUB
	opRSB
	opADD
	opADC
	opSBC
	opRSC
	opTST
	opTEQ
	opCMP
	opCMN
	opORR
	opMOV
	opBIC
	opMVN
)

func (c *CPU) armDataProcessing(op uint32) {
	opcode := (op >> 21) & 0xF
	setFlags := op&(1<<20) != 0
	rn := (op >> 16) & 0xF
	rd := (op >> 12) & 0xF

	var operand uint32
	var shiftCarry bool
	if op&(1<<25) != 0 {
		operand, shiftCarry = expandImm(op&0xFFF, c.C)
	} else {
		rm := op & 0xF
		typ := (op >> 5) & 3
		if op&0x10 != 0 {
			rs := (op >> 8) & 0xF
			c.instrCyc++
			operand, shiftCarry = shiftReg(typ, c.reg(rm), c.reg(rs), c.C)
		} else {
			operand, shiftCarry = shiftImm(typ, c.reg(rm), (op>>7)&0x1F, c.C)
		}
	}

	a := c.reg(rn)
	var result uint32
	carry, overflow := c.C, c.V
	arith := false
	write := true

	switch opcode {
	case opAND:
		result = a & operand
	case opEOR:
		result = a ^ operand
	case opSUB:
		result, carry, overflow = addWithCarry(a, ^operand, true)
		arith = true
	case opRSB:
		result, carry, overflow = addWithCarry(operand, ^a, true)
		arith = true
	case opADD:
		result, carry, overflow = addWithCarry(a, operand, false)
		arith = true
	case opADC:
		result, carry, overflow = addWithCarry(a, operand, c.C)
		arith = true
	case opSBC:
		result, carry, overflow = addWithCarry(a, ^operand, c.C)
		arith = true
	case opRSC:
		result, carry, overflow = addWithCarry(operand, ^a, c.C)
		arith = true
	case opTST:
		result = a & operand
		write = false
	case opTEQ:
		result = a ^ operand
		write = false
	case opCMP:
		result, carry, overflow = addWithCarry(a, ^operand, true)
		arith = true
		write = false
	case opCMN:
		result, carry, overflow = addWithCarry(a, operand, false)
		arith = true
		write = false
	case opORR:
		result = a | operand
	case opMOV:
		result = operand
	case opBIC:
		result = a &^ operand
	case opMVN:
		result = ^operand
	}

	if write {
		c.setReg(rd, result)
	}

	// flag setting writes to the PC are exception returns, which have no
	// SPSR to restore in user mode
	if setFlags && !(write && rd == PC) {
		c.setNZ(result)
		if arith {
			c.C = carry
			c.V = overflow
		} else {
			c.C = shiftCarry
		}
	}
}

func (c *CPU) armMisc(op uint32) {
	switch (op >> 4) & 0xF {
	case 0x0:
		if op&(1<<21) == 0 {
			// MRS
			rd := (op >> 12) & 0xF
			if op&(1<<22) != 0 {
				c.R[rd] = 0
				return
			}
			c.R[rd] = c.CPSR()
			return
		}
		c.msr(op, c.reg(op&0xF))
	case 0x1:
		switch (op >> 21) & 3 {
		case 1: // BX
			c.branchExchange(c.reg(op & 0xF))
		case 3: // CLZ
			c.R[(op>>12)&0xF] = uint32(bits.LeadingZeros32(c.reg(op & 0xF)))
		default:
			c.undefined()
		}
	case 0x2:
		if (op>>21)&3 == 1 {
			// BXJ, no Jazelle
			c.branchExchange(c.reg(op & 0xF))
			return
		}
		c.undefined()
	case 0x3:
		if (op>>21)&3 == 1 {
			target := c.reg(op & 0xF)
			c.R[LR] = c.curPC + 4
			c.branchExchange(target)
			return
		}
		c.undefined()
	case 0x5:
		c.armSaturatingAdd(op)
	case 0x7:
		if (op>>21)&3 == 1 {
			c.bkpt = true
			return
		}
		c.undefined()
	case 0x8, 0xA, 0xC, 0xE:
		c.armHalfwordMultiply(op)
	default:
		c.undefined()
	}
}

// msr writes the user writable CPSR fields selected by the field mask.
func (c *CPU) msr(op uint32, value uint32) {
	if op&(1<<22) != 0 {
		// SPSR does not exist in user mode
		return
	}
	mask := (op >> 16) & 0xF
	if mask&0x8 != 0 {
		c.setFlags(value)
		c.Q = value&(1<<cpsrQ) != 0
	}
	if mask&0x4 != 0 {
		c.GE = uint8(value>>cpsrGEShift) & 0xF
	}
}

func (c *CPU) armSaturatingAdd(op uint32) {
	rd := (op >> 12) & 0xF
	a := int64(int32(c.reg(op & 0xF)))
	b := int64(int32(c.reg((op >> 16) & 0xF)))

	var sat bool
	if op&(1<<22) != 0 {
		// QDADD, QDSUB double the second operand first
		var s bool
		b, s = signedSat(b*2, 32)
		sat = sat || s
	}

	var r int64
	var s bool
	if op&(1<<21) != 0 {
		r, s = signedSat(a-b, 32)
	} else {
		r, s = signedSat(a+b, 32)
	}
	if sat || s {
		c.Q = true
	}
	c.R[rd] = uint32(r)
}

func (c *CPU) armMultiply(op uint32) {
	rd := (op >> 16) & 0xF
	rn := (op >> 12) & 0xF
	rs := (op >> 8) & 0xF
	rm := op & 0xF

	result := c.reg(rm) * c.reg(rs)
	c.instrCyc += 1
	if op&(1<<21) != 0 {
		result += c.reg(rn)
		c.instrCyc++
	}
	c.R[rd] = result
	if op&(1<<20) != 0 {
		c.setNZ(result)
	}
}

func (c *CPU) armMultiplyLong(op uint32) {
	rdHi := (op >> 16) & 0xF
	rdLo := (op >> 12) & 0xF
	rs := c.reg((op >> 8) & 0xF)
	rm := c.reg(op & 0xF)
	c.instrCyc += 2

	var result uint64
	switch (op >> 21) & 7 {
	case 0b010:
		// UMAAL
		result = uint64(rm)*uint64(rs) + uint64(c.R[rdLo]) + uint64(c.R[rdHi])
		c.R[rdLo] = uint32(result)
		c.R[rdHi] = uint32(result >> 32)
		return
	case 0b100:
		result = uint64(rm) * uint64(rs)
	case 0b101:
		result = uint64(rm)*uint64(rs) + bit.Combine64(c.R[rdHi], c.R[rdLo])
		c.instrCyc++
	case 0b110:
		result = uint64(int64(int32(rm)) * int64(int32(rs)))
	case 0b111:
		result = uint64(int64(int32(rm))*int64(int32(rs))) + bit.Combine64(c.R[rdHi], c.R[rdLo])
		c.instrCyc++
	default:
		c.undefined()
		return
	}

	c.R[rdLo] = uint32(result)
	c.R[rdHi] = uint32(result >> 32)
	if op&(1<<20) != 0 {
		c.N = result&(1<<63) != 0
		c.Z = result == 0
	}
}

func halfword(v uint32, top bool) int32 {
	if top {
		return int32(v) >> 16
	}
	return int32(int16(v))
}

func (c *CPU) armHalfwordMultiply(op uint32) {
	rd := (op >> 16) & 0xF
	rn := (op >> 12) & 0xF
	rs := c.reg((op >> 8) & 0xF)
	rm := c.reg(op & 0xF)
	x := op&(1<<5) != 0
	y := op&(1<<6) != 0
	c.instrCyc++

	switch (op >> 21) & 3 {
	case 0:
		// SMLAxy
		product := int64(halfword(rm, x)) * int64(halfword(rs, y))
		sum := product + int64(int32(c.reg(rn)))
		if sum != int64(int32(sum)) {
			c.Q = true
		}
		c.R[rd] = uint32(sum)
	case 1:
		// SMLAWy and SMULWy
		product := (int64(int32(rm)) * int64(halfword(rs, y))) >> 16
		if x {
			c.R[rd] = uint32(product)
			return
		}
		sum := product + int64(int32(c.reg(rn)))
		if sum != int64(int32(sum)) {
			c.Q = true
		}
		c.R[rd] = uint32(sum)
	case 2:
		// SMLALxy, rd is RdHi and rn RdLo
		product := int64(halfword(rm, x)) * int64(halfword(rs, y))
		acc := int64(bit.Combine64(c.R[rd], c.R[rn])) + product
		c.R[rn] = uint32(acc)
		c.R[rd] = uint32(uint64(acc) >> 32)
	case 3:
		// SMULxy
		c.R[rd] = uint32(halfword(rm, x) * halfword(rs, y))
	}
}

func (c *CPU) armSwap(op uint32) {
	rn := c.reg((op >> 16) & 0xF)
	rd := (op >> 12) & 0xF
	rm := c.reg(op & 0xF)

	if op&(1<<22) != 0 {
		v := c.read8(rn)
		c.write8(rn, rm)
		if c.fault == nil {
			c.R[rd] = v
		}
		return
	}
	if rn&3 != 0 {
		c.alignFault(rn, 4, memory.AccessRead)
		return
	}
	v := c.read32(rn)
	c.write32(rn, rm)
	if c.fault == nil {
		c.R[rd] = v
	}
	c.clearExclusive()
}

func (c *CPU) armBranch(op uint32) {
	offset := bit.SignExtend(op&0x00FFFFFF, 24) << 2
	target := c.reg(PC) + offset
	if op&(1<<24) != 0 {
		c.R[LR] = c.curPC + 4
	}
	c.branchTo(target)
}

package asm

// Thumb encoders, one halfword per instruction.

// ThumbMovImm encodes MOVS rd, #imm8.
func ThumbMovImm(rd, imm uint32) uint16 { return uint16(0x2000 | rd<<8 | imm&0xFF) }

// ThumbAddImm encodes ADDS rd, #imm8.
func ThumbAddImm(rd, imm uint32) uint16 { return uint16(0x3000 | rd<<8 | imm&0xFF) }

// ThumbCmpImm encodes CMP rd, #imm8.
func ThumbCmpImm(rd, imm uint32) uint16 { return uint16(0x2800 | rd<<8 | imm&0xFF) }

// ThumbALU encodes one of the format 4 register operations.
func ThumbALU(op, rd, rs uint32) uint16 { return uint16(0x4000 | op<<6 | rs<<3 | rd) }

// ThumbLSL encodes LSLS rd, rs, #amount.
func ThumbLSL(rd, rs, amount uint32) uint16 { return uint16(amount<<6 | rs<<3 | rd) }

// ThumbBX encodes BX rm.
func ThumbBX(rm uint32) uint16 { return uint16(0x4700 | rm<<3) }

// ThumbPush encodes PUSH {list} with lr when withLR is set.
func ThumbPush(list uint8, withLR bool) uint16 {
	op := uint16(0xB400) | uint16(list)
	if withLR {
		op |= 0x100
	}
	return op
}

// ThumbPop encodes POP {list} with pc when withPC is set.
func ThumbPop(list uint8, withPC bool) uint16 {
	op := uint16(0xBC00) | uint16(list)
	if withPC {
		op |= 0x100
	}
	return op
}

// ThumbBranch encodes an unconditional branch by a byte offset relative to
// the instruction.
func ThumbBranch(offset int32) uint16 { return uint16(0xE000 | uint32((offset-4)>>1)&0x7FF) }

// ThumbBranchCond encodes a conditional branch.
func ThumbBranchCond(cond Cond, offset int32) uint16 {
	return uint16(0xD000 | uint32(cond)<<8 | uint32((offset-4)>>1)&0xFF)
}

// ThumbBL encodes the two halves of BL with a byte offset relative to the
// first half.
func ThumbBL(offset int32) (uint16, uint16) {
	off := uint32(offset - 4)
	return uint16(0xF000 | (off>>12)&0x7FF), uint16(0xF800 | (off>>1)&0x7FF)
}

// ThumbSVC encodes SVC #imm8.
func ThumbSVC(n uint32) uint16 { return uint16(0xDF00 | n&0xFF) }

// ThumbLdrImm encodes LDR rd, [rb, #imm5*4].
func ThumbLdrImm(rd, rb, imm uint32) uint16 { return uint16(0x6800 | (imm/4)<<6 | rb<<3 | rd) }

// ThumbStrImm encodes STR rd, [rb, #imm5*4].
func ThumbStrImm(rd, rb, imm uint32) uint16 { return uint16(0x6000 | (imm/4)<<6 | rb<<3 | rd) }

package disasm

import (
	"fmt"

	"github.com/jonian/libretro-panda3ds/panda/bit"
)

var thumbALUNames = [16]string{"ands", "eors", "lsls", "lsrs", "asrs", "adcs", "sbcs", "rors", "tst", "negs", "cmp", "cmn", "orrs", "muls", "bics", "mvns"}

// DisassembleThumb disassembles one Thumb instruction located at addr. The
// halves of BL are shown separately.
func DisassembleThumb(addr uint32, op uint16) Line {
	return Line{Address: addr, Opcode: uint32(op), Text: thumbText(addr, uint32(op)), Size: 2}
}

func lowReg(o uint32, shift uint) string { return reg((o >> shift) & 7) }

func thumbText(addr, o uint32) string {
	switch {
	case o&0xF800 == 0xF000:
		return fmt.Sprintf("bl.hi #0x%X", bit.SignExtend(o&0x7FF, 11)<<12)
	case o&0xF800 == 0xF800:
		return fmt.Sprintf("bl.lo #0x%X", (o&0x7FF)<<1)
	case o&0xF800 == 0xE800:
		return fmt.Sprintf("blx.lo #0x%X", (o&0x7FF)<<1)
	case o&0xF800 == 0xE000:
		return fmt.Sprintf("b #0x%08X", addr+4+bit.SignExtend(o&0x7FF, 11)<<1)
	case o&0xFF00 == 0xDF00:
		return fmt.Sprintf("svc #0x%02X", o&0xFF)
	case o&0xFF00 == 0xDE00:
		return fmt.Sprintf("udf #0x%02X", o&0xFF)
	case o&0xF000 == 0xD000:
		return fmt.Sprintf("b%s #0x%08X", condNames[(o>>8)&0xF], addr+4+bit.SignExtend(o&0xFF, 8)<<1)
	case o&0xF000 == 0xC000:
		name := "stmia"
		if o&0x0800 != 0 {
			name = "ldmia"
		}
		return fmt.Sprintf("%s %s!, %s", name, lowReg(o, 8), regList(o&0xFF))
	case o&0xFF00 == 0xB000:
		sign := ""
		if o&0x80 != 0 {
			sign = "-"
		}
		return fmt.Sprintf("add sp, #%s0x%X", sign, (o&0x7F)<<2)
	case o&0xFF00 == 0xB200:
		name := [4]string{"sxth", "sxtb", "uxth", "uxtb"}[(o>>6)&3]
		return fmt.Sprintf("%s %s, %s", name, lowReg(o, 0), lowReg(o, 3))
	case o&0xFE00 == 0xB400:
		list := o & 0xFF
		if o&0x100 != 0 {
			list |= 1 << 14
		}
		return "push " + regList(list)
	case o&0xFE00 == 0xBC00:
		list := o & 0xFF
		if o&0x100 != 0 {
			list |= 1 << 15
		}
		return "pop " + regList(list)
	case o&0xFF00 == 0xBA00:
		name := [4]string{"rev", "rev16", "", "revsh"}[(o>>6)&3]
		if name == "" {
			break
		}
		return fmt.Sprintf("%s %s, %s", name, lowReg(o, 0), lowReg(o, 3))
	case o&0xFF00 == 0xBE00:
		return fmt.Sprintf("bkpt #0x%02X", o&0xFF)
	case o&0xFFE8 == 0xB660:
		return "cps"
	case o&0xF000 == 0xA000:
		src := "pc"
		if o&0x0800 != 0 {
			src = "sp"
		}
		return fmt.Sprintf("add %s, %s, #0x%X", lowReg(o, 8), src, (o&0xFF)<<2)
	case o&0xF000 == 0x9000:
		name := "str"
		if o&0x0800 != 0 {
			name = "ldr"
		}
		return fmt.Sprintf("%s %s, [sp, #0x%X]", name, lowReg(o, 8), (o&0xFF)<<2)
	case o&0xF000 == 0x8000:
		name := "strh"
		if o&0x0800 != 0 {
			name = "ldrh"
		}
		return fmt.Sprintf("%s %s, [%s, #0x%X]", name, lowReg(o, 0), lowReg(o, 3), ((o>>6)&0x1F)<<1)
	case o&0xE000 == 0x6000:
		name := [4]string{"str", "ldr", "strb", "ldrb"}[(o>>11)&3]
		imm := (o >> 6) & 0x1F
		if o&0x1000 == 0 {
			imm <<= 2
		}
		return fmt.Sprintf("%s %s, [%s, #0x%X]", name, lowReg(o, 0), lowReg(o, 3), imm)
	case o&0xF000 == 0x5000:
		name := [8]string{"str", "strh", "strb", "ldrsb", "ldr", "ldrh", "ldrb", "ldrsh"}[(o>>9)&7]
		return fmt.Sprintf("%s %s, [%s, %s]", name, lowReg(o, 0), lowReg(o, 3), lowReg(o, 6))
	case o&0xF800 == 0x4800:
		return fmt.Sprintf("ldr %s, [pc, #0x%X] ; 0x%08X", lowReg(o, 8), (o&0xFF)<<2, (addr+4)&^3+(o&0xFF)<<2)
	case o&0xFC00 == 0x4400:
		rd := reg(o&7 | (o>>4)&8)
		rm := reg((o >> 3) & 0xF)
		switch (o >> 8) & 3 {
		case 0:
			return fmt.Sprintf("add %s, %s", rd, rm)
		case 1:
			return fmt.Sprintf("cmp %s, %s", rd, rm)
		case 2:
			if o == 0x46C0 {
				return "nop"
			}
			return fmt.Sprintf("mov %s, %s", rd, rm)
		default:
			if o&0x80 != 0 {
				return "blx " + rm
			}
			return "bx " + rm
		}
	case o&0xFC00 == 0x4000:
		return fmt.Sprintf("%s %s, %s", thumbALUNames[(o>>6)&0xF], lowReg(o, 0), lowReg(o, 3))
	case o&0xE000 == 0x2000:
		name := [4]string{"movs", "cmp", "adds", "subs"}[(o>>11)&3]
		return fmt.Sprintf("%s %s, #0x%X", name, lowReg(o, 8), o&0xFF)
	case o&0xF800 == 0x1800:
		name := "adds"
		if o&0x0200 != 0 {
			name = "subs"
		}
		if o&0x0400 != 0 {
			return fmt.Sprintf("%s %s, %s, #%d", name, lowReg(o, 0), lowReg(o, 3), (o>>6)&7)
		}
		return fmt.Sprintf("%s %s, %s, %s", name, lowReg(o, 0), lowReg(o, 3), lowReg(o, 6))
	default:
		name := [3]string{"lsls", "lsrs", "asrs"}[(o>>11)&3]
		return fmt.Sprintf("%s %s, %s, #%d", name, lowReg(o, 0), lowReg(o, 3), (o>>6)&0x1F)
	}
	return fmt.Sprintf(".hword 0x%04X", o)
}

package disasm

import (
	"fmt"
	"strings"

	"github.com/jonian/libretro-panda3ds/panda/bit"
)

// Reader reads guest memory for disassembly.
type Reader interface {
	Read16(addr uint32) (uint16, error)
	Read32(addr uint32) (uint32, error)
}

// Line is a single disassembled instruction.
type Line struct {
	Address uint32
	Opcode  uint32
	Text    string
	Size    int
}

func (l Line) String() string {
	if l.Size == 2 {
		return fmt.Sprintf("%08X: %04X      %s", l.Address, l.Opcode, l.Text)
	}
	return fmt.Sprintf("%08X: %08X  %s", l.Address, l.Opcode, l.Text)
}

// DisassembleAt disassembles the instruction at pc.
func DisassembleAt(pc uint32, thumb bool, mem Reader) Line {
	if thumb {
		op, err := mem.Read16(pc)
		if err != nil {
			return Line{Address: pc, Text: "<unmapped>", Size: 2}
		}
		return DisassembleThumb(pc, op)
	}
	op, err := mem.Read32(pc)
	if err != nil {
		return Line{Address: pc, Text: "<unmapped>", Size: 4}
	}
	return DisassembleARM(pc, op)
}

// Range disassembles count instructions starting at pc.
func Range(pc uint32, count int, thumb bool, mem Reader) []Line {
	lines := make([]Line, 0, count)
	for i := 0; i < count; i++ {
		l := DisassembleAt(pc, thumb, mem)
		lines = append(lines, l)
		pc += uint32(l.Size)
	}
	return lines
}

var condNames = [16]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "", ""}

var dpNames = [16]string{"and", "eor", "sub", "rsb", "add", "adc", "sbc", "rsc", "tst", "teq", "cmp", "cmn", "orr", "mov", "bic", "mvn"}

var shiftNames = [4]string{"lsl", "lsr", "asr", "ror"}

func reg(n uint32) string {
	switch n {
	case 13:
		return "sp"
	case 14:
		return "lr"
	case 15:
		return "pc"
	default:
		return fmt.Sprintf("r%d", n)
	}
}

func regList(list uint32) string {
	var parts []string
	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) != 0 {
			parts = append(parts, reg(r))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// DisassembleARM disassembles one A32 instruction located at addr.
func DisassembleARM(addr, op uint32) Line {
	return Line{Address: addr, Opcode: op, Text: armText(addr, op), Size: 4}
}

func armText(addr, op uint32) string {
	cond := condNames[op>>28]
	if op>>28 == 0xF {
		switch {
		case op&0x0E000000 == 0x0A000000:
			offset := bit.SignExtend(op&0xFFFFFF, 24)<<2 + (op>>23)&2
			return fmt.Sprintf("blx #0x%08X", addr+8+offset)
		case op == 0xF57FF01F:
			return "clrex"
		case op&0x0D70F000 == 0x0550F000:
			return "pld [" + reg((op>>16)&0xF) + "]"
		}
		return fmt.Sprintf(".word 0x%08X", op)
	}

	switch (op >> 25) & 7 {
	case 0b000, 0b001:
		return armGroup0(cond, op)
	case 0b010, 0b011:
		if op&(1<<25) != 0 && op&0x10 != 0 {
			return armMedia(cond, op)
		}
		return armLoadStore(cond, op)
	case 0b100:
		name := "stm"
		if op&(1<<20) != 0 {
			name = "ldm"
		}
		mode := [4]string{"da", "ia", "db", "ib"}[(op>>23)&3]
		rn := (op >> 16) & 0xF
		wb := ""
		if op&(1<<21) != 0 {
			wb = "!"
		}
		if rn == 13 && wb != "" {
			if name == "stm" && mode == "db" {
				return "push" + cond + " " + regList(op&0xFFFF)
			}
			if name == "ldm" && mode == "ia" {
				return "pop" + cond + " " + regList(op&0xFFFF)
			}
		}
		return fmt.Sprintf("%s%s%s %s%s, %s", name, mode, cond, reg(rn), wb, regList(op&0xFFFF))
	case 0b101:
		name := "b"
		if op&(1<<24) != 0 {
			name = "bl"
		}
		target := addr + 8 + bit.SignExtend(op&0xFFFFFF, 24)<<2
		return fmt.Sprintf("%s%s #0x%08X", name, cond, target)
	case 0b110:
		return vfpLoadStore(cond, op)
	default:
		if op&(1<<24) != 0 {
			return fmt.Sprintf("svc%s #0x%02X", cond, op&0xFFFFFF)
		}
		return coprocessor(cond, op)
	}
}

func operand2(op uint32) string {
	if op&(1<<25) != 0 {
		rot := (op >> 8) & 0xF * 2
		return fmt.Sprintf("#0x%X", bit.RotateRight(op&0xFF, uint(rot)))
	}
	rm := reg(op & 0xF)
	typ := (op >> 5) & 3
	if op&0x10 != 0 {
		return fmt.Sprintf("%s, %s %s", rm, shiftNames[typ], reg((op>>8)&0xF))
	}
	amount := (op >> 7) & 0x1F
	switch {
	case amount == 0 && typ == 0:
		return rm
	case amount == 0 && typ == 3:
		return rm + ", rrx"
	case amount == 0:
		amount = 32
	}
	return fmt.Sprintf("%s, %s #%d", rm, shiftNames[typ], amount)
}

func armGroup0(cond string, op uint32) string {
	imm := op&(1<<25) != 0
	switch {
	case !imm && op&0x0FC000F0 == 0x00000090:
		s := sFlag(op)
		if op&(1<<21) != 0 {
			return fmt.Sprintf("mla%s%s %s, %s, %s, %s", s, cond, reg((op>>16)&0xF), reg(op&0xF), reg((op>>8)&0xF), reg((op>>12)&0xF))
		}
		return fmt.Sprintf("mul%s%s %s, %s, %s", s, cond, reg((op>>16)&0xF), reg(op&0xF), reg((op>>8)&0xF))
	case !imm && op&0x0F8000F0 == 0x00800090, !imm && op&0x0FF000F0 == 0x00400090:
		name := [8]string{"", "", "umaal", "", "umull", "umlal", "smull", "smlal"}[(op>>21)&7]
		return fmt.Sprintf("%s%s%s %s, %s, %s, %s", name, sFlag(op), cond, reg((op>>12)&0xF), reg((op>>16)&0xF), reg(op&0xF), reg((op>>8)&0xF))
	case !imm && op&0x0FB00FF0 == 0x01000090:
		b := ""
		if op&(1<<22) != 0 {
			b = "b"
		}
		return fmt.Sprintf("swp%s%s %s, %s, [%s]", b, cond, reg((op>>12)&0xF), reg(op&0xF), reg((op>>16)&0xF))
	case !imm && op&0x0F800FF0 == 0x01800F90:
		suffix := [4]string{"", "d", "b", "h"}[(op>>21)&3]
		if op&(1<<20) != 0 {
			return fmt.Sprintf("ldrex%s%s %s, [%s]", suffix, cond, reg((op>>12)&0xF), reg((op>>16)&0xF))
		}
		return fmt.Sprintf("strex%s%s %s, %s, [%s]", suffix, cond, reg((op>>12)&0xF), reg(op&0xF), reg((op>>16)&0xF))
	case !imm && op&0x90 == 0x90 && op&0x60 != 0:
		return armExtraLoadStore(cond, op)
	case op&0x01900000 == 0x01000000:
		return armMisc(cond, op)
	}

	opcode := (op >> 21) & 0xF
	name := dpNames[opcode]
	rd := reg((op >> 12) & 0xF)
	rn := reg((op >> 16) & 0xF)
	switch {
	case opcode >= 8 && opcode <= 11:
		return fmt.Sprintf("%s%s %s, %s", name, cond, rn, operand2(op))
	case opcode == 13 || opcode == 15:
		if opcode == 13 && op == 0xE1A00000 {
			return "nop"
		}
		return fmt.Sprintf("%s%s%s %s, %s", name, sFlag(op), cond, rd, operand2(op))
	default:
		return fmt.Sprintf("%s%s%s %s, %s, %s", name, sFlag(op), cond, rd, rn, operand2(op))
	}
}

func sFlag(op uint32) string {
	if op&(1<<20) != 0 {
		return "s"
	}
	return ""
}

func armMisc(cond string, op uint32) string {
	if op&(1<<25) != 0 {
		if op&0x000F0000 == 0 {
			return [5]string{"nop", "yield", "wfe", "wfi", "sev"}[min(op&0xFF, 4)] + cond
		}
		return fmt.Sprintf("msr%s cpsr_%s, %s", cond, fields(op), operand2(op))
	}
	switch (op >> 4) & 0xF {
	case 0:
		if op&(1<<21) == 0 {
			return fmt.Sprintf("mrs%s %s, apsr", cond, reg((op>>12)&0xF))
		}
		return fmt.Sprintf("msr%s cpsr_%s, %s", cond, fields(op), reg(op&0xF))
	case 1:
		if (op>>21)&3 == 3 {
			return fmt.Sprintf("clz%s %s, %s", cond, reg((op>>12)&0xF), reg(op&0xF))
		}
		return "bx" + cond + " " + reg(op&0xF)
	case 3:
		return "blx" + cond + " " + reg(op&0xF)
	case 5:
		name := [4]string{"qadd", "qsub", "qdadd", "qdsub"}[(op>>21)&3]
		return fmt.Sprintf("%s%s %s, %s, %s", name, cond, reg((op>>12)&0xF), reg(op&0xF), reg((op>>16)&0xF))
	case 7:
		return fmt.Sprintf("bkpt #0x%X", (op>>4)&0xFFF0|op&0xF)
	case 0x8, 0xA, 0xC, 0xE:
		xy := [2]string{"b", "t"}
		x, y := xy[(op>>5)&1], xy[(op>>6)&1]
		rd, rn, rs, rm := reg((op>>16)&0xF), reg((op>>12)&0xF), reg((op>>8)&0xF), reg(op&0xF)
		switch (op >> 21) & 3 {
		case 0:
			return fmt.Sprintf("smla%s%s%s %s, %s, %s, %s", x, y, cond, rd, rm, rs, rn)
		case 1:
			if op&(1<<5) != 0 {
				return fmt.Sprintf("smulw%s%s %s, %s, %s", y, cond, rd, rm, rs)
			}
			return fmt.Sprintf("smlaw%s%s %s, %s, %s, %s", y, cond, rd, rm, rs, rn)
		case 2:
			return fmt.Sprintf("smlal%s%s%s %s, %s, %s, %s", x, y, cond, rn, rd, rm, rs)
		default:
			return fmt.Sprintf("smul%s%s%s %s, %s, %s", x, y, cond, rd, rm, rs)
		}
	}
	return fmt.Sprintf(".word 0x%08X", op)
}

func fields(op uint32) string {
	var s string
	if op&(1<<19) != 0 {
		s += "f"
	}
	if op&(1<<18) != 0 {
		s += "s"
	}
	if op&(1<<17) != 0 {
		s += "x"
	}
	if op&(1<<16) != 0 {
		s += "c"
	}
	return s
}

func address(op uint32, offset string, zero bool) string {
	rn := reg((op >> 16) & 0xF)
	sign := ""
	if op&(1<<23) == 0 {
		sign = "-"
	}
	if strings.HasPrefix(offset, "#") {
		offset, sign = "#"+sign+offset[1:], ""
	}
	pre := op&(1<<24) != 0
	wb := op&(1<<21) != 0
	switch {
	case pre && zero:
		return "[" + rn + "]"
	case pre && wb:
		return fmt.Sprintf("[%s, %s%s]!", rn, sign, offset)
	case pre:
		return fmt.Sprintf("[%s, %s%s]", rn, sign, offset)
	default:
		return fmt.Sprintf("[%s], %s%s", rn, sign, offset)
	}
}

func armLoadStore(cond string, op uint32) string {
	name := "str"
	if op&(1<<20) != 0 {
		name = "ldr"
	}
	if op&(1<<22) != 0 {
		name += "b"
	}
	var offset string
	zero := false
	if op&(1<<25) == 0 {
		offset = fmt.Sprintf("#0x%X", op&0xFFF)
		zero = op&0xFFF == 0
	} else {
		offset = operand2(op &^ (1 << 25) &^ 0x10)
	}
	return fmt.Sprintf("%s%s %s, %s", name, cond, reg((op>>12)&0xF), address(op, offset, zero))
}

func armExtraLoadStore(cond string, op uint32) string {
	load := op&(1<<20) != 0
	sh := (op >> 5) & 3
	var name string
	switch {
	case load:
		name = [4]string{"", "ldrh", "ldrsb", "ldrsh"}[sh]
	default:
		name = [4]string{"", "strh", "ldrd", "strd"}[sh]
	}
	var offset string
	zero := false
	if op&(1<<22) != 0 {
		imm := (op>>4)&0xF0 | op&0xF
		offset = fmt.Sprintf("#0x%X", imm)
		zero = imm == 0
	} else {
		offset = reg(op & 0xF)
	}
	return fmt.Sprintf("%s%s %s, %s", name, cond, reg((op>>12)&0xF), address(op, offset, zero))
}

func armMedia(cond string, op uint32) string {
	rd := reg((op >> 12) & 0xF)
	rn := reg((op >> 16) & 0xF)
	rm := reg(op & 0xF)
	switch (op >> 23) & 3 {
	case 0:
		prefix := [8]string{"", "s", "q", "sh", "", "u", "uq", "uh"}[(op>>20)&7]
		kind := [8]string{"add16", "asx", "sax", "sub16", "add8", "", "", "sub8"}[(op>>5)&7]
		if prefix == "" || kind == "" {
			break
		}
		return fmt.Sprintf("%s%s%s %s, %s, %s", prefix, kind, cond, rd, rn, rm)
	case 1:
		op1 := (op >> 20) & 7
		low := (op >> 4) & 0xF
		switch {
		case low == 0x7:
			name := [8]string{"sxtb16", "", "sxtb", "sxth", "uxtb16", "", "uxtb", "uxth"}[op1]
			rot := ""
			if r := (op >> 10) & 3; r != 0 {
				rot = fmt.Sprintf(", ror #%d", r*8)
			}
			if (op>>16)&0xF == 15 {
				return fmt.Sprintf("%s%s %s, %s%s", name, cond, rd, rm, rot)
			}
			name = name[:3] + "a" + name[3:]
			return fmt.Sprintf("%s%s %s, %s, %s%s", name, cond, rd, rn, rm, rot)
		case op1 == 0 && op&0x20 == 0:
			if op&0x40 != 0 {
				return fmt.Sprintf("pkhtb%s %s, %s, %s, asr #%d", cond, rd, rn, rm, (op>>7)&0x1F)
			}
			return fmt.Sprintf("pkhbt%s %s, %s, %s, lsl #%d", cond, rd, rn, rm, (op>>7)&0x1F)
		case op1&2 == 2 && op&0x20 == 0:
			name := "ssat"
			sat := (op>>16)&0x1F + 1
			if op1&4 != 0 {
				name = "usat"
				sat--
			}
			return fmt.Sprintf("%s%s %s, #%d, %s", name, cond, rd, sat, rm)
		case op1 == 0 && low == 0xB:
			return fmt.Sprintf("sel%s %s, %s, %s", cond, rd, rn, rm)
		case op1 == 3 && low == 0x3:
			return fmt.Sprintf("rev%s %s, %s", cond, rd, rm)
		case op1 == 3 && low == 0xB:
			return fmt.Sprintf("rev16%s %s, %s", cond, rd, rm)
		case op1 == 7 && low == 0xB:
			return fmt.Sprintf("revsh%s %s, %s", cond, rd, rm)
		}
	case 2:
		rd, ra, rs := reg((op>>16)&0xF), (op>>12)&0xF, reg((op>>8)&0xF)
		x := ""
		if op&0x20 != 0 {
			x = "x"
		}
		switch (op >> 20) & 7 {
		case 0:
			name := "smlad"
			if op&0x40 != 0 {
				name = "smlsd"
			}
			if ra == 15 {
				name = name[:2] + "u" + name[3:]
				return fmt.Sprintf("%s%s%s %s, %s, %s", name, x, cond, rd, rm, rs)
			}
			return fmt.Sprintf("%s%s%s %s, %s, %s, %s", name, x, cond, rd, rm, rs, reg(ra))
		case 4:
			name := "smlald"
			if op&0x40 != 0 {
				name = "smlsld"
			}
			return fmt.Sprintf("%s%s%s %s, %s, %s, %s", name, x, cond, reg(ra), rd, rm, rs)
		case 5:
			r := ""
			if op&0x20 != 0 {
				r = "r"
			}
			switch {
			case (op>>6)&3 == 3:
				return fmt.Sprintf("smmls%s%s %s, %s, %s, %s", r, cond, rd, rm, rs, reg(ra))
			case ra == 15:
				return fmt.Sprintf("smmul%s%s %s, %s, %s", r, cond, rd, rm, rs)
			default:
				return fmt.Sprintf("smmla%s%s %s, %s, %s, %s", r, cond, rd, rm, rs, reg(ra))
			}
		}
	case 3:
		if op&0x00F000F0 == 0x00000010 {
			return fmt.Sprintf("usad8%s %s, %s, %s", cond, reg((op>>16)&0xF), rm, reg((op>>8)&0xF))
		}
	}
	return fmt.Sprintf("udf #0x%08X", op)
}

func sreg(op uint32, shift, extra uint) string {
	return fmt.Sprintf("s%d", (op>>shift)&0xF<<1|(op>>extra)&1)
}

func dreg(op uint32, shift, extra uint) string {
	return fmt.Sprintf("d%d", (op>>extra)&1<<4|(op>>shift)&0xF)
}

func vfpLoadStore(cond string, op uint32) string {
	cp := (op >> 8) & 0xF
	if cp != 10 && cp != 11 {
		return fmt.Sprintf("ldc/stc%s 0x%08X", cond, op)
	}
	double := cp == 11
	load := op&(1<<20) != 0
	rn := reg((op >> 16) & 0xF)
	if op&0x0FE00000 == 0x0C400000 {
		var v string
		if double {
			v = dreg(op, 0, 5)
		} else {
			n := (op&0xF)<<1 | (op>>5)&1
			v = fmt.Sprintf("s%d, s%d", n, n+1)
		}
		if load {
			return fmt.Sprintf("vmov%s %s, %s, %s", cond, reg((op>>12)&0xF), reg((op>>16)&0xF), v)
		}
		return fmt.Sprintf("vmov%s %s, %s, %s", cond, v, reg((op>>12)&0xF), reg((op>>16)&0xF))
	}

	vd := sreg(op, 12, 22)
	if double {
		vd = dreg(op, 12, 22)
	}
	if op&(1<<24) != 0 && op&(1<<21) == 0 {
		name := "vstr"
		if load {
			name = "vldr"
		}
		sign := ""
		if op&(1<<23) == 0 {
			sign = "-"
		}
		return fmt.Sprintf("%s%s %s, [%s, #%s0x%X]", name, cond, vd, rn, sign, (op&0xFF)<<2)
	}
	name := "vstm"
	if load {
		name = "vldm"
	}
	if op&(1<<23) != 0 {
		name += "ia"
	} else {
		name += "db"
	}
	if rn == "sp" && op&(1<<21) != 0 {
		if name == "vstmdb" {
			return fmt.Sprintf("vpush%s {%s, +%d}", cond, vd, op&0xFF)
		}
		if name == "vldmia" {
			return fmt.Sprintf("vpop%s {%s, +%d}", cond, vd, op&0xFF)
		}
	}
	return fmt.Sprintf("%s%s %s, {%s, +%d}", name, cond, rn, vd, op&0xFF)
}

func coprocessor(cond string, op uint32) string {
	cp := (op >> 8) & 0xF
	if cp == 15 && op&0x10 != 0 {
		name := "mcr"
		if op&(1<<20) != 0 {
			name = "mrc"
		}
		return fmt.Sprintf("%s%s p15, %d, %s, c%d, c%d, %d", name, cond, (op>>21)&7, reg((op>>12)&0xF), (op>>16)&0xF, op&0xF, (op>>5)&7)
	}
	if cp != 10 && cp != 11 {
		return fmt.Sprintf(".word 0x%08X", op)
	}

	double := cp == 11
	size := ".f32"
	vd, vn, vm := sreg(op, 12, 22), sreg(op, 16, 7), sreg(op, 0, 5)
	if double {
		size = ".f64"
		vd, vn, vm = dreg(op, 12, 22), dreg(op, 16, 7), dreg(op, 0, 5)
	}

	if op&0x10 != 0 {
		rt := reg((op >> 12) & 0xF)
		switch {
		case (op>>21)&7 == 7 && op&(1<<20) != 0:
			if (op>>12)&0xF == 15 {
				return "vmrs" + cond + " apsr_nzcv, fpscr"
			}
			return fmt.Sprintf("vmrs%s %s, fpscr", cond, rt)
		case (op>>21)&7 == 7:
			return fmt.Sprintf("vmsr%s fpscr, %s", cond, rt)
		case op&(1<<20) != 0:
			return fmt.Sprintf("vmov%s %s, %s", cond, rt, sreg(op, 16, 7))
		default:
			return fmt.Sprintf("vmov%s %s, %s", cond, sreg(op, 16, 7), rt)
		}
	}

	sel := (op>>23&1)<<3 | (op>>20&3)<<1 | (op>>6)&1
	if sel&0b1110 != 0b1110 {
		names := [9]string{"vmla", "vmls", "vnmls", "vnmla", "vmul", "vnmul", "vadd", "vsub", "vdiv"}
		if sel > 8 {
			return fmt.Sprintf(".word 0x%08X", op)
		}
		return fmt.Sprintf("%s%s%s %s, %s, %s", names[sel], cond, size, vd, vn, vm)
	}
	switch opc2 := (op >> 16) & 0xF; {
	case opc2 <= 1:
		name := [4]string{"vmov", "vabs", "vneg", "vsqrt"}[opc2<<1|(op>>7)&1]
		return fmt.Sprintf("%s%s%s %s, %s", name, cond, size, vd, vm)
	case opc2 == 4:
		return fmt.Sprintf("vcmp%s%s %s, %s", cond, size, vd, vm)
	case opc2 == 5:
		return fmt.Sprintf("vcmp%s%s %s, #0", cond, size, vd)
	case opc2 == 7:
		if double {
			return fmt.Sprintf("vcvt%s.f32.f64 %s, %s", cond, sreg(op, 12, 22), vm)
		}
		return fmt.Sprintf("vcvt%s.f64.f32 %s, %s", cond, dreg(op, 12, 22), vm)
	case opc2 == 8:
		src := ".u32"
		if op&(1<<7) != 0 {
			src = ".s32"
		}
		return fmt.Sprintf("vcvt%s%s%s %s, %s", cond, size, src, vd, sreg(op, 0, 5))
	case opc2 == 12 || opc2 == 13:
		dst := ".u32"
		if opc2 == 13 {
			dst = ".s32"
		}
		name := "vcvtr"
		if op&(1<<7) != 0 {
			name = "vcvt"
		}
		return fmt.Sprintf("%s%s%s%s %s, %s", name, cond, dst, size, sreg(op, 12, 22), vm)
	}
	return fmt.Sprintf(".word 0x%08X", op)
}

// Package asm is a small ARM assembler for building guest programs in tests
// and tools. It covers the instructions HLE test programs need: data
// processing, loads and stores, branches, exclusives and SVC.
package asm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Cond is an ARM condition code.
type Cond uint32

const (
	EQ Cond = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

// Register aliases.
const (
	SP = 13
	LR = 14
	PC = 15
)

// Data processing opcodes.
const (
	AND = iota
	EOR
	SUB
	RSB
	ADD
	ADC
	SBC
	RSC
	TST
	TEQ
	CMP
	CMN
	ORR
	MOV
	BIC
	MVN
)

// EncodeImm returns the 12 bit rotated immediate form of v, if it has one.
func EncodeImm(v uint32) (uint32, bool) {
	for rot := uint32(0); rot < 16; rot++ {
		r := bits.RotateLeft32(v, int(2*rot))
		if r <= 0xFF {
			return rot<<8 | r, true
		}
	}
	return 0, false
}

// DataImm encodes a data processing instruction with an immediate operand.
func DataImm(cond Cond, opcode uint32, setFlags bool, rd, rn, imm uint32) uint32 {
	enc, ok := EncodeImm(imm)
	if !ok {
		panic(fmt.Sprintf("asm: immediate 0x%X not encodable", imm))
	}
	return uint32(cond)<<28 | 1<<25 | opcode<<21 | flag(setFlags, 20) | rn<<16 | rd<<12 | enc
}

// DataReg encodes a data processing instruction with a register operand
// shifted left by an immediate.
func DataReg(cond Cond, opcode uint32, setFlags bool, rd, rn, rm, lsl uint32) uint32 {
	return uint32(cond)<<28 | opcode<<21 | flag(setFlags, 20) | rn<<16 | rd<<12 | (lsl&0x1F)<<7 | rm
}

// LoadStoreImm encodes LDR/STR/LDRB/STRB with a pre-indexed immediate offset.
func LoadStoreImm(cond Cond, load, byteAccess bool, rd, rn uint32, offset int32) uint32 {
	up := uint32(1 << 23)
	if offset < 0 {
		up = 0
		offset = -offset
	}
	return uint32(cond)<<28 | 1<<26 | 1<<24 | up | flag(byteAccess, 22) | flag(load, 20) |
		rn<<16 | rd<<12 | uint32(offset)&0xFFF
}

// Branch encodes B or BL with a byte offset relative to the instruction.
func Branch(cond Cond, link bool, offset int32) uint32 {
	return uint32(cond)<<28 | 0b101<<25 | flag(link, 24) | (uint32((offset-8)>>2) & 0x00FFFFFF)
}

// BX encodes a branch and exchange to rm.
func BX(cond Cond, rm uint32) uint32 {
	return uint32(cond)<<28 | 0x012FFF10 | rm
}

// BLX encodes a branch with link and exchange to rm.
func BLX(cond Cond, rm uint32) uint32 {
	return uint32(cond)<<28 | 0x012FFF30 | rm
}

// SVC encodes a supervisor call.
func SVC(n uint32) uint32 {
	return uint32(AL)<<28 | 0x0F000000 | n&0xFFFFFF
}

// Mul encodes MUL rd, rm, rs.
func Mul(rd, rm, rs uint32) uint32 {
	return uint32(AL)<<28 | rd<<16 | rs<<8 | 0x90 | rm
}

// LDREX encodes LDREX rt, [rn].
func LDREX(rt, rn uint32) uint32 {
	return uint32(AL)<<28 | 0x01900F9F | rn<<16 | rt<<12
}

// STREX encodes STREX rd, rt, [rn].
func STREX(rd, rt, rn uint32) uint32 {
	return uint32(AL)<<28 | 0x01800F90 | rn<<16 | rd<<12 | rt
}

// BlockTransfer encodes LDM/STM. PUSH is STMDB sp!, POP is LDMIA sp!.
func BlockTransfer(cond Cond, load, pre, up, writeback bool, rn uint32, list uint16) uint32 {
	return uint32(cond)<<28 | 0b100<<25 | flag(pre, 24) | flag(up, 23) | flag(writeback, 21) |
		flag(load, 20) | rn<<16 | uint32(list)
}

// BKPT encodes a breakpoint.
func BKPT(imm uint32) uint32 {
	return uint32(AL)<<28 | 0x01200070 | (imm>>4&0xFFF)<<8 | imm&0xF
}

func flag(set bool, pos uint) uint32 {
	if set {
		return 1 << pos
	}
	return 0
}

type fixup struct {
	at    int
	label string
	cond  Cond
	link  bool
}

// Program assembles ARM code at a fixed base address with forward and
// backward label references.
type Program struct {
	base   uint32
	words  []uint32
	labels map[string]uint32
	fixups []fixup
}

// New returns an empty program that will be loaded at base.
func New(base uint32) *Program {
	return &Program{base: base, labels: make(map[string]uint32)}
}

// PC returns the address of the next instruction.
func (p *Program) PC() uint32 { return p.base + uint32(4*len(p.words)) }

// Label binds name to the current address.
func (p *Program) Label(name string) *Program {
	p.labels[name] = p.PC()
	return p
}

// Addr returns the address of a bound label.
func (p *Program) Addr(name string) uint32 {
	a, ok := p.labels[name]
	if !ok {
		panic("asm: unknown label " + name)
	}
	return a
}

// Emit appends raw instruction words.
func (p *Program) Emit(ops ...uint32) *Program {
	p.words = append(p.words, ops...)
	return p
}

// Word appends a data word.
func (p *Program) Word(v uint32) *Program { return p.Emit(v) }

// Space appends n zero bytes, rounded up to whole words.
func (p *Program) Space(n int) *Program {
	for i := 0; i < (n+3)/4; i++ {
		p.words = append(p.words, 0)
	}
	return p
}

// MovImm loads any 32 bit constant into rd, using MOV or MVN when possible
// and a MOV/ORR sequence otherwise.
func (p *Program) MovImm(rd, v uint32) *Program {
	if _, ok := EncodeImm(v); ok {
		return p.Emit(DataImm(AL, MOV, false, rd, 0, v))
	}
	if _, ok := EncodeImm(^v); ok {
		return p.Emit(DataImm(AL, MVN, false, rd, 0, ^v))
	}
	first := true
	for shift := uint32(0); shift < 32; shift += 8 {
		chunk := v & (0xFF << shift)
		if chunk == 0 {
			continue
		}
		if first {
			p.Emit(DataImm(AL, MOV, false, rd, 0, chunk))
			first = false
			continue
		}
		p.Emit(DataImm(AL, ORR, false, rd, rd, chunk))
	}
	return p
}

// Mov copies rm into rd.
func (p *Program) Mov(rd, rm uint32) *Program { return p.Emit(DataReg(AL, MOV, false, rd, 0, rm, 0)) }

// AddImm adds an encodable immediate.
func (p *Program) AddImm(rd, rn, imm uint32) *Program {
	return p.Emit(DataImm(AL, ADD, false, rd, rn, imm))
}

// SubImm subtracts an encodable immediate.
func (p *Program) SubImm(rd, rn, imm uint32) *Program {
	return p.Emit(DataImm(AL, SUB, false, rd, rn, imm))
}

// SubsImm subtracts an encodable immediate and sets the flags.
func (p *Program) SubsImm(rd, rn, imm uint32) *Program {
	return p.Emit(DataImm(AL, SUB, true, rd, rn, imm))
}

// Add adds two registers.
func (p *Program) Add(rd, rn, rm uint32) *Program {
	return p.Emit(DataReg(AL, ADD, false, rd, rn, rm, 0))
}

// CmpImm compares rn with an encodable immediate.
func (p *Program) CmpImm(rn, imm uint32) *Program {
	return p.Emit(DataImm(AL, CMP, true, 0, rn, imm))
}

// Ldr loads a word from [rn, #offset].
func (p *Program) Ldr(rd, rn uint32, offset int32) *Program {
	return p.Emit(LoadStoreImm(AL, true, false, rd, rn, offset))
}

// Str stores a word to [rn, #offset].
func (p *Program) Str(rd, rn uint32, offset int32) *Program {
	return p.Emit(LoadStoreImm(AL, false, false, rd, rn, offset))
}

// Push stores the listed registers below sp.
func (p *Program) Push(regs ...uint32) *Program {
	return p.Emit(BlockTransfer(AL, false, true, false, true, SP, regList(regs)))
}

// Pop loads the listed registers from sp.
func (p *Program) Pop(regs ...uint32) *Program {
	return p.Emit(BlockTransfer(AL, true, false, true, true, SP, regList(regs)))
}

func regList(regs []uint32) uint16 {
	var list uint16
	for _, r := range regs {
		list |= 1 << r
	}
	return list
}

// Svc emits a supervisor call.
func (p *Program) Svc(n uint32) *Program { return p.Emit(SVC(n)) }

// B branches to a label.
func (p *Program) B(cond Cond, label string) *Program {
	p.fixups = append(p.fixups, fixup{at: len(p.words), label: label, cond: cond})
	return p.Emit(0)
}

// BL branches to a label with link.
func (p *Program) BL(label string) *Program {
	p.fixups = append(p.fixups, fixup{at: len(p.words), label: label, cond: AL, link: true})
	return p.Emit(0)
}

// Bx returns through rm.
func (p *Program) Bx(rm uint32) *Program { return p.Emit(BX(AL, rm)) }

// Assemble resolves labels and returns the little endian code image.
func (p *Program) Assemble() ([]byte, error) {
	for _, f := range p.fixups {
		target, ok := p.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("asm: undefined label %q", f.label)
		}
		from := p.base + uint32(4*f.at)
		p.words[f.at] = Branch(f.cond, f.link, int32(target-from))
	}

	out := make([]byte, 4*len(p.words))
	for i, w := range p.words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out, nil
}

// MustAssemble is Assemble for programs known to be valid.
func (p *Program) MustAssemble() []byte {
	out, err := p.Assemble()
	if err != nil {
		panic(err)
	}
	return out
}

package disasm

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/cpu/asm"
	"github.com/stretchr/testify/assert"
)

func TestDisassembleARM(t *testing.T) {
	testCases := []struct {
		desc string
		op   uint32
		want string
	}{
		{"mov immediate", asm.DataImm(asm.AL, asm.MOV, false, 0, 0, 1), "mov r0, #0x1"},
		{"adds register", asm.DataReg(asm.AL, asm.ADD, true, 0, 1, 2, 0), "adds r0, r1, r2"},
		{"conditional", asm.DataImm(asm.NE, asm.SUB, false, 3, 3, 4), "subne r3, r3, #0x4"},
		{"compare", asm.DataImm(asm.AL, asm.CMP, true, 0, 5, 0x10), "cmp r5, #0x10"},
		{"shifted operand", asm.DataReg(asm.AL, asm.ORR, false, 0, 1, 2, 4), "orr r0, r1, r2, lsl #4"},
		{"load", asm.LoadStoreImm(asm.AL, true, false, 0, 1, 4), "ldr r0, [r1, #0x4]"},
		{"store negative", asm.LoadStoreImm(asm.AL, false, true, 0, 1, -8), "strb r0, [r1, #-0x8]"},
		{"svc", asm.SVC(0x32), "svc #0x32"},
		{"bx lr", asm.BX(asm.AL, asm.LR), "bx lr"},
		{"push", asm.BlockTransfer(asm.AL, false, true, false, true, asm.SP, 1<<4|1<<asm.LR), "push {r4, lr}"},
		{"pop", asm.BlockTransfer(asm.AL, true, false, true, true, asm.SP, 1<<4|1<<asm.PC), "pop {r4, pc}"},
		{"mul", asm.Mul(0, 1, 2), "mul r0, r1, r2"},
		{"ldrex", asm.LDREX(0, 1), "ldrex r0, [r1]"},
		{"strex", asm.STREX(2, 0, 1), "strex r2, r0, [r1]"},
		{"branch", asm.Branch(asm.AL, true, 0x10), "bl #0x00100010"},
		{"clz", 0xE16F5F11, "clz r5, r1"},
		{"rev", 0xE6BF4F31, "rev r4, r1"},
		{"uxtb", 0xE6EF6071, "uxtb r6, r1"},
		{"uadd8", 0xE6510F92, "uadd8 r0, r1, r2"},
		{"vadd", 0xEE301A20, "vadd.f32 s2, s0, s1"},
		{"vmrs", 0xEEF1FA10, "vmrs apsr_nzcv, fpscr"},
		{"mrc tls", 0xEE1D0F70, "mrc p15, 0, r0, c13, c0, 3"},
		{"nop", 0xE320F000, "nop"},
		{"undefined", 0xE7F000F0, "udf #0xE7F000F0"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			line := DisassembleARM(0x00100000, tc.op)
			assert.Equal(t, tc.want, line.Text)
			assert.Equal(t, 4, line.Size)
		})
	}
}

func TestDisassembleThumb(t *testing.T) {
	testCases := []struct {
		desc string
		op   uint16
		want string
	}{
		{"movs", asm.ThumbMovImm(1, 5), "movs r1, #0x5"},
		{"bx lr", asm.ThumbBX(asm.LR), "bx lr"},
		{"push", asm.ThumbPush(1<<4, true), "push {r4, lr}"},
		{"pop", asm.ThumbPop(1<<4, true), "pop {r4, pc}"},
		{"svc", asm.ThumbSVC(0x24), "svc #0x24"},
		{"branch to self", asm.ThumbBranch(0), "b #0x00100000"},
		{"alu", asm.ThumbALU(0xD, 0, 1), "muls r0, r1"},
		{"lsl", asm.ThumbLSL(2, 3, 4), "lsls r2, r3, #4"},
		{"ldr", asm.ThumbLdrImm(0, 1, 8), "ldr r0, [r1, #0x8]"},
		{"nop", 0x46C0, "nop"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			line := DisassembleThumb(0x00100000, tc.op)
			assert.Equal(t, tc.want, line.Text)
			assert.Equal(t, 2, line.Size)
		})
	}
}

type sliceReader struct {
	base uint32
	data []byte
}

func (r sliceReader) Read16(addr uint32) (uint16, error) {
	off := addr - r.base
	if int(off)+2 > len(r.data) {
		return 0, errors.New("out of range")
	}
	return binary.LittleEndian.Uint16(r.data[off:]), nil
}

func (r sliceReader) Read32(addr uint32) (uint32, error) {
	off := addr - r.base
	if int(off)+4 > len(r.data) {
		return 0, errors.New("out of range")
	}
	return binary.LittleEndian.Uint32(r.data[off:]), nil
}

func TestRange(t *testing.T) {
	code := asm.New(0x100000).MovImm(0, 1).Svc(3).MustAssemble()
	lines := Range(0x100000, 3, false, sliceReader{base: 0x100000, data: code})

	assert.Len(t, lines, 3)
	assert.Equal(t, "mov r0, #0x1", lines[0].Text)
	assert.Equal(t, "svc #0x03", lines[1].Text)
	assert.Equal(t, "<unmapped>", lines[2].Text)
	assert.Equal(t, uint32(0x100008), lines[2].Address)
	assert.Contains(t, lines[1].String(), "00100004: EF000003")
}

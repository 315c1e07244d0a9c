package loader

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progHeader struct {
	vaddr  uint32
	data   []byte
	memsz  uint32
	flags  elf.ProgFlag
	isLoad bool
}

// buildELF assembles a minimal ELF32 executable with the given program
// headers and no sections.
func buildELF(machine elf.Machine, entry uint32, progs []progHeader) []byte {
	const ehsize, phsize = 52, 32
	le := binary.LittleEndian
	out := make([]byte, ehsize+phsize*len(progs))
	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint32(out[24:], entry)
	le.PutUint32(out[28:], ehsize)
	le.PutUint16(out[40:], ehsize)
	le.PutUint16(out[42:], phsize)
	le.PutUint16(out[44:], uint16(len(progs)))

	for i, p := range progs {
		ph := out[ehsize+phsize*i:]
		typ := elf.PT_NOTE
		if p.isLoad {
			typ = elf.PT_LOAD
		}
		le.PutUint32(ph[0:], uint32(typ))
		le.PutUint32(ph[4:], uint32(len(out)))
		le.PutUint32(ph[8:], p.vaddr)
		le.PutUint32(ph[12:], p.vaddr)
		le.PutUint32(ph[16:], uint32(len(p.data)))
		le.PutUint32(ph[20:], max(p.memsz, uint32(len(p.data))))
		le.PutUint32(ph[24:], uint32(p.flags))
		le.PutUint32(ph[28:], memory.PageSize)
		out = append(out, p.data...)
	}
	return out
}

func TestLoadELF(t *testing.T) {
	code := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	testCases := []struct {
		desc  string
		progs []progHeader
		want  []Segment
	}{
		{
			desc: "separate pages",
			progs: []progHeader{
				{vaddr: 0x00100000, data: code, flags: elf.PF_R | elf.PF_X, isLoad: true},
				{vaddr: 0x00101010, data: data, memsz: 0x20, flags: elf.PF_R | elf.PF_W, isLoad: true},
				{vaddr: 0x00200000, data: []byte{9}},
			},
			want: []Segment{
				{Name: "segment0", Addr: 0x00100000, Data: code, MemSize: 8, Perm: memory.PermRX},
				{Name: "segment1", Addr: 0x00101000, Data: append(make([]byte, 0x10), data...), MemSize: 0x30, Perm: memory.PermRW, pad: 0x10},
			},
		},
		{
			desc: "shared page merges",
			progs: []progHeader{
				{vaddr: 0x00100800, data: data, flags: elf.PF_R | elf.PF_W, isLoad: true},
				{vaddr: 0x00100000, data: code, flags: elf.PF_R | elf.PF_X, isLoad: true},
			},
			want: []Segment{
				{Name: "segment0", Addr: 0x00100000, Data: append(append(code, make([]byte, 0x800-8)...), data...), MemSize: 0x804, Perm: memory.PermRWX},
			},
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			img, err := Detect(buildELF(elf.EM_ARM, 0x00100004, tC.progs))
			require.NoError(t, err)
			assert.Equal(t, uint32(0x00100004), img.Entry)
			assert.Equal(t, tC.want, img.Segments)
		})
	}
}

func TestLoadELFRejects(t *testing.T) {
	load := []progHeader{{vaddr: 0x00100000, data: []byte{1}, flags: elf.PF_R, isLoad: true}}

	testCases := []struct {
		desc string
		data []byte
	}{
		{desc: "wrong machine", data: buildELF(elf.EM_386, 0, load)},
		{desc: "no loadable segment", data: buildELF(elf.EM_ARM, 0, []progHeader{{vaddr: 0x00100000, data: []byte{1}}})},
		{desc: "truncated", data: buildELF(elf.EM_ARM, 0, load)[:20]},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			_, err := Detect(tC.data)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestDetectContainers(t *testing.T) {
	testCases := []struct {
		desc  string
		magic string
		at    int
	}{
		{desc: "ncsd", magic: "NCSD", at: 0x100},
		{desc: "ncch", magic: "NCCH", at: 0x100},
		{desc: "3dsx", magic: "3DSX", at: 0},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			data := make([]byte, 0x200)
			copy(data[tC.at:], tC.magic)
			_, err := Detect(data)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestLoadRaw(t *testing.T) {
	img, err := Detect([]byte{0x00, 0x00, 0xA0, 0xE1})
	require.NoError(t, err)
	assert.Equal(t, uint32(memory.CodeBase), img.Entry)
	require.Len(t, img.Segments, 1)
	assert.Equal(t, memory.PermRWX, img.Segments[0].Perm)
	assert.Equal(t, uint32(memory.CodeBase+memory.PageSize), img.Segments[0].End())

	_, err = LoadRaw(nil, memory.CodeBase)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = LoadRaw([]byte{1}, memory.CodeBase+4)
	assert.ErrorIs(t, err, memory.ErrMisaligned)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.elf")
	prog := []progHeader{{vaddr: 0x00100000, data: []byte{1, 2, 3, 4}, flags: elf.PF_R | elf.PF_X, isLoad: true}}
	require.NoError(t, os.WriteFile(path, buildELF(elf.EM_ARM, 0x00100000, prog), 0o644))

	img, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, img.Segments, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.elf"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// Package loader reads guest executables into loadable segments.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/jonian/libretro-panda3ds/panda/bit"
	"github.com/jonian/libretro-panda3ds/panda/memory"
)

// ErrUnsupportedFormat is returned for files that are not a loadable ELF or
// raw image.
var ErrUnsupportedFormat = errors.New("unsupported executable format")

// Segment is a page aligned piece of the image. Bytes past Data up to
// MemSize are zero.
type Segment struct {
	Name    string
	Addr    uint32
	Data    []byte
	MemSize uint32
	Perm    memory.Perm

	// pad is the count of alignment bytes in front of the file contents.
	pad uint32
}

// End returns the first address past the segment.
func (s Segment) End() uint32 {
	return s.Addr + bit.AlignUp(max(s.MemSize, uint32(len(s.Data))), memory.PageSize)
}

// Image is a loaded executable.
type Image struct {
	Entry    uint32
	Segments []Segment
}

// container magics at offset 0x100 of the formats we recognize but cannot run
var containerMagics = map[string]string{
	"NCSD": "NCSD (.3ds/.cci)",
	"NCCH": "NCCH (.cxi/.app)",
}

// Load reads the executable at path, choosing the format by its magic.
// Files that are neither ELF nor a known container load as raw images at
// the code base.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Detect(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	slog.Info("Executable loaded", "path", path, "entry", fmt.Sprintf("0x%08X", img.Entry), "segments", len(img.Segments))
	return img, nil
}

// Detect loads data by sniffing its magic.
func Detect(data []byte) (*Image, error) {
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		return LoadELF(bytes.NewReader(data))
	case bytes.HasPrefix(data, []byte("3DSX")):
		return nil, fmt.Errorf("%w: 3DSX homebrew", ErrUnsupportedFormat)
	}
	if len(data) >= 0x104 {
		if name, ok := containerMagics[string(data[0x100:0x104])]; ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
		}
	}
	return LoadRaw(data, memory.CodeBase)
}

// LoadRaw maps data as a single read, write and execute segment at base,
// entered at its first byte.
func LoadRaw(data []byte, base uint32) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedFormat)
	}
	if !bit.IsAligned(base, memory.PageSize) {
		return nil, fmt.Errorf("raw image base 0x%08X: %w", base, memory.ErrMisaligned)
	}
	return &Image{
		Entry:    base,
		Segments: []Segment{{Name: "image", Addr: base, Data: data, Perm: memory.PermRWX}},
	}, nil
}

// LoadELF reads the PT_LOAD segments of a 32 bit little endian ARM ELF.
func LoadELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("%w: %s %s %s, want 32 bit little endian ARM", ErrUnsupportedFormat, f.Class, f.Data, f.Machine)
	}

	var segs []Segment
	for i, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return nil, fmt.Errorf("segment %d: file size 0x%X exceeds memory size 0x%X", i, ph.Filesz, ph.Memsz)
		}
		if ph.Vaddr+ph.Memsz > 1<<32 {
			return nil, fmt.Errorf("segment %d at 0x%X: beyond 32 bit address space", i, ph.Vaddr)
		}
		vaddr := uint32(ph.Vaddr)
		addr := bit.AlignDown(vaddr, memory.PageSize)
		pad := vaddr - addr

		data := make([]byte, pad+uint32(ph.Filesz))
		if ph.Filesz > 0 {
			if _, err := ph.ReadAt(data[pad:], 0); err != nil {
				return nil, fmt.Errorf("read segment %d: %w", i, err)
			}
		}
		segs = append(segs, Segment{
			Name:    fmt.Sprintf("segment%d", i),
			Addr:    addr,
			Data:    data,
			MemSize: pad + uint32(ph.Memsz),
			Perm:    elfPerm(ph.Flags),
			pad:     pad,
		})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrUnsupportedFormat)
	}

	return &Image{Entry: uint32(f.Entry), Segments: mergeSegments(segs)}, nil
}

func elfPerm(flags elf.ProgFlag) memory.Perm {
	var p memory.Perm
	if flags&elf.PF_R != 0 {
		p |= memory.PermRead
	}
	if flags&elf.PF_W != 0 {
		p |= memory.PermWrite
	}
	if flags&elf.PF_X != 0 {
		p |= memory.PermExec
	}
	return p
}

// mergeSegments joins segments that share a page, since pages are the unit
// of mapping. The merged segment gets the union of their permissions.
func mergeSegments(segs []Segment) []Segment {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	out := []Segment{segs[0]}
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if s.Addr >= last.End() {
			out = append(out, s)
			continue
		}
		off := s.Addr - last.Addr
		size := max(off+max(s.MemSize, uint32(len(s.Data))), max(last.MemSize, uint32(len(last.Data))))
		data := make([]byte, max(uint32(len(last.Data)), off+uint32(len(s.Data))))
		copy(data, last.Data)
		copy(data[off+s.pad:], s.Data[s.pad:])
		last.Data = data
		last.MemSize = size
		last.Perm |= s.Perm
		last.pad = min(last.pad, off+s.pad)
	}
	return out
}

package kernel

import (
	"fmt"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/bit"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// ControlMemory operations.
const (
	MemOpFree    = 1
	MemOpReserve = 2
	MemOpCommit  = 3
	MemOpMap     = 4
	MemOpUnmap   = 5
	MemOpProtect = 6

	memOpMask     = 0xFF
	memRegionMask = 0xF00
	MemOpLinear   = 0x10000
)

// permDontCare lets MapMemoryBlock use the permission the block was created with.
const permDontCare = 0x10000000

// SharedMemory is a block of memory that can be mapped in several places.
type SharedMemory struct {
	header

	process   *Process
	block     *memory.Block
	offset    uint32
	size      uint32
	ownerPerm memory.Perm
	otherPerm memory.Perm
	owned     bool
	mapped    int
}

// Size returns the block size.
func (s *SharedMemory) Size() uint32 { return s.size }

// Bytes returns the host view of the block.
func (s *SharedMemory) Bytes() []byte {
	return s.block.Bytes()[s.offset : s.offset+s.size]
}

// Segment is a piece of the initial image of a process.
type Segment struct {
	Name    string
	Addr    uint32
	Data    []byte
	MemSize uint32
	Perm    memory.Perm
}

// createProcess creates an address space with the kernel pages and TLS area mapped.
func (k *Kernel) createProcess(name string) (*Process, error) {
	k.nextPID++
	p := &Process{
		pid:      k.nextPID,
		space:    memory.NewAddressSpace(),
		handles:  newHandleTable(),
		counts:   make(map[Kind]int),
		tlsSlots: make([]bool, (memory.TLSEnd-memory.TLSBase)/memory.TLSSize),
	}
	k.register(p, KindProcess, name)
	p.limit = k.createAppLimit()

	mappings := []struct {
		name  string
		base  uint32
		size  uint32
		perm  memory.Perm
		state memory.State
		block *memory.Block
	}{
		{"config page", memory.ConfigPageBase, memory.PageSize, memory.PermRead, memory.StateShared, k.configPage},
		{"shared page", memory.SharedPageBase, memory.PageSize, memory.PermRead, memory.StateShared, k.sharedPage},
		{"tls", memory.TLSBase, memory.TLSEnd - memory.TLSBase, memory.PermRW, memory.StateLocked,
			k.blocks.Alloc(memory.TLSEnd - memory.TLSBase)},
	}
	for _, m := range mappings {
		if err := p.space.MapRAM(m.name, m.base, m.size, m.perm, m.state, m.block, 0); err != nil {
			return nil, fmt.Errorf("%w: mapping %s: %w", ErrFatal, m.name, err)
		}
	}

	k.processes = append(k.processes, p)
	k.writeConfigPage()
	k.updateSharedPage()
	return p, nil
}

// mapSegment maps an image segment with its own backing block.
func (k *Kernel) mapSegment(p *Process, s Segment, state memory.State) error {
	size := max(s.MemSize, uint32(len(s.Data)))
	size = bit.AlignUp(size, memory.PageSize)
	if size == 0 {
		return nil
	}
	if !bit.IsAligned(s.Addr, memory.PageSize) {
		return fmt.Errorf("segment %s at 0x%08X: %w", s.Name, s.Addr, memory.ErrMisaligned)
	}
	b := k.blocks.Alloc(size)
	copy(b.Bytes(), s.Data)
	if err := p.space.MapRAM(s.Name, s.Addr, size, s.Perm, state, b, 0); err != nil {
		k.blocks.Free(b)
		return fmt.Errorf("segment %s: %w", s.Name, err)
	}
	return nil
}

func toPerm(v uint32) memory.Perm {
	return memory.Perm(v & 7)
}

func (k *Kernel) appMemoryLimit(p *Process) uint32 {
	if p.limit != nil {
		return uint32(p.limit.max[LimitCommit])
	}
	return k.cfg.AppMemoryMB << 20
}

// controlMemory implements svcControlMemory and returns the affected address.
func (k *Kernel) controlMemory(p *Process, op, addr0, addr1, size, perm uint32) (uint32, error) {
	if !bit.IsAligned(addr0, memory.PageSize) || !bit.IsAligned(addr1, memory.PageSize) {
		return 0, resourceErr("control memory", result.MisalignedAddress)
	}
	if !bit.IsAligned(size, memory.PageSize) {
		return 0, resourceErr("control memory", result.MisalignedSize)
	}
	if perm&permDontCare == 0 && perm&^uint32(memory.PermRW) != 0 {
		return 0, resourceErr("control memory", result.InvalidCombination)
	}
	linear := op&MemOpLinear != 0
	space := p.space

	switch op & memOpMask {
	case MemOpCommit:
		if size == 0 {
			return 0, resourceErr("commit memory", result.MisalignedSize)
		}
		if linear && addr0 == 0 {
			base, ok := space.FindFree(memory.LinearHeapBase, memory.LinearHeapEnd, size)
			if !ok {
				return 0, resourceErr("commit linear memory", result.OutOfMemory)
			}
			addr0 = base
		}
		lo, hi := uint32(memory.HeapBase), uint32(memory.HeapEnd)
		if linear {
			lo, hi = memory.LinearHeapBase, memory.LinearHeapEnd
		}
		if !memory.InRange(addr0, size, lo, hi) {
			return 0, resourceErr("commit memory", result.InvalidAddress)
		}
		if !space.IsFree(addr0, size) {
			return 0, resourceErr("commit memory", result.InvalidAddressState)
		}
		if uint64(p.memoryUsed)+uint64(size) > uint64(k.appMemoryLimit(p)) {
			return 0, resourceErr("commit memory", result.OutOfMemory)
		}
		state := memory.StatePrivate
		name := "heap"
		if linear {
			state = memory.StateContinuous
			name = "linear heap"
		}
		b := k.blocks.Alloc(size)
		if err := space.MapRAM(name, addr0, size, memory.PermRW, state, b, 0); err != nil {
			k.blocks.Free(b)
			return 0, resourceErr("commit memory", result.InvalidAddressState)
		}
		p.memoryUsed += size
		return addr0, nil

	case MemOpFree:
		if !memory.InRange(addr0, size, memory.HeapBase, memory.HeapEnd) &&
			!memory.InRange(addr0, size, memory.LinearHeapBase, memory.LinearHeapEnd) {
			return 0, resourceErr("free memory", result.InvalidAddress)
		}
		if !k.hasState(space, addr0, size, memory.StatePrivate, memory.StateContinuous) {
			return 0, resourceErr("free memory", result.InvalidAddressState)
		}
		if err := space.Unmap(addr0, size); err != nil {
			return 0, resourceErr("free memory", result.InvalidAddressState)
		}
		p.memoryUsed -= min(size, p.memoryUsed)
		k.collectBlocks()
		return addr0, nil

	case MemOpMap:
		if !memory.IsUserRange(addr0, size) || !memory.IsUserRange(addr1, size) {
			return 0, resourceErr("map memory", result.InvalidAddress)
		}
		if !space.IsFree(addr0, size) {
			return 0, resourceErr("map memory", result.InvalidAddressState)
		}
		if !k.hasState(space, addr1, size, memory.StatePrivate) {
			return 0, resourceErr("map memory", result.InvalidAddressState)
		}
		if err := k.alias(space, addr0, addr1, size, toPerm(perm)); err != nil {
			return 0, err
		}
		if err := space.SetState(addr1, size, memory.StateAliased); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		return addr0, nil

	case MemOpUnmap:
		if !k.hasState(space, addr0, size, memory.StateAlias) || !k.hasState(space, addr1, size, memory.StateAliased) {
			return 0, resourceErr("unmap memory", result.InvalidAddressState)
		}
		if err := space.Unmap(addr0, size); err != nil {
			return 0, resourceErr("unmap memory", result.InvalidAddressState)
		}
		if err := space.SetState(addr1, size, memory.StatePrivate); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		k.collectBlocks()
		return addr0, nil

	case MemOpProtect:
		if !k.hasState(space, addr0, size, memory.StatePrivate, memory.StateContinuous, memory.StateAlias) {
			return 0, resourceErr("protect memory", result.InvalidAddressState)
		}
		if err := space.Protect(addr0, size, toPerm(perm)); err != nil {
			return 0, resourceErr("protect memory", result.InvalidAddressState)
		}
		return addr0, nil

	case MemOpReserve:
		slog.Warn("ControlMemory reserve is not supported", "addr", fmt.Sprintf("0x%08X", addr0))
		return addr0, nil

	default:
		return 0, resourceErr("control memory", result.InvalidCombination)
	}
}

// hasState reports whether [addr, addr+size) is fully mapped with RAM in one
// of the given states.
func (k *Kernel) hasState(space *memory.AddressSpace, addr, size uint32, states ...memory.State) bool {
	if size == 0 || !space.IsMapped(addr, size) {
		return false
	}
	end := uint64(addr) + uint64(size)
	for a := uint64(addr); a < end; {
		r, ok := space.Query(uint32(a))
		if !ok || r.Kind != memory.KindRAM {
			return false
		}
		match := false
		for _, s := range states {
			if r.State == s {
				match = true
			}
		}
		if !match {
			return false
		}
		a = r.End()
	}
	return true
}

// alias maps the RAM backing [src, src+size) a second time at dst.
func (k *Kernel) alias(space *memory.AddressSpace, dst, src, size uint32, perm memory.Perm) error {
	end := uint64(src) + uint64(size)
	for a := uint64(src); a < end; {
		r, ok := space.Query(uint32(a))
		if !ok {
			return resourceErr("map memory", result.InvalidAddressState)
		}
		chunkEnd := min(r.End(), end)
		b, off := r.Block()
		off += uint32(a) - r.Base
		target := dst + uint32(a-uint64(src))
		if err := space.MapRAM("alias", target, uint32(chunkEnd-a), perm, memory.StateAlias, b, off); err != nil {
			return resourceErr("map memory", result.InvalidAddressState)
		}
		a = chunkEnd
	}
	return nil
}

// MemoryInfo is the result of QueryMemory.
type MemoryInfo struct {
	Base  uint32
	Size  uint32
	Perm  memory.Perm
	State memory.State
}

func (k *Kernel) queryMemory(p *Process, addr uint32) MemoryInfo {
	if r, ok := p.space.Query(addr); ok {
		return MemoryInfo{Base: r.Base, Size: r.Size, Perm: r.Perm, State: r.State}
	}
	base, size := p.space.QueryFree(addr)
	return MemoryInfo{Base: base, Size: size, State: memory.StateFree}
}

// createSharedMemory creates a block either over existing memory of p or,
// with addr 0, over fresh kernel memory.
func (k *Kernel) createSharedMemory(p *Process, addr, size uint32, ownerPerm, otherPerm memory.Perm, name string) (*SharedMemory, error) {
	if size == 0 || !bit.IsAligned(size, memory.PageSize) {
		return nil, resourceErr("create memory block", result.MisalignedSize)
	}
	if !bit.IsAligned(addr, memory.PageSize) {
		return nil, resourceErr("create memory block", result.MisalignedAddress)
	}
	if err := k.charge(p, KindSharedMemory); err != nil {
		return nil, err
	}

	s := &SharedMemory{process: p, size: size, ownerPerm: ownerPerm, otherPerm: otherPerm}
	if addr == 0 {
		s.block = k.blocks.Alloc(size)
		s.owned = true
	} else {
		r, ok := p.space.Query(addr)
		if !ok || r.Kind != memory.KindRAM || uint64(addr)+uint64(size) > r.End() {
			if p != nil {
				p.counts[KindSharedMemory]--
			}
			return nil, resourceErr("create memory block", result.InvalidAddressState)
		}
		b, off := r.Block()
		s.block = b
		s.offset = off + addr - r.Base
	}
	k.register(s, KindSharedMemory, name)
	return s, nil
}

func (k *Kernel) mapSharedMemory(p *Process, s *SharedMemory, addr uint32, perm uint32) (uint32, error) {
	allowed := s.otherPerm
	if p == s.process {
		allowed = s.ownerPerm
	}
	want := allowed
	if perm&permDontCare == 0 {
		want = toPerm(perm)
		if want&^allowed != 0 {
			return 0, resourceErr("map memory block", result.InvalidCombination)
		}
	}

	if addr == 0 {
		base, ok := p.space.FindFree(memory.SharedMemoryBase, memory.SharedMemoryEnd, bit.AlignUp(s.size, memory.PageSize))
		if !ok {
			return 0, resourceErr("map memory block", result.OutOfMemory)
		}
		addr = base
	}
	if !bit.IsAligned(addr, memory.PageSize) {
		return 0, resourceErr("map memory block", result.MisalignedAddress)
	}
	if !memory.IsUserRange(addr, s.size) {
		return 0, resourceErr("map memory block", result.InvalidAddress)
	}
	if !p.space.IsFree(addr, s.size) {
		return 0, resourceErr("map memory block", result.InvalidAddressState)
	}
	if err := p.space.MapRAM(s.name, addr, s.size, want, memory.StateShared, s.block, s.offset); err != nil {
		return 0, resourceErr("map memory block", result.InvalidAddressState)
	}
	s.mapped++
	return addr, nil
}

func (k *Kernel) unmapSharedMemory(p *Process, s *SharedMemory, addr uint32) error {
	r, ok := p.space.Query(addr)
	if !ok || r.Base != addr || r.State != memory.StateShared {
		return resourceErr("unmap memory block", result.InvalidAddressState)
	}
	if b, _ := r.Block(); b != s.block {
		return resourceErr("unmap memory block", result.InvalidAddressState)
	}
	if err := p.space.Unmap(addr, s.size); err != nil {
		return resourceErr("unmap memory block", result.InvalidAddressState)
	}
	s.mapped--
	k.collectBlocks()
	return nil
}

func (k *Kernel) freeSharedMemory(s *SharedMemory) {
	s.owned = false
	k.collectBlocks()
}

// collectBlocks frees blocks nothing references anymore: no region of any
// process maps them and no shared memory object owns them.
func (k *Kernel) collectBlocks() {
	used := map[memory.BlockID]bool{
		k.configPage.ID(): true,
		k.sharedPage.ID(): true,
	}
	for _, p := range k.processes {
		for _, r := range p.space.Regions() {
			if b, _ := r.Block(); b != nil {
				used[b.ID()] = true
			}
		}
	}
	for _, o := range k.objects {
		if s, ok := o.(*SharedMemory); ok && s.owned {
			used[s.block.ID()] = true
		}
	}

	snapshot := k.blocks.Snapshot()
	for _, bs := range snapshot.Blocks {
		if used[bs.ID] {
			continue
		}
		if b, ok := k.blocks.Get(bs.ID); ok {
			k.blocks.Free(b)
		}
	}
}

package memory

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
)

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	dirShift = 22
	dirSize  = 1 << (32 - dirShift)
	tabSize  = 1 << (dirShift - PageShift)
)

// Perm is a set of access permissions of a region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
	PermRWX       = PermRead | PermWrite | PermExec
)

func (p Perm) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// Kind is the kind of backing of a region.
type Kind uint8

const (
	KindRAM Kind = iota
	KindMMIO
)

// State is the kernel-level memory state reported by QueryMemory.
type State uint8

const (
	StateFree State = iota
	StateReserved
	StateIO
	StateStatic
	StateCode
	StatePrivate
	StateShared
	StateContinuous
	StateAliased
	StateAlias
	StateAliasCode
	StateLocked
)

// Device is a memory-mapped peripheral. Accesses are forwarded synchronously
// with the offset relative to the address the device was mapped at.
type Device interface {
	Read(offset uint32, size int) uint32
	Write(offset uint32, size int, value uint32)
}

// Region is a contiguous, page aligned range of guest addresses with a single
// backing.
type Region struct {
	Name  string
	Base  uint32
	Size  uint32
	Perm  Perm
	Kind  Kind
	State State

	block  *Block
	offset uint32 // into block, or into the device register window
	data   []byte
	device Device
}

// End returns the first address after the region.
func (r *Region) End() uint64 { return uint64(r.Base) + uint64(r.Size) }

// Contains reports whether addr lies in the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Base && uint64(addr) < r.End()
}

// Block returns the backing block of a RAM region and the offset the region starts at.
func (r *Region) Block() (*Block, uint32) { return r.block, r.offset }

// Device returns the device of an MMIO region.
func (r *Region) Device() Device { return r.device }

func (r *Region) deviceOffset(addr uint32) uint32 { return addr - r.Base + r.offset }

// AddressSpace is the guest's 32 bit virtual address space. A two level page
// table resolves any address to the region owning it in constant time.
type AddressSpace struct {
	dirs    [dirSize]*[tabSize]*Region
	regions []*Region
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

func (as *AddressSpace) lookup(addr uint32) *Region {
	tab := as.dirs[addr>>dirShift]
	if tab == nil {
		return nil
	}
	return tab[(addr>>PageShift)&(tabSize-1)]
}

func (as *AddressSpace) setPages(base, size uint32, r *Region) {
	for p := uint64(base); p < uint64(base)+uint64(size); p += PageSize {
		page := uint32(p)
		dir := page >> dirShift
		if as.dirs[dir] == nil {
			if r == nil {
				continue
			}
			as.dirs[dir] = new([tabSize]*Region)
		}
		as.dirs[dir][(page>>PageShift)&(tabSize-1)] = r
	}
}

func checkRange(base, size uint32) error {
	if size == 0 || base&PageMask != 0 || size&PageMask != 0 {
		return fmt.Errorf("%w: base=0x%08X size=0x%X", ErrMisaligned, base, size)
	}
	if uint64(base)+uint64(size) > 1<<32 {
		return fmt.Errorf("%w: region 0x%08X+0x%X wraps the address space", ErrMisaligned, base, size)
	}
	return nil
}

// IsFree reports whether no page of [base, base+size) is mapped.
func (as *AddressSpace) IsFree(base, size uint32) bool {
	for page := uint64(base) &^ PageMask; page < uint64(base)+uint64(size); page += PageSize {
		if as.lookup(uint32(page)) != nil {
			return false
		}
	}
	return true
}

// IsMapped reports whether every page of [base, base+size) is mapped.
func (as *AddressSpace) IsMapped(base, size uint32) bool {
	for page := uint64(base) &^ PageMask; page < uint64(base)+uint64(size); page += PageSize {
		if as.lookup(uint32(page)) == nil {
			return false
		}
	}
	return true
}

func (as *AddressSpace) insert(r *Region) error {
	if err := checkRange(r.Base, r.Size); err != nil {
		return err
	}
	if !as.IsFree(r.Base, r.Size) {
		return fmt.Errorf("%w: %s at 0x%08X+0x%X", ErrOverlap, r.Name, r.Base, r.Size)
	}

	if r.Kind == KindRAM {
		r.data = r.block.data[r.offset : r.offset+r.Size]
	}

	as.setPages(r.Base, r.Size, r)
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Base > r.Base })
	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r

	slog.Debug("Mapped region", "name", r.Name, "base", fmt.Sprintf("0x%08X", r.Base),
		"size", fmt.Sprintf("0x%X", r.Size), "perm", r.Perm.String())
	return nil
}

// MapRAM maps size bytes of block, starting at blockOffset, at base.
func (as *AddressSpace) MapRAM(name string, base, size uint32, perm Perm, state State, block *Block, blockOffset uint32) error {
	if block == nil {
		return fmt.Errorf("mapping %s: nil block", name)
	}
	if uint64(blockOffset)+uint64(size) > uint64(len(block.data)) {
		return fmt.Errorf("mapping %s: 0x%X bytes at offset 0x%X exceed block of 0x%X bytes", name, size, blockOffset, len(block.data))
	}
	return as.insert(&Region{
		Name: name, Base: base, Size: size, Perm: perm, Kind: KindRAM, State: state,
		block: block, offset: blockOffset,
	})
}

// MapDevice maps a peripheral at base. Every access inside the region goes
// through the device handler.
func (as *AddressSpace) MapDevice(name string, base, size uint32, perm Perm, dev Device) error {
	return as.mapDevice(name, base, size, perm, dev, 0)
}

func (as *AddressSpace) mapDevice(name string, base, size uint32, perm Perm, dev Device, offset uint32) error {
	if dev == nil {
		return fmt.Errorf("mapping %s: nil device", name)
	}
	return as.insert(&Region{
		Name: name, Base: base, Size: size, Perm: perm, Kind: KindMMIO, State: StateIO,
		device: dev, offset: offset,
	})
}

// split cuts the region containing addr in two at addr, if addr is inside one.
func (as *AddressSpace) split(addr uint32) {
	r := as.lookup(addr)
	if r == nil || r.Base == addr {
		return
	}

	right := *r
	right.Base = addr
	right.Size = uint32(r.End() - uint64(addr))
	right.offset = r.offset + (addr - r.Base)
	r.Size = addr - r.Base
	if r.Kind == KindRAM {
		r.data = r.block.data[r.offset : r.offset+r.Size]
		right.data = right.block.data[right.offset : right.offset+right.Size]
	}

	idx := as.indexOf(r)
	as.regions = append(as.regions, nil)
	copy(as.regions[idx+2:], as.regions[idx+1:])
	as.regions[idx+1] = &right
	as.setPages(right.Base, right.Size, &right)
}

func (as *AddressSpace) indexOf(r *Region) int {
	idx := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Base >= r.Base })
	return idx
}

// carve splits regions so that [base, base+size) is covered by whole regions
// and returns them. The range must be completely mapped.
func (as *AddressSpace) carve(base, size uint32) ([]*Region, error) {
	if err := checkRange(base, size); err != nil {
		return nil, err
	}
	if !as.IsMapped(base, size) {
		return nil, fmt.Errorf("%w: 0x%08X+0x%X", ErrNotMapped, base, size)
	}

	as.split(base)
	if end := uint64(base) + uint64(size); end < 1<<32 {
		as.split(uint32(end))
	}

	var covered []*Region
	for _, r := range as.regions {
		if r.Base >= base && r.End() <= uint64(base)+uint64(size) {
			covered = append(covered, r)
		}
	}
	return covered, nil
}

// Unmap removes every mapping in [base, base+size), splitting regions that
// extend past the range. The whole range must be mapped.
func (as *AddressSpace) Unmap(base, size uint32) error {
	covered, err := as.carve(base, size)
	if err != nil {
		return err
	}

	for _, r := range covered {
		as.setPages(r.Base, r.Size, nil)
	}
	kept := as.regions[:0]
	for _, r := range as.regions {
		if r.Base >= base && r.End() <= uint64(base)+uint64(size) {
			continue
		}
		kept = append(kept, r)
	}
	as.regions = kept

	slog.Debug("Unmapped range", "base", fmt.Sprintf("0x%08X", base), "size", fmt.Sprintf("0x%X", size))
	return nil
}

// Protect changes the permissions of every mapping in [base, base+size).
func (as *AddressSpace) Protect(base, size uint32, perm Perm) error {
	covered, err := as.carve(base, size)
	if err != nil {
		return err
	}
	for _, r := range covered {
		r.Perm = perm
	}
	return nil
}

// SetState changes the memory state of every mapping in [base, base+size).
func (as *AddressSpace) SetState(base, size uint32, state State) error {
	covered, err := as.carve(base, size)
	if err != nil {
		return err
	}
	for _, r := range covered {
		r.State = state
	}
	return nil
}

// Query returns a copy of the region containing addr.
func (as *AddressSpace) Query(addr uint32) (Region, bool) {
	r := as.lookup(addr)
	if r == nil {
		return Region{}, false
	}
	return *r, true
}

// QueryFree returns the unmapped gap around addr, bounded by neighbouring regions.
func (as *AddressSpace) QueryFree(addr uint32) (base, size uint32) {
	lo := uint64(0)
	hi := uint64(1 << 32)
	for _, r := range as.regions {
		if r.End() <= uint64(addr) {
			lo = r.End()
			continue
		}
		if uint64(r.Base) > uint64(addr) {
			hi = uint64(r.Base)
			break
		}
	}
	return uint32(lo), uint32(hi - lo)
}

// Regions returns copies of all regions, ordered by base address.
func (as *AddressSpace) Regions() []Region {
	out := make([]Region, 0, len(as.regions))
	for _, r := range as.regions {
		out = append(out, *r)
	}
	return out
}

// FindFree returns the lowest page aligned address in [lo, hi) where size
// bytes are unmapped.
func (as *AddressSpace) FindFree(lo, hi, size uint32) (uint32, bool) {
	if size == 0 {
		return 0, false
	}
	size = (size + PageMask) &^ PageMask
	candidate := (uint64(lo) + PageMask) &^ PageMask
	for _, r := range as.regions {
		if r.End() <= candidate {
			continue
		}
		if uint64(r.Base) >= candidate+uint64(size) {
			break
		}
		candidate = r.End()
	}
	if candidate+uint64(size) > uint64(hi) {
		return 0, false
	}
	return uint32(candidate), true
}

// Clear unmaps everything.
func (as *AddressSpace) Clear() {
	as.dirs = [dirSize]*[tabSize]*Region{}
	as.regions = nil
}

// readSlow handles reads crossing regions and MMIO reads.
func (as *AddressSpace) readSlow(addr uint32, size int, access Access) (uint64, error) {
	r := as.lookup(addr)
	if r == nil {
		return 0, &Fault{Addr: addr, Size: size, Access: access, Reason: FaultUnmapped}
	}
	need := PermRead
	if access == AccessFetch {
		need = PermExec
	}
	if r.Perm&need == 0 {
		return 0, &Fault{Addr: addr, Size: size, Access: access, Reason: FaultPermission}
	}

	if r.Kind == KindMMIO && uint64(addr)+uint64(size) <= r.End() && size <= 4 {
		return uint64(r.device.Read(r.deviceOffset(addr), size)), nil
	}

	// straddling access, resolve byte by byte
	var value uint64
	for i := 0; i < size; i++ {
		a := addr + uint32(i)
		br := as.lookup(a)
		if br == nil {
			return 0, &Fault{Addr: a, Size: size, Access: access, Reason: FaultUnmapped}
		}
		if br.Perm&need == 0 {
			return 0, &Fault{Addr: a, Size: size, Access: access, Reason: FaultPermission}
		}
		var b byte
		if br.Kind == KindMMIO {
			b = byte(br.device.Read(br.deviceOffset(a), 1))
		} else {
			b = br.data[a-br.Base]
		}
		value |= uint64(b) << (8 * i)
	}
	return value, nil
}

func (as *AddressSpace) writeSlow(addr uint32, size int, value uint64) error {
	r := as.lookup(addr)
	if r == nil {
		return &Fault{Addr: addr, Size: size, Access: AccessWrite, Reason: FaultUnmapped}
	}
	if r.Perm&PermWrite == 0 {
		return &Fault{Addr: addr, Size: size, Access: AccessWrite, Reason: FaultPermission}
	}

	if r.Kind == KindMMIO && uint64(addr)+uint64(size) <= r.End() && size <= 4 {
		r.device.Write(r.deviceOffset(addr), size, uint32(value))
		return nil
	}

	// check every byte before writing any, so a faulting store has no effect
	for i := 0; i < size; i++ {
		a := addr + uint32(i)
		br := as.lookup(a)
		if br == nil {
			return &Fault{Addr: a, Size: size, Access: AccessWrite, Reason: FaultUnmapped}
		}
		if br.Perm&PermWrite == 0 {
			return &Fault{Addr: a, Size: size, Access: AccessWrite, Reason: FaultPermission}
		}
	}
	for i := 0; i < size; i++ {
		a := addr + uint32(i)
		br := as.lookup(a)
		b := byte(value >> (8 * i))
		if br.Kind == KindMMIO {
			br.device.Write(br.deviceOffset(a), 1, uint32(b))
		} else {
			br.data[a-br.Base] = b
		}
	}
	return nil
}

// fast returns the RAM slice holding [addr, addr+size) when a single region
// with the needed permission covers it.
func (as *AddressSpace) fast(addr uint32, size uint32, need Perm) []byte {
	r := as.lookup(addr)
	if r == nil || r.Kind != KindRAM || r.Perm&need == 0 {
		return nil
	}
	off := addr - r.Base
	if uint64(off)+uint64(size) > uint64(r.Size) {
		return nil
	}
	return r.data[off : off+size]
}

func (as *AddressSpace) Read8(addr uint32) (uint8, error) {
	if b := as.fast(addr, 1, PermRead); b != nil {
		return b[0], nil
	}
	v, err := as.readSlow(addr, 1, AccessRead)
	return uint8(v), err
}

func (as *AddressSpace) Read16(addr uint32) (uint16, error) {
	if b := as.fast(addr, 2, PermRead); b != nil {
		return binary.LittleEndian.Uint16(b), nil
	}
	v, err := as.readSlow(addr, 2, AccessRead)
	return uint16(v), err
}

func (as *AddressSpace) Read32(addr uint32) (uint32, error) {
	if b := as.fast(addr, 4, PermRead); b != nil {
		return binary.LittleEndian.Uint32(b), nil
	}
	v, err := as.readSlow(addr, 4, AccessRead)
	return uint32(v), err
}

func (as *AddressSpace) Read64(addr uint32) (uint64, error) {
	if b := as.fast(addr, 8, PermRead); b != nil {
		return binary.LittleEndian.Uint64(b), nil
	}
	return as.readSlow(addr, 8, AccessRead)
}

// Fetch16 reads a Thumb instruction. The region must be executable.
func (as *AddressSpace) Fetch16(addr uint32) (uint16, error) {
	if b := as.fast(addr, 2, PermExec); b != nil {
		return binary.LittleEndian.Uint16(b), nil
	}
	v, err := as.readSlow(addr, 2, AccessFetch)
	return uint16(v), err
}

// Fetch32 reads an ARM instruction. The region must be executable.
func (as *AddressSpace) Fetch32(addr uint32) (uint32, error) {
	if b := as.fast(addr, 4, PermExec); b != nil {
		return binary.LittleEndian.Uint32(b), nil
	}
	v, err := as.readSlow(addr, 4, AccessFetch)
	return uint32(v), err
}

func (as *AddressSpace) Write8(addr uint32, value uint8) error {
	if b := as.fast(addr, 1, PermWrite); b != nil {
		b[0] = value
		return nil
	}
	return as.writeSlow(addr, 1, uint64(value))
}

func (as *AddressSpace) Write16(addr uint32, value uint16) error {
	if b := as.fast(addr, 2, PermWrite); b != nil {
		binary.LittleEndian.PutUint16(b, value)
		return nil
	}
	return as.writeSlow(addr, 2, uint64(value))
}

func (as *AddressSpace) Write32(addr uint32, value uint32) error {
	if b := as.fast(addr, 4, PermWrite); b != nil {
		binary.LittleEndian.PutUint32(b, value)
		return nil
	}
	return as.writeSlow(addr, 4, uint64(value))
}

func (as *AddressSpace) Write64(addr uint32, value uint64) error {
	if b := as.fast(addr, 8, PermWrite); b != nil {
		binary.LittleEndian.PutUint64(b, value)
		return nil
	}
	return as.writeSlow(addr, 8, value)
}

// ReadBytes copies len(buf) bytes starting at addr into buf.
func (as *AddressSpace) ReadBytes(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if b := as.fast(addr, uint32(len(buf)), PermRead); b != nil {
		copy(buf, b)
		return nil
	}
	for i := range buf {
		v, err := as.Read8(addr + uint32(i))
		if err != nil {
			return err
		}
		buf[i] = v
	}
	return nil
}

// WriteBytes copies data into guest memory starting at addr. Nothing is
// written if any byte of the destination is not writable.
func (as *AddressSpace) WriteBytes(addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if b := as.fast(addr, uint32(len(data)), PermWrite); b != nil {
		copy(b, data)
		return nil
	}
	for i := range data {
		a := addr + uint32(i)
		r := as.lookup(a)
		if r == nil {
			return &Fault{Addr: a, Size: len(data), Access: AccessWrite, Reason: FaultUnmapped}
		}
		if r.Perm&PermWrite == 0 {
			return &Fault{Addr: a, Size: len(data), Access: AccessWrite, Reason: FaultPermission}
		}
	}
	for i := range data {
		if err := as.Write8(addr+uint32(i), data[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadCString reads a NUL terminated string of at most max bytes.
func (as *AddressSpace) ReadCString(addr uint32, max int) (string, error) {
	buf := make([]byte, 0, 16)
	for i := 0; i < max; i++ {
		b, err := as.Read8(addr + uint32(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

// RegionState is the serialized form of a region.
type RegionState struct {
	Name        string
	Base        uint32
	Size        uint32
	Perm        Perm
	Kind        Kind
	State       State
	Block  BlockID
	Offset uint32
	Device string
}

// SpaceState is the serialized form of an address space. Block contents are
// saved separately by the block table.
type SpaceState struct {
	Regions []RegionState
}

// Snapshot serializes the mappings. deviceName maps MMIO devices to the
// names they are restored by.
func (as *AddressSpace) Snapshot(deviceName func(Device) string) SpaceState {
	st := SpaceState{Regions: make([]RegionState, 0, len(as.regions))}
	for _, r := range as.regions {
		rs := RegionState{
			Name: r.Name, Base: r.Base, Size: r.Size, Perm: r.Perm, Kind: r.Kind, State: r.State,
			Offset: r.offset,
		}
		if r.Kind == KindRAM {
			rs.Block = r.block.id
		} else {
			rs.Device = deviceName(r.device)
		}
		st.Regions = append(st.Regions, rs)
	}
	return st
}

// Restore rebuilds the mappings of a snapshot, resolving blocks and devices.
func (as *AddressSpace) Restore(st SpaceState, blocks *Blocks, device func(name string) (Device, bool)) error {
	as.Clear()
	for _, rs := range st.Regions {
		switch rs.Kind {
		case KindRAM:
			b, ok := blocks.Get(rs.Block)
			if !ok {
				return fmt.Errorf("restoring %s: unknown block %d", rs.Name, rs.Block)
			}
			if err := as.MapRAM(rs.Name, rs.Base, rs.Size, rs.Perm, rs.State, b, rs.Offset); err != nil {
				return err
			}
		case KindMMIO:
			dev, ok := device(rs.Device)
			if !ok {
				return fmt.Errorf("restoring %s: unknown device %q", rs.Name, rs.Device)
			}
			if err := as.mapDevice(rs.Name, rs.Base, rs.Size, rs.Perm, dev, rs.Offset); err != nil {
				return err
			}
		default:
			return fmt.Errorf("restoring %s: unknown region kind %d", rs.Name, rs.Kind)
		}
	}
	return nil
}

package memory

// Guest virtual address layout of an application process.
const (
	CodeBase = 0x00100000

	HeapBase = 0x08000000
	HeapEnd  = 0x10000000

	StackTop = 0x10000000

	SharedMemoryBase = 0x10000000
	SharedMemoryEnd  = 0x14000000

	LinearHeapBase = 0x14000000
	LinearHeapEnd  = 0x1C000000

	// IO registers, as seen by the GSP module through its own mappings.
	IOBase = 0x1EC00000
	IOEnd  = 0x1F000000

	// VRAM as mapped into application processes.
	VRAMBase = 0x1F000000
	VRAMSize = 0x00600000

	ConfigPageBase = 0x1FF80000
	SharedPageBase = 0x1FF81000

	TLSBase = 0x1FF82000
	TLSSize = 0x200
	TLSEnd  = 0x1FFA0000

	// ProcessEnd is the first address user mappings may not reach.
	ProcessEnd = 0x20000000

	// FCRAMPhysicalBase is the physical address the linear heap starts at.
	FCRAMPhysicalBase = 0x20000000
	VRAMPhysicalBase  = 0x18000000
)

// IsUserRange reports whether [addr, addr+size) is inside the range user
// processes may map.
func IsUserRange(addr, size uint32) bool {
	end := uint64(addr) + uint64(size)
	return addr >= CodeBase && end <= ProcessEnd
}

// InRange reports whether [addr, addr+size) lies within [lo, hi).
func InRange(addr, size, lo, hi uint32) bool {
	end := uint64(addr) + uint64(size)
	return addr >= lo && end <= uint64(hi)
}

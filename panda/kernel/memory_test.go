package kernel

import (
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/cpu/asm"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func controlMemory(p *asm.Program, op, addr0, addr1, size, perm uint32) *asm.Program {
	return p.MovImm(0, op).MovImm(1, addr0).MovImm(2, addr1).MovImm(3, size).MovImm(4, perm).
		Svc(svcNumControlMemory)
}

func TestControlMemorySyscalls(t *testing.T) {
	k, s := newTestKernel(t, nil, func(c *config.EmulatorConfig) {
		c.Kernel.AppMemoryMB = 1
	})

	prog := asm.New(codeAddr)
	controlMemory(prog, MemOpCommit, memory.HeapBase, 0, 0x2000, 3)
	st(prog, 0, 0x00)
	st(prog, 1, 0x04)
	prog.MovImm(6, 0xCAFE).MovImm(5, memory.HeapBase+0x1000).Str(6, 5, 0).Ldr(7, 5, 0)
	st(prog, 7, 0x08)
	controlMemory(prog, MemOpCommit, memory.HeapBase, 0, 0x1000, 3)
	st(prog, 0, 0x0C)
	controlMemory(prog, MemOpCommit, memory.HeapBase+0x100, 0, 0x1000, 3)
	st(prog, 0, 0x10)
	controlMemory(prog, MemOpCommit|MemOpLinear, 0, 0, 0x1000, 3)
	st(prog, 0, 0x14)
	st(prog, 1, 0x18)
	prog.MovImm(2, memory.HeapBase+0x1000).Svc(svcNumQueryMemory)
	st(prog, 1, 0x1C)
	st(prog, 2, 0x20)
	st(prog, 3, 0x24)
	st(prog, 4, 0x28)
	controlMemory(prog, MemOpFree, memory.HeapBase, 0, 0x2000, 0)
	st(prog, 0, 0x2C)
	controlMemory(prog, MemOpCommit, memory.HeapBase, 0, 0x200000, 3)
	st(prog, 0, 0x30)
	controlMemory(prog, MemOpCommit, memory.HeapEnd-0x1000, 0, 0x2000, 3)
	st(prog, 0, 0x34)
	controlMemory(prog, MemOpCommit, memory.HeapBase, 0, 0x1800, 3)
	st(prog, 0, 0x38)
	spin(prog)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, 10_000, nil)

	testCases := []struct {
		desc string
		off  uint32
		want uint32
	}{
		{desc: "commit succeeds", off: 0x00, want: uint32(result.Success)},
		{desc: "commit returns the address", off: 0x04, want: memory.HeapBase},
		{desc: "committed memory is usable", off: 0x08, want: 0xCAFE},
		{desc: "overlapping commit", off: 0x0C, want: uint32(result.InvalidAddressState)},
		{desc: "misaligned address", off: 0x10, want: uint32(result.MisalignedAddress)},
		{desc: "linear commit succeeds", off: 0x14, want: uint32(result.Success)},
		{desc: "linear commit picks the heap start", off: 0x18, want: memory.LinearHeapBase},
		{desc: "query base", off: 0x1C, want: memory.HeapBase},
		{desc: "query size", off: 0x20, want: 0x2000},
		{desc: "query permission", off: 0x24, want: uint32(memory.PermRW)},
		{desc: "query state", off: 0x28, want: uint32(memory.StatePrivate)},
		{desc: "free succeeds", off: 0x2C, want: uint32(result.Success)},
		{desc: "over the app limit", off: 0x30, want: uint32(result.OutOfMemory)},
		{desc: "past the heap end", off: 0x34, want: uint32(result.InvalidAddress)},
		{desc: "misaligned size", off: 0x38, want: uint32(result.MisalignedSize)},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			assert.Equal(t, tC.want, word(t, p, tC.off))
		})
	}

	assert.Equal(t, uint32(0x1000), p.MemoryUsed(), "only the linear page stays committed")
	assert.False(t, p.space.IsMapped(memory.HeapBase, 0x1000))
}

func TestSharedMemoryMapping(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)
	p := bootProgram(t, k, spin(asm.New(codeAddr)), nil)
	run(t, k, s, 10, nil)

	sm, err := k.createSharedMemory(nil, 0, 0x1000, memory.PermRW, memory.PermRead, "shared")
	require.NoError(t, err)

	_, err = k.mapSharedMemory(p, sm, memory.SharedMemoryBase, uint32(memory.PermRW))
	assert.ErrorIs(t, err, result.InvalidCombination, "others only get read access")

	addr, err := k.mapSharedMemory(p, sm, 0, permDontCare)
	require.NoError(t, err)
	assert.Equal(t, uint32(memory.SharedMemoryBase), addr)

	sm.Bytes()[0] = 0x5A
	v, err := p.space.Read8(addr)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x5A), v)
	assert.Error(t, p.space.Write8(addr, 1), "mapped read only")

	blocks := k.Blocks().Len()
	require.NoError(t, k.unmapSharedMemory(p, sm, addr))
	assert.Equal(t, blocks, k.Blocks().Len(), "the object still owns its block")

	k.release(sm)
	assert.Equal(t, blocks-1, k.Blocks().Len())
}

func TestConfigAndSharedPages(t *testing.T) {
	k, s := newTestKernel(t, nil, func(c *config.EmulatorConfig) {
		c.System.BatteryPercentage = 100
		c.System.ChargerPlugged = true
	})
	p := bootProgram(t, k, spin(asm.New(codeAddr)), nil)
	run(t, k, s, 10, nil)

	minor, err := p.space.Read8(memory.ConfigPageBase + 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(kernelVersionMinor), minor)
	appMem, err := p.space.Read32(memory.ConfigPageBase + cfgAppMemAlloc)
	require.NoError(t, err)
	assert.Equal(t, k.cfg.AppMemoryMB<<20, appMem)

	battery, err := p.space.Read8(memory.SharedPageBase + shBatteryState)
	require.NoError(t, err)
	assert.Equal(t, uint8(5<<2|1), battery)

	assert.Error(t, p.space.Write8(memory.ConfigPageBase, 0), "config page is read only")
}

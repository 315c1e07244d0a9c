package panda

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/cpu/asm"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	svcGetSystemTick      = 0x28
	svcConnectToPort      = 0x2D
	svcSendSyncRequest    = 0x32
	svcOutputDebugString  = 0x3D
	commandBuffer         = memory.TLSBase + 0x80
	integrationDataLength = 0x200
)

// writeELF writes an executable with a code segment at codeAddr and a
// writable page at dataAddr.
func writeELF(t *testing.T, path string, code, data []byte) {
	t.Helper()
	const ehsize, phsize = 52, 32
	le := binary.LittleEndian
	out := make([]byte, ehsize+2*phsize)
	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(elf.EM_ARM))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint32(out[24:], codeAddr)
	le.PutUint32(out[28:], ehsize)
	le.PutUint16(out[40:], ehsize)
	le.PutUint16(out[42:], phsize)
	le.PutUint16(out[44:], 2)

	segs := []struct {
		addr  uint32
		data  []byte
		flags elf.ProgFlag
	}{
		{codeAddr, code, elf.PF_R | elf.PF_X},
		{dataAddr, data, elf.PF_R | elf.PF_W},
	}
	for i, s := range segs {
		ph := out[ehsize+phsize*i:]
		le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		le.PutUint32(ph[4:], uint32(len(out)))
		le.PutUint32(ph[8:], s.addr)
		le.PutUint32(ph[12:], s.addr)
		le.PutUint32(ph[16:], uint32(len(s.data)))
		le.PutUint32(ph[20:], max(memory.PageSize, uint32(len(s.data))))
		le.PutUint32(ph[24:], uint32(s.flags))
		le.PutUint32(ph[28:], memory.PageSize)
		out = append(out, s.data...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

// nameWord packs up to four characters of a service name.
func nameWord(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint32(b[:])
}

// request writes a command to the main thread's command buffer.
func request(p *asm.Program, words ...uint32) *asm.Program {
	p.MovImm(4, commandBuffer)
	for i, w := range words {
		p.MovImm(6, w).Str(6, 4, int32(4*i))
	}
	return p
}

// send sends the command buffer over the session whose handle is at off.
func send(p *asm.Program, handleOff uint32) *asm.Program {
	return ld(p, 0, handleOff).Svc(svcSendSyncRequest)
}

// saveReply copies n reply words to off.
func saveReply(p *asm.Program, n, off uint32) *asm.Program {
	for i := uint32(0); i < n; i++ {
		p.MovImm(4, commandBuffer).Ldr(6, 4, int32(4*i))
		st(p, 6, off+4*i)
	}
	return p
}

// getService connects to srv: and stores a session to name at off.
func getService(p *asm.Program, name string, off uint32) *asm.Program {
	p.MovImm(1, dataAddr+0x100).Svc(svcConnectToPort)
	st(p, 1, 0x00)
	request(p, uint32(ipc.MakeHeader(5, 4, 0)), nameWord(name), nameWord(name[min(4, len(name)):]), uint32(len(name)), 0)
	send(p, 0x00)
	p.MovImm(4, commandBuffer).Ldr(6, 4, 12)
	return st(p, 6, off)
}

func TestIntegration(t *testing.T) {
	testCases := []struct {
		desc       string
		program    func() *asm.Program
		maxFrames  int
		wantOutput []string
		check      func(t *testing.T, e *Emulator)
	}{
		{
			desc: "debug output",
			program: func() *asm.Program {
				msg := "hello from elf"
				prog := asm.New(codeAddr).MovImm(0, dataAddr+0x110).MovImm(1, uint32(len(msg))).Svc(svcOutputDebugString)
				return prog.Svc(svcExitThread)
			},
			maxFrames:  1,
			wantOutput: []string{"hello from elf"},
		},
		{
			desc: "battery level through ptm:u",
			program: func() *asm.Program {
				prog := asm.New(codeAddr)
				getService(prog, "ptm:u", 0x04)
				request(prog, uint32(ipc.MakeHeader(7, 0, 0)))
				send(prog, 0x04)
				saveReply(prog, 3, 0x20)
				return prog.Svc(svcExitThread)
			},
			maxFrames: 1,
			check: func(t *testing.T, e *Emulator) {
				assert.NotZero(t, word(t, e, 0x04), "ptm:u handle")
				assert.Equal(t, uint32(ipc.MakeHeader(7, 2, 0)), word(t, e, 0x20))
				assert.Equal(t, uint32(result.Success), word(t, e, 0x24))
				assert.Equal(t, uint32(4), word(t, e, 0x28))
			},
		},
		{
			desc: "gsp interrupt relay wakes the guest on vblank",
			program: func() *asm.Program {
				prog := asm.New(codeAddr)
				getService(prog, "gsp::Gpu", 0x04)
				prog.MovImm(1, uint32(ipc.OneShot)).Svc(svcCreateEvent)
				st(prog, 1, 0x08)
				request(prog, uint32(ipc.MakeHeader(0x13, 1, 2)), 1, ipc.CopyHandlesDesc(1))
				ld(prog, 6, 0x08).MovImm(4, commandBuffer).Str(6, 4, 12)
				send(prog, 0x04)
				saveReply(prog, 5, 0x20)

				ld(prog, 0, 0x08).MovImm(2, infinite).MovImm(3, infinite).Svc(svcWaitSync1)
				st(prog, 0, 0x40)
				prog.Svc(svcGetSystemTick)
				st(prog, 0, 0x44)
				return prog.Svc(svcExitThread)
			},
			maxFrames: 3,
			check: func(t *testing.T, e *Emulator) {
				assert.Equal(t, uint32(ipc.MakeHeader(0x13, 2, 2)), word(t, e, 0x20))
				assert.Equal(t, uint32(result.Success), word(t, e, 0x24))
				assert.Zero(t, word(t, e, 0x28), "thread index")
				assert.Equal(t, ipc.CopyHandlesDesc(1), word(t, e, 0x2C))
				assert.NotZero(t, word(t, e, 0x30), "shared memory handle")
				assert.Equal(t, uint32(result.Success), word(t, e, 0x40))
				assert.GreaterOrEqual(t, uint64(word(t, e, 0x44)), e.Config().CyclesPerFrame())
				assert.Equal(t, uint64(1), e.Frames())
			},
		},
	}

	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			data := make([]byte, integrationDataLength)
			copy(data[0x100:], "srv:")
			copy(data[0x110:], "hello from elf")
			path := filepath.Join(t.TempDir(), "test.elf")
			writeELF(t, path, tC.program().MustAssemble(), data)

			e := New(testConfig())
			require.NoError(t, e.LoadROM(path))

			exited := false
			for i := 0; i < tC.maxFrames+1; i++ {
				err := e.RunFrame()
				if errors.Is(err, ErrGuestExited) {
					exited = true
					break
				}
				require.NoError(t, err)
			}
			require.True(t, exited, "program did not exit within %d frames", tC.maxFrames)

			if tC.wantOutput != nil {
				assert.Equal(t, tC.wantOutput, e.DebugOutput())
			}
			if tC.check != nil {
				tC.check(t, e)
			}
		})
	}
}

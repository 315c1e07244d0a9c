package kernel

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/cpu/asm"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type savedState struct {
	Scheduler scheduler.State
	Kernel    State
}

func counterProgram() *asm.Program {
	prog := asm.New(codeAddr).B(asm.AL, "main")
	prog.Label("worker").MovImm(5, 300)
	prog.Label("loop")
	waitForever(prog, 0)
	ld(prog, 6, 4).AddImm(6, 6, 1)
	st(prog, 6, 4)
	ld(prog, 0, 0).Svc(svcNumReleaseMutex)
	sleep(prog, 20_000)
	prog.SubsImm(5, 5, 1).B(asm.NE, "loop")
	prog.Svc(svcNumExitThread)

	prog.Label("main").MovImm(1, 0).Svc(svcNumCreateMutex)
	st(prog, 1, 0)
	createThread(prog, "worker", MainThreadPriority, 0, memory.StackTop-0x2000)
	prog.B(asm.AL, "worker")
	return prog
}

func save(t *testing.T, k *Kernel, s *scheduler.Scheduler) []byte {
	t.Helper()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(savedState{Scheduler: s.Snapshot(), Kernel: k.Snapshot(nil)})
	require.NoError(t, err)
	return buf.Bytes()
}

func decode(t *testing.T, data []byte) savedState {
	t.Helper()
	var st savedState
	require.NoError(t, gob.NewDecoder(bytes.NewReader(data)).Decode(&st))
	return st
}

func load(t *testing.T, k *Kernel, s *scheduler.Scheduler, data []byte) {
	t.Helper()
	st := decode(t, data)
	require.NoError(t, s.Restore(st.Scheduler))
	require.NoError(t, k.Restore(st.Kernel, nil))
}

func TestSnapshotRestoreContinuesIdentically(t *testing.T) {
	tweak := func(c *config.EmulatorConfig) { c.Kernel.TimeSliceCycles = 211 }
	k, s := newTestKernel(t, nil, tweak)
	p := bootProgram(t, k, counterProgram(), nil)

	run(t, k, s, 200_000, nil)
	require.False(t, k.Exited(), "snapshot must be taken mid run")
	mid := word(t, p, 4)
	require.NotZero(t, mid)
	data := save(t, k, s)

	run(t, k, s, 20_000_000, exited(k))
	require.True(t, k.Exited())
	assert.Equal(t, uint32(600), word(t, p, 4))

	k2, s2 := newTestKernel(t, nil, tweak)
	load(t, k2, s2, data)
	require.NotNil(t, k2.app)
	assert.Equal(t, mid, word(t, k2.app, 4))

	run(t, k2, s2, 20_000_000, exited(k2))
	require.True(t, k2.Exited())
	assert.Equal(t, uint32(600), word(t, k2.app, 4))
	assert.Equal(t, s.Now(), s2.Now(), "restored run ends at the same cycle")
}

func TestSnapshotIsStable(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)
	bootProgram(t, k, counterProgram(), nil)
	run(t, k, s, 50_000, nil)

	first := save(t, k, s)
	k2, s2 := newTestKernel(t, nil, nil)
	load(t, k2, s2, first)

	assert.Equal(t, decode(t, first), decode(t, save(t, k2, s2)))
}

func TestRestoreRejectsMissingPages(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)
	bootProgram(t, k, spin(asm.New(codeAddr)), nil)
	run(t, k, s, 100, nil)

	st := k.Snapshot(nil)
	st.ConfigPage = 0xFFFF
	k2, _ := newTestKernel(t, nil, nil)
	assert.Error(t, k2.Restore(st, nil))
}

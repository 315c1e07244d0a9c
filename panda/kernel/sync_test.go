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

func createThread(p *asm.Program, entry string, priority, arg, stackTop uint32) *asm.Program {
	return p.MovImm(0, priority).MovImm(1, p.Addr(entry)).MovImm(2, arg).
		MovImm(3, stackTop).MovImm(4, 0xFFFFFFFE).Svc(svcNumCreateThread)
}

func sleep(p *asm.Program, ns uint32) *asm.Program {
	return p.MovImm(0, ns).MovImm(1, 0).Svc(svcNumSleepThread)
}

func tick(p *asm.Program, off uint32) *asm.Program {
	p.Svc(svcNumGetSystemTick)
	return st(p, 0, off)
}

func TestMutexWakesWaitersInArrivalOrder(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	prog := asm.New(codeAddr).B(asm.AL, "main")
	// waiter: r0 holds the data offset its rank goes to
	prog.Label("waiter").Mov(8, 0)
	waitForever(prog, 0)
	ld(prog, 6, 0x08).AddImm(6, 6, 1)
	st(prog, 6, 0x08)
	prog.MovImm(scratch, dataAddr).Add(scratch, scratch, 8).Str(6, scratch, 0)
	ld(prog, 0, 0).Svc(svcNumReleaseMutex)
	prog.Svc(svcNumExitThread)

	prog.Label("main").MovImm(1, 1).Svc(svcNumCreateMutex)
	st(prog, 1, 0)
	// the low priority waiter queues first
	createThread(prog, "waiter", 0x31, 0x10, memory.StackTop-0x1000)
	sleep(prog, 1_000_000)
	createThread(prog, "waiter", 0x2F, 0x14, memory.StackTop-0x2000)
	sleep(prog, 1_000_000)
	ld(prog, 0, 0).Svc(svcNumReleaseMutex)
	sleep(prog, 1_000_000)
	prog.Svc(svcNumExitThread)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, 20*config.ClockRate/1000, exited(k))

	require.True(t, k.Exited())
	assert.Equal(t, uint32(1), word(t, p, 0x10), "first waiter acquires first")
	assert.Equal(t, uint32(2), word(t, p, 0x14))
}

func TestMutexRecursion(t *testing.T) {
	testCases := []struct {
		desc      string
		recursive bool
		want      result.Code
		lockCount int
	}{
		{desc: "recursive mutex locks again", recursive: true, want: result.Success, lockCount: 2},
		{desc: "non-recursive mutex refuses its owner", recursive: false, want: result.WrongLockingThread, lockCount: 1},
	}

	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			k, s := newTestKernel(t, nil, func(c *config.EmulatorConfig) {
				c.Kernel.MutexRecursion = tC.recursive
			})
			prog := asm.New(codeAddr).MovImm(1, 1).Svc(svcNumCreateMutex)
			st(prog, 1, 0)
			prog.Mov(0, 1).MovImm(2, 0).MovImm(3, 0).Svc(svcNumWaitSync1)
			st(prog, 0, 4)
			spin(prog)
			p := bootProgram(t, k, prog, nil)

			run(t, k, s, 1_000, nil)

			assert.Equal(t, uint32(tC.want), word(t, p, 4))
			o, ok := p.handles.entries[Handle(word(t, p, 0))]
			require.True(t, ok)
			m := o.(*Mutex)
			assert.Same(t, k.Current(), m.Owner())
			assert.Equal(t, tC.lockCount, m.LockCount())
		})
	}
}

func TestReleaseMutexByNonOwner(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)
	prog := asm.New(codeAddr).MovImm(1, 0).Svc(svcNumCreateMutex)
	prog.Mov(0, 1).Svc(svcNumReleaseMutex)
	st(prog, 0, 0)
	spin(prog)
	p := bootProgram(t, k, prog, nil)

	run(t, k, s, 1_000, nil)

	assert.Equal(t, uint32(result.WrongLockingThread), word(t, p, 0))
}

func TestSemaphoreAndEvents(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	poll := func(p *asm.Program, handleReg, off uint32) {
		p.Mov(0, handleReg).MovImm(2, 0).MovImm(3, 0).Svc(svcNumWaitSync1)
		st(p, 0, off)
	}

	prog := asm.New(codeAddr)
	prog.MovImm(1, 1).MovImm(2, 2).Svc(svcNumCreateSemaphore).Mov(7, 1)
	prog.Mov(1, 7).MovImm(2, 1).Svc(svcNumReleaseSemaphore)
	st(prog, 0, 0x00)
	st(prog, 1, 0x04)
	prog.Mov(1, 7).MovImm(2, 1).Svc(svcNumReleaseSemaphore)
	st(prog, 0, 0x08)
	poll(prog, 7, 0x0C)
	poll(prog, 7, 0x10)
	poll(prog, 7, 0x14)

	prog.MovImm(1, 0).Svc(svcNumCreateEvent).Mov(8, 1)
	prog.Mov(0, 8).Svc(svcNumSignalEvent)
	poll(prog, 8, 0x18)
	poll(prog, 8, 0x1C)

	prog.MovImm(1, 1).Svc(svcNumCreateEvent).Mov(9, 1)
	prog.Mov(0, 9).Svc(svcNumSignalEvent)
	poll(prog, 9, 0x20)
	poll(prog, 9, 0x24)
	prog.Mov(0, 9).Svc(svcNumClearEvent)
	poll(prog, 9, 0x28)
	spin(prog)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, 5_000, nil)

	testCases := []struct {
		desc string
		off  uint32
		want uint32
	}{
		{desc: "semaphore release succeeds", off: 0x00, want: uint32(result.Success)},
		{desc: "semaphore release returns previous count", off: 0x04, want: 1},
		{desc: "semaphore overflow fails", off: 0x08, want: uint32(result.OutOfRange)},
		{desc: "semaphore first acquire", off: 0x0C, want: uint32(result.Success)},
		{desc: "semaphore second acquire", off: 0x10, want: uint32(result.Success)},
		{desc: "empty semaphore times out", off: 0x14, want: uint32(result.Timeout)},
		{desc: "oneshot event consumed once", off: 0x18, want: uint32(result.Success)},
		{desc: "oneshot event cleared by waiter", off: 0x1C, want: uint32(result.Timeout)},
		{desc: "sticky event first wait", off: 0x20, want: uint32(result.Success)},
		{desc: "sticky event stays signaled", off: 0x24, want: uint32(result.Success)},
		{desc: "cleared sticky event times out", off: 0x28, want: uint32(result.Timeout)},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			assert.Equal(t, tC.want, word(t, p, tC.off))
		})
	}
}

func TestWaitSynchronizationN(t *testing.T) {
	// handles: 0x00 signaled sticky event, 0x04 unsignaled sticky event
	waitN := func(p *asm.Program, handlesOff, count uint32, all bool, timeout uint32, off uint32) {
		waitAll := uint32(0)
		if all {
			waitAll = 1
		}
		p.MovImm(0, timeout).MovImm(1, dataAddr+handlesOff).MovImm(2, count).MovImm(3, waitAll).
			MovImm(4, timeout).Svc(svcNumWaitSyncN)
		st(p, 0, off)
		st(p, 1, off+4)
	}

	testCases := []struct {
		desc      string
		handles   uint32
		count     uint32
		all       bool
		timeout   uint32
		wantCode  result.Code
		wantIndex uint32
		checkIdx  bool
	}{
		{desc: "wait all on no handles succeeds", handles: 0x00, count: 0, all: true, timeout: infinite, wantCode: result.Success},
		{desc: "wait any on no handles is out of range", handles: 0x00, count: 0, all: false, timeout: infinite, wantCode: result.OutOfRange},
		{desc: "wait all with one unsignaled object times out", handles: 0x00, count: 2, all: true, timeout: 0, wantCode: result.Timeout},
		{desc: "wait all on signaled objects succeeds", handles: 0x00, count: 1, all: true, timeout: 0, wantCode: result.Success},
		{desc: "wait any reports the ready index", handles: 0x04, count: 2, all: false, timeout: 0, wantCode: result.Success, wantIndex: 1, checkIdx: true},
	}

	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			k, s := newTestKernel(t, nil, nil)

			prog := asm.New(codeAddr)
			prog.MovImm(1, 1).Svc(svcNumCreateEvent)
			st(prog, 1, 0x00)
			prog.Mov(0, 1).Svc(svcNumSignalEvent)
			prog.MovImm(1, 1).Svc(svcNumCreateEvent)
			st(prog, 1, 0x04)
			// the any case scans [unsignaled, signaled]
			ld(prog, 6, 0x00)
			st(prog, 6, 0x08)
			waitN(prog, tC.handles, tC.count, tC.all, tC.timeout, 0x20)
			prog.Svc(svcNumExitThread)

			p := bootProgram(t, k, prog, nil)
			run(t, k, s, 10_000, exited(k))

			require.True(t, k.Exited(), "an empty or ready wait must not block")
			assert.Equal(t, uint32(tC.wantCode), word(t, p, 0x20))
			if tC.checkIdx {
				assert.Equal(t, tC.wantIndex, word(t, p, 0x24))
			}
		})
	}
}

func TestSessionWaitTimesOut(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	prog := asm.New(codeAddr).Svc(svcNumCreateSession).Mov(7, 1)
	tick(prog, 0x10)
	prog.Mov(0, 7).MovImm(2, 3730).MovImm(3, 0).Svc(svcNumWaitSync1)
	st(prog, 0, 0x00)
	tick(prog, 0x14)
	prog.Svc(svcNumExitThread)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, 100_000, exited(k))

	require.True(t, k.Exited())
	assert.Equal(t, uint32(result.Timeout), word(t, p, 0x00))
	elapsed := word(t, p, 0x14) - word(t, p, 0x10)
	assert.GreaterOrEqual(t, elapsed, uint32(1000))
	assert.Less(t, elapsed, uint32(1100))
}

func TestTimerFires(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	prog := asm.New(codeAddr).MovImm(1, 0).Svc(svcNumCreateTimer).Mov(7, 1)
	st(prog, 7, 0x08)
	tick(prog, 0x00)
	prog.Mov(0, 7).MovImm(1, 0).MovImm(2, 1_000_000).MovImm(3, 0).MovImm(4, 0).Svc(svcNumSetTimer)
	waitForever(prog, 0x08)
	st(prog, 0, 0x0C)
	tick(prog, 0x04)
	prog.Svc(svcNumExitThread)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, config.ClockRate/100, exited(k))

	require.True(t, k.Exited())
	assert.Equal(t, uint32(result.Success), word(t, p, 0x0C))
	elapsed := uint64(word(t, p, 0x04) - word(t, p, 0x00))
	assert.GreaterOrEqual(t, elapsed, nsToCycles(1_000_000))
	assert.Less(t, elapsed, nsToCycles(1_000_000)+200)
}

func TestAddressArbiter(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	arbitrate := func(p *asm.Program, typ, value, ns uint32) {
		ld(p, 0, 0x00)
		p.MovImm(1, dataAddr+0x10).MovImm(2, typ).MovImm(3, value).MovImm(4, ns).MovImm(5, 0).
			Svc(svcNumArbitrateAddress)
	}

	prog := asm.New(codeAddr).B(asm.AL, "main")
	prog.Label("waiter")
	arbitrate(prog, uint32(ArbitrationWaitIfLessThan), 1, 0)
	st(prog, 0, 0x14)
	prog.MovImm(6, 1)
	st(prog, 6, 0x18)
	prog.Svc(svcNumExitThread)

	prog.Label("main").Svc(svcNumCreateArbiter)
	st(prog, 1, 0x00)
	createThread(prog, "waiter", MainThreadPriority, 0, memory.StackTop-0x2000)
	sleep(prog, 1_000_000)
	arbitrate(prog, uint32(ArbitrationSignal), 0xFFFFFFFF, 0)
	st(prog, 0, 0x1C)
	sleep(prog, 1_000_000)
	arbitrate(prog, uint32(ArbitrationWaitIfLessThanTimeout), 1, 3730)
	st(prog, 0, 0x20)
	prog.Svc(svcNumExitThread)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, config.ClockRate/100, exited(k))

	require.True(t, k.Exited())
	assert.Equal(t, uint32(result.Success), word(t, p, 0x14), "waiter woken by signal")
	assert.Equal(t, uint32(1), word(t, p, 0x18))
	assert.Equal(t, uint32(result.Success), word(t, p, 0x1C))
	assert.Equal(t, uint32(result.Timeout), word(t, p, 0x20))
}

func TestTerminatedOwnerAbandonsMutex(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	prog := asm.New(codeAddr).B(asm.AL, "main")
	// the child takes the mutex and exits holding it
	prog.Label("child")
	waitForever(prog, 0)
	prog.Svc(svcNumExitThread)

	prog.Label("main").MovImm(1, 0).Svc(svcNumCreateMutex)
	st(prog, 1, 0)
	createThread(prog, "child", MainThreadPriority, 0, memory.StackTop-0x2000)
	sleep(prog, 1_000_000)
	waitForever(prog, 0)
	st(prog, 0, 4)
	spin(prog)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, config.ClockRate/100, nil)

	assert.Equal(t, uint32(result.Success), word(t, p, 4))
	o := p.handles.entries[Handle(word(t, p, 0))]
	assert.Same(t, k.Current(), o.(*Mutex).Owner())
}

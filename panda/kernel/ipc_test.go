package kernel

import (
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/cpu/asm"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoService answers every request with its first parameter plus one and a
// fresh event moved to the caller.
type echoService struct {
	requests []*ipc.Request
	callers  []uint32
}

func (e *echoService) Has(name string) bool { return name == "echo:u" }

func (e *echoService) HandleRequest(host ipc.Host, name string, req *ipc.Request) *ipc.Response {
	e.requests = append(e.requests, req)
	e.callers = append(e.callers, host.CallerPID())
	ev, err := host.CreateEvent("echo", ipc.Sticky)
	if err != nil {
		return ipc.Error(result.OutOfHandles)
	}
	resp := ipc.Reply(result.Success, req.Param(0)+1)
	resp.MoveHandles = []uint32{ev}
	return resp.Then(ipc.SignalEvent, ev)
}

const tlsMain = memory.TLSBase + tlsCommandBuffer

func TestHLERequest(t *testing.T) {
	testCases := []struct {
		desc    string
		latency uint64
	}{
		{desc: "immediate reply", latency: 0},
		{desc: "delayed reply", latency: 500},
	}

	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			svc := &echoService{}
			k, s := newTestKernel(t, svc, func(c *config.EmulatorConfig) {
				c.Kernel.IPCLatencyCycles = tC.latency
			})

			prog := asm.New(codeAddr).MovImm(1, dataAddr+0x100).Svc(svcNumConnectToPort)
			st(prog, 0, 0x00)
			prog.Mov(7, 1)
			prog.MovImm(4, tlsMain).MovImm(6, uint32(ipc.MakeHeader(1, 1, 0))).Str(6, 4, 0).
				MovImm(6, 41).Str(6, 4, 4)
			tick(prog, 0x40)
			prog.Mov(0, 7).Svc(svcNumSendSyncRequest)
			st(prog, 0, 0x04)
			tick(prog, 0x44)
			prog.MovImm(4, tlsMain)
			for i := uint32(0); i < 5; i++ {
				prog.Ldr(6, 4, int32(4*i))
				st(prog, 6, 0x08+4*i)
			}
			spin(prog)

			data := make([]byte, 0x110)
			copy(data[0x100:], "echo:u")
			p := bootProgram(t, k, prog, data)
			run(t, k, s, 10_000, nil)

			require.Len(t, svc.requests, 1)
			assert.Equal(t, uint32(41), svc.requests[0].Param(0))
			assert.Equal(t, []uint32{p.PID()}, svc.callers)

			assert.Equal(t, uint32(result.Success), word(t, p, 0x00), "connect")
			assert.Equal(t, uint32(result.Success), word(t, p, 0x04), "send")
			assert.Equal(t, uint32(ipc.MakeHeader(1, 2, 2)), word(t, p, 0x08))
			assert.Equal(t, uint32(result.Success), word(t, p, 0x0C))
			assert.Equal(t, uint32(42), word(t, p, 0x10))
			assert.Equal(t, ipc.MoveHandlesDesc(1), word(t, p, 0x14))
			assert.GreaterOrEqual(t, uint64(word(t, p, 0x44)-word(t, p, 0x40)), tC.latency)

			o, ok := p.handles.entries[Handle(word(t, p, 0x18))]
			require.True(t, ok)
			ev, ok := o.(*Event)
			require.True(t, ok)
			assert.True(t, ev.Signaled(), "reply action ran")
			assert.Equal(t, 1, ev.Refs(), "the handle is the only reference")
		})
	}
}

func TestConnectToUnknownPort(t *testing.T) {
	k, s := newTestKernel(t, &echoService{}, nil)
	prog := asm.New(codeAddr).MovImm(1, dataAddr+0x100).Svc(svcNumConnectToPort)
	st(prog, 0, 0x00)
	prog.MovImm(1, dataAddr+0x120).Svc(svcNumConnectToPort)
	st(prog, 0, 0x04)
	spin(prog)

	data := make([]byte, 0x140)
	copy(data[0x100:], "nope:u")
	copy(data[0x120:], "much:too:long")
	p := bootProgram(t, k, prog, data)
	run(t, k, s, 1_000, nil)

	assert.Equal(t, uint32(result.NotFound), word(t, p, 0x00))
	assert.Equal(t, uint32(result.PortNameTooLong), word(t, p, 0x04))
}

func TestGuestSessionRoundTrip(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)
	serverTLS := uint32(memory.TLSBase + memory.TLSSize + tlsCommandBuffer)

	prog := asm.New(codeAddr).B(asm.AL, "main")
	prog.Label("server")
	prog.MovImm(1, dataAddr+0x40).MovImm(2, 1).MovImm(3, 0).Svc(svcNumReplyAndReceive)
	st(prog, 0, 0x20)
	st(prog, 1, 0x24)
	prog.MovImm(4, serverTLS).Ldr(6, 4, 4).Add(6, 6, 6).Str(6, 4, 8).
		MovImm(6, 0).Str(6, 4, 4).
		MovImm(6, uint32(ipc.MakeHeader(2, 2, 0))).Str(6, 4, 0)
	ld(prog, 3, 0x40)
	prog.MovImm(1, dataAddr+0x40).MovImm(2, 0).Svc(svcNumReplyAndReceive)
	st(prog, 0, 0x28)
	prog.Svc(svcNumExitThread)

	prog.Label("main").Svc(svcNumCreateSession)
	st(prog, 1, 0x40)
	st(prog, 2, 0x44)
	createThread(prog, "server", 0x2F, 0, memory.StackTop-0x2000)
	prog.MovImm(4, tlsMain).MovImm(6, uint32(ipc.MakeHeader(2, 1, 0))).Str(6, 4, 0).
		MovImm(6, 7).Str(6, 4, 4)
	ld(prog, 0, 0x44).Svc(svcNumSendSyncRequest)
	st(prog, 0, 0x00)
	prog.MovImm(4, tlsMain)
	prog.Ldr(6, 4, 0)
	st(prog, 6, 0x04)
	prog.Ldr(6, 4, 4)
	st(prog, 6, 0x08)
	prog.Ldr(6, 4, 8)
	st(prog, 6, 0x0C)
	spin(prog)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, 50_000, nil)

	assert.Equal(t, uint32(result.Success), word(t, p, 0x20), "server receive")
	assert.Equal(t, uint32(0), word(t, p, 0x24), "index of the session")
	assert.Equal(t, uint32(result.Success), word(t, p, 0x28), "server reply")
	assert.Equal(t, uint32(result.Success), word(t, p, 0x00), "client send")
	assert.Equal(t, uint32(ipc.MakeHeader(2, 2, 0)), word(t, p, 0x04))
	assert.Equal(t, uint32(result.Success), word(t, p, 0x08))
	assert.Equal(t, uint32(14), word(t, p, 0x0C))
}

func TestClosingServerFailsPendingRequest(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)

	prog := asm.New(codeAddr).B(asm.AL, "main")
	prog.Label("closer")
	sleep(prog, 1_000_000)
	ld(prog, 0, 0x40).Svc(svcNumCloseHandle)
	prog.Svc(svcNumExitThread)

	prog.Label("main").Svc(svcNumCreateSession)
	st(prog, 1, 0x40)
	st(prog, 2, 0x44)
	createThread(prog, "closer", MainThreadPriority, 0, memory.StackTop-0x2000)
	prog.MovImm(4, tlsMain).MovImm(6, uint32(ipc.MakeHeader(1, 0, 0))).Str(6, 4, 0)
	ld(prog, 0, 0x44).Svc(svcNumSendSyncRequest)
	st(prog, 0, 0x00)
	ld(prog, 0, 0x44).Svc(svcNumSendSyncRequest)
	st(prog, 0, 0x04)
	spin(prog)

	p := bootProgram(t, k, prog, nil)
	run(t, k, s, config.ClockRate/100, nil)

	assert.Equal(t, uint32(result.SessionClosed), word(t, p, 0x00), "pending request fails")
	assert.Equal(t, uint32(result.SessionClosed), word(t, p, 0x04), "later requests fail at once")
}

func TestTranslateHandlesAndPID(t *testing.T) {
	k, s := newTestKernel(t, nil, nil)
	bootProgram(t, k, spin(asm.New(codeAddr)), nil)
	run(t, k, s, 10, nil)

	src := k.Current()
	p := src.owner
	dst, err := k.createThread(p, "dst", codeAddr, 0, memory.StackTop, MainThreadPriority, -2)
	require.NoError(t, err)

	e, err := k.createEvent(p, ipc.Sticky, "event")
	require.NoError(t, err)
	h, err := k.publish(src, e)
	require.NoError(t, err)

	msg := []uint32{
		uint32(ipc.MakeHeader(5, 0, 6)),
		ipc.CopyHandlesDesc(1), uint32(h),
		ipc.MoveHandlesDesc(1), uint32(h),
		ipc.CallingPIDDesc(), 0,
	}
	require.NoError(t, k.writeCommand(src, msg))
	require.NoError(t, k.translate(src, dst))

	out, err := k.readCommand(dst)
	require.NoError(t, err)
	require.Len(t, out, len(msg))
	assert.Equal(t, uint32(h+1), out[2], "copied handle")
	assert.Equal(t, uint32(h+2), out[4], "moved handle")
	assert.Equal(t, p.PID(), out[6])

	_, ok := p.handles.entries[h]
	assert.False(t, ok, "moved handle leaves the sender")
	assert.Equal(t, 2, e.Refs())
}

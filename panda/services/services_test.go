package services

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/hw"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost is an in-memory kernel: a flat byte map for guest memory and a
// table of objects with reference counts.
type fakeHost struct {
	now      uint64
	mem      map[uint32]byte
	next     uint32
	refs     map[uint32]int
	signaled map[uint32]int
	shared   map[uint32][]byte
	services map[string]uint32
	known    map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		mem:      make(map[uint32]byte),
		next:     1,
		refs:     make(map[uint32]int),
		signaled: make(map[uint32]int),
		shared:   make(map[uint32][]byte),
		services: make(map[string]uint32),
		known:    map[string]bool{"cfg:u": true},
	}
}

func (h *fakeHost) Now() uint64       { return h.now }
func (h *fakeHost) CallerPID() uint32 { return 0x10 }

func (h *fakeHost) ReadMemory(addr uint32, buf []byte) error {
	for i := range buf {
		buf[i] = h.mem[addr+uint32(i)]
	}
	return nil
}

func (h *fakeHost) WriteMemory(addr uint32, data []byte) error {
	for i, b := range data {
		h.mem[addr+uint32(i)] = b
	}
	return nil
}

func (h *fakeHost) object() uint32 {
	id := h.next
	h.next++
	h.refs[id] = 1
	return id
}

func (h *fakeHost) CreateEvent(string, ipc.ResetType) (uint32, error) { return h.object(), nil }

func (h *fakeHost) SignalEvent(id uint32) error {
	if h.refs[id] == 0 {
		return result.InvalidHandle
	}
	h.signaled[id]++
	return nil
}

func (h *fakeHost) CreateSharedMemory(_ string, size uint32) (uint32, error) {
	id := h.object()
	h.shared[id] = make([]byte, size)
	return id, nil
}

func (h *fakeHost) SharedMemory(id uint32) ([]byte, bool) {
	b, ok := h.shared[id]
	return b, ok
}

func (h *fakeHost) RetainObject(id uint32)  { h.refs[id]++ }
func (h *fakeHost) ReleaseObject(id uint32) { h.refs[id]-- }

func (h *fakeHost) ConnectService(name string) (uint32, error) {
	if !h.known[name] {
		if _, ok := h.services[name]; !ok {
			return 0, result.ServiceNotRegistered
		}
	}
	return h.object(), nil
}

func (h *fakeHost) RegisterService(name string, _ int) (uint32, error) {
	if _, ok := h.services[name]; ok {
		return 0, result.ServiceAlreadyExists
	}
	id := h.object()
	h.services[name] = id
	return id, nil
}

func (h *fakeHost) UnregisterService(name string) error {
	if _, ok := h.services[name]; !ok {
		return result.ServiceNotRegistered
	}
	delete(h.services, name)
	return nil
}

func (h *fakeHost) put32(addr, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_ = h.WriteMemory(addr, b[:])
}

func (h *fakeHost) get(addr, n uint32) []byte {
	buf := make([]byte, n)
	_ = h.ReadMemory(addr, buf)
	return buf
}

func request(command uint16, params ...uint32) *ipc.Request {
	return &ipc.Request{Header: ipc.MakeHeader(command, len(params), 0), Params: params}
}

// nameParams packs a service name the way srv: clients send it.
func nameParams(name string) []uint32 {
	var buf [8]byte
	copy(buf[:], name)
	return []uint32{binary.LittleEndian.Uint32(buf[:4]), binary.LittleEndian.Uint32(buf[4:]), uint32(len(name))}
}

func newTestManager() (*Manager, *hw.Bus, *hw.LCD, *hw.GPU) {
	bus := hw.NewBus()
	lcd := hw.NewLCD()
	gpu := hw.NewGPU(nil)
	_ = bus.Map(hw.LCDBase, lcd)
	_ = bus.Map(hw.GPUBase, gpu)
	return NewDefault(config.Default().System, bus, lcd), bus, lcd, gpu
}

func TestManagerUnknownCommand(t *testing.T) {
	m, _, _, _ := newTestManager()
	host := newFakeHost()

	for _, name := range []string{"srv:", "ptm:u", "cfg:u", "gsp::Gpu", "nope:u"} {
		t.Run(name, func(t *testing.T) {
			resp := m.HandleRequest(host, name, request(0x7F))
			require.NotNil(t, resp)
			assert.Equal(t, []uint32{0x007F0040, uint32(result.NotImplemented)}, resp.Encode(0x7F))
		})
	}
}

func TestManagerRegistry(t *testing.T) {
	m, _, _, _ := newTestManager()
	assert.Equal(t, []string{"cfg:i", "cfg:s", "cfg:u", "gsp::Gpu", "ptm:u", "srv:"}, m.Names())
	assert.True(t, m.Has("cfg:s"))
	assert.False(t, m.Has("fs:USER"))
	assert.ErrorIs(t, m.Register(NewSRV()), ErrDuplicate)
}

func TestSRV(t *testing.T) {
	host := newFakeHost()
	srv := NewSRV()

	resp := srv.HandleRequest(host, request(srvRegisterClient))
	assert.Equal(t, result.Success, resp.Result)

	resp = srv.HandleRequest(host, request(srvEnableNotification))
	assert.Equal(t, result.Success, resp.Result)
	assert.Len(t, resp.MoveHandles, 1)

	resp = srv.HandleRequest(host, request(srvGetServiceHandle, append(nameParams("cfg:u"), 0)...))
	assert.Equal(t, result.Success, resp.Result)
	assert.Len(t, resp.MoveHandles, 1)

	resp = srv.HandleRequest(host, request(srvGetServiceHandle, append(nameParams("fs:USER"), 0)...))
	assert.Equal(t, result.ServiceNotRegistered, resp.Result)

	resp = srv.HandleRequest(host, request(srvRegisterService, append(nameParams("my:srv"), 3)...))
	assert.Equal(t, result.Success, resp.Result)
	assert.Equal(t, []uint32{host.services["my:srv"]}, resp.MoveHandles)

	resp = srv.HandleRequest(host, request(srvRegisterService, append(nameParams("my:srv"), 3)...))
	assert.Equal(t, result.ServiceAlreadyExists, resp.Result)

	resp = srv.HandleRequest(host, request(srvGetServiceHandle, append(nameParams("my:srv"), 0)...))
	assert.Equal(t, result.Success, resp.Result)

	resp = srv.HandleRequest(host, request(srvUnregisterService, nameParams("my:srv")...))
	assert.Equal(t, result.Success, resp.Result)
	resp = srv.HandleRequest(host, request(srvUnregisterService, nameParams("my:srv")...))
	assert.Equal(t, result.ServiceNotRegistered, resp.Result)

	resp = srv.HandleRequest(host, request(srvGetServiceHandle, 0, 0, 9, 0))
	assert.Equal(t, result.ServiceNameTooLong, resp.Result)
}

func TestPTM(t *testing.T) {
	testCases := []struct {
		desc    string
		percent int
		plugged bool
		want    map[uint16]uint32
	}{
		{
			desc: "charging", percent: 50, plugged: true,
			want: map[uint16]uint32{ptmGetAdapterState: 1, ptmGetBatteryLevel: 2, ptmGetBatteryChargeState: 1, ptmGetShellState: 1},
		},
		{
			desc: "full on charger", percent: 100, plugged: true,
			want: map[uint16]uint32{ptmGetAdapterState: 1, ptmGetBatteryLevel: 5, ptmGetBatteryChargeState: 0},
		},
		{
			desc: "on battery", percent: 10, plugged: false,
			want: map[uint16]uint32{ptmGetAdapterState: 0, ptmGetBatteryLevel: 0, ptmGetBatteryChargeState: 0, ptmGetTotalStepCount: 0},
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			sys := config.Default().System
			sys.BatteryPercentage = tC.percent
			sys.ChargerPlugged = tC.plugged
			ptm := NewPTM(sys)
			for cmd, want := range tC.want {
				resp := ptm.HandleRequest(nil, request(cmd))
				require.NotNil(t, resp, "command 0x%04X", cmd)
				assert.Equal(t, []uint32{want}, resp.Params, "command 0x%04X", cmd)
			}
		})
	}
}

func TestCFGConfigBlocks(t *testing.T) {
	const out = 0x08001000
	sys := config.Default().System
	sys.Language = config.LanguageFrench
	sys.Region = config.RegionEurope
	sys.Username = "Bo"
	cfg := NewCFG(sys)

	testCases := []struct {
		desc  string
		block uint32
		size  uint32
		want  []byte
	}{
		{desc: "language", block: blockLanguage, size: 1, want: []byte{2}},
		{desc: "country", block: blockCountryInfo, size: 4, want: []byte{0, 0, 2, 110}},
		{desc: "username", block: blockUsername, size: 6, want: []byte{'B', 0, 'o', 0, 0, 0}},
		{desc: "sound", block: blockSoundOutputMode, size: 1, want: []byte{1}},
		{desc: "model", block: blockSystemModel, size: 4, want: []byte{0, 0, 0, 0}},
		{desc: "unknown block is zeroed", block: 0x00050005, size: 4, want: []byte{0, 0, 0, 0}},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			host := newFakeHost()
			host.put32(out, 0xFFFFFFFF)
			req := request(cfgGetConfigInfoBlk2, tC.size, tC.block)
			req.Mapped = []ipc.MappedBuffer{{Addr: out, Size: tC.size, Perm: ipc.MapWrite}}

			resp := cfg.HandleRequest(host, req)

			assert.Equal(t, result.Success, resp.Result)
			assert.Equal(t, tC.want, host.get(out, tC.size))
		})
	}

	resp := cfg.HandleRequest(newFakeHost(), request(cfgGetConfigInfoBlk2, 1, blockLanguage))
	assert.Equal(t, result.InvalidBufferDesc, resp.Result)
}

func TestCFGSystemQueries(t *testing.T) {
	sys := config.Default().System
	sys.Model = config.Model2DS
	cfg := NewCFG(sys)

	testCases := []struct {
		desc string
		req  *ipc.Request
		want []uint32
	}{
		{desc: "region", req: request(cfgSecureInfoGetRegion), want: []uint32{1}},
		{desc: "canada usa", req: request(cfgGetRegionCanadaUSA), want: []uint32{1}},
		{desc: "model", req: request(cfgGetSystemModel), want: []uint32{3}},
		{desc: "2ds", req: request(cfgGetModelNintendo2DS), want: []uint32{0}},
		{desc: "country string", req: request(cfgGetCountryCodeString, 49), want: []uint32{'U' | 'S'<<8}},
		{desc: "country id", req: request(cfgGetCountryCodeID, 'J'|'P'<<8), want: []uint32{1}},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			resp := cfg.HandleRequest(nil, tC.req)
			require.NotNil(t, resp)
			assert.Equal(t, result.Success, resp.Result)
			assert.Equal(t, tC.want, resp.Params)
		})
	}

	resp := cfg.HandleRequest(nil, request(cfgGetCountryCodeString, 250))
	assert.Equal(t, result.NotFound, resp.Result)

	sys.Model = config.Model3DS
	cfg.SetConfig(sys)
	assert.Equal(t, []uint32{1}, cfg.HandleRequest(nil, request(cfgGetModelNintendo2DS)).Params)
}

func registerGSP(t *testing.T, g *GSP, host *fakeHost) (event, shm uint32) {
	t.Helper()
	event, _ = host.CreateEvent("gsp event", ipc.OneShot)
	req := request(gspRegisterInterruptRelayQueue, 1)
	req.CopyHandles = []uint32{event}
	resp := g.HandleRequest(host, req)
	require.Equal(t, result.Success, resp.Result)
	require.Len(t, resp.CopyHandles, 1)
	return event, resp.CopyHandles[0]
}

func TestGSPInterruptRelay(t *testing.T) {
	m, _, _, _ := newTestManager()
	g := m.byName["gsp::Gpu"].(*GSP)
	host := newFakeHost()

	// nothing registered yet
	m.Interrupt(host, hw.InterruptVBlankTop)

	event, shm := registerGSP(t, g, host)
	assert.Equal(t, 2, host.refs[event], "the service keeps the event")

	m.Interrupt(host, hw.InterruptVBlankTop)
	m.Interrupt(host, hw.InterruptP3D)

	mem := host.shared[shm]
	assert.Equal(t, byte(2), mem[1], "queued interrupts")
	assert.Equal(t, []byte{byte(hw.InterruptVBlankTop), byte(hw.InterruptP3D)}, mem[interruptEntries:interruptEntries+2])
	assert.Equal(t, 2, host.signaled[event])

	resp := g.HandleRequest(host, request(gspUnregisterInterruptRelayQueue))
	assert.Equal(t, result.Success, resp.Result)
	assert.Equal(t, 1, host.refs[event])
	m.Interrupt(host, hw.InterruptVBlankTop)
	assert.Equal(t, 2, host.signaled[event])
}

func TestGSPInterruptQueueOverflow(t *testing.T) {
	m, _, _, _ := newTestManager()
	g := m.byName["gsp::Gpu"].(*GSP)
	host := newFakeHost()
	_, shm := registerGSP(t, g, host)

	for i := 0; i < interruptQueueSlots+1; i++ {
		g.Interrupt(host, hw.InterruptVBlankBottom)
	}
	mem := host.shared[shm]
	assert.Equal(t, byte(interruptQueueSlots), mem[1])
	assert.Equal(t, byte(1), mem[2], "missed interrupt flagged")
}

func TestGSPRegisters(t *testing.T) {
	m, _, lcd, gpu := newTestManager()
	host := newFakeHost()
	const buf, maskBuf = 0x08000000, 0x08000100
	topFill := uint32(hw.LCDBase - hw.GSPRegisterBase + 0x204)

	host.put32(buf, 1<<24|0x0000FF)
	req := request(gspWriteHWRegs, topFill, 4)
	req.Statics = []ipc.StaticBuffer{{Index: 0, Addr: buf, Size: 4}}
	resp := m.HandleRequest(host, "gsp::Gpu", req)
	require.Equal(t, result.Success, resp.Result)
	filled, color := lcd.Filled(hw.ScreenTop)
	assert.True(t, filled)
	assert.Equal(t, uint32(0xFF), color)

	host.put32(buf, 0x00AB0000)
	host.put32(maskBuf, 0x00FF0000)
	req = request(gspWriteHWRegsWithMask, topFill, 4)
	req.Statics = []ipc.StaticBuffer{{Index: 0, Addr: buf, Size: 4}, {Index: 1, Addr: maskBuf, Size: 4}}
	resp = m.HandleRequest(host, "gsp::Gpu", req)
	require.Equal(t, result.Success, resp.Result)
	_, color = lcd.Filled(hw.ScreenTop)
	assert.Equal(t, uint32(0xAB00FF), color)

	fb := uint32(hw.GPUBase - hw.GSPRegisterBase + 0x468)
	gpu.Write(0x468, 4, 0x18000000)
	resp = m.HandleRequest(host, "gsp::Gpu", request(gspReadHWRegs, fb, 8))
	require.Equal(t, result.Success, resp.Result)
	require.Len(t, resp.Statics, 1)
	assert.Equal(t, []byte{0, 0, 0, 0x18, 0, 0, 0, 0}, resp.Statics[0].Data)

	testCases := []struct {
		desc         string
		offset, size uint32
		want         result.Code
	}{
		{desc: "misaligned", offset: topFill + 1, size: 4, want: result.GSPMisalignedRegister},
		{desc: "odd size", offset: topFill, size: 6, want: result.GSPInvalidSize},
		{desc: "too large", offset: topFill, size: 0x84, want: result.GSPInvalidSize},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			resp := m.HandleRequest(host, "gsp::Gpu", request(gspReadHWRegs, tC.offset, tC.size))
			assert.Equal(t, tC.want, resp.Result)
		})
	}

	resp = m.HandleRequest(host, "gsp::Gpu", request(gspSetLcdForceBlack, 0))
	require.Equal(t, result.Success, resp.Result)
	filled, _ = lcd.Filled(hw.ScreenTop)
	assert.False(t, filled)
}

func TestGSPCommandQueue(t *testing.T) {
	m, _, _, gpu := newTestManager()
	g := m.byName["gsp::Gpu"].(*GSP)
	host := newFakeHost()
	event, shm := registerGSP(t, g, host)
	mem := host.shared[shm]

	put := func(slot int, words ...uint32) {
		for i, w := range words {
			binary.LittleEndian.PutUint32(mem[commandQueue+commandEntries+slot*commandSize+4*i:], w)
		}
	}
	put(0, gxProcessCommandList, 0x14100000, 0x200)
	put(1, gxRequestDMA, 0x08000000, 0x08000100, 4)
	put(2, gxFlushCacheRegions)
	mem[commandQueue+1] = 3
	host.put32(0x08000000, 0xCAFEBABE)

	resp := g.HandleRequest(host, request(gspTriggerCmdReqQueue))
	require.Equal(t, result.Success, resp.Result)

	assert.Equal(t, []hw.CommandList{{Addr: 0x20100000, Size: 0x200}}, gpu.CommandLists())
	assert.Equal(t, host.get(0x08000000, 4), host.get(0x08000100, 4), "dma copied")
	assert.Equal(t, byte(hw.InterruptDMA), mem[interruptEntries])
	assert.Equal(t, 1, host.signaled[event])
	assert.Zero(t, mem[commandQueue+1], "queue drained")
}

func TestGSPSaveState(t *testing.T) {
	m, bus, lcd, _ := newTestManager()
	g := m.byName["gsp::Gpu"].(*GSP)
	host := newFakeHost()
	event, shm := registerGSP(t, g, host)

	states, err := m.SaveState()
	require.NoError(t, err)
	require.Contains(t, states, "gsp::Gpu")

	other := NewDefault(config.Default().System, bus, lcd)
	require.NoError(t, other.LoadState(states))
	restored := other.byName["gsp::Gpu"].(*GSP)
	assert.Equal(t, gspState{Registered: true, Event: event, SharedMem: shm}, restored.state)

	other.Reset()
	assert.Equal(t, gspState{}, restored.state)
	assert.Error(t, other.LoadState(map[string][]byte{"gsp::Gpu": []byte("junk")}))
}

func ExampleManager_HandleRequest() {
	m := NewManager()
	_ = m.Register(NewPTM(config.Default().System))
	resp := m.HandleRequest(nil, "ptm:u", request(ptmGetBatteryLevel))
	fmt.Println(resp.Result, resp.Params)
	// Output: result Success (0x00000000) [4]
}

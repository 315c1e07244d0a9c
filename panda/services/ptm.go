package services

import (
	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// ptm:u command ids.
const (
	ptmGetAdapterState       = 0x0005
	ptmGetShellState         = 0x0006
	ptmGetBatteryLevel       = 0x0007
	ptmGetBatteryChargeState = 0x0008
	ptmGetPedometerState     = 0x0009
	ptmGetTotalStepCount     = 0x000C
)

// PTM is the power manager, ptm:u. Battery and charger come from the
// settings, the shell is always open and nobody ever walks.
type PTM struct {
	system config.SystemConfig
}

// NewPTM returns ptm:u reporting the given settings.
func NewPTM(cfg config.SystemConfig) *PTM {
	return &PTM{system: cfg}
}

func (p *PTM) Name() string { return "ptm:u" }

func (p *PTM) SetConfig(cfg config.SystemConfig) { p.system = cfg }

func (p *PTM) HandleRequest(_ ipc.Host, req *ipc.Request) *ipc.Response {
	switch req.Command() {
	case ptmGetAdapterState:
		return ipc.Reply(result.Success, boolWord(p.system.ChargerPlugged))
	case ptmGetShellState:
		return ipc.Reply(result.Success, 1)
	case ptmGetBatteryLevel:
		return ipc.Reply(result.Success, uint32(p.system.BatteryLevel()))
	case ptmGetBatteryChargeState:
		return ipc.Reply(result.Success, boolWord(p.system.Charging()))
	case ptmGetPedometerState:
		return ipc.Reply(result.Success, 0)
	case ptmGetTotalStepCount:
		return ipc.Reply(result.Success, 0)
	default:
		return nil
	}
}

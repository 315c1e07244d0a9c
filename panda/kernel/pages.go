package kernel

import (
	"encoding/binary"

	"github.com/jonian/libretro-panda3ds/panda/bit"
	"github.com/jonian/libretro-panda3ds/panda/config"
)

// config page offsets
const (
	cfgKernelVersion = 0x00
	cfgUpdateFlag    = 0x04
	cfgSysCoreVer    = 0x10
	cfgEnvInfo       = 0x14
	cfgUnitInfo      = 0x15
	cfgAppMemType    = 0x30
	cfgAppMemAlloc   = 0x40
	cfgSysMemAlloc   = 0x44
	cfgBaseMemAlloc  = 0x48
	cfgFirmVersion   = 0x60
	cfgFirmSysCore   = 0x64

	kernelVersionMinor = 0x34
	kernelVersionMajor = 0x02
)

// shared page offsets
const (
	shDateTimeSelector = 0x00
	shRunningHW        = 0x04
	shDateTime         = 0x20
	shSlider3D         = 0x80
	shBatteryState     = 0x86
)

// epochMillis is the RTC value at boot, in milliseconds since 1900-01-01.
// The clock then advances with emulated time only, so runs are repeatable.
const epochMillis uint64 = 3786825600 * 1000

func (k *Kernel) writeConfigPage() {
	b := k.configPage.Bytes()
	clear(b)
	version := uint32(kernelVersionMajor)<<24 | uint32(kernelVersionMinor)<<16
	binary.LittleEndian.PutUint32(b[cfgKernelVersion:], version)
	binary.LittleEndian.PutUint32(b[cfgUpdateFlag:], 0)
	binary.LittleEndian.PutUint32(b[cfgSysCoreVer:], 2)
	b[cfgEnvInfo] = 1
	b[cfgUnitInfo] = 1

	appMem := k.cfg.AppMemoryMB << 20
	binary.LittleEndian.PutUint32(b[cfgAppMemType:], 0)
	binary.LittleEndian.PutUint32(b[cfgAppMemAlloc:], appMem)
	binary.LittleEndian.PutUint32(b[cfgSysMemAlloc:], 0x02C00000)
	binary.LittleEndian.PutUint32(b[cfgBaseMemAlloc:], 0x01400000)

	binary.LittleEndian.PutUint32(b[cfgFirmVersion:], version)
	binary.LittleEndian.PutUint32(b[cfgFirmSysCore:], 2)
}

// updateSharedPage refreshes the clock and power state seen by the guest.
func (k *Kernel) updateSharedPage() {
	b := k.sharedPage.Bytes()
	now := k.Now()

	binary.LittleEndian.PutUint32(b[shDateTimeSelector:], 0)
	b[shRunningHW] = 1
	binary.LittleEndian.PutUint64(b[shDateTime:], epochMillis+now/(config.ClockRate/1000))
	binary.LittleEndian.PutUint64(b[shDateTime+8:], now)
	binary.LittleEndian.PutUint32(b[shSlider3D:], 0)
	b[shBatteryState] = k.batteryState()
}

// batteryState packs the charger flags and a 0-5 battery level.
func (k *Kernel) batteryState() byte {
	v := uint32(k.system.BatteryLevel()) << 2
	v = bit.SetTo(0, v, k.system.ChargerPlugged)
	v = bit.SetTo(1, v, k.system.Charging())
	return byte(v)
}

// OnVBlank runs the kernel side of a frame boundary.
func (k *Kernel) OnVBlank() {
	k.updateSharedPage()
}

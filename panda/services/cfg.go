package services

import (
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"unicode/utf16"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// cfg:u command ids.
const (
	cfgGetConfigInfoBlk2    = 0x0001
	cfgSecureInfoGetRegion  = 0x0002
	cfgGenHashConsoleUnique = 0x0003
	cfgGetRegionCanadaUSA   = 0x0004
	cfgGetSystemModel       = 0x0005
	cfgGetModelNintendo2DS  = 0x0006
	cfgGetCountryCodeString = 0x0009
	cfgGetCountryCodeID     = 0x000A
)

// Config savegame block ids.
const (
	blockSoundOutputMode = 0x00070001
	blockUsername        = 0x000A0000
	blockLanguage        = 0x000A0002
	blockCountryInfo     = 0x000B0000
	blockSystemModel     = 0x000F0004
)

const usernameSize = 0x1C

// countries maps regions to the country code and two letter country name
// reported for them.
var countries = map[config.Region]struct {
	code uint8
	name string
}{
	config.RegionJapan:     {1, "JP"},
	config.RegionUSA:       {49, "US"},
	config.RegionEurope:    {110, "GB"},
	config.RegionAustralia: {65, "AU"},
	config.RegionChina:     {160, "CN"},
	config.RegionKorea:     {136, "KR"},
	config.RegionTaiwan:    {128, "TW"},
}

// CFG is the system settings service, cfg:u.
type CFG struct {
	system config.SystemConfig
}

// NewCFG returns cfg:u reporting the given settings.
func NewCFG(cfg config.SystemConfig) *CFG {
	return &CFG{system: cfg}
}

func (c *CFG) Name() string { return "cfg:u" }

func (c *CFG) SetConfig(cfg config.SystemConfig) { c.system = cfg }

func (c *CFG) HandleRequest(host ipc.Host, req *ipc.Request) *ipc.Response {
	switch req.Command() {
	case cfgGetConfigInfoBlk2:
		return c.getConfigInfoBlk2(host, req)
	case cfgSecureInfoGetRegion:
		region, _ := c.system.Region.Code()
		return ipc.Reply(result.Success, uint32(region))
	case cfgGenHashConsoleUnique:
		h := fnv.New64a()
		h.Write([]byte(c.system.Username))
		sum := h.Sum64()
		return ipc.Reply(result.Success, uint32(sum)&0xFFFFF, uint32(sum>>32))
	case cfgGetRegionCanadaUSA:
		return ipc.Reply(result.Success, boolWord(c.system.Region == config.RegionUSA))
	case cfgGetSystemModel:
		model, _ := c.system.Model.Code()
		return ipc.Reply(result.Success, uint32(model))
	case cfgGetModelNintendo2DS:
		return ipc.Reply(result.Success, boolWord(c.system.Model != config.Model2DS))
	case cfgGetCountryCodeString:
		return c.countryCodeString(req)
	case cfgGetCountryCodeID:
		return c.countryCodeID(req)
	default:
		return nil
	}
}

// block returns the contents of a config savegame block.
func (c *CFG) block(id uint32) ([]byte, bool) {
	switch id {
	case blockLanguage:
		lang, _ := c.system.Language.Code()
		return []byte{lang}, true
	case blockCountryInfo:
		return []byte{0, 0, 2, countries[c.system.Region].code}, true
	case blockUsername:
		buf := make([]byte, usernameSize)
		name := utf16.Encode([]rune(c.system.Username))
		for i := 0; i < len(name) && i < usernameSize/2-1; i++ {
			binary.LittleEndian.PutUint16(buf[2*i:], name[i])
		}
		return buf, true
	case blockSoundOutputMode:
		// stereo
		return []byte{1}, true
	case blockSystemModel:
		model, _ := c.system.Model.Code()
		return []byte{model, 0, 0, 0}, true
	default:
		return nil, false
	}
}

func (c *CFG) getConfigInfoBlk2(host ipc.Host, req *ipc.Request) *ipc.Response {
	size, id := req.Param(0), req.Param(1)
	if len(req.Mapped) == 0 {
		return ipc.Error(result.InvalidBufferDesc)
	}
	out := req.Mapped[0]

	data, ok := c.block(id)
	if !ok {
		slog.Warn("Unknown config block, returning zeroes", "block", id, "size", size)
	}
	buf := make([]byte, min(size, out.Size))
	copy(buf, data)
	if err := host.WriteMemory(out.Addr, buf); err != nil {
		return ipc.Error(result.InvalidPointer)
	}
	return ipc.Reply(result.Success)
}

func (c *CFG) countryCodeString(req *ipc.Request) *ipc.Response {
	code := uint8(req.Param(0))
	for _, country := range countries {
		if country.code == code {
			return ipc.Reply(result.Success, uint32(country.name[0])|uint32(country.name[1])<<8)
		}
	}
	return ipc.Error(result.NotFound)
}

func (c *CFG) countryCodeID(req *ipc.Request) *ipc.Response {
	name := req.Param(0) & 0xFFFF
	for _, country := range countries {
		if uint32(country.name[0])|uint32(country.name[1])<<8 == name {
			return ipc.Reply(result.Success, uint32(country.code))
		}
	}
	return ipc.Error(result.NotFound)
}

// Package result describes Horizon result codes, the 32 bit status values
// returned to guest code in r0 and in IPC replies.
package result

import (
	"fmt"

	"github.com/jonian/libretro-panda3ds/panda/bit"
)

// Code is a Horizon result code.
//
//	bits 0-9   description
//	bits 10-17 module
//	bits 21-26 summary
//	bits 27-31 level
type Code uint32

// Level is the severity of a result.
type Level uint8

const (
	LevelSuccess      Level = 0
	LevelInfo         Level = 1
	LevelStatus       Level = 25
	LevelTemporary    Level = 26
	LevelPermanent    Level = 27
	LevelUsage        Level = 28
	LevelReinitialize Level = 29
	LevelReset        Level = 30
	LevelFatal        Level = 31
)

// Summary classifies what went wrong.
type Summary uint8

const (
	SummarySuccess         Summary = 0
	SummaryNothingHappened Summary = 1
	SummaryWouldBlock      Summary = 2
	SummaryOutOfResource   Summary = 3
	SummaryNotFound        Summary = 4
	SummaryInvalidState    Summary = 5
	SummaryNotSupported    Summary = 6
	SummaryInvalidArgument Summary = 7
	SummaryWrongArgument   Summary = 8
	SummaryCanceled        Summary = 9
	SummaryStatusChanged   Summary = 10
	SummaryInternal        Summary = 11
)

// Module is the system component that produced a result.
type Module uint8

const (
	ModuleCommon      Module = 0
	ModuleKernel      Module = 1
	ModuleOS          Module = 6
	ModuleGSP         Module = 14
	ModuleSRV         Module = 25
	ModuleCFG         Module = 29
	ModulePTM         Module = 43
	ModuleApplication Module = 254
)

// New builds a result code from its fields.
func New(level Level, summary Summary, module Module, description uint16) Code {
	return Code(uint32(level)<<27 | uint32(summary)<<21 | uint32(module)<<10 | uint32(description)&0x3FF)
}

const (
	Success Code = 0

	// Timeout is returned by waits whose timeout elapsed before any object signaled.
	Timeout Code = 0x09401BFE

	OutOfHandles         Code = 0xD8600413
	OutOfMemory          Code = 0xD86007F3
	OutOfRange           Code = 0xD8E007FD
	InvalidHandle        Code = 0xD8E007F7
	InvalidPointer       Code = 0xD8E007F6
	InvalidEnumValue     Code = 0xD8E007ED
	InvalidCombination   Code = 0xE0E01BEE
	InvalidAddress       Code = 0xE0E01BF5
	InvalidAddressState  Code = 0xE0A01BF5
	MisalignedAddress    Code = 0xE0E01BF1
	MisalignedSize       Code = 0xE0E01BF2
	NotFound             Code = 0xD88007FA
	NotImplementedKernel Code = 0xF96007F4
	WrongLockingThread   Code = 0xD8E0041F
	MaxConnections       Code = 0xD0401834
	PortNameTooLong      Code = 0xE0E0181E
	SessionClosed        Code = 0xC920181A
	InvalidBufferDesc    Code = 0xD9001830
	NotAuthorized        Code = 0xD9001BEA
	LimitReached         Code = 0xC860180C
	NoPendingSessions    Code = 0xD8401823

	// NotImplemented is the reply of a service to a command id it does not know.
	NotImplemented Code = 0xD900182F

	ServiceNotRegistered Code = 0xD0406401
	ServiceNameTooLong   Code = 0xD9006405
	ServiceAlreadyExists Code = 0xD9006403

	GSPMisalignedRegister Code = 0xE0E02BF1
	GSPInvalidSize        Code = 0xE0E02BEC
)

// Description returns bits 0-9.
func (c Code) Description() uint16 { return uint16(bit.ExtractBits(uint32(c), 9, 0)) }

// Module returns bits 10-17.
func (c Code) Module() Module { return Module(bit.ExtractBits(uint32(c), 17, 10)) }

// Summary returns bits 21-26.
func (c Code) Summary() Summary { return Summary(bit.ExtractBits(uint32(c), 26, 21)) }

// Level returns bits 27-31.
func (c Code) Level() Level { return Level(bit.ExtractBits(uint32(c), 31, 27)) }

// IsError reports whether the code is a failure. Horizon treats any negative
// value as an error.
func (c Code) IsError() bool { return int32(c) < 0 }

// IsSuccess is the opposite of IsError.
func (c Code) IsSuccess() bool { return !c.IsError() }

var names = map[Code]string{
	Success:              "Success",
	Timeout:              "Timeout",
	OutOfHandles:         "OutOfHandles",
	OutOfMemory:          "OutOfMemory",
	OutOfRange:           "OutOfRange",
	InvalidHandle:        "InvalidHandle",
	InvalidPointer:       "InvalidPointer",
	InvalidEnumValue:     "InvalidEnumValue",
	InvalidCombination:   "InvalidCombination",
	InvalidAddress:       "InvalidAddress",
	InvalidAddressState:  "InvalidAddressState",
	MisalignedAddress:    "MisalignedAddress",
	MisalignedSize:       "MisalignedSize",
	NotFound:             "NotFound",
	NotImplementedKernel: "NotImplementedKernel",
	WrongLockingThread:   "WrongLockingThread",
	MaxConnections:       "MaxConnections",
	PortNameTooLong:      "PortNameTooLong",
	SessionClosed:        "SessionClosed",
	InvalidBufferDesc:    "InvalidBufferDescriptor",
	NotAuthorized:        "NotAuthorized",
	LimitReached:         "LimitReached",
	NoPendingSessions:    "NoPendingSessions",
	NotImplemented:       "NotImplemented",
	ServiceNotRegistered: "ServiceNotRegistered",
	ServiceNameTooLong:   "ServiceNameTooLong",
	ServiceAlreadyExists: "ServiceAlreadyExists",

	GSPMisalignedRegister: "GSPMisalignedRegister",
	GSPInvalidSize:        "GSPInvalidSize",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return fmt.Sprintf("%s (0x%08X)", name, uint32(c))
	}
	return fmt.Sprintf("0x%08X", uint32(c))
}

// Error makes a Code usable as an error value.
func (c Code) Error() string {
	return "result " + c.String()
}

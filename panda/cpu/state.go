package cpu

import (
	"fmt"
	"strings"
)

// Processor modes. Guest code always runs in user mode; the others exist so
// that CPSR round trips through MRS/MSR keep their value.
const (
	ModeUser       uint8 = 0x10
	ModeFIQ        uint8 = 0x11
	ModeIRQ        uint8 = 0x12
	ModeSupervisor uint8 = 0x13
	ModeAbort      uint8 = 0x17
	ModeUndefined  uint8 = 0x1B
	ModeSystem     uint8 = 0x1F
)

// Register aliases.
const (
	SP = 13
	LR = 14
	PC = 15
)

// CPSR bit positions.
const (
	cpsrN = 31
	cpsrZ = 30
	cpsrC = 29
	cpsrV = 28
	cpsrQ = 27
	cpsrT = 5

	cpsrGEShift = 16
)

// FPSCR bit positions.
const (
	fpscrN = 31
	fpscrZ = 30
	fpscrC = 29
	fpscrV = 28

	fpscrRModeShift = 22
)

// State is the complete architectural register file of the ARM11 core. It is
// a plain value: the kernel saves and restores thread contexts by copying it.
type State struct {
	R [16]uint32

	N, Z, C, V, Q bool
	GE            uint8
	T             bool
	Mode          uint8

	// VFP single precision registers. Double register d(n) is s(2n) low
	// word and s(2n+1) high word.
	S     [32]uint32
	FPSCR uint32
	FPEXC uint32

	// CP15 thread ID registers.
	TPIDRURW uint32
	TPIDRURO uint32

	// exclusive monitor used by LDREX/STREX
	ExclusiveValid bool
	ExclusiveAddr  uint32
}

// NewState returns a state with the processor in user mode.
func NewState() State {
	return State{Mode: ModeUser}
}

// CPSR packs the status flags into the CPSR word.
func (s *State) CPSR() uint32 {
	var v uint32
	if s.N {
		v |= 1 << cpsrN
	}
	if s.Z {
		v |= 1 << cpsrZ
	}
	if s.C {
		v |= 1 << cpsrC
	}
	if s.V {
		v |= 1 << cpsrV
	}
	if s.Q {
		v |= 1 << cpsrQ
	}
	if s.T {
		v |= 1 << cpsrT
	}
	v |= uint32(s.GE&0xF) << cpsrGEShift
	v |= uint32(s.Mode & 0x1F)
	return v
}

// SetCPSR unpacks a CPSR word.
func (s *State) SetCPSR(v uint32) {
	s.setFlags(v)
	s.Q = v&(1<<cpsrQ) != 0
	s.GE = uint8(v>>cpsrGEShift) & 0xF
	s.T = v&(1<<cpsrT) != 0
	s.Mode = uint8(v & 0x1F)
}

func (s *State) setFlags(v uint32) {
	s.N = v&(1<<cpsrN) != 0
	s.Z = v&(1<<cpsrZ) != 0
	s.C = v&(1<<cpsrC) != 0
	s.V = v&(1<<cpsrV) != 0
}

// D returns double precision register n as raw bits.
func (s *State) D(n int) uint64 {
	return uint64(s.S[2*n]) | uint64(s.S[2*n+1])<<32
}

// SetD sets double precision register n from raw bits.
func (s *State) SetD(n int, v uint64) {
	s.S[2*n] = uint32(v)
	s.S[2*n+1] = uint32(v >> 32)
}

func (s State) String() string {
	var b strings.Builder
	for i := 0; i < 16; i++ {
		fmt.Fprintf(&b, "r%-2d=%08X ", i, s.R[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		}
	}
	flag := func(set bool, c byte) {
		if set {
			b.WriteByte(c)
		} else {
			b.WriteByte(c + 'a' - 'A')
		}
	}
	b.WriteString("cpsr=")
	flag(s.N, 'N')
	flag(s.Z, 'Z')
	flag(s.C, 'C')
	flag(s.V, 'V')
	flag(s.Q, 'Q')
	flag(s.T, 'T')
	fmt.Fprintf(&b, " ge=%04b mode=%02X", s.GE, s.Mode)
	return b.String()
}

package cpu

import "fmt"

// ExceptionKind is the class of a guest exception.
type ExceptionKind uint8

const (
	PrefetchAbort ExceptionKind = iota
	DataAbort
	Undefined
	Breakpoint
)

func (k ExceptionKind) String() string {
	switch k {
	case PrefetchAbort:
		return "prefetch abort"
	case DataAbort:
		return "data abort"
	case Undefined:
		return "undefined instruction"
	case Breakpoint:
		return "breakpoint"
	default:
		return "unknown"
	}
}

// Exception describes a guest exception raised while executing. PC is the
// address of the faulting instruction and Addr the faulting data address
// for aborts.
type Exception struct {
	Kind  ExceptionKind
	PC    uint32
	Addr  uint32
	Thumb bool
	Err   error
}

func (e Exception) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at 0x%08X: %v", e.Kind, e.PC, e.Err)
	}
	return fmt.Sprintf("%s at 0x%08X", e.Kind, e.PC)
}

// DecodeFault is an invalid or unimplemented instruction encoding.
type DecodeFault struct {
	PC     uint32
	Opcode uint32
	Thumb  bool
}

func (f *DecodeFault) Error() string {
	if f.Thumb {
		return fmt.Sprintf("undefined thumb instruction 0x%04X at 0x%08X", f.Opcode, f.PC)
	}
	return fmt.Sprintf("undefined arm instruction 0x%08X at 0x%08X", f.Opcode, f.PC)
}

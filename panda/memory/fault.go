package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrOverlap is returned when a mapping would overlap an existing one.
	ErrOverlap = errors.New("region overlaps an existing mapping")
	// ErrNotMapped is returned when an operation targets addresses with no mapping.
	ErrNotMapped = errors.New("region not mapped")
	// ErrMisaligned is returned for mappings that are not page aligned.
	ErrMisaligned = errors.New("region not page aligned")
)

// Access is the kind of memory access that caused a fault.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// FaultReason tells why an access failed.
type FaultReason uint8

const (
	FaultUnmapped FaultReason = iota
	FaultPermission
	FaultAlignment
)

func (r FaultReason) String() string {
	switch r {
	case FaultUnmapped:
		return "unmapped"
	case FaultPermission:
		return "permission"
	case FaultAlignment:
		return "alignment"
	default:
		return "unknown"
	}
}

// Fault is a failed guest memory access. The CPU turns it into an abort
// exception visible to the guest, it never stops the host.
type Fault struct {
	Addr   uint32
	Size   int
	Access Access
	Reason FaultReason
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory fault: %s %s of %d bytes at 0x%08X", f.Reason, f.Access, f.Size, f.Addr)
}

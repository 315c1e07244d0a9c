// Package ipc models Horizon IPC command buffers: the header word, the
// translate descriptors that follow the normal parameters, and the
// request/response values HLE services work with.
package ipc

import "fmt"

// MaxWords is the size of a thread command buffer in words.
const MaxWords = 64

// Header is the first word of a command buffer.
//
//	bits 0-5   translate parameter words
//	bits 6-11  normal parameter words
//	bits 16-31 command id
type Header uint32

// MakeHeader builds a header word.
func MakeHeader(command uint16, normal, translate int) Header {
	return Header(uint32(command)<<16 | uint32(normal&0x3F)<<6 | uint32(translate&0x3F))
}

// Command returns the command id.
func (h Header) Command() uint16 { return uint16(h >> 16) }

// Normal returns the number of normal parameter words.
func (h Header) Normal() int { return int(h>>6) & 0x3F }

// Translate returns the number of translate parameter words.
func (h Header) Translate() int { return int(h) & 0x3F }

// Words returns the total size of the message, header included.
func (h Header) Words() int { return 1 + h.Normal() + h.Translate() }

func (h Header) String() string {
	return fmt.Sprintf("0x%08X (cmd 0x%04X, %d normal, %d translate)", uint32(h), h.Command(), h.Normal(), h.Translate())
}

// DescKind is the type of a translate descriptor.
type DescKind uint8

const (
	DescCopyHandles DescKind = iota
	DescMoveHandles
	DescCallingPID
	DescStatic
	DescPXI
	DescMapped
)

func (k DescKind) String() string {
	switch k {
	case DescCopyHandles:
		return "copy-handles"
	case DescMoveHandles:
		return "move-handles"
	case DescCallingPID:
		return "calling-pid"
	case DescStatic:
		return "static"
	case DescPXI:
		return "pxi"
	case DescMapped:
		return "mapped"
	default:
		return fmt.Sprintf("DescKind(%d)", uint8(k))
	}
}

// MapPerm is the access a mapped buffer grants to the receiver.
type MapPerm uint8

const (
	MapRead      MapPerm = 1
	MapWrite     MapPerm = 2
	MapReadWrite MapPerm = 3
)

// CopyHandlesDesc returns the descriptor for n copied handles.
func CopyHandlesDesc(n int) uint32 { return uint32(n-1) << 26 }

// MoveHandlesDesc returns the descriptor for n moved handles.
func MoveHandlesDesc(n int) uint32 { return uint32(n-1)<<26 | 0x10 }

// CallingPIDDesc returns the descriptor asking the kernel for the sender's process id.
func CallingPIDDesc() uint32 { return 0x20 }

// StaticDesc returns the descriptor of a static buffer of size bytes.
func StaticDesc(size uint32, index int) uint32 {
	return size<<14 | uint32(index&0xF)<<10 | 0x2
}

// MappedDesc returns the descriptor of a mapped buffer.
func MappedDesc(size uint32, perm MapPerm) uint32 {
	return size<<4 | 0x8 | uint32(perm)<<1
}

// Descriptor is a decoded translate descriptor. At is the index of the
// descriptor word in the message; its payload words follow it.
type Descriptor struct {
	Kind  DescKind
	At    int
	Count int // payload words
	Size  uint32
	Index int
	Perm  MapPerm
}

func decodeDescriptor(h Header, word uint32, at int) (Descriptor, error) {
	d := Descriptor{At: at}
	switch {
	case word&0xF == 0:
		switch word & 0x30 {
		case 0x00:
			d.Kind, d.Count = DescCopyHandles, int(word>>26)+1
		case 0x10:
			d.Kind, d.Count = DescMoveHandles, int(word>>26)+1
		case 0x20:
			d.Kind, d.Count = DescCallingPID, 1
		default:
			return d, &ProtocolError{Header: h, Reason: fmt.Sprintf("bad handle descriptor 0x%08X", word)}
		}
	case word&0xF == 0x2:
		d.Kind, d.Count = DescStatic, 1
		d.Size = word >> 14
		d.Index = int(word>>10) & 0xF
	case word&0xF == 0x4 || word&0xF == 0x6:
		d.Kind, d.Count = DescPXI, 1
		d.Size = word >> 8
		d.Index = int(word>>4) & 0xF
	case word&0x8 != 0:
		d.Kind, d.Count = DescMapped, 1
		d.Size = word >> 4
		d.Perm = MapPerm(word>>1) & 3
		if d.Perm == 0 {
			return d, &ProtocolError{Header: h, Reason: fmt.Sprintf("mapped buffer without permissions 0x%08X", word)}
		}
	default:
		return d, &ProtocolError{Header: h, Reason: fmt.Sprintf("unknown descriptor 0x%08X", word)}
	}
	return d, nil
}

// Descriptors validates the layout of msg and returns its translate
// descriptors in order.
func Descriptors(msg []uint32) ([]Descriptor, error) {
	if len(msg) == 0 {
		return nil, &ProtocolError{Reason: "empty command buffer"}
	}
	h := Header(msg[0])
	if h.Words() > MaxWords {
		return nil, &ProtocolError{Header: h, Reason: fmt.Sprintf("%d words exceed the command buffer", h.Words())}
	}
	if h.Words() > len(msg) {
		return nil, &ProtocolError{Header: h, Reason: "truncated command buffer"}
	}

	var descs []Descriptor
	at := 1 + h.Normal()
	end := h.Words()
	for at < end {
		d, err := decodeDescriptor(h, msg[at], at)
		if err != nil {
			return nil, err
		}
		if at+1+d.Count > end {
			return nil, &ProtocolError{Header: h, Reason: fmt.Sprintf("%s descriptor overruns the message", d.Kind)}
		}
		descs = append(descs, d)
		at += 1 + d.Count
	}
	return descs, nil
}

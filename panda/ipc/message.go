package ipc

import (
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// StaticBuffer is a static buffer sent with a request.
type StaticBuffer struct {
	Index int
	Addr  uint32
	Size  uint32
}

// MappedBuffer is a buffer in the sender's memory the receiver may access.
type MappedBuffer struct {
	Addr uint32
	Size uint32
	Perm MapPerm
}

// Request is a parsed command sent to a service. Handles are kernel object
// ids: the kernel resolves the sender's handles before the service sees them.
type Request struct {
	Header      Header
	Params      []uint32
	CopyHandles []uint32
	MoveHandles []uint32
	HasPID      bool
	PID         uint32
	Statics     []StaticBuffer
	Mapped      []MappedBuffer
}

// Command returns the command id.
func (r *Request) Command() uint16 { return r.Header.Command() }

// Param returns the normal parameter i, or 0 when the sender did not send it.
func (r *Request) Param(i int) uint32 {
	if i < 0 || i >= len(r.Params) {
		return 0
	}
	return r.Params[i]
}

// ParseRequest decodes a command buffer. Handle words are kept as sent, the
// kernel rewrites them to object ids.
func ParseRequest(msg []uint32) (*Request, error) {
	descs, err := Descriptors(msg)
	if err != nil {
		return nil, err
	}

	h := Header(msg[0])
	req := &Request{
		Header: h,
		Params: append([]uint32(nil), msg[1:1+h.Normal()]...),
	}

	for _, d := range descs {
		payload := msg[d.At+1 : d.At+1+d.Count]
		switch d.Kind {
		case DescCopyHandles:
			req.CopyHandles = append(req.CopyHandles, payload...)
		case DescMoveHandles:
			req.MoveHandles = append(req.MoveHandles, payload...)
		case DescCallingPID:
			req.HasPID = true
			req.PID = payload[0]
		case DescStatic:
			req.Statics = append(req.Statics, StaticBuffer{Index: d.Index, Addr: payload[0], Size: d.Size})
		case DescPXI:
			req.Mapped = append(req.Mapped, MappedBuffer{Addr: payload[0], Size: d.Size, Perm: MapReadWrite})
		case DescMapped:
			req.Mapped = append(req.Mapped, MappedBuffer{Addr: payload[0], Size: d.Size, Perm: d.Perm})
		}
	}
	return req, nil
}

// ActionKind is a follow-up the kernel performs after a reply is delivered.
type ActionKind uint8

const (
	SignalEvent ActionKind = iota
	ClearEvent
	ReleaseObject
)

// Action is a deferred kernel operation on an object id. Actions run after
// the reply has been written, so threads they wake never observe a half
// finished request.
type Action struct {
	Kind   ActionKind
	Object uint32
}

// StaticData is a static buffer returned by a service. The kernel copies it
// into the receive buffer the client set up at Index and fills in Addr.
type StaticData struct {
	Index int
	Data  []byte
	Addr  uint32
}

// Response is a service reply. Handles are object ids, the kernel installs
// them in the client's handle table.
type Response struct {
	Result      result.Code
	Params      []uint32
	CopyHandles []uint32
	MoveHandles []uint32
	Statics     []StaticData
	Actions     []Action
}

// Reply builds a response with a result and parameters.
func Reply(code result.Code, params ...uint32) *Response {
	return &Response{Result: code, Params: params}
}

// Error builds an empty response carrying an error result.
func Error(code result.Code) *Response {
	return &Response{Result: code}
}

// Then appends a follow-up action.
func (r *Response) Then(kind ActionKind, object uint32) *Response {
	r.Actions = append(r.Actions, Action{Kind: kind, Object: object})
	return r
}

// Encode lays the response out as a command buffer for command. The handle
// words are whatever the kernel stored in CopyHandles and MoveHandles.
func (r *Response) Encode(command uint16) []uint32 {
	translate := 0
	if len(r.CopyHandles) > 0 {
		translate += 1 + len(r.CopyHandles)
	}
	if len(r.MoveHandles) > 0 {
		translate += 1 + len(r.MoveHandles)
	}
	translate += 2 * len(r.Statics)

	msg := make([]uint32, 0, 2+len(r.Params)+translate)
	msg = append(msg, uint32(MakeHeader(command, 1+len(r.Params), translate)), uint32(r.Result))
	msg = append(msg, r.Params...)
	if len(r.CopyHandles) > 0 {
		msg = append(msg, CopyHandlesDesc(len(r.CopyHandles)))
		msg = append(msg, r.CopyHandles...)
	}
	if len(r.MoveHandles) > 0 {
		msg = append(msg, MoveHandlesDesc(len(r.MoveHandles)))
		msg = append(msg, r.MoveHandles...)
	}
	for _, st := range r.Statics {
		msg = append(msg, StaticDesc(uint32(len(st.Data)), st.Index), st.Addr)
	}
	return msg
}

// ErrorReply returns the command buffer of a bare error reply, the header
// carries a single normal word.
func ErrorReply(command uint16, code result.Code) []uint32 {
	return []uint32{uint32(MakeHeader(command, 1, 0)), uint32(code)}
}

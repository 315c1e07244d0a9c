package ipc

import (
	"fmt"

	"github.com/jonian/libretro-panda3ds/panda/result"
)

// ProtocolError is a malformed command buffer. It is reported to the sender
// as an error result, the session stays usable.
type ProtocolError struct {
	Header Header
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ipc protocol error: %s (header 0x%08X)", e.Reason, uint32(e.Header))
}

// Result is the code returned to the guest for this error.
func (e *ProtocolError) Result() result.Code { return result.InvalidBufferDesc }

package kernel

import (
	"errors"
	"fmt"

	"github.com/jonian/libretro-panda3ds/panda/memory"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// ErrFatal wraps internal invariant violations. Emulation cannot continue
// after one.
var ErrFatal = errors.New("kernel invariant violated")

// ResourceError is a request the kernel cannot satisfy: a mapping that
// overlaps, an exhausted handle table, a limit reached. The code is returned
// to guest code in r0.
type ResourceError struct {
	Op   string
	Code result.Code
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *ResourceError) Unwrap() error { return e.Code }

func resourceErr(op string, code result.Code) error {
	return &ResourceError{Op: op, Code: code}
}

// codeOf returns the guest visible result of err.
func codeOf(err error) result.Code {
	if err == nil {
		return result.Success
	}
	var code result.Code
	if errors.As(err, &code) {
		return code
	}
	var fault *memory.Fault
	if errors.As(err, &fault) {
		return result.InvalidPointer
	}
	return result.NotImplementedKernel
}

// fatal records an unrecoverable error. The current syscall still returns,
// the orchestrator stops emulation when it sees it.
func (k *Kernel) fatal(err error) {
	if k.fatalErr != nil {
		return
	}
	if !errors.Is(err, ErrFatal) {
		err = fmt.Errorf("%w: %w", ErrFatal, err)
	}
	k.fatalErr = err
}

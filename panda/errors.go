package panda

import (
	"errors"
	"fmt"
)

var (
	// ErrNoROM is returned when running without a loaded executable.
	ErrNoROM = errors.New("no ROM loaded")
	// ErrGuestExited is returned once the application process has terminated.
	ErrGuestExited = errors.New("guest application exited")
)

// FatalError stops emulation. Every later call returns the same error until
// the emulator is reset.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error during %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

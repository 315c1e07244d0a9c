package ipc

// ResetType selects how an event behaves once a waiter observes it.
type ResetType uint32

const (
	// OneShot events clear when a single waiter consumes the signal.
	OneShot ResetType = iota
	// Sticky events stay signaled until cleared.
	Sticky
	// Pulse events wake everybody waiting and clear immediately.
	Pulse
)

func (r ResetType) String() string {
	switch r {
	case OneShot:
		return "oneshot"
	case Sticky:
		return "sticky"
	case Pulse:
		return "pulse"
	default:
		return "invalid"
	}
}

// Host is the kernel as seen by HLE service handlers. Object ids returned by
// Host carry one reference owned by the caller, to be dropped with
// ReleaseObject. Handles received in a request carry none: a service keeping
// one must RetainObject it.
type Host interface {
	// Now returns the current virtual time in cycles.
	Now() uint64
	// CallerPID is the process id of the thread that sent the request.
	CallerPID() uint32

	ReadMemory(addr uint32, buf []byte) error
	WriteMemory(addr uint32, data []byte) error

	CreateEvent(name string, reset ResetType) (uint32, error)
	SignalEvent(id uint32) error
	CreateSharedMemory(name string, size uint32) (uint32, error)
	// SharedMemory returns the host view of a shared memory block.
	SharedMemory(id uint32) ([]byte, bool)
	RetainObject(id uint32)
	ReleaseObject(id uint32)

	// ConnectService opens a session to a named service, HLE or guest
	// registered, and returns the client session id.
	ConnectService(name string) (uint32, error)
	// RegisterService publishes a guest service and returns its server port id.
	RegisterService(name string, maxSessions int) (uint32, error)
	UnregisterService(name string) error
}

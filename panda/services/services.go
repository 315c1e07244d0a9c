// Package services implements the system services applications talk to
// over IPC, run on the host instead of as guest processes.
package services

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/jonian/libretro-panda3ds/panda/hw"
	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// Service handles the requests sent to one port. HandleRequest returns nil
// for command ids it does not know.
type Service interface {
	Name() string
	HandleRequest(host ipc.Host, req *ipc.Request) *ipc.Response
}

// InterruptListener is a service that reacts to GSP interrupts.
type InterruptListener interface {
	Interrupt(host ipc.Host, irq hw.Interrupt)
}

// Stateful is a service whose state goes into save-states.
type Stateful interface {
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// Resetter is a service that keeps state across requests.
type Resetter interface {
	Reset()
}

// Configurable is a service that reports settings.
type Configurable interface {
	SetConfig(cfg config.SystemConfig)
}

// ErrDuplicate is returned when a port name is registered twice.
var ErrDuplicate = errors.New("service already registered")

// Manager routes requests to services by port name.
type Manager struct {
	byName map[string]Service
	order  []Service
}

// NewManager returns a manager without services.
func NewManager() *Manager {
	return &Manager{byName: make(map[string]Service)}
}

// NewDefault returns a manager with every built-in service. gsp::Gpu drives
// the registers on bus and the LCD.
func NewDefault(cfg config.SystemConfig, bus *hw.Bus, lcd *hw.LCD) *Manager {
	m := NewManager()
	cfgu := NewCFG(cfg)
	for _, s := range []Service{NewSRV(), NewPTM(cfg), cfgu, NewGSP(bus, lcd)} {
		if err := m.Register(s); err != nil {
			panic(err)
		}
	}
	for _, alias := range []string{"cfg:s", "cfg:i"} {
		if err := m.RegisterAs(alias, cfgu); err != nil {
			panic(err)
		}
	}
	return m
}

// Register adds s under its own name.
func (m *Manager) Register(s Service) error {
	return m.RegisterAs(s.Name(), s)
}

// RegisterAs adds s under name, which may differ from s.Name().
func (m *Manager) RegisterAs(name string, s Service) error {
	if _, ok := m.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	m.byName[name] = s
	for _, known := range m.order {
		if known == s {
			return nil
		}
	}
	m.order = append(m.order, s)
	return nil
}

// Has reports whether a service listens on name.
func (m *Manager) Has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Names returns the registered port names, sorted.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandleRequest runs req against the service on name. Unknown services and
// commands get a NotImplemented reply.
func (m *Manager) HandleRequest(host ipc.Host, name string, req *ipc.Request) *ipc.Response {
	s, ok := m.byName[name]
	if !ok {
		slog.Warn("Request to unknown service", "service", name, "command", fmt.Sprintf("0x%04X", req.Command()))
		return ipc.Error(result.NotImplemented)
	}
	resp := s.HandleRequest(host, req)
	if resp == nil {
		slog.Warn("Unimplemented service command", "service", name, "command", fmt.Sprintf("0x%04X", req.Command()))
		return ipc.Error(result.NotImplemented)
	}
	return resp
}

// Interrupt forwards a GSP interrupt to every listening service.
func (m *Manager) Interrupt(host ipc.Host, irq hw.Interrupt) {
	for _, s := range m.order {
		if l, ok := s.(InterruptListener); ok {
			l.Interrupt(host, irq)
		}
	}
}

// Reset clears the state of every service.
func (m *Manager) Reset() {
	for _, s := range m.order {
		if r, ok := s.(Resetter); ok {
			r.Reset()
		}
	}
}

// SetConfig hands new settings to the services that report them.
func (m *Manager) SetConfig(cfg config.SystemConfig) {
	for _, s := range m.order {
		if c, ok := s.(Configurable); ok {
			c.SetConfig(cfg)
		}
	}
}

// SaveState collects the state of stateful services, keyed by service name.
func (m *Manager) SaveState() (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, s := range m.order {
		st, ok := s.(Stateful)
		if !ok {
			continue
		}
		data, err := st.SaveState()
		if err != nil {
			return nil, fmt.Errorf("saving %s: %w", s.Name(), err)
		}
		out[s.Name()] = data
	}
	return out, nil
}

// LoadState restores service state saved by SaveState. Stateful services
// missing from states are reset.
func (m *Manager) LoadState(states map[string][]byte) error {
	for _, s := range m.order {
		st, ok := s.(Stateful)
		if !ok {
			continue
		}
		data, ok := states[s.Name()]
		if !ok {
			if r, ok := s.(Resetter); ok {
				r.Reset()
			}
			continue
		}
		if err := st.LoadState(data); err != nil {
			return fmt.Errorf("loading %s: %w", s.Name(), err)
		}
	}
	return nil
}

// codeOf returns the result code carried by err.
func codeOf(err error) result.Code {
	var code result.Code
	if errors.As(err, &code) {
		return code
	}
	return result.NotImplemented
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

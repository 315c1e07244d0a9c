package services

import (
	"encoding/binary"
	"log/slog"

	"github.com/jonian/libretro-panda3ds/panda/ipc"
	"github.com/jonian/libretro-panda3ds/panda/result"
)

// srv: command ids.
const (
	srvRegisterClient     = 0x0001
	srvEnableNotification = 0x0002
	srvRegisterService    = 0x0003
	srvUnregisterService  = 0x0004
	srvGetServiceHandle   = 0x0005
)

const maxServiceName = 8

// SRV is the service manager port, srv:. It hands out sessions to the other
// services and lets guest processes publish their own.
type SRV struct{}

// NewSRV returns the srv: service.
func NewSRV() *SRV { return &SRV{} }

func (s *SRV) Name() string { return "srv:" }

func (s *SRV) HandleRequest(host ipc.Host, req *ipc.Request) *ipc.Response {
	switch req.Command() {
	case srvRegisterClient:
		return ipc.Reply(result.Success)
	case srvEnableNotification:
		return s.enableNotification(host)
	case srvRegisterService:
		return s.registerService(host, req)
	case srvUnregisterService:
		return s.unregisterService(host, req)
	case srvGetServiceHandle:
		return s.getServiceHandle(host, req)
	default:
		return nil
	}
}

// serviceName decodes the 8 byte name sent in params 0 and 1, cut to the
// length in param 2.
func serviceName(req *ipc.Request) (string, bool) {
	var buf [maxServiceName]byte
	binary.LittleEndian.PutUint32(buf[0:], req.Param(0))
	binary.LittleEndian.PutUint32(buf[4:], req.Param(1))
	n := req.Param(2)
	if n > maxServiceName {
		return "", false
	}
	return string(buf[:n]), true
}

func (s *SRV) enableNotification(host ipc.Host) *ipc.Response {
	id, err := host.CreateEvent("srv:notification", ipc.OneShot)
	if err != nil {
		return ipc.Error(codeOf(err))
	}
	resp := ipc.Reply(result.Success)
	resp.MoveHandles = []uint32{id}
	return resp
}

func (s *SRV) registerService(host ipc.Host, req *ipc.Request) *ipc.Response {
	name, ok := serviceName(req)
	if !ok {
		return ipc.Error(result.ServiceNameTooLong)
	}
	id, err := host.RegisterService(name, int(req.Param(3)))
	if err != nil {
		return ipc.Error(codeOf(err))
	}
	slog.Info("Guest service registered", "service", name, "pid", host.CallerPID())
	resp := ipc.Reply(result.Success)
	resp.MoveHandles = []uint32{id}
	return resp
}

func (s *SRV) unregisterService(host ipc.Host, req *ipc.Request) *ipc.Response {
	name, ok := serviceName(req)
	if !ok {
		return ipc.Error(result.ServiceNameTooLong)
	}
	if err := host.UnregisterService(name); err != nil {
		return ipc.Error(codeOf(err))
	}
	return ipc.Reply(result.Success)
}

func (s *SRV) getServiceHandle(host ipc.Host, req *ipc.Request) *ipc.Response {
	name, ok := serviceName(req)
	if !ok {
		return ipc.Error(result.ServiceNameTooLong)
	}
	id, err := host.ConnectService(name)
	if err != nil {
		slog.Warn("GetServiceHandle for unknown service", "service", name)
		return ipc.Error(codeOf(err))
	}
	slog.Debug("GetServiceHandle", "service", name)
	resp := ipc.Reply(result.Success)
	resp.MoveHandles = []uint32{id}
	return resp
}

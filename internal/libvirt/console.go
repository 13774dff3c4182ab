package libvirt

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jbweber/crucible/internal/hypervisor"
)

// MaxConsoleBytes is how much of the end of a console log ConsoleLog
// returns.
const MaxConsoleBytes = 100 * 1024

// ConsoleLog returns the tail of the serial console log of the running vm.
func (s *Session) ConsoleLog(_ context.Context, vm hypervisor.Ref) ([]byte, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return nil, err
	}
	raw, err := s.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, translate(err, vm)
	}
	def, err := parseDomain(raw)
	if err != nil {
		return nil, err
	}

	var path string
	for _, serial := range def.Devices.Serials {
		if serial.Log != nil && serial.Log.File != "" {
			path = serial.Log.File
			break
		}
	}
	if path == "" {
		return nil, &hypervisor.Failure{Code: hypervisor.CodeInternalError, Details: []string{"no console log for", string(vm)}}
	}
	return tail(path, MaxConsoleBytes)
}

// tail returns at most n bytes from the end of the file at path.
func tail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open console log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat console log: %w", err)
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return nil, fmt.Errorf("failed to seek console log: %w", err)
		}
	}
	return io.ReadAll(f)
}

// VNCConsole returns where the VNC server of the running vm listens.
func (s *Session) VNCConsole(_ context.Context, vm hypervisor.Ref) (hypervisor.ConsoleInfo, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return hypervisor.ConsoleInfo{}, err
	}
	raw, err := s.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return hypervisor.ConsoleInfo{}, translate(err, vm)
	}
	def, err := parseDomain(raw)
	if err != nil {
		return hypervisor.ConsoleInfo{}, err
	}

	for _, g := range def.Devices.Graphics {
		if g.VNC == nil || g.VNC.Port <= 0 {
			continue
		}
		return hypervisor.ConsoleInfo{Host: s.opts.VNCProxyClientAddress, Port: g.VNC.Port}, nil
	}
	return hypervisor.ConsoleInfo{}, &hypervisor.Failure{Code: hypervisor.CodeInternalError, Details: []string{"no VNC console for", string(vm)}}
}

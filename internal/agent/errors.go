package agent

import (
	"errors"
	"strings"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/hypervisor"
)

// translate turns a libvirt error of command into a *hypervisor.Failure.
func (a *Agent) translate(command string, err error) error {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return err
	}

	code := hypervisor.CodeInternalError
	detail := lerr.Message
	switch lerr.Code {
	case uint32(libvirt.ErrNoDomain):
		code = hypervisor.CodeHandleInvalid
	case uint32(libvirt.ErrOperationInvalid):
		// Domain not running.
		code = hypervisor.CodeBadPowerState
	case uint32(libvirt.ErrAgentUnresponsive), uint32(libvirt.ErrOperationTimeout):
		detail = "TIMEOUT: " + command + ": " + lerr.Message
	case uint32(libvirt.ErrArgumentUnsupported), uint32(libvirt.ErrNoSupport):
		code = hypervisor.CodeUnsupported
		detail = "NOT IMPLEMENTED: " + command + ": " + lerr.Message
	default:
		if unknownCommand(lerr.Message) {
			detail = "NOT IMPLEMENTED: " + command + ": " + lerr.Message
		}
	}
	return &hypervisor.Failure{Code: code, Details: []string{string(a.vm), detail}, Err: err}
}

// unknownCommand reports whether the guest agent rejected a command it does
// not have or has disabled.
func unknownCommand(msg string) bool {
	return strings.Contains(msg, "has not been found") || strings.Contains(msg, "has been disabled")
}

// unresponsive reports whether err means nobody answered on the agent
// channel, as opposed to an agent that answered with an error.
func unresponsive(err error) bool {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	switch lerr.Code {
	case uint32(libvirt.ErrAgentUnresponsive), uint32(libvirt.ErrAgentUnsynced),
		uint32(libvirt.ErrOperationTimeout), uint32(libvirt.ErrOperationInvalid):
		return true
	}
	return false
}

package libvirt

import (
	"errors"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/hypervisor"
)

// translate turns a libvirt error about ref into a *hypervisor.Failure so
// callers can branch on failure codes without knowing the backend. Other
// errors pass through unchanged.
func translate(err error, ref hypervisor.Ref) error {
	if err == nil {
		return nil
	}
	if _, ok := hypervisor.AsFailure(err); ok {
		return err
	}

	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return err
	}

	code := hypervisor.CodeInternalError
	switch lerr.Code {
	case uint32(libvirt.ErrNoDomain):
		code = hypervisor.CodeHandleInvalid
	case uint32(libvirt.ErrOperationInvalid):
		code = hypervisor.CodeBadPowerState
	case uint32(libvirt.ErrNoSupport), uint32(libvirt.ErrArgumentUnsupported):
		code = hypervisor.CodeUnsupported
	case uint32(libvirt.ErrMigrateUnsafe):
		code = hypervisor.CodeMigrateFailed
	}

	return &hypervisor.Failure{
		Code:    code,
		Details: []string{string(ref), lerr.Message},
		Err:     err,
	}
}

// isNoDomain reports whether err says the domain does not exist.
func isNoDomain(err error) bool {
	if hypervisor.HasCode(err, hypervisor.CodeHandleInvalid) {
		return true
	}
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoDomain)
}

// badPowerState reports that vm is in actual where expected was needed.
func badPowerState(vm hypervisor.Ref, expected, actual hypervisor.PowerState) error {
	return &hypervisor.Failure{
		Code:    hypervisor.CodeBadPowerState,
		Details: []string{string(vm), string(expected), string(actual)},
	}
}

package hypervisor

import (
	"errors"
	"fmt"
	"strings"
)

// Failure codes reported by the control plane.
const (
	CodeBadPowerState       = "VM_BAD_POWER_STATE"
	CodeSRBackendFailure46  = "SR_BACKEND_FAILURE_46"
	CodeHandleInvalid       = "HANDLE_INVALID"
	CodeMigrateFailed       = "VM_MIGRATE_FAILED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeOperationBlocked    = "OPERATION_BLOCKED"
	CodeUnsupported         = "NOT_SUPPORTED"
	CodeHostNotEnoughMemory = "HOST_NOT_ENOUGH_FREE_MEMORY"
	CodeMapDuplicateKey     = "MAP_DUPLICATE_KEY"
)

// ErrNoDomID is returned by calls that need a running domain, such as
// guest data writes, when the VM has no domain id.
var ErrNoDomID = errors.New("domain id not available")

// Failure is a structured error returned by the control plane. Details
// carries the positional arguments of the failure; the last entry is
// usually the most specific.
type Failure struct {
	Code    string
	Details []string
	Err     error
}

func (f *Failure) Error() string {
	if len(f.Details) == 0 {
		return f.Code
	}
	return fmt.Sprintf("%s: %s", f.Code, strings.Join(f.Details, ", "))
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// LastDetail returns the final detail entry, or "".
func (f *Failure) LastDetail() string {
	if len(f.Details) == 0 {
		return ""
	}
	return f.Details[len(f.Details)-1]
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// HasCode reports whether err is a Failure with the given code.
func HasCode(err error, code string) bool {
	f, ok := AsFailure(err)
	return ok && f.Code == code
}

// PluginOutcome classifies a failed guest channel call.
type PluginOutcome string

// Plugin outcomes.
const (
	PluginTimeout        PluginOutcome = "timeout"
	PluginNotImplemented PluginOutcome = "notimplemented"
	PluginError          PluginOutcome = "error"
)

// ClassifyPluginFailure maps a failed guest channel call to an outcome and
// a cleaned-up message. The guest side reports timeouts and unsupported
// commands only as message prefixes, so this is the one place that looks
// at failure text.
func ClassifyPluginFailure(err error) (PluginOutcome, string) {
	msg := err.Error()
	if f, ok := AsFailure(err); ok && f.LastDetail() != "" {
		msg = f.LastDetail()
	}

	switch {
	case strings.Contains(msg, "TIMEOUT:"):
		return PluginTimeout, strings.TrimSpace(msg[strings.Index(msg, "TIMEOUT:")+len("TIMEOUT:"):])
	case strings.Contains(msg, "NOT IMPLEMENTED:"):
		return PluginNotImplemented, strings.TrimSpace(msg[strings.Index(msg, "NOT IMPLEMENTED:")+len("NOT IMPLEMENTED:"):])
	default:
		return PluginError, msg
	}
}

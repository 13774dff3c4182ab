package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/vm"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatInstance formats a single Instance as JSON.
func (f *JSONFormatter) FormatInstance(inst *v1alpha1.Instance) (string, error) {
	v1alpha1.SetDefaultAPIVersion(inst)
	return marshalJSON(inst, "instance")
}

// FormatVMList formats a list of VMs as a JSON array.
func (f *JSONFormatter) FormatVMList(vms []vm.VMInfo) (string, error) {
	return marshalJSON(vmRows(vms), "VM list")
}

// FormatInfo formats the runtime state of a VM as JSON.
func (f *JSONFormatter) FormatInfo(name string, info vm.Info) (string, error) {
	return marshalJSON(newInfoRow(name, info), "VM info")
}

// FormatDiagnostics formats the counters of a VM as a JSON object.
func (f *JSONFormatter) FormatDiagnostics(name string, diags map[string]string) (string, error) {
	if diags == nil {
		diags = map[string]string{}
	}
	return marshalJSON(map[string]any{"name": name, "diagnostics": diags}, "diagnostics")
}

func marshalJSON(v any, what string) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}

package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/vm"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatInstance formats a single Instance as YAML.
func (f *YAMLFormatter) FormatInstance(inst *v1alpha1.Instance) (string, error) {
	v1alpha1.SetDefaultAPIVersion(inst)
	return marshalYAML(inst, "instance")
}

// FormatVMList formats a list of VMs as a YAML stream, one document per
// VM separated by ---.
func (f *YAMLFormatter) FormatVMList(vms []vm.VMInfo) (string, error) {
	var buf bytes.Buffer
	for i, row := range vmRows(vms) {
		data, err := yaml.Marshal(row)
		if err != nil {
			return "", fmt.Errorf("failed to marshal VM %s to YAML: %w", row.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}

// FormatInfo formats the runtime state of a VM as YAML.
func (f *YAMLFormatter) FormatInfo(name string, info vm.Info) (string, error) {
	return marshalYAML(newInfoRow(name, info), "VM info")
}

// FormatDiagnostics formats the counters of a VM as YAML.
func (f *YAMLFormatter) FormatDiagnostics(name string, diags map[string]string) (string, error) {
	if diags == nil {
		diags = map[string]string{}
	}
	return marshalYAML(map[string]any{"name": name, "diagnostics": diags}, "diagnostics")
}

func marshalYAML(v any, what string) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to YAML: %w", what, err)
	}
	return string(data), nil
}

// Package output provides formatters for displaying crucible instances and
// VM state in various formats (table, YAML, JSON).
package output

import (
	"fmt"
	"sort"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/vm"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for declarative configs.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats crucible resources for output.
type Formatter interface {
	// FormatInstance formats a single Instance descriptor.
	FormatInstance(inst *v1alpha1.Instance) (string, error)

	// FormatVMList formats the VMs found on a host.
	FormatVMList(vms []vm.VMInfo) (string, error)

	// FormatInfo formats the runtime state of one VM.
	FormatInfo(name string, info vm.Info) (string, error)

	// FormatDiagnostics formats hypervisor counters of one VM.
	FormatDiagnostics(name string, diags map[string]string) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// vmRow is the serialized form of vm.VMInfo.
type vmRow struct {
	Name         string `json:"name" yaml:"name"`
	InstanceUUID string `json:"instanceUUID,omitempty" yaml:"instanceUUID,omitempty"`
	State        string `json:"state" yaml:"state"`
	VCPUs        int    `json:"vcpus" yaml:"vcpus"`
	MemoryMB     uint64 `json:"memoryMB" yaml:"memoryMB"`
}

func vmRows(vms []vm.VMInfo) []vmRow {
	rows := make([]vmRow, 0, len(vms))
	for _, v := range vms {
		rows = append(rows, vmRow{
			Name:         v.Name,
			InstanceUUID: v.InstanceUUID,
			State:        string(v.State),
			VCPUs:        v.VCPUs,
			MemoryMB:     v.MemoryMB,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// infoRow is the serialized form of vm.Info.
type infoRow struct {
	Name         string `json:"name" yaml:"name"`
	State        string `json:"state" yaml:"state"`
	MaxMemoryKiB uint64 `json:"maxMemoryKiB" yaml:"maxMemoryKiB"`
	MemoryKiB    uint64 `json:"memoryKiB" yaml:"memoryKiB"`
	VCPUs        int    `json:"vcpus" yaml:"vcpus"`
	CPUTimeNanos uint64 `json:"cpuTimeNanos" yaml:"cpuTimeNanos"`
}

func newInfoRow(name string, info vm.Info) infoRow {
	return infoRow{
		Name:         name,
		State:        string(info.State),
		MaxMemoryKiB: info.MaxMemoryKiB,
		MemoryKiB:    info.MemoryKiB,
		VCPUs:        info.VCPUs,
		CPUTimeNanos: info.CPUTimeNanos,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

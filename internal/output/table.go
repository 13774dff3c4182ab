package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/vm"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatInstance formats a single Instance as a table row.
func (f *TableFormatter) FormatInstance(inst *v1alpha1.Instance) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tUUID\tSTATE\tIP\tVCPUs\tMEMORY\tAGE")
	}

	state := string(inst.Status.State)
	if state == "" {
		state = "-"
	}

	ip := "-"
	if len(inst.Spec.Network) > 0 {
		if v4, v6 := inst.Spec.Network[0].FixedIPs(); len(v4) > 0 {
			ip = v4[0]
		} else if len(v6) > 0 {
			ip = v6[0]
		}
	}

	age := "-"
	if !inst.CreationTimestamp.IsZero() {
		age = formatAge(time.Since(inst.CreationTimestamp.Time))
	}

	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d MiB\t%s\n",
		inst.Name, inst.UUID(), state, ip, inst.Spec.Flavor.VCPUs, inst.Spec.Flavor.MemoryMB, age)

	_ = w.Flush()
	return buf.String(), nil
}

// FormatVMList formats a list of VMs as a table.
func (f *TableFormatter) FormatVMList(vms []vm.VMInfo) (string, error) {
	if len(vms) == 0 {
		return "No VMs found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tINSTANCE\tSTATE\tVCPUs\tMEMORY")
	}

	for _, row := range vmRows(vms) {
		instance := row.InstanceUUID
		if instance == "" {
			instance = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d MiB\n",
			row.Name, instance, row.State, row.VCPUs, row.MemoryMB)
	}

	_ = w.Flush()
	return buf.String(), nil
}

// FormatInfo formats the runtime state of a VM as a table row.
func (f *TableFormatter) FormatInfo(name string, info vm.Info) (string, error) {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tSTATE\tVCPUs\tMEMORY\tMAX MEMORY\tCPU TIME")
	}
	row := newInfoRow(name, info)
	_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d MiB\t%d MiB\t%s\n",
		row.Name, row.State, row.VCPUs, row.MemoryKiB>>10, row.MaxMemoryKiB>>10,
		time.Duration(row.CPUTimeNanos).Round(time.Second))

	_ = w.Flush()
	return buf.String(), nil
}

// FormatDiagnostics formats the counters of a VM as key/value rows.
func (f *TableFormatter) FormatDiagnostics(name string, diags map[string]string) (string, error) {
	if len(diags) == 0 {
		return fmt.Sprintf("No diagnostics for %s\n", name), nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "KEY\tVALUE")
	}
	for _, k := range sortedKeys(diags) {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", k, diags[k])
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	// Weeks up to ~2 months, then years.
	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	years := days / 365
	if years > 0 {
		return fmt.Sprintf("%dy", years)
	}

	return fmt.Sprintf("%dd", days)
}

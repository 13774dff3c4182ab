package vm

import (
	"context"
	"fmt"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// Info is the state of one VM as reported to callers.
type Info struct {
	State        hypervisor.PowerState
	MaxMemoryKiB uint64
	MemoryKiB    uint64
	VCPUs        int
	CPUTimeNanos uint64
}

// VMInfo summarizes a VM for listings.
type VMInfo struct {
	Name         string
	InstanceUUID string
	State        hypervisor.PowerState
	VCPUs        int
	MemoryMB     uint64
}

// Usage is the resource usage of an active instance.
type Usage struct {
	UUID     string
	MemoryMB uint64
}

// GetInfo returns the state of the VM of inst.
func (o *Ops) GetInfo(ctx context.Context, inst *v1alpha1.Instance) (Info, error) {
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return Info{}, err
	}
	rec, err := o.session.GetRecord(ctx, vm)
	if err != nil {
		return Info{}, fmt.Errorf("failed to get VM record: %w", err)
	}
	return Info{
		State:        rec.PowerState,
		MaxMemoryKiB: rec.MemoryMaxBytes >> 10,
		MemoryKiB:    rec.MemoryBytes >> 10,
		VCPUs:        rec.VCPUs,
		CPUTimeNanos: rec.CPUTimeNanos,
	}, nil
}

// GetDiagnostics returns hypervisor counters for the VM of inst.
func (o *Ops) GetDiagnostics(ctx context.Context, inst *v1alpha1.Instance) (map[string]string, error) {
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return nil, err
	}
	diags, err := o.session.Diagnostics(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostics: %w", err)
	}
	return diags, nil
}

// List summarizes every guest VM on the host.
func (o *Ops) List(ctx context.Context) ([]VMInfo, error) {
	recs, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}

	vms := make([]VMInfo, 0, len(recs))
	for _, rec := range recs {
		vms = append(vms, VMInfo{
			Name:         rec.NameLabel,
			InstanceUUID: rec.OtherConfig[otherConfigInstanceUUID],
			State:        rec.PowerState,
			VCPUs:        rec.VCPUs,
			MemoryMB:     rec.MemoryMaxBytes / bytesPerMiB,
		})
	}
	return vms, nil
}

// ListInstances returns the name labels of all guest VMs.
func (o *Ops) ListInstances(ctx context.Context) ([]string, error) {
	recs, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.NameLabel)
	}
	return names, nil
}

// ListInstanceUUIDs returns the instance UUIDs linked to guest VMs. VMs
// not created by Spawn carry none and are left out.
func (o *Ops) ListInstanceUUIDs(ctx context.Context) ([]string, error) {
	recs, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	var uuids []string
	for _, rec := range recs {
		if id := rec.OtherConfig[otherConfigInstanceUUID]; id != "" {
			uuids = append(uuids, id)
		}
	}
	return uuids, nil
}

// InstanceExists reports whether a VM with the name label exists.
func (o *Ops) InstanceExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := o.lookup(ctx, name)
	return ok, err
}

// GetPerInstanceUsage returns the memory of every running or paused VM
// that belongs to an instance, keyed by instance UUID.
func (o *Ops) GetPerInstanceUsage(ctx context.Context) (map[string]Usage, error) {
	recs, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	usage := make(map[string]Usage)
	for _, rec := range recs {
		if rec.PowerState != hypervisor.Running && rec.PowerState != hypervisor.Paused {
			continue
		}
		id := rec.OtherConfig[otherConfigInstanceUUID]
		if id == "" {
			continue
		}
		usage[id] = Usage{UUID: id, MemoryMB: rec.MemoryMaxBytes / bytesPerMiB}
	}
	return usage, nil
}

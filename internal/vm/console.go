package vm

import (
	"context"
	"fmt"

	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// GetConsoleOutput returns the tail of the serial console of inst, read
// from its rescue VM when one exists.
func (o *Ops) GetConsoleOutput(ctx context.Context, inst *v1alpha1.Instance) ([]byte, error) {
	vm, err := o.vmRefCheckRescue(ctx, inst)
	if err != nil {
		return nil, err
	}
	rec, err := o.session.GetRecord(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("failed to get VM record: %w", err)
	}
	if rec.PowerState != hypervisor.Running {
		return nil, jujuerrors.NotFoundf("console of instance %s", inst.UUID())
	}

	out, err := o.session.ConsoleLog(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("guest does not have a console available: %w", err)
	}
	return out, nil
}

// GetVNCConsole returns where to reach the VNC server of inst. A rescued
// instance whose rescue VM is not up yet reports NotYetAvailable.
func (o *Ops) GetVNCConsole(ctx context.Context, inst *v1alpha1.Instance) (hypervisor.ConsoleInfo, error) {
	var vm hypervisor.Ref
	if inst.Status.State == v1alpha1.StateRescued {
		ref, ok, err := o.lookup(ctx, naming.RescueName(inst.Name))
		if err != nil {
			return hypervisor.ConsoleInfo{}, err
		}
		if !ok {
			return hypervisor.ConsoleInfo{}, jujuerrors.NotYetAvailablef("rescue VM of instance %s", inst.UUID())
		}
		vm = ref
	} else {
		ref, err := o.vmRef(ctx, inst)
		if err != nil {
			return hypervisor.ConsoleInfo{}, err
		}
		vm = ref
	}

	info, err := o.session.VNCConsole(ctx, vm)
	if err != nil {
		return hypervisor.ConsoleInfo{}, fmt.Errorf("failed to get VNC console: %w", err)
	}
	return info, nil
}

// GetAllBWCounters returns the traffic counters of every running instance,
// keyed by VM name then interface MAC. Interfaces whose counters cannot be
// read are skipped.
func (o *Ops) GetAllBWCounters(ctx context.Context) (map[string]map[string]hypervisor.BandwidthCounter, error) {
	recs, err := o.session.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}

	counters := make(map[string]map[string]hypervisor.BandwidthCounter)
	for _, rec := range recs {
		if rec.OtherConfig[otherConfigInstanceUUID] == "" || rec.PowerState != hypervisor.Running {
			continue
		}
		vifs, err := o.session.GetVIFs(ctx, rec.Ref)
		if err != nil {
			o.log.Error(err, "listing interfaces", "vm", rec.NameLabel)
			continue
		}

		perVM := make(map[string]hypervisor.BandwidthCounter, len(vifs))
		for _, vif := range vifs {
			if vif.Target == "" {
				continue
			}
			c, err := o.vifs.Counters(ctx, vif)
			if err != nil {
				o.log.V(1).Info("skipping interface counters", "vm", rec.NameLabel, "mac", vif.MAC, "error", err.Error())
				continue
			}
			perVM[vif.MAC] = c
		}
		counters[rec.NameLabel] = perVM
	}
	return counters, nil
}

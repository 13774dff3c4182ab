package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// Destroy removes the VM of inst. A rescue VM is torn down first, keeping
// the root disk it borrowed. Destroying a VM that does not exist is a
// no-op.
func (o *Ops) Destroy(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo, destroyDisks bool) (err error) {
	defer observe("destroy", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateDestroyed); err != nil {
		return err
	}
	log := o.logFor(inst)
	log.Info("destroying VM")

	vm, ok, err := o.lookup(ctx, inst.Name)
	if err != nil {
		return err
	}
	if !ok {
		vm = ""
	}

	rescueVM, rescued, err := o.lookup(ctx, naming.RescueName(inst.Name))
	if err != nil {
		return err
	}
	if rescued {
		if err := o.destroyRescueInstance(ctx, log, rescueVM, vm); err != nil {
			return err
		}
	}

	if err := o.teardown(ctx, inst, vm, network, destroyDisks); err != nil {
		return err
	}
	o.setState(ctx, inst, v1alpha1.StateDestroyed)
	return nil
}

// teardown shuts vm down and removes it: volumes are detached and disks
// and boot files destroyed when destroyDisks is set, then the record goes,
// then the host side networking. An empty vm is a no-op.
func (o *Ops) teardown(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref, network v1alpha1.NetworkInfo, destroyDisks bool) error {
	log := o.logFor(inst)
	if vm == "" {
		log.Info("VM is not present, skipping destroy", "warning", true)
		return nil
	}

	o.hardShutdown(ctx, log, vm)

	if destroyDisks {
		if err := o.volumes.DetachAll(ctx, vm); err != nil {
			return fmt.Errorf("failed to detach volumes: %w", err)
		}
		o.destroyVDIs(ctx, log, vm)
		if err := o.destroyKernelRamdisk(ctx, inst, vm); err != nil {
			return err
		}
	}

	if err := o.session.DestroyVM(ctx, vm); err != nil {
		log.Error(err, "failed to destroy VM record", "vm", string(vm))
	}

	if err := o.UnplugVIFs(ctx, inst, network); err != nil {
		return err
	}
	return o.UnfilterInstance(ctx, inst, network)
}

// vmDisks returns the disks attached to vm, leaving out volumes and the
// disk excluded by identity.
func (o *Ops) vmDisks(ctx context.Context, vm, exclude hypervisor.Ref) ([]hypervisor.Disk, error) {
	vbds, err := o.session.GetVBDs(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("failed to list VBDs: %w", err)
	}
	var out []hypervisor.Disk
	for _, vbd := range vbds {
		if vbd.VDI == "" || vbd.OSVolume || (exclude != "" && vbd.VDI == exclude) {
			continue
		}
		out = append(out, hypervisor.Disk{Ref: vbd.VDI})
	}
	return out, nil
}

func (o *Ops) destroyVDIs(ctx context.Context, log logr.Logger, vm hypervisor.Ref) {
	log.V(1).Info("destroying VDIs")
	disks, err := o.vmDisks(ctx, vm, "")
	if err != nil {
		log.Error(err, "failed to look up VDIs")
		return
	}
	// Failures are logged per disk.
	_ = o.safeDestroyDisks(ctx, log, disks)
}

// destroyKernelRamdisk removes the boot files of a direct kernel boot. An
// instance with neither is a plain disk boot; one with exactly one of the
// two is inconsistent.
func (o *Ops) destroyKernelRamdisk(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref) error {
	log := o.logFor(inst)
	kernelID, ramdiskID := inst.Spec.KernelID, inst.Spec.RamdiskID

	if kernelID == "" && ramdiskID == "" {
		log.V(1).Info("using disk image, skipping kernel and ramdisk deletion")
		return nil
	}
	if kernelID == "" || ramdiskID == "" {
		return &InstanceUnacceptableError{
			InstanceUUID: inst.UUID(),
			Reason:       "instance has a kernel or ramdisk but not both",
		}
	}

	rec, err := o.session.GetRecord(ctx, vm)
	if err != nil {
		return fmt.Errorf("failed to get VM record: %w", err)
	}
	if rec.Kernel == "" && rec.Ramdisk == "" {
		return nil
	}
	if err := o.disks.DestroyKernelRamdisk(ctx, rec.Kernel, rec.Ramdisk); err != nil {
		return fmt.Errorf("failed to destroy kernel/ramdisk: %w", err)
	}
	log.V(1).Info("kernel/ramdisk files removed")
	return nil
}

// destroyRescueInstance removes a rescue VM and its disks, except the root
// disk of orig that it has attached.
func (o *Ops) destroyRescueInstance(ctx context.Context, log logr.Logger, rescueVM, orig hypervisor.Ref) error {
	state, err := o.session.PowerState(ctx, rescueVM)
	if err != nil {
		return fmt.Errorf("failed to get rescue VM power state: %w", err)
	}
	if state != hypervisor.Halted {
		if err := o.session.HardShutdown(ctx, rescueVM); err != nil {
			return fmt.Errorf("failed to shut down rescue VM: %w", err)
		}
	}

	var rootVDI hypervisor.Ref
	if orig != "" {
		root, err := o.findRootVBD(ctx, orig)
		if err != nil {
			return err
		}
		rootVDI = root.VDI
	}

	disks, err := o.vmDisks(ctx, rescueVM, rootVDI)
	if err != nil {
		return err
	}
	_ = o.safeDestroyDisks(ctx, log, disks)

	if err := o.session.DestroyVM(ctx, rescueVM); err != nil {
		return fmt.Errorf("failed to destroy rescue VM: %w", err)
	}
	return nil
}

package vm

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
	"github.com/jbweber/crucible/internal/pipeline"
	"github.com/jbweber/crucible/internal/progress"
	"github.com/jbweber/crucible/internal/undo"
)

// resizeJob carries what both resize directions need.
type resizeJob struct {
	inst   *v1alpha1.Instance
	vm     hypervisor.Ref
	dest   string
	srPath string
	flavor v1alpha1.Flavor
	// powerOn is whether the VM ran before the resize; a failed resize
	// brings it back to that state.
	powerOn bool
	tracker *progress.Tracker
	log     logr.Logger
}

// MigrateDiskAndPowerOff transfers the disks of the instance to dest,
// resized for flavor, and leaves the VM powered off under its -orig name.
// Shrinking the root disk copies it at the new size; otherwise the disk
// chains are moved while the VM still runs and only the leaves are copied
// after power off. A failure restores the original VM and returns an
// *InstanceFaultRollback.
func (o *Ops) MigrateDiskAndPowerOff(ctx context.Context, inst *v1alpha1.Instance, dest string, flavor v1alpha1.Flavor, bdi *v1alpha1.BlockDeviceInfo) (err error) {
	defer observe("migrate-disk-and-power-off", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateResizing); err != nil {
		return err
	}
	log := o.logFor(inst).WithValues("destination", dest)

	if inst.Spec.Flavor.EphemeralGB > flavor.EphemeralGB {
		return &ResizeError{Reason: "Can't resize down ephemeral disks."}
	}

	emit := o.updateProgress(inst)
	emit(ctx, 0)

	oldGB, newGB := inst.Spec.Flavor.RootGB, flavor.RootGB
	if newGB == 0 && oldGB != 0 {
		return &ResizeError{Reason: "Can't resize a disk to 0 GB."}
	}

	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	srPath, err := o.disks.SRPath(ctx)
	if err != nil {
		return fmt.Errorf("failed to get SR path: %w", err)
	}
	state, err := o.session.PowerState(ctx, vm)
	if err != nil {
		return fmt.Errorf("failed to get power state: %w", err)
	}

	job := &resizeJob{
		inst:    inst,
		vm:      vm,
		dest:    dest,
		srPath:  srPath,
		flavor:  flavor,
		powerOn: state == hypervisor.Running,
		tracker: progress.New(emit, 1),
		log:     log,
	}

	o.setState(ctx, inst, v1alpha1.StateResizing)
	if oldGB > newGB {
		err = o.resizeDown(ctx, job)
	} else {
		err = o.resizeUp(ctx, job)
	}
	if err != nil {
		o.markFault(ctx, inst, "resize", err)
		if job.powerOn {
			o.setState(ctx, inst, v1alpha1.StateRunning)
		} else {
			o.setState(ctx, inst, v1alpha1.StateStopped)
		}
		return err
	}

	if err := o.detachBlockDevicesFromOrigVM(ctx, inst, bdi, naming.OrigName(inst.Name)); err != nil {
		o.markFault(ctx, inst, "resize", err)
		return err
	}
	return nil
}

// resizeDown powers the VM off, renames it and ships a shrunk copy of its
// root disk. The ledger restores the original VM on failure.
func (o *Ops) resizeDown(ctx context.Context, job *resizeJob) error {
	inst, vm := job.inst, job.vm
	var copied hypervisor.Disk

	bindings := map[pipeline.Name]pipeline.Step{
		pipeline.ResizePrepare: {
			// Keeps the progress of both directions in step.
			Run: func(context.Context, *undo.Ledger) error { return nil },
		},
		pipeline.RenameAndPowerOff: {
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				if err := o.resizeEnsureShutdown(ctx, job.log, vm); err != nil {
					return err
				}
				if job.powerOn {
					ledger.Register("restart-if-was-running", func(ctx context.Context) error {
						return o.startIfShutdown(ctx, inst, vm)
					})
				}
				if err := o.applyOrigName(ctx, inst, vm); err != nil {
					return err
				}
				// Block devices are still attached at this point.
				ledger.Register("restore-original-vm", func(ctx context.Context) error {
					return o.restoreOrigVMAndCleanupOrphan(ctx, inst, nil, job.powerOn)
				})
				return nil
			},
		},
		pipeline.CopyAndResizeDisk: {
			Requires: []pipeline.Name{pipeline.RenameAndPowerOff},
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				root, err := o.findRootVBD(ctx, vm)
				if err != nil {
					return err
				}
				copied, err = o.disks.ResizeDiskCopy(ctx, inst, root.VDI, job.flavor.RootGB)
				if err != nil {
					return fmt.Errorf("failed to resize disk copy: %w", err)
				}
				disk := copied
				ledger.Register("destroy-disk-copy", func(ctx context.Context) error {
					return o.disks.DestroyDisk(ctx, disk.Ref)
				})
				return nil
			},
		},
		pipeline.TransferDisk: {
			Requires: []pipeline.Name{pipeline.CopyAndResizeDisk},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if err := o.disks.MigrateVHD(ctx, inst, copied.Ref, job.dest, job.srPath, 0, 0); err != nil {
					return fmt.Errorf("failed to transfer disk: %w", err)
				}
				if err := o.disks.DestroyDisk(ctx, copied.Ref); err != nil {
					return fmt.Errorf("failed to destroy transferred disk copy: %w", err)
				}
				return nil
			},
		},
	}

	if err := o.runResize(ctx, job, pipeline.KindResizeDown, bindings, undo.New(job.log)); err != nil {
		job.log.Error(err, "resize down failed, original VM restored")
		return &InstanceFaultRollback{Err: err}
	}
	return nil
}

// resizeUp ships the immutable part of every disk chain while the VM runs,
// then powers it off and ships the leaves. Snapshots are released whatever
// the outcome; a failure restores the original VM explicitly.
func (o *Ops) resizeUp(ctx context.Context, job *resizeJob) error {
	inst, vm := job.inst, job.vm
	label := naming.SnapshotLabel(inst.Name)

	if err := o.applyOrigName(ctx, inst, vm); err != nil {
		return err
	}

	snapshots := undo.New(job.log)
	snapshot := func(ctx context.Context, disk hypervisor.Ref) ([]hypervisor.Ref, error) {
		chain, release, err := o.disks.SnapshotAttached(ctx, inst, disk, label)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot disk: %w", err)
		}
		snapshots.Register("release-snapshot", release)
		if len(chain) == 0 {
			return nil, fmt.Errorf("snapshot of %s returned an empty chain", disk)
		}
		return chain, nil
	}

	var (
		rootChain       []hypervisor.Ref
		activeRoot      hypervisor.Ref
		activeEphemeral []hypervisor.Ref
	)

	bindings := map[pipeline.Name]pipeline.Step{
		pipeline.SnapshotRoot: {
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				root, err := o.findRootVBD(ctx, vm)
				if err != nil {
					return err
				}
				rootChain, err = snapshot(ctx, root.VDI)
				return err
			},
		},
		pipeline.TransferImmutable: {
			Requires: []pipeline.Name{pipeline.SnapshotRoot},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				activeRoot = rootChain[0]
				for i, disk := range rootChain[1:] {
					if err := o.disks.MigrateVHD(ctx, inst, disk, job.dest, job.srPath, i+1, 0); err != nil {
						return fmt.Errorf("failed to transfer root base disk %d: %w", i+1, err)
					}
				}
				job.log.V(1).Info("migrated root base disks")
				return nil
			},
		},
		pipeline.TransferEphemeral: {
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				queue, err := o.ephemeralDisks(ctx, vm)
				if err != nil {
					return err
				}
				for len(queue) > 0 {
					vbd := queue[0]
					queue = queue[1:]

					chain, err := snapshot(ctx, vbd.VDI)
					if err != nil {
						return err
					}
					activeEphemeral = append(activeEphemeral, chain[0])
					number := len(activeEphemeral)
					for i, disk := range chain[1:] {
						if err := o.disks.MigrateVHD(ctx, inst, disk, job.dest, job.srPath, i+1, number); err != nil {
							return fmt.Errorf("failed to transfer ephemeral base disk %d/%d: %w", number, i+1, err)
						}
					}
					job.log.V(1).Info("read-only disks migrated", "userdevice", vbd.UserDevice)
				}
				job.log.V(1).Info("migrated all base disks")
				return nil
			},
		},
		pipeline.PowerDownAndTransfer: {
			Requires: []pipeline.Name{pipeline.TransferImmutable, pipeline.TransferEphemeral},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if err := o.resizeEnsureShutdown(ctx, job.log, vm); err != nil {
					return err
				}
				if err := o.disks.MigrateVHD(ctx, inst, activeRoot, job.dest, job.srPath, 0, 0); err != nil {
					return fmt.Errorf("failed to transfer root leaf disk: %w", err)
				}
				for i, disk := range activeEphemeral {
					if err := o.disks.MigrateVHD(ctx, inst, disk, job.dest, job.srPath, 0, i+1); err != nil {
						return fmt.Errorf("failed to transfer ephemeral leaf disk %d: %w", i+1, err)
					}
				}
				return nil
			},
		},
	}

	err := o.runResize(ctx, job, pipeline.KindResizeUp, bindings, undo.New(job.log))
	snapshots.Unwind(ctx)
	if err != nil {
		job.log.Error(err, "resize up failed, restoring original VM")
		if rerr := o.restoreOrigVMAndCleanupOrphan(context.WithoutCancel(ctx), inst, nil, job.powerOn); rerr != nil {
			job.log.Error(rerr, "failed to restore original VM after resize up")
		}
		return &InstanceFaultRollback{Err: err}
	}
	return nil
}

func (o *Ops) runResize(ctx context.Context, job *resizeJob, kind pipeline.Kind, bindings map[pipeline.Name]pipeline.Step, ledger *undo.Ledger) error {
	for name, step := range bindings {
		step.Counted = true
		bindings[name] = step
	}
	p, err := pipeline.Build(kind, bindings)
	if err != nil {
		return err
	}
	return pipeline.Execute(ctx, p, ledger, job.tracker)
}

// ephemeralDisks returns the VBDs at or above the first ephemeral slot,
// in slot order.
func (o *Ops) ephemeralDisks(ctx context.Context, vm hypervisor.Ref) ([]hypervisor.VBDRecord, error) {
	vbds, err := o.session.GetVBDs(ctx, vm)
	if err != nil {
		return nil, fmt.Errorf("failed to list VBDs: %w", err)
	}
	type slotted struct {
		slot int
		vbd  hypervisor.VBDRecord
	}
	var found []slotted
	for _, vbd := range vbds {
		slot, err := strconv.Atoi(vbd.UserDevice)
		if err != nil || slot < deviceEphemeral || vbd.VDI == "" {
			continue
		}
		found = append(found, slotted{slot: slot, vbd: vbd})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].slot < found[j].slot })

	out := make([]hypervisor.VBDRecord, len(found))
	for i, f := range found {
		out[i] = f.vbd
	}
	return out, nil
}

// resizeEnsureShutdown stops vm, cleanly if possible.
func (o *Ops) resizeEnsureShutdown(ctx context.Context, log logr.Logger, vm hypervisor.Ref) error {
	down, err := o.isShutdown(ctx, vm)
	if err != nil {
		return err
	}
	if down {
		log.V(1).Info("VM was already shutdown")
		return nil
	}
	if o.cleanShutdown(ctx, log, vm, o.opts.ShutdownTimeout) {
		return nil
	}
	log.V(1).Info("clean shutdown did not complete successfully, trying hard shutdown")
	if !o.hardShutdown(ctx, log, vm) {
		return &ResizeError{Reason: "Unable to terminate instance."}
	}
	return nil
}

// startIfShutdown starts vm unless it already runs.
func (o *Ops) startIfShutdown(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref) error {
	down, err := o.isShutdown(ctx, vm)
	if err != nil {
		return err
	}
	if !down {
		return nil
	}
	return o.start(ctx, inst, vm, nil)
}

// applyOrigName renames vm out of the way of the resized VM, which may
// land on the same host, and locks it against starting until the resize
// is confirmed or reverted.
func (o *Ops) applyOrigName(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref) error {
	if err := o.session.SetNameLabel(ctx, vm, naming.OrigName(inst.Name)); err != nil {
		return fmt.Errorf("failed to rename VM: %w", err)
	}
	if err := o.acquireBootlock(ctx, vm); err != nil {
		if rerr := o.session.SetNameLabel(context.WithoutCancel(ctx), vm, inst.Name); rerr != nil {
			o.logFor(inst).Error(rerr, "failed to restore VM name")
		}
		return err
	}
	return nil
}

// restoreOrigVMAndCleanupOrphan puts the -orig VM back under its own name,
// destroying a VM that took the name meanwhile, and starts it when powerOn
// is set and it is shut down. When no -orig VM exists the VM was never
// renamed and is used as is.
func (o *Ops) restoreOrigVMAndCleanupOrphan(ctx context.Context, inst *v1alpha1.Instance, bdi *v1alpha1.BlockDeviceInfo, powerOn bool) error {
	log := o.logFor(inst)

	orig, hasOrig, err := o.lookup(ctx, naming.OrigName(inst.Name))
	if err != nil {
		return err
	}
	current, hasCurrent, err := o.lookup(ctx, inst.Name)
	if err != nil {
		return err
	}

	var vm hypervisor.Ref
	switch {
	case hasOrig:
		if hasCurrent {
			// A resize to the same host left its half-built VM behind.
			log.Info("destroying VM that conflicts with the original", "vm", string(current))
			if err := o.teardown(ctx, inst, current, nil, true); err != nil {
				return err
			}
		}
		if err := o.session.SetNameLabel(ctx, orig, inst.Name); err != nil {
			return fmt.Errorf("failed to restore VM name: %w", err)
		}
		if err := o.attachMappedBlockDevices(ctx, inst, bdi, inst.Name, ""); err != nil {
			return err
		}
		vm = orig
	case hasCurrent:
		vm = current
	default:
		return jujuerrors.NotFoundf("VM for instance %s", inst.UUID())
	}

	if err := o.releaseBootlock(ctx, vm); err != nil {
		return err
	}

	if !powerOn {
		return nil
	}
	return o.startIfShutdown(ctx, inst, vm)
}

package vm

import (
	"context"
	"fmt"
	"time"

	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// Keys recorded in MigrateData.Params by LiveMigrate.
const (
	migrateParamKernel   = "kernel-file"
	migrateParamRamdisk  = "ramdisk-file"
	migrateParamHostUUID = "host-uuid"
)

// DestCheckData is what the destination of a live migration hands to the
// source after its pre-check.
type DestCheckData struct {
	BlockMigration bool
	// MigrateData is set for block migrations.
	MigrateData *hypervisor.MigrateData
}

// PostMigrateFunc runs on the source after the VM has moved.
type PostMigrateFunc func(ctx context.Context, inst *v1alpha1.Instance, dest string, blockMigration bool, data *hypervisor.MigrateData) error

// RecoverMigrateFunc runs on the source when a live migration failed.
type RecoverMigrateFunc func(ctx context.Context, inst *v1alpha1.Instance, dest string, blockMigration bool)

// hostUUIDFromAggregate finds host in the live-migration pool of this host.
func (o *Ops) hostUUIDFromAggregate(host string) (string, error) {
	if len(o.opts.Aggregate) == 0 {
		return "", &MigrationPreCheckError{Reason: fmt.Sprintf("no aggregate found for host %s", o.opts.Host)}
	}
	id, ok := o.opts.HostUUID(host)
	if !ok {
		return "", &MigrationPreCheckError{
			Reason: fmt.Sprintf("Destination host:%s must be in the same aggregate as the source server", host),
		}
	}
	return id, nil
}

// CheckCanLiveMigrateDestination runs on the destination. A block migration
// prepares this host to receive the disks; otherwise the source host must
// share the aggregate of this host.
func (o *Ops) CheckCanLiveMigrateDestination(ctx context.Context, inst *v1alpha1.Instance, blockMigration bool) (DestCheckData, error) {
	if !blockMigration {
		if _, err := o.hostUUIDFromAggregate(inst.Spec.Host); err != nil {
			return DestCheckData{}, err
		}
		return DestCheckData{}, nil
	}

	data, err := o.migrator.MigrateReceive(ctx, o.opts.Host)
	if err != nil {
		o.logFor(inst).Error(err, "migrate receive failed")
		return DestCheckData{}, &MigrationPreCheckError{Reason: "Migrate Receive failed"}
	}
	return DestCheckData{BlockMigration: true, MigrateData: &data}, nil
}

// CheckCanLiveMigrateSource runs on the source with the result of the
// destination check.
func (o *Ops) CheckCanLiveMigrateSource(ctx context.Context, inst *v1alpha1.Instance, dest DestCheckData) (DestCheckData, error) {
	log := o.logFor(inst)
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return dest, err
	}

	iscsi, err := o.migrator.ISCSIVolumes(ctx, vm)
	if err != nil {
		return dest, fmt.Errorf("failed to list iSCSI volumes: %w", err)
	}
	if len(iscsi) > 0 {
		relaxed, err := o.migrator.RelaxedSRCheck(ctx)
		if err != nil {
			log.Error(err, "failed to read relaxed SR check setting")
			relaxed = false
		}
		if !relaxed {
			return dest, &MigrationError{Reason: "relaxed SR check support is required to migrate iSCSI volumes"}
		}
	}

	if dest.MigrateData != nil {
		if err := o.migrator.AssertCanMigrate(ctx, vm, *dest.MigrateData); err != nil {
			f, ok := hypervisor.AsFailure(err)
			if !ok {
				return dest, fmt.Errorf("failed to check migration: %w", err)
			}
			msg := fmt.Sprintf("assert_can_migrate failed because: %s", f.Code)
			log.V(1).Info(msg, "error", err.Error())
			return dest, &MigrationPreCheckError{Reason: msg}
		}
	}
	return dest, nil
}

// LiveMigrate moves the running VM of inst to dest. post runs after the
// move; recoverFn runs when anything, post included, failed.
func (o *Ops) LiveMigrate(ctx context.Context, inst *v1alpha1.Instance, dest string, post PostMigrateFunc, recoverFn RecoverMigrateFunc, blockMigration bool, data *hypervisor.MigrateData) (err error) {
	defer observe("live-migrate", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateMigrating); err != nil {
		return err
	}

	o.setState(ctx, inst, v1alpha1.StateMigrating)
	err = o.liveMigrate(ctx, inst, dest, post, blockMigration, data)
	if err != nil {
		o.logFor(inst).Error(err, "live migration failed")
		if recoverFn != nil {
			recoverFn(context.WithoutCancel(ctx), inst, dest, blockMigration)
		}
		o.setState(ctx, inst, v1alpha1.StateRunning)
		return err
	}
	return nil
}

func (o *Ops) liveMigrate(ctx context.Context, inst *v1alpha1.Instance, dest string, post PostMigrateFunc, blockMigration bool, data *hypervisor.MigrateData) error {
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}

	if data != nil {
		rec, err := o.session.GetRecord(ctx, vm)
		if err != nil {
			return fmt.Errorf("failed to get VM record: %w", err)
		}
		if data.Params == nil {
			data.Params = make(map[string]string)
		}
		data.Params[migrateParamKernel] = rec.Kernel
		data.Params[migrateParamRamdisk] = rec.Ramdisk
	}

	if blockMigration {
		if data == nil {
			return jujuerrors.NotValidf("block migration without migrate data from destination")
		}
		iscsi, err := o.migrator.ISCSIVolumes(ctx, vm)
		if err != nil {
			return fmt.Errorf("failed to list iSCSI volumes: %w", err)
		}
		if err := o.migrator.MigrateSend(ctx, vm, *data); err != nil {
			return &MigrationError{Reason: "Migrate Send failed", Err: err}
		}
		for _, sr := range iscsi {
			if err := o.volumes.ForgetSR(ctx, sr); err != nil {
				return fmt.Errorf("failed to forget SR %s: %w", sr, err)
			}
		}
	} else {
		hostUUID, err := o.hostUUIDFromAggregate(dest)
		if err != nil {
			return err
		}
		md := hypervisor.MigrateData{
			DestinationHost: dest,
			DestinationURI:  o.opts.MigrationURI(dest),
			Params:          map[string]string{migrateParamHostUUID: hostUUID},
		}
		if err := o.migrator.PoolMigrate(ctx, vm, md); err != nil {
			return &MigrationError{Reason: "pool migrate failed", Err: err}
		}
	}

	if post != nil {
		return post(ctx, inst, dest, blockMigration, data)
	}
	return nil
}

// PostLiveMigration cleans the source host after the VM has left: the
// boot files recorded by LiveMigrate are removed.
func (o *Ops) PostLiveMigration(ctx context.Context, inst *v1alpha1.Instance, data *hypervisor.MigrateData) error {
	if data == nil {
		return nil
	}
	kernel, ramdisk := data.Params[migrateParamKernel], data.Params[migrateParamRamdisk]
	if kernel == "" && ramdisk == "" {
		return nil
	}
	if err := o.disks.DestroyKernelRamdisk(ctx, kernel, ramdisk); err != nil {
		return fmt.Errorf("failed to destroy kernel/ramdisk: %w", err)
	}
	return nil
}

// PostLiveMigrationAtDestination finishes a live migration on the
// destination. Filters and boot files are set up again before block
// migration leftovers are cleared from the disks.
func (o *Ops) PostLiveMigrationAtDestination(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) (err error) {
	defer observe("post-live-migration-at-destination", time.Now(), &err)

	if err := o.prepareInstanceFilter(ctx, inst, network); err != nil {
		return err
	}
	if err := o.firewall.ApplyInstanceFilter(ctx, inst, network); err != nil {
		return fmt.Errorf("failed to apply instance filter: %w", err)
	}
	if inst.Spec.KernelID != "" || inst.Spec.RamdiskID != "" {
		if _, _, err := o.disks.CreateKernelRamdisk(ctx, inst, inst.Name); err != nil {
			return fmt.Errorf("failed to create kernel/ramdisk: %w", err)
		}
	}

	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if err := o.migrator.StripBaseMirror(ctx, vm); err != nil {
		return fmt.Errorf("failed to strip base mirror: %w", err)
	}
	o.setState(ctx, inst, v1alpha1.StateRunning)
	return nil
}

package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
	"github.com/jbweber/crucible/internal/pipeline"
	"github.com/jbweber/crucible/internal/progress"
	"github.com/jbweber/crucible/internal/undo"
)

// FinishMigrationRequest describes the destination half of a resize.
type FinishMigrationRequest struct {
	Instance *v1alpha1.Instance
	// Network defaults to Instance.Spec.Network.
	Network v1alpha1.NetworkInfo
	// BlockDevices defaults to Instance.Spec.BlockDevices.
	BlockDevices *v1alpha1.BlockDeviceInfo
	// ResizeInstance grows the imported disks to the instance flavor.
	ResizeInstance bool
	PowerOn        bool
}

// FinishMigration builds the VM from the disks a resize staged on this
// host. Guest configuration is not repeated and mapped volumes are
// attached before boot.
func (o *Ops) FinishMigration(ctx context.Context, req FinishMigrationRequest) (err error) {
	defer observe("finish-migration", time.Now(), &err)

	inst := req.Instance
	target := v1alpha1.StateStopped
	if req.PowerOn {
		target = v1alpha1.StateRunning
	}
	if err := checkState(inst, target); err != nil {
		return err
	}
	log := o.logFor(inst)

	network := req.Network
	if network == nil {
		network = inst.Spec.Network
	}
	bdi := req.BlockDevices
	if bdi == nil {
		bdi = inst.Spec.BlockDevices
	}

	// A root disk mapped to a volume is connected rather than imported.
	rootMount := bdi.RootDeviceNameOr(o.opts.DefaultRootDevice)
	var rootVolume *v1alpha1.BlockDeviceMapping
	for _, m := range bdi.Mappings() {
		if m.MountDevice == rootMount {
			rootVolume = &m
			break
		}
	}

	sp := &spawnParams{
		kind:      pipeline.KindFinishMigration,
		inst:      inst,
		network:   network,
		bdi:       bdi,
		nameLabel: inst.Name,
		firstBoot: false,
		powerOn:   req.PowerOn,
		resize:    req.ResizeInstance,
		counted:   false,
		tracker:   progress.New(o.updateProgress(inst), 0),
	}
	if rootVolume != nil {
		sp.skipMount = rootVolume.MountDevice
	}

	sp.createDisks = func(ctx context.Context, ledger *undo.Ledger, _ hypervisor.ImageType) (hypervisor.DiskSet, error) {
		disks, err := o.disks.ImportMigratedDisks(ctx, inst, rootVolume == nil)
		if err != nil {
			return hypervisor.DiskSet{}, fmt.Errorf("failed to import migrated disks: %w", err)
		}
		owned := disks.Owned()
		ledger.Register("destroy-migrated-disks", func(ctx context.Context) error {
			return o.safeDestroyDisks(ctx, log, owned)
		})

		if rootVolume != nil {
			sr, root, err := o.volumes.ConnectVolume(ctx, rootVolume.ConnectionInfo)
			if err != nil {
				return hypervisor.DiskSet{}, fmt.Errorf("failed to connect root volume: %w", err)
			}
			ledger.Register("forget-root-sr", func(ctx context.Context) error {
				return o.volumes.ForgetSR(ctx, sr)
			})
			root.OSVolume = true
			disks.Root = &root
		}
		return disks, nil
	}

	if err := o.ensureSpawnable(ctx, inst, sp.nameLabel); err != nil {
		return err
	}
	if err := o.spawn(ctx, sp); err != nil {
		o.markFault(ctx, inst, "finish-migration", err)
		return err
	}
	sp.tracker.Set(ctx, resizeTotalSteps, resizeTotalSteps)

	o.setState(ctx, inst, target)
	return nil
}

// FinishRevertMigration brings the source VM of a resize back.
func (o *Ops) FinishRevertMigration(ctx context.Context, inst *v1alpha1.Instance, bdi *v1alpha1.BlockDeviceInfo, powerOn bool) (err error) {
	defer observe("finish-revert-migration", time.Now(), &err)
	target := v1alpha1.StateStopped
	if powerOn {
		target = v1alpha1.StateRunning
	}
	if err := checkState(inst, target); err != nil {
		return err
	}
	if bdi == nil {
		bdi = inst.Spec.BlockDevices
	}
	if err := o.restoreOrigVMAndCleanupOrphan(ctx, inst, bdi, powerOn); err != nil {
		return err
	}
	o.setState(ctx, inst, target)
	return nil
}

// ConfirmMigration destroys the source VM of a finished resize. When the
// resized VM runs on this same host its interfaces stay plugged.
func (o *Ops) ConfirmMigration(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) (err error) {
	defer observe("confirm-migration", time.Now(), &err)

	orig, ok, err := o.lookup(ctx, naming.OrigName(inst.Name))
	if err != nil {
		return err
	}
	if !ok {
		orig = ""
	}

	_, local, err := o.lookup(ctx, inst.Name)
	if err != nil {
		return err
	}
	if local {
		network = nil
	}
	return o.teardown(ctx, inst, orig, network, true)
}

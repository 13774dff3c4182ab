package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
	"github.com/jbweber/crucible/internal/pipeline"
)

// RescueRequest describes a rescue of an existing instance.
type RescueRequest struct {
	Instance *v1alpha1.Instance
	// Network defaults to Instance.Spec.Network.
	Network v1alpha1.NetworkInfo
	// Image boots the rescue VM. The instance image is used when ID is empty.
	Image         v1alpha1.ImageMeta
	AdminPassword string
}

// Rescue boots a rescue VM next to the VM of the instance, with the
// original root disk attached as a secondary disk. The original VM is shut
// down and locked against starting until Unrescue.
func (o *Ops) Rescue(ctx context.Context, req RescueRequest) (err error) {
	defer observe("rescue", time.Now(), &err)

	inst := req.Instance
	if err := checkState(inst, v1alpha1.StateRescued); err != nil {
		return err
	}
	log := o.logFor(inst)
	rescueName := naming.RescueName(inst.Name)

	if _, exists, err := o.lookup(ctx, rescueName); err != nil {
		return err
	} else if exists {
		return &ValidationError{Reason: fmt.Sprintf("instance is already in rescue mode: %s", inst.Name)}
	}

	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	before, err := o.session.PowerState(ctx, vm)
	if err != nil {
		return fmt.Errorf("failed to get power state: %w", err)
	}

	o.hardShutdown(ctx, log, vm)
	if err := o.acquireBootlock(ctx, vm); err != nil {
		return err
	}

	network := req.Network
	if network == nil {
		network = inst.Spec.Network
	}

	// The rescue VM boots from its own image; everything else follows the
	// instance.
	rescued := *inst
	if req.Image.ID != "" {
		rescued.Spec.Image = req.Image
	}

	sp := &spawnParams{
		kind:          pipeline.KindRescue,
		inst:          &rescued,
		network:       network,
		nameLabel:     rescueName,
		adminPassword: req.AdminPassword,
		rescue:        true,
		firstBoot:     true,
		powerOn:       true,
		counted:       true,
		origVM:        vm,
	}

	err = o.ensureSpawnable(ctx, &rescued, rescueName)
	if err == nil {
		err = o.spawn(ctx, sp)
	}
	inst.Status.Progress = rescued.Status.Progress
	if err != nil {
		o.recoverFailedRescue(ctx, inst, vm, before)
		o.markFault(ctx, inst, "rescue", err)
		return err
	}

	o.setState(ctx, inst, v1alpha1.StateRescued)
	return nil
}

// recoverFailedRescue releases the original VM and brings it back to the
// power state it had before the rescue started.
func (o *Ops) recoverFailedRescue(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref, before hypervisor.PowerState) {
	log := o.logFor(inst)
	ctx = context.WithoutCancel(ctx)
	if err := o.releaseBootlock(ctx, vm); err != nil {
		log.Error(err, "failed to release bootlock after failed rescue")
		return
	}
	if before != hypervisor.Running {
		return
	}
	if err := o.start(ctx, inst, vm, nil); err != nil {
		log.Error(err, "failed to restart instance after failed rescue")
	}
}

// Unrescue destroys the rescue VM, keeping the original root disk, and
// starts the original VM again.
func (o *Ops) Unrescue(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("unrescue", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateRunning); err != nil {
		return err
	}
	log := o.logFor(inst)

	rescueVM, ok, err := o.lookup(ctx, naming.RescueName(inst.Name))
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("instance is not in rescue mode: %s", inst.Name)}
	}

	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}

	if err := o.destroyRescueInstance(ctx, log, rescueVM, vm); err != nil {
		return err
	}
	if err := o.releaseBootlock(ctx, vm); err != nil {
		return err
	}
	if err := o.start(ctx, inst, vm, nil); err != nil {
		return err
	}
	o.setState(ctx, inst, v1alpha1.StateRunning)
	return nil
}

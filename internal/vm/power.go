package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// RebootType selects how a reboot is performed.
type RebootType int

// Reboot types.
const (
	RebootSoft RebootType = iota
	RebootHard
)

// taskRebooting marks an instance with a reboot in flight.
const taskRebooting = "rebooting"

// BadVolumesCallback is told which devices were detached because their
// volume was unreachable, so the caller can update its own records.
type BadVolumesCallback func(ctx context.Context, devices []string)

// rebootRecovery decides whether a failed reboot can be recovered by
// starting the VM: it can when the VM turned out to be halted, or when the
// reboot tripped over an unreachable volume.
func rebootRecovery(err error) (start bool, reason string) {
	f, ok := hypervisor.AsFailure(err)
	if !ok {
		return false, ""
	}
	switch {
	case f.Code == hypervisor.CodeBadPowerState && f.LastDetail() == string(hypervisor.Halted):
		return true, "starting halted instance found during reboot"
	case f.Code == hypervisor.CodeSRBackendFailure46:
		return true, "reboot failed due to bad volumes, detaching bad volumes and starting halted instance"
	default:
		return false, ""
	}
}

// Reboot reboots the VM of inst, or its rescue VM when one exists.
func (o *Ops) Reboot(ctx context.Context, inst *v1alpha1.Instance, rebootType RebootType, cb BadVolumesCallback) (err error) {
	defer observe("reboot", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateRunning); err != nil {
		return err
	}
	log := o.logFor(inst)

	vm, err := o.vmRefCheckRescue(ctx, inst)
	if err != nil {
		return err
	}

	o.updateInstance(ctx, inst, map[string]any{
		"task_state":        taskRebooting,
		"reboot_started_at": o.clock.Now().UTC().Format(time.RFC3339),
	})

	if rebootType == RebootHard {
		err = o.session.HardReboot(ctx, vm)
	} else {
		err = o.session.CleanReboot(ctx, vm)
	}
	if err != nil {
		start, reason := rebootRecovery(err)
		if !start {
			return fmt.Errorf("failed to reboot: %w", err)
		}
		log.Info(reason, "error", err.Error())
		if err := o.start(ctx, inst, vm, cb); err != nil {
			return err
		}
	}

	o.updateInstance(ctx, inst, map[string]any{"task_state": nil, "reboot_started_at": nil})
	o.setState(ctx, inst, v1alpha1.StateRunning)
	return nil
}

// PollRebootingInstances hard reboots instances whose reboot has not
// finished within timeout. The caller selects the instances.
func (o *Ops) PollRebootingInstances(ctx context.Context, timeout time.Duration, instances []*v1alpha1.Instance) error {
	if len(instances) == 0 {
		return nil
	}
	o.log.Info("found instances stuck rebooting", "count", len(instances), "timeout", timeout)

	var errs []error
	for _, inst := range instances {
		o.logFor(inst).Info("automatically hard rebooting")
		if err := o.Reboot(ctx, inst, RebootHard, nil); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.UUID(), err))
		}
	}
	return errors.Join(errs...)
}

// start powers on vm. When cb is set, devices with unreachable volumes are
// detached first and reported to cb after the start.
func (o *Ops) start(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref, cb BadVolumesCallback) error {
	log := o.logFor(inst)
	log.V(1).Info("starting instance")

	var bad []string
	if cb != nil {
		devices, err := o.volumes.FindBadVolumes(ctx, vm)
		if err != nil {
			return fmt.Errorf("failed to scan for bad volumes: %w", err)
		}
		for _, dev := range devices {
			log.Info("detaching unreachable volume", "device", dev)
			if err := o.volumes.DetachVolume(ctx, inst.Name, dev); err != nil {
				return fmt.Errorf("failed to detach bad volume %s: %w", dev, err)
			}
		}
		bad = devices
	}

	if err := o.session.Start(ctx, vm); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}

	if cb != nil && len(bad) > 0 {
		cb(ctx, bad)
	}
	return nil
}

// waitForRunning polls until vm runs. Running out of time is not an
// error; the caller sees the state through later queries.
func (o *Ops) waitForRunning(ctx context.Context, log logr.Logger, vm hypervisor.Ref) error {
	log.V(1).Info("waiting for instance state to become running")
	deadline := o.clock.Now().Add(o.opts.RunningTimeout)
	for o.clock.Now().Before(deadline) {
		state, err := o.session.PowerState(ctx, vm)
		if err != nil {
			return fmt.Errorf("failed to get power state: %w", err)
		}
		if state == hypervisor.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(o.opts.PollInterval):
		}
	}
	log.Info("instance did not reach running state in time", "timeout", o.opts.RunningTimeout.String())
	return nil
}

func (o *Ops) isShutdown(ctx context.Context, vm hypervisor.Ref) (bool, error) {
	state, err := o.session.PowerState(ctx, vm)
	if err != nil {
		return false, fmt.Errorf("failed to get power state: %w", err)
	}
	return state == hypervisor.Halted, nil
}

// cleanShutdown asks the guest to shut down and waits up to timeout. It
// reports whether the VM is halted.
func (o *Ops) cleanShutdown(ctx context.Context, log logr.Logger, vm hypervisor.Ref, timeout time.Duration) bool {
	down, err := o.isShutdown(ctx, vm)
	if err == nil && down {
		log.Info("VM already halted, skipping shutdown", "warning", true)
		return true
	}

	log.V(1).Info("shutting down VM (cleanly)")
	if err := o.session.CleanShutdown(ctx, vm); err != nil {
		log.Error(err, "shutting down VM (cleanly) failed")
		return false
	}

	deadline := o.clock.Now().Add(timeout)
	for o.clock.Now().Before(deadline) {
		if down, err := o.isShutdown(ctx, vm); err == nil && down {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-o.clock.After(o.opts.PollInterval):
		}
	}
	log.Info("clean shutdown did not complete in time", "timeout", timeout.String())
	return false
}

// hardShutdown forces vm off. It reports whether the VM is halted.
func (o *Ops) hardShutdown(ctx context.Context, log logr.Logger, vm hypervisor.Ref) bool {
	down, err := o.isShutdown(ctx, vm)
	if err == nil && down {
		log.Info("VM already halted, skipping shutdown", "warning", true)
		return true
	}

	log.V(1).Info("shutting down VM (hard)")
	if err := o.session.HardShutdown(ctx, vm); err != nil {
		log.Error(err, "shutting down VM (hard) failed")
		return false
	}
	return true
}

// PowerOn starts the VM of inst.
func (o *Ops) PowerOn(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("power-on", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateRunning); err != nil {
		return err
	}
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if err := o.start(ctx, inst, vm, nil); err != nil {
		return err
	}
	o.setState(ctx, inst, v1alpha1.StateRunning)
	return nil
}

// PowerOff stops the VM of inst. With a positive timeout the guest is
// asked to shut down first; a forced shutdown follows if it does not.
func (o *Ops) PowerOff(ctx context.Context, inst *v1alpha1.Instance, timeout time.Duration) (err error) {
	defer observe("power-off", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateStopped); err != nil {
		return err
	}
	log := o.logFor(inst)
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}

	if timeout > 0 {
		if o.cleanShutdown(ctx, log, vm, timeout) {
			o.setState(ctx, inst, v1alpha1.StateStopped)
			return nil
		}
	}

	if !o.hardShutdown(ctx, log, vm) {
		return fmt.Errorf("failed to power off instance %s", inst.UUID())
	}
	o.setState(ctx, inst, v1alpha1.StateStopped)
	return nil
}

// Pause pauses the VM of inst.
func (o *Ops) Pause(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("pause", time.Now(), &err)
	return o.simplePowerOp(ctx, inst, v1alpha1.StatePaused, o.session.Pause, "pause")
}

// Unpause resumes a paused VM.
func (o *Ops) Unpause(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("unpause", time.Now(), &err)
	return o.simplePowerOp(ctx, inst, v1alpha1.StateRunning, o.session.Unpause, "unpause")
}

// Suspend saves the VM of inst to disk and takes the bootlock so that the
// suspended VM is not started from scratch.
func (o *Ops) Suspend(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("suspend", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateSuspended); err != nil {
		return err
	}
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if err := o.acquireBootlock(ctx, vm); err != nil {
		return err
	}
	if err := o.session.Suspend(ctx, vm); err != nil {
		if rerr := o.releaseBootlock(context.WithoutCancel(ctx), vm); rerr != nil {
			o.logFor(inst).Error(rerr, "releasing bootlock after failed suspend")
		}
		return fmt.Errorf("failed to suspend: %w", err)
	}
	o.setState(ctx, inst, v1alpha1.StateSuspended)
	return nil
}

// Resume releases the bootlock and resumes a suspended VM.
func (o *Ops) Resume(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("resume", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateRunning); err != nil {
		return err
	}
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if err := o.releaseBootlock(ctx, vm); err != nil {
		return err
	}
	if err := o.session.Resume(ctx, vm); err != nil {
		return fmt.Errorf("failed to resume: %w", err)
	}
	o.setState(ctx, inst, v1alpha1.StateRunning)
	return nil
}

// SoftDelete powers the VM off and takes the bootlock, keeping it for a
// later Restore.
func (o *Ops) SoftDelete(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("soft-delete", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateSoftDeleted); err != nil {
		return err
	}
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if !o.hardShutdown(ctx, o.logFor(inst), vm) {
		return fmt.Errorf("failed to power off instance %s", inst.UUID())
	}
	if err := o.acquireBootlock(ctx, vm); err != nil {
		return err
	}
	o.setState(ctx, inst, v1alpha1.StateSoftDeleted)
	return nil
}

// Restore releases the bootlock of a soft-deleted VM and starts it.
func (o *Ops) Restore(ctx context.Context, inst *v1alpha1.Instance) (err error) {
	defer observe("restore", time.Now(), &err)
	if err := checkState(inst, v1alpha1.StateRunning); err != nil {
		return err
	}
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
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

// SetBootable allows or prevents starting the VM of inst.
func (o *Ops) SetBootable(ctx context.Context, inst *v1alpha1.Instance, bootable bool) error {
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if bootable {
		return o.releaseBootlock(ctx, vm)
	}
	return o.acquireBootlock(ctx, vm)
}

func (o *Ops) simplePowerOp(ctx context.Context, inst *v1alpha1.Instance, to v1alpha1.InstanceState,
	call func(context.Context, hypervisor.Ref) error, name string) error {
	if err := checkState(inst, to); err != nil {
		return err
	}
	vm, err := o.vmRef(ctx, inst)
	if err != nil {
		return err
	}
	if err := call(ctx, vm); err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	o.setState(ctx, inst, to)
	return nil
}

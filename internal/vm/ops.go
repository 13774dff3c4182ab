package vm

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
	"github.com/jbweber/crucible/internal/progress"
	"github.com/jbweber/crucible/internal/status"
)

// Device slots used when attaching disks.
const (
	deviceRoot        = 0
	deviceRescue      = 1
	deviceCD          = 1
	deviceSwap        = 2
	deviceConfigDrive = 3
	deviceEphemeral   = 4
)

// resizeTotalSteps is the progress total of a resize, including the
// zeroing report made before the pipeline starts.
const resizeTotalSteps = 5

// Deps are the collaborators of Ops.
type Deps struct {
	Session  Session
	Disks    DiskHelper
	VIFs     VIFDriver
	Firewall Firewall
	Agents   AgentFactory
	Volumes  VolumeOps
	Store    InstanceStore
	Uploader ImageUploader
	Migrator Migrator
	Log      logr.Logger
	// Clock drives the power state poll loops. Defaults to the wall clock.
	Clock clock.Clock
}

// Ops drives VM lifecycle operations.
type Ops struct {
	session  Session
	disks    DiskHelper
	vifs     VIFDriver
	firewall Firewall
	agents   AgentFactory
	volumes  VolumeOps
	store    InstanceStore
	uploader ImageUploader
	migrator Migrator

	opts  config.Options
	log   logr.Logger
	clock clock.Clock

	// paramLocks serializes param store writers per instance UUID.
	paramLocks *kmutex.Kmutex
}

// New creates Ops.
func New(deps Deps, opts *config.Options) *Ops {
	clk := deps.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Ops{
		session:    deps.Session,
		disks:      deps.Disks,
		vifs:       deps.VIFs,
		firewall:   deps.Firewall,
		agents:     deps.Agents,
		volumes:    deps.Volumes,
		store:      deps.Store,
		uploader:   deps.Uploader,
		migrator:   deps.Migrator,
		opts:       *opts,
		log:        deps.Log,
		clock:      clk,
		paramLocks: kmutex.New(),
	}
}

func (o *Ops) logFor(inst *v1alpha1.Instance) logr.Logger {
	return o.log.WithValues("instance", inst.UUID(), "name", inst.Name)
}

// lookup resolves a name label, returning ok=false when absent.
func (o *Ops) lookup(ctx context.Context, name string) (hypervisor.Ref, bool, error) {
	ref, ok, err := o.session.Lookup(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up VM %s: %w", name, err)
	}
	return ref, ok, nil
}

// vmRef resolves the VM of inst or returns a NotFound error.
func (o *Ops) vmRef(ctx context.Context, inst *v1alpha1.Instance) (hypervisor.Ref, error) {
	ref, ok, err := o.lookup(ctx, inst.Name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", jujuerrors.NotFoundf("VM for instance %s", inst.UUID())
	}
	return ref, nil
}

// vmRefCheckRescue prefers the rescue VM of inst when one exists.
func (o *Ops) vmRefCheckRescue(ctx context.Context, inst *v1alpha1.Instance) (hypervisor.Ref, error) {
	ref, ok, err := o.lookup(ctx, naming.RescueName(inst.Name))
	if err != nil {
		return "", err
	}
	if ok {
		return ref, nil
	}
	return o.vmRef(ctx, inst)
}

// updateProgress persists the progress percentage of inst.
func (o *Ops) updateProgress(inst *v1alpha1.Instance) progress.EmitFunc {
	return func(ctx context.Context, pct int) {
		inst.Status.Progress = pct
		o.updateInstance(ctx, inst, map[string]any{"progress": pct})
	}
}

// updateInstance writes fields to the instance store. Store failures are
// logged; the operation itself has already happened.
func (o *Ops) updateInstance(ctx context.Context, inst *v1alpha1.Instance, fields map[string]any) {
	if o.store == nil {
		return
	}
	if err := o.store.Update(ctx, inst.UUID(), fields); err != nil {
		o.logFor(inst).Error(err, "failed to update instance record", "fields", fields)
	}
}

// checkState refuses an operation the state machine does not allow.
func checkState(inst *v1alpha1.Instance, to v1alpha1.InstanceState) error {
	return status.Check(inst, to)
}

// setState records a state reached by a completed operation. Untracked
// instances stay untracked.
func (o *Ops) setState(ctx context.Context, inst *v1alpha1.Instance, to v1alpha1.InstanceState) {
	if inst.Status.State == "" {
		return
	}
	if err := status.Transition(inst, to); err != nil {
		o.logFor(inst).Error(err, "unexpected state transition")
		return
	}
	o.updateInstance(ctx, inst, map[string]any{"vm_state": string(to)})
}

// markFault records a failed operation on inst.
func (o *Ops) markFault(ctx context.Context, inst *v1alpha1.Instance, operation string, err error) {
	status.MarkFault(inst, operation, err)
	o.updateInstance(ctx, inst, map[string]any{"fault": err.Error()})
}

// stateFor is the resting state of a VM in the given power state.
func stateFor(ps hypervisor.PowerState) v1alpha1.InstanceState {
	switch ps {
	case hypervisor.Running:
		return v1alpha1.StateRunning
	case hypervisor.Paused:
		return v1alpha1.StatePaused
	case hypervisor.Suspended:
		return v1alpha1.StateSuspended
	default:
		return v1alpha1.StateStopped
	}
}

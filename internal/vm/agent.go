package vm

import (
	"context"
	"fmt"

	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// agentFor returns the agent of the VM of inst, or a NotSupported error
// when the agent is disabled for it.
func (o *Ops) agentFor(ctx context.Context, inst *v1alpha1.Instance, checkRescue bool) (Agent, hypervisor.Ref, error) {
	if !o.agentEnabled(inst) {
		return nil, "", jujuerrors.NotSupportedf("guest agent for instance %s", inst.UUID())
	}
	var (
		vm  hypervisor.Ref
		err error
	)
	if checkRescue {
		vm, err = o.vmRefCheckRescue(ctx, inst)
	} else {
		vm, err = o.vmRef(ctx, inst)
	}
	if err != nil {
		return nil, "", err
	}
	return o.agents.AgentFor(inst, vm), vm, nil
}

// SetAdminPassword changes the administrator password in the guest.
func (o *Ops) SetAdminPassword(ctx context.Context, inst *v1alpha1.Instance, password string) error {
	agent, _, err := o.agentFor(ctx, inst, false)
	if err != nil {
		return err
	}
	if err := agent.SetAdminPassword(ctx, password); err != nil {
		return fmt.Errorf("failed to set admin password: %w", err)
	}
	return nil
}

// InjectFile writes a file into the guest.
func (o *Ops) InjectFile(ctx context.Context, inst *v1alpha1.Instance, path string, contents []byte) error {
	agent, _, err := o.agentFor(ctx, inst, false)
	if err != nil {
		return err
	}
	if err := agent.InjectFile(ctx, path, contents); err != nil {
		return fmt.Errorf("failed to inject file %s: %w", path, err)
	}
	return nil
}

// ResetNetwork makes the guest reconfigure its network from the param
// store. With rescue set the rescue VM is targeted when it exists.
func (o *Ops) ResetNetwork(ctx context.Context, inst *v1alpha1.Instance, rescue bool) error {
	agent, vm, err := o.agentFor(ctx, inst, rescue)
	if err != nil {
		return err
	}
	if err := o.injectHostname(ctx, inst, vm, rescue); err != nil {
		return err
	}
	if err := agent.ResetNetwork(ctx); err != nil {
		return fmt.Errorf("failed to reset network: %w", err)
	}
	return o.removeHostname(ctx, inst, vm)
}

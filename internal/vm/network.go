package vm

import (
	"context"
	"fmt"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// PlugVIFs prepares the host side of every VIF of inst.
func (o *Ops) PlugVIFs(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	for device, vif := range network {
		if _, err := o.vifs.Plug(ctx, inst, vif, "", device); err != nil {
			return fmt.Errorf("failed to plug vif %s: %w", vif.ID, err)
		}
	}
	return nil
}

// UnplugVIFs removes the host side of every VIF of inst.
func (o *Ops) UnplugVIFs(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	for _, vif := range network {
		if err := o.vifs.Unplug(ctx, inst, vif); err != nil {
			return fmt.Errorf("failed to unplug vif %s: %w", vif.ID, err)
		}
	}
	return nil
}

// UnfilterInstance removes the traffic filters of inst.
func (o *Ops) UnfilterInstance(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	if err := o.firewall.UnfilterInstance(ctx, inst, network); err != nil {
		return fmt.Errorf("failed to unfilter instance: %w", err)
	}
	return nil
}

// RefreshSecurityGroupRules reloads the rules of a security group.
func (o *Ops) RefreshSecurityGroupRules(ctx context.Context, groupID string) error {
	if err := o.firewall.RefreshSecurityGroupRules(ctx, groupID); err != nil {
		return fmt.Errorf("failed to refresh rules of security group %s: %w", groupID, err)
	}
	return nil
}

// RefreshSecurityGroupMembers reloads the member addresses of a security
// group.
func (o *Ops) RefreshSecurityGroupMembers(ctx context.Context, groupID string) error {
	if err := o.firewall.RefreshSecurityGroupMembers(ctx, groupID); err != nil {
		return fmt.Errorf("failed to refresh members of security group %s: %w", groupID, err)
	}
	return nil
}

// RefreshInstanceSecurityRules reapplies the filter of inst.
func (o *Ops) RefreshInstanceSecurityRules(ctx context.Context, inst *v1alpha1.Instance) error {
	if err := o.firewall.RefreshInstanceSecurityRules(ctx, inst); err != nil {
		return fmt.Errorf("failed to refresh instance rules: %w", err)
	}
	return nil
}

// RefreshProviderFWRules reloads the host wide provider rules.
func (o *Ops) RefreshProviderFWRules(ctx context.Context) error {
	if err := o.firewall.RefreshProviderFWRules(ctx); err != nil {
		return fmt.Errorf("failed to refresh provider rules: %w", err)
	}
	return nil
}

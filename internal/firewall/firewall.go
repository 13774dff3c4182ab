// Package firewall applies per-instance traffic filters.
//
// The nwfilter driver defines one libvirt network filter per instance,
// crucible-instance-<uuid>, which every interface of the instance
// references (see vif). It chains to crucible-base, a filter shared by all
// instances that references the clean-traffic filter shipped with libvirt
// and so blocks MAC, IP and ARP spoofing. The addresses an instance may
// use are passed as IP parameters. The base filter also chains to
// crucible-provider for host wide rules, and the instance filter to one
// crucible-sg-<id> filter per security group of the instance. Refreshing a
// group or the provider filter redefines it, which makes libvirt rebuild
// the rules of every interface that references it.
//
// The noop driver filters nothing.
package firewall

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// Driver names.
const (
	DriverNWFilter = "nwfilter"
	DriverNoop     = "noop"
)

// Driver sets up the traffic filters of instances.
type Driver interface {
	SetupBasicFiltering(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	PrepareInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	ApplyInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	UnfilterInstance(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	RefreshSecurityGroupRules(ctx context.Context, groupID string) error
	RefreshSecurityGroupMembers(ctx context.Context, groupID string) error
	RefreshInstanceSecurityRules(ctx context.Context, inst *v1alpha1.Instance) error
	RefreshProviderFWRules(ctx context.Context) error
}

// New returns the driver called name.
func New(name string, client Client, log logr.Logger) (Driver, error) {
	switch name {
	case DriverNWFilter:
		return NewNWFilterDriver(client, log), nil
	case DriverNoop:
		return NoopDriver{}, nil
	default:
		return nil, fmt.Errorf("unknown firewall driver %q", name)
	}
}

// NoopDriver filters nothing.
type NoopDriver struct{}

// SetupBasicFiltering is not supported by the noop driver.
func (NoopDriver) SetupBasicFiltering(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return jujuerrors.NotSupportedf("basic filtering with the noop firewall")
}

func (NoopDriver) PrepareInstanceFilter(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return nil
}

func (NoopDriver) ApplyInstanceFilter(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return nil
}

func (NoopDriver) UnfilterInstance(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return nil
}

func (NoopDriver) RefreshSecurityGroupRules(context.Context, string) error {
	return nil
}

func (NoopDriver) RefreshSecurityGroupMembers(context.Context, string) error {
	return nil
}

func (NoopDriver) RefreshInstanceSecurityRules(context.Context, *v1alpha1.Instance) error {
	return nil
}

func (NoopDriver) RefreshProviderFWRules(context.Context) error {
	return nil
}

package firewall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/naming"
)

// cleanTraffic is the anti-spoofing filter shipped with libvirt.
const cleanTraffic = "clean-traffic"

// Client lists the go-libvirt nwfilter calls this package makes.
// *libvirt.Libvirt satisfies it.
type Client interface {
	NwfilterLookupByName(Name string) (libvirt.Nwfilter, error)
	NwfilterDefineXML(XML string) (libvirt.Nwfilter, error)
	NwfilterUndefine(OptNwfilter libvirt.Nwfilter) error
	NwfilterGetXMLDesc(OptNwfilter libvirt.Nwfilter, Flags uint32) (string, error)
}

// NWFilterDriver filters instance traffic with libvirt network filters.
type NWFilterDriver struct {
	client Client
	log    logr.Logger
}

// NewNWFilterDriver creates an nwfilter driver.
func NewNWFilterDriver(client Client, log logr.Logger) *NWFilterDriver {
	return &NWFilterDriver{client: client, log: log.WithName("firewall")}
}

// SetupBasicFiltering defines the filter shared by all instances. It
// chains to the provider filter, which is created empty when missing.
func (d *NWFilterDriver) SetupBasicFiltering(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	if err := d.ensure(naming.ProviderFilterName); err != nil {
		return err
	}
	return d.define(&libvirtxml.NWFilter{
		Name:  naming.BaseFilterName,
		Chain: "root",
		Entries: []libvirtxml.NWFilterEntry{
			{Ref: &libvirtxml.NWFilterRef{Filter: cleanTraffic}},
			{Ref: &libvirtxml.NWFilterRef{Filter: naming.ProviderFilterName}},
		},
	})
}

// PrepareInstanceFilter defines the filter of inst. It must exist before
// the interfaces that reference it start.
func (d *NWFilterDriver) PrepareInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	if err := d.ensureGroups(inst); err != nil {
		return err
	}
	if err := d.define(instanceFilter(inst, network)); err != nil {
		return err
	}
	d.log.V(1).Info("prepared instance filter", "instance", inst.UUID())
	return nil
}

// ApplyInstanceFilter redefines the filter of inst. libvirt rebuilds the
// rules of running interfaces that reference it, which picks up address
// changes and filters created on the destination of a live migration.
func (d *NWFilterDriver) ApplyInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	if _, err := d.client.NwfilterLookupByName(naming.BaseFilterName); err != nil {
		if !isNoFilter(err) {
			return fmt.Errorf("failed to look up %s: %w", naming.BaseFilterName, err)
		}
		if err := d.SetupBasicFiltering(ctx, inst, network); err != nil {
			return err
		}
	}
	if err := d.ensureGroups(inst); err != nil {
		return err
	}
	return d.define(instanceFilter(inst, network))
}

// UnfilterInstance removes the filter of inst. A missing filter is not an
// error.
func (d *NWFilterDriver) UnfilterInstance(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	name := naming.InstanceFilterName(inst.UUID())
	f, err := d.client.NwfilterLookupByName(name)
	if err != nil {
		if isNoFilter(err) {
			return nil
		}
		return fmt.Errorf("failed to look up %s: %w", name, err)
	}
	if err := d.client.NwfilterUndefine(f); err != nil && !isNoFilter(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	d.log.V(1).Info("removed instance filter", "instance", inst.UUID())
	return nil
}

// RefreshSecurityGroupRules reloads the filter of a security group so
// libvirt rebuilds the rules of every interface referencing it.
func (d *NWFilterDriver) RefreshSecurityGroupRules(ctx context.Context, groupID string) error {
	return d.reload(naming.SecurityGroupFilterName(groupID))
}

// RefreshSecurityGroupMembers reloads the filter of a security group after
// its member addresses changed.
func (d *NWFilterDriver) RefreshSecurityGroupMembers(ctx context.Context, groupID string) error {
	return d.reload(naming.SecurityGroupFilterName(groupID))
}

// RefreshInstanceSecurityRules redefines the filter of inst from its spec.
func (d *NWFilterDriver) RefreshInstanceSecurityRules(ctx context.Context, inst *v1alpha1.Instance) error {
	return d.ApplyInstanceFilter(ctx, inst, inst.Spec.Network)
}

// RefreshProviderFWRules reloads the host wide provider filter.
func (d *NWFilterDriver) RefreshProviderFWRules(ctx context.Context) error {
	return d.reload(naming.ProviderFilterName)
}

// reload defines the filter called name again from its current XML, or
// creates it empty.
func (d *NWFilterDriver) reload(name string) error {
	existing, err := d.client.NwfilterLookupByName(name)
	if err != nil {
		if !isNoFilter(err) {
			return fmt.Errorf("failed to look up %s: %w", name, err)
		}
		return d.define(&libvirtxml.NWFilter{Name: name, Chain: "root"})
	}
	xml, err := d.client.NwfilterGetXMLDesc(existing, 0)
	if err != nil {
		return fmt.Errorf("failed to get XML of %s: %w", name, err)
	}
	var filter libvirtxml.NWFilter
	if err := filter.Unmarshal(xml); err != nil {
		return fmt.Errorf("failed to parse XML of %s: %w", name, err)
	}
	if err := d.define(&filter); err != nil {
		return err
	}
	d.log.V(1).Info("reloaded filter", "filter", name)
	return nil
}

// ensure creates an empty filter called name unless it exists.
func (d *NWFilterDriver) ensure(name string) error {
	_, err := d.client.NwfilterLookupByName(name)
	switch {
	case err == nil:
		return nil
	case !isNoFilter(err):
		return fmt.Errorf("failed to look up %s: %w", name, err)
	}
	return d.define(&libvirtxml.NWFilter{Name: name, Chain: "root"})
}

// ensureGroups creates the filters of the security groups of inst that do
// not exist yet, so the instance filter can reference them.
func (d *NWFilterDriver) ensureGroups(inst *v1alpha1.Instance) error {
	for _, group := range securityGroups(inst) {
		if err := d.ensure(naming.SecurityGroupFilterName(group)); err != nil {
			return err
		}
	}
	return nil
}

// define creates or replaces filter. A filter is replaced by defining it
// again under the UUID it already has.
func (d *NWFilterDriver) define(filter *libvirtxml.NWFilter) error {
	existing, err := d.client.NwfilterLookupByName(filter.Name)
	switch {
	case err == nil:
		filter.UUID = uuid.UUID(existing.UUID).String()
	case !isNoFilter(err):
		return fmt.Errorf("failed to look up %s: %w", filter.Name, err)
	}

	xml, err := filter.Marshal()
	if err != nil {
		return fmt.Errorf("failed to generate filter XML: %w", err)
	}
	if _, err := d.client.NwfilterDefineXML(xml); err != nil {
		return fmt.Errorf("failed to define %s: %w", filter.Name, err)
	}
	return nil
}

// instanceFilter is the filter of inst, allowing the IPv4 addresses of
// network.
func instanceFilter(inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) *libvirtxml.NWFilter {
	var params []libvirtxml.NWFilterParameter
	for _, ip := range instanceIPs(network) {
		params = append(params, libvirtxml.NWFilterParameter{Name: "IP", Value: ip})
	}
	entries := []libvirtxml.NWFilterEntry{
		{Ref: &libvirtxml.NWFilterRef{Filter: naming.BaseFilterName, Parameters: params}},
	}
	for _, group := range securityGroups(inst) {
		entries = append(entries, libvirtxml.NWFilterEntry{
			Ref: &libvirtxml.NWFilterRef{Filter: naming.SecurityGroupFilterName(group)},
		})
	}
	return &libvirtxml.NWFilter{
		Name:    naming.InstanceFilterName(inst.UUID()),
		Chain:   "root",
		Entries: entries,
	}
}

// securityGroups returns the distinct security groups of inst in order.
func securityGroups(inst *v1alpha1.Instance) []string {
	seen := map[string]bool{}
	var groups []string
	for _, g := range inst.Spec.SecurityGroups {
		if g == "" || seen[g] {
			continue
		}
		seen[g] = true
		groups = append(groups, g)
	}
	return groups
}

// instanceIPs returns the distinct IPv4 addresses of network, sorted.
func instanceIPs(network v1alpha1.NetworkInfo) []string {
	seen := map[string]bool{}
	var ips []string
	for _, vif := range network {
		for _, s := range vif.Network.Subnets {
			for _, ip := range s.IPs {
				parsed := net.ParseIP(ip)
				if parsed == nil || parsed.To4() == nil || seen[ip] {
					continue
				}
				seen[ip] = true
				ips = append(ips, ip)
			}
		}
	}
	sort.Strings(ips)
	return ips
}

func isNoFilter(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoNwfilter)
}

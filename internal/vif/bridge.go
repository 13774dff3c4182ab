// Package vif prepares the host side of instance network interfaces.
//
// Interfaces are bridged: libvirt creates the tap device when the domain
// starts and enslaves it to the bridge of the network. The driver checks
// the bridge over netlink, brings it up, and chooses the MAC address, tap
// name and MTU the interface is created with.
package vif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"
	"github.com/vishvananda/netlink"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// Netlink lists the netlink calls the driver makes. *netlink.Handle
// satisfies it.
type Netlink interface {
	LinkByName(name string) (netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkDel(link netlink.Link) error
}

// BridgeDriver plugs interfaces into Linux bridges.
type BridgeDriver struct {
	nl  Netlink
	log logr.Logger
	// filtered makes interfaces reference the nwfilter of their instance.
	filtered bool
}

// NewBridgeDriver creates a bridge driver. With filtered set every
// interface references the per-instance nwfilter.
func NewBridgeDriver(nl Netlink, log logr.Logger, filtered bool) *BridgeDriver {
	return &BridgeDriver{nl: nl, log: log.WithName("vif"), filtered: filtered}
}

// Plug checks the bridge of vif and returns the interface record to create
// as device number device of vm. vm may be empty when only the host side
// is prepared.
func (d *BridgeDriver) Plug(ctx context.Context, inst *v1alpha1.Instance, vif v1alpha1.VIF, vm hypervisor.Ref, device int) (hypervisor.VIFRecord, error) {
	bridge := vif.Network.Bridge
	if bridge == "" {
		return hypervisor.VIFRecord{}, jujuerrors.NotValidf("vif %s without a bridge", vif.ID)
	}

	link, err := d.nl.LinkByName(bridge)
	if err != nil {
		if isLinkNotFound(err) {
			return hypervisor.VIFRecord{}, jujuerrors.NotFoundf("bridge %s", bridge)
		}
		return hypervisor.VIFRecord{}, fmt.Errorf("failed to look up bridge %s: %w", bridge, err)
	}
	if link.Type() != "bridge" {
		return hypervisor.VIFRecord{}, jujuerrors.NotValidf("link %s of type %s as a bridge", bridge, link.Type())
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := d.nl.LinkSetUp(link); err != nil {
			return hypervisor.VIFRecord{}, fmt.Errorf("failed to bring up bridge %s: %w", bridge, err)
		}
	}

	mac, err := macAddress(vif)
	if err != nil {
		return hypervisor.VIFRecord{}, err
	}
	tap, err := tapName(vif)
	if err != nil {
		return hypervisor.VIFRecord{}, err
	}
	mtu := vif.Network.MTU
	if mtu == 0 {
		mtu = link.Attrs().MTU
	}

	rec := hypervisor.VIFRecord{
		VM:      vm,
		Device:  strconv.Itoa(device),
		MAC:     mac,
		Network: vif.Network.Label,
		Bridge:  bridge,
		Target:  tap,
		MTU:     mtu,
	}
	if d.filtered {
		rec.Filter = naming.InstanceFilterName(inst.UUID())
	}
	d.log.V(1).Info("plugged vif", "instance", inst.UUID(), "vif", vif.ID, "bridge", bridge, "tap", tap, "mac", mac)
	return rec, nil
}

// Unplug removes a tap device of vif left behind on the host. libvirt
// removes the tap when the domain stops, so a missing device is normal.
func (d *BridgeDriver) Unplug(ctx context.Context, inst *v1alpha1.Instance, vif v1alpha1.VIF) error {
	tap, err := tapName(vif)
	if err != nil {
		return err
	}
	link, err := d.nl.LinkByName(tap)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up %s: %w", tap, err)
	}
	if err := d.nl.LinkDel(link); err != nil {
		return fmt.Errorf("failed to remove %s: %w", tap, err)
	}
	d.log.Info("removed stale tap device", "instance", inst.UUID(), "tap", tap)
	return nil
}

// Counters reads the traffic counters of the tap device of rec. The tap
// sees traffic from the host side, so its transmit count is what the guest
// received.
func (d *BridgeDriver) Counters(ctx context.Context, rec hypervisor.VIFRecord) (hypervisor.BandwidthCounter, error) {
	link, err := d.nl.LinkByName(rec.Target)
	if err != nil {
		return hypervisor.BandwidthCounter{}, fmt.Errorf("failed to look up %s: %w", rec.Target, err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return hypervisor.BandwidthCounter{}, jujuerrors.NotFoundf("statistics of %s", rec.Target)
	}
	return hypervisor.BandwidthCounter{
		MAC:   rec.MAC,
		BWIn:  stats.TxBytes,
		BWOut: stats.RxBytes,
	}, nil
}

// macAddress returns the address of vif, or one derived from its first
// IPv4 address.
func macAddress(vif v1alpha1.VIF) (string, error) {
	if vif.Address != "" {
		hw, err := net.ParseMAC(vif.Address)
		if err != nil {
			return "", jujuerrors.NotValidf("MAC address %q", vif.Address)
		}
		return hw.String(), nil
	}
	ip, ok := firstIPv4(vif)
	if !ok {
		return "", jujuerrors.NotValidf("vif %s without a MAC address or IPv4 address", vif.ID)
	}
	return naming.MACFromIP(ip)
}

// tapName is the host device name of vif.
func tapName(vif v1alpha1.VIF) (string, error) {
	if vif.ID != "" {
		return naming.InterfaceNameFromID(vif.ID), nil
	}
	ip, ok := firstIPv4(vif)
	if !ok {
		return "", jujuerrors.NotValidf("vif without an id or IPv4 address")
	}
	return naming.InterfaceNameFromIP(ip)
}

func firstIPv4(vif v1alpha1.VIF) (string, bool) {
	for _, s := range vif.Network.Subnets {
		for _, ip := range s.IPs {
			if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
				return ip, true
			}
		}
	}
	return "", false
}

func isLinkNotFound(err error) bool {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

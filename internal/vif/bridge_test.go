package vif

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

type fakeNetlink struct {
	links   map[string]netlink.Link
	up      []string
	deleted []string
}

func newFakeNetlink(links ...netlink.Link) *fakeNetlink {
	f := &fakeNetlink{links: map[string]netlink.Link{}}
	for _, l := range links {
		f.links[l.Attrs().Name] = l
	}
	return f
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", name, os.ErrNotExist)
	}
	return l, nil
}

func (f *fakeNetlink) LinkSetUp(l netlink.Link) error {
	f.up = append(f.up, l.Attrs().Name)
	return nil
}

func (f *fakeNetlink) LinkDel(l netlink.Link) error {
	f.deleted = append(f.deleted, l.Attrs().Name)
	delete(f.links, l.Attrs().Name)
	return nil
}

func bridge(name string, mtu int, up bool) *netlink.Bridge {
	attrs := netlink.LinkAttrs{Name: name, MTU: mtu}
	if up {
		attrs.Flags = net.FlagUp
	}
	return &netlink.Bridge{LinkAttrs: attrs}
}

func testVIF() v1alpha1.VIF {
	return v1alpha1.VIF{
		ID:      "8f0e1c2a-1111-2222-3333-444455556666",
		Address: "52:54:00:AA:BB:CC",
		Network: v1alpha1.Network{
			Label:  "public",
			Bridge: "br0",
			Subnets: []v1alpha1.Subnet{
				{CIDR: "10.55.22.0/24", Version: 4, IPs: []string{"10.55.22.22"}},
			},
		},
	}
}

func TestPlug(t *testing.T) {
	nl := newFakeNetlink(bridge("br0", 9000, true))
	d := NewBridgeDriver(nl, logr.Discard(), true)
	inst := v1alpha1.NewInstance("web")

	rec, err := d.Plug(context.Background(), inst, testVIF(), "vm-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", string(rec.VM))
	assert.Equal(t, "2", rec.Device)
	assert.Equal(t, "52:54:00:aa:bb:cc", rec.MAC)
	assert.Equal(t, "public", rec.Network)
	assert.Equal(t, "br0", rec.Bridge)
	assert.Equal(t, "tap8f0e1c2a111", rec.Target)
	assert.Equal(t, 9000, rec.MTU)
	assert.Equal(t, "crucible-instance-"+inst.UUID(), rec.Filter)
	assert.Empty(t, nl.up)
}

func TestPlug_Derived(t *testing.T) {
	nl := newFakeNetlink(bridge("br0", 1500, false))
	d := NewBridgeDriver(nl, logr.Discard(), false)

	vif := testVIF()
	vif.ID = ""
	vif.Address = ""
	vif.Network.MTU = 1400

	rec, err := d.Plug(context.Background(), v1alpha1.NewInstance("web"), vif, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "be:ef:0a:37:16:16", rec.MAC)
	assert.Equal(t, "vm0a371616", rec.Target)
	assert.Equal(t, 1400, rec.MTU)
	assert.Empty(t, rec.Filter)
	assert.Equal(t, []string{"br0"}, nl.up)
}

func TestPlug_Errors(t *testing.T) {
	nl := newFakeNetlink(bridge("br0", 1500, true), &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "dummy0"}})
	d := NewBridgeDriver(nl, logr.Discard(), false)
	inst := v1alpha1.NewInstance("web")

	tests := []struct {
		name   string
		mutate func(*v1alpha1.VIF)
		check  func(error) bool
	}{
		{"no bridge", func(v *v1alpha1.VIF) { v.Network.Bridge = "" }, func(err error) bool { return jujuerrors.Is(err, jujuerrors.NotValid) }},
		{"missing bridge", func(v *v1alpha1.VIF) { v.Network.Bridge = "br9" }, func(err error) bool { return jujuerrors.Is(err, jujuerrors.NotFound) }},
		{"not a bridge", func(v *v1alpha1.VIF) { v.Network.Bridge = "dummy0" }, func(err error) bool { return jujuerrors.Is(err, jujuerrors.NotValid) }},
		{"bad mac", func(v *v1alpha1.VIF) { v.Address = "nope" }, func(err error) bool { return jujuerrors.Is(err, jujuerrors.NotValid) }},
		{"no mac source", func(v *v1alpha1.VIF) { v.Address = ""; v.Network.Subnets = nil }, func(err error) bool { return jujuerrors.Is(err, jujuerrors.NotValid) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vif := testVIF()
			tt.mutate(&vif)
			_, err := d.Plug(context.Background(), inst, vif, "", 0)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestUnplug(t *testing.T) {
	tap := &netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{Name: "tap8f0e1c2a111"}}
	nl := newFakeNetlink(bridge("br0", 1500, true), tap)
	d := NewBridgeDriver(nl, logr.Discard(), false)
	inst := v1alpha1.NewInstance("web")

	require.NoError(t, d.Unplug(context.Background(), inst, testVIF()))
	assert.Equal(t, []string{"tap8f0e1c2a111"}, nl.deleted)

	// Already gone.
	require.NoError(t, d.Unplug(context.Background(), inst, testVIF()))
	assert.Len(t, nl.deleted, 1)
}

func TestCounters(t *testing.T) {
	tap := &netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{
		Name:       "tap8f0e1c2a-11",
		Statistics: &netlink.LinkStatistics{RxBytes: 1200, TxBytes: 3400},
	}}
	nl := newFakeNetlink(tap, &netlink.Tuntap{LinkAttrs: netlink.LinkAttrs{Name: "tapbare"}})
	d := NewBridgeDriver(nl, logr.Discard(), false)
	ctx := context.Background()

	c, err := d.Counters(ctx, hypervisor.VIFRecord{MAC: "52:54:00:aa:bb:cc", Target: "tap8f0e1c2a-11"})
	require.NoError(t, err)
	assert.Equal(t, hypervisor.BandwidthCounter{MAC: "52:54:00:aa:bb:cc", BWIn: 3400, BWOut: 1200}, c)

	_, err = d.Counters(ctx, hypervisor.VIFRecord{Target: "tapbare"})
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))

	_, err = d.Counters(ctx, hypervisor.VIFRecord{Target: "tapmissing"})
	assert.Error(t, err)
}

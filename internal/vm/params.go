package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// blockedStart is the operation name of the bootlock.
const blockedStart = "start"

// acquireBootlock prevents vm from being started.
func (o *Ops) acquireBootlock(ctx context.Context, vm hypervisor.Ref) error {
	if err := o.session.SetBlockedOperation(ctx, vm, blockedStart); err != nil {
		return fmt.Errorf("failed to acquire bootlock: %w", err)
	}
	return nil
}

// releaseBootlock allows vm to be started again.
func (o *Ops) releaseBootlock(ctx context.Context, vm hypervisor.Ref) error {
	if err := o.session.RemoveBlockedOperation(ctx, vm, blockedStart); err != nil {
		return fmt.Errorf("failed to release bootlock: %w", err)
	}
	return nil
}

// withParamLock runs fn holding the param store lock of inst.
func (o *Ops) withParamLock(inst *v1alpha1.Instance, fn func() error) error {
	key := "params-" + inst.UUID()
	o.paramLocks.Lock(key)
	defer o.paramLocks.Unlock(key)
	return fn()
}

// addParam replaces a param store key. The remove and the add are issued
// back to back under the caller's param lock.
func (o *Ops) addParam(ctx context.Context, vm hypervisor.Ref, key, value string) error {
	if err := o.session.RemoveParam(ctx, vm, key); err != nil {
		return fmt.Errorf("failed to remove param %s: %w", key, err)
	}
	if err := o.session.AddParam(ctx, vm, key, value); err != nil {
		return fmt.Errorf("failed to add param %s: %w", key, err)
	}
	return nil
}

func (o *Ops) removeParam(ctx context.Context, vm hypervisor.Ref, key string) error {
	if err := o.session.RemoveParam(ctx, vm, key); err != nil {
		return fmt.Errorf("failed to remove param %s: %w", key, err)
	}
	return nil
}

// writeGuestData mirrors a param into the live guest. Guest channel
// failures are classified and logged; only ErrNoDomID is returned, so the
// caller can decide to ignore a halted VM.
func (o *Ops) writeGuestData(ctx context.Context, log logr.Logger, vm hypervisor.Ref, path, value string) error {
	err := o.session.WriteGuestData(ctx, vm, path, value)
	return o.guestDataResult(log, "write", path, err)
}

func (o *Ops) deleteGuestData(ctx context.Context, log logr.Logger, vm hypervisor.Ref, path string) error {
	err := o.session.DeleteGuestData(ctx, vm, path)
	return o.guestDataResult(log, "delete", path, err)
}

func (o *Ops) guestDataResult(log logr.Logger, method, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, hypervisor.ErrNoDomID) {
		return err
	}
	outcome, msg := hypervisor.ClassifyPluginFailure(err)
	switch outcome {
	case hypervisor.PluginTimeout:
		log.Error(err, "guest data call timed out", "method", method, "path", path, "message", msg)
	case hypervisor.PluginNotImplemented:
		log.Error(err, "guest data call not supported by the agent", "method", method, "path", path, "message", msg)
	default:
		log.Error(err, "guest data call returned an error", "method", method, "path", path, "message", msg)
	}
	return nil
}

// injectInstanceMetadata stores the user metadata of inst as JSON values.
func (o *Ops) injectInstanceMetadata(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref) error {
	keys := make([]string, 0, len(inst.Spec.Metadata))
	for k := range inst.Spec.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return o.withParamLock(inst, func() error {
		for _, k := range keys {
			value, err := json.Marshal(inst.Spec.Metadata[k])
			if err != nil {
				return fmt.Errorf("failed to encode metadata %s: %w", k, err)
			}
			if err := o.addParam(ctx, vm, naming.MetadataParamPath(k), string(value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Ops) injectAutoDiskConfig(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref) error {
	value := "False"
	if inst.Spec.AutoDiskConfig {
		value = "True"
	}
	return o.withParamLock(inst, func() error {
		return o.addParam(ctx, vm, naming.ParamAutoDiskConfig, value)
	})
}

// injectHostname is read by the guest tools during boot.
func (o *Ops) injectHostname(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref, rescue bool) error {
	hostname := naming.GuestHostname(inst.Spec.Hostname, inst.IsWindows(), rescue)
	o.logFor(inst).V(1).Info("injecting hostname", "hostname", hostname)
	return o.withParamLock(inst, func() error {
		return o.addParam(ctx, vm, naming.ParamHostname, hostname)
	})
}

func (o *Ops) removeHostname(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref) error {
	o.logFor(inst).V(1).Info("removing hostname")
	return o.withParamLock(inst, func() error {
		return o.removeParam(ctx, vm, naming.ParamHostname)
	})
}

// InjectNetworkInfo writes the network description of every VIF into the
// param store and, when the VM runs, into the live guest. vm may be empty,
// in which case the VM of inst is looked up.
func (o *Ops) InjectNetworkInfo(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo, vm hypervisor.Ref) error {
	if vm == "" {
		ref, err := o.vmRef(ctx, inst)
		if err != nil {
			return err
		}
		vm = ref
	}

	log := o.logFor(inst)
	log.V(1).Info("injecting network info")

	return o.withParamLock(inst, func() error {
		for _, vif := range network {
			data, err := json.Marshal(vifGuestData(vif))
			if err != nil {
				return fmt.Errorf("failed to encode network info for %s: %w", vif.Address, err)
			}
			location := naming.NetworkParamPath(vif.Address)
			if err := o.addParam(ctx, vm, location, string(data)); err != nil {
				return err
			}
			if err := o.writeGuestData(ctx, log, vm, location, string(data)); err != nil && !errors.Is(err, hypervisor.ErrNoDomID) {
				return err
			}
		}
		return nil
	})
}

// MetadataChange is one entry of a metadata diff: Op is '+' (set Value)
// or '-' (remove).
type MetadataChange struct {
	Op    byte
	Value string
}

// ChangeInstanceMetadata applies a metadata diff to the param store and the
// live guest. A missing VM is not an error: the metadata is injected again
// when the VM is next built.
func (o *Ops) ChangeInstanceMetadata(ctx context.Context, inst *v1alpha1.Instance, diff map[string]MetadataChange) error {
	log := o.logFor(inst)

	vm, ok, err := o.lookup(ctx, inst.Name)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("unable to update metadata, VM not found", "warning", true)
		return nil
	}

	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return o.withParamLock(inst, func() error {
		for _, k := range keys {
			change := diff[k]
			location := naming.MetadataParamPath(k)
			switch change.Op {
			case '-':
				if err := o.removeParam(ctx, vm, location); err != nil {
					return err
				}
				// A halted VM has no live guest data to update.
				_ = o.deleteGuestData(ctx, log, vm, location)
			case '+':
				value, err := json.Marshal(change.Value)
				if err != nil {
					return fmt.Errorf("failed to encode metadata %s: %w", k, err)
				}
				if err := o.addParam(ctx, vm, location, string(value)); err != nil {
					return err
				}
				_ = o.writeGuestData(ctx, log, vm, location, string(value))
			default:
				return &ValidationError{Reason: fmt.Sprintf("unknown metadata change %q for %s", change.Op, k)}
			}
		}
		return nil
	})
}

type guestIP struct {
	IP      string `json:"ip"`
	Enabled string `json:"enabled"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway,omitempty"`
}

type guestRoute struct {
	Route   string `json:"route"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
}

type guestNetwork struct {
	Label     string       `json:"label"`
	MAC       string       `json:"mac"`
	Gateway   string       `json:"gateway,omitempty"`
	Broadcast string       `json:"broadcast,omitempty"`
	IPs       []guestIP    `json:"ips,omitempty"`
	GatewayV6 string       `json:"gateway_v6,omitempty"`
	IP6s      []guestIP    `json:"ip6s,omitempty"`
	Routes    []guestRoute `json:"routes,omitempty"`
	DNS       []string     `json:"dns,omitempty"`
}

// vifGuestData converts a VIF to the payload the guest tools read. Gateway
// and broadcast come from the first subnet of each family; routes and DNS
// from all subnets.
func vifGuestData(vif v1alpha1.VIF) guestNetwork {
	out := guestNetwork{Label: vif.Network.Label, MAC: vif.Address}

	var v4, v6 []v1alpha1.Subnet
	for _, s := range vif.Network.Subnets {
		if s.Version == 6 {
			v6 = append(v6, s)
		} else {
			v4 = append(v4, s)
		}
	}

	if len(v4) > 0 {
		out.Gateway = v4[0].Gateway
		if _, ipnet, err := net.ParseCIDR(v4[0].CIDR); err == nil {
			out.Broadcast = broadcast(ipnet).String()
		}
		for _, s := range v4 {
			mask := ""
			if _, ipnet, err := net.ParseCIDR(s.CIDR); err == nil {
				mask = net.IP(ipnet.Mask).String()
			}
			for _, ip := range s.IPs {
				out.IPs = append(out.IPs, guestIP{IP: ip, Enabled: "1", Netmask: mask, Gateway: s.Gateway})
			}
		}
	}

	if len(v6) > 0 {
		out.GatewayV6 = v6[0].Gateway
		for _, s := range v6 {
			prefix := ""
			if _, ipnet, err := net.ParseCIDR(s.CIDR); err == nil {
				ones, _ := ipnet.Mask.Size()
				prefix = strconv.Itoa(ones)
			}
			for _, ip := range s.IPs {
				out.IP6s = append(out.IP6s, guestIP{IP: ip, Enabled: "1", Netmask: prefix, Gateway: s.Gateway})
			}
		}
	}

	seen := make(map[string]bool)
	for _, s := range vif.Network.Subnets {
		for _, r := range s.Routes {
			_, ipnet, err := net.ParseCIDR(r.CIDR)
			if err != nil {
				continue
			}
			out.Routes = append(out.Routes, guestRoute{
				Route:   ipnet.IP.String(),
				Netmask: net.IP(ipnet.Mask).String(),
				Gateway: r.Gateway,
			})
		}
		for _, d := range s.DNS {
			if !seen[d] {
				seen[d] = true
				out.DNS = append(out.DNS, d)
			}
		}
	}
	return out
}

func broadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil {
		ip = n.IP
	}
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] | ^n.Mask[i]
	}
	return out
}

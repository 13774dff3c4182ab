package v1alpha1

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for crucible resources.
	GroupName = "crucible.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// InstanceKind is the kind string for Instance resources.
	InstanceKind = "Instance"
)

// NewInstance creates an Instance with TypeMeta and ObjectMeta defaults and
// a fresh UUID.
func NewInstance(name string) *Instance {
	return &Instance{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       InstanceKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			CreationTimestamp: Time{Time: time.Now()},
			Generation:        1,
		},
		Spec: InstanceSpec{
			UUID: uuid.New().String(),
		},
	}
}

// SetDefaultAPIVersion fills in apiVersion and kind when missing.
func SetDefaultAPIVersion(inst *Instance) {
	if inst.APIVersion == "" {
		inst.APIVersion = GroupName + "/" + Version
	}
	if inst.Kind == "" {
		inst.Kind = InstanceKind
	}
}

// UUID returns the instance UUID.
func (i *Instance) UUID() string {
	return i.Spec.UUID
}

// IsWindows reports whether the guest OS is Windows.
func (i *Instance) IsWindows() bool {
	return strings.EqualFold(i.Spec.OSType, "windows")
}

// HasKernel reports whether separate kernel/ramdisk files are requested.
func (i *Instance) HasKernel() bool {
	return i.Spec.KernelID != ""
}

// RootDeviceNameOr returns the mapped root device name, or def.
func (b *BlockDeviceInfo) RootDeviceNameOr(def string) string {
	if b == nil || b.RootDeviceName == "" {
		return def
	}
	return b.RootDeviceName
}

// Mappings returns the mapping list, tolerating a nil receiver.
func (b *BlockDeviceInfo) Mappings() []BlockDeviceMapping {
	if b == nil {
		return nil
	}
	return b.Mapping
}

// FixedIPs returns the IPv4 and IPv6 addresses across all subnets.
func (v VIF) FixedIPs() (v4, v6 []string) {
	for _, s := range v.Network.Subnets {
		for _, ip := range s.IPs {
			if s.Version == 6 {
				v6 = append(v6, ip)
			} else {
				v4 = append(v4, ip)
			}
		}
	}
	return v4, v6
}

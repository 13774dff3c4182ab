// Package loader loads Instance descriptors from YAML files.
package loader

import (
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/naming"
)

// LoadFromFile loads an Instance from a YAML file in the
// crucible.cofront.xyz/v1alpha1 format.
func LoadFromFile(path string) (*v1alpha1.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads an Instance from YAML bytes.
func LoadFromYAML(data []byte) (*v1alpha1.Instance, error) {
	var inst v1alpha1.Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if inst.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if inst.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}

	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if inst.APIVersion != expectedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", inst.APIVersion, expectedAPIVersion)
	}
	if inst.Kind != v1alpha1.InstanceKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", inst.Kind, v1alpha1.InstanceKind)
	}

	applyDefaults(&inst)

	if err := validateSpec(&inst); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &inst, nil
}

// SaveToFile writes inst to a YAML file. A descriptor saved after Spawn
// keeps the generated UUID, so later commands find the same VM.
func SaveToFile(inst *v1alpha1.Instance, path string) error {
	v1alpha1.SetDefaultAPIVersion(inst)

	data, err := yaml.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

func applyDefaults(inst *v1alpha1.Instance) {
	inst.Name = strings.ToLower(inst.Name)
	if inst.Spec.UUID == "" {
		inst.Spec.UUID = uuid.New().String()
	}
	if inst.CreationTimestamp.IsZero() {
		inst.CreationTimestamp = v1alpha1.Time{Time: time.Now()}
	}
	if inst.Generation == 0 {
		inst.Generation = 1
	}
	inst.Spec.Hostname = strings.ToLower(inst.Spec.Hostname)
	if inst.Spec.Image.DiskFormat == "" {
		inst.Spec.Image.DiskFormat = "qcow2"
	}
	for i := range inst.Spec.Network {
		vif := &inst.Spec.Network[i]
		if vif.Address != "" {
			continue
		}
		// Derive the MAC from the first IPv4 address, as the VIF driver
		// does for interfaces without one.
		if v4, _ := vif.FixedIPs(); len(v4) > 0 {
			if mac, err := naming.MACFromIP(v4[0]); err == nil {
				vif.Address = mac
			}
		}
	}
}

func validateSpec(inst *v1alpha1.Instance) error {
	if inst.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if _, err := uuid.Parse(inst.Spec.UUID); err != nil {
		return fmt.Errorf("spec.uuid %q is not a UUID", inst.Spec.UUID)
	}

	flavor := inst.Spec.Flavor
	if flavor.VCPUs <= 0 {
		return fmt.Errorf("spec.flavor.vcpus must be greater than 0")
	}
	if flavor.MemoryMB <= 0 {
		return fmt.Errorf("spec.flavor.memoryMB must be greater than 0")
	}
	if flavor.RootGB < 0 || flavor.EphemeralGB < 0 || flavor.SwapMB < 0 {
		return fmt.Errorf("spec.flavor disk sizes cannot be negative")
	}

	if inst.Spec.Image.ID == "" {
		return fmt.Errorf("spec.image.id is required")
	}
	if (inst.Spec.KernelID == "") != (inst.Spec.RamdiskID == "") {
		return fmt.Errorf("spec.kernelID and spec.ramdiskID must be set together")
	}
	switch strings.ToLower(inst.Spec.OSType) {
	case "", "linux", "windows":
	default:
		return fmt.Errorf("spec.osType %q is not linux or windows", inst.Spec.OSType)
	}

	for i, key := range inst.Spec.SSHKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("spec.sshKeys[%d] is not a valid public key: %w", i, err)
		}
	}

	macsSeen := make(map[string]bool)
	for i, vif := range inst.Spec.Network {
		if vif.Network.Bridge == "" {
			return fmt.Errorf("spec.network[%d].network.bridge is required", i)
		}
		if vif.Address == "" {
			return fmt.Errorf("spec.network[%d].address is required without an IPv4 address", i)
		}
		if _, err := net.ParseMAC(vif.Address); err != nil {
			return fmt.Errorf("spec.network[%d].address %q is not a MAC address", i, vif.Address)
		}
		if macsSeen[vif.Address] {
			return fmt.Errorf("spec.network[%d].address %q is duplicated", i, vif.Address)
		}
		macsSeen[vif.Address] = true

		for j, subnet := range vif.Network.Subnets {
			if _, _, err := net.ParseCIDR(subnet.CIDR); err != nil {
				return fmt.Errorf("spec.network[%d].network.subnets[%d].cidr %q is invalid", i, j, subnet.CIDR)
			}
			for _, ip := range subnet.IPs {
				if net.ParseIP(ip) == nil {
					return fmt.Errorf("spec.network[%d].network.subnets[%d] has invalid ip %q", i, j, ip)
				}
			}
		}
	}

	devicesSeen := make(map[string]bool)
	for i, m := range inst.Spec.BlockDevices.Mappings() {
		if m.MountDevice == "" {
			return fmt.Errorf("spec.blockDevices.mapping[%d].mountDevice is required", i)
		}
		dev := path.Base(m.MountDevice)
		if _, ok := naming.DeviceSlot(dev); !ok {
			return fmt.Errorf("spec.blockDevices.mapping[%d].mountDevice %q is not a disk device", i, m.MountDevice)
		}
		if devicesSeen[dev] {
			return fmt.Errorf("spec.blockDevices.mapping[%d].mountDevice %q is duplicated", i, m.MountDevice)
		}
		devicesSeen[dev] = true
		if m.ConnectionInfo.DriverVolumeType == "" {
			return fmt.Errorf("spec.blockDevices.mapping[%d].connectionInfo.driverVolumeType is required", i)
		}
	}

	return nil
}

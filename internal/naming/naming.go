// Package naming holds the naming conventions shared by the orchestrator and
// its backends: derived VM name labels, guest param-store keys, volume names
// and interface identifiers.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// Derived name label suffixes.
const (
	OrigSuffix     = "-orig"
	RescueSuffix   = "-rescue"
	SnapshotSuffix = "-snapshot"
)

// OrigName is the name label a VM carries while it is being resized away.
func OrigName(name string) string {
	return name + OrigSuffix
}

// RescueName is the name label of the rescue VM for name.
func RescueName(name string) string {
	return name + RescueSuffix
}

// SnapshotLabel labels the snapshot taken of name during resize.
func SnapshotLabel(name string) string {
	return name + SnapshotSuffix
}

// Guest param-store locations.
const (
	ParamHostname       = "vm-data/hostname"
	ParamAutoDiskConfig = "vm-data/auto-disk-config"
	paramUserMetadata   = "vm-data/user-metadata/"
	paramNetworking     = "vm-data/networking/"
)

// SanitizeParamKey replaces every character outside [A-Za-z0-9-_@] with '_'.
func SanitizeParamKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// MetadataParamPath is where a user metadata key lives in the param store.
func MetadataParamPath(key string) string {
	return paramUserMetadata + SanitizeParamKey(key)
}

// NetworkParamPath is where the network info for a MAC lives.
func NetworkParamPath(mac string) string {
	return paramNetworking + strings.ReplaceAll(mac, ":", "")
}

// windowsHostnameMax is the NetBIOS name limit.
const windowsHostnameMax = 15

// GuestHostname returns the hostname to inject. Rescue VMs are prefixed
// with RESCUE- and Windows names are cut to the NetBIOS limit.
func GuestHostname(hostname string, windows, rescue bool) string {
	if rescue {
		hostname = "RESCUE-" + hostname
	}
	if windows && len(hostname) > windowsHostnameMax {
		hostname = hostname[:windowsHostnameMax]
	}
	return hostname
}

// MACFromIP calculates a deterministic MAC address from an IPv4 address,
// using the locally administered prefix be:ef.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x",
		ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// InterfaceNameFromIP calculates a deterministic tap interface name.
//
// Example: IP 10.55.22.22 → vm0a371616
func InterfaceNameFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm%02x%02x%02x%02x",
		ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// InterfaceNameFromID derives a tap name from a VIF id, within the Linux
// 15 character limit.
func InterfaceNameFromID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 11 {
		id = id[:11]
	}
	return "tap" + id
}

// BaseFilterName is the nwfilter shared by all instances. It references
// the clean-traffic filter shipped with libvirt.
const BaseFilterName = "crucible-base"

// InstanceFilterName is the nwfilter of one instance.
func InstanceFilterName(uuid string) string {
	return "crucible-instance-" + uuid
}

// ProviderFilterName is the host wide filter chained from the base filter.
const ProviderFilterName = "crucible-provider"

// SecurityGroupFilterName is the nwfilter of one security group.
func SecurityGroupFilterName(groupID string) string {
	return "crucible-sg-" + groupID
}

func parseIPv4(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsed := net.ParseIP(ipStr)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}
	ipv4 := parsed.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4, nil
}

// Volume names. All volumes of a VM share the "{name}_" prefix so they can
// be found by listing a pool.

// VolumePrefix is the common prefix of every volume belonging to name.
func VolumePrefix(name string) string {
	return name + "_"
}

// VolumeNameRoot is the root disk of name.
func VolumeNameRoot(name string) string {
	return fmt.Sprintf("%s_root.qcow2", name)
}

// VolumeNameEphemeral is an ephemeral disk at a user device slot.
func VolumeNameEphemeral(name string, userdevice int) string {
	return fmt.Sprintf("%s_ephemeral-%d.qcow2", name, userdevice)
}

// VolumeNameSwap is the swap disk of name.
func VolumeNameSwap(name string) string {
	return fmt.Sprintf("%s_swap.qcow2", name)
}

// VolumeNameConfigDrive is the config-drive ISO of name.
func VolumeNameConfigDrive(name string) string {
	return fmt.Sprintf("%s_configdrive.iso", name)
}

// VolumeNameInstallISO is the copy of an ISO boot image attached to name.
func VolumeNameInstallISO(name string) string {
	return fmt.Sprintf("%s_install.iso", name)
}

// VolumeNameResized is the resized copy of a disk made during resize-down.
func VolumeNameResized(name string) string {
	return fmt.Sprintf("%s_resized.qcow2", name)
}

// VolumeNameOverlay is a snapshot overlay on top of a disk.
func VolumeNameOverlay(base, id string) string {
	return fmt.Sprintf("%s.%s.overlay", strings.TrimSuffix(base, ".qcow2"), id)
}

// StagedVHDName is the file name a transferred disk gets in the staging
// directory of the destination: {seq}.vhd, or eph{ephemeral}_{seq}.vhd for
// ephemeral disks.
func StagedVHDName(seq, ephemeral int) string {
	if ephemeral > 0 {
		return fmt.Sprintf("eph%d_%d.vhd", ephemeral, seq)
	}
	return fmt.Sprintf("%d.vhd", seq)
}

// Guest device names. Disks are virtio (vda, vdb, ...) and CD-ROMs sit on
// the SATA bus (sda, sdb, ...); the letter is the user device slot.

// DeviceName is the guest device of a disk at a user device slot.
func DeviceName(userdevice int, cd bool) string {
	prefix := "vd"
	if cd {
		prefix = "sd"
	}
	return prefix + deviceLetters(userdevice)
}

// DeviceSlot returns the user device slot of a guest device name such as
// "vdb", "/dev/xvdc" or "sda".
func DeviceSlot(dev string) (int, bool) {
	dev = strings.TrimPrefix(dev, "/dev/")
	for _, prefix := range []string{"xvd", "vd", "sd", "hd"} {
		if rest, ok := strings.CutPrefix(dev, prefix); ok {
			return slotFromLetters(rest)
		}
	}
	return 0, false
}

func deviceLetters(n int) string {
	if n < 26 {
		return string(rune('a' + n))
	}
	return deviceLetters(n/26-1) + string(rune('a'+n%26))
}

func slotFromLetters(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return 0, false
		}
		n = n*26 + int(r-'a') + 1
	}
	return n - 1, true
}

// srPoolPrefix marks storage pools created for attached volumes.
const srPoolPrefix = "crucible-sr-"

// SRPoolName is the storage pool backing the volume SR srUUID.
func SRPoolName(srUUID string) string {
	return srPoolPrefix + srUUID
}

// SRFromPool returns the SR UUID of a pool named by SRPoolName.
func SRFromPool(pool string) (string, bool) {
	id, ok := strings.CutPrefix(pool, srPoolPrefix)
	return id, ok && id != ""
}

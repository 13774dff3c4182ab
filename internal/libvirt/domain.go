package libvirt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// GuestAgentChannel is the virtio-serial channel of the QEMU guest agent.
const GuestAgentChannel = "org.qemu.guest_agent.0"

// GenerateDomainXML builds the persistent definition of a VM record. Disks
// and interfaces are not part of it; they are attached as devices once the
// domain is defined.
func GenerateDomainXML(spec hypervisor.VMSpec, name string, id uuid.UUID) (string, error) {
	if spec.MemoryMB <= 0 {
		return "", fmt.Errorf("memory must be positive, got %d MB", spec.MemoryMB)
	}
	if spec.VCPUs <= 0 {
		return "", fmt.Errorf("vcpus must be positive, got %d", spec.VCPUs)
	}

	clockOffset := "utc"
	if strings.EqualFold(spec.OSType, "windows") {
		clockOffset = "localtime"
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: name,
		UUID: id.String(),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPUs),
		},
		OS: domainOS(spec),
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
			PAE:  &libvirtxml.DomainFeature{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: clockOffset,
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Controllers: []libvirtxml.DomainController{
				{
					Type:  "pci",
					Index: func() *uint { i := uint(0); return &i }(),
					Model: "pci-root",
				},
				{
					Type:  "sata",
					Index: func() *uint { i := uint(0); return &i }(),
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Source: &libvirtxml.DomainChardevSource{
						UNIX: &libvirtxml.DomainChardevSourceUNIX{Mode: "bind"},
					},
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: GuestAgentChannel},
					},
				},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{
						Port: func() *uint { p := uint(0); return &p }(),
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: func() *uint { p := uint(0); return &p }(),
					},
				},
			},
		},
	}

	if spec.ConsoleLog != "" {
		domain.Devices.Serials[0].Log = &libvirtxml.DomainChardevLog{File: spec.ConsoleLog, Append: "on"}
	}
	if spec.VNCListen != "" {
		domain.Devices.Graphics = []libvirtxml.DomainGraphic{
			{VNC: &libvirtxml.DomainGraphicVNC{Port: -1, AutoPort: "yes", Listen: spec.VNCListen}},
		}
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}

// domainOS selects direct kernel boot when the spec carries a kernel,
// otherwise the guest boots from the bootable disk.
func domainOS(spec hypervisor.VMSpec) *libvirtxml.DomainOS {
	boot := &libvirtxml.DomainOS{
		Type: &libvirtxml.DomainOSType{
			Arch: "x86_64",
			Type: "hvm",
		},
	}
	if spec.Kernel != "" {
		boot.Kernel = spec.Kernel
		boot.Initrd = spec.Ramdisk
		boot.Cmdline = spec.Cmdline
		return boot
	}
	boot.BIOS = &libvirtxml.DomainBIOS{UseSerial: "yes"}
	return boot
}

// diskDevice builds the disk element attaching rec.VDI at its user device
// slot. A VDI is either a pool volume ("pool/volume") or an absolute path;
// paths of OS volumes are block devices.
func diskDevice(rec hypervisor.VBDRecord) (*libvirtxml.DomainDisk, error) {
	slot, err := strconv.Atoi(rec.UserDevice)
	if err != nil || slot < 0 {
		return nil, fmt.Errorf("invalid user device %q", rec.UserDevice)
	}

	disk := &libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "qcow2",
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: naming.DeviceName(slot, rec.CD),
			Bus: "virtio",
		},
	}

	switch pool, volume, ok := rec.VDI.Volume(); {
	case ok:
		disk.Source.Volume = &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: volume}
		if !strings.HasSuffix(volume, ".qcow2") && !strings.HasSuffix(volume, ".overlay") {
			disk.Driver.Type = "raw"
		}
	case strings.HasPrefix(string(rec.VDI), "/") && rec.OSVolume:
		disk.Source.Block = &libvirtxml.DomainDiskSourceBlock{Dev: string(rec.VDI)}
		disk.Driver.Type = "raw"
	case strings.HasPrefix(string(rec.VDI), "/"):
		disk.Source.File = &libvirtxml.DomainDiskSourceFile{File: string(rec.VDI)}
		if !strings.HasSuffix(string(rec.VDI), ".qcow2") {
			disk.Driver.Type = "raw"
		}
	default:
		return nil, fmt.Errorf("unsupported disk handle %q", rec.VDI)
	}

	if rec.CD {
		disk.Device = "cdrom"
		disk.Driver.Type = "raw"
		disk.Driver.Cache = ""
		disk.Target.Bus = "sata"
		disk.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
	}
	if rec.Bootable {
		disk.Boot = &libvirtxml.DomainDeviceBoot{Order: 1}
	}

	return disk, nil
}

// diskHandle is the VDI handle of an attached disk.
func diskHandle(disk libvirtxml.DomainDisk) hypervisor.Ref {
	if disk.Source == nil {
		return ""
	}
	switch {
	case disk.Source.Volume != nil:
		return hypervisor.VolumeRef(disk.Source.Volume.Pool, disk.Source.Volume.Volume)
	case disk.Source.Block != nil:
		return hypervisor.Ref(disk.Source.Block.Dev)
	case disk.Source.File != nil:
		return hypervisor.Ref(disk.Source.File.File)
	}
	return ""
}

// vbdRecord describes an attached disk of vm.
func vbdRecord(vm hypervisor.Ref, disk libvirtxml.DomainDisk) (hypervisor.VBDRecord, bool) {
	if disk.Target == nil {
		return hypervisor.VBDRecord{}, false
	}
	slot, ok := naming.DeviceSlot(disk.Target.Dev)
	if !ok {
		return hypervisor.VBDRecord{}, false
	}
	return hypervisor.VBDRecord{
		Ref:        deviceRef(vm, disk.Target.Dev),
		VM:         vm,
		VDI:        diskHandle(disk),
		UserDevice: strconv.Itoa(slot),
		Bootable:   disk.Boot != nil,
		CD:         disk.Device == "cdrom",
		OSVolume:   isOSVolume(disk),
	}, true
}

// isOSVolume reports whether disk is backed by an external block device,
// either directly or through the pool of an attached volume.
func isOSVolume(disk libvirtxml.DomainDisk) bool {
	if disk.Source == nil {
		return false
	}
	if disk.Source.Block != nil {
		return true
	}
	if disk.Source.Volume != nil {
		_, ok := naming.SRFromPool(disk.Source.Volume.Pool)
		return ok
	}
	return false
}

// interfaceDevice builds the bridged virtio interface of rec.
func interfaceDevice(rec hypervisor.VIFRecord) (*libvirtxml.DomainInterface, error) {
	if rec.MAC == "" {
		return nil, fmt.Errorf("interface has no MAC address")
	}
	if rec.Bridge == "" {
		return nil, fmt.Errorf("interface %s has no bridge", rec.MAC)
	}

	iface := &libvirtxml.DomainInterface{
		MAC: &libvirtxml.DomainInterfaceMAC{
			Address: rec.MAC,
		},
		Source: &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{
				Bridge: rec.Bridge,
			},
		},
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}
	if rec.Target != "" {
		iface.Target = &libvirtxml.DomainInterfaceTarget{Dev: rec.Target}
	}
	if rec.MTU > 0 {
		iface.MTU = &libvirtxml.DomainInterfaceMTU{Size: uint(rec.MTU)}
	}
	if rec.Filter != "" {
		iface.FilterRef = &libvirtxml.DomainInterfaceFilterRef{Filter: rec.Filter}
	}
	return iface, nil
}

// parseDomain decodes a domain definition.
func parseDomain(xml string) (*libvirtxml.Domain, error) {
	var d libvirtxml.Domain
	if err := d.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if d.Devices == nil {
		d.Devices = &libvirtxml.DomainDeviceList{}
	}
	if d.OS == nil {
		d.OS = &libvirtxml.DomainOS{}
	}
	return &d, nil
}

package libvirt

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/hypervisor"
)

func TestGenerateDomainXML(t *testing.T) {
	id := uuid.MustParse("5c8e6d8a-4b3f-4e0a-a1d6-0b5f3e2c7d91")

	tests := []struct {
		name     string
		spec     hypervisor.VMSpec
		validate func(t *testing.T, d *libvirtxml.Domain)
	}{
		{
			name: "disk boot",
			spec: hypervisor.VMSpec{NameLabel: "web", MemoryMB: 2048, VCPUs: 2},
			validate: func(t *testing.T, d *libvirtxml.Domain) {
				if d.Name != "web-1" {
					t.Errorf("name = %q, want web-1", d.Name)
				}
				if d.UUID != id.String() {
					t.Errorf("uuid = %q", d.UUID)
				}
				if d.Memory.Value != 2048 || d.Memory.Unit != "MiB" {
					t.Errorf("memory = %d %s", d.Memory.Value, d.Memory.Unit)
				}
				if d.VCPU.Value != 2 {
					t.Errorf("vcpus = %d", d.VCPU.Value)
				}
				if d.OS.Kernel != "" {
					t.Errorf("unexpected kernel %q", d.OS.Kernel)
				}
				if d.OS.BIOS == nil {
					t.Error("expected BIOS boot")
				}
				if d.Clock.Offset != "utc" {
					t.Errorf("clock offset = %q", d.Clock.Offset)
				}
				if len(d.Devices.Disks) != 0 || len(d.Devices.Interfaces) != 0 {
					t.Error("disks and interfaces are attached separately")
				}
			},
		},
		{
			name: "kernel boot",
			spec: hypervisor.VMSpec{
				NameLabel: "web", MemoryMB: 512, VCPUs: 1, Mode: hypervisor.ModePV,
				Kernel: "/kernels/web-kernel", Ramdisk: "/kernels/web-ramdisk", Cmdline: "root=/dev/vda ro",
			},
			validate: func(t *testing.T, d *libvirtxml.Domain) {
				if d.OS.Kernel != "/kernels/web-kernel" || d.OS.Initrd != "/kernels/web-ramdisk" {
					t.Errorf("boot files = %q %q", d.OS.Kernel, d.OS.Initrd)
				}
				if d.OS.Cmdline != "root=/dev/vda ro" {
					t.Errorf("cmdline = %q", d.OS.Cmdline)
				}
				if d.OS.BIOS != nil {
					t.Error("kernel boot should not configure BIOS")
				}
			},
		},
		{
			name: "windows keeps local time",
			spec: hypervisor.VMSpec{NameLabel: "win", MemoryMB: 4096, VCPUs: 2, OSType: "Windows"},
			validate: func(t *testing.T, d *libvirtxml.Domain) {
				if d.Clock.Offset != "localtime" {
					t.Errorf("clock offset = %q", d.Clock.Offset)
				}
			},
		},
		{
			name: "guest agent channel",
			spec: hypervisor.VMSpec{NameLabel: "web", MemoryMB: 1024, VCPUs: 1},
			validate: func(t *testing.T, d *libvirtxml.Domain) {
				for _, ch := range d.Devices.Channels {
					if ch.Target != nil && ch.Target.VirtIO != nil && ch.Target.VirtIO.Name == GuestAgentChannel {
						return
					}
				}
				t.Error("missing guest agent channel")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xml, err := GenerateDomainXML(tt.spec, "web-1", id)
			if err != nil {
				t.Fatalf("GenerateDomainXML() failed: %v", err)
			}
			if !strings.Contains(xml, "<domain") {
				t.Fatalf("not a domain document: %s", xml)
			}
			d, err := parseDomain(xml)
			if err != nil {
				t.Fatalf("generated XML does not parse: %v", err)
			}
			tt.validate(t, d)
		})
	}
}

func TestGenerateDomainXML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec hypervisor.VMSpec
	}{
		{"no memory", hypervisor.VMSpec{NameLabel: "web", VCPUs: 1}},
		{"no vcpus", hypervisor.VMSpec{NameLabel: "web", MemoryMB: 512}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GenerateDomainXML(tt.spec, "web", uuid.New()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDiskDevice(t *testing.T) {
	tests := []struct {
		name       string
		rec        hypervisor.VBDRecord
		wantDev    string
		wantBus    string
		wantDriver string
		wantDevice string
		wantErr    bool
	}{
		{
			name:       "qcow2 volume",
			rec:        hypervisor.VBDRecord{VDI: "crucible-vms/web_root.qcow2", UserDevice: "0", Bootable: true},
			wantDev:    "vda",
			wantBus:    "virtio",
			wantDriver: "qcow2",
			wantDevice: "disk",
		},
		{
			name:       "raw volume",
			rec:        hypervisor.VBDRecord{VDI: "crucible-sr-1/lun-0", UserDevice: "4"},
			wantDev:    "vde",
			wantBus:    "virtio",
			wantDriver: "raw",
			wantDevice: "disk",
		},
		{
			name:       "config drive",
			rec:        hypervisor.VBDRecord{VDI: "crucible-vms/web_configdrive.iso", UserDevice: "3", CD: true},
			wantDev:    "sdd",
			wantBus:    "sata",
			wantDriver: "raw",
			wantDevice: "cdrom",
		},
		{
			name:       "block device",
			rec:        hypervisor.VBDRecord{VDI: "/dev/disk/by-path/lun-0", UserDevice: "1", OSVolume: true},
			wantDev:    "vdb",
			wantBus:    "virtio",
			wantDriver: "raw",
			wantDevice: "disk",
		},
		{
			name:    "bad user device",
			rec:     hypervisor.VBDRecord{VDI: "crucible-vms/web_root.qcow2", UserDevice: "xvda"},
			wantErr: true,
		},
		{
			name:    "bad handle",
			rec:     hypervisor.VBDRecord{VDI: "web_root.qcow2", UserDevice: "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk, err := diskDevice(tt.rec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("diskDevice() failed: %v", err)
			}
			if disk.Target.Dev != tt.wantDev || disk.Target.Bus != tt.wantBus {
				t.Errorf("target = %s on %s, want %s on %s", disk.Target.Dev, disk.Target.Bus, tt.wantDev, tt.wantBus)
			}
			if disk.Driver.Type != tt.wantDriver {
				t.Errorf("driver = %s, want %s", disk.Driver.Type, tt.wantDriver)
			}
			if disk.Device != tt.wantDevice {
				t.Errorf("device = %s, want %s", disk.Device, tt.wantDevice)
			}
			if (disk.Boot != nil) != tt.rec.Bootable {
				t.Errorf("boot = %v, want bootable %v", disk.Boot, tt.rec.Bootable)
			}

			// The record read back from the device matches the request.
			vbd, ok := vbdRecord("vm", *disk)
			if !ok {
				t.Fatal("vbdRecord() rejected the device")
			}
			if vbd.VDI != tt.rec.VDI || vbd.UserDevice != tt.rec.UserDevice || vbd.CD != tt.rec.CD {
				t.Errorf("round trip = %+v, want %+v", vbd, tt.rec)
			}
		})
	}
}

func TestInterfaceDevice(t *testing.T) {
	iface, err := interfaceDevice(hypervisor.VIFRecord{MAC: "52:54:00:aa:bb:cc", Bridge: "br0", Target: "tapabc", MTU: 9000, Filter: "crucible-web"})
	if err != nil {
		t.Fatalf("interfaceDevice() failed: %v", err)
	}
	if iface.Source.Bridge.Bridge != "br0" {
		t.Errorf("bridge = %q", iface.Source.Bridge.Bridge)
	}
	if iface.Target.Dev != "tapabc" {
		t.Errorf("target = %q", iface.Target.Dev)
	}
	if iface.MTU.Size != 9000 {
		t.Errorf("mtu = %d", iface.MTU.Size)
	}
	if iface.FilterRef == nil || iface.FilterRef.Filter != "crucible-web" {
		t.Errorf("filterref = %+v", iface.FilterRef)
	}

	if _, err := interfaceDevice(hypervisor.VIFRecord{Bridge: "br0"}); err == nil {
		t.Error("expected error for missing MAC")
	}
	if _, err := interfaceDevice(hypervisor.VIFRecord{MAC: "52:54:00:aa:bb:cc"}); err == nil {
		t.Error("expected error for missing bridge")
	}
}

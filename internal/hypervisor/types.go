// Package hypervisor holds the types exchanged between the lifecycle
// orchestrator and the remote control plane: opaque handles, VM, disk and
// interface records, and the failure type with its translation helpers.
package hypervisor

import (
	"errors"
	"fmt"
	"strings"
)

// Ref is an opaque handle to a remote object (VM, disk, VBD, VIF).
// Handles are only valid for the session that produced them.
type Ref string

// PowerState is the power state of a VM as seen by the control plane.
type PowerState string

// Power states.
const (
	Running   PowerState = "running"
	Halted    PowerState = "halted"
	Paused    PowerState = "paused"
	Suspended PowerState = "suspended"
	Crashed   PowerState = "crashed"
	Unknown   PowerState = "unknown"
)

// VMMode is the virtualization mode of a guest.
type VMMode string

// Virtualization modes.
const (
	ModePV  VMMode = "xen"
	ModeHVM VMMode = "hvm"
)

// ImageType classifies the boot image of an instance.
type ImageType int

// Image types.
const (
	ImageKernel ImageType = iota
	ImageRamdisk
	ImageDisk
	ImageDiskRaw
	ImageDiskVHD
	ImageDiskISO
	ImageDiskQCOW2
)

func (t ImageType) String() string {
	switch t {
	case ImageKernel:
		return "kernel"
	case ImageRamdisk:
		return "ramdisk"
	case ImageDisk:
		return "root"
	case ImageDiskRaw:
		return "os_raw"
	case ImageDiskVHD:
		return "vhd"
	case ImageDiskISO:
		return "iso"
	case ImageDiskQCOW2:
		return "qcow2"
	default:
		return fmt.Sprintf("image(%d)", int(t))
	}
}

// VMRecord is a snapshot of a VM's remote record.
type VMRecord struct {
	Ref        Ref
	UUID       string
	NameLabel  string
	PowerState PowerState
	// DomID is -1 when the VM is not running.
	DomID int
	// MemoryMaxBytes is the static memory maximum.
	MemoryMaxBytes uint64
	MemoryBytes    uint64
	VCPUs          int
	CPUTimeNanos   uint64
	// Kernel and Ramdisk are the boot file paths of a direct kernel boot.
	Kernel      string
	Ramdisk     string
	OtherConfig map[string]string
	// ParamData is the persisted key/value store on the record.
	ParamData         map[string]string
	BlockedOperations map[string]string
	VBDs              []Ref
	VIFs              []Ref
}

// VMSpec describes a VM record to create.
type VMSpec struct {
	NameLabel   string
	UUID        string
	MemoryMB    int
	VCPUs       int
	Mode        VMMode
	OSType      string
	Kernel      string
	Ramdisk     string
	Cmdline     string
	OtherConfig map[string]string
	// ConsoleLog is the host file the serial console is copied to.
	ConsoleLog string
	// VNCListen is the address a VNC server listens on. Empty means no
	// graphical console.
	VNCListen string
}

// ConsoleInfo tells a console proxy where to connect.
type ConsoleInfo struct {
	Host string
	Port int
}

// BandwidthCounter holds the traffic of one interface as seen by the
// guest.
type BandwidthCounter struct {
	MAC   string
	BWIn  uint64
	BWOut uint64
}

// VBDRecord binds a disk to a VM at a device slot.
type VBDRecord struct {
	Ref        Ref
	VM         Ref
	VDI        Ref
	UserDevice string
	Bootable   bool
	CD         bool
	// OSVolume marks a disk backed by an external block device.
	OSVolume bool
}

// VIFRecord describes a virtual interface.
type VIFRecord struct {
	Ref     Ref
	VM      Ref
	Device  string
	MAC     string
	Network string
	Bridge  string
	// Target is the host side tap device name.
	Target string
	MTU    int
	// Filter names the nwfilter applied to the interface, if any.
	Filter string
}

// Disk is a virtual disk created for, or attached to, an instance.
type Disk struct {
	Ref  Ref
	UUID string
	// OSVolume marks a root disk backed by an external block device.
	OSVolume bool
}

// DiskSet is the set of disks prepared for a new VM.
type DiskSet struct {
	Root *Disk
	ISO  *Disk
	// Ephemeral maps the user device slot to the disk.
	Ephemeral map[int]Disk
	// Volumes maps a mount device name to a disk backed by a block device.
	Volumes map[string]Disk
}

// All returns every disk in the set.
func (s DiskSet) All() []Disk {
	var out []Disk
	if s.Root != nil {
		out = append(out, *s.Root)
	}
	if s.ISO != nil {
		out = append(out, *s.ISO)
	}
	for _, d := range s.Ephemeral {
		out = append(out, d)
	}
	for _, d := range s.Volumes {
		out = append(out, d)
	}
	return out
}

// Owned returns the disks whose lifetime is tied to the VM, excluding
// disks backed by external block devices.
func (s DiskSet) Owned() []Disk {
	var out []Disk
	for _, d := range s.All() {
		if d.OSVolume {
			continue
		}
		out = append(out, d)
	}
	return out
}

// MigrateData is the opaque payload a destination host hands to the source
// for a live migration.
type MigrateData struct {
	// DestinationURI is where the source should send the VM.
	DestinationURI string
	// DestinationHost is the destination host name.
	DestinationHost string
	// BlockMigration is set when disks are copied with the VM.
	BlockMigration bool
	// Params carries backend specific values.
	Params map[string]string
}

// ErrInvalidDiskFormat is returned for an image disk format that cannot be
// booted.
var ErrInvalidDiskFormat = errors.New("invalid disk format")

// ImageTypeFromFormat maps an image disk format to the way it is booted.
func ImageTypeFromFormat(format string) (ImageType, error) {
	switch format {
	case "ami":
		return ImageDisk, nil
	case "aki":
		return ImageKernel, nil
	case "ari":
		return ImageRamdisk, nil
	case "raw":
		return ImageDiskRaw, nil
	case "vhd":
		return ImageDiskVHD, nil
	case "iso":
		return ImageDiskISO, nil
	case "qcow2":
		return ImageDiskQCOW2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidDiskFormat, format)
	}
}

// VolumeRef is the handle of a storage volume: "pool/volume".
func VolumeRef(pool, volume string) Ref {
	return Ref(pool + "/" + volume)
}

// Volume splits a handle made by VolumeRef.
func (r Ref) Volume() (pool, volume string, ok bool) {
	pool, volume, ok = strings.Cut(string(r), "/")
	if !ok || pool == "" || volume == "" {
		return "", "", false
	}
	return pool, volume, true
}

package vm

import (
	"context"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// Session is the remote control plane. Handles returned by one call are
// valid for the others; the session is shared by concurrent operations.
//
// In production, this is satisfied by *libvirt.Session.
// In tests, this is satisfied by mock implementations.
type Session interface {
	// Lookup finds a VM by name label. ok is false when there is none.
	Lookup(ctx context.Context, nameLabel string) (vm hypervisor.Ref, ok bool, err error)
	// ListVMs returns the records of all guest VMs.
	ListVMs(ctx context.Context) ([]hypervisor.VMRecord, error)
	GetRecord(ctx context.Context, vm hypervisor.Ref) (*hypervisor.VMRecord, error)
	PowerState(ctx context.Context, vm hypervisor.Ref) (hypervisor.PowerState, error)

	CreateVM(ctx context.Context, spec hypervisor.VMSpec) (hypervisor.Ref, error)
	DestroyVM(ctx context.Context, vm hypervisor.Ref) error
	SetNameLabel(ctx context.Context, vm hypervisor.Ref, name string) error

	Start(ctx context.Context, vm hypervisor.Ref) error
	CleanShutdown(ctx context.Context, vm hypervisor.Ref) error
	HardShutdown(ctx context.Context, vm hypervisor.Ref) error
	CleanReboot(ctx context.Context, vm hypervisor.Ref) error
	HardReboot(ctx context.Context, vm hypervisor.Ref) error
	Pause(ctx context.Context, vm hypervisor.Ref) error
	Unpause(ctx context.Context, vm hypervisor.Ref) error
	Suspend(ctx context.Context, vm hypervisor.Ref) error
	Resume(ctx context.Context, vm hypervisor.Ref) error

	// SetBlockedOperation prevents op (e.g. "start") on vm.
	SetBlockedOperation(ctx context.Context, vm hypervisor.Ref, op string) error
	RemoveBlockedOperation(ctx context.Context, vm hypervisor.Ref, op string) error

	// AddParam and RemoveParam edit the persisted param store of vm.
	AddParam(ctx context.Context, vm hypervisor.Ref, key, value string) error
	RemoveParam(ctx context.Context, vm hypervisor.Ref, key string) error
	// WriteGuestData and DeleteGuestData edit the live guest data of a
	// running vm. They return hypervisor.ErrNoDomID when vm is not running.
	WriteGuestData(ctx context.Context, vm hypervisor.Ref, path, value string) error
	DeleteGuestData(ctx context.Context, vm hypervisor.Ref, path string) error

	GetVBDs(ctx context.Context, vm hypervisor.Ref) ([]hypervisor.VBDRecord, error)
	CreateVBD(ctx context.Context, rec hypervisor.VBDRecord) (hypervisor.Ref, error)
	DestroyVBD(ctx context.Context, vbd hypervisor.Ref) error
	CreateVIF(ctx context.Context, rec hypervisor.VIFRecord) (hypervisor.Ref, error)
	// GetVIFs returns the interfaces of vm with their host side tap names.
	GetVIFs(ctx context.Context, vm hypervisor.Ref) ([]hypervisor.VIFRecord, error)

	// ConsoleLog returns the tail of the serial console output of vm.
	ConsoleLog(ctx context.Context, vm hypervisor.Ref) ([]byte, error)
	// VNCConsole returns where to reach the VNC server of the running vm.
	VNCConsole(ctx context.Context, vm hypervisor.Ref) (hypervisor.ConsoleInfo, error)

	// FreeMemory returns the free host memory in bytes.
	FreeMemory(ctx context.Context) (uint64, error)
	Diagnostics(ctx context.Context, vm hypervisor.Ref) (map[string]string, error)
}

// Migrator moves running VMs between hosts.
type Migrator interface {
	// MigrateReceive prepares this host to receive a block migration.
	MigrateReceive(ctx context.Context, destHost string) (hypervisor.MigrateData, error)
	AssertCanMigrate(ctx context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error
	// MigrateSend performs a block migration.
	MigrateSend(ctx context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error
	// PoolMigrate performs a live migration over shared storage.
	PoolMigrate(ctx context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error
	// RelaxedSRCheck reports whether VMs with iSCSI volumes may be migrated
	// without a shared storage check.
	RelaxedSRCheck(ctx context.Context) (bool, error)
	// ISCSIVolumes returns the SR UUIDs of iSCSI volumes attached to vm.
	ISCSIVolumes(ctx context.Context, vm hypervisor.Ref) ([]string, error)
	// StripBaseMirror clears block migration leftovers from the disks of vm.
	StripBaseMirror(ctx context.Context, vm hypervisor.Ref) error
}

// DiskHelper creates, imports, resizes and transfers disks.
type DiskHelper interface {
	// CreateDisks fetches the image of inst and prepares its disks.
	CreateDisks(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, imageType hypervisor.ImageType) (hypervisor.DiskSet, error)
	// ImportMigratedDisks imports the disks staged by a resize transfer.
	ImportMigratedDisks(ctx context.Context, inst *v1alpha1.Instance, importRoot bool) (hypervisor.DiskSet, error)
	// DestroyDisk removes a disk. A missing disk is not an error.
	DestroyDisk(ctx context.Context, disk hypervisor.Ref) error
	// DiskUUID returns the stable identifier of a disk.
	DiskUUID(ctx context.Context, disk hypervisor.Ref) (string, error)

	CreateKernelRamdisk(ctx context.Context, inst *v1alpha1.Instance, nameLabel string) (kernel, ramdisk string, err error)
	DestroyKernelRamdisk(ctx context.Context, kernel, ramdisk string) error

	// ResizeDiskCopy makes a copy of disk shrunk to sizeGB.
	ResizeDiskCopy(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, sizeGB int) (hypervisor.Disk, error)
	// UpdateVirtualSize grows disk to sizeGB.
	UpdateVirtualSize(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, sizeGB int) error
	// AutoConfigureDisk grows the partition and filesystem of disk.
	AutoConfigureDisk(ctx context.Context, disk hypervisor.Ref, sizeGB int) error

	GenerateEphemeral(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, userdevice, sizeGB int) (hypervisor.Disk, error)
	GenerateSwap(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, sizeMB int) (hypervisor.Disk, error)
	GenerateBlankRoot(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, sizeGB int) (hypervisor.Disk, error)
	GenerateConfigDrive(ctx context.Context, inst *v1alpha1.Instance, nameLabel, adminPassword string, files []v1alpha1.File) (hypervisor.Disk, error)

	// SnapshotAttached snapshots disk while it stays attached. chain[0] is
	// the leaf the VM keeps writing to, chain[1:] are the immutable parents
	// down to the base. release deletes the snapshot.
	SnapshotAttached(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, label string) (chain []hypervisor.Ref, release func(context.Context) error, err error)
	// MigrateVHD transfers disk into the staging directory of dest as
	// sequence seq of ephemeral disk number ephemeral (0 for root).
	MigrateVHD(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, dest, srPath string, seq, ephemeral int) error
	// SRPath returns the staging directory used by MigrateVHD.
	SRPath(ctx context.Context) (string, error)
}

// VIFDriver prepares the host side of virtual interfaces.
type VIFDriver interface {
	// Plug prepares vif and returns the record to create on vm. vm may be
	// empty, in which case only the host side is prepared.
	Plug(ctx context.Context, inst *v1alpha1.Instance, vif v1alpha1.VIF, vm hypervisor.Ref, device int) (hypervisor.VIFRecord, error)
	Unplug(ctx context.Context, inst *v1alpha1.Instance, vif v1alpha1.VIF) error
	// Counters returns the traffic counters of the host side of rec.
	Counters(ctx context.Context, rec hypervisor.VIFRecord) (hypervisor.BandwidthCounter, error)
}

// Firewall applies per-instance traffic filters.
type Firewall interface {
	// SetupBasicFiltering may return a NotSupported error, which is ignored.
	SetupBasicFiltering(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	PrepareInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	ApplyInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error
	UnfilterInstance(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error

	// The refresh calls rebuild the rules of running interfaces.
	RefreshSecurityGroupRules(ctx context.Context, groupID string) error
	RefreshSecurityGroupMembers(ctx context.Context, groupID string) error
	RefreshInstanceSecurityRules(ctx context.Context, inst *v1alpha1.Instance) error
	RefreshProviderFWRules(ctx context.Context) error
}

// Agent talks to the in-guest agent of one VM.
type Agent interface {
	// Version returns "" when the agent does not answer.
	Version(ctx context.Context) (string, error)
	UpdateIfNeeded(ctx context.Context, version string) error
	InjectSSHKey(ctx context.Context, keys []string) error
	InjectFile(ctx context.Context, path string, contents []byte) error
	SetAdminPassword(ctx context.Context, password string) error
	ResetNetwork(ctx context.Context) error
}

// AgentFactory returns the agent of a VM.
type AgentFactory interface {
	AgentFor(inst *v1alpha1.Instance, vm hypervisor.Ref) Agent
}

// VolumeOps attaches external block devices.
type VolumeOps interface {
	// ConnectVolume makes a volume available without attaching it.
	ConnectVolume(ctx context.Context, conn v1alpha1.ConnectionInfo) (srUUID string, disk hypervisor.Disk, err error)
	AttachVolume(ctx context.Context, conn v1alpha1.ConnectionInfo, vmName, mountDevice string, hotplug bool) (srUUID string, err error)
	DetachVolume(ctx context.Context, vmName, mountDevice string) error
	DetachAll(ctx context.Context, vm hypervisor.Ref) error
	// FindBadVolumes returns the devices of vm whose backing volume is
	// unreachable.
	FindBadVolumes(ctx context.Context, vm hypervisor.Ref) ([]string, error)
	ForgetSR(ctx context.Context, srUUID string) error
}

// InstanceStore persists instance fields (progress, vm_state, vm_mode).
type InstanceStore interface {
	Update(ctx context.Context, uuid string, fields map[string]any) error
}

// ImageUploader stores a snapshot chain as an image.
type ImageUploader interface {
	UploadImage(ctx context.Context, inst *v1alpha1.Instance, imageID string, chain []hypervisor.Ref) error
}

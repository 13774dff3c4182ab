package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/configdrive"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// diskUUID derives a stable identifier from the path of a volume.
func diskUUID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path)).String()
}

// disk describes the volume behind ref.
func (m *Manager) disk(ref hypervisor.Ref) (hypervisor.Disk, error) {
	vol, err := m.volume(ref)
	if err != nil {
		return hypervisor.Disk{}, err
	}
	info, err := m.volumeInfo(vol)
	if err != nil {
		return hypervisor.Disk{}, err
	}
	return hypervisor.Disk{Ref: ref, UUID: diskUUID(info.Path)}, nil
}

// CreateDisks prepares the disks of a new VM from the image of inst. Disk
// images become a qcow2 overlay on the image volume sized to the flavor;
// ISO images are copied so the VM owns the CD it boots from.
func (m *Manager) CreateDisks(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, imageType hypervisor.ImageType) (hypervisor.DiskSet, error) {
	_, img, err := m.findImage(inst.Spec.Image.ID)
	if err != nil {
		return hypervisor.DiskSet{}, err
	}

	switch imageType {
	case hypervisor.ImageDiskISO:
		name, err := m.uniqueName(ctx, m.opts.VMsPool, naming.VolumeNameInstallISO(nameLabel))
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		src, err := m.lookupVolume(img.Pool, img.Name)
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		ref, err := m.cloneVolume(m.opts.VMsPool, name, src, VolumeFormatISO)
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		iso, err := m.created(ctx, ref)
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		return hypervisor.DiskSet{ISO: &iso}, nil

	case hypervisor.ImageDisk, hypervisor.ImageDiskRaw, hypervisor.ImageDiskVHD, hypervisor.ImageDiskQCOW2:
		capacity := img.Capacity
		if rootGB := inst.Spec.Flavor.RootGB; rootGB > 0 {
			want := uint64(rootGB) * GiB
			if want < img.Capacity {
				return hypervisor.DiskSet{}, jujuerrors.NotValidf("flavor root disk of %d GB for image %s of %d bytes", rootGB, img.Name, img.Capacity)
			}
			capacity = want
		}

		name, err := m.uniqueName(ctx, m.opts.VMsPool, naming.VolumeNameRoot(nameLabel))
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		ref, err := m.CreateVolume(ctx, m.opts.VMsPool, VolumeSpec{
			Name:     name,
			Format:   VolumeFormatQCOW2,
			Capacity: capacity,
			Backing:  &Backing{Path: img.Path, Format: img.Format},
		})
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		root, err := m.created(ctx, ref)
		if err != nil {
			return hypervisor.DiskSet{}, err
		}
		m.log.V(1).Info("created root disk", "disk", string(ref), "image", img.Name)
		return hypervisor.DiskSet{Root: &root}, nil

	default:
		return hypervisor.DiskSet{}, jujuerrors.NotValidf("%s image as a boot disk", imageType)
	}
}

// created describes a volume this call just made, deleting it again when
// that fails.
func (m *Manager) created(ctx context.Context, ref hypervisor.Ref) (hypervisor.Disk, error) {
	d, err := m.disk(ref)
	if err != nil {
		if derr := m.DestroyDisk(ctx, ref); derr != nil {
			m.log.Error(derr, "failed to remove disk", "disk", string(ref))
		}
		return hypervisor.Disk{}, err
	}
	return d, nil
}

// DestroyDisk deletes the volume behind disk. A missing volume is not an
// error.
func (m *Manager) DestroyDisk(ctx context.Context, disk hypervisor.Ref) error {
	poolName, name, ok := disk.Volume()
	if !ok {
		return &hypervisor.Failure{Code: hypervisor.CodeHandleInvalid, Details: []string{string(disk)}}
	}
	return m.DeleteVolume(ctx, poolName, name)
}

// DiskUUID returns the identifier of disk, derived from its volume path.
func (m *Manager) DiskUUID(ctx context.Context, disk hypervisor.Ref) (string, error) {
	d, err := m.disk(disk)
	if err != nil {
		return "", err
	}
	return d.UUID, nil
}

// ResizeDiskCopy copies disk into a new volume of sizeGB. The copy is
// rejected when the data already written does not fit.
func (m *Manager) ResizeDiskCopy(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, sizeGB int) (hypervisor.Disk, error) {
	if sizeGB <= 0 {
		return hypervisor.Disk{}, jujuerrors.NotValidf("disk size %d GB", sizeGB)
	}
	src, err := m.volume(disk)
	if err != nil {
		return hypervisor.Disk{}, err
	}

	name, err := m.uniqueName(ctx, m.opts.VMsPool, naming.VolumeNameResized(inst.Name))
	if err != nil {
		return hypervisor.Disk{}, err
	}
	ref, err := m.cloneVolume(m.opts.VMsPool, name, src, VolumeFormatQCOW2)
	if err != nil {
		return hypervisor.Disk{}, err
	}

	shrink := func() error {
		cp, err := m.volume(ref)
		if err != nil {
			return err
		}
		info, err := m.volumeInfo(cp)
		if err != nil {
			return err
		}
		want := uint64(sizeGB) * GiB
		if info.Allocation > want {
			return fmt.Errorf("disk %s holds %d bytes, more than %d GB", disk, info.Allocation, sizeGB)
		}
		if info.Capacity == want {
			return nil
		}
		return m.resizeVolume(cp, want, info.Capacity > want)
	}
	if err := shrink(); err != nil {
		if derr := m.DestroyDisk(ctx, ref); derr != nil {
			m.log.Error(derr, "failed to remove resized copy", "disk", string(ref))
		}
		return hypervisor.Disk{}, err
	}

	m.log.V(1).Info("resized disk copy", "source", string(disk), "copy", string(ref), "sizeGB", sizeGB)
	return m.created(ctx, ref)
}

// UpdateVirtualSize grows disk to sizeGB. Disks cannot shrink in place.
func (m *Manager) UpdateVirtualSize(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, sizeGB int) error {
	vol, err := m.volume(disk)
	if err != nil {
		return err
	}
	info, err := m.volumeInfo(vol)
	if err != nil {
		return err
	}
	want := uint64(sizeGB) * GiB
	switch {
	case info.Capacity > want:
		return jujuerrors.NotSupportedf("shrinking disk %s from %d bytes to %d GB", disk, info.Capacity, sizeGB)
	case info.Capacity == want:
		return nil
	}
	m.log.V(1).Info("resizing disk", "disk", string(disk), "from", info.Capacity, "to", want)
	return m.resizeVolume(vol, want, false)
}

// AutoConfigureDisk grows disk to sizeGB. The guest grows its root
// partition and file system on boot when the auto-disk-config param is set.
func (m *Manager) AutoConfigureDisk(ctx context.Context, disk hypervisor.Ref, sizeGB int) error {
	vol, err := m.volume(disk)
	if err != nil {
		return err
	}
	info, err := m.volumeInfo(vol)
	if err != nil {
		return err
	}
	want := uint64(sizeGB) * GiB
	if sizeGB <= 0 || info.Capacity >= want {
		return nil
	}
	return m.resizeVolume(vol, want, false)
}

// GenerateEphemeral creates an empty ephemeral disk for a user device slot.
func (m *Manager) GenerateEphemeral(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, userdevice, sizeGB int) (hypervisor.Disk, error) {
	if sizeGB <= 0 {
		return hypervisor.Disk{}, jujuerrors.NotValidf("ephemeral disk size %d GB", sizeGB)
	}
	return m.generateBlank(ctx, naming.VolumeNameEphemeral(nameLabel, userdevice), uint64(sizeGB)*GiB)
}

// GenerateSwap creates an empty swap disk.
func (m *Manager) GenerateSwap(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, sizeMB int) (hypervisor.Disk, error) {
	if sizeMB <= 0 {
		return hypervisor.Disk{}, jujuerrors.NotValidf("swap size %d MB", sizeMB)
	}
	return m.generateBlank(ctx, naming.VolumeNameSwap(nameLabel), uint64(sizeMB)*MiB)
}

// GenerateBlankRoot creates an empty root disk for ISO installs.
func (m *Manager) GenerateBlankRoot(ctx context.Context, inst *v1alpha1.Instance, nameLabel string, sizeGB int) (hypervisor.Disk, error) {
	if sizeGB <= 0 {
		return hypervisor.Disk{}, jujuerrors.NotValidf("root disk size %d GB", sizeGB)
	}
	return m.generateBlank(ctx, naming.VolumeNameRoot(nameLabel), uint64(sizeGB)*GiB)
}

func (m *Manager) generateBlank(ctx context.Context, name string, capacity uint64) (hypervisor.Disk, error) {
	name, err := m.uniqueName(ctx, m.opts.VMsPool, name)
	if err != nil {
		return hypervisor.Disk{}, err
	}
	ref, err := m.CreateVolume(ctx, m.opts.VMsPool, VolumeSpec{Name: name, Format: VolumeFormatQCOW2, Capacity: capacity})
	if err != nil {
		return hypervisor.Disk{}, err
	}
	return m.created(ctx, ref)
}

// GenerateConfigDrive builds the config-drive ISO of inst and uploads it to
// a new volume.
func (m *Manager) GenerateConfigDrive(ctx context.Context, inst *v1alpha1.Instance, nameLabel, adminPassword string, files []v1alpha1.File) (hypervisor.Disk, error) {
	data, err := configdrive.Build(inst, adminPassword, files)
	if err != nil {
		return hypervisor.Disk{}, fmt.Errorf("failed to build config drive: %w", err)
	}

	name, err := m.uniqueName(ctx, m.opts.VMsPool, naming.VolumeNameConfigDrive(nameLabel))
	if err != nil {
		return hypervisor.Disk{}, err
	}
	ref, err := m.CreateVolume(ctx, m.opts.VMsPool, VolumeSpec{Name: name, Format: VolumeFormatISO, Capacity: uint64(len(data))})
	if err != nil {
		return hypervisor.Disk{}, err
	}
	if err := m.WriteVolume(ctx, ref, bytes.NewReader(data), uint64(len(data))); err != nil {
		if derr := m.DestroyDisk(ctx, ref); derr != nil {
			m.log.Error(derr, "failed to remove config drive", "disk", string(ref))
		}
		return hypervisor.Disk{}, err
	}
	return m.created(ctx, ref)
}

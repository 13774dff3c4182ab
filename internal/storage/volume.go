package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	jujuerrors "github.com/juju/errors"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/hypervisor"
)

// isNotFound reports whether err says a pool or volume does not exist.
func isNotFound(err error) bool {
	if jujuerrors.Is(err, jujuerrors.NotFound) {
		return true
	}
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	return lerr.Code == uint32(libvirt.ErrNoStorageVol) || lerr.Code == uint32(libvirt.ErrNoStoragePool)
}

// CreateVolume creates a volume in poolName and returns its handle.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) (hypervisor.Ref, error) {
	return createVolume(m.client, poolName, spec)
}

func createVolume(client LibvirtClient, poolName string, spec VolumeSpec) (hypervisor.Ref, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid volume spec: %w", err)
	}
	pool, err := lookupPool(client, poolName)
	if err != nil {
		return "", err
	}
	xml, err := volumeXML(spec)
	if err != nil {
		return "", fmt.Errorf("failed to generate volume XML: %w", err)
	}
	if _, err := client.StorageVolCreateXML(pool, xml, 0); err != nil {
		return "", fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}
	return hypervisor.VolumeRef(poolName, spec.Name), nil
}

// cloneVolume copies src into a new volume name of poolName. The copy is
// self-contained: it does not share a backing file with src.
func (m *Manager) cloneVolume(poolName, name string, src libvirt.StorageVol, format VolumeFormat) (hypervisor.Ref, error) {
	pool, err := m.lookupPool(poolName)
	if err != nil {
		return "", err
	}
	info, err := m.volumeInfo(src)
	if err != nil {
		return "", err
	}
	xml, err := volumeXML(VolumeSpec{Name: name, Format: format, Capacity: info.Capacity})
	if err != nil {
		return "", fmt.Errorf("failed to generate volume XML: %w", err)
	}
	if _, err := m.client.StorageVolCreateXMLFrom(pool, xml, src, 0); err != nil {
		return "", fmt.Errorf("failed to copy %s/%s to %s: %w", src.Pool, src.Name, name, err)
	}
	return hypervisor.VolumeRef(poolName, name), nil
}

// DeleteVolume deletes a volume. A missing volume is not an error.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if err := m.client.StorageVolDelete(vol, 0); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete volume %s/%s: %w", poolName, volumeName, err)
	}
	return nil
}

// ListVolumes lists the volumes of a pool sorted by name.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.lookupPool(poolName)
	if err != nil {
		return nil, err
	}
	vols, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes of %s: %w", poolName, err)
	}

	var infos []VolumeInfo
	for _, vol := range vols {
		info, err := m.volumeInfo(vol)
		if err != nil {
			m.log.V(1).Info("skipping volume", "pool", poolName, "volume", vol.Name, "error", err.Error())
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// GetVolumePath returns the file system path of a volume.
func (m *Manager) GetVolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return "", err
	}
	p, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get path of %s/%s: %w", poolName, volumeName, err)
	}
	return p, nil
}

// VolumeExists reports whether a volume exists.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	_, err := m.lookupVolume(poolName, volumeName)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// WriteVolume uploads size bytes from r into a volume.
func (m *Manager) WriteVolume(ctx context.Context, ref hypervisor.Ref, r io.Reader, size uint64) error {
	vol, err := m.volume(ref)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolUpload(vol, r, 0, size, 0); err != nil {
		return fmt.Errorf("failed to upload to %s: %w", ref, err)
	}
	return nil
}

// ReadVolume streams the contents of a volume into w.
func (m *Manager) ReadVolume(ctx context.Context, ref hypervisor.Ref, w io.Writer) error {
	vol, err := m.volume(ref)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolDownload(vol, w, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to download %s: %w", ref, err)
	}
	return nil
}

// volume resolves a handle made by hypervisor.VolumeRef.
func (m *Manager) volume(ref hypervisor.Ref) (libvirt.StorageVol, error) {
	poolName, name, ok := ref.Volume()
	if !ok {
		return libvirt.StorageVol{}, &hypervisor.Failure{
			Code:    hypervisor.CodeHandleInvalid,
			Details: []string{string(ref)},
		}
	}
	return m.lookupVolume(poolName, name)
}

func (m *Manager) lookupVolume(poolName, name string) (libvirt.StorageVol, error) {
	return lookupVolume(m.client, poolName, name)
}

func lookupVolume(client LibvirtClient, poolName, name string) (libvirt.StorageVol, error) {
	pool, err := lookupPool(client, poolName)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	vol, err := client.StorageVolLookupByName(pool, name)
	if err != nil {
		if isNotFound(err) {
			return libvirt.StorageVol{}, jujuerrors.NewNotFound(err, fmt.Sprintf("volume %s/%s", poolName, name))
		}
		return libvirt.StorageVol{}, fmt.Errorf("failed to look up volume %s/%s: %w", poolName, name, err)
	}
	return vol, nil
}

// volumeInfo reads the size, path, format and backing file of a volume.
func (m *Manager) volumeInfo(vol libvirt.StorageVol) (VolumeInfo, error) {
	_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
	if err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to get info of %s/%s: %w", vol.Pool, vol.Name, err)
	}
	desc, err := m.client.StorageVolGetXMLDesc(vol, 0)
	if err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to get XML of %s/%s: %w", vol.Pool, vol.Name, err)
	}
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(desc); err != nil {
		return VolumeInfo{}, fmt.Errorf("failed to parse XML of %s/%s: %w", vol.Pool, vol.Name, err)
	}

	info := VolumeInfo{
		Name:       vol.Name,
		Pool:       vol.Pool,
		Path:       vol.Key,
		Format:     VolumeFormatRaw,
		Capacity:   capacity,
		Allocation: allocation,
	}
	if def.Target != nil {
		if def.Target.Path != "" {
			info.Path = def.Target.Path
		}
		if def.Target.Format != nil && def.Target.Format.Type != "" {
			info.Format = VolumeFormat(def.Target.Format.Type)
		}
	}
	if info.Format == VolumeFormatRaw && strings.HasSuffix(vol.Name, ".iso") {
		info.Format = VolumeFormatISO
	}
	if def.BackingStore != nil {
		info.BackingPath = def.BackingStore.Path
	}
	return info, nil
}

// resizeVolume sets the capacity of a volume. shrink allows making it
// smaller.
func (m *Manager) resizeVolume(vol libvirt.StorageVol, capacity uint64, shrink bool) error {
	var flags libvirt.StorageVolResizeFlags
	if shrink {
		flags |= libvirt.StorageVolResizeShrink
	}
	if err := m.client.StorageVolResize(vol, capacity, flags); err != nil {
		return fmt.Errorf("failed to resize %s/%s to %d bytes: %w", vol.Pool, vol.Name, capacity, err)
	}
	return nil
}

// uniqueName returns name, or name with a random tag before its extension
// when poolName already holds a volume of that name. A VM and the copy
// that replaces it during a resize live on one host at the same time.
func (m *Manager) uniqueName(ctx context.Context, poolName, name string) (string, error) {
	exists, err := m.VolumeExists(ctx, poolName, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return name, nil
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(name, ext), uuid.NewString()[:8], ext), nil
}

// volumeXML generates a file volume owned by the QEMU user.
func volumeXML(spec VolumeSpec) (string, error) {
	owner, group := qemuOwner()
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.Capacity,
			Unit:  "bytes",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: spec.Format.targetFormat(),
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: owner,
				Group: group,
				Mode:  "0644",
			},
		},
	}
	if spec.Backing != nil {
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: spec.Backing.Path,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: spec.Backing.Format.targetFormat(),
			},
		}
	}
	return vol.Marshal()
}

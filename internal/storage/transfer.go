package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/digitalocean/go-libvirt"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// firstEphemeralDevice is the user device slot of the first ephemeral disk.
const firstEphemeralDevice = 4

// SRPath returns the staging directory that receives transferred disks.
func (m *Manager) SRPath(ctx context.Context) (string, error) {
	if m.opts.SRPath == "" {
		return "", jujuerrors.NotValidf("empty staging path")
	}
	return m.opts.SRPath, nil
}

// SnapshotAttached copies disk while the VM keeps running on it. The
// returned chain holds disk itself followed by the copy, which is
// self-contained; release deletes the copy.
func (m *Manager) SnapshotAttached(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, label string) ([]hypervisor.Ref, func(context.Context) error, error) {
	_, name, ok := disk.Volume()
	if !ok {
		return nil, nil, &hypervisor.Failure{Code: hypervisor.CodeHandleInvalid, Details: []string{string(disk)}}
	}
	src, err := m.volume(disk)
	if err != nil {
		return nil, nil, err
	}

	copyName, err := m.uniqueName(ctx, m.opts.VMsPool, naming.VolumeNameOverlay(name, label))
	if err != nil {
		return nil, nil, err
	}
	ref, err := m.cloneVolume(m.opts.VMsPool, copyName, src, VolumeFormatQCOW2)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to snapshot %s: %w", disk, err)
	}
	m.log.V(1).Info("snapshotted disk", "disk", string(disk), "snapshot", string(ref))

	release := func(ctx context.Context) error {
		return m.DestroyDisk(ctx, ref)
	}
	return []hypervisor.Ref{disk, ref}, release, nil
}

// stagedName is the name of a transferred disk in the staging pool.
func stagedName(inst *v1alpha1.Instance, seq, ephemeral int) string {
	return naming.VolumePrefix(inst.UUID()) + naming.StagedVHDName(seq, ephemeral)
}

// MigrateVHD streams disk into the staging pool of dest. Disks backed by
// an image are flattened first so the destination does not need the image.
func (m *Manager) MigrateVHD(ctx context.Context, inst *v1alpha1.Instance, disk hypervisor.Ref, dest, srPath string, seq, ephemeral int) error {
	if m.dial == nil {
		return jujuerrors.NotSupportedf("disk transfer without a remote dialer")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := m.volume(disk)
	if err != nil {
		return err
	}
	info, err := m.volumeInfo(src)
	if err != nil {
		return err
	}
	if info.BackingPath != "" {
		flat, err := m.uniqueName(ctx, m.opts.VMsPool, naming.VolumeNameOverlay(src.Name, "flat"))
		if err != nil {
			return err
		}
		ref, err := m.cloneVolume(m.opts.VMsPool, flat, src, VolumeFormatQCOW2)
		if err != nil {
			return fmt.Errorf("failed to flatten %s: %w", disk, err)
		}
		defer func() {
			if err := m.DestroyDisk(context.WithoutCancel(ctx), ref); err != nil {
				m.log.Error(err, "failed to remove flattened copy", "disk", string(ref))
			}
		}()
		if src, err = m.volume(ref); err != nil {
			return err
		}
		if info, err = m.volumeInfo(src); err != nil {
			return err
		}
	}

	remote, closeRemote, err := m.dial(ctx, dest)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", dest, err)
	}
	defer func() {
		if err := closeRemote(); err != nil {
			m.log.V(1).Info("failed to close remote connection", "host", dest, "error", err.Error())
		}
	}()

	if err := ensurePool(remote, m.opts.StagingPool, PoolTypeDir, srPath); err != nil {
		return fmt.Errorf("failed to prepare staging pool on %s: %w", dest, err)
	}

	name := stagedName(inst, seq, ephemeral)
	if old, err := lookupVolume(remote, m.opts.StagingPool, name); err == nil {
		if err := remote.StorageVolDelete(old, 0); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to replace %s on %s: %w", name, dest, err)
		}
	} else if !isNotFound(err) {
		return err
	}

	if _, err := createVolume(remote, m.opts.StagingPool, VolumeSpec{Name: name, Format: info.Format, Capacity: info.Capacity}); err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", name, dest, err)
	}
	target, err := lookupVolume(remote, m.opts.StagingPool, name)
	if err != nil {
		return err
	}

	if err := m.stream(src, remote, target); err != nil {
		if derr := remote.StorageVolDelete(target, 0); derr != nil && !isNotFound(derr) {
			m.log.Error(derr, "failed to remove partial transfer", "host", dest, "volume", name)
		}
		return fmt.Errorf("failed to transfer %s to %s: %w", disk, dest, err)
	}

	m.log.Info("transferred disk", "disk", string(disk), "host", dest, "staged", name, "bytes", info.Allocation)
	return nil
}

// stream copies the contents of src into target on remote.
func (m *Manager) stream(src libvirt.StorageVol, remote LibvirtClient, target libvirt.StorageVol) error {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := m.client.StorageVolDownload(src, pw, 0, 0, 0)
		_ = pw.CloseWithError(err)
		done <- err
	}()

	uerr := remote.StorageVolUpload(target, pr, 0, 0, 0)
	_ = pr.CloseWithError(uerr)
	derr := <-done
	if derr != nil {
		return fmt.Errorf("download: %w", derr)
	}
	if uerr != nil {
		return fmt.Errorf("upload: %w", uerr)
	}
	return nil
}

// ImportMigratedDisks moves the disks staged for inst into the VMs pool.
// The root is the leaf of sequence 0; ephemeral disk n is placed in user
// device slot 4+n-1. Every staged volume of the instance is removed.
func (m *Manager) ImportMigratedDisks(ctx context.Context, inst *v1alpha1.Instance, importRoot bool) (hypervisor.DiskSet, error) {
	staged, err := m.ListVolumes(ctx, m.opts.StagingPool)
	if err != nil {
		return hypervisor.DiskSet{}, err
	}
	prefix := naming.VolumePrefix(inst.UUID())
	names := map[string]bool{}
	for _, v := range staged {
		if strings.HasPrefix(v.Name, prefix) {
			names[v.Name] = true
		}
	}

	var set hypervisor.DiskSet
	rollback := func() {
		for _, d := range set.Owned() {
			if err := m.DestroyDisk(context.WithoutCancel(ctx), d.Ref); err != nil {
				m.log.Error(err, "failed to remove imported disk", "disk", string(d.Ref))
			}
		}
	}

	importOne := func(staged, name string) (hypervisor.Disk, error) {
		src, err := m.lookupVolume(m.opts.StagingPool, staged)
		if err != nil {
			return hypervisor.Disk{}, err
		}
		name, err = m.uniqueName(ctx, m.opts.VMsPool, name)
		if err != nil {
			return hypervisor.Disk{}, err
		}
		ref, err := m.cloneVolume(m.opts.VMsPool, name, src, VolumeFormatQCOW2)
		if err != nil {
			return hypervisor.Disk{}, err
		}
		return m.created(ctx, ref)
	}

	if importRoot {
		rootName := stagedName(inst, 0, 0)
		if !names[rootName] {
			return hypervisor.DiskSet{}, jujuerrors.NotFoundf("staged root disk %s", rootName)
		}
		root, err := importOne(rootName, naming.VolumeNameRoot(inst.Name))
		if err != nil {
			return hypervisor.DiskSet{}, fmt.Errorf("failed to import root disk: %w", err)
		}
		set.Root = &root
	}

	for n := 1; names[stagedName(inst, 0, n)]; n++ {
		userdevice := firstEphemeralDevice + n - 1
		d, err := importOne(stagedName(inst, 0, n), naming.VolumeNameEphemeral(inst.Name, userdevice))
		if err != nil {
			rollback()
			return hypervisor.DiskSet{}, fmt.Errorf("failed to import ephemeral disk %d: %w", n, err)
		}
		if set.Ephemeral == nil {
			set.Ephemeral = map[int]hypervisor.Disk{}
		}
		set.Ephemeral[userdevice] = d
	}

	for name := range names {
		if err := m.DeleteVolume(ctx, m.opts.StagingPool, name); err != nil {
			m.log.Error(err, "failed to remove staged disk", "volume", name)
		}
	}
	m.log.Info("imported migrated disks", "instance", inst.UUID(), "root", set.Root != nil, "ephemeral", len(set.Ephemeral))
	return set, nil
}

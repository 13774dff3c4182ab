package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/digitalocean/go-libvirt"
	jujuerrors "github.com/juju/errors"
)

// imageExtensions are tried in order when an image is looked up by ID.
var imageExtensions = []string{"", ".qcow2", ".raw", ".img", ".iso"}

// extensionFor is the volume name extension of an imported image.
func extensionFor(format VolumeFormat) string {
	switch format {
	case VolumeFormatRaw:
		return ".raw"
	case VolumeFormatISO:
		return ".iso"
	default:
		return ".qcow2"
	}
}

// ImportImage uploads the image file at filePath into the images pool and
// returns the volume name. The format is detected from the file contents
// and the name gets the matching extension.
func (m *Manager) ImportImage(ctx context.Context, filePath, imageName string) (string, error) {
	format, err := DetectImageFormat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to validate image: %w", err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open image file: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat image file: %w", err)
	}
	size := uint64(st.Size())

	if imageName == "" {
		imageName = filepath.Base(filePath)
	}
	imageName = strings.TrimSuffix(imageName, filepath.Ext(imageName)) + extensionFor(format)

	ref, err := m.CreateVolume(ctx, m.opts.ImagesPool, VolumeSpec{
		Name:     imageName,
		Format:   format,
		Capacity: max(size, MiB),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create image volume: %w", err)
	}

	if err := m.WriteVolume(ctx, ref, f, size); err != nil {
		if derr := m.DeleteVolume(ctx, m.opts.ImagesPool, imageName); derr != nil {
			m.log.Error(derr, "failed to remove partial image", "image", imageName)
		}
		return "", fmt.Errorf("failed to upload image data: %w", err)
	}

	m.log.Info("imported image", "image", imageName, "format", string(format), "bytes", size)
	return imageName, nil
}

// ListImages lists the images pool.
func (m *Manager) ListImages(ctx context.Context) ([]VolumeInfo, error) {
	return m.ListVolumes(ctx, m.opts.ImagesPool)
}

// DeleteImage deletes an image. Unless force is set, an image that backs
// a disk in the VMs pool is kept and an error is returned.
func (m *Manager) DeleteImage(ctx context.Context, imageName string, force bool) error {
	vol, err := m.lookupVolume(m.opts.ImagesPool, imageName)
	if err != nil {
		return err
	}

	if !force {
		info, err := m.volumeInfo(vol)
		if err != nil {
			return err
		}
		users, err := m.ListVolumes(ctx, m.opts.VMsPool)
		if err != nil {
			return err
		}
		for _, u := range users {
			if u.BackingPath != "" && u.BackingPath == info.Path {
				return fmt.Errorf("image %s backs volume %s", imageName, u.Name)
			}
		}
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete image %s: %w", imageName, err)
	}
	return nil
}

// findImage looks up the image volume of an image ID.
func (m *Manager) findImage(id string) (libvirt.StorageVol, VolumeInfo, error) {
	if id == "" {
		return libvirt.StorageVol{}, VolumeInfo{}, jujuerrors.NotValidf("empty image ID")
	}
	for _, ext := range imageExtensions {
		vol, err := m.lookupVolume(m.opts.ImagesPool, id+ext)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return libvirt.StorageVol{}, VolumeInfo{}, err
		}
		info, err := m.volumeInfo(vol)
		if err != nil {
			return libvirt.StorageVol{}, VolumeInfo{}, err
		}
		return vol, info, nil
	}
	return libvirt.StorageVol{}, VolumeInfo{}, jujuerrors.NotFoundf("image %s in pool %s", id, m.opts.ImagesPool)
}

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// CreateKernelRamdisk copies the kernel and ramdisk images of inst into
// the kernel directory and returns their paths. Either may be empty when
// the instance does not name one.
func (m *Manager) CreateKernelRamdisk(ctx context.Context, inst *v1alpha1.Instance, nameLabel string) (kernel, ramdisk string, err error) {
	if inst.Spec.KernelID == "" && inst.Spec.RamdiskID == "" {
		return "", "", nil
	}
	if err := os.MkdirAll(m.opts.KernelDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create kernel directory: %w", err)
	}

	if inst.Spec.KernelID != "" {
		kernel, err = m.fetchBootFile(ctx, inst.Spec.KernelID, nameLabel+"-kernel")
		if err != nil {
			return "", "", err
		}
	}
	if inst.Spec.RamdiskID != "" {
		ramdisk, err = m.fetchBootFile(ctx, inst.Spec.RamdiskID, nameLabel+"-ramdisk")
		if err != nil {
			if derr := m.DestroyKernelRamdisk(ctx, kernel, ""); derr != nil {
				m.log.Error(derr, "failed to remove kernel", "path", kernel)
			}
			return "", "", err
		}
	}
	return kernel, ramdisk, nil
}

// fetchBootFile downloads image id into a new file of the kernel directory.
func (m *Manager) fetchBootFile(ctx context.Context, id, prefix string) (string, error) {
	vol, _, err := m.findImage(id)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(m.opts.KernelDir, prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", prefix, err)
	}
	name := f.Name()

	err = func() error {
		defer func() { _ = f.Close() }()
		// QEMU reads the file as its own user.
		if err := f.Chmod(0o644); err != nil {
			return err
		}
		return m.client.StorageVolDownload(vol, f, 0, 0, 0)
	}()
	if err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to copy image %s to %s: %w", id, name, err)
	}

	m.log.V(1).Info("copied boot file", "image", id, "path", name)
	return name, nil
}

// DestroyKernelRamdisk removes boot files made by CreateKernelRamdisk.
// Empty and missing paths are skipped; paths outside the kernel directory
// are refused.
func (m *Manager) DestroyKernelRamdisk(ctx context.Context, kernel, ramdisk string) error {
	dir := filepath.Clean(m.opts.KernelDir) + string(filepath.Separator)
	for _, p := range []string{kernel, ramdisk} {
		if p == "" {
			continue
		}
		if !strings.HasPrefix(filepath.Clean(p), dir) {
			return jujuerrors.NotValidf("boot file %s outside %s", p, m.opts.KernelDir)
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

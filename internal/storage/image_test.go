package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeQCOW2(t *testing.T, name string) (string, []byte) {
	t.Helper()
	data := append([]byte{0x51, 0x46, 0x49, 0xfb, 0x00, 0x00, 0x00, 0x03}, make([]byte, 1016)...)
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p, data
}

func TestImportImage(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t.TempDir())
	file, data := writeQCOW2(t, "fedora-43.img")

	name, err := m.ImportImage(ctx, file, "")
	require.NoError(t, err)
	assert.Equal(t, "fedora-43.qcow2", name)

	vol := fake.volume("crucible-images", "fedora-43.qcow2")
	require.NotNil(t, vol)
	assert.Equal(t, data, vol.data)
	assert.Equal(t, "qcow2", vol.format)
	assert.Equal(t, MiB, vol.capacity)

	images, err := m.ListImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, VolumeFormatQCOW2, images[0].Format)

	// The image is found by its ID without the extension.
	_, info, err := m.findImage("fedora-43")
	require.NoError(t, err)
	assert.Equal(t, "fedora-43.qcow2", info.Name)
}

func TestImportImage_Failures(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t.TempDir())

	junk := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(junk, make([]byte, 4096), 0o644))
	_, err := m.ImportImage(ctx, junk, "junk")
	assert.Error(t, err)

	file, _ := writeQCOW2(t, "fedora.qcow2")
	fake.uploadErr = assert.AnError
	_, err = m.ImportImage(ctx, file, "fedora")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, fake.volumeNames("crucible-images"))
}

func TestDeleteImage(t *testing.T) {
	ctx := context.Background()
	m, fake := newTestManager(t.TempDir())
	fake.addVolume("crucible-images", "fedora.qcow2", "qcow2", GiB, nil)

	imagePath, err := m.GetVolumePath(ctx, "crucible-images", "fedora.qcow2")
	require.NoError(t, err)
	_, err = m.CreateVolume(ctx, "crucible-vms", VolumeSpec{
		Name: "web_root.qcow2", Format: VolumeFormatQCOW2, Capacity: GiB,
		Backing: &Backing{Path: imagePath, Format: VolumeFormatQCOW2},
	})
	require.NoError(t, err)

	assert.ErrorContains(t, m.DeleteImage(ctx, "fedora.qcow2", false), "backs volume web_root.qcow2")
	require.NoError(t, m.DeleteImage(ctx, "fedora.qcow2", true))
	assert.Empty(t, fake.volumeNames("crucible-images"))

	err = m.DeleteImage(ctx, "fedora.qcow2", false)
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
}

func TestFindImage(t *testing.T) {
	m, fake := newTestManager(t.TempDir())
	fake.addVolume("crucible-images", "installer.iso", "raw", MiB, nil)

	_, info, err := m.findImage("installer")
	require.NoError(t, err)
	assert.Equal(t, VolumeFormatISO, info.Format)

	_, _, err = m.findImage("")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotValid), "got %v", err)

	_, _, err = m.findImage("missing")
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound), "got %v", err)
}

package storage

import "fmt"

// PoolType is the backend of a storage pool.
type PoolType string

// Pool types crucible creates. Attached volumes may live in pools of other
// types (iscsi, rbd) that are defined by the volume layer.
const (
	PoolTypeDir PoolType = "dir"
)

// VolumeFormat is the on-disk format of a volume.
type VolumeFormat string

// Volume formats.
const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
	VolumeFormatISO   VolumeFormat = "iso"
)

// targetFormat is the libvirt target format of f. ISO images are stored
// as raw volumes.
func (f VolumeFormat) targetFormat() string {
	if f == VolumeFormatISO {
		return string(VolumeFormatRaw)
	}
	return string(f)
}

// GiB is one gibibyte in bytes.
const GiB uint64 = 1 << 30

// MiB is one mebibyte in bytes.
const MiB uint64 = 1 << 20

// VolumeSpec describes a volume to create.
type VolumeSpec struct {
	Name     string
	Format   VolumeFormat
	Capacity uint64 // bytes
	// Backing makes a qcow2 copy-on-write overlay of another volume.
	Backing *Backing
}

// Backing is the backing file of an overlay.
type Backing struct {
	Path   string
	Format VolumeFormat
}

// Validate checks the spec before it is sent to libvirt.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	switch v.Format {
	case VolumeFormatQCOW2, VolumeFormatRaw, VolumeFormatISO:
	case "":
		return fmt.Errorf("volume format is required")
	default:
		return fmt.Errorf("invalid volume format: %s (must be qcow2, raw or iso)", v.Format)
	}
	if v.Capacity == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	if v.Backing != nil {
		if v.Format != VolumeFormatQCOW2 {
			return fmt.Errorf("backing volumes are only supported for qcow2 format")
		}
		if v.Backing.Path == "" {
			return fmt.Errorf("backing volume path is required")
		}
	}
	return nil
}

// PoolInfo describes a storage pool.
type PoolInfo struct {
	Name       string
	Type       PoolType
	Path       string
	UUID       string
	State      string
	Capacity   uint64
	Allocation uint64
	Available  uint64
}

// VolumeInfo describes a storage volume.
type VolumeInfo struct {
	Name       string
	Pool       string
	Path       string
	Format     VolumeFormat
	Capacity   uint64
	Allocation uint64
	// BackingPath is set for copy-on-write overlays.
	BackingPath string
}

// CapacityGB returns the capacity in GiB, rounded up.
func (v *VolumeInfo) CapacityGB() uint64 {
	return (v.Capacity + GiB - 1) / GiB
}

package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/internal/config"
)

// LibvirtClient lists the go-libvirt storage calls this package makes.
// *libvirt.Libvirt satisfies it.
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolDefineXML(XML string, Flags uint32) (libvirt.StoragePool, error)
	StoragePoolCreate(Pool libvirt.StoragePool, Flags libvirt.StoragePoolCreateFlags) error
	StoragePoolBuild(Pool libvirt.StoragePool, Flags libvirt.StoragePoolBuildFlags) error
	StoragePoolSetAutostart(Pool libvirt.StoragePool, Autostart int32) error
	StoragePoolDestroy(Pool libvirt.StoragePool) error
	StoragePoolUndefine(Pool libvirt.StoragePool) error
	StoragePoolGetInfo(Pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error)
	StoragePoolGetXMLDesc(Pool libvirt.StoragePool, Flags libvirt.StorageXMLFlags) (string, error)
	StoragePoolListAllVolumes(Pool libvirt.StoragePool, NeedResults int32, Flags uint32) ([]libvirt.StorageVol, uint32, error)
	StoragePoolRefresh(Pool libvirt.StoragePool, Flags uint32) error
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolCreateXMLFrom(Pool libvirt.StoragePool, XML string, Clonevol libvirt.StorageVol, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
	StorageVolGetInfo(Vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error)
	StorageVolGetXMLDesc(Vol libvirt.StorageVol, Flags uint32) (string, error)
	StorageVolResize(Vol libvirt.StorageVol, Capacity uint64, Flags libvirt.StorageVolResizeFlags) error
	StorageVolUpload(Vol libvirt.StorageVol, outStream io.Reader, Offset uint64, Length uint64, Flags libvirt.StorageVolUploadFlags) error
	StorageVolDownload(Vol libvirt.StorageVol, inStream io.Writer, Offset uint64, Length uint64, Flags libvirt.StorageVolDownloadFlags) error
	ConnectListAllStoragePools(NeedResults int32, Flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error)
}

// Dialer opens a storage connection to the libvirt daemon of another host.
// The returned function closes it.
type Dialer func(ctx context.Context, host string) (LibvirtClient, func() error, error)

// Manager manages the storage pools of crucible and implements the disk
// helper of the VM orchestrator on top of them.
type Manager struct {
	client LibvirtClient
	opts   *config.Options
	log    logr.Logger
	dial   Dialer
}

// NewManager creates a storage manager. dial reaches the destination host
// of a disk transfer; it may be nil when transfers are not used.
func NewManager(client LibvirtClient, opts *config.Options, log logr.Logger, dial Dialer) *Manager {
	return &Manager{
		client: client,
		opts:   opts,
		log:    log.WithName("storage"),
		dial:   dial,
	}
}

// EnsureDefaultPools ensures the images, VMs and staging pools exist.
func (m *Manager) EnsureDefaultPools(ctx context.Context) error {
	pools := []struct{ name, path string }{
		{m.opts.ImagesPool, m.opts.ImagesPath},
		{m.opts.VMsPool, m.opts.VMsPath},
		{m.opts.StagingPool, m.opts.SRPath},
	}
	for _, p := range pools {
		if err := m.EnsurePool(ctx, p.name, PoolTypeDir, p.path); err != nil {
			return fmt.Errorf("failed to ensure pool %s: %w", p.name, err)
		}
	}
	return nil
}

// isDefaultPool reports whether name is one of the configured pools.
func (m *Manager) isDefaultPool(name string) bool {
	return name == m.opts.ImagesPool || name == m.opts.VMsPool || name == m.opts.StagingPool
}

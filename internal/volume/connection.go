package volume

import (
	"net"
	"path/filepath"

	"github.com/google/uuid"
	jujuerrors "github.com/juju/errors"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/naming"
)

// Volume driver types.
const (
	DriverISCSI = "iscsi"
	DriverFile  = "file"
)

const (
	defaultISCSIPort = "3260"
	iscsiTargetPath  = "/dev/disk/by-path"
)

// target is where a connection_info points: the SR pool that exposes the
// volume and the volume name inside it.
type target struct {
	srUUID string
	pool   *libvirtxml.StoragePool
	volume string
}

func (t target) poolName() string {
	return t.pool.Name
}

// parseConnection resolves conn to the pool and volume to use. The SR UUID
// is taken from data["sr_uuid"] or derived from the target, so connecting
// the same target twice yields the same SR.
func parseConnection(conn v1alpha1.ConnectionInfo) (target, error) {
	switch conn.DriverVolumeType {
	case DriverISCSI:
		return parseISCSI(conn.Data)
	case DriverFile:
		return parseFile(conn.Data)
	default:
		return target{}, jujuerrors.NotSupportedf("volume driver %q", conn.DriverVolumeType)
	}
}

func parseISCSI(data map[string]string) (target, error) {
	portal, iqn := data["target_portal"], data["target_iqn"]
	if portal == "" || iqn == "" {
		return target{}, jujuerrors.NotValidf("iscsi connection without target_portal and target_iqn")
	}
	if data["auth_method"] != "" {
		return target{}, jujuerrors.NotSupportedf("iscsi auth method %q", data["auth_method"])
	}

	host, port, err := net.SplitHostPort(portal)
	if err != nil {
		host, port = portal, defaultISCSIPort
	}
	lun := data["target_lun"]
	if lun == "" {
		lun = "0"
	}

	sr := srUUID(data, "iscsi://"+net.JoinHostPort(host, port)+"/"+iqn)
	return target{
		srUUID: sr,
		pool: &libvirtxml.StoragePool{
			Type: "iscsi",
			Name: naming.SRPoolName(sr),
			Source: &libvirtxml.StoragePoolSource{
				Host:   []libvirtxml.StoragePoolSourceHost{{Name: host, Port: port}},
				Device: []libvirtxml.StoragePoolSourceDevice{{Path: iqn}},
			},
			Target: &libvirtxml.StoragePoolTarget{Path: iscsiTargetPath},
		},
		volume: "unit:0:0:" + lun,
	}, nil
}

func parseFile(data map[string]string) (target, error) {
	path := data["path"]
	if path == "" || !filepath.IsAbs(path) {
		return target{}, jujuerrors.NotValidf("file connection path %q", path)
	}
	dir := filepath.Dir(path)

	sr := srUUID(data, "file://"+dir)
	return target{
		srUUID: sr,
		pool: &libvirtxml.StoragePool{
			Type:   "dir",
			Name:   naming.SRPoolName(sr),
			Target: &libvirtxml.StoragePoolTarget{Path: dir},
		},
		volume: filepath.Base(path),
	}, nil
}

func srUUID(data map[string]string, source string) string {
	if sr := data["sr_uuid"]; sr != "" {
		return sr
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source)).String()
}

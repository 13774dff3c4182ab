// Package volume attaches external block devices to VMs.
//
// A volume is described by its connection_info. The storage behind it is
// exposed as an SR: a libvirt storage pool named crucible-sr-<sr uuid>,
// iscsi pools for iSCSI targets and dir pools for file-backed volumes.
// Disks of SR pools are attached as VBDs marked as OS volumes, which is how
// the migrator and the destroy path recognize them.
//
// An SR is forgotten (its pool stopped and undefined, the data kept) when
// the last VBD using it goes away.
package volume

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

// Client lists the go-libvirt storage calls this package makes.
// *libvirt.Libvirt satisfies it.
type Client interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolDefineXML(XML string, Flags uint32) (libvirt.StoragePool, error)
	StoragePoolCreate(Pool libvirt.StoragePool, Flags libvirt.StoragePoolCreateFlags) error
	StoragePoolDestroy(Pool libvirt.StoragePool) error
	StoragePoolUndefine(Pool libvirt.StoragePool) error
	StoragePoolGetInfo(Pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error)
	StoragePoolRefresh(Pool libvirt.StoragePool, Flags uint32) error
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
}

// Session is the part of the VM record API the volume layer uses.
// *libvirt.Session satisfies it.
type Session interface {
	Lookup(ctx context.Context, nameLabel string) (vm hypervisor.Ref, ok bool, err error)
	ListVMs(ctx context.Context) ([]hypervisor.VMRecord, error)
	GetVBDs(ctx context.Context, vm hypervisor.Ref) ([]hypervisor.VBDRecord, error)
	CreateVBD(ctx context.Context, rec hypervisor.VBDRecord) (hypervisor.Ref, error)
	DestroyVBD(ctx context.Context, vbd hypervisor.Ref) error
}

// Manager connects, attaches and detaches volumes.
type Manager struct {
	client  Client
	session Session
	log     logr.Logger
	// srLock serializes the setup and teardown of one SR.
	srLock *kmutex.Kmutex
}

// NewManager creates a volume manager.
func NewManager(client Client, session Session, log logr.Logger) *Manager {
	return &Manager{
		client:  client,
		session: session,
		log:     log.WithName("volume"),
		srLock:  kmutex.New(),
	}
}

// ConnectVolume makes the volume of conn available without attaching it.
// An SR created by the call is forgotten again when the volume is missing.
func (m *Manager) ConnectVolume(ctx context.Context, conn v1alpha1.ConnectionInfo) (string, hypervisor.Disk, error) {
	t, err := parseConnection(conn)
	if err != nil {
		return "", hypervisor.Disk{}, err
	}

	m.srLock.Lock(t.srUUID)
	defer m.srLock.Unlock(t.srUUID)

	pool, created, err := m.introduceSR(t)
	if err != nil {
		return "", hypervisor.Disk{}, err
	}
	if _, err := m.client.StorageVolLookupByName(pool, t.volume); err != nil {
		if created {
			if ferr := m.forget(t.srUUID); ferr != nil {
				m.log.Error(ferr, "failed to forget SR", "sr", t.srUUID)
			}
		}
		if isNotFound(err) {
			return "", hypervisor.Disk{}, jujuerrors.NotFoundf("volume %s in SR %s", t.volume, t.srUUID)
		}
		return "", hypervisor.Disk{}, fmt.Errorf("failed to look up volume %s: %w", t.volume, err)
	}

	ref := hypervisor.VolumeRef(t.poolName(), t.volume)
	m.log.V(1).Info("connected volume", "sr", t.srUUID, "volume", t.volume)
	return t.srUUID, hypervisor.Disk{
		Ref:      ref,
		UUID:     uuid.NewSHA1(uuid.NameSpaceURL, []byte("volume://"+string(ref))).String(),
		OSVolume: true,
	}, nil
}

// AttachVolume connects the volume of conn and attaches it to the VM
// labelled vmName at mountDevice. An empty vmName only connects it. The
// device is plugged into a running VM whether or not hotplug is set.
func (m *Manager) AttachVolume(ctx context.Context, conn v1alpha1.ConnectionInfo, vmName, mountDevice string, hotplug bool) (string, error) {
	sr, disk, err := m.ConnectVolume(ctx, conn)
	if err != nil {
		return "", err
	}
	if vmName == "" {
		return sr, nil
	}

	fail := func(err error) (string, error) {
		if ferr := m.purgeSR(context.WithoutCancel(ctx), sr); ferr != nil {
			m.log.Error(ferr, "failed to forget SR", "sr", sr)
		}
		return "", err
	}

	slot, ok := naming.DeviceSlot(path.Base(mountDevice))
	if !ok {
		return fail(jujuerrors.NotValidf("mount device %q", mountDevice))
	}
	vm, found, err := m.session.Lookup(ctx, vmName)
	if err != nil {
		return fail(err)
	}
	if !found {
		return fail(jujuerrors.NotFoundf("VM %s", vmName))
	}

	if _, err := m.session.CreateVBD(ctx, hypervisor.VBDRecord{
		VM:         vm,
		VDI:        disk.Ref,
		UserDevice: strconv.Itoa(slot),
		OSVolume:   true,
	}); err != nil {
		return fail(fmt.Errorf("failed to attach volume to %s: %w", vmName, err))
	}
	m.log.Info("attached volume", "vm", vmName, "device", mountDevice, "sr", sr, "hotplug", hotplug)
	return sr, nil
}

// DetachVolume detaches the volume at mountDevice from the VM labelled
// vmName and forgets its SR. A missing VM or device is not an error.
func (m *Manager) DetachVolume(ctx context.Context, vmName, mountDevice string) error {
	slot, ok := naming.DeviceSlot(path.Base(mountDevice))
	if !ok {
		return jujuerrors.NotValidf("mount device %q", mountDevice)
	}
	vm, found, err := m.session.Lookup(ctx, vmName)
	if err != nil {
		return err
	}
	if !found {
		m.log.Info("VM not found, skipping volume detach", "warning", true, "vm", vmName, "device", mountDevice)
		return nil
	}

	vbds, err := m.session.GetVBDs(ctx, vm)
	if err != nil {
		return err
	}
	for _, vbd := range vbds {
		if vbd.CD || vbd.UserDevice != strconv.Itoa(slot) {
			continue
		}
		return m.detach(ctx, vbd)
	}
	m.log.Info("no volume attached at device", "warning", true, "vm", vmName, "device", mountDevice)
	return nil
}

// DetachAll detaches every volume of vm and forgets their SRs.
func (m *Manager) DetachAll(ctx context.Context, vm hypervisor.Ref) error {
	vbds, err := m.session.GetVBDs(ctx, vm)
	if err != nil {
		return err
	}
	var errs []error
	for _, vbd := range vbds {
		if _, ok := srOf(vbd); !ok {
			continue
		}
		if err := m.detach(ctx, vbd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FindBadVolumes returns the devices of vm whose SR or volume cannot be
// reached.
func (m *Manager) FindBadVolumes(ctx context.Context, vm hypervisor.Ref) ([]string, error) {
	vbds, err := m.session.GetVBDs(ctx, vm)
	if err != nil {
		return nil, err
	}

	var bad []string
	for _, vbd := range vbds {
		sr, ok := srOf(vbd)
		if !ok {
			continue
		}
		slot, err := strconv.Atoi(vbd.UserDevice)
		if err != nil {
			continue
		}
		if reason := m.checkVolume(vbd.VDI); reason != "" {
			m.log.Info("volume unreachable", "warning", true, "vm", vm, "sr", sr, "reason", reason)
			bad = append(bad, naming.DeviceName(slot, false))
		}
	}
	sort.Strings(bad)
	return bad, nil
}

// ForgetSR stops and undefines the pool of srUUID. The data behind it is
// left alone. A missing SR is not an error.
func (m *Manager) ForgetSR(ctx context.Context, srUUID string) error {
	m.srLock.Lock(srUUID)
	defer m.srLock.Unlock(srUUID)
	return m.forget(srUUID)
}

func (m *Manager) detach(ctx context.Context, vbd hypervisor.VBDRecord) error {
	if err := m.session.DestroyVBD(ctx, vbd.Ref); err != nil {
		if hypervisor.HasCode(err, hypervisor.CodeHandleInvalid) {
			return nil
		}
		return fmt.Errorf("failed to detach %s: %w", vbd.Ref, err)
	}
	m.log.V(1).Info("detached volume", "vbd", vbd.Ref)

	if sr, ok := srOf(vbd); ok {
		if err := m.purgeSR(ctx, sr); err != nil {
			return err
		}
	}
	return nil
}

// purgeSR forgets sr unless a VBD still uses it.
func (m *Manager) purgeSR(ctx context.Context, sr string) error {
	m.srLock.Lock(sr)
	defer m.srLock.Unlock(sr)

	vms, err := m.session.ListVMs(ctx)
	if err != nil {
		return err
	}
	for _, rec := range vms {
		vbds, err := m.session.GetVBDs(ctx, rec.Ref)
		if err != nil {
			if hypervisor.HasCode(err, hypervisor.CodeHandleInvalid) {
				continue
			}
			return err
		}
		for _, vbd := range vbds {
			if used, ok := srOf(vbd); ok && used == sr {
				m.log.V(1).Info("SR still in use", "sr", sr, "vm", rec.NameLabel)
				return nil
			}
		}
	}
	return m.forget(sr)
}

func (m *Manager) forget(sr string) error {
	name := naming.SRPoolName(sr)
	pool, err := m.client.StoragePoolLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to look up SR %s: %w", sr, err)
	}

	state, _, _, _, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return fmt.Errorf("failed to get SR %s state: %w", sr, err)
	}
	if libvirt.StoragePoolState(state) == libvirt.StoragePoolRunning {
		if err := m.client.StoragePoolDestroy(pool); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to stop SR %s: %w", sr, err)
		}
	}
	if err := m.client.StoragePoolUndefine(pool); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to undefine SR %s: %w", sr, err)
	}
	m.log.V(1).Info("forgot SR", "sr", sr)
	return nil
}

// introduceSR defines and starts the pool of t unless it exists, and
// rescans it. created reports whether the pool was defined by this call.
func (m *Manager) introduceSR(t target) (pool libvirt.StoragePool, created bool, err error) {
	pool, err = m.client.StoragePoolLookupByName(t.poolName())
	switch {
	case err == nil:
	case isNotFound(err):
		xml, err := t.pool.Marshal()
		if err != nil {
			return pool, false, fmt.Errorf("failed to generate SR XML: %w", err)
		}
		if pool, err = m.client.StoragePoolDefineXML(xml, 0); err != nil {
			return pool, false, fmt.Errorf("failed to introduce SR %s: %w", t.srUUID, err)
		}
		created = true
		m.log.Info("introduced SR", "sr", t.srUUID, "type", t.pool.Type)
	default:
		return pool, false, fmt.Errorf("failed to look up SR %s: %w", t.srUUID, err)
	}

	state, _, _, _, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return pool, created, m.abandon(t, created, fmt.Errorf("failed to get SR %s state: %w", t.srUUID, err))
	}
	if libvirt.StoragePoolState(state) != libvirt.StoragePoolRunning {
		if err := m.client.StoragePoolCreate(pool, 0); err != nil {
			return pool, created, m.abandon(t, created, fmt.Errorf("failed to plug SR %s: %w", t.srUUID, err))
		}
	}
	if err := m.client.StoragePoolRefresh(pool, 0); err != nil {
		return pool, created, m.abandon(t, created, fmt.Errorf("failed to scan SR %s: %w", t.srUUID, err))
	}
	return pool, created, nil
}

// abandon forgets the SR of t when it was created by the failing call.
func (m *Manager) abandon(t target, created bool, err error) error {
	if created {
		if ferr := m.forget(t.srUUID); ferr != nil {
			m.log.Error(ferr, "failed to forget SR", "sr", t.srUUID)
		}
	}
	return err
}

// checkVolume returns why the volume vdi is unreachable, or "".
func (m *Manager) checkVolume(vdi hypervisor.Ref) string {
	poolName, volume, _ := vdi.Volume()
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return "SR missing"
	}
	state, _, _, _, err := m.client.StoragePoolGetInfo(pool)
	if err != nil || libvirt.StoragePoolState(state) != libvirt.StoragePoolRunning {
		return "SR not plugged"
	}
	if err := m.client.StoragePoolRefresh(pool, 0); err != nil {
		return "SR scan failed"
	}
	if _, err := m.client.StorageVolLookupByName(pool, volume); err != nil {
		return "volume missing"
	}
	return ""
}

// srOf returns the SR of an attached volume.
func srOf(vbd hypervisor.VBDRecord) (string, bool) {
	pool, _, ok := vbd.VDI.Volume()
	if !ok {
		return "", false
	}
	return naming.SRFromPool(pool)
}

func isNotFound(err error) bool {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	return lerr.Code == uint32(libvirt.ErrNoStoragePool) || lerr.Code == uint32(libvirt.ErrNoStorageVol)
}

package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	jujuerrors "github.com/juju/errors"
	"libvirt.org/go/libvirtxml"
)

// EnsurePool creates the pool name at path unless it already exists.
func (m *Manager) EnsurePool(ctx context.Context, name string, poolType PoolType, path string) error {
	return ensurePool(m.client, name, poolType, path)
}

func ensurePool(client LibvirtClient, name string, poolType PoolType, path string) error {
	_, err := client.StoragePoolLookupByName(name)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to look up pool %s: %w", name, err)
	}
	return createPool(client, name, poolType, path)
}

// CreatePool defines, builds and starts a new pool and marks it autostart.
func (m *Manager) CreatePool(ctx context.Context, name string, poolType PoolType, path string) error {
	return createPool(m.client, name, poolType, path)
}

func createPool(client LibvirtClient, name string, poolType PoolType, path string) error {
	if poolType != PoolTypeDir {
		return jujuerrors.NotSupportedf("pool type %q", poolType)
	}
	if path == "" {
		return fmt.Errorf("pool %s needs a target path", name)
	}

	xml, err := poolXML(name, path)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := client.StoragePoolDefineXML(xml, 0)
	if err != nil {
		return fmt.Errorf("failed to define pool %s: %w", name, err)
	}
	if err := client.StoragePoolBuild(pool, 0); err != nil {
		_ = client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to build pool %s: %w", name, err)
	}
	if err := client.StoragePoolCreate(pool, 0); err != nil {
		_ = client.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to start pool %s: %w", name, err)
	}
	if err := client.StoragePoolSetAutostart(pool, 1); err != nil {
		return fmt.Errorf("pool %s created but failed to set autostart: %w", name, err)
	}
	return nil
}

// DeletePool removes a pool. force deletes its volumes first. The
// configured images, VMs and staging pools cannot be deleted.
func (m *Manager) DeletePool(ctx context.Context, name string, force bool) error {
	if m.isDefaultPool(name) {
		return fmt.Errorf("cannot delete default pool: %s", name)
	}

	pool, err := m.lookupPool(name)
	if err != nil {
		return err
	}

	if force {
		vols, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
		if err != nil {
			return fmt.Errorf("failed to list volumes of %s: %w", name, err)
		}
		for _, vol := range vols {
			if err := m.client.StorageVolDelete(vol, 0); err != nil {
				m.log.Error(err, "failed to delete volume", "pool", name, "volume", vol.Name)
			}
		}
	}

	state, _, _, _, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return fmt.Errorf("failed to get pool info: %w", err)
	}
	if libvirt.StoragePoolState(state) == libvirt.StoragePoolRunning {
		if err := m.client.StoragePoolDestroy(pool); err != nil {
			return fmt.Errorf("failed to stop pool %s: %w", name, err)
		}
	}
	if err := m.client.StoragePoolUndefine(pool); err != nil {
		return fmt.Errorf("failed to undefine pool %s: %w", name, err)
	}
	return nil
}

// ListPools returns all pools sorted by name. Pools that vanish while
// listing are skipped.
func (m *Manager) ListPools(ctx context.Context) ([]PoolInfo, error) {
	pools, _, err := m.client.ConnectListAllStoragePools(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}

	var infos []PoolInfo
	for _, pool := range pools {
		info, err := m.GetPoolInfo(ctx, pool.Name)
		if err != nil {
			m.log.V(1).Info("skipping pool", "pool", pool.Name, "error", err.Error())
			continue
		}
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// GetPoolInfo describes one pool.
func (m *Manager) GetPoolInfo(ctx context.Context, name string) (*PoolInfo, error) {
	pool, err := m.lookupPool(name)
	if err != nil {
		return nil, err
	}

	state, capacity, allocation, available, err := m.client.StoragePoolGetInfo(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool info: %w", err)
	}

	desc, err := m.client.StoragePoolGetXMLDesc(pool, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool XML: %w", err)
	}
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("failed to parse pool XML: %w", err)
	}

	info := &PoolInfo{
		Name:       pool.Name,
		Type:       PoolType(def.Type),
		UUID:       uuid.UUID(pool.UUID).String(),
		State:      poolState(libvirt.StoragePoolState(state)),
		Capacity:   capacity,
		Allocation: allocation,
		Available:  available,
	}
	if def.Target != nil {
		info.Path = def.Target.Path
	}
	return info, nil
}

// RefreshPool rescans the volumes of a pool.
func (m *Manager) RefreshPool(ctx context.Context, name string) error {
	pool, err := m.lookupPool(name)
	if err != nil {
		return err
	}
	if err := m.client.StoragePoolRefresh(pool, 0); err != nil {
		return fmt.Errorf("failed to refresh pool %s: %w", name, err)
	}
	return nil
}

func (m *Manager) lookupPool(name string) (libvirt.StoragePool, error) {
	return lookupPool(m.client, name)
}

func lookupPool(client LibvirtClient, name string) (libvirt.StoragePool, error) {
	pool, err := client.StoragePoolLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return libvirt.StoragePool{}, jujuerrors.NewNotFound(err, fmt.Sprintf("pool %s", name))
		}
		return libvirt.StoragePool{}, fmt.Errorf("failed to look up pool %s: %w", name, err)
	}
	return pool, nil
}

func poolState(s libvirt.StoragePoolState) string {
	switch s {
	case libvirt.StoragePoolInactive:
		return "inactive"
	case libvirt.StoragePoolBuilding:
		return "building"
	case libvirt.StoragePoolRunning:
		return "running"
	case libvirt.StoragePoolDegraded:
		return "degraded"
	case libvirt.StoragePoolInaccessible:
		return "inaccessible"
	default:
		return "unknown"
	}
}

// poolXML generates a directory pool owned by the QEMU user.
func poolXML(name, path string) (string, error) {
	owner, group := qemuOwner()
	pool := &libvirtxml.StoragePool{
		Type: string(PoolTypeDir),
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
			Permissions: &libvirtxml.StoragePoolTargetPermissions{
				Owner: owner,
				Group: group,
				Mode:  "0755",
			},
		},
	}
	return pool.Marshal()
}

package libvirt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/metadata"
	"github.com/jbweber/crucible/internal/naming"
)

// baseMirrorPrefix marks disks copied by a block migration. The markers
// travel with the persistent definition and are cleared on the destination
// once the VM runs there.
const baseMirrorPrefix = "base-mirror/"

// Migrator moves running domains to another host with peer-to-peer live
// migration.
type Migrator struct {
	s *Session
}

// NewMigrator creates a Migrator sharing the connection of s.
func NewMigrator(s *Session) *Migrator {
	return &Migrator{s: s}
}

// MigrateReceive prepares this host to receive a block migration. The disks
// land in the VMs pool, which must exist.
func (m *Migrator) MigrateReceive(_ context.Context, destHost string) (hypervisor.MigrateData, error) {
	if _, err := m.s.l.StoragePoolLookupByName(m.s.opts.VMsPool); err != nil {
		return hypervisor.MigrateData{}, fmt.Errorf("failed to find storage pool %s: %w", m.s.opts.VMsPool, err)
	}
	return hypervisor.MigrateData{
		DestinationHost: destHost,
		DestinationURI:  m.s.opts.MigrationURI(destHost),
		BlockMigration:  true,
		Params:          map[string]string{"pool": m.s.opts.VMsPool},
	}, nil
}

// AssertCanMigrate checks that vm can be sent to data.DestinationURI.
func (m *Migrator) AssertCanMigrate(_ context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error {
	dom, err := m.s.domain(vm)
	if err != nil {
		return err
	}
	state, err := m.s.state(dom)
	if err != nil {
		return err
	}
	if state != hypervisor.Running {
		return &hypervisor.Failure{
			Code:    hypervisor.CodeMigrateFailed,
			Details: []string{string(vm), "VM is " + string(state)},
		}
	}
	if data.DestinationURI == "" {
		return &hypervisor.Failure{
			Code:    hypervisor.CodeMigrateFailed,
			Details: []string{string(vm), "no destination URI"},
		}
	}
	return nil
}

// MigrateSend live migrates vm and copies its disks.
func (m *Migrator) MigrateSend(_ context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error {
	dom, err := m.s.domain(vm)
	if err != nil {
		return err
	}
	def, err := m.s.definition(dom)
	if err != nil {
		return err
	}

	err = m.s.updateParams(vm, func(p *metadata.Params) {
		if p.Data == nil {
			p.Data = make(map[string]string)
		}
		for _, disk := range def.Devices.Disks {
			if disk.Target == nil || isOSVolume(disk) || disk.Device == "cdrom" {
				continue
			}
			if h := diskHandle(disk); h != "" {
				p.Data[baseMirrorPrefix+disk.Target.Dev] = string(h)
			}
		}
	})
	if err != nil {
		return err
	}

	return m.migrate(dom, vm, data, libvirt.MigrateNonSharedDisk)
}

// PoolMigrate live migrates vm over shared storage.
func (m *Migrator) PoolMigrate(_ context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error {
	dom, err := m.s.domain(vm)
	if err != nil {
		return err
	}
	return m.migrate(dom, vm, data, 0)
}

func (m *Migrator) migrate(dom libvirt.Domain, vm hypervisor.Ref, data hypervisor.MigrateData, extra libvirt.DomainMigrateFlags) error {
	uri := data.DestinationURI
	if uri == "" {
		uri = m.s.opts.MigrationURI(data.DestinationHost)
	}
	flags := libvirt.MigrateLive | libvirt.MigratePeer2peer |
		libvirt.MigratePersistDest | libvirt.MigrateUndefineSource | extra

	m.s.log.Info("migrating VM", "vm", vm, "uri", uri, "block", extra&libvirt.MigrateNonSharedDisk != 0)
	if _, err := m.s.l.DomainMigratePerform3Params(dom, libvirt.OptString{uri}, nil, nil, flags); err != nil {
		return translate(err, vm)
	}
	return nil
}

// RelaxedSRCheck reports whether VMs with iSCSI volumes may migrate
// without a shared storage check.
func (m *Migrator) RelaxedSRCheck(_ context.Context) (bool, error) {
	return m.s.opts.RelaxedSRCheck, nil
}

// ISCSIVolumes returns the SR UUIDs of the attached volumes of vm.
func (m *Migrator) ISCSIVolumes(_ context.Context, vm hypervisor.Ref) ([]string, error) {
	dom, err := m.s.domain(vm)
	if err != nil {
		return nil, err
	}
	def, err := m.s.definition(dom)
	if err != nil {
		return nil, err
	}

	var srs []string
	for _, disk := range def.Devices.Disks {
		if disk.Source == nil || disk.Source.Volume == nil {
			continue
		}
		if sr, ok := naming.SRFromPool(disk.Source.Volume.Pool); ok {
			srs = append(srs, sr)
		}
	}
	sort.Strings(srs)
	return srs, nil
}

// StripBaseMirror clears the block migration markers of vm.
func (m *Migrator) StripBaseMirror(_ context.Context, vm hypervisor.Ref) error {
	return m.s.updateParams(vm, func(p *metadata.Params) {
		for key := range p.Data {
			if strings.HasPrefix(key, baseMirrorPrefix) {
				delete(p.Data, key)
			}
		}
	})
}

package libvirt

import (
	"context"
	"fmt"
	"strconv"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/hypervisor"
)

// definition returns the parsed persistent definition of dom.
func (s *Session) definition(dom libvirt.Domain) (*libvirtxml.Domain, error) {
	raw, err := s.l.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return nil, translate(err, domainRef(dom))
	}
	return parseDomain(raw)
}

// modifyFlags applies a device change to the persistent definition, and to
// the running domain when there is one.
func (s *Session) modifyFlags(dom libvirt.Domain) (uint32, error) {
	state, err := s.state(dom)
	if err != nil {
		return 0, err
	}
	if active(state) {
		return deviceModifyConfig | deviceModifyLive, nil
	}
	return deviceModifyConfig, nil
}

// GetVBDs returns the disks attached to vm.
func (s *Session) GetVBDs(_ context.Context, vm hypervisor.Ref) ([]hypervisor.VBDRecord, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return nil, err
	}
	def, err := s.definition(dom)
	if err != nil {
		return nil, err
	}

	var vbds []hypervisor.VBDRecord
	for _, disk := range def.Devices.Disks {
		if vbd, ok := vbdRecord(vm, disk); ok {
			vbds = append(vbds, vbd)
		}
	}
	return vbds, nil
}

// CreateVBD attaches rec.VDI to rec.VM at rec.UserDevice.
func (s *Session) CreateVBD(_ context.Context, rec hypervisor.VBDRecord) (hypervisor.Ref, error) {
	disk, err := diskDevice(rec)
	if err != nil {
		return "", err
	}
	xml, err := disk.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal disk XML: %w", err)
	}

	dom, err := s.domain(rec.VM)
	if err != nil {
		return "", err
	}
	flags, err := s.modifyFlags(dom)
	if err != nil {
		return "", err
	}
	if err := s.l.DomainAttachDeviceFlags(dom, xml, flags); err != nil {
		return "", fmt.Errorf("failed to attach disk %s: %w", rec.VDI, translate(err, rec.VM))
	}

	ref := deviceRef(rec.VM, disk.Target.Dev)
	s.log.V(1).Info("attached disk", "vm", rec.VM, "vdi", rec.VDI, "vbd", ref)
	return ref, nil
}

// DestroyVBD detaches a disk. The disk itself is kept.
func (s *Session) DestroyVBD(_ context.Context, vbd hypervisor.Ref) error {
	vm, dev, err := splitDeviceRef(vbd)
	if err != nil {
		return err
	}
	dom, err := s.domain(vm)
	if err != nil {
		return err
	}
	def, err := s.definition(dom)
	if err != nil {
		return err
	}

	for _, disk := range def.Devices.Disks {
		if disk.Target == nil || disk.Target.Dev != dev {
			continue
		}
		xml, err := disk.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal disk XML: %w", err)
		}
		flags, err := s.modifyFlags(dom)
		if err != nil {
			return err
		}
		if err := s.l.DomainDetachDeviceFlags(dom, xml, flags); err != nil {
			return fmt.Errorf("failed to detach disk %s: %w", dev, translate(err, vbd))
		}
		return nil
	}

	return &hypervisor.Failure{
		Code:    hypervisor.CodeHandleInvalid,
		Details: []string{"VBD", string(vbd)},
	}
}

// CreateVIF adds the interface rec to rec.VM.
func (s *Session) CreateVIF(_ context.Context, rec hypervisor.VIFRecord) (hypervisor.Ref, error) {
	iface, err := interfaceDevice(rec)
	if err != nil {
		return "", err
	}
	xml, err := iface.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal interface XML: %w", err)
	}

	dom, err := s.domain(rec.VM)
	if err != nil {
		return "", err
	}
	flags, err := s.modifyFlags(dom)
	if err != nil {
		return "", err
	}
	if err := s.l.DomainAttachDeviceFlags(dom, xml, flags); err != nil {
		return "", fmt.Errorf("failed to attach interface %s: %w", rec.MAC, translate(err, rec.VM))
	}

	return deviceRef(rec.VM, rec.MAC), nil
}

// GetVIFs returns the interfaces of vm as the running domain sees them,
// so tap names assigned by libvirt are filled in.
func (s *Session) GetVIFs(_ context.Context, vm hypervisor.Ref) ([]hypervisor.VIFRecord, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return nil, err
	}
	raw, err := s.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, translate(err, vm)
	}
	def, err := parseDomain(raw)
	if err != nil {
		return nil, err
	}

	var vifs []hypervisor.VIFRecord
	for i, iface := range def.Devices.Interfaces {
		if rec, ok := vifRecord(vm, i, iface); ok {
			vifs = append(vifs, rec)
		}
	}
	return vifs, nil
}

// vifRecord reads back an interface built by interfaceDevice. device is
// the position of the interface in the domain.
func vifRecord(vm hypervisor.Ref, device int, iface libvirtxml.DomainInterface) (hypervisor.VIFRecord, bool) {
	if iface.MAC == nil || iface.Source == nil || iface.Source.Bridge == nil {
		return hypervisor.VIFRecord{}, false
	}
	rec := hypervisor.VIFRecord{
		Ref:    deviceRef(vm, iface.MAC.Address),
		VM:     vm,
		Device: strconv.Itoa(device),
		MAC:    iface.MAC.Address,
		Bridge: iface.Source.Bridge.Bridge,
	}
	if iface.Target != nil {
		rec.Target = iface.Target.Dev
	}
	if iface.MTU != nil {
		rec.MTU = int(iface.MTU.Size)
	}
	if iface.FilterRef != nil {
		rec.Filter = iface.FilterRef.Filter
	}
	return rec, true
}

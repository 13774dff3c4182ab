package libvirt

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

// fakeDomain is one domain held by fakeLibvirt.
type fakeDomain struct {
	def   *libvirtxml.Domain
	id    int32
	state int32
	saved bool
	// metadata maps a namespace to the stored element, per scope.
	config map[string]string
	live   map[string]string
}

// fakeLibvirt is an in-memory libvirt daemon with enough behavior for the
// Session: domains with power states, devices and metadata.
type fakeLibvirt struct {
	mu      sync.Mutex
	domains map[libvirt.UUID]*fakeDomain
	pools   map[string]bool
	nextID  int32
	freeMem uint64

	calls []string

	attachFlags []uint32
	migrations  []fakeMigration
	migrateErr  error
}

type fakeMigration struct {
	uri   string
	flags libvirt.DomainMigrateFlags
}

func newFakeLibvirt() *fakeLibvirt {
	return &fakeLibvirt{
		domains: make(map[libvirt.UUID]*fakeDomain),
		pools:   map[string]bool{"crucible-vms": true},
		nextID:  1,
		freeMem: 8 << 30,
	}
}

func noDomain(what string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found: " + what}
}

func (f *fakeLibvirt) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeLibvirt) handle(d *fakeDomain) libvirt.Domain {
	id := d.id
	if d.state != domainStateRunning && d.state != domainStatePaused {
		id = -1
	}
	return libvirt.Domain{Name: d.def.Name, UUID: libvirt.UUID(uuid.MustParse(d.def.UUID)), ID: id}
}

func (f *fakeLibvirt) get(dom libvirt.Domain) (*fakeDomain, error) {
	d, ok := f.domains[dom.UUID]
	if !ok {
		return nil, noDomain(dom.Name)
	}
	return d, nil
}

func (f *fakeLibvirt) active(d *fakeDomain) bool {
	return d.state == domainStateRunning || d.state == domainStatePaused
}

func (f *fakeLibvirt) ConnectListAllDomains(_ int32, _ libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]libvirt.Domain, 0, len(f.domains))
	for _, d := range f.domains {
		out = append(out, f.handle(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, uint32(len(out)), nil
}

func (f *fakeLibvirt) DomainLookupByName(name string) (libvirt.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.domains {
		if d.def.Name == name {
			return f.handle(d), nil
		}
	}
	return libvirt.Domain{}, noDomain(name)
}

func (f *fakeLibvirt) DomainLookupByUUID(id libvirt.UUID) (libvirt.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[id]
	if !ok {
		return libvirt.Domain{}, noDomain(uuid.UUID(id).String())
	}
	return f.handle(d), nil
}

func (f *fakeLibvirt) DomainDefineXML(xml string) (libvirt.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, err
	}
	id, err := uuid.Parse(def.UUID)
	if err != nil {
		return libvirt.Domain{}, err
	}
	if def.Devices == nil {
		def.Devices = &libvirtxml.DomainDeviceList{}
	}
	d := &fakeDomain{
		def:    &def,
		state:  domainStateShutoff,
		config: map[string]string{},
		live:   map[string]string{},
	}
	f.domains[libvirt.UUID(id)] = d
	f.record("DomainDefineXML %s", def.Name)
	return f.handle(d), nil
}

func (f *fakeLibvirt) DomainUndefineFlags(dom libvirt.Domain, _ libvirt.DomainUndefineFlagsValues) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return err
	}
	delete(f.domains, dom.UUID)
	f.record("DomainUndefineFlags %s", d.def.Name)
	return nil
}

func (f *fakeLibvirt) DomainGetXMLDesc(dom libvirt.Domain, _ libvirt.DomainXMLFlags) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return "", err
	}
	return d.def.Marshal()
}

func (f *fakeLibvirt) DomainGetState(dom libvirt.Domain, _ uint32) (int32, int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return 0, 0, err
	}
	return d.state, 0, nil
}

func (f *fakeLibvirt) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	kib := uint64(d.def.Memory.Value) * 1024
	var cpuTime uint64
	if f.active(d) {
		cpuTime = 1500
	}
	return uint8(d.state), kib, kib, uint16(d.def.VCPU.Value), cpuTime, nil
}

func (f *fakeLibvirt) DomainHasManagedSaveImage(dom libvirt.Domain, _ uint32) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return 0, err
	}
	if d.saved {
		return 1, nil
	}
	return 0, nil
}

// power applies a state change and records the call.
func (f *fakeLibvirt) power(call string, dom libvirt.Domain, fn func(*fakeDomain)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return err
	}
	fn(d)
	f.record("%s %s", call, d.def.Name)
	return nil
}

func (f *fakeLibvirt) DomainCreate(dom libvirt.Domain) error {
	return f.power("DomainCreate", dom, func(d *fakeDomain) {
		d.state = domainStateRunning
		d.saved = false
		d.id = f.nextID
		f.nextID++
	})
}

func (f *fakeLibvirt) DomainShutdown(dom libvirt.Domain) error {
	return f.power("DomainShutdown", dom, func(d *fakeDomain) {
		d.state = domainStateShutoff
		d.live = map[string]string{}
	})
}

func (f *fakeLibvirt) DomainDestroy(dom libvirt.Domain) error {
	return f.power("DomainDestroy", dom, func(d *fakeDomain) {
		d.state = domainStateShutoff
		d.live = map[string]string{}
	})
}

func (f *fakeLibvirt) DomainReboot(dom libvirt.Domain, _ libvirt.DomainRebootFlagValues) error {
	return f.power("DomainReboot", dom, func(*fakeDomain) {})
}

func (f *fakeLibvirt) DomainReset(dom libvirt.Domain, _ uint32) error {
	return f.power("DomainReset", dom, func(*fakeDomain) {})
}

func (f *fakeLibvirt) DomainSuspend(dom libvirt.Domain) error {
	return f.power("DomainSuspend", dom, func(d *fakeDomain) { d.state = domainStatePaused })
}

func (f *fakeLibvirt) DomainResume(dom libvirt.Domain) error {
	return f.power("DomainResume", dom, func(d *fakeDomain) { d.state = domainStateRunning })
}

func (f *fakeLibvirt) DomainManagedSave(dom libvirt.Domain, _ uint32) error {
	return f.power("DomainManagedSave", dom, func(d *fakeDomain) {
		d.state = domainStateShutoff
		d.saved = true
	})
}

func (f *fakeLibvirt) DomainManagedSaveRemove(dom libvirt.Domain, _ uint32) error {
	return f.power("DomainManagedSaveRemove", dom, func(d *fakeDomain) { d.saved = false })
}

func (f *fakeLibvirt) DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return err
	}
	f.attachFlags = append(f.attachFlags, flags)

	switch {
	case strings.HasPrefix(xml, "<disk"):
		var disk libvirtxml.DomainDisk
		if err := disk.Unmarshal(xml); err != nil {
			return err
		}
		for _, existing := range d.def.Devices.Disks {
			if existing.Target.Dev == disk.Target.Dev {
				return libvirt.Error{Code: uint32(libvirt.ErrOperationFailed), Message: "target " + disk.Target.Dev + " already exists"}
			}
		}
		d.def.Devices.Disks = append(d.def.Devices.Disks, disk)
		f.record("AttachDisk %s %s", d.def.Name, disk.Target.Dev)
	case strings.HasPrefix(xml, "<interface"):
		var iface libvirtxml.DomainInterface
		if err := iface.Unmarshal(xml); err != nil {
			return err
		}
		d.def.Devices.Interfaces = append(d.def.Devices.Interfaces, iface)
		f.record("AttachInterface %s %s", d.def.Name, iface.MAC.Address)
	default:
		return fmt.Errorf("unexpected device XML %q", xml)
	}
	return nil
}

func (f *fakeLibvirt) DomainDetachDeviceFlags(dom libvirt.Domain, xml string, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return err
	}
	var disk libvirtxml.DomainDisk
	if err := disk.Unmarshal(xml); err != nil {
		return err
	}
	disks := d.def.Devices.Disks[:0]
	for _, existing := range d.def.Devices.Disks {
		if existing.Target.Dev != disk.Target.Dev {
			disks = append(disks, existing)
		}
	}
	d.def.Devices.Disks = disks
	f.record("DetachDisk %s %s", d.def.Name, disk.Target.Dev)
	return nil
}

func (f *fakeLibvirt) DomainSetMetadata(dom libvirt.Domain, _ int32, md libvirt.OptString, _ libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return err
	}
	store := d.config
	if flags == libvirt.DomainAffectLive {
		if !f.active(d) {
			return libvirt.Error{Code: uint32(libvirt.ErrOperationInvalid), Message: "domain is not running"}
		}
		store = d.live
	}
	store[uri[0]] = md[0]
	return nil
}

func (f *fakeLibvirt) DomainGetMetadata(dom libvirt.Domain, _ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, err := f.get(dom)
	if err != nil {
		return "", err
	}
	store := d.config
	if flags == libvirt.DomainAffectLive {
		store = d.live
	}
	raw, ok := store[uri[0]]
	if !ok {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return raw, nil
}

func (f *fakeLibvirt) NodeGetFreeMemory() (uint64, error) {
	return f.freeMem, nil
}

func (f *fakeLibvirt) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.pools[name] {
		return libvirt.StoragePool{}, libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "pool not found: " + name}
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (f *fakeLibvirt) DomainMigratePerform3Params(dom libvirt.Domain, uri libvirt.OptString, _ []libvirt.TypedParam, _ []byte, flags libvirt.DomainMigrateFlags) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.migrateErr != nil {
		return nil, f.migrateErr
	}
	if _, err := f.get(dom); err != nil {
		return nil, err
	}
	f.migrations = append(f.migrations, fakeMigration{uri: uri[0], flags: flags})
	if flags&libvirt.MigrateUndefineSource != 0 {
		delete(f.domains, dom.UUID)
	}
	return nil, nil
}

// domainByName returns the fake domain named name.
func (f *fakeLibvirt) domainByName(name string) *fakeDomain {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.domains {
		if d.def.Name == name {
			return d
		}
	}
	return nil
}

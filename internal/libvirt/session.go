package libvirt

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"

	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/metadata"
)

// Libvirt is the subset of *libvirt.Libvirt used by Session and Migrator.
type Libvirt interface {
	metadata.LibvirtClient

	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainGetInfo(Dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	DomainHasManagedSaveImage(Dom libvirt.Domain, Flags uint32) (int32, error)

	DomainCreate(Dom libvirt.Domain) error
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainReboot(Dom libvirt.Domain, Flags libvirt.DomainRebootFlagValues) error
	DomainReset(Dom libvirt.Domain, Flags uint32) error
	DomainSuspend(Dom libvirt.Domain) error
	DomainResume(Dom libvirt.Domain) error
	DomainManagedSave(Dom libvirt.Domain, Flags uint32) error
	DomainManagedSaveRemove(Dom libvirt.Domain, Flags uint32) error

	DomainAttachDeviceFlags(Dom libvirt.Domain, XML string, Flags uint32) error
	DomainDetachDeviceFlags(Dom libvirt.Domain, XML string, Flags uint32) error

	NodeGetFreeMemory() (uint64, error)
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	DomainMigratePerform3Params(Dom libvirt.Domain, Dconnuri libvirt.OptString, Params []libvirt.TypedParam, CookieIn []byte, Flags libvirt.DomainMigrateFlags) ([]byte, error)
}

// Domain states as reported by DomainGetState.
const (
	domainStateRunning     = 1
	domainStateBlocked     = 2
	domainStatePaused      = 3
	domainStateShutdown    = 4
	domainStateShutoff     = 5
	domainStateCrashed     = 6
	domainStatePMSuspended = 7
)

// Device modification flags of DomainAttachDeviceFlags.
const (
	deviceModifyLive   uint32 = 1
	deviceModifyConfig uint32 = 2
)

// opStart is the blocked operation checked by Start.
const opStart = "start"

// Session is the control-plane session of one host, backed by libvirt
// domains. VM records are domains; the name label, param store and blocked
// operations live in the domain metadata, and disks and interfaces are
// domain devices.
type Session struct {
	l    Libvirt
	opts *config.Options
	log  logr.Logger

	// locks serializes metadata read-modify-write per VM handle.
	locks *kmutex.Kmutex
}

// NewSession creates a Session over l.
func NewSession(l Libvirt, opts *config.Options, log logr.Logger) *Session {
	return &Session{
		l:     l,
		opts:  opts,
		log:   log.WithName("libvirt"),
		locks: kmutex.New(),
	}
}

func (s *Session) domain(vm hypervisor.Ref) (libvirt.Domain, error) {
	id, err := parseDomainRef(vm)
	if err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := s.l.DomainLookupByUUID(id)
	if err != nil {
		return libvirt.Domain{}, translate(err, vm)
	}
	return dom, nil
}

func (s *Session) state(dom libvirt.Domain) (hypervisor.PowerState, error) {
	state, _, err := s.l.DomainGetState(dom, 0)
	if err != nil {
		return hypervisor.Unknown, translate(err, domainRef(dom))
	}

	switch state {
	case domainStateRunning, domainStateBlocked, domainStateShutdown:
		return hypervisor.Running, nil
	case domainStatePaused:
		return hypervisor.Paused, nil
	case domainStatePMSuspended:
		return hypervisor.Suspended, nil
	case domainStateShutoff, domainStateCrashed:
		saved, err := s.l.DomainHasManagedSaveImage(dom, 0)
		if err != nil {
			return hypervisor.Unknown, translate(err, domainRef(dom))
		}
		if saved == 1 {
			return hypervisor.Suspended, nil
		}
		return hypervisor.Halted, nil
	default:
		return hypervisor.Unknown, nil
	}
}

func active(state hypervisor.PowerState) bool {
	return state == hypervisor.Running || state == hypervisor.Paused
}

// Lookup finds the VM whose name label is nameLabel.
func (s *Session) Lookup(_ context.Context, nameLabel string) (hypervisor.Ref, bool, error) {
	dom, err := s.l.DomainLookupByName(nameLabel)
	switch {
	case err == nil:
		p, err := metadata.Load(s.l, dom)
		if err != nil {
			return "", false, err
		}
		if p.NameLabel == "" || p.NameLabel == nameLabel {
			return domainRef(dom), true, nil
		}
	case !isNoDomain(err):
		return "", false, fmt.Errorf("failed to look up domain %s: %w", nameLabel, err)
	}

	// The label moved away from the domain name (renamed during resize or
	// created next to a namesake), so search the labels.
	domains, _, err := s.l.ConnectListAllDomains(1, 0)
	if err != nil {
		return "", false, fmt.Errorf("failed to list domains: %w", err)
	}
	for _, d := range domains {
		p, err := metadata.Load(s.l, d)
		if err != nil {
			return "", false, err
		}
		if p.NameLabel == nameLabel {
			return domainRef(d), true, nil
		}
	}
	return "", false, nil
}

// ListVMs returns the records of all domains sorted by name label.
func (s *Session) ListVMs(_ context.Context) ([]hypervisor.VMRecord, error) {
	domains, _, err := s.l.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	records := make([]hypervisor.VMRecord, 0, len(domains))
	for _, dom := range domains {
		rec, err := s.record(dom)
		if err != nil {
			if isNoDomain(err) {
				// Went away while listing.
				continue
			}
			return nil, err
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].NameLabel < records[j].NameLabel })
	return records, nil
}

// GetRecord returns the record of vm.
func (s *Session) GetRecord(_ context.Context, vm hypervisor.Ref) (*hypervisor.VMRecord, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return nil, err
	}
	return s.record(dom)
}

func (s *Session) record(dom libvirt.Domain) (*hypervisor.VMRecord, error) {
	ref := domainRef(dom)

	state, err := s.state(dom)
	if err != nil {
		return nil, err
	}
	_, maxMem, memory, nrVirtCPU, cpuTime, err := s.l.DomainGetInfo(dom)
	if err != nil {
		return nil, translate(err, ref)
	}
	raw, err := s.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, translate(err, ref)
	}
	def, err := parseDomain(raw)
	if err != nil {
		return nil, err
	}
	p, err := metadata.Load(s.l, dom)
	if err != nil {
		return nil, err
	}

	rec := &hypervisor.VMRecord{
		Ref:               ref,
		UUID:              p.UUID,
		NameLabel:         p.NameLabel,
		PowerState:        state,
		DomID:             -1,
		MemoryMaxBytes:    maxMem * 1024,
		MemoryBytes:       memory * 1024,
		VCPUs:             int(nrVirtCPU),
		CPUTimeNanos:      cpuTime,
		Kernel:            def.OS.Kernel,
		Ramdisk:           def.OS.Initrd,
		OtherConfig:       p.OtherConfig,
		ParamData:         p.Data,
		BlockedOperations: p.BlockedOperations,
	}
	if rec.NameLabel == "" {
		rec.NameLabel = dom.Name
	}
	if rec.UUID == "" {
		rec.UUID = string(ref)
	}
	if active(state) && dom.ID >= 0 {
		rec.DomID = int(dom.ID)
	}
	for _, disk := range def.Devices.Disks {
		if vbd, ok := vbdRecord(ref, disk); ok {
			rec.VBDs = append(rec.VBDs, vbd.Ref)
		}
	}
	for _, iface := range def.Devices.Interfaces {
		if iface.MAC != nil {
			rec.VIFs = append(rec.VIFs, deviceRef(ref, iface.MAC.Address))
		}
	}
	return rec, nil
}

// PowerState returns the power state of vm.
func (s *Session) PowerState(_ context.Context, vm hypervisor.Ref) (hypervisor.PowerState, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return hypervisor.Unknown, err
	}
	return s.state(dom)
}

// CreateVM defines a new halted domain for spec. The domain gets a fresh
// UUID; the libvirt name is the name label unless another domain already
// holds it.
func (s *Session) CreateVM(_ context.Context, spec hypervisor.VMSpec) (hypervisor.Ref, error) {
	id := uuid.New()
	name := spec.NameLabel
	if _, err := s.l.DomainLookupByName(name); err == nil {
		name = fmt.Sprintf("%s-%s", spec.NameLabel, id.String()[:8])
	} else if !isNoDomain(err) {
		return "", fmt.Errorf("failed to look up domain %s: %w", name, err)
	}

	if s.opts.ConsoleLogDir != "" {
		spec.ConsoleLog = filepath.Join(s.opts.ConsoleLogDir, id.String()+".log")
	}
	spec.VNCListen = s.opts.VNCListen

	xml, err := GenerateDomainXML(spec, name, id)
	if err != nil {
		return "", err
	}
	dom, err := s.l.DomainDefineXML(xml)
	if err != nil {
		return "", fmt.Errorf("failed to define domain %s: %w", name, translate(err, ""))
	}

	p := &metadata.Params{
		NameLabel:   spec.NameLabel,
		UUID:        spec.UUID,
		OtherConfig: spec.OtherConfig,
	}
	if err := metadata.Store(s.l, dom, p); err != nil {
		if uerr := s.l.DomainUndefineFlags(dom, 0); uerr != nil {
			s.log.Error(uerr, "failed to undefine domain after metadata error", "domain", name)
		}
		return "", err
	}

	ref := domainRef(dom)
	s.log.V(1).Info("created VM record", "vm", ref, "domain", name, "nameLabel", spec.NameLabel)
	return ref, nil
}

// DestroyVM removes the domain of vm, stopping it first if needed.
func (s *Session) DestroyVM(_ context.Context, vm hypervisor.Ref) error {
	dom, err := s.domain(vm)
	if err != nil {
		return err
	}
	state, err := s.state(dom)
	if err != nil {
		return err
	}
	if active(state) {
		if err := s.l.DomainDestroy(dom); err != nil {
			return translate(err, vm)
		}
	}
	flags := libvirt.DomainUndefineManagedSave | libvirt.DomainUndefineNvram
	if err := s.l.DomainUndefineFlags(dom, flags); err != nil {
		return translate(err, vm)
	}
	return nil
}

// SetNameLabel changes the name label of vm. The libvirt domain name stays.
func (s *Session) SetNameLabel(_ context.Context, vm hypervisor.Ref, name string) error {
	return s.updateParams(vm, func(p *metadata.Params) { p.NameLabel = name })
}

func (s *Session) updateParams(vm hypervisor.Ref, mutate func(*metadata.Params)) error {
	dom, err := s.domain(vm)
	if err != nil {
		return err
	}
	s.locks.Lock(string(vm))
	defer s.locks.Unlock(string(vm))
	return metadata.Update(s.l, dom, mutate)
}

// transition checks that vm is in one of from and runs fn on it.
func (s *Session) transition(vm hypervisor.Ref, fn func(libvirt.Domain) error, from ...hypervisor.PowerState) error {
	dom, err := s.domain(vm)
	if err != nil {
		return err
	}
	state, err := s.state(dom)
	if err != nil {
		return err
	}
	for _, ok := range from {
		if state == ok {
			return translate(fn(dom), vm)
		}
	}
	return badPowerState(vm, from[0], state)
}

// Start boots a halted vm unless "start" is blocked.
func (s *Session) Start(_ context.Context, vm hypervisor.Ref) error {
	dom, err := s.domain(vm)
	if err != nil {
		return err
	}
	blocked, err := metadata.IsBlocked(s.l, dom, opStart)
	if err != nil {
		return err
	}
	if blocked {
		return &hypervisor.Failure{
			Code:    hypervisor.CodeOperationBlocked,
			Details: []string{string(vm), opStart},
		}
	}
	return s.transition(vm, s.l.DomainCreate, hypervisor.Halted)
}

// CleanShutdown asks the guest to power off.
func (s *Session) CleanShutdown(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, s.l.DomainShutdown, hypervisor.Running)
}

// HardShutdown forces vm off. A suspended vm loses its saved state.
func (s *Session) HardShutdown(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, func(dom libvirt.Domain) error {
		state, err := s.state(dom)
		if err != nil {
			return err
		}
		if state == hypervisor.Suspended {
			return s.l.DomainManagedSaveRemove(dom, 0)
		}
		return s.l.DomainDestroy(dom)
	}, hypervisor.Running, hypervisor.Paused, hypervisor.Suspended)
}

// CleanReboot asks the guest to reboot.
func (s *Session) CleanReboot(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, func(dom libvirt.Domain) error {
		return s.l.DomainReboot(dom, 0)
	}, hypervisor.Running)
}

// HardReboot resets vm.
func (s *Session) HardReboot(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, func(dom libvirt.Domain) error {
		return s.l.DomainReset(dom, 0)
	}, hypervisor.Running)
}

// Pause freezes the vCPUs of vm.
func (s *Session) Pause(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, s.l.DomainSuspend, hypervisor.Running)
}

// Unpause resumes a paused vm.
func (s *Session) Unpause(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, s.l.DomainResume, hypervisor.Paused)
}

// Suspend saves the memory of vm to disk and stops it.
func (s *Session) Suspend(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, func(dom libvirt.Domain) error {
		return s.l.DomainManagedSave(dom, 0)
	}, hypervisor.Running)
}

// Resume restores a suspended vm.
func (s *Session) Resume(_ context.Context, vm hypervisor.Ref) error {
	return s.transition(vm, s.l.DomainCreate, hypervisor.Suspended)
}

// SetBlockedOperation blocks op on vm.
func (s *Session) SetBlockedOperation(_ context.Context, vm hypervisor.Ref, op string) error {
	return s.updateParams(vm, func(p *metadata.Params) {
		if p.BlockedOperations == nil {
			p.BlockedOperations = make(map[string]string)
		}
		p.BlockedOperations[op] = ""
	})
}

// RemoveBlockedOperation unblocks op on vm.
func (s *Session) RemoveBlockedOperation(_ context.Context, vm hypervisor.Ref, op string) error {
	return s.updateParams(vm, func(p *metadata.Params) {
		delete(p.BlockedOperations, op)
	})
}

// AddParam adds key to the param store of vm. Adding a key that is already
// present fails with MAP_DUPLICATE_KEY.
func (s *Session) AddParam(_ context.Context, vm hypervisor.Ref, key, value string) error {
	var duplicate bool
	err := s.updateParams(vm, func(p *metadata.Params) {
		if _, ok := p.Data[key]; ok {
			duplicate = true
			return
		}
		if p.Data == nil {
			p.Data = make(map[string]string)
		}
		p.Data[key] = value
	})
	if err != nil {
		return err
	}
	if duplicate {
		return &hypervisor.Failure{
			Code:    hypervisor.CodeMapDuplicateKey,
			Details: []string{"key", "param_data", string(vm), key},
		}
	}
	return nil
}

// RemoveParam removes key from the param store of vm.
func (s *Session) RemoveParam(_ context.Context, vm hypervisor.Ref, key string) error {
	return s.updateParams(vm, func(p *metadata.Params) {
		delete(p.Data, key)
	})
}

// WriteGuestData sets path in the live guest data of a running vm.
func (s *Session) WriteGuestData(_ context.Context, vm hypervisor.Ref, path, value string) error {
	return s.guestData(vm, func(dom libvirt.Domain) error {
		return metadata.WriteGuestData(s.l, dom, path, value)
	})
}

// DeleteGuestData removes path from the live guest data of a running vm.
func (s *Session) DeleteGuestData(_ context.Context, vm hypervisor.Ref, path string) error {
	return s.guestData(vm, func(dom libvirt.Domain) error {
		return metadata.DeleteGuestData(s.l, dom, path)
	})
}

func (s *Session) guestData(vm hypervisor.Ref, fn func(libvirt.Domain) error) error {
	dom, err := s.domain(vm)
	if err != nil {
		return err
	}
	state, err := s.state(dom)
	if err != nil {
		return err
	}
	if !active(state) {
		return hypervisor.ErrNoDomID
	}
	s.locks.Lock(string(vm))
	defer s.locks.Unlock(string(vm))
	return fn(dom)
}

// FreeMemory returns the free host memory in bytes.
func (s *Session) FreeMemory(_ context.Context) (uint64, error) {
	free, err := s.l.NodeGetFreeMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to get free memory: %w", err)
	}
	return free, nil
}

// Diagnostics returns raw counters of vm.
func (s *Session) Diagnostics(_ context.Context, vm hypervisor.Ref) (map[string]string, error) {
	dom, err := s.domain(vm)
	if err != nil {
		return nil, err
	}
	state, maxMem, memory, nrVirtCPU, cpuTime, err := s.l.DomainGetInfo(dom)
	if err != nil {
		return nil, translate(err, vm)
	}
	raw, err := s.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, translate(err, vm)
	}
	def, err := parseDomain(raw)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"state":          strconv.Itoa(int(state)),
		"max_memory_kib": strconv.FormatUint(maxMem, 10),
		"memory_kib":     strconv.FormatUint(memory, 10),
		"vcpus":          strconv.Itoa(int(nrVirtCPU)),
		"cpu_time_ns":    strconv.FormatUint(cpuTime, 10),
		"disks":          strconv.Itoa(len(def.Devices.Disks)),
		"interfaces":     strconv.Itoa(len(def.Devices.Interfaces)),
	}, nil
}

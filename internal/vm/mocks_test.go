package vm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/config"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// recorder is shared by every mock of a harness so that tests can assert
// the order of calls across collaborators. Entries are "Method arg1 arg2".
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[string]error)}
}

// call records an invocation and returns the error injected for method.
func (r *recorder) call(method string, args ...any) error {
	parts := []string{method}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(parts, " "))
	return r.fail[method]
}

func (r *recorder) failOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[method] = err
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// of returns the recorded entries of the given methods, in call order.
func (r *recorder) of(methods ...string) []string {
	var out []string
	for _, c := range r.all() {
		name, _, _ := strings.Cut(c, " ")
		for _, m := range methods {
			if name == m {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (r *recorder) count(method string) int {
	return len(r.of(method))
}

// index returns the position of the first entry equal to call, or -1.
func (r *recorder) index(call string) int {
	for i, c := range r.all() {
		if c == call {
			return i
		}
	}
	return -1
}

// mockSession is an in-memory control plane.
type mockSession struct {
	mu  sync.Mutex
	rec *recorder
	seq int

	vms       map[hypervisor.Ref]*hypervisor.VMRecord
	vbds      map[hypervisor.Ref]hypervisor.VBDRecord
	vbdOrder  []hypervisor.Ref
	vifs      []hypervisor.VIFRecord
	guestData map[hypervisor.Ref]map[string]string

	freeMemory uint64
	// cleanShutdownHalts controls whether CleanShutdown takes effect.
	cleanShutdownHalts bool
}

func newMockSession(rec *recorder) *mockSession {
	return &mockSession{
		rec:                rec,
		vms:                make(map[hypervisor.Ref]*hypervisor.VMRecord),
		vbds:               make(map[hypervisor.Ref]hypervisor.VBDRecord),
		guestData:          make(map[hypervisor.Ref]map[string]string),
		freeMemory:         64 << 30,
		cleanShutdownHalts: true,
	}
}

func (m *mockSession) nextRef(prefix string) hypervisor.Ref {
	m.seq++
	return hypervisor.Ref(fmt.Sprintf("%s-%d", prefix, m.seq))
}

func (m *mockSession) get(vm hypervisor.Ref) (*hypervisor.VMRecord, error) {
	rec, ok := m.vms[vm]
	if !ok {
		return nil, &hypervisor.Failure{Code: hypervisor.CodeHandleInvalid, Details: []string{"VM", string(vm)}}
	}
	return rec, nil
}

// addVM seeds a VM directly, bypassing the recorder.
func (m *mockSession) addVM(name string, state hypervisor.PowerState, memoryMB int, instanceUUID string) hypervisor.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef("vm")
	domID := -1
	if state == hypervisor.Running {
		domID = 1
	}
	m.vms[ref] = &hypervisor.VMRecord{
		Ref:               ref,
		NameLabel:         name,
		PowerState:        state,
		DomID:             domID,
		MemoryMaxBytes:    uint64(memoryMB) << 20,
		MemoryBytes:       uint64(memoryMB) << 20,
		VCPUs:             1,
		OtherConfig:       map[string]string{otherConfigInstanceUUID: instanceUUID},
		ParamData:         make(map[string]string),
		BlockedOperations: make(map[string]string),
	}
	return ref
}

// addVBD seeds a VBD directly, bypassing the recorder.
func (m *mockSession) addVBD(vm, vdi hypervisor.Ref, userdevice int) hypervisor.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef("vbd")
	m.vbds[ref] = hypervisor.VBDRecord{Ref: ref, VM: vm, VDI: vdi, UserDevice: fmt.Sprint(userdevice)}
	m.vbdOrder = append(m.vbdOrder, ref)
	return ref
}

func (m *mockSession) vm(name string) (*hypervisor.VMRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.vms {
		if rec.NameLabel == name {
			cp := *rec
			return &cp, true
		}
	}
	return nil, false
}

func (m *mockSession) vmCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vms)
}

func (m *mockSession) Lookup(_ context.Context, nameLabel string) (hypervisor.Ref, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, rec := range m.vms {
		if rec.NameLabel == nameLabel {
			return ref, true, nil
		}
	}
	return "", false, nil
}

func (m *mockSession) ListVMs(context.Context) ([]hypervisor.VMRecord, error) {
	if err := m.rec.call("ListVMs"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hypervisor.VMRecord, 0, len(m.vms))
	for _, rec := range m.vms {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameLabel < out[j].NameLabel })
	return out, nil
}

func (m *mockSession) GetRecord(_ context.Context, vm hypervisor.Ref) (*hypervisor.VMRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

func (m *mockSession) PowerState(_ context.Context, vm hypervisor.Ref) (hypervisor.PowerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return "", err
	}
	return rec.PowerState, nil
}

func (m *mockSession) CreateVM(_ context.Context, spec hypervisor.VMSpec) (hypervisor.Ref, error) {
	if err := m.rec.call("CreateVM", spec.NameLabel); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := m.nextRef("vm")
	other := make(map[string]string, len(spec.OtherConfig))
	for k, v := range spec.OtherConfig {
		other[k] = v
	}
	m.vms[ref] = &hypervisor.VMRecord{
		Ref:               ref,
		UUID:              spec.UUID,
		NameLabel:         spec.NameLabel,
		PowerState:        hypervisor.Halted,
		DomID:             -1,
		MemoryMaxBytes:    uint64(spec.MemoryMB) << 20,
		MemoryBytes:       uint64(spec.MemoryMB) << 20,
		VCPUs:             spec.VCPUs,
		Kernel:            spec.Kernel,
		Ramdisk:           spec.Ramdisk,
		OtherConfig:       other,
		ParamData:         make(map[string]string),
		BlockedOperations: make(map[string]string),
	}
	return ref, nil
}

func (m *mockSession) DestroyVM(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("DestroyVM", vm); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(vm); err != nil {
		return err
	}
	delete(m.vms, vm)
	for ref, vbd := range m.vbds {
		if vbd.VM == vm {
			delete(m.vbds, ref)
		}
	}
	return nil
}

func (m *mockSession) SetNameLabel(_ context.Context, vm hypervisor.Ref, name string) error {
	if err := m.rec.call("SetNameLabel", vm, name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	rec.NameLabel = name
	return nil
}

func (m *mockSession) setPower(vm hypervisor.Ref, state hypervisor.PowerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	rec.PowerState = state
	if state == hypervisor.Running {
		rec.DomID = 1
	} else {
		rec.DomID = -1
	}
	return nil
}

func (m *mockSession) Start(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("Start", vm); err != nil {
		return err
	}
	m.mu.Lock()
	rec, err := m.get(vm)
	if err == nil {
		if _, blocked := rec.BlockedOperations[blockedStart]; blocked {
			err = &hypervisor.Failure{Code: hypervisor.CodeOperationBlocked, Details: []string{string(vm), blockedStart}}
		}
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Running)
}

func (m *mockSession) CleanShutdown(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("CleanShutdown", vm); err != nil {
		return err
	}
	if !m.cleanShutdownHalts {
		return nil
	}
	return m.setPower(vm, hypervisor.Halted)
}

func (m *mockSession) HardShutdown(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("HardShutdown", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Halted)
}

func (m *mockSession) CleanReboot(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("CleanReboot", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Running)
}

func (m *mockSession) HardReboot(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("HardReboot", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Running)
}

func (m *mockSession) Pause(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("Pause", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Paused)
}

func (m *mockSession) Unpause(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("Unpause", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Running)
}

func (m *mockSession) Suspend(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("Suspend", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Suspended)
}

func (m *mockSession) Resume(_ context.Context, vm hypervisor.Ref) error {
	if err := m.rec.call("Resume", vm); err != nil {
		return err
	}
	return m.setPower(vm, hypervisor.Running)
}

func (m *mockSession) SetBlockedOperation(_ context.Context, vm hypervisor.Ref, op string) error {
	if err := m.rec.call("SetBlockedOperation", vm, op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	rec.BlockedOperations[op] = "true"
	return nil
}

func (m *mockSession) RemoveBlockedOperation(_ context.Context, vm hypervisor.Ref, op string) error {
	if err := m.rec.call("RemoveBlockedOperation", vm, op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	delete(rec.BlockedOperations, op)
	return nil
}

func (m *mockSession) AddParam(_ context.Context, vm hypervisor.Ref, key, value string) error {
	if err := m.rec.call("AddParam", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	if _, exists := rec.ParamData[key]; exists {
		return fmt.Errorf("param %s already set", key)
	}
	rec.ParamData[key] = value
	return nil
}

func (m *mockSession) RemoveParam(_ context.Context, vm hypervisor.Ref, key string) error {
	if err := m.rec.call("RemoveParam", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	delete(rec.ParamData, key)
	return nil
}

func (m *mockSession) WriteGuestData(_ context.Context, vm hypervisor.Ref, path, value string) error {
	if err := m.rec.call("WriteGuestData", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	if rec.DomID < 0 {
		return hypervisor.ErrNoDomID
	}
	if m.guestData[vm] == nil {
		m.guestData[vm] = make(map[string]string)
	}
	m.guestData[vm][path] = value
	return nil
}

func (m *mockSession) DeleteGuestData(_ context.Context, vm hypervisor.Ref, path string) error {
	if err := m.rec.call("DeleteGuestData", path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return err
	}
	if rec.DomID < 0 {
		return hypervisor.ErrNoDomID
	}
	delete(m.guestData[vm], path)
	return nil
}

func (m *mockSession) GetVBDs(_ context.Context, vm hypervisor.Ref) ([]hypervisor.VBDRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hypervisor.VBDRecord
	for _, ref := range m.vbdOrder {
		if vbd, ok := m.vbds[ref]; ok && vbd.VM == vm {
			out = append(out, vbd)
		}
	}
	return out, nil
}

func (m *mockSession) CreateVBD(_ context.Context, rec hypervisor.VBDRecord) (hypervisor.Ref, error) {
	if err := m.rec.call("CreateVBD", rec.UserDevice, rec.VDI); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(rec.VM); err != nil {
		return "", err
	}
	rec.Ref = m.nextRef("vbd")
	m.vbds[rec.Ref] = rec
	m.vbdOrder = append(m.vbdOrder, rec.Ref)
	return rec.Ref, nil
}

func (m *mockSession) DestroyVBD(_ context.Context, vbd hypervisor.Ref) error {
	if err := m.rec.call("DestroyVBD", vbd); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vbds, vbd)
	return nil
}

func (m *mockSession) CreateVIF(_ context.Context, rec hypervisor.VIFRecord) (hypervisor.Ref, error) {
	if err := m.rec.call("CreateVIF", rec.Device); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Ref = m.nextRef("vif")
	m.vifs = append(m.vifs, rec)
	return rec.Ref, nil
}

func (m *mockSession) FreeMemory(context.Context) (uint64, error) {
	if err := m.rec.call("FreeMemory"); err != nil {
		return 0, err
	}
	return m.freeMemory, nil
}

func (m *mockSession) Diagnostics(_ context.Context, vm hypervisor.Ref) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return nil, err
	}
	return map[string]string{"vcpus": fmt.Sprint(rec.VCPUs)}, nil
}

func (m *mockSession) GetVIFs(_ context.Context, vm hypervisor.Ref) ([]hypervisor.VIFRecord, error) {
	if err := m.rec.call("GetVIFs", vm); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []hypervisor.VIFRecord
	for _, vif := range m.vifs {
		if vif.VM == vm {
			out = append(out, vif)
		}
	}
	return out, nil
}

func (m *mockSession) ConsoleLog(_ context.Context, vm hypervisor.Ref) ([]byte, error) {
	if err := m.rec.call("ConsoleLog", vm); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.get(vm)
	if err != nil {
		return nil, err
	}
	return []byte("console of " + rec.NameLabel), nil
}

func (m *mockSession) VNCConsole(_ context.Context, vm hypervisor.Ref) (hypervisor.ConsoleInfo, error) {
	if err := m.rec.call("VNCConsole", vm); err != nil {
		return hypervisor.ConsoleInfo{}, err
	}
	return hypervisor.ConsoleInfo{Host: "127.0.0.1", Port: 5900}, nil
}

// mockDisks tracks which disks exist so tests can check nothing leaked.
type mockDisks struct {
	mu   sync.Mutex
	rec  *recorder
	seq  int
	live map[hypervisor.Ref]bool

	// chainParents is the number of immutable parents SnapshotAttached
	// returns below the leaf.
	chainParents int
	// importEphemeral is the number of ephemeral disks ImportMigratedDisks
	// returns.
	importEphemeral int
}

func newMockDisks(rec *recorder) *mockDisks {
	return &mockDisks{rec: rec, live: make(map[hypervisor.Ref]bool), chainParents: 1}
}

func (m *mockDisks) newDisk(prefix string) hypervisor.Disk {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := hypervisor.Ref(fmt.Sprintf("%s-%d", prefix, m.seq))
	m.live[ref] = true
	return hypervisor.Disk{Ref: ref, UUID: string(ref)}
}

func (m *mockDisks) liveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *mockDisks) CreateDisks(_ context.Context, _ *v1alpha1.Instance, nameLabel string, imageType hypervisor.ImageType) (hypervisor.DiskSet, error) {
	if err := m.rec.call("CreateDisks", nameLabel); err != nil {
		return hypervisor.DiskSet{}, err
	}
	if imageType == hypervisor.ImageDiskISO {
		iso := m.newDisk("iso")
		return hypervisor.DiskSet{ISO: &iso}, nil
	}
	root := m.newDisk("root")
	return hypervisor.DiskSet{Root: &root}, nil
}

func (m *mockDisks) ImportMigratedDisks(_ context.Context, _ *v1alpha1.Instance, importRoot bool) (hypervisor.DiskSet, error) {
	if err := m.rec.call("ImportMigratedDisks", importRoot); err != nil {
		return hypervisor.DiskSet{}, err
	}
	var set hypervisor.DiskSet
	if importRoot {
		root := m.newDisk("root")
		set.Root = &root
	}
	if m.importEphemeral > 0 {
		set.Ephemeral = make(map[int]hypervisor.Disk)
		for i := 0; i < m.importEphemeral; i++ {
			set.Ephemeral[deviceEphemeral+i] = m.newDisk("eph")
		}
	}
	return set, nil
}

func (m *mockDisks) DestroyDisk(_ context.Context, disk hypervisor.Ref) error {
	if err := m.rec.call("DestroyDisk", disk); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, disk)
	return nil
}

func (m *mockDisks) DiskUUID(_ context.Context, disk hypervisor.Ref) (string, error) {
	return string(disk), nil
}

func (m *mockDisks) CreateKernelRamdisk(_ context.Context, _ *v1alpha1.Instance, nameLabel string) (string, string, error) {
	if err := m.rec.call("CreateKernelRamdisk", nameLabel); err != nil {
		return "", "", err
	}
	return "/kernels/" + nameLabel + "-kernel", "/kernels/" + nameLabel + "-ramdisk", nil
}

func (m *mockDisks) DestroyKernelRamdisk(_ context.Context, kernel, ramdisk string) error {
	return m.rec.call("DestroyKernelRamdisk", kernel, ramdisk)
}

func (m *mockDisks) ResizeDiskCopy(_ context.Context, _ *v1alpha1.Instance, disk hypervisor.Ref, sizeGB int) (hypervisor.Disk, error) {
	if err := m.rec.call("ResizeDiskCopy", disk, sizeGB); err != nil {
		return hypervisor.Disk{}, err
	}
	return m.newDisk("copy"), nil
}

func (m *mockDisks) UpdateVirtualSize(_ context.Context, _ *v1alpha1.Instance, disk hypervisor.Ref, sizeGB int) error {
	return m.rec.call("UpdateVirtualSize", disk, sizeGB)
}

func (m *mockDisks) AutoConfigureDisk(_ context.Context, disk hypervisor.Ref, sizeGB int) error {
	return m.rec.call("AutoConfigureDisk", disk, sizeGB)
}

func (m *mockDisks) GenerateEphemeral(_ context.Context, _ *v1alpha1.Instance, _ string, userdevice, sizeGB int) (hypervisor.Disk, error) {
	if err := m.rec.call("GenerateEphemeral", userdevice, sizeGB); err != nil {
		return hypervisor.Disk{}, err
	}
	return m.newDisk("eph"), nil
}

func (m *mockDisks) GenerateSwap(_ context.Context, _ *v1alpha1.Instance, _ string, sizeMB int) (hypervisor.Disk, error) {
	if err := m.rec.call("GenerateSwap", sizeMB); err != nil {
		return hypervisor.Disk{}, err
	}
	return m.newDisk("swap"), nil
}

func (m *mockDisks) GenerateBlankRoot(_ context.Context, _ *v1alpha1.Instance, _ string, sizeGB int) (hypervisor.Disk, error) {
	if err := m.rec.call("GenerateBlankRoot", sizeGB); err != nil {
		return hypervisor.Disk{}, err
	}
	return m.newDisk("blank"), nil
}

func (m *mockDisks) GenerateConfigDrive(_ context.Context, _ *v1alpha1.Instance, nameLabel, _ string, _ []v1alpha1.File) (hypervisor.Disk, error) {
	if err := m.rec.call("GenerateConfigDrive", nameLabel); err != nil {
		return hypervisor.Disk{}, err
	}
	return m.newDisk("configdrive"), nil
}

func (m *mockDisks) SnapshotAttached(_ context.Context, _ *v1alpha1.Instance, disk hypervisor.Ref, label string) ([]hypervisor.Ref, func(context.Context) error, error) {
	if err := m.rec.call("SnapshotAttached", disk); err != nil {
		return nil, nil, err
	}
	chain := []hypervisor.Ref{disk}
	for i := 1; i <= m.chainParents; i++ {
		chain = append(chain, hypervisor.Ref(fmt.Sprintf("%s-base%d", disk, i)))
	}
	release := func(context.Context) error {
		return m.rec.call("ReleaseSnapshot", disk)
	}
	return chain, release, nil
}

func (m *mockDisks) MigrateVHD(_ context.Context, _ *v1alpha1.Instance, disk hypervisor.Ref, _, _ string, seq, ephemeral int) error {
	return m.rec.call("MigrateVHD", disk, seq, ephemeral)
}

func (m *mockDisks) SRPath(context.Context) (string, error) {
	return "/var/lib/crucible/staging", nil
}

type mockVIFs struct {
	rec *recorder
	// unreadable lists MACs whose counters fail.
	unreadable map[string]bool
}

func (m *mockVIFs) Plug(_ context.Context, _ *v1alpha1.Instance, vif v1alpha1.VIF, vm hypervisor.Ref, device int) (hypervisor.VIFRecord, error) {
	if err := m.rec.call("Plug", vif.ID); err != nil {
		return hypervisor.VIFRecord{}, err
	}
	return hypervisor.VIFRecord{
		VM:      vm,
		Device:  fmt.Sprint(device),
		MAC:     vif.Address,
		Network: vif.Network.Label,
		Bridge:  vif.Network.Bridge,
	}, nil
}

func (m *mockVIFs) Unplug(_ context.Context, _ *v1alpha1.Instance, vif v1alpha1.VIF) error {
	return m.rec.call("Unplug", vif.ID)
}

func (m *mockVIFs) Counters(_ context.Context, rec hypervisor.VIFRecord) (hypervisor.BandwidthCounter, error) {
	if err := m.rec.call("Counters", rec.MAC); err != nil {
		return hypervisor.BandwidthCounter{}, err
	}
	if m.unreadable[rec.MAC] {
		return hypervisor.BandwidthCounter{}, fmt.Errorf("link %s not found", rec.Target)
	}
	return hypervisor.BandwidthCounter{MAC: rec.MAC, BWIn: 100, BWOut: 200}, nil
}

type mockFirewall struct {
	rec *recorder
}

func (m *mockFirewall) SetupBasicFiltering(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return m.rec.call("SetupBasicFiltering")
}

func (m *mockFirewall) PrepareInstanceFilter(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return m.rec.call("PrepareInstanceFilter")
}

func (m *mockFirewall) ApplyInstanceFilter(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return m.rec.call("ApplyInstanceFilter")
}

func (m *mockFirewall) UnfilterInstance(context.Context, *v1alpha1.Instance, v1alpha1.NetworkInfo) error {
	return m.rec.call("UnfilterInstance")
}

func (m *mockFirewall) RefreshSecurityGroupRules(_ context.Context, groupID string) error {
	return m.rec.call("RefreshSecurityGroupRules", groupID)
}

func (m *mockFirewall) RefreshSecurityGroupMembers(_ context.Context, groupID string) error {
	return m.rec.call("RefreshSecurityGroupMembers", groupID)
}

func (m *mockFirewall) RefreshInstanceSecurityRules(context.Context, *v1alpha1.Instance) error {
	return m.rec.call("RefreshInstanceSecurityRules")
}

func (m *mockFirewall) RefreshProviderFWRules(context.Context) error {
	return m.rec.call("RefreshProviderFWRules")
}

type mockAgent struct {
	rec     *recorder
	vm      hypervisor.Ref
	version string
}

func (m *mockAgent) Version(context.Context) (string, error) {
	if err := m.rec.call("agent.Version", m.vm); err != nil {
		return "", err
	}
	return m.version, nil
}

func (m *mockAgent) UpdateIfNeeded(_ context.Context, version string) error {
	return m.rec.call("agent.UpdateIfNeeded", version)
}

func (m *mockAgent) InjectSSHKey(_ context.Context, keys []string) error {
	return m.rec.call("agent.InjectSSHKey", len(keys))
}

func (m *mockAgent) InjectFile(_ context.Context, path string, _ []byte) error {
	return m.rec.call("agent.InjectFile", path)
}

func (m *mockAgent) SetAdminPassword(context.Context, string) error {
	return m.rec.call("agent.SetAdminPassword", m.vm)
}

func (m *mockAgent) ResetNetwork(context.Context) error {
	return m.rec.call("agent.ResetNetwork", m.vm)
}

type mockAgents struct {
	rec *recorder
	// version is reported by every agent; "" means the agent is silent.
	version string
}

func (m *mockAgents) AgentFor(_ *v1alpha1.Instance, vm hypervisor.Ref) Agent {
	return &mockAgent{rec: m.rec, vm: vm, version: m.version}
}

type mockVolumes struct {
	rec *recorder
	seq int
	mu  sync.Mutex
	bad []string
	// attachFailAt fails the nth AttachVolume call (1-based) when set.
	attachFailAt int
	attaches     int
}

func (m *mockVolumes) nextSR() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("sr-%d", m.seq)
}

func (m *mockVolumes) ConnectVolume(_ context.Context, conn v1alpha1.ConnectionInfo) (string, hypervisor.Disk, error) {
	if err := m.rec.call("ConnectVolume", conn.DriverVolumeType); err != nil {
		return "", hypervisor.Disk{}, err
	}
	sr := m.nextSR()
	return sr, hypervisor.Disk{Ref: hypervisor.Ref("vol-" + sr), UUID: sr}, nil
}

func (m *mockVolumes) AttachVolume(_ context.Context, _ v1alpha1.ConnectionInfo, vmName, mountDevice string, _ bool) (string, error) {
	if err := m.rec.call("AttachVolume", vmName, mountDevice); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.attaches++
	failed := m.attachFailAt > 0 && m.attaches == m.attachFailAt
	m.mu.Unlock()
	if failed {
		return "", fmt.Errorf("volume at %s unreachable", mountDevice)
	}
	return m.nextSR(), nil
}

func (m *mockVolumes) DetachVolume(_ context.Context, vmName, mountDevice string) error {
	return m.rec.call("DetachVolume", vmName, mountDevice)
}

func (m *mockVolumes) DetachAll(_ context.Context, vm hypervisor.Ref) error {
	return m.rec.call("DetachAll", vm)
}

func (m *mockVolumes) FindBadVolumes(_ context.Context, vm hypervisor.Ref) ([]string, error) {
	if err := m.rec.call("FindBadVolumes", vm); err != nil {
		return nil, err
	}
	return m.bad, nil
}

func (m *mockVolumes) ForgetSR(_ context.Context, srUUID string) error {
	return m.rec.call("ForgetSR", srUUID)
}

type mockStore struct {
	mu      sync.Mutex
	updates []map[string]any
}

func (m *mockStore) Update(_ context.Context, _ string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.updates = append(m.updates, cp)
	return nil
}

// progress returns every recorded progress value in order.
func (m *mockStore) progress() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, u := range m.updates {
		if p, ok := u["progress"].(int); ok {
			out = append(out, p)
		}
	}
	return out
}

type mockUploader struct {
	rec *recorder
}

func (m *mockUploader) UploadImage(_ context.Context, _ *v1alpha1.Instance, imageID string, chain []hypervisor.Ref) error {
	return m.rec.call("UploadImage", imageID, len(chain))
}

type mockMigrator struct {
	rec     *recorder
	relaxed bool
	iscsi   []string
}

func (m *mockMigrator) MigrateReceive(_ context.Context, destHost string) (hypervisor.MigrateData, error) {
	if err := m.rec.call("MigrateReceive", destHost); err != nil {
		return hypervisor.MigrateData{}, err
	}
	return hypervisor.MigrateData{
		DestinationHost: destHost,
		DestinationURI:  "qemu+tcp://" + destHost + "/system",
		BlockMigration:  true,
	}, nil
}

func (m *mockMigrator) AssertCanMigrate(_ context.Context, vm hypervisor.Ref, _ hypervisor.MigrateData) error {
	return m.rec.call("AssertCanMigrate", vm)
}

func (m *mockMigrator) MigrateSend(_ context.Context, vm hypervisor.Ref, _ hypervisor.MigrateData) error {
	return m.rec.call("MigrateSend", vm)
}

func (m *mockMigrator) PoolMigrate(_ context.Context, vm hypervisor.Ref, data hypervisor.MigrateData) error {
	return m.rec.call("PoolMigrate", vm, data.Params[migrateParamHostUUID])
}

func (m *mockMigrator) RelaxedSRCheck(context.Context) (bool, error) {
	if err := m.rec.call("RelaxedSRCheck"); err != nil {
		return false, err
	}
	return m.relaxed, nil
}

func (m *mockMigrator) ISCSIVolumes(_ context.Context, vm hypervisor.Ref) ([]string, error) {
	if err := m.rec.call("ISCSIVolumes", vm); err != nil {
		return nil, err
	}
	return m.iscsi, nil
}

func (m *mockMigrator) StripBaseMirror(_ context.Context, vm hypervisor.Ref) error {
	return m.rec.call("StripBaseMirror", vm)
}

// harness wires Ops to a full set of mocks.
type harness struct {
	ops      *Ops
	opts     *config.Options
	rec      *recorder
	session  *mockSession
	disks    *mockDisks
	vifs     *mockVIFs
	volumes  *mockVolumes
	agents   *mockAgents
	store    *mockStore
	migrator *mockMigrator
}

func newHarness(t *testing.T, mutate ...func(*config.Options)) *harness {
	t.Helper()

	opts := config.Defaults()
	opts.PollInterval = time.Millisecond
	opts.RunningTimeout = 50 * time.Millisecond
	opts.ShutdownTimeout = 20 * time.Millisecond
	opts.Host = "host-a"
	for _, fn := range mutate {
		fn(opts)
	}

	rec := newRecorder()
	h := &harness{
		opts:     opts,
		rec:      rec,
		session:  newMockSession(rec),
		disks:    newMockDisks(rec),
		vifs:     &mockVIFs{rec: rec},
		volumes:  &mockVolumes{rec: rec},
		agents:   &mockAgents{rec: rec, version: "1.0"},
		store:    &mockStore{},
		migrator: &mockMigrator{rec: rec},
	}
	h.ops = New(Deps{
		Session:  h.session,
		Disks:    h.disks,
		VIFs:     h.vifs,
		Firewall: &mockFirewall{rec: rec},
		Agents:   h.agents,
		Volumes:  h.volumes,
		Store:    h.store,
		Uploader: &mockUploader{rec: rec},
		Migrator: h.migrator,
		Log:      logr.Discard(),
	}, opts)
	return h
}

// newTestInstance returns a tracked instance in state with a plain disk
// image and one VIF.
func newTestInstance(name string, state v1alpha1.InstanceState) *v1alpha1.Instance {
	inst := v1alpha1.NewInstance(name)
	inst.Spec.Hostname = name
	inst.Spec.OSType = "linux"
	inst.Spec.Flavor = v1alpha1.Flavor{Name: "m1.small", MemoryMB: 2048, VCPUs: 2, RootGB: 20}
	inst.Spec.Image = v1alpha1.ImageMeta{ID: "img-1", DiskFormat: "vhd"}
	inst.Spec.Network = v1alpha1.NetworkInfo{{
		ID:      "vif-1",
		Address: "52:54:00:12:34:56",
		Network: v1alpha1.Network{
			Label:  "private",
			Bridge: "br0",
			Subnets: []v1alpha1.Subnet{{
				CIDR:    "10.0.0.0/24",
				Version: 4,
				Gateway: "10.0.0.1",
				DNS:     []string{"10.0.0.2"},
				IPs:     []string{"10.0.0.5"},
			}},
		},
	}}
	inst.Status.State = state
	return inst
}

package volume

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/naming"
)

type fakePool struct {
	def     libvirtxml.StoragePool
	running bool
	volumes map[string]bool
}

// fakeClient keeps storage pools in memory. contents lists the volumes a
// pool exposes once it is defined.
type fakeClient struct {
	mu        sync.Mutex
	pools     map[string]*fakePool
	contents  map[string][]string
	createErr error
	refreshes int
}

func newFakeClient() *fakeClient {
	return &fakeClient{pools: map[string]*fakePool{}, contents: map[string][]string{}}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "Storage pool not found: " + name}
}

func (f *fakeClient) pool(name string) (*fakePool, error) {
	p, ok := f.pools[name]
	if !ok {
		return nil, noPool(name)
	}
	return p, nil
}

func (f *fakeClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.pool(name); err != nil {
		return libvirt.StoragePool{}, err
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (f *fakeClient) StoragePoolDefineXML(xml string, _ uint32) (libvirt.StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StoragePool{}, err
	}
	p := &fakePool{def: def, volumes: map[string]bool{}}
	for _, v := range f.contents[def.Name] {
		p.volumes[v] = true
	}
	f.pools[def.Name] = p
	return libvirt.StoragePool{Name: def.Name}, nil
}

func (f *fakeClient) StoragePoolCreate(pool libvirt.StoragePool, _ libvirt.StoragePoolCreateFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	p, err := f.pool(pool.Name)
	if err != nil {
		return err
	}
	p.running = true
	return nil
}

func (f *fakeClient) StoragePoolDestroy(pool libvirt.StoragePool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool.Name)
	if err != nil {
		return err
	}
	p.running = false
	return nil
}

func (f *fakeClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.pool(pool.Name); err != nil {
		return err
	}
	delete(f.pools, pool.Name)
	return nil
}

func (f *fakeClient) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool.Name)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if p.running {
		return uint8(libvirt.StoragePoolRunning), 0, 0, 0, nil
	}
	return uint8(libvirt.StoragePoolInactive), 0, 0, 0, nil
}

func (f *fakeClient) StoragePoolRefresh(pool libvirt.StoragePool, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.pool(pool.Name); err != nil {
		return err
	}
	f.refreshes++
	return nil
}

func (f *fakeClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.pool(pool.Name)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	if !p.volumes[name] {
		return libvirt.StorageVol{}, libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found: " + name}
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

// fakeSession keeps VMs and their disks in memory.
type fakeSession struct {
	mu   sync.Mutex
	vms  map[string]hypervisor.Ref
	vbds map[hypervisor.Ref][]hypervisor.VBDRecord
}

func newFakeSession() *fakeSession {
	return &fakeSession{vms: map[string]hypervisor.Ref{}, vbds: map[hypervisor.Ref][]hypervisor.VBDRecord{}}
}

func (s *fakeSession) addVM(name string) hypervisor.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := hypervisor.Ref("vm-" + name)
	s.vms[name] = ref
	return ref
}

func (s *fakeSession) Lookup(_ context.Context, name string) (hypervisor.Ref, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.vms[name]
	return ref, ok, nil
}

func (s *fakeSession) ListVMs(context.Context) ([]hypervisor.VMRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []hypervisor.VMRecord
	for name, ref := range s.vms {
		out = append(out, hypervisor.VMRecord{Ref: ref, NameLabel: name})
	}
	return out, nil
}

func (s *fakeSession) GetVBDs(_ context.Context, vm hypervisor.Ref) ([]hypervisor.VBDRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hypervisor.VBDRecord(nil), s.vbds[vm]...), nil
}

func (s *fakeSession) CreateVBD(_ context.Context, rec hypervisor.VBDRecord) (hypervisor.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, err := strconv.Atoi(rec.UserDevice)
	if err != nil {
		return "", fmt.Errorf("invalid user device %q", rec.UserDevice)
	}
	for _, vbd := range s.vbds[rec.VM] {
		if vbd.UserDevice == rec.UserDevice {
			return "", &hypervisor.Failure{Code: hypervisor.CodeInternalError, Details: []string{"device in use"}}
		}
	}
	rec.Ref = hypervisor.Ref(string(rec.VM) + "/" + naming.DeviceName(slot, rec.CD))
	s.vbds[rec.VM] = append(s.vbds[rec.VM], rec)
	return rec.Ref, nil
}

func (s *fakeSession) DestroyVBD(_ context.Context, ref hypervisor.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for vm, vbds := range s.vbds {
		for i, vbd := range vbds {
			if vbd.Ref == ref {
				s.vbds[vm] = append(vbds[:i], vbds[i+1:]...)
				return nil
			}
		}
	}
	return &hypervisor.Failure{Code: hypervisor.CodeHandleInvalid, Details: []string{"VBD", string(ref)}}
}

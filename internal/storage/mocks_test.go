package storage

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/crucible/internal/config"
)

// fakeLibvirt is an in-memory libvirt daemon holding directory pools and
// their volumes.
type fakeLibvirt struct {
	mu    sync.Mutex
	pools map[string]*fakePool

	uploadErr   error
	downloadErr error
	resizes     []uint64
}

type fakePool struct {
	def     libvirtxml.StoragePool
	uuid    libvirt.UUID
	state   libvirt.StoragePoolState
	volumes map[string]*fakeVolume
}

type fakeVolume struct {
	name     string
	format   string
	capacity uint64
	backing  string
	data     []byte
}

func newFakeLibvirt() *fakeLibvirt {
	return &fakeLibvirt{pools: make(map[string]*fakePool)}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "Storage pool not found: " + name}
}

func noVol(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "Storage volume not found: " + name}
}

func (f *fakeLibvirt) pool(p libvirt.StoragePool) (*fakePool, error) {
	fp, ok := f.pools[p.Name]
	if !ok {
		return nil, noPool(p.Name)
	}
	return fp, nil
}

func (f *fakeLibvirt) vol(v libvirt.StorageVol) (*fakePool, *fakeVolume, error) {
	fp, ok := f.pools[v.Pool]
	if !ok {
		return nil, nil, noPool(v.Pool)
	}
	fv, ok := fp.volumes[v.Name]
	if !ok {
		return nil, nil, noVol(v.Name)
	}
	return fp, fv, nil
}

func (fp *fakePool) path(name string) string {
	return path.Join(fp.def.Target.Path, name)
}

func (fp *fakePool) handle() libvirt.StoragePool {
	return libvirt.StoragePool{Name: fp.def.Name, UUID: fp.uuid}
}

func (fp *fakePool) volHandle(name string) libvirt.StorageVol {
	return libvirt.StorageVol{Pool: fp.def.Name, Name: name, Key: fp.path(name)}
}

// addPool defines and starts a directory pool.
func (f *fakeLibvirt) addPool(name, dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[name] = &fakePool{
		def:     libvirtxml.StoragePool{Type: "dir", Name: name, Target: &libvirtxml.StoragePoolTarget{Path: dir}},
		uuid:    libvirt.UUID(uuid.New()),
		state:   libvirt.StoragePoolRunning,
		volumes: make(map[string]*fakeVolume),
	}
}

// addVolume stores a volume with the given contents.
func (f *fakeLibvirt) addVolume(pool, name, format string, capacity uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[pool].volumes[name] = &fakeVolume{name: name, format: format, capacity: capacity, data: data}
}

// volume returns a stored volume, or nil.
func (f *fakeLibvirt) volume(pool, name string) *fakeVolume {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pools[pool]
	if !ok {
		return nil
	}
	return fp.volumes[name]
}

// volumeNames lists the volumes of a pool, sorted.
func (f *fakeLibvirt) volumeNames(pool string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.pools[pool].volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeLibvirt) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.pools[name]
	if !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return fp.handle(), nil
}

func (f *fakeLibvirt) StoragePoolDefineXML(xml string, _ uint32) (libvirt.StoragePool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StoragePool{}, err
	}
	if _, ok := f.pools[def.Name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("pool %s already exists", def.Name)
	}
	fp := &fakePool{def: def, uuid: libvirt.UUID(uuid.New()), state: libvirt.StoragePoolInactive, volumes: make(map[string]*fakeVolume)}
	f.pools[def.Name] = fp
	return fp.handle(), nil
}

func (f *fakeLibvirt) StoragePoolCreate(p libvirt.StoragePool, _ libvirt.StoragePoolCreateFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := f.pool(p)
	if err != nil {
		return err
	}
	fp.state = libvirt.StoragePoolRunning
	return nil
}

func (f *fakeLibvirt) StoragePoolBuild(p libvirt.StoragePool, _ libvirt.StoragePoolBuildFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.pool(p)
	return err
}

func (f *fakeLibvirt) StoragePoolSetAutostart(p libvirt.StoragePool, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.pool(p)
	return err
}

func (f *fakeLibvirt) StoragePoolDestroy(p libvirt.StoragePool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := f.pool(p)
	if err != nil {
		return err
	}
	fp.state = libvirt.StoragePoolInactive
	return nil
}

func (f *fakeLibvirt) StoragePoolUndefine(p libvirt.StoragePool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.pool(p); err != nil {
		return err
	}
	delete(f.pools, p.Name)
	return nil
}

func (f *fakeLibvirt) StoragePoolGetInfo(p libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := f.pool(p)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	var used uint64
	for _, v := range fp.volumes {
		used += uint64(len(v.data))
	}
	const size = 1 << 40
	return uint8(fp.state), size, used, size - used, nil
}

func (f *fakeLibvirt) StoragePoolGetXMLDesc(p libvirt.StoragePool, _ libvirt.StorageXMLFlags) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := f.pool(p)
	if err != nil {
		return "", err
	}
	return fp.def.Marshal()
}

func (f *fakeLibvirt) StoragePoolListAllVolumes(p libvirt.StoragePool, _ int32, _ uint32) ([]libvirt.StorageVol, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := f.pool(p)
	if err != nil {
		return nil, 0, err
	}
	var vols []libvirt.StorageVol
	for name := range fp.volumes {
		vols = append(vols, fp.volHandle(name))
	}
	return vols, uint32(len(vols)), nil
}

func (f *fakeLibvirt) StoragePoolRefresh(p libvirt.StoragePool, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.pool(p)
	return err
}

func (f *fakeLibvirt) StorageVolLookupByName(p libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := f.pool(p)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	if _, ok := fp.volumes[name]; !ok {
		return libvirt.StorageVol{}, noVol(name)
	}
	return fp.volHandle(name), nil
}

func (f *fakeLibvirt) create(p libvirt.StoragePool, xml string) (*fakePool, *fakeVolume, error) {
	fp, err := f.pool(p)
	if err != nil {
		return nil, nil, err
	}
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xml); err != nil {
		return nil, nil, err
	}
	if _, ok := fp.volumes[def.Name]; ok {
		return nil, nil, fmt.Errorf("volume %s already exists", def.Name)
	}
	fv := &fakeVolume{name: def.Name, format: "raw"}
	if def.Capacity != nil {
		fv.capacity = def.Capacity.Value
	}
	if def.Target != nil && def.Target.Format != nil {
		fv.format = def.Target.Format.Type
	}
	if def.BackingStore != nil {
		fv.backing = def.BackingStore.Path
	}
	fp.volumes[def.Name] = fv
	return fp, fv, nil
}

func (f *fakeLibvirt) StorageVolCreateXML(p libvirt.StoragePool, xml string, _ libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, fv, err := f.create(p, xml)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	return fp.volHandle(fv.name), nil
}

func (f *fakeLibvirt) StorageVolCreateXMLFrom(p libvirt.StoragePool, xml string, src libvirt.StorageVol, _ libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, sv, err := f.vol(src)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	fp, fv, err := f.create(p, xml)
	if err != nil {
		return libvirt.StorageVol{}, err
	}
	// A copy is flattened and keeps at least the capacity of its source.
	fv.data = bytes.Clone(sv.data)
	fv.capacity = max(fv.capacity, sv.capacity)
	return fp.volHandle(fv.name), nil
}

func (f *fakeLibvirt) StorageVolDelete(v libvirt.StorageVol, _ libvirt.StorageVolDeleteFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, _, err := f.vol(v)
	if err != nil {
		return err
	}
	delete(fp.volumes, v.Name)
	return nil
}

func (f *fakeLibvirt) StorageVolGetPath(v libvirt.StorageVol) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, _, err := f.vol(v)
	if err != nil {
		return "", err
	}
	return fp.path(v.Name), nil
}

func (f *fakeLibvirt) StorageVolGetInfo(v libvirt.StorageVol) (int8, uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, fv, err := f.vol(v)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, fv.capacity, uint64(len(fv.data)), nil
}

func (f *fakeLibvirt) StorageVolGetXMLDesc(v libvirt.StorageVol, _ uint32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, fv, err := f.vol(v)
	if err != nil {
		return "", err
	}
	def := libvirtxml.StorageVolume{
		Type:     "file",
		Name:     fv.name,
		Key:      fp.path(fv.name),
		Capacity: &libvirtxml.StorageVolumeSize{Value: fv.capacity, Unit: "bytes"},
		Target: &libvirtxml.StorageVolumeTarget{
			Path:   fp.path(fv.name),
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: fv.format},
		},
	}
	if fv.backing != "" {
		def.BackingStore = &libvirtxml.StorageVolumeBackingStore{Path: fv.backing}
	}
	return def.Marshal()
}

func (f *fakeLibvirt) StorageVolResize(v libvirt.StorageVol, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, fv, err := f.vol(v)
	if err != nil {
		return err
	}
	if capacity < fv.capacity && flags&libvirt.StorageVolResizeShrink == 0 {
		return fmt.Errorf("cannot shrink %s without the shrink flag", v.Name)
	}
	f.resizes = append(f.resizes, capacity)
	fv.capacity = capacity
	return nil
}

func (f *fakeLibvirt) StorageVolUpload(v libvirt.StorageVol, r io.Reader, _ uint64, _ uint64, _ libvirt.StorageVolUploadFlags) error {
	if f.uploadErr != nil {
		_, _ = io.Copy(io.Discard, r)
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, fv, err := f.vol(v)
	if err != nil {
		return err
	}
	fv.data = data
	return nil
}

func (f *fakeLibvirt) StorageVolDownload(v libvirt.StorageVol, w io.Writer, _ uint64, _ uint64, _ libvirt.StorageVolDownloadFlags) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	f.mu.Lock()
	_, fv, err := f.vol(v)
	var data []byte
	if err == nil {
		data = bytes.Clone(fv.data)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (f *fakeLibvirt) ConnectListAllStoragePools(_ int32, _ libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pools []libvirt.StoragePool
	for _, fp := range f.pools {
		pools = append(pools, fp.handle())
	}
	return pools, uint32(len(pools)), nil
}

// testOptions returns options with the default pools under dir.
func testOptions(dir string) *config.Options {
	return &config.Options{
		ImagesPool:  "crucible-images",
		ImagesPath:  path.Join(dir, "images"),
		VMsPool:     "crucible-vms",
		VMsPath:     path.Join(dir, "vms"),
		StagingPool: "crucible-staging",
		SRPath:      path.Join(dir, "sr"),
		KernelDir:   path.Join(dir, "kernels"),
	}
}

// newTestManager returns a manager over a fake with the default pools.
func newTestManager(dir string) (*Manager, *fakeLibvirt) {
	opts := testOptions(dir)
	fake := newFakeLibvirt()
	fake.addPool(opts.ImagesPool, opts.ImagesPath)
	fake.addPool(opts.VMsPool, opts.VMsPath)
	fake.addPool(opts.StagingPool, opts.SRPath)
	return NewManager(fake, opts, logr.Discard(), nil), fake
}

package vm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/pipeline"
	"github.com/jbweber/crucible/internal/progress"
	"github.com/jbweber/crucible/internal/undo"
)

const (
	bytesPerMiB = 1 << 20

	// imagePropUseAgent turns the guest agent off for one image when "false".
	imagePropUseAgent = "use_agent"
)

// SpawnRequest describes a VM to build.
type SpawnRequest struct {
	Instance *v1alpha1.Instance
	// Network defaults to Instance.Spec.Network.
	Network v1alpha1.NetworkInfo
	// BlockDevices defaults to Instance.Spec.BlockDevices.
	BlockDevices  *v1alpha1.BlockDeviceInfo
	InjectedFiles []v1alpha1.File
	AdminPassword string
}

// spawnParams is the internal form of a build shared by spawn, rescue and
// finish-migration.
type spawnParams struct {
	kind          pipeline.Kind
	inst          *v1alpha1.Instance
	network       v1alpha1.NetworkInfo
	bdi           *v1alpha1.BlockDeviceInfo
	nameLabel     string
	files         []v1alpha1.File
	adminPassword string
	rescue        bool
	firstBoot     bool
	powerOn       bool
	resize        bool
	// counted steps report progress; finish-migration reports once at the end.
	counted bool

	// createDisks overrides the create-disks step (finish-migration imports
	// the staged disks instead of fetching the image).
	createDisks func(ctx context.Context, ledger *undo.Ledger, imageType hypervisor.ImageType) (hypervisor.DiskSet, error)
	// origVM is the VM whose root disk a rescue VM attaches.
	origVM hypervisor.Ref
	// skipMount is a mapped device already attached as the root disk.
	skipMount string

	tracker *progress.Tracker
}

// Spawn builds, boots and configures a new VM for the request. A failure
// after allocation started rolls back everything created so far and
// returns an *undo.RollbackError.
func (o *Ops) Spawn(ctx context.Context, req SpawnRequest) (err error) {
	defer observe("spawn", time.Now(), &err)

	inst := req.Instance
	if err := checkState(inst, v1alpha1.StateBuilding); err != nil {
		return err
	}

	network := req.Network
	if network == nil {
		network = inst.Spec.Network
	}
	bdi := req.BlockDevices
	if bdi == nil {
		bdi = inst.Spec.BlockDevices
	}
	if bdi != nil {
		o.logFor(inst).V(1).Info("block device information present", "mappings", len(bdi.Mapping))
		if bdi.RootDeviceName == "" {
			bdi.RootDeviceName = o.opts.DefaultRootDevice
		}
	}

	sp := &spawnParams{
		kind:          pipeline.KindSpawn,
		inst:          inst,
		network:       network,
		bdi:           bdi,
		nameLabel:     inst.Name,
		files:         req.InjectedFiles,
		adminPassword: req.AdminPassword,
		firstBoot:     true,
		powerOn:       true,
		counted:       true,
	}

	if err := o.ensureSpawnable(ctx, inst, sp.nameLabel); err != nil {
		return err
	}

	o.setState(ctx, inst, v1alpha1.StateBuilding)
	if err := o.spawn(ctx, sp); err != nil {
		o.markFault(ctx, inst, "spawn", err)
		o.setState(ctx, inst, v1alpha1.StateAbsent)
		return err
	}
	o.setState(ctx, inst, v1alpha1.StateRunning)
	return nil
}

// ensureSpawnable checks the preconditions of a build before anything is
// allocated.
func (o *Ops) ensureSpawnable(ctx context.Context, inst *v1alpha1.Instance, nameLabel string) error {
	_, exists, err := o.lookup(ctx, nameLabel)
	if err != nil {
		return err
	}
	if exists {
		return &ValidationError{
			Reason: "duplicate name",
			Err:    jujuerrors.AlreadyExistsf("VM %s", nameLabel),
		}
	}

	free, err := o.session.FreeMemory(ctx)
	if err != nil {
		return fmt.Errorf("failed to get free host memory: %w", err)
	}
	need := uint64(inst.Spec.Flavor.MemoryMB) * bytesPerMiB
	if free < need {
		return &ValidationError{
			Reason: fmt.Sprintf("insufficient free memory on host for instance %s: need %d bytes, have %d", inst.UUID(), need, free),
		}
	}
	return nil
}

// spawn binds the build steps and executes them.
func (o *Ops) spawn(ctx context.Context, sp *spawnParams) error {
	inst := sp.inst
	log := o.logFor(inst).WithValues("nameLabel", sp.nameLabel)

	var (
		imageType       hypervisor.ImageType
		disks           hypervisor.DiskSet
		kernel, ramdisk string
		vm              hypervisor.Ref
	)

	bindings := map[pipeline.Name]pipeline.Step{
		pipeline.DetermineDiskType: {
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				t, err := hypervisor.ImageTypeFromFormat(inst.Spec.Image.DiskFormat)
				if err != nil {
					return err
				}
				imageType = t
				log.V(1).Info("determined disk image type", "type", t.String())
				return nil
			},
		},
		pipeline.CreateDisks: {
			Requires: []pipeline.Name{pipeline.DetermineDiskType},
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				var err error
				if sp.createDisks != nil {
					disks, err = sp.createDisks(ctx, ledger, imageType)
					return err
				}
				disks, err = o.disks.CreateDisks(ctx, inst, sp.nameLabel, imageType)
				if err != nil {
					return fmt.Errorf("failed to create disks: %w", err)
				}
				owned := disks.Owned()
				ledger.Register("destroy-disks", func(ctx context.Context) error {
					return o.safeDestroyDisks(ctx, log, owned)
				})
				return nil
			},
		},
		pipeline.CreateKernelRamdisk: {
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				if inst.Spec.KernelID == "" && inst.Spec.RamdiskID == "" {
					return nil
				}
				var err error
				kernel, ramdisk, err = o.disks.CreateKernelRamdisk(ctx, inst, sp.nameLabel)
				if err != nil {
					return fmt.Errorf("failed to create kernel/ramdisk: %w", err)
				}
				k, r := kernel, ramdisk
				ledger.Register("destroy-kernel-ramdisk", func(ctx context.Context) error {
					return o.disks.DestroyKernelRamdisk(ctx, k, r)
				})
				return nil
			},
		},
		pipeline.CreateVMRecord: {
			Requires: []pipeline.Name{pipeline.DetermineDiskType, pipeline.CreateDisks, pipeline.CreateKernelRamdisk},
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				ref, err := o.createVMRecord(ctx, sp, imageType, kernel, ramdisk)
				if err != nil {
					return err
				}
				vm = ref
				ledger.Register("destroy-vm", func(ctx context.Context) error {
					return o.teardown(ctx, inst, vm, sp.network, true)
				})
				return nil
			},
		},
		pipeline.AttachOrigRootDisk: {
			Requires: []pipeline.Name{pipeline.CreateVMRecord},
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				vbd, err := o.attachOrigDiskForRescue(ctx, sp.origVM, vm)
				if err != nil {
					return err
				}
				// Detach before the rescue VM is destroyed so the original
				// root disk survives.
				ledger.Register("detach-original-root", func(ctx context.Context) error {
					return o.session.DestroyVBD(ctx, vbd)
				})
				return nil
			},
		},
		pipeline.AttachDisks: {
			Requires: []pipeline.Name{pipeline.CreateVMRecord, pipeline.CreateDisks},
			Run: func(ctx context.Context, ledger *undo.Ledger) error {
				if ipxe := inst.Spec.Image.Properties["ipxe_boot"]; strings.EqualFold(ipxe, "true") && disks.ISO == nil {
					log.Info("ipxe_boot is set but no ISO image found", "warning", true)
				}
				if sp.resize {
					if err := o.resizeUpDisks(ctx, ledger, sp, &disks); err != nil {
						return err
					}
				}
				if err := o.attachDisks(ctx, ledger, sp, vm, disks, imageType); err != nil {
					return err
				}
				if !sp.firstBoot {
					return o.attachMappedBlockDevices(ctx, inst, sp.bdi, inst.Name, sp.skipMount)
				}
				return nil
			},
		},
		pipeline.InjectInstanceData: {
			Requires: []pipeline.Name{pipeline.CreateVMRecord},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if err := o.injectInstanceMetadata(ctx, inst, vm); err != nil {
					return err
				}
				if err := o.injectAutoDiskConfig(ctx, inst, vm); err != nil {
					return err
				}
				if sp.firstBoot {
					if err := o.injectHostname(ctx, inst, vm, sp.rescue); err != nil {
						return err
					}
				}
				return o.InjectNetworkInfo(ctx, inst, sp.network, vm)
			},
		},
		pipeline.SetupNetwork: {
			Requires: []pipeline.Name{pipeline.CreateVMRecord},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if err := o.createVIFs(ctx, inst, vm, sp.network); err != nil {
					return err
				}
				return o.prepareInstanceFilter(ctx, inst, sp.network)
			},
		},
		pipeline.Boot: {
			Requires: []pipeline.Name{pipeline.AttachDisks},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if !sp.powerOn {
					return nil
				}
				if err := o.start(ctx, inst, vm, nil); err != nil {
					return err
				}
				return o.waitForRunning(ctx, log, vm)
			},
		},
		pipeline.ConfigureBootedInstance: {
			Requires: []pipeline.Name{pipeline.Boot},
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if !sp.firstBoot {
					return nil
				}
				if err := o.configureWithAgent(ctx, inst, vm, sp.files, sp.adminPassword); err != nil {
					return err
				}
				return o.removeHostname(ctx, inst, vm)
			},
		},
		pipeline.ApplySecurityFilters: {
			Run: func(ctx context.Context, _ *undo.Ledger) error {
				if err := o.firewall.ApplyInstanceFilter(ctx, inst, sp.network); err != nil {
					return fmt.Errorf("failed to apply instance filter: %w", err)
				}
				return nil
			},
		},
	}
	for name, step := range bindings {
		step.Counted = sp.counted
		bindings[name] = step
	}

	p, err := pipeline.Build(sp.kind, bindings)
	if err != nil {
		return err
	}

	tracker := sp.tracker
	if tracker == nil {
		tracker = progress.New(o.updateProgress(inst), 0)
	}

	if err := pipeline.Execute(ctx, p, undo.New(log), tracker); err != nil {
		log.Error(err, "failed to spawn, rolled back")
		return err
	}
	return nil
}

// determineVMMode picks the virtualization mode: an explicit mode wins,
// then the OS type, then the image type.
func determineVMMode(inst *v1alpha1.Instance, imageType hypervisor.ImageType) hypervisor.VMMode {
	switch mode := hypervisor.VMMode(inst.Spec.VMMode); mode {
	case hypervisor.ModePV, hypervisor.ModeHVM:
		return mode
	}
	switch strings.ToLower(inst.Spec.OSType) {
	case "linux":
		return hypervisor.ModePV
	case "windows":
		return hypervisor.ModeHVM
	}
	if imageType == hypervisor.ImageDiskVHD || imageType == hypervisor.ImageDisk {
		return hypervisor.ModePV
	}
	return hypervisor.ModeHVM
}

func (o *Ops) createVMRecord(ctx context.Context, sp *spawnParams, imageType hypervisor.ImageType, kernel, ramdisk string) (hypervisor.Ref, error) {
	inst := sp.inst
	mode := determineVMMode(inst, imageType)
	if inst.Spec.VMMode != string(mode) {
		inst.Spec.VMMode = string(mode)
		o.updateInstance(ctx, inst, map[string]any{"vm_mode": string(mode)})
	}
	o.logFor(inst).V(1).Info("creating VM record", "mode", string(mode), "pvKernel", mode == hypervisor.ModePV)

	spec := hypervisor.VMSpec{
		NameLabel: sp.nameLabel,
		MemoryMB:  inst.Spec.Flavor.MemoryMB,
		VCPUs:     inst.Spec.Flavor.VCPUs,
		Mode:      mode,
		OSType:    inst.Spec.OSType,
		Kernel:    kernel,
		Ramdisk:   ramdisk,
		OtherConfig: map[string]string{
			otherConfigInstanceUUID: inst.UUID(),
		},
	}
	// The rescue VM lives next to the original and needs its own identity.
	if !sp.rescue {
		spec.UUID = inst.UUID()
	}

	vm, err := o.session.CreateVM(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("failed to create VM record: %w", err)
	}
	return vm, nil
}

// otherConfigInstanceUUID links a VM record to its instance.
const otherConfigInstanceUUID = "instance-uuid"

// attachDisks attaches the root (or ISO and blank root), mapped boot
// volumes, swap, ephemeral and config drive disks of a new VM.
func (o *Ops) attachDisks(ctx context.Context, ledger *undo.Ledger, sp *spawnParams, vm hypervisor.Ref, disks hypervisor.DiskSet, imageType hypervisor.ImageType) error {
	inst := sp.inst
	flavor := inst.Spec.Flavor
	log := o.logFor(inst)

	if imageType == hypervisor.ImageDiskISO {
		if flavor.RootGB > 0 {
			root, err := o.disks.GenerateBlankRoot(ctx, inst, sp.nameLabel, flavor.RootGB)
			if err != nil {
				return fmt.Errorf("failed to create blank root disk: %w", err)
			}
			o.registerDiskCleanup(ledger, log, root)
			if _, err := o.createVBD(ctx, vm, root, deviceRoot, false); err != nil {
				return err
			}
		}
		if disks.ISO == nil {
			return errors.New("ISO image type without an ISO disk")
		}
		if _, err := o.session.CreateVBD(ctx, hypervisor.VBDRecord{
			VM:         vm,
			VDI:        disks.ISO.Ref,
			UserDevice: fmt.Sprint(deviceCD),
			Bootable:   true,
			CD:         true,
		}); err != nil {
			return fmt.Errorf("failed to attach CD: %w", err)
		}
	} else {
		if disks.Root == nil {
			return fmt.Errorf("no root disk for instance %s", inst.UUID())
		}
		if inst.Spec.AutoDiskConfig && !disks.Root.OSVolume {
			log.V(1).Info("auto configuring disk, attempting to resize root disk")
			if err := o.disks.AutoConfigureDisk(ctx, disks.Root.Ref, flavor.RootGB); err != nil {
				// The guest can still boot with the original partition.
				log.Error(err, "failed to auto configure root disk")
			}
		}
		if _, err := o.createVBD(ctx, vm, *disks.Root, deviceRoot, true); err != nil {
			return err
		}
	}

	mounts := make([]string, 0, len(disks.Volumes))
	for dev := range disks.Volumes {
		mounts = append(mounts, dev)
	}
	sort.Strings(mounts)
	for _, dev := range mounts {
		userdevice, err := userdeviceFromMount(dev)
		if err != nil {
			return err
		}
		if _, err := o.createVBD(ctx, vm, disks.Volumes[dev], userdevice, false); err != nil {
			return err
		}
	}

	if flavor.SwapMB > 0 && !sp.rescue {
		swap, err := o.disks.GenerateSwap(ctx, inst, sp.nameLabel, flavor.SwapMB)
		if err != nil {
			return fmt.Errorf("failed to create swap disk: %w", err)
		}
		o.registerDiskCleanup(ledger, log, swap)
		if _, err := o.createVBD(ctx, vm, swap, deviceSwap, false); err != nil {
			return err
		}
	}

	if flavor.EphemeralGB > 0 && !sp.rescue {
		if len(disks.Ephemeral) > 0 {
			for _, userdevice := range sortedDevices(disks.Ephemeral) {
				if _, err := o.createVBD(ctx, vm, disks.Ephemeral[userdevice], userdevice, false); err != nil {
					return err
				}
			}
		} else if err := o.generateEphemeral(ctx, ledger, inst, vm, sp.nameLabel, flavor.EphemeralGB); err != nil {
			return err
		}
	}

	if inst.Spec.ConfigDrive {
		cd, err := o.disks.GenerateConfigDrive(ctx, inst, sp.nameLabel, sp.adminPassword, sp.files)
		if err != nil {
			return fmt.Errorf("failed to create config drive: %w", err)
		}
		o.registerDiskCleanup(ledger, log, cd)
		if _, err := o.createVBD(ctx, vm, cd, deviceConfigDrive, false); err != nil {
			return err
		}
	}
	return nil
}

// generateEphemeral creates and attaches the ephemeral disks of a flavor,
// split by ephemeralDiskSizes starting at deviceEphemeral.
func (o *Ops) generateEphemeral(ctx context.Context, ledger *undo.Ledger, inst *v1alpha1.Instance, vm hypervisor.Ref, nameLabel string, totalGB int) error {
	log := o.logFor(inst)
	for i, size := range ephemeralDiskSizes(totalGB) {
		userdevice := deviceEphemeral + i
		disk, err := o.disks.GenerateEphemeral(ctx, inst, nameLabel, userdevice, size)
		if err != nil {
			return fmt.Errorf("failed to create ephemeral disk %d: %w", userdevice, err)
		}
		o.registerDiskCleanup(ledger, log, disk)
		if _, err := o.createVBD(ctx, vm, disk, userdevice, false); err != nil {
			return err
		}
	}
	return nil
}

// resizeUpDisks grows imported disks to the instance flavor. Missing
// ephemeral disks are generated and added to disks.
func (o *Ops) resizeUpDisks(ctx context.Context, ledger *undo.Ledger, sp *spawnParams, disks *hypervisor.DiskSet) error {
	inst := sp.inst
	flavor := inst.Spec.Flavor
	log := o.logFor(inst)

	if flavor.RootGB > 0 && disks.Root != nil {
		if disks.Root.OSVolume {
			log.V(1).Info("not resizing the root volume")
		} else if err := o.disks.UpdateVirtualSize(ctx, inst, disks.Root.Ref, flavor.RootGB); err != nil {
			return fmt.Errorf("failed to resize root disk: %w", err)
		}
	}

	if flavor.EphemeralGB == 0 {
		return nil
	}
	if disks.Ephemeral == nil {
		disks.Ephemeral = make(map[int]hypervisor.Disk)
	}
	for i, size := range ephemeralDiskSizes(flavor.EphemeralGB) {
		userdevice := deviceEphemeral + i
		if d, ok := disks.Ephemeral[userdevice]; ok {
			if err := o.disks.UpdateVirtualSize(ctx, inst, d.Ref, size); err != nil {
				return fmt.Errorf("failed to resize ephemeral disk %d: %w", userdevice, err)
			}
			continue
		}
		log.V(1).Info("generating new ephemeral disk during resize", "userdevice", userdevice)
		d, err := o.disks.GenerateEphemeral(ctx, inst, sp.nameLabel, userdevice, size)
		if err != nil {
			return fmt.Errorf("failed to create ephemeral disk %d: %w", userdevice, err)
		}
		o.registerDiskCleanup(ledger, log, d)
		disks.Ephemeral[userdevice] = d
	}
	return nil
}

// attachOrigDiskForRescue attaches the root disk of orig to the rescue VM
// at the rescue slot.
func (o *Ops) attachOrigDiskForRescue(ctx context.Context, orig, rescueVM hypervisor.Ref) (hypervisor.Ref, error) {
	root, err := o.findRootVBD(ctx, orig)
	if err != nil {
		return "", err
	}
	vbd, err := o.session.CreateVBD(ctx, hypervisor.VBDRecord{
		VM:         rescueVM,
		VDI:        root.VDI,
		UserDevice: fmt.Sprint(deviceRescue),
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach original root disk: %w", err)
	}
	return vbd, nil
}

// findRootVBD returns the VBD at the root slot of vm.
func (o *Ops) findRootVBD(ctx context.Context, vm hypervisor.Ref) (hypervisor.VBDRecord, error) {
	vbds, err := o.session.GetVBDs(ctx, vm)
	if err != nil {
		return hypervisor.VBDRecord{}, fmt.Errorf("failed to list VBDs: %w", err)
	}
	for _, vbd := range vbds {
		if vbd.UserDevice == fmt.Sprint(deviceRoot) {
			return vbd, nil
		}
	}
	return hypervisor.VBDRecord{}, jujuerrors.NotFoundf("root VBD/VDI for VM %s", vm)
}

func (o *Ops) createVBD(ctx context.Context, vm hypervisor.Ref, disk hypervisor.Disk, userdevice int, bootable bool) (hypervisor.Ref, error) {
	vbd, err := o.session.CreateVBD(ctx, hypervisor.VBDRecord{
		VM:         vm,
		VDI:        disk.Ref,
		UserDevice: fmt.Sprint(userdevice),
		Bootable:   bootable,
		OSVolume:   disk.OSVolume,
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach disk at device %d: %w", userdevice, err)
	}
	return vbd, nil
}

func (o *Ops) registerDiskCleanup(ledger *undo.Ledger, log logr.Logger, disk hypervisor.Disk) {
	ledger.Register("destroy-disk", func(ctx context.Context) error {
		return o.safeDestroyDisks(ctx, log, []hypervisor.Disk{disk})
	})
}

// safeDestroyDisks destroys every disk, logging failures, and reports the
// first error after trying all of them.
func (o *Ops) safeDestroyDisks(ctx context.Context, log logr.Logger, disks []hypervisor.Disk) error {
	var first error
	for _, d := range disks {
		if err := o.disks.DestroyDisk(ctx, d.Ref); err != nil {
			log.Error(err, "failed to destroy disk", "disk", string(d.Ref))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// userdeviceFromMount converts a device name to a slot, e.g. /dev/xvdb -> 1.
func userdeviceFromMount(dev string) (int, error) {
	name := path.Base(dev)
	for _, prefix := range []string{"xvd", "sd", "vd", "hd"} {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return 0, fmt.Errorf("invalid mount device %q", dev)
	}
	return int(name[0] - 'a'), nil
}

func sortedDevices(m map[int]hypervisor.Disk) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// createVIFs plugs every VIF of network and creates it on vm, using the
// list position as the device number.
func (o *Ops) createVIFs(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref, network v1alpha1.NetworkInfo) error {
	log := o.logFor(inst)
	log.V(1).Info("creating vifs")

	if _, err := o.session.GetRecord(ctx, vm); err != nil {
		return fmt.Errorf("failed to get VM record: %w", err)
	}

	for device, vif := range network {
		rec, err := o.vifs.Plug(ctx, inst, vif, vm, device)
		if err != nil {
			return fmt.Errorf("failed to plug vif %s: %w", vif.ID, err)
		}
		rec.VM = vm
		log.V(1).Info("creating VIF", "network", rec.Network)
		ref, err := o.session.CreateVIF(ctx, rec)
		if err != nil {
			return fmt.Errorf("failed to create vif %s: %w", vif.ID, err)
		}
		log.V(1).Info("created VIF", "vif", string(ref), "network", rec.Network)
	}
	return nil
}

// prepareInstanceFilter sets up filtering. Basic filtering is optional
// for a firewall driver.
func (o *Ops) prepareInstanceFilter(ctx context.Context, inst *v1alpha1.Instance, network v1alpha1.NetworkInfo) error {
	if err := o.firewall.SetupBasicFiltering(ctx, inst, network); err != nil && !errors.Is(err, jujuerrors.NotSupported) {
		return fmt.Errorf("failed to set up basic filtering: %w", err)
	}
	if err := o.firewall.PrepareInstanceFilter(ctx, inst, network); err != nil {
		return fmt.Errorf("failed to prepare instance filter: %w", err)
	}
	return nil
}

func (o *Ops) agentEnabled(inst *v1alpha1.Instance) bool {
	if o.opts.DisableAgent {
		return false
	}
	return !strings.EqualFold(inst.Spec.Image.Properties[imagePropUseAgent], "false")
}

// configureWithAgent pushes keys, files, the admin password and the
// network configuration through the guest agent. Each agent call may fail
// on its own without failing the build.
func (o *Ops) configureWithAgent(ctx context.Context, inst *v1alpha1.Instance, vm hypervisor.Ref, files []v1alpha1.File, adminPassword string) error {
	log := o.logFor(inst)
	if !o.agentEnabled(inst) {
		log.V(1).Info("skip agent setup, not enabled")
		return nil
	}

	agent := o.agents.AgentFor(inst, vm)
	version, err := agent.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get agent version: %w", err)
	}
	if version == "" {
		log.V(1).Info("skip agent setup, unable to contact agent")
		return nil
	}
	log.V(1).Info("detected agent version", "version", version)

	if len(inst.Spec.SSHKeys) > 0 {
		if err := agent.InjectSSHKey(ctx, inst.Spec.SSHKeys); err != nil {
			log.Error(err, "agent failed to inject ssh keys")
		}
	}
	for _, f := range files {
		if err := agent.InjectFile(ctx, f.Path, f.Contents); err != nil {
			log.Error(err, "agent failed to inject file", "path", f.Path)
		}
	}
	if adminPassword != "" {
		if err := agent.SetAdminPassword(ctx, adminPassword); err != nil {
			log.Error(err, "agent failed to set admin password")
		}
	}
	if err := agent.ResetNetwork(ctx); err != nil {
		log.Error(err, "agent failed to reset network")
	}
	if err := agent.UpdateIfNeeded(ctx, version); err != nil {
		log.Error(err, "agent update failed")
	}
	return nil
}

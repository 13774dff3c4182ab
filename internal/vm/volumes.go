package vm

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// attachMappedBlockDevices attaches the volumes of bdi to vmName before it
// boots. A mapping whose mount device equals skip is already attached.
func (o *Ops) attachMappedBlockDevices(ctx context.Context, inst *v1alpha1.Instance, bdi *v1alpha1.BlockDeviceInfo, vmName, skip string) error {
	for _, m := range bdi.Mappings() {
		if skip != "" && m.MountDevice == skip {
			continue
		}
		dev := path.Base(m.MountDevice)
		o.logFor(inst).V(1).Info("attaching mapped volume", "device", dev, "vm", vmName)
		if _, err := o.volumes.AttachVolume(ctx, m.ConnectionInfo, vmName, dev, false); err != nil {
			return fmt.Errorf("failed to attach volume at %s: %w", dev, err)
		}
	}
	return nil
}

// detachBlockDevicesFromOrigVM detaches the mapped volumes from the VM
// renamed away by a resize, so the destination can attach them.
func (o *Ops) detachBlockDevicesFromOrigVM(ctx context.Context, inst *v1alpha1.Instance, bdi *v1alpha1.BlockDeviceInfo, origName string) error {
	for _, m := range bdi.Mappings() {
		dev := path.Base(m.MountDevice)
		if err := o.volumes.DetachVolume(ctx, origName, dev); err != nil {
			return fmt.Errorf("failed to detach volume at %s: %w", dev, err)
		}
	}
	return nil
}

// AttachBlockDeviceVolumes connects the volumes of bdi without attaching
// them to a VM, as the destination of a block migration does. It returns
// the SR UUIDs it created. On failure the SRs created so far are forgotten.
func (o *Ops) AttachBlockDeviceVolumes(ctx context.Context, bdi *v1alpha1.BlockDeviceInfo) (srs []string, err error) {
	defer observe("attach-block-device-volumes", time.Now(), &err)

	for _, m := range bdi.Mappings() {
		sr, err := o.volumes.AttachVolume(ctx, m.ConnectionInfo, "", m.MountDevice, false)
		if err != nil {
			cleanup := context.WithoutCancel(ctx)
			for _, created := range srs {
				if ferr := o.volumes.ForgetSR(cleanup, created); ferr != nil {
					o.log.Error(ferr, "failed to forget SR", "sr", created)
				}
			}
			return nil, fmt.Errorf("failed to attach volume at %s: %w", m.MountDevice, err)
		}
		srs = append(srs, sr)
	}
	return srs, nil
}

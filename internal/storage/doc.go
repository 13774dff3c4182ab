// Package storage manages the libvirt storage pools of crucible and
// implements the disk helper of the VM orchestrator on top of them.
//
// Storage Architecture:
//
// Three directory pools are kept on every host:
//   - crucible-images: imported images, the read-only bases of root disks
//   - crucible-vms: disks owned by VMs (roots, ephemeral, swap, config drives)
//   - crucible-staging: disks received from another host during a resize
//
// Disk handles are "<pool>/<volume>" (see hypervisor.VolumeRef).
//
// Volume Naming Convention:
//
// Volumes follow the patterns of the naming package:
//   - Root disk: {label}_root.qcow2, a qcow2 overlay on the image
//   - Ephemeral disk: {label}_ephemeral-{userdevice}.qcow2
//   - Swap disk: {label}_swap.qcow2
//   - Config drive: {label}_configdrive.iso
//   - Staged transfer: {instance uuid}_{seq}.vhd or {instance uuid}_eph{n}_{seq}.vhd
//
// A name already taken in the pool gets a random tag before its extension,
// so the VM of a resize and the original can share one host.
//
// Disk Transfer:
//
// MigrateVHD streams a volume to the staging pool of another host over a
// second libvirt connection (see Dialer): the local download is piped into
// the remote upload. ImportMigratedDisks on the destination copies the
// staged volumes into the VMs pool.
//
// Format Validation:
//
// Imported images are checked by their magic bytes:
//   - QCOW2: "QFI\xfb" at offset 0
//   - ISO 9660: "CD001" at offset 32769
//   - RAW: MBR signature 0x55aa at offset 510
//
// Example usage:
//
//	client, err := libvirt.Dial(ctx, opts)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mgr := storage.NewManager(client.Libvirt(), opts, log, nil)
//	if err := mgr.EnsureDefaultPools(ctx); err != nil {
//	    return err
//	}
//	name, err := mgr.ImportImage(ctx, "/path/to/fedora-43.qcow2", "")
package storage

// Package libvirt is the control-plane backend of crucible over
// github.com/digitalocean/go-libvirt.
//
// It provides:
//   - Connection management (connect, disconnect, ping)
//   - Session, the VM record API used by internal/vm
//   - Migrator, peer-to-peer live and block migration
//   - Domain and device XML generation through libvirtxml
//
// Connection Management:
//
//	client, err := libvirt.Dial(ctx, opts)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	session := libvirt.NewSession(client.Libvirt(), opts, log)
//	migrator := libvirt.NewMigrator(session)
//
// VM Records:
//
// A VM record is a persistent domain and its handle is the domain UUID,
// which is always freshly generated. The instance UUID, the name label, the
// param store and the blocked operations are kept in the domain metadata
// (see internal/metadata), so a VM can be relabelled while it runs and two
// VMs can carry the same instance UUID during a resize on one host. Live
// guest data is kept in the running definition and disappears when the
// domain stops.
//
// Disks and interfaces are attached as devices after the domain is defined.
// Device handles are "<domain uuid>/<target dev>" for disks and
// "<domain uuid>/<mac>" for interfaces.
//
// Errors:
//
// libvirt errors are returned as *hypervisor.Failure with codes such as
// HANDLE_INVALID (no such domain) and VM_BAD_POWER_STATE (the operation is
// not valid in the current power state).
//
// Consumer-Side Interfaces:
//
// Libvirt lists the go-libvirt calls this package makes. *libvirt.Libvirt
// satisfies it; tests use an in-memory fake.
package libvirt

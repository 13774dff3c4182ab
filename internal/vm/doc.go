// Package vm drives the lifecycle of guest VMs on one hypervisor host.
//
// Ops composes the lower level collaborators (the hypervisor Session, disk
// helpers, VIF and firewall drivers, volumes and the guest agent) into the
// operations a compute service needs:
//   - Spawn, Rescue and FinishMigration build a VM through a staged
//     pipeline (see internal/pipeline)
//   - MigrateDiskAndPowerOff moves disks to another host for a resize
//   - Destroy, Reboot and the power operations manage an existing VM
//   - Snapshot, live migration and metadata updates act on a running VM
//
// Error Handling:
//
// Every staged operation records a compensation for each resource it
// creates. When a step fails the compensations run in reverse order and the
// operation returns an *undo.RollbackError wrapping the step's error.
// Compensation failures are logged and counted but never mask the original
// error. The instance status gets the Fault condition.
//
// Context Support:
//
// All operations accept a context.Context. Compensations run on a context
// that is detached from cancellation, so a cancelled request still cleans
// up after itself.
package vm

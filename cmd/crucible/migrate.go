package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
	"github.com/jbweber/crucible/internal/vm"
)

// Resize and migration commands.

var (
	resizeRootGB      int
	resizeEphemeralGB int
	resizeMemoryMB    int
	resizeVCPUs       int
)

var resizeCmd = &cobra.Command{
	Use:   "resize <instance.yaml> <dest-host>",
	Short: "Power off a VM and stage its disks on a destination host",
	Long: `Start a resize of an instance to a new flavor.

The VM is powered off and its disks are streamed into the staging pool of
the destination host, which may be this host. Finish the resize with
finish-migration on the destination, then confirm-migration on the source
(or revert-migration to go back).

Example:
  crucible resize web-1.yaml hv-02 --root-gb 40`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			flavor := inst.Spec.Flavor
			if cmd.Flags().Changed("root-gb") {
				flavor.RootGB = resizeRootGB
			}
			if cmd.Flags().Changed("ephemeral-gb") {
				flavor.EphemeralGB = resizeEphemeralGB
			}
			if cmd.Flags().Changed("memory-mb") {
				flavor.MemoryMB = resizeMemoryMB
			}
			if cmd.Flags().Changed("vcpus") {
				flavor.VCPUs = resizeVCPUs
			}

			fmt.Printf("Resizing instance %s onto %s...\n", inst.Name, args[1])
			if err := e.local.ops.MigrateDiskAndPowerOff(ctx, inst, args[1], flavor, inst.Spec.BlockDevices); err != nil {
				return fmt.Errorf("failed to resize instance: %w", err)
			}
			fmt.Printf("✓ Disks of %s staged on %s\n", inst.Name, args[1])
			fmt.Println("  Update the flavor in the instance file and run finish-migration on the destination.")
			return nil
		})
	},
}

var (
	finishResize  bool
	finishPowerOn bool
)

var finishMigrationCmd = &cobra.Command{
	Use:   "finish-migration <instance.yaml>",
	Short: "Build the VM from disks staged by a resize",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			err := e.local.ops.FinishMigration(ctx, vm.FinishMigrationRequest{
				Instance:       inst,
				ResizeInstance: finishResize,
				PowerOn:        finishPowerOn,
			})
			if err != nil {
				return fmt.Errorf("failed to finish migration: %w", err)
			}
			fmt.Printf("✓ Instance %s built from staged disks\n", inst.Name)
			return nil
		})
	},
}

var confirmMigrationCmd = &cobra.Command{
	Use:   "confirm-migration <instance.yaml>",
	Short: "Remove the original VM kept by a resize",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if err := e.local.ops.ConfirmMigration(ctx, inst, inst.Spec.Network); err != nil {
				return fmt.Errorf("failed to confirm migration: %w", err)
			}
			fmt.Printf("✓ Resize of %s confirmed\n", inst.Name)
			return nil
		})
	},
}

var revertPowerOn bool

var revertMigrationCmd = &cobra.Command{
	Use:   "revert-migration <instance.yaml>",
	Short: "Restore the original VM kept by a resize",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if err := e.local.ops.FinishRevertMigration(ctx, inst, inst.Spec.BlockDevices, revertPowerOn); err != nil {
				return fmt.Errorf("failed to revert migration: %w", err)
			}
			fmt.Printf("✓ Resize of %s reverted\n", inst.Name)
			return nil
		})
	},
}

var liveMigrateBlock bool

var liveMigrateCmd = &cobra.Command{
	Use:   "live-migrate <instance.yaml> <dest-host>",
	Short: "Move a running VM to another host",
	Long: `Move a running VM to another host without stopping it.

Without --block both hosts must share storage and belong to the same
migration aggregate. With --block the disks are copied along with the
memory; the destination is prepared over its libvirt TCP socket.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			destHost := args[1]
			if inst.Spec.Host == "" {
				inst.Spec.Host = e.opts.Host
			}

			dest, err := e.remote(ctx, destHost)
			if err != nil {
				return err
			}

			check, err := dest.ops.CheckCanLiveMigrateDestination(ctx, inst, liveMigrateBlock)
			if err != nil {
				return fmt.Errorf("destination check failed: %w", err)
			}
			check, err = e.local.ops.CheckCanLiveMigrateSource(ctx, inst, check)
			if err != nil {
				return fmt.Errorf("source check failed: %w", err)
			}

			post := func(ctx context.Context, inst *v1alpha1.Instance, _ string, _ bool, data *hypervisor.MigrateData) error {
				if err := e.local.ops.PostLiveMigration(ctx, inst, data); err != nil {
					return err
				}
				inst.Spec.Host = destHost
				return dest.ops.PostLiveMigrationAtDestination(ctx, inst, inst.Spec.Network)
			}
			recoverFn := func(_ context.Context, inst *v1alpha1.Instance, dest string, _ bool) {
				e.log.Info("live migration rolled back", "instance", inst.UUID(), "dest", dest)
			}

			fmt.Printf("Migrating instance %s to %s...\n", inst.Name, destHost)
			if err := e.local.ops.LiveMigrate(ctx, inst, destHost, post, recoverFn, check.BlockMigration, check.MigrateData); err != nil {
				return fmt.Errorf("failed to live migrate instance: %w", err)
			}
			fmt.Printf("✓ Instance %s now runs on %s\n", inst.Name, destHost)
			return nil
		})
	},
}

func init() {
	resizeCmd.Flags().IntVar(&resizeRootGB, "root-gb", 0, "root disk size of the new flavor")
	resizeCmd.Flags().IntVar(&resizeEphemeralGB, "ephemeral-gb", 0, "ephemeral disk size of the new flavor")
	resizeCmd.Flags().IntVar(&resizeMemoryMB, "memory-mb", 0, "memory of the new flavor")
	resizeCmd.Flags().IntVar(&resizeVCPUs, "vcpus", 0, "vCPUs of the new flavor")

	finishMigrationCmd.Flags().BoolVar(&finishResize, "resize", true, "grow the imported disks to the instance flavor")
	finishMigrationCmd.Flags().BoolVar(&finishPowerOn, "power-on", true, "start the VM when it is built")

	revertMigrationCmd.Flags().BoolVar(&revertPowerOn, "power-on", true, "start the original VM")

	liveMigrateCmd.Flags().BoolVar(&liveMigrateBlock, "block", false, "copy disks along with memory")
}

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/loader"
	"github.com/jbweber/crucible/internal/vm"
)

// Lifecycle commands. Every command takes the Instance file of the VM; the
// state recorded by earlier operations is read from the instance store.

var (
	spawnSave          bool
	spawnAdminPassword string
	spawnFiles         []string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <instance.yaml>",
	Short: "Build and boot a VM from an Instance file",
	Long: `Build and boot the VM of an Instance.

Disks are created from the image, the VM record is defined, volumes and
interfaces are attached and the VM is started. The guest is then configured
through its agent. If any step fails, the completed steps are undone.

Example:
  crucible spawn web-1.yaml --save`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if inst.Status.State == "" {
				inst.Status.State = v1alpha1.StateAbsent
			}

			files, err := readInjectedFiles(spawnFiles)
			if err != nil {
				return err
			}

			fmt.Printf("Spawning instance %s (%s)...\n", inst.Name, inst.UUID())
			err = e.local.ops.Spawn(ctx, vm.SpawnRequest{
				Instance:      inst,
				InjectedFiles: files,
				AdminPassword: spawnAdminPassword,
			})
			if err != nil {
				return fmt.Errorf("failed to spawn instance: %w", err)
			}

			if spawnSave {
				if err := loader.SaveToFile(inst, args[0]); err != nil {
					return err
				}
			}
			fmt.Printf("✓ Instance %s spawned\n", inst.Name)
			return nil
		})
	},
}

// readInjectedFiles parses guest-path=local-path pairs.
func readInjectedFiles(specs []string) ([]v1alpha1.File, error) {
	var files []v1alpha1.File
	for _, s := range specs {
		guest, local, ok := strings.Cut(s, "=")
		if !ok || guest == "" || local == "" {
			return nil, fmt.Errorf("invalid --file %q (expected guest-path=local-path)", s)
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", local, err)
		}
		files = append(files, v1alpha1.File{Path: guest, Contents: data})
	}
	return files, nil
}

var (
	destroyKeepDisks bool
	destroyForget    bool
)

var destroyCmd = &cobra.Command{
	Use:   "destroy <instance.yaml>",
	Short: "Destroy the VM of an instance",
	Long: `Destroy the VM of an instance.

This will:
- Shut the VM down
- Detach its volumes and remove its filters
- Delete its disks and boot files (unless --keep-disks)
- Remove the VM record

With --forget the instance is also removed from the instance store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			fmt.Printf("Destroying instance %s...\n", inst.Name)
			if err := e.local.ops.Destroy(ctx, inst, inst.Spec.Network, !destroyKeepDisks); err != nil {
				return fmt.Errorf("failed to destroy instance: %w", err)
			}
			if destroyForget {
				if err := e.store.Delete(ctx, inst.UUID()); err != nil {
					return fmt.Errorf("failed to forget instance: %w", err)
				}
			}
			fmt.Printf("✓ Instance %s destroyed\n", inst.Name)
			return nil
		})
	},
}

var rebootHard bool

var rebootCmd = &cobra.Command{
	Use:   "reboot <instance.yaml>",
	Short: "Reboot the VM of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			rebootType := vm.RebootSoft
			if rebootHard {
				rebootType = vm.RebootHard
			}
			badVolumes := func(ctx context.Context, devices []string) {
				fmt.Fprintf(os.Stderr, "Warning: volumes unreachable, VM stays halted: %v\n", devices)
			}
			if err := e.local.ops.Reboot(ctx, inst, rebootType, badVolumes); err != nil {
				return fmt.Errorf("failed to reboot instance: %w", err)
			}
			fmt.Printf("✓ Instance %s rebooted\n", inst.Name)
			return nil
		})
	},
}

var powerOffTimeout time.Duration

var powerOffCmd = &cobra.Command{
	Use:   "power-off <instance.yaml>",
	Short: "Stop the VM of an instance",
	Long: `Stop the VM of an instance.

With a positive --timeout the guest is asked to shut down and is forced off
when it has not stopped in time. A zero timeout forces it off at once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			timeout := powerOffTimeout
			if !cmd.Flags().Changed("timeout") {
				timeout = e.opts.ShutdownTimeout
			}
			if err := e.local.ops.PowerOff(ctx, inst, timeout); err != nil {
				return fmt.Errorf("failed to power off instance: %w", err)
			}
			fmt.Printf("✓ Instance %s powered off\n", inst.Name)
			return nil
		})
	},
}

// simpleCmd builds a command that runs one instance operation.
func simpleCmd(use, short, done string, op func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <instance.yaml>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
				if err := op(ctx, e.local.ops, inst); err != nil {
					return fmt.Errorf("failed to %s instance: %w", use, err)
				}
				fmt.Printf("✓ Instance %s %s\n", inst.Name, done)
				return nil
			})
		},
	}
}

var (
	powerOnCmd = simpleCmd("power-on", "Start the VM of an instance", "powered on",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.PowerOn(ctx, inst) })
	pauseCmd = simpleCmd("pause", "Pause the VM of an instance", "paused",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.Pause(ctx, inst) })
	unpauseCmd = simpleCmd("unpause", "Unpause the VM of an instance", "unpaused",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.Unpause(ctx, inst) })
	suspendCmd = simpleCmd("suspend", "Suspend the VM of an instance to disk", "suspended",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.Suspend(ctx, inst) })
	resumeCmd = simpleCmd("resume", "Resume a suspended VM", "resumed",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.Resume(ctx, inst) })
	softDeleteCmd = simpleCmd("soft-delete", "Stop a VM and keep it for restore", "soft-deleted",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error {
			return ops.SoftDelete(ctx, inst)
		})
	restoreCmd = simpleCmd("restore", "Start a soft-deleted VM again", "restored",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.Restore(ctx, inst) })
	unrescueCmd = simpleCmd("unrescue", "Destroy the rescue VM and start the original", "unrescued",
		func(ctx context.Context, ops *vm.Ops, inst *v1alpha1.Instance) error { return ops.Unrescue(ctx, inst) })
)

var (
	rescueImage    string
	rescuePassword string
)

var rescueCmd = &cobra.Command{
	Use:   "rescue <instance.yaml>",
	Short: "Boot a rescue VM with the instance root disk attached",
	Long: `Boot a rescue VM next to the VM of an instance.

The original VM is shut down and locked against starting. Its root disk is
attached to the rescue VM as the second disk. Run unrescue to go back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			req := vm.RescueRequest{
				Instance:      inst,
				AdminPassword: rescuePassword,
			}
			if rescueImage != "" {
				req.Image = v1alpha1.ImageMeta{ID: rescueImage}
			}
			if err := e.local.ops.Rescue(ctx, req); err != nil {
				return fmt.Errorf("failed to rescue instance: %w", err)
			}
			fmt.Printf("✓ Instance %s rescued\n", inst.Name)
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <instance.yaml> <image-id>",
	Short: "Snapshot the root disk and upload it as an image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if e.opts.ImageBucket == "" {
				return fmt.Errorf("snapshot requires image-bucket to be configured")
			}
			update := func(_ context.Context, state, _ string) {
				fmt.Printf("  %s\n", state)
			}
			if err := e.local.ops.Snapshot(ctx, inst, args[1], update); err != nil {
				return fmt.Errorf("failed to snapshot instance: %w", err)
			}
			fmt.Printf("✓ Image %s uploaded from %s\n", args[1], inst.Name)
			return nil
		})
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password <instance.yaml> <password>",
	Short: "Set the guest administrator password through the agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if err := e.local.ops.SetAdminPassword(ctx, inst, args[1]); err != nil {
				return fmt.Errorf("failed to set admin password: %w", err)
			}
			fmt.Printf("✓ Admin password of %s set\n", inst.Name)
			return nil
		})
	},
}

var injectFileCmd = &cobra.Command{
	Use:   "inject-file <instance.yaml> <guest-path> <local-path>",
	Short: "Write a file into the guest through the agent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[2])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[2], err)
		}
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if err := e.local.ops.InjectFile(ctx, inst, args[1], data); err != nil {
				return fmt.Errorf("failed to inject file: %w", err)
			}
			fmt.Printf("✓ Wrote %s in %s\n", args[1], inst.Name)
			return nil
		})
	},
}

var resetNetworkRescue bool

var resetNetworkCmd = &cobra.Command{
	Use:   "reset-network <instance.yaml>",
	Short: "Reapply the guest network configuration through the agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if err := e.local.ops.ResetNetwork(ctx, inst, resetNetworkRescue); err != nil {
				return fmt.Errorf("failed to reset network: %w", err)
			}
			fmt.Printf("✓ Network of %s reset\n", inst.Name)
			return nil
		})
	},
}

func init() {
	spawnCmd.Flags().BoolVar(&spawnSave, "save", false, "write the instance (with its UUID and state) back to the file")
	spawnCmd.Flags().StringVar(&spawnAdminPassword, "admin-password", "", "administrator password set in the guest")
	spawnCmd.Flags().StringArrayVar(&spawnFiles, "file", nil, "inject a file as guest-path=local-path (repeatable)")

	destroyCmd.Flags().BoolVar(&destroyKeepDisks, "keep-disks", false, "keep the disks of the VM")
	destroyCmd.Flags().BoolVar(&destroyForget, "forget", false, "remove the instance from the instance store")

	rebootCmd.Flags().BoolVar(&rebootHard, "hard", false, "reset the VM instead of a clean reboot")

	powerOffCmd.Flags().DurationVar(&powerOffTimeout, "timeout", 0, "clean shutdown timeout (default shutdown-timeout from the config)")

	rescueCmd.Flags().StringVar(&rescueImage, "image", "", "image to boot the rescue VM from (default the instance image)")
	rescueCmd.Flags().StringVar(&rescuePassword, "admin-password", "", "administrator password of the rescue VM")

	resetNetworkCmd.Flags().BoolVar(&resetNetworkRescue, "rescue", false, "reset the network of the rescue VM")
}

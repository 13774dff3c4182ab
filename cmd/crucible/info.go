package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/api/v1alpha1"
)

var infoCmd = &cobra.Command{
	Use:   "info <instance.yaml>",
	Short: "Show the runtime state of the VM of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			info, err := e.local.ops.GetInfo(ctx, inst)
			if err != nil {
				return fmt.Errorf("failed to get info: %w", err)
			}
			out, err := e.out.FormatInfo(inst.Name, info)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics <instance.yaml>",
	Short: "Show hypervisor counters of the VM of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			diags, err := e.local.ops.GetDiagnostics(ctx, inst)
			if err != nil {
				return fmt.Errorf("failed to get diagnostics: %w", err)
			}
			out, err := e.out.FormatDiagnostics(inst.Name, diags)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <instance.yaml>",
	Short: "Show an instance with its recorded state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			out, err := e.out.FormatInstance(inst)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List the guest VMs on this host.

Shows the VM name, the instance it belongs to, its power state and size.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(ctx context.Context, e *env) error {
			vms, err := e.local.ops.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list VMs: %w", err)
			}
			out, err := e.out.FormatVMList(vms)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		})
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show the memory used by each running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(ctx context.Context, e *env) error {
			usage, err := e.local.ops.GetPerInstanceUsage(ctx)
			if err != nil {
				return fmt.Errorf("failed to get usage: %w", err)
			}
			if len(usage) == 0 {
				fmt.Println("No running instances")
				return nil
			}

			uuids := make([]string, 0, len(usage))
			for id := range usage {
				uuids = append(uuids, id)
			}
			sort.Strings(uuids)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "INSTANCE\tMEMORY")
			for _, id := range uuids {
				_, _ = fmt.Fprintf(w, "%s\t%d MiB\n", id, usage[id].MemoryMB)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/api/v1alpha1"
)

var consoleLogCmd = &cobra.Command{
	Use:   "console-log <instance.yaml>",
	Short: "Print the tail of the serial console of a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			out, err := e.local.ops.GetConsoleOutput(ctx, inst)
			if err != nil {
				return fmt.Errorf("failed to get console output: %w", err)
			}
			_, err = os.Stdout.Write(out)
			return err
		})
	},
}

var vncConsoleCmd = &cobra.Command{
	Use:   "vnc-console <instance.yaml>",
	Short: "Show where to reach the VNC console of a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			info, err := e.local.ops.GetVNCConsole(ctx, inst)
			if err != nil {
				return fmt.Errorf("failed to get VNC console: %w", err)
			}
			fmt.Printf("vnc://%s:%d\n", info.Host, info.Port)
			return nil
		})
	},
}

var bandwidthCmd = &cobra.Command{
	Use:   "bandwidth",
	Short: "Show the traffic counters of every running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(ctx context.Context, e *env) error {
			counters, err := e.local.ops.GetAllBWCounters(ctx)
			if err != nil {
				return fmt.Errorf("failed to get bandwidth counters: %w", err)
			}

			names := make([]string, 0, len(counters))
			for name := range counters {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "VM\tMAC\tIN\tOUT")
			for _, name := range names {
				macs := make([]string, 0, len(counters[name]))
				for mac := range counters[name] {
					macs = append(macs, mac)
				}
				sort.Strings(macs)
				for _, mac := range macs {
					c := counters[name][mac]
					_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", name, mac, c.BWIn, c.BWOut)
				}
			}
			return w.Flush()
		})
	},
}

var pollRebootsCmd = &cobra.Command{
	Use:   "poll-reboots <instance.yaml>...",
	Short: "Hard reboot instances whose reboot never finished",
	Long: `Check the given instances for reboots that started longer than
reboot-timeout ago without finishing, and hard reboot them.

Example:
  crucible poll-reboots /etc/crucible/instances/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(ctx context.Context, e *env) error {
			now := time.Now()
			var stuck []*v1alpha1.Instance
			for _, path := range args {
				inst, err := e.loadInstance(ctx, path)
				if err != nil {
					return err
				}
				rec, err := e.store.Get(ctx, inst.UUID())
				if err != nil {
					continue
				}
				if rec.RebootStuck(now, e.opts.RebootTimeout) {
					stuck = append(stuck, inst)
				}
			}

			if len(stuck) == 0 {
				fmt.Println("No stuck reboots")
				return nil
			}
			if err := e.local.ops.PollRebootingInstances(ctx, e.opts.RebootTimeout, stuck); err != nil {
				return fmt.Errorf("failed to reboot stuck instances: %w", err)
			}
			fmt.Printf("✓ Hard rebooted %d instance(s)\n", len(stuck))
			return nil
		})
	},
}

var firewallCmd = &cobra.Command{
	Use:   "firewall",
	Short: "Reload traffic filters",
}

var refreshMembers bool

var firewallGroupCmd = &cobra.Command{
	Use:   "refresh-group <group-id>",
	Short: "Reload the filter of a security group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(ctx context.Context, e *env) error {
			refresh := e.local.ops.RefreshSecurityGroupRules
			if refreshMembers {
				refresh = e.local.ops.RefreshSecurityGroupMembers
			}
			if err := refresh(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Security group %s refreshed\n", args[0])
			return nil
		})
	},
}

var firewallInstanceCmd = &cobra.Command{
	Use:   "refresh-instance <instance.yaml>",
	Short: "Reapply the filter of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(args[0], func(ctx context.Context, e *env, inst *v1alpha1.Instance) error {
			if err := e.local.ops.RefreshInstanceSecurityRules(ctx, inst); err != nil {
				return err
			}
			fmt.Printf("✓ Filter of %s refreshed\n", inst.Name)
			return nil
		})
	},
}

var firewallProviderCmd = &cobra.Command{
	Use:   "refresh-provider",
	Short: "Reload the host wide provider filter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(func(ctx context.Context, e *env) error {
			if err := e.local.ops.RefreshProviderFWRules(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Provider filter refreshed")
			return nil
		})
	},
}

func init() {
	firewallGroupCmd.Flags().BoolVar(&refreshMembers, "members", false, "Reload the member addresses instead of the rules")
	firewallCmd.AddCommand(firewallGroupCmd)
	firewallCmd.AddCommand(firewallInstanceCmd)
	firewallCmd.AddCommand(firewallProviderCmd)

	rootCmd.AddCommand(consoleLogCmd)
	rootCmd.AddCommand(vncConsoleCmd)
	rootCmd.AddCommand(bandwidthCmd)
	rootCmd.AddCommand(pollRebootsCmd)
	rootCmd.AddCommand(firewallCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jbweber/crucible/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags.
var (
	configPath   string
	outputFormat string
	debug        bool
	metricsFile  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - staged VM lifecycle orchestrator for libvirt",
	Long: `Crucible drives the lifecycle of libvirt VMs described by Instance files.

Every multi-step operation (spawn, rescue, resize, live migration) runs as a
staged pipeline: when a step fails, the steps already done are undone in
reverse order and the host is left as it was.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return output.ValidateFormat(outputFormat)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if metricsFile == "" {
			return nil
		}
		if err := prometheus.WriteToTextfile(metricsFile, prometheus.DefaultGatherer); err != nil {
			return fmt.Errorf("failed to write metrics to %s: %w", metricsFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the crucible config file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", string(output.FormatTable), "output format (table, yaml, json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write operation metrics to this file in the Prometheus text format")

	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(rebootCmd)
	rootCmd.AddCommand(powerOnCmd)
	rootCmd.AddCommand(powerOffCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(unpauseCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(softDeleteCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(rescueCmd)
	rootCmd.AddCommand(unrescueCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(setPasswordCmd)
	rootCmd.AddCommand(injectFileCmd)
	rootCmd.AddCommand(resetNetworkCmd)
	rootCmd.AddCommand(resizeCmd)
	rootCmd.AddCommand(finishMigrationCmd)
	rootCmd.AddCommand(confirmMigrationCmd)
	rootCmd.AddCommand(revertMigrationCmd)
	rootCmd.AddCommand(liveMigrateCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(diagnosticsCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(poolCmd)
}

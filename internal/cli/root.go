// Package cli provides the command-line interface for vmctl.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmctl/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "vmctl - run and manage local virtual machines",
	Long: `vmctl creates, configures and runs virtual machines on macOS
(Virtualization.framework) and Linux (libvirt) hosts.

A VM is described by a declarative configuration. Shared directories and
removable drive bindings live in a separate registry so that they can be
changed while the VM runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		return config.Load()
	},
}

// bindFlags lets the global flags override settings.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("engine", flags.Lookup("engine"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "", "Directory holding VM bundles and the registry")
	flags.String("engine", "", "Hypervisor engine: auto, vz or libvirt")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	bindFlags()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(capsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(driveCmd)
}

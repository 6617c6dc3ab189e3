package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmctl/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective settings",
	Long: `Show the settings vmctl runs with, after merging defaults, the config
file and VMCTL_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the current settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configForce bool

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

// settings is the config file layout.
type settings struct {
	DataDir         string `yaml:"data_dir"`
	Engine          string `yaml:"engine"`
	LibvirtSocket   string `yaml:"libvirt_socket"`
	StopTimeout     string `yaml:"stop_timeout"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	DefaultCPUs     int    `yaml:"default_cpus"`
	DefaultMemory   string `yaml:"default_memory"`
	DefaultDiskSize string `yaml:"default_disk_size"`
}

func settingsOf(c *config.Config) settings {
	return settings{
		DataDir:         c.DataDir,
		Engine:          c.Engine,
		LibvirtSocket:   c.LibvirtSocket,
		StopTimeout:     c.StopTimeout.String(),
		LogLevel:        c.LogLevel,
		LogFormat:       c.LogFormat,
		DefaultCPUs:     c.DefaultCPUs,
		DefaultMemory:   c.DefaultMemory,
		DefaultDiskSize: c.DefaultDiskSize,
	}
}

func runConfig(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if used := config.ConfigFileUsed(); used != "" {
		a.printf("# %s\n", used)
	} else {
		a.println("# no config file, using defaults")
	}
	data, err := yaml.Marshal(settingsOf(a.cfg))
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	a.printf("%s", data)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}
	if _, err := os.Stat(paths.ConfigFile); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", paths.ConfigFile)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	data, err := yaml.Marshal(settingsOf(a.cfg))
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(paths.ConfigFile, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	a.printf("Wrote %s\n", paths.ConfigFile)
	return nil
}

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine selections.
const (
	EngineAuto    = "auto"
	EngineVZ      = "vz"
	EngineLibvirt = "libvirt"
)

// Config holds all vmctl settings.
type Config struct {
	// DataDir holds VM bundles and the registry.
	DataDir string `mapstructure:"data_dir"`

	// Engine selects the hypervisor engine: auto, vz or libvirt.
	Engine string `mapstructure:"engine"`

	// LibvirtSocket is the libvirtd socket used by the libvirt engine.
	LibvirtSocket string `mapstructure:"libvirt_socket"`

	// StopTimeout bounds a cooperative stop before it is forced.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Defaults for new VMs.
	DefaultCPUs     int    `mapstructure:"default_cpus"`
	DefaultMemory   string `mapstructure:"default_memory"`
	DefaultDiskSize string `mapstructure:"default_disk_size"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{DataDir: "/tmp/vmctl"}
	}

	return &Config{
		DataDir:         paths.DataDir,
		Engine:          EngineAuto,
		LibvirtSocket:   "/var/run/libvirt/libvirt-sock",
		StopTimeout:     30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		DefaultCPUs:     min(runtime.NumCPU(), 4),
		DefaultMemory:   "4GiB",
		DefaultDiskSize: "64GiB",
	}
}

// RegistryDir is where registry entries are stored.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "registry")
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults into Global.
func Load() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to determine paths: %w", err)
	}
	cfg, err := load(viper.GetViper(), paths)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

func load(v *viper.Viper, paths *Paths) (*Config, error) {
	defaults := DefaultConfig()
	defaults.DataDir = paths.DataDir
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("engine", defaults.Engine)
	v.SetDefault("libvirt_socket", defaults.LibvirtSocket)
	v.SetDefault("stop_timeout", defaults.StopTimeout)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("default_cpus", defaults.DefaultCPUs)
	v.SetDefault("default_memory", defaults.DefaultMemory)
	v.SetDefault("default_disk_size", defaults.DefaultDiskSize)

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(paths.ConfigDir)
	v.AddConfigPath(paths.DataDir)

	// Environment variable support: VMCTL_ENGINE, VMCTL_LOG_LEVEL, etc.
	v.SetEnvPrefix("VMCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - not an error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

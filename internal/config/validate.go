package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmctl/internal/machine"
)

// ErrInvalid is wrapped by every settings validation failure.
var ErrInvalid = errors.New("invalid settings")

// ValidateConfig checks the settings and returns every problem found.
func ValidateConfig(c *Config) []machine.ValidationError {
	var problems []machine.ValidationError
	fatal := func(field, format string, args ...any) {
		problems = append(problems, machine.ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}

	if !filepath.IsAbs(c.DataDir) {
		fatal("data_dir", "must be an absolute path, got %q", c.DataDir)
	}
	switch c.Engine {
	case EngineAuto, EngineVZ, EngineLibvirt:
	default:
		fatal("engine", "must be auto, vz or libvirt, got %q", c.Engine)
	}
	if c.StopTimeout <= 0 {
		fatal("stop_timeout", "must be positive, got %s", c.StopTimeout)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		fatal("log_level", "%v", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		fatal("log_format", "must be text or json, got %q", c.LogFormat)
	}
	if c.DefaultCPUs < 1 {
		fatal("default_cpus", "at least 1 CPU is required")
	}
	if _, err := units.RAMInBytes(c.DefaultMemory); err != nil {
		fatal("default_memory", "%v", err)
	}
	if _, err := units.RAMInBytes(c.DefaultDiskSize); err != nil {
		fatal("default_disk_size", "%v", err)
	}
	return problems
}

// Validate returns an error wrapping ErrInvalid when the settings have problems.
func (c *Config) Validate() error {
	problems := ValidateConfig(c)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w:\n%s", ErrInvalid, machine.FormatValidationErrors(problems))
}

package hypervisor

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Engine names accepted by New.
const (
	EngineAuto    = "auto"
	EngineVZ      = "vz"
	EngineLibvirt = "libvirt"
)

// Options selects and configures an engine.
type Options struct {
	// Name is "auto", "vz" or "libvirt". Auto picks vz on macOS and libvirt elsewhere.
	Name string

	// LibvirtSocket is the libvirtd unix socket path. Empty uses the default.
	LibvirtSocket string
	DialTimeout   time.Duration

	Logger *logrus.Entry
}

// SupportedPlatform returns true if the current platform has an engine.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// New creates the engine named in opts.
func New(opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	name := opts.Name
	if name == "" || name == EngineAuto {
		name = EngineLibvirt
		if runtime.GOOS == "darwin" {
			name = EngineVZ
		}
	}
	switch name {
	case EngineVZ:
		return newVZEngine(opts)
	case EngineLibvirt:
		return newLibvirtEngine(opts)
	default:
		return nil, fmt.Errorf("hypervisor: unknown engine %q", name)
	}
}

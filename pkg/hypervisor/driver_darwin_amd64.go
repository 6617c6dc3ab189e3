//go:build darwin && amd64

package hypervisor

import (
	"context"
	"fmt"

	"github.com/Code-Hex/vz/v3"
)

// macOS guests and Rosetta need Apple silicon.

func macPlatform(*Params) (vz.BootLoader, vz.PlatformConfiguration, error) {
	return nil, nil, fmt.Errorf("vzEngine: macOS guest: %w", ErrUnsupported)
}

func macGraphics([]Display) (vz.GraphicsDeviceConfiguration, error) {
	return nil, fmt.Errorf("vzEngine: macOS display: %w", ErrUnsupported)
}

func rosettaShare(string) (vz.DirectorySharingDeviceConfiguration, error) {
	return nil, fmt.Errorf("vzEngine: rosetta: %w", ErrUnsupported)
}

func runMacOSInstaller(_ context.Context, _ *vz.VirtualMachine, _ string, progress chan<- Progress) {
	progress <- Progress{Err: fmt.Errorf("vzEngine: macOS install: %w", ErrUnsupported)}
}

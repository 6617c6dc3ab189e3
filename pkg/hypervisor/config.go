package hypervisor

import (
	"fmt"
	"net"
)

// GuestOS is the guest operating system family.
type GuestOS string

const (
	GuestLinux GuestOS = "linux"
	GuestMacOS GuestOS = "macos"
)

// Params is the fully resolved description of a machine handed to Configure.
// It is built by the controller from the VM configuration plus the registry
// entry (shares and removable drive bindings).
type Params struct {
	ID   string
	Name string

	// Bundle is a directory the engine may use for its own state
	// (EFI variables, machine identifiers, auxiliary storage).
	Bundle string

	OS          GuestOS
	CPUs        uint
	MemoryBytes uint64

	// InstallImage is set when the machine is configured for installation.
	InstallImage string

	Displays []Display
	Serials  []Serial
	Networks []Network
	Drives   []Drive
	Shares   []Share

	// Devices lists the optional virtualization features enabled for this
	// machine (audio, balloon, rosetta...).
	Devices []Feature
}

// Display is a graphics scanout.
type Display struct {
	Width         int
	Height        int
	PixelsPerInch int
}

// Serial is a serial port. Only builtin serials are wired to a console.
type Serial struct {
	Builtin bool
}

// Network modes.
const (
	NetworkNAT     = "nat"
	NetworkBridged = "bridged"
)

// Network is a virtio network device.
type Network struct {
	Mode       string
	Interface  string // host interface for bridged mode
	MACAddress string // empty means random locally administered
}

// Drive is a block device backed by a disk image.
type Drive struct {
	ID        string
	ImagePath string
	ReadOnly  bool
	Removable bool
}

// Share is a host directory exposed to the guest.
type Share struct {
	Tag      string
	Path     string
	ReadOnly bool
}

// HasDevice reports whether f is enabled for this machine.
func (p *Params) HasDevice(f Feature) bool {
	for _, d := range p.Devices {
		if d == f {
			return true
		}
	}
	return false
}

// Validate performs engine-independent checks of the parameters.
func (p *Params) Validate() error {
	if p.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if p.MemoryBytes < MinMemoryBytes {
		return ErrInsufficientMemory
	}
	for i, n := range p.Networks {
		if n.Mode != NetworkNAT && n.Mode != NetworkBridged {
			return fmt.Errorf("network %d: %w", i, ErrInvalidNetworkMode)
		}
		if n.MACAddress != "" {
			if _, err := net.ParseMAC(n.MACAddress); err != nil {
				return fmt.Errorf("network %d: %w", i, err)
			}
		}
	}
	for _, d := range p.Drives {
		if d.ImagePath == "" {
			return fmt.Errorf("drive %s: %w", d.ID, ErrMissingImage)
		}
	}
	return nil
}

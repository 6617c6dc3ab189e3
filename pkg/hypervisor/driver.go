// Package hypervisor provides a narrow control interface over a hypervisor
// engine (macOS Virtualization.framework via vz, or libvirt on Linux hosts).
//
// Engine errors are opaque to callers: only the sentinels in errors.go carry
// meaning outside this package.
package hypervisor

import (
	"context"
	"io"
)

// Handle identifies a configured machine inside an engine. It is valid from a
// successful Configure until Release.
type Handle string

// Engine is the control surface the lifecycle controller drives.
// Implementations must be safe for concurrent use across handles.
type Engine interface {
	Info() Info

	// Capabilities returns the host capability set, resolved once when the
	// engine was constructed.
	Capabilities() Capabilities

	// Configure builds an engine-side machine from p without starting it.
	Configure(ctx context.Context, p *Params) (Handle, error)

	// Start boots the machine. The returned channel receives exactly one value
	// when the machine stops: nil for a guest power-off, an error otherwise.
	Start(ctx context.Context, h Handle) (<-chan error, error)

	// RequestStop asks the guest to shut down, or terminates it when force is set.
	// A cooperative request returns once the request is delivered; the exit
	// arrives later on the Start channel.
	RequestStop(ctx context.Context, h Handle, force bool) error

	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error

	// Install runs the guest installer from image. Progress values are sent
	// until the installer finishes; a failure is delivered as the last value.
	// The channel is closed when the installer is done. Cancelling ctx aborts it.
	Install(ctx context.Context, h Handle, image string) (<-chan Progress, error)

	// Console returns I/O for the builtin serial at index. Only valid after Start.
	Console(h Handle, serial int) (in io.Writer, out io.Reader, err error)

	// Release frees the handle and its resources. Safe to call more than once.
	Release(h Handle) error
}

// Progress is one installer progress report.
type Progress struct {
	Fraction float64
	Err      error
}

// Info contains engine metadata.
type Info struct {
	Name    string // "vz" or "libvirt"
	Version string
	Arch    string
}

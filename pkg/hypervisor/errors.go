package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingImage       = errors.New("hypervisor: disk image path is required")
	ErrInvalidNetworkMode = errors.New("hypervisor: network mode must be 'nat' or 'bridged'")
)

// Runtime errors
var (
	ErrUnknownHandle = errors.New("hypervisor: unknown handle")
	ErrNotRunning    = errors.New("hypervisor: VM is not running")
	ErrNoConsole     = errors.New("hypervisor: serial has no console")
)

// ErrResourceUnavailable is returned when the host cannot provide what the
// machine needs (memory, an image, a bridge interface). Callers may retry
// after remediation.
var ErrResourceUnavailable = errors.New("hypervisor: resource unavailable")

// ErrUnsupported is returned when the engine or host lacks a feature.
var ErrUnsupported = errors.New("hypervisor: not supported on this host")

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
